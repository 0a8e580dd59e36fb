package sheets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	var cases = map[string]string{
		"TAG_SPOOL":        "tagspool",
		"Fecha_Materiales": "fechamateriales",
		"fecha materiales": "fechamateriales",
		"Pulgadas_ARM":     "pulgadasarm",
		"version":          "version",
		"  Estado Detalle": "estadodetalle",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestColumnCacheLookupAndInvalidate(t *testing.T) {
	var cache = newColumnCache()

	_, ok := cache.lookup("Operaciones", "TAG_SPOOL")
	require.False(t, ok)

	cache.load("Operaciones", []string{"TAG_SPOOL", "OT", "Fecha_Materiales", "version"})

	idx, ok := cache.lookup("Operaciones", "tag spool")
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = cache.lookup("Operaciones", "Version")
	require.True(t, ok)
	require.Equal(t, 3, idx)

	// Physical column order is free; logical names are what matters.
	cache.load("Operaciones", []string{"version", "TAG_SPOOL"})
	idx, ok = cache.lookup("Operaciones", "TAG_SPOOL")
	require.True(t, ok)
	require.Equal(t, 1, idx)

	cache.invalidate("Operaciones")
	_, ok = cache.lookup("Operaciones", "TAG_SPOOL")
	require.False(t, ok)
}

func TestColumnCacheDuplicateHeaderFirstWins(t *testing.T) {
	var cache = newColumnCache()
	cache.load("Uniones", []string{"ID", "id", "N_UNION"})

	idx, ok := cache.lookup("Uniones", "ID")
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestColName(t *testing.T) {
	require.Equal(t, "A", colName(0))
	require.Equal(t, "Z", colName(25))
	require.Equal(t, "AA", colName(26))
	require.Equal(t, "AZ", colName(51))
	require.Equal(t, "BA", colName(52))
}
