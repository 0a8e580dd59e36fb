// Package repo reads and writes spool, union, and worker records through the
// tabular store gateway. Repositories are read-model scans plus narrowly
// scoped batched writes; spool-level writes flow through the version service.
package repo

import (
	"context"
	"strconv"
	"strings"

	"github.com/pipefab/spooltrack/go/sheets"
)

// Worksheet names of the three sheets the core depends on.
const (
	WSOperaciones  = "Operaciones"
	WSUniones      = "Uniones"
	WSTrabajadores = "Trabajadores"
)

// RequiredColumns maps each worksheet to the logical columns the repositories
// depend on, for startup schema validation.
func RequiredColumns() map[string][]string {
	return map[string][]string{
		WSOperaciones:  spoolColumns,
		WSUniones:      unionColumns,
		WSTrabajadores: workerColumns,
	}
}

// colmap resolves a set of logical columns against a worksheet.
func colmap(ctx context.Context, tab sheets.Tabular, ws string, names ...string) (map[string]int, error) {
	var m = make(map[string]int, len(names))
	for _, name := range names {
		var idx, err = tab.ColumnIndex(ctx, ws, name)
		if err != nil {
			return nil, err
		}
		m[name] = idx
	}
	return m, nil
}

// cell returns the row's cell at idx, tolerating ragged rows.
func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func cellInt(row []string, idx int) int {
	var v, err = strconv.Atoi(cell(row, idx))
	if err != nil {
		return 0
	}
	return v
}

func cellFloat(row []string, idx int) float64 {
	var s = strings.ReplaceAll(cell(row, idx), ",", ".")
	var v, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
