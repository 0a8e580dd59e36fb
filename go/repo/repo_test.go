package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets/sheetstest"
	"github.com/pipefab/spooltrack/go/versions"
)

var spoolHeader = []string{
	"TAG_SPOOL", "OT", "Fecha_Materiales", "Armador", "Soldador",
	"Fecha_Armado", "Fecha_Soldadura", "Ocupado_Por", "Fecha_Ocupacion",
	"version", "Estado_Detalle", "Total_Uniones", "Uniones_ARM_Completadas",
	"Uniones_SOLD_Completadas", "Pulgadas_ARM", "Pulgadas_SOLD",
}

var unionHeader = []string{
	"ID", "TAG_SPOOL", "N_UNION", "DN_UNION", "TIPO_UNION",
	"ARM_FECHA_INICIO", "ARM_FECHA_FIN", "ARM_WORKER",
	"SOL_FECHA_INICIO", "SOL_FECHA_FIN", "SOL_WORKER",
	"NDT_FECHA", "NDT_STATUS", "version",
	"Creado_Por", "Fecha_Creacion", "Modificado_Por", "Fecha_Modificacion",
}

func newStore(t *testing.T) *sheetstest.Fake {
	t.Helper()
	var fake = sheetstest.NewFake()
	fake.SetSheet(WSOperaciones, [][]string{
		spoolHeader,
		{"OT-001", "9001", "01-05-2024", "", "", "", "", "", "", "v-1", "ARM PENDIENTE", "3", "0", "0", "0", "0"},
		{"OT-LEGACY", "9002", "02-05-2024", "", "", "", "", "", "", "v-2", "", "0", "0", "0", "0", "0"},
	})
	fake.SetSheet(WSUniones, [][]string{
		unionHeader,
		{"OT-001+1", "OT-001", "1", "2.5", "FW", "", "", "", "", "", "", "", "", "u-1", "ENG(1)", "01-05-2024", "", ""},
		{"OT-001+2", "OT-001", "2", "4.0", "BW", "01-05-2024 09:00:00", "01-05-2024 10:00:00", "MR(93)", "", "", "", "", "", "u-2", "ENG(1)", "01-05-2024", "MR(93)", "01-05-2024 10:00:00"},
		{"OT-001+3", "OT-001", "3", "1.5", "FW", "", "", "", "", "", "", "", "", "u-3", "ENG(1)", "01-05-2024", "", ""},
		{"OT-777+1", "OT-777", "1", "9.0", "BW", "", "", "", "", "", "", "", "", "u-9", "ENG(1)", "01-05-2024", "", ""},
	})
	fake.SetSheet(WSTrabajadores, [][]string{
		{"ID", "Iniciales", "Activo", "Roles"},
		{"93", "MR", "TRUE", "ARM,SOLD"},
		{"7", "JP", "FALSE", "SOLD"},
		{"15", "AL", "TRUE", "METROLOGIA"},
	})
	return fake
}

func TestSpoolsGetAndPredicate(t *testing.T) {
	var ctx = context.Background()
	var fake = newStore(t)
	var spools = NewSpools(fake, versions.NewService(fake))

	s, err := spools.Get(ctx, "OT-001")
	require.NoError(t, err)
	require.Equal(t, "9001", s.OT)
	require.Equal(t, "v-1", s.Version)
	require.Equal(t, 3, s.TotalUniones)
	require.True(t, s.IsV4())
	require.False(t, s.Occupied())
	require.NotNil(t, s.FechaMateriales)
	require.Equal(t, 2, s.Row)

	legacy, err := spools.Get(ctx, "OT-LEGACY")
	require.NoError(t, err)
	require.False(t, legacy.IsV4())

	_, err = spools.Get(ctx, "OT-MISSING")
	require.ErrorIs(t, err, model.ErrSpoolNotFound)
}

func TestSpoolsOccupationRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var fake = newStore(t)
	var spools = NewSpools(fake, versions.NewService(fake))

	var at = time.Date(2024, 6, 1, 9, 15, 0, 0, time.UTC)
	v2, err := spools.SetOccupation(ctx, "OT-001", "MR(93)", at, "v-1")
	require.NoError(t, err)
	require.NotEqual(t, "v-1", v2)

	s, err := spools.Get(ctx, "OT-001")
	require.NoError(t, err)
	require.Equal(t, "MR(93)", s.OcupadoPor)
	require.Equal(t, at.Format(model.DateTimeLayout), s.FechaOcupacion.Format(model.DateTimeLayout))
	require.Equal(t, v2, s.Version)

	v3, err := spools.ClearOccupation(ctx, "OT-001", v2)
	require.NoError(t, err)
	require.NotEqual(t, v2, v3)

	s, err = spools.Get(ctx, "OT-001")
	require.NoError(t, err)
	require.False(t, s.Occupied())
	require.Nil(t, s.FechaOcupacion)
}

func TestSpoolsSetMetricsRoundsToOneDecimal(t *testing.T) {
	var ctx = context.Background()
	var fake = newStore(t)
	var spools = NewSpools(fake, versions.NewService(fake))

	_, err := spools.SetMetrics(ctx, "OT-001", Metrics{
		UnionesARM: 2, UnionesSOLD: 1, PulgadasARM: 6.549, PulgadasSOLD: 4.0,
	}, "v-1")
	require.NoError(t, err)

	s, err := spools.Get(ctx, "OT-001")
	require.NoError(t, err)
	require.Equal(t, 2, s.UnionesARMCompletadas)
	require.Equal(t, 1, s.UnionesSOLDCompletadas)
	require.Equal(t, 6.5, s.PulgadasARM)
	require.Equal(t, 4.0, s.PulgadasSOLD)
}

func TestUnionsBySpoolAndAvailability(t *testing.T) {
	var ctx = context.Background()
	var fake = newStore(t)
	var unions = NewUnions(fake)

	all, err := unions.BySpool(ctx, "OT-001")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, 2.5, all[0].DNUnion)
	require.True(t, all[1].Done(model.OpARM))
	require.False(t, all[1].Done(model.OpSOLD))

	arm, err := unions.AvailableFor(ctx, "OT-001", model.OpARM)
	require.NoError(t, err)
	require.Len(t, arm, 2) // unions 1 and 3

	// SOLD requires ARM complete on the same union.
	sold, err := unions.AvailableFor(ctx, "OT-001", model.OpSOLD)
	require.NoError(t, err)
	require.Len(t, sold, 1)
	require.Equal(t, 2, sold[0].NUnion)

	require.Equal(t, 1, CountCompleted(all, model.OpARM))
	require.Equal(t, 4.0, SumPulgadas(all, model.OpARM))
	require.Equal(t, 0.0, SumPulgadas(all, model.OpSOLD))
}

func TestAvailableExcludesFreeWeldFromSOLD(t *testing.T) {
	var armed = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var unions = []model.Union{
		{ID: "OT-001+1", NUnion: 1, TipoUnion: "FW", ARMFechaFin: &armed},
		{ID: "OT-001+2", NUnion: 2, TipoUnion: "BW", ARMFechaFin: &armed},
		{ID: "OT-001+3", NUnion: 3, TipoUnion: "FW"},
	}

	// An armed FW union is finished work, never SOLD backlog.
	var sold = Available(unions, model.OpSOLD)
	require.Len(t, sold, 1)
	require.Equal(t, 2, sold[0].NUnion)

	var arm = Available(unions, model.OpARM)
	require.Len(t, arm, 1)
	require.Equal(t, 3, arm[0].NUnion)
}

func TestUnionsBatchSetWritesAndRejectsCompleted(t *testing.T) {
	var ctx = context.Background()
	var fake = newStore(t)
	var unions = NewUnions(fake)

	var all, err = unions.BySpool(ctx, "OT-001")
	require.NoError(t, err)

	var now = time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	err = unions.BatchSet(ctx, model.OpARM, []SetEntry{
		{Union: all[0], FechaInicio: now, FechaFin: now, WorkerRef: "MR(93)"},
	})
	require.NoError(t, err)

	all, err = unions.BySpool(ctx, "OT-001")
	require.NoError(t, err)
	require.True(t, all[0].Done(model.OpARM))
	require.Equal(t, "MR(93)", all[0].ARMWorker)
	require.Equal(t, "MR(93)", all[0].ModificadoPor)
	require.NotEqual(t, "u-1", all[0].Version)

	// Re-writing a completed union violates immutability: version conflict.
	err = unions.BatchSet(ctx, model.OpARM, []SetEntry{
		{Union: all[0], FechaInicio: now, FechaFin: now, WorkerRef: "JP(7)"},
	})
	require.ErrorIs(t, err, model.ErrVersionConflict)
	require.Equal(t, "MR(93)", fake.Row(WSUniones, all[0].Row)[7])
}

func TestWorkersDirectory(t *testing.T) {
	var ctx = context.Background()
	var fake = newStore(t)
	var workers = NewWorkers(fake)

	w, err := workers.Get(ctx, 93)
	require.NoError(t, err)
	require.Equal(t, "MR(93)", w.Ref())
	require.True(t, w.HasRole("ARM"))

	_, err = workers.Active(ctx, 7)
	require.ErrorIs(t, err, model.ErrNotAuthorized)

	_, err = workers.Get(ctx, 404)
	require.ErrorIs(t, err, model.ErrWorkerNotFound)

	// Cached reads skip the store entirely.
	fake.SetSheet(WSTrabajadores, [][]string{{"ID", "Iniciales", "Activo", "Roles"}})
	w, err = workers.Get(ctx, 93)
	require.NoError(t, err)
	require.Equal(t, "MR", w.Iniciales)
}
