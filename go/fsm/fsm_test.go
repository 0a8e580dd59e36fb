package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipefab/spooltrack/go/model"
)

func ts(h int) *time.Time {
	var t = time.Date(2024, 6, 1, h, 0, 0, 0, time.UTC)
	return &t
}

func union(n int, tipo string, armDone, soldDone bool) model.Union {
	var u = model.Union{NUnion: n, TipoUnion: tipo, DNUnion: 2}
	if armDone {
		u.ARMFechaFin = ts(10)
	}
	if soldDone {
		u.SOLFechaFin = ts(12)
	}
	return u
}

func TestHydrateOpStates(t *testing.T) {
	var spool = &model.Spool{TagSpool: "OT-001", TotalUniones: 3}

	var cases = []struct {
		name   string
		unions []model.Union
		arm    OpState
		sold   OpState
	}{
		{
			name:   "all pending",
			unions: []model.Union{union(1, "FW", false, false), union(2, "BW", false, false)},
			arm:    OpPendiente, sold: OpPendiente,
		},
		{
			name:   "partial arm is paused",
			unions: []model.Union{union(1, "FW", true, false), union(2, "BW", false, false)},
			arm:    OpPausado, sold: OpPendiente,
		},
		{
			name:   "arm complete sold partial",
			unions: []model.Union{union(1, "BW", true, true), union(2, "BW", true, false)},
			arm:    OpCompletado, sold: OpPausado,
		},
		{
			name:   "all-FW spool vacuously completes SOLD",
			unions: []model.Union{union(1, "FW", true, false), union(2, "FW", true, false)},
			arm:    OpCompletado, sold: OpCompletado,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m = Hydrate(spool, tc.unions)
			require.Equal(t, tc.arm, m.ARM)
			require.Equal(t, tc.sold, m.SOLD)
		})
	}
}

func TestHydrateOccupationMarksInProgress(t *testing.T) {
	var occupied = &model.Spool{TagSpool: "OT-001", TotalUniones: 2, OcupadoPor: "MR(93)"}

	var m = Hydrate(occupied, []model.Union{union(1, "BW", false, false)})
	require.Equal(t, OpEnProgreso, m.ARM)
	require.Equal(t, OpPendiente, m.SOLD)

	// ARM already complete: the session must target SOLD.
	m = Hydrate(occupied, []model.Union{union(1, "BW", true, false)})
	require.Equal(t, OpCompletado, m.ARM)
	require.Equal(t, OpEnProgreso, m.SOLD)
}

func TestClosureRules(t *testing.T) {
	// Mixed spool: FW union armed, BW union welded.
	var mixed = []model.Union{union(1, "FW", true, false), union(2, "BW", true, true)}
	require.True(t, ArmClosure(mixed))
	require.True(t, SoldClosure(mixed))
	require.True(t, ShouldTriggerMetrology(mixed))

	// FW union not armed: ARM closure fails even though SOLD closure holds.
	var noArm = []model.Union{union(1, "FW", false, false), union(2, "BW", true, true)}
	require.False(t, ArmClosure(noArm))
	require.True(t, SoldClosure(noArm))
	require.False(t, ShouldTriggerMetrology(noArm))

	require.False(t, ShouldTriggerMetrology(nil))
}

func TestMetrologyLifecycle(t *testing.T) {
	var spool = &model.Spool{TagSpool: "OT-001", TotalUniones: 1}
	var done = []model.Union{union(1, "FW", true, false)}

	var m = Hydrate(spool, done)
	require.Equal(t, MetPendiente, m.Metrologia)
	require.Equal(t, EstadoPendienteMetrologia, m.EstadoDetalle())

	approved, err := m.ApplyMetrologyResult(true)
	require.NoError(t, err)
	require.Equal(t, MetAprobado, approved.Metrologia)
	require.Equal(t, EstadoMetrologiaAprobada, approved.EstadoDetalle())

	// A result in a non-pending state is an invalid transition.
	_, err = approved.ApplyMetrologyResult(false)
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRepairCyclesBoundAtThree(t *testing.T) {
	var spool = &model.Spool{TagSpool: "OT-001", TotalUniones: 1}
	var done = []model.Union{union(1, "FW", true, false)}
	var m = Hydrate(spool, done)

	for cycle := 1; cycle <= MaxRepairCycles; cycle++ {
		rejected, err := m.ApplyMetrologyResult(false)
		require.NoError(t, err)
		require.Equal(t, MetEnReparacion, rejected.Metrologia)
		require.Equal(t, cycle, rejected.RepairCycle)

		// The projection round-trips through Estado_Detalle hydration.
		spool.EstadoDetalle = rejected.EstadoDetalle()
		m = Hydrate(spool, done)
		require.Equal(t, MetEnReparacion, m.Metrologia)
		require.Equal(t, cycle, m.RepairCycle)

		m, err = m.CompleteRepair()
		require.NoError(t, err)
		require.Equal(t, MetPendiente, m.Metrologia)
	}

	// Fourth rejection is terminal.
	blocked, err := m.ApplyMetrologyResult(false)
	require.NoError(t, err)
	require.Equal(t, MetBloqueado, blocked.Metrologia)
	require.Equal(t, EstadoBloqueado, blocked.EstadoDetalle())

	spool.EstadoDetalle = blocked.EstadoDetalle()
	m = Hydrate(spool, done)
	require.Equal(t, MetBloqueado, m.Metrologia)

	_, err = m.ApplyMetrologyResult(true)
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestEstadoDetalleOpProjection(t *testing.T) {
	var spool = &model.Spool{TagSpool: "OT-001", TotalUniones: 2}
	var unions = []model.Union{union(1, "BW", true, false), union(2, "BW", false, false)}

	var m = Hydrate(spool, unions)
	require.Equal(t, "ARM PAUSADO / SOLD PENDIENTE", m.EstadoDetalle())
}
