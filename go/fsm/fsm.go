// Package fsm derives the ARM, SOLD and METROLOGIA machines of a spool from
// its row fields on every request. No machine state is persisted: the tabular
// store is the single source of truth, and Estado_Detalle is only the pretty
// projection written back for display.
package fsm

import (
	"fmt"
	"strings"

	"github.com/pipefab/spooltrack/go/model"
)

// OpState is a state of the ARM or SOLD machine.
type OpState string

const (
	OpPendiente  OpState = "PENDIENTE"
	OpEnProgreso OpState = "EN_PROGRESO"
	OpPausado    OpState = "PAUSADO"
	OpCompletado OpState = "COMPLETADO"
)

// MetState is a state of the METROLOGIA machine.
type MetState string

const (
	MetNoAplica     MetState = "NO_APLICA"
	MetPendiente    MetState = "PENDIENTE"
	MetAprobado     MetState = "APROBADO"
	MetRechazado    MetState = "RECHAZADO"
	MetEnReparacion MetState = "PENDIENTE_REPARACION"
	MetBloqueado    MetState = "BLOQUEADO"
)

// MaxRepairCycles bounds repair loops; a rejection on the last cycle locks
// the spool into the supervisor-only BLOQUEADO state.
const MaxRepairCycles = 3

// Display strings of the metrology projections.
const (
	EstadoPendienteMetrologia = "PENDIENTE_METROLOGIA"
	EstadoMetrologiaAprobada  = "METROLOGIA_APROBADA"
	EstadoBloqueado           = "BLOQUEADO"
	estadoReparacionPrefix    = "PENDIENTE_REPARACION"
)

// Machines is the hydrated composite: three independent inner machines plus
// the repair-cycle counter. It is a value; transitions return a new value.
type Machines struct {
	ARM         OpState
	SOLD        OpState
	Metrologia  MetState
	RepairCycle int
}

// ArmClosure reports the ARM side of the metrology trigger rule: every
// free-weld union has its ARM completion set. An FW union needs only ARM,
// so full FW coverage on ARM alone can complete a spool.
func ArmClosure(unions []model.Union) bool {
	for _, u := range unions {
		if u.TipoUnion == model.TipoUnionFW && u.ARMFechaFin == nil {
			return false
		}
	}
	return len(unions) > 0
}

// SoldClosure reports the SOLD side: every union needing SOLD (non-FW) has
// its SOLD completion set.
func SoldClosure(unions []model.Union) bool {
	for _, u := range unions {
		if u.TipoUnion != model.TipoUnionFW && u.SOLFechaFin == nil {
			return false
		}
	}
	return len(unions) > 0
}

// ShouldTriggerMetrology holds iff both closure rules hold jointly.
// Single-operation triggers are not emitted.
func ShouldTriggerMetrology(unions []model.Union) bool {
	return ArmClosure(unions) && SoldClosure(unions)
}

// Hydrate derives all machines from the spool row and its unions. An occupied
// spool is EN_PROGRESO on its first incomplete operation; which operation a
// live session targets is not recorded on the row, so ARM-before-SOLD order
// decides the attribution.
func Hydrate(s *model.Spool, unions []model.Union) Machines {
	var m = Machines{
		ARM:  hydrateOp(model.OpARM, unions),
		SOLD: hydrateOp(model.OpSOLD, unions),
	}
	if s.Occupied() {
		if m.ARM != OpCompletado {
			m.ARM = OpEnProgreso
		} else if m.SOLD != OpCompletado {
			m.SOLD = OpEnProgreso
		}
	}
	m.Metrologia, m.RepairCycle = hydrateMetrologia(s, unions)
	return m
}

func hydrateOp(op model.Operation, unions []model.Union) OpState {
	var needed, done int
	for _, u := range unions {
		if op == model.OpSOLD && u.TipoUnion == model.TipoUnionFW {
			continue
		}
		needed++
		if u.Done(op) {
			done++
		}
	}
	switch {
	case needed == 0 && len(unions) > 0:
		return OpCompletado // vacuously complete (all-FW spool, SOLD side)
	case needed == 0:
		return OpPendiente
	case done == needed:
		return OpCompletado
	case done > 0:
		return OpPausado
	default:
		return OpPendiente
	}
}

// hydrateMetrologia reads the metrology result and repair counter back from
// the Estado_Detalle field, validated against the closure rules.
func hydrateMetrologia(s *model.Spool, unions []model.Union) (MetState, int) {
	var estado = strings.TrimSpace(s.EstadoDetalle)
	switch {
	case estado == EstadoBloqueado:
		return MetBloqueado, MaxRepairCycles
	case strings.HasPrefix(estado, estadoReparacionPrefix):
		return MetEnReparacion, parseCycle(estado, estadoReparacionPrefix)
	case estado == EstadoMetrologiaAprobada:
		return MetAprobado, 0
	case strings.HasPrefix(estado, EstadoPendienteMetrologia):
		return MetPendiente, parseCycle(estado, EstadoPendienteMetrologia)
	case ShouldTriggerMetrology(unions):
		return MetPendiente, 0
	default:
		return MetNoAplica, 0
	}
}

// parseCycle recovers the repair counter from a "<prefix> (ciclo N)" estado.
func parseCycle(estado, prefix string) int {
	var cycle int
	if _, err := fmt.Sscanf(estado, prefix+" (ciclo %d)", &cycle); err == nil {
		return cycle
	}
	return 0
}

// ApplyMetrologyResult transitions the metrology machine on an inspection
// outcome. Rejection increments the repair cycle; rejection beyond the cycle
// bound is terminal BLOQUEADO.
func (m Machines) ApplyMetrologyResult(approved bool) (Machines, error) {
	if m.Metrologia != MetPendiente {
		return m, fmt.Errorf("%w: metrology result in state %s", model.ErrInvalidState, m.Metrologia)
	}
	if approved {
		m.Metrologia = MetAprobado
		return m, nil
	}
	m.RepairCycle++
	if m.RepairCycle > MaxRepairCycles {
		m.Metrologia = MetBloqueado
		return m, nil
	}
	m.Metrologia = MetEnReparacion
	return m, nil
}

// CompleteRepair transitions a repaired spool back to pending inspection.
func (m Machines) CompleteRepair() (Machines, error) {
	if m.Metrologia != MetEnReparacion {
		return m, fmt.Errorf("%w: repair completion in state %s", model.ErrInvalidState, m.Metrologia)
	}
	m.Metrologia = MetPendiente
	return m, nil
}

// EstadoDetalle renders the display projection written back to the spool row.
func (m Machines) EstadoDetalle() string {
	switch m.Metrologia {
	case MetBloqueado:
		return EstadoBloqueado
	case MetEnReparacion:
		return fmt.Sprintf("%s (ciclo %d)", estadoReparacionPrefix, m.RepairCycle)
	case MetAprobado:
		return EstadoMetrologiaAprobada
	case MetPendiente:
		if m.RepairCycle > 0 {
			return fmt.Sprintf("%s (ciclo %d)", EstadoPendienteMetrologia, m.RepairCycle)
		}
		return EstadoPendienteMetrologia
	}
	return fmt.Sprintf("ARM %s / SOLD %s", m.ARM, m.SOLD)
}
