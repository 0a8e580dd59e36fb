package workflow

import (
	"context"
	"fmt"

	"github.com/pipefab/spooltrack/go/fsm"
	"github.com/pipefab/spooltrack/go/model"
)

// RoleMetrologia gates who may record inspection results.
const RoleMetrologia = "METROLOGIA"

// MetrologiaResult reports a recorded inspection outcome.
type MetrologiaResult struct {
	TagSpool      string `json:"tag_spool"`
	Aprobado      bool   `json:"aprobado"`
	EstadoDetalle string `json:"estado_detalle"`
	RepairCycle   int    `json:"ciclo_reparacion,omitempty"`
	Bloqueado     bool   `json:"bloqueado,omitempty"`
}

// RegistrarMetrologia records an inspection outcome on a spool pending
// metrology. Rejection routes the spool into a repair cycle; the repair
// budget is enforced by the metrology machine.
func (s *Service) RegistrarMetrologia(ctx context.Context, tag string, workerID int, aprobado bool, observaciones string) (*MetrologiaResult, error) {
	var worker, err = s.workers.Active(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !worker.HasRole(RoleMetrologia) {
		return nil, fmt.Errorf("%w: worker %d lacks the %s role", model.ErrNotAuthorized, workerID, RoleMetrologia)
	}
	spool, err := s.spools.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !spool.IsV4() {
		return nil, fmt.Errorf("%w: %s is a legacy spool without metrology tracking", model.ErrWrongVersion, tag)
	}
	unions, err := s.unions.BySpool(ctx, tag)
	if err != nil {
		return nil, err
	}

	var machines = fsm.Hydrate(spool, unions)
	next, err := machines.ApplyMetrologyResult(aprobado)
	if err != nil {
		return nil, err
	}
	var estado = next.EstadoDetalle()
	if err = s.spools.SetEstadoDetalle(ctx, tag, estado); err != nil {
		return nil, err
	}

	var meta = map[string]any{"aprobado": aprobado, "ciclo": next.RepairCycle}
	if observaciones != "" {
		meta["observaciones"] = observaciones
	}
	s.logEvent(ctx, model.AuditEvent{
		EventoTipo:   model.EvMetrologiaComplet,
		TagSpool:     tag,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Operacion:    "METROLOGIA",
		Accion:       "COMPLETAR",
		Metadata:     meta,
	})
	if next.Metrologia == fsm.MetEnReparacion {
		s.logEvent(ctx, model.AuditEvent{
			EventoTipo:   model.EvReparacionTomar,
			TagSpool:     tag,
			WorkerID:     worker.ID,
			WorkerNombre: worker.Iniciales,
			Operacion:    "REPARACION",
			Accion:       "TOMAR",
			Metadata:     map[string]any{"ciclo": next.RepairCycle},
		})
	}
	s.bus.Publish(model.LiveEvent{
		Type:          model.LiveStateChange,
		TagSpool:      tag,
		Worker:        worker.Ref(),
		EstadoDetalle: estado,
	})

	return &MetrologiaResult{
		TagSpool:      tag,
		Aprobado:      aprobado,
		EstadoDetalle: estado,
		RepairCycle:   next.RepairCycle,
		Bloqueado:     next.Metrologia == fsm.MetBloqueado,
	}, nil
}

// CompletarReparacion marks a rejected spool repaired, returning it to
// pending inspection for the next cycle.
func (s *Service) CompletarReparacion(ctx context.Context, tag string, workerID int) (*MetrologiaResult, error) {
	var worker, err = s.workers.Active(ctx, workerID)
	if err != nil {
		return nil, err
	}
	spool, err := s.spools.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !spool.IsV4() {
		return nil, fmt.Errorf("%w: %s is a legacy spool without metrology tracking", model.ErrWrongVersion, tag)
	}
	unions, err := s.unions.BySpool(ctx, tag)
	if err != nil {
		return nil, err
	}

	var machines = fsm.Hydrate(spool, unions)
	next, err := machines.CompleteRepair()
	if err != nil {
		return nil, err
	}
	var estado = next.EstadoDetalle()
	if err = s.spools.SetEstadoDetalle(ctx, tag, estado); err != nil {
		return nil, err
	}

	s.logEvent(ctx, model.AuditEvent{
		EventoTipo:   model.EvReparacionComplet,
		TagSpool:     tag,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Operacion:    "REPARACION",
		Accion:       "COMPLETAR",
		Metadata:     map[string]any{"ciclo": next.RepairCycle},
	})
	s.bus.Publish(model.LiveEvent{
		Type:          model.LiveStateChange,
		TagSpool:      tag,
		Worker:        worker.Ref(),
		EstadoDetalle: estado,
	})

	return &MetrologiaResult{TagSpool: tag, EstadoDetalle: estado, RepairCycle: next.RepairCycle}, nil
}
