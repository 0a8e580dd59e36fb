package workflow

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/fsm"
	"github.com/pipefab/spooltrack/go/locks"
	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/repo"
)

// UnionView is the client-facing shape of one available union.
type UnionView struct {
	ID        string  `json:"id"`
	NUnion    int     `json:"n_union"`
	DNUnion   float64 `json:"dn_union"`
	TipoUnion string  `json:"tipo_union"`
}

// Disponibles lists the unions still workable on a v4 spool for an operation.
func (s *Service) Disponibles(ctx context.Context, tag string, op model.Operation) ([]UnionView, error) {
	var spool, err = s.spools.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !spool.IsV4() {
		return nil, fmt.Errorf("%w: %s has no union breakdown", model.ErrWrongVersion, tag)
	}
	available, err := s.unions.AvailableFor(ctx, tag, op)
	if err != nil {
		return nil, err
	}
	var views = make([]UnionView, 0, len(available))
	for _, u := range available {
		views = append(views, UnionView{ID: u.ID, NUnion: u.NUnion, DNUnion: u.DNUnion, TipoUnion: u.TipoUnion})
	}
	return views, nil
}

// SpoolMetrics is the per-spool progress snapshot.
type SpoolMetrics struct {
	TagSpool       string  `json:"tag_spool"`
	TotalUniones   int     `json:"total_uniones"`
	UnionesARM     int     `json:"uniones_arm_completadas"`
	UnionesSOLD    int     `json:"uniones_sold_completadas"`
	PulgadasARM    float64 `json:"pulgadas_arm"`
	PulgadasSOLD   float64 `json:"pulgadas_sold"`
	PulgadasTotal  float64 `json:"pulgadas_totales"`
	EstadoDetalle  string  `json:"estado_detalle"`
	OcupadoPor     string  `json:"ocupado_por,omitempty"`
	FechaOcupacion string  `json:"fecha_ocupacion,omitempty"`
}

// Metricas recomputes the progress snapshot of a v4 spool from its union rows.
func (s *Service) Metricas(ctx context.Context, tag string) (*SpoolMetrics, error) {
	var spool, err = s.spools.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !spool.IsV4() {
		return nil, fmt.Errorf("%w: %s has no union breakdown", model.ErrWrongVersion, tag)
	}
	unions, err := s.unions.BySpool(ctx, tag)
	if err != nil {
		return nil, err
	}

	var total float64
	for _, u := range unions {
		total += u.DNUnion
	}
	return &SpoolMetrics{
		TagSpool:       tag,
		TotalUniones:   len(unions),
		UnionesARM:     repo.CountCompleted(unions, model.OpARM),
		UnionesSOLD:    repo.CountCompleted(unions, model.OpSOLD),
		PulgadasARM:    repo.SumPulgadas(unions, model.OpARM),
		PulgadasSOLD:   repo.SumPulgadas(unions, model.OpSOLD),
		PulgadasTotal:  model.Round1(total),
		EstadoDetalle:  fsm.Hydrate(spool, unions).EstadoDetalle(),
		OcupadoPor:     spool.OcupadoPor,
		FechaOcupacion: model.FormatDateTime(spool.FechaOcupacion),
	}, nil
}

// DashboardEntry is one spool row of the dashboard snapshot.
type DashboardEntry struct {
	TagSpool       string  `json:"tag_spool"`
	OT             string  `json:"ot"`
	V4             bool    `json:"v4"`
	EstadoDetalle  string  `json:"estado_detalle"`
	OcupadoPor     string  `json:"ocupado_por,omitempty"`
	FechaOcupacion string  `json:"fecha_ocupacion,omitempty"`
	TotalUniones   int     `json:"total_uniones"`
	UnionesARM     int     `json:"uniones_arm_completadas"`
	UnionesSOLD    int     `json:"uniones_sold_completadas"`
	PulgadasARM    float64 `json:"pulgadas_arm"`
	PulgadasSOLD   float64 `json:"pulgadas_sold"`
}

// Dashboard snapshots every spool from the stored aggregates. It reads only
// the Operaciones sheet; union rows are not consulted, so entries reflect the
// last settled session. Live subscribers use it to reconcile after drops.
func (s *Service) Dashboard(ctx context.Context) ([]DashboardEntry, error) {
	var spools, err = s.spools.All(ctx)
	if err != nil {
		return nil, err
	}
	var entries = make([]DashboardEntry, 0, len(spools))
	for i := range spools {
		var sp = &spools[i]
		entries = append(entries, DashboardEntry{
			TagSpool:       sp.TagSpool,
			OT:             sp.OT,
			V4:             sp.IsV4(),
			EstadoDetalle:  sp.EstadoDetalle,
			OcupadoPor:     sp.OcupadoPor,
			FechaOcupacion: model.FormatDateTime(sp.FechaOcupacion),
			TotalUniones:   sp.TotalUniones,
			UnionesARM:     sp.UnionesARMCompletadas,
			UnionesSOLD:    sp.UnionesSOLDCompletadas,
			PulgadasARM:    sp.PulgadasARM,
			PulgadasSOLD:   sp.PulgadasSOLD,
		})
	}
	return entries, nil
}

// ReconcileLocks sweeps every held lock against the store at startup,
// force-releasing abandoned ones past the grace. Locks on spools that no
// longer exist are released immediately.
func (s *Service) ReconcileLocks(ctx context.Context) error {
	var tags, err = s.locks.Tags(ctx)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		var occupied bool
		switch spool, err := s.spools.Get(ctx, tag); {
		case errors.Is(err, model.ErrSpoolNotFound):
			log.WithField("tag", tag).Warn("releasing lock of unknown spool")
			if err = s.locks.ForceRelease(ctx, tag); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		default:
			occupied = spool.Occupied()
		}
		if _, err = locks.Reconcile(ctx, s.locks, tag, occupied, s.now()); err != nil {
			return err
		}
	}
	return nil
}
