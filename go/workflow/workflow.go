package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/audit"
	"github.com/pipefab/spooltrack/go/bus"
	"github.com/pipefab/spooltrack/go/fsm"
	"github.com/pipefab/spooltrack/go/locks"
	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/repo"
	"github.com/pipefab/spooltrack/go/versions"
)

// maxFinalizeAttempts bounds re-entries of a FINALIZAR whose union batch
// collided with a concurrent completion.
const maxFinalizeAttempts = 3

// Service executes occupation sessions over the repositories: lock, repo and
// audit wiring for INICIAR/FINALIZAR (v4), TOMAR/PAUSAR/COMPLETAR (legacy v3),
// cancellation, and the metrology transitions.
type Service struct {
	spools  *repo.Spools
	unions  *repo.Unions
	workers *repo.Workers
	locks   locks.Service
	audit   *audit.Logger
	bus     *bus.Bus

	now   func() time.Time
	sleep func(time.Duration)
}

// New wires the workflow service.
func New(spools *repo.Spools, unions *repo.Unions, workers *repo.Workers,
	lockSvc locks.Service, auditLog *audit.Logger, b *bus.Bus) *Service {
	return &Service{
		spools:  spools,
		unions:  unions,
		workers: workers,
		locks:   lockSvc,
		audit:   auditLog,
		bus:     b,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// IniciarResult reports a newly opened v4 work session.
type IniciarResult struct {
	TagSpool           string          `json:"tag_spool"`
	Worker             string          `json:"worker"`
	Operacion          model.Operation `json:"operacion"`
	FechaOcupacion     time.Time       `json:"fecha_ocupacion"`
	UnionesDisponibles int             `json:"uniones_disponibles"`
}

// Iniciar opens a v4 work session: prerequisite checks, lock acquisition, and
// the occupation write. On any failure after acquisition the lock is released
// so the spool is not stranded.
func (s *Service) Iniciar(ctx context.Context, tag string, workerID int, op model.Operation) (*IniciarResult, error) {
	var worker, err = s.workers.Active(ctx, workerID)
	if err != nil {
		return nil, err
	}
	spool, err := s.spools.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !spool.IsV4() {
		return nil, fmt.Errorf("%w: %s is a legacy spool; use the v3 endpoints", model.ErrWrongVersion, tag)
	}
	if spool.FechaMateriales == nil {
		return nil, fmt.Errorf("%w: %s has no materials received", model.ErrInvalidState, tag)
	}

	unions, err := s.unions.BySpool(ctx, tag)
	if err != nil {
		return nil, err
	}
	if m := fsm.Hydrate(spool, unions); m.Metrologia == fsm.MetBloqueado {
		return nil, fmt.Errorf("%w: %s is blocked pending supervisor review", model.ErrInvalidState, tag)
	}
	var available = repo.Available(unions, op)
	if len(available) == 0 {
		if op == model.OpSOLD && repo.CountCompleted(unions, model.OpARM) == 0 {
			return nil, fmt.Errorf("%w: no union of %s has completed ARM", model.ErrArmPrerequisite, tag)
		}
		return nil, fmt.Errorf("%w: no unions of %s pending %s", model.ErrInvalidState, tag, op)
	}

	if _, err = locks.Reconcile(ctx, s.locks, tag, spool.Occupied(), s.now()); err != nil {
		return nil, err
	}
	lock, err := s.locks.TryAcquire(ctx, tag, workerID)
	if err != nil {
		return nil, err
	}
	if spool.Occupied() {
		// The row says occupied but no lock was held: a stale marker left by
		// a crash. The fresh occupation write below overwrites it.
		log.WithFields(log.Fields{"tag": tag, "staleOwner": spool.OcupadoPor}).
			Warn("overwriting stale occupation marker")
	}

	var at = s.now()
	if _, err = s.spools.SetOccupation(ctx, tag, worker.Ref(), at, spool.Version); err != nil {
		if relErr := s.locks.Release(ctx, tag, workerID, lock.Token); relErr != nil {
			log.WithFields(log.Fields{"tag": tag, "err": relErr}).Error("releasing lock after failed occupation write")
		}
		return nil, err
	}

	s.logEvent(ctx, model.AuditEvent{
		EventoTipo:   model.EvIniciarSpool,
		TagSpool:     tag,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Operacion:    string(op),
		Accion:       "INICIAR",
	})
	s.bus.Publish(model.LiveEvent{Type: model.LiveIniciar, TagSpool: tag, Worker: worker.Ref()})

	return &IniciarResult{
		TagSpool:           tag,
		Worker:             worker.Ref(),
		Operacion:          op,
		FechaOcupacion:     at,
		UnionesDisponibles: len(available),
	}, nil
}

// FinalizarArgs is the close-session request.
type FinalizarArgs struct {
	TagSpool  string
	WorkerID  int
	Operacion model.Operation
	// UnionIDs are the union row ids the worker marks completed this session.
	UnionIDs []string
	// Strict rejects selections containing no-longer-available unions instead
	// of silently dropping them.
	Strict bool
}

// FinalizarResult reports a closed session. The action is auto-determined
// from the selection, never from client intent.
type FinalizarResult struct {
	TagSpool        string  `json:"tag_spool"`
	Action          Action  `json:"action"`
	UnionsProcessed int     `json:"uniones_procesadas"`
	Pulgadas        float64 `json:"pulgadas"`
	// UnavailableUnions lists selected ids dropped by the availability
	// intersection, so a non-strict caller can see what it lost.
	UnavailableUnions   []string     `json:"unavailable_unions,omitempty"`
	Metrics             repo.Metrics `json:"-"`
	EstadoDetalle       string       `json:"estado_detalle"`
	MetrologiaTriggered bool         `json:"metrologia_triggered"`
	AuditDegraded       bool         `json:"audit_degraded,omitempty"`
}

// Finalizar closes a v4 work session. It re-reads availability, builds the
// selection plan, writes the union batch, recomputes aggregates, logs audit
// events, releases the occupation, and evaluates the metrology trigger. A
// union batch rejected by a concurrent completion re-enters from the fresh
// read, up to maxFinalizeAttempts. Store failures before the occupation is
// cleared leave the lock held so the session can be retried.
func (s *Service) Finalizar(ctx context.Context, args FinalizarArgs) (*FinalizarResult, error) {
	var worker, err = s.workers.Active(ctx, args.WorkerID)
	if err != nil {
		return nil, err
	}
	spool, err := s.spools.Get(ctx, args.TagSpool)
	if err != nil {
		return nil, err
	}
	if !spool.IsV4() {
		return nil, fmt.Errorf("%w: %s is a legacy spool; use the v3 endpoints", model.ErrWrongVersion, args.TagSpool)
	}
	lock, err := s.ownedLock(ctx, args.TagSpool, worker.ID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxFinalizeAttempts; attempt++ {
		var available []model.Union
		if available, err = s.unions.AvailableFor(ctx, args.TagSpool, args.Operacion); err != nil {
			return nil, err
		}
		plan, err := BuildPlan(args.UnionIDs, available, args.Strict)
		if err != nil {
			return nil, err
		}

		if plan.Action == ActionCancelado {
			if err = s.releaseOccupation(ctx, args.TagSpool, worker, lock.Token, spool.Version); err != nil {
				return nil, err
			}
			s.logEvent(ctx, model.AuditEvent{
				EventoTipo:   model.EvSpoolCancelado,
				TagSpool:     args.TagSpool,
				WorkerID:     worker.ID,
				WorkerNombre: worker.Iniciales,
				Operacion:    string(args.Operacion),
				Accion:       "CANCELAR",
				Metadata:     map[string]any{"motivo": "finalizar sin uniones"},
			})
			s.bus.Publish(model.LiveEvent{Type: model.LiveCancelado, TagSpool: args.TagSpool, Worker: worker.Ref()})
			degraded, _ := s.audit.Degraded()
			return &FinalizarResult{
				TagSpool:          args.TagSpool,
				Action:            ActionCancelado,
				UnavailableUnions: plan.Unavailable,
				AuditDegraded:     degraded,
			}, nil
		}

		// Past this point mutations have begun; client disconnects must not
		// abandon the session half-written.
		var wctx = context.WithoutCancel(ctx)

		var inicio = s.now()
		if spool.FechaOcupacion != nil {
			inicio = *spool.FechaOcupacion
		}
		var fin = s.now()
		var entries = make([]repo.SetEntry, 0, len(plan.Selected))
		for _, u := range plan.Selected {
			entries = append(entries, repo.SetEntry{
				Union:       u,
				FechaInicio: inicio,
				FechaFin:    fin,
				WorkerRef:   worker.Ref(),
			})
		}
		if err = s.unions.BatchSet(wctx, args.Operacion, entries); err != nil {
			if isVersionConflict(err) && attempt < maxFinalizeAttempts {
				log.WithFields(log.Fields{
					"tag":     args.TagSpool,
					"attempt": attempt,
					"err":     err,
				}).Info("union batch collided; re-entering selection")
				s.sleep(versions.Backoff(attempt))
				continue
			}
			return nil, err
		}

		return s.settleFinalizar(wctx, spool, worker, lock.Token, args.Operacion, plan)
	}
	return nil, fmt.Errorf("finalizing %s: %w", args.TagSpool, model.ErrVersionConflict)
}

// settleFinalizar runs the post-batch tail of FINALIZAR: aggregate recompute,
// audit, occupation release, estado projection and the metrology trigger.
// Store failure before the release keeps the lock; a retried FINALIZAR then
// resolves to CANCELADO because the selection is already written.
func (s *Service) settleFinalizar(ctx context.Context, spool *model.Spool, worker model.Worker,
	token string, op model.Operation, plan Plan) (*FinalizarResult, error) {

	var fresh, err = s.unions.BySpool(ctx, spool.TagSpool)
	if err != nil {
		return nil, err
	}
	var metrics = repo.Metrics{
		UnionesARM:   repo.CountCompleted(fresh, model.OpARM),
		UnionesSOLD:  repo.CountCompleted(fresh, model.OpSOLD),
		PulgadasARM:  repo.SumPulgadas(fresh, model.OpARM),
		PulgadasSOLD: repo.SumPulgadas(fresh, model.OpSOLD),
	}
	version, err := s.spools.SetMetrics(ctx, spool.TagSpool, metrics, spool.Version)
	if err != nil {
		return nil, err
	}

	var completed = plan.Action == ActionCompletar
	var events = []model.AuditEvent{{
		EventoTipo:   model.SpoolEvent(op, completed),
		TagSpool:     spool.TagSpool,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Operacion:    string(op),
		Accion:       "FINALIZAR",
		Metadata: map[string]any{
			"action":   string(plan.Action),
			"uniones":  len(plan.Selected),
			"pulgadas": plan.Pulgadas,
		},
	}}
	for _, u := range plan.Selected {
		events = append(events, model.AuditEvent{
			EventoTipo:   model.UnionEvent(op),
			TagSpool:     spool.TagSpool,
			NUnion:       u.NUnion,
			WorkerID:     worker.ID,
			WorkerNombre: worker.Iniciales,
			Operacion:    string(op),
			Accion:       "COMPLETAR",
			Metadata:     map[string]any{"dn_union": u.DNUnion, "tipo_union": u.TipoUnion},
		})
	}
	var degraded bool
	if err = s.audit.BatchLog(ctx, events); err != nil {
		// Audit is evidence, not a gate: the session still settles.
		degraded = true
	}

	if err = s.releaseOccupation(ctx, spool.TagSpool, worker, token, version); err != nil {
		return nil, err
	}

	var after = *spool
	after.OcupadoPor, after.FechaOcupacion = "", nil
	var machines = fsm.Hydrate(&after, fresh)
	var estado = machines.EstadoDetalle()
	if err = s.spools.SetEstadoDetalle(ctx, spool.TagSpool, estado); err != nil {
		log.WithFields(log.Fields{"tag": spool.TagSpool, "err": err}).Error("writing estado projection")
	}

	var triggered = completed &&
		fsm.ShouldTriggerMetrology(fresh) &&
		machines.Metrologia == fsm.MetPendiente &&
		spool.EstadoDetalle != estado
	if triggered {
		s.logEvent(ctx, model.AuditEvent{
			EventoTipo: model.EvMetrologiaAuto,
			TagSpool:   spool.TagSpool,
			WorkerID:   worker.ID,
			Operacion:  "METROLOGIA",
			Accion:     "AUTO_TRIGGER",
		})
		s.bus.Publish(model.LiveEvent{
			Type:          model.LiveMetrologiaAuto,
			TagSpool:      spool.TagSpool,
			EstadoDetalle: estado,
		})
	}

	var liveType = model.LivePausar
	if completed {
		liveType = model.LiveCompletar
	}
	s.bus.Publish(model.LiveEvent{
		Type:          liveType,
		TagSpool:      spool.TagSpool,
		Worker:        worker.Ref(),
		EstadoDetalle: estado,
	})

	return &FinalizarResult{
		TagSpool:            spool.TagSpool,
		Action:              plan.Action,
		UnionsProcessed:     len(plan.Selected),
		Pulgadas:            plan.Pulgadas,
		UnavailableUnions:   plan.Unavailable,
		Metrics:             metrics,
		EstadoDetalle:       estado,
		MetrologiaTriggered: triggered,
		AuditDegraded:       degraded,
	}, nil
}

// Cancelar abandons a session without writing any work. It serves both spool
// generations.
func (s *Service) Cancelar(ctx context.Context, tag string, workerID int) error {
	var worker, err = s.workers.Active(ctx, workerID)
	if err != nil {
		return err
	}
	spool, err := s.spools.Get(ctx, tag)
	if err != nil {
		return err
	}
	lock, err := s.ownedLock(ctx, tag, worker.ID)
	if err != nil {
		return err
	}
	if err = s.releaseOccupation(ctx, tag, worker, lock.Token, spool.Version); err != nil {
		return err
	}
	s.logEvent(ctx, model.AuditEvent{
		EventoTipo:   model.EvSpoolCancelado,
		TagSpool:     tag,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Accion:       "CANCELAR",
		Metadata:     map[string]any{"motivo": "cancelado por usuario"},
	})
	s.bus.Publish(model.LiveEvent{Type: model.LiveCancelado, TagSpool: tag, Worker: worker.Ref()})
	return nil
}

// ownedLock fetches the tag's lock and gates it on the calling worker.
func (s *Service) ownedLock(ctx context.Context, tag string, workerID int) (*locks.Lock, error) {
	var lock, held, err = s.locks.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: no session open on %s", model.ErrNotHeld, tag)
	}
	if lock.WorkerID != workerID {
		return nil, fmt.Errorf("%w: %s is held by worker %d", model.ErrNotOwner, tag, lock.WorkerID)
	}
	return lock, nil
}

// releaseOccupation clears the row marker then the lock. Row failure keeps
// the lock so no window exists where the spool looks free but is locked.
func (s *Service) releaseOccupation(ctx context.Context, tag string, worker model.Worker, token, expected string) error {
	if _, err := s.spools.ClearOccupation(ctx, tag, expected); err != nil {
		return err
	}
	if err := s.locks.Release(ctx, tag, worker.ID, token); err != nil {
		log.WithFields(log.Fields{"tag": tag, "worker": worker.ID, "err": err}).
			Error("releasing occupation lock")
	}
	return nil
}

// logEvent is the tolerant single-event append: failure is recorded by the
// logger and must never fail the surrounding operation.
func (s *Service) logEvent(ctx context.Context, evt model.AuditEvent) {
	if err := s.audit.LogEvent(ctx, evt); err != nil {
		log.WithFields(log.Fields{"tag": evt.TagSpool, "type": evt.EventoTipo, "err": err}).
			Warn("audit event dropped")
	}
}

func isVersionConflict(err error) bool {
	return errors.Is(err, model.ErrVersionConflict)
}
