package workflow

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/locks"
	"github.com/pipefab/spooltrack/go/model"
)

// The legacy v3 verbs operate on spools without a union breakdown. Work is
// recorded at spool granularity only: one date and one worker column per
// operation, no per-union rows, no metrology trigger.

// TomarResult reports a legacy session opened on a v3 spool.
type TomarResult struct {
	TagSpool       string          `json:"tag_spool"`
	Worker         string          `json:"worker"`
	Operacion      model.Operation `json:"operacion"`
	FechaOcupacion time.Time       `json:"fecha_ocupacion"`
}

// Tomar opens a legacy session. A v4 spool is rejected so per-union tracking
// cannot be bypassed through the old endpoints.
func (s *Service) Tomar(ctx context.Context, tag string, workerID int, op model.Operation) (*TomarResult, error) {
	var worker, err = s.workers.Active(ctx, workerID)
	if err != nil {
		return nil, err
	}
	spool, err := s.spools.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if spool.IsV4() {
		return nil, fmt.Errorf("%w: %s carries a union breakdown; use the v4 endpoints", model.ErrWrongVersion, tag)
	}
	if spool.FechaMateriales == nil {
		return nil, fmt.Errorf("%w: %s has no materials received", model.ErrInvalidState, tag)
	}
	switch op {
	case model.OpARM:
		if spool.FechaArmado != nil {
			return nil, fmt.Errorf("%w: %s already armed", model.ErrInvalidState, tag)
		}
	case model.OpSOLD:
		if spool.FechaArmado == nil {
			return nil, fmt.Errorf("%w: %s is not armed yet", model.ErrArmPrerequisite, tag)
		}
		if spool.FechaSoldadura != nil {
			return nil, fmt.Errorf("%w: %s already welded", model.ErrInvalidState, tag)
		}
	}

	if _, err = locks.Reconcile(ctx, s.locks, tag, spool.Occupied(), s.now()); err != nil {
		return nil, err
	}
	lock, err := s.locks.TryAcquire(ctx, tag, workerID)
	if err != nil {
		return nil, err
	}

	var at = s.now()
	if _, err = s.spools.SetOccupation(ctx, tag, worker.Ref(), at, spool.Version); err != nil {
		if relErr := s.locks.Release(ctx, tag, workerID, lock.Token); relErr != nil {
			log.WithFields(log.Fields{"tag": tag, "err": relErr}).Error("releasing lock after failed occupation write")
		}
		return nil, err
	}

	s.logEvent(ctx, model.AuditEvent{
		EventoTipo:   model.EvTomarSpool,
		TagSpool:     tag,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Operacion:    string(op),
		Accion:       "TOMAR",
	})
	s.bus.Publish(model.LiveEvent{Type: model.LiveTomar, TagSpool: tag, Worker: worker.Ref()})

	return &TomarResult{TagSpool: tag, Worker: worker.Ref(), Operacion: op, FechaOcupacion: at}, nil
}

// Pausar abandons a legacy session without recording work.
func (s *Service) Pausar(ctx context.Context, tag string, workerID int) error {
	var worker, err = s.workers.Active(ctx, workerID)
	if err != nil {
		return err
	}
	spool, err := s.spools.Get(ctx, tag)
	if err != nil {
		return err
	}
	if spool.IsV4() {
		return fmt.Errorf("%w: %s carries a union breakdown; use the v4 endpoints", model.ErrWrongVersion, tag)
	}
	lock, err := s.ownedLock(ctx, tag, worker.ID)
	if err != nil {
		return err
	}
	if err = s.releaseOccupation(ctx, tag, worker, lock.Token, spool.Version); err != nil {
		return err
	}
	s.logEvent(ctx, model.AuditEvent{
		EventoTipo:   model.EvPausarSpool,
		TagSpool:     tag,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Accion:       "PAUSAR",
	})
	s.bus.Publish(model.LiveEvent{Type: model.LivePausar, TagSpool: tag, Worker: worker.Ref()})
	return nil
}

// Completar closes a legacy session, stamping the operation's spool-level
// date and worker columns.
func (s *Service) Completar(ctx context.Context, tag string, workerID int, op model.Operation) error {
	var worker, err = s.workers.Active(ctx, workerID)
	if err != nil {
		return err
	}
	spool, err := s.spools.Get(ctx, tag)
	if err != nil {
		return err
	}
	if spool.IsV4() {
		return fmt.Errorf("%w: %s carries a union breakdown; use the v4 endpoints", model.ErrWrongVersion, tag)
	}
	lock, err := s.ownedLock(ctx, tag, worker.ID)
	if err != nil {
		return err
	}

	version, err := s.spools.SetV3Operation(ctx, tag, op, worker.Ref(), s.now(), spool.Version)
	if err != nil {
		return err
	}
	if err = s.releaseOccupation(ctx, tag, worker, lock.Token, version); err != nil {
		return err
	}

	s.logEvent(ctx, model.AuditEvent{
		EventoTipo:   model.EvCompletarSpool,
		TagSpool:     tag,
		WorkerID:     worker.ID,
		WorkerNombre: worker.Iniciales,
		Operacion:    string(op),
		Accion:       "COMPLETAR",
	})
	s.bus.Publish(model.LiveEvent{Type: model.LiveCompletar, TagSpool: tag, Worker: worker.Ref()})
	return nil
}
