package model

import "errors"

// Domain error kinds. The HTTP boundary maps these onto status codes; inner
// services wrap them with context via fmt.Errorf and %w.
var (
	ErrSpoolNotFound    = errors.New("spool not found")
	ErrUnionNotFound    = errors.New("union not found")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrArmPrerequisite  = errors.New("ARM must precede SOLD")
	ErrSpoolOccupied    = errors.New("spool occupied")
	ErrVersionConflict  = errors.New("version conflict")
	ErrRaceCondition    = errors.New("race condition")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrWrongVersion     = errors.New("wrong endpoint version for spool")
	ErrStoreUnavailable = errors.New("sheets unavailable")
	ErrSchemaInvalid    = errors.New("worksheet schema invalid")
	ErrLockExpired      = errors.New("lock expired")
	ErrNotOwner         = errors.New("lock not owned by worker")
	ErrNotHeld          = errors.New("lock not held")
	ErrWorkerNotFound   = errors.New("worker not found")
)
