// Package locks implements the process-wide keyed occupation locks. A lock
// gates business intent (one worker owns a spool); it is not the optimistic
// row version, which guards write collisions between code paths.
package locks

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// StaleAfter is the reconciliation grace. Locks have no TTL, because real
// work sessions run 5-8 hours; only a lock older than this with no matching
// occupation in the store is force-released.
const StaleAfter = 24 * time.Hour

// Lock is the held-lock record for one tag_spool.
type Lock struct {
	WorkerID   int       `json:"worker_id"`
	Token      string    `json:"lock_token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Service is the keyed lock surface. Implementations are etcd-backed in
// production and in-memory for tests and single-node runs.
type Service interface {
	// TryAcquire performs an atomic set-if-absent. On contention it returns
	// an error wrapping model.ErrSpoolOccupied that names the current owner.
	TryAcquire(ctx context.Context, tag string, workerID int) (*Lock, error)
	// Release requires both worker and token; a mismatch is ErrNotOwner.
	Release(ctx context.Context, tag string, workerID int, token string) error
	// Owner probes the current holder. Zero with false means unheld.
	Owner(ctx context.Context, tag string) (int, bool, error)
	// Get returns the full lock record, for reconciliation.
	Get(ctx context.Context, tag string) (*Lock, bool, error)
	// ForceRelease removes the lock regardless of owner.
	ForceRelease(ctx context.Context, tag string) error
	// Tags lists every held tag, for startup reconciliation.
	Tags(ctx context.Context) ([]string, error)
}

// Reconcile applies the lazy reconciliation rule for one tag: if a lock exists
// but the spool row shows no occupation, and the lock is older than the grace,
// it is force-released. Returns whether the tag is (still) locked afterwards.
func Reconcile(ctx context.Context, svc Service, tag string, rowOccupied bool, now time.Time) (locked bool, err error) {
	var lock, held, getErr = svc.Get(ctx, tag)
	if getErr != nil {
		return false, getErr
	}
	if !held {
		return false, nil
	}
	if rowOccupied {
		return true, nil
	}
	if now.Sub(lock.AcquiredAt) <= StaleAfter {
		// Within the grace the lock wins: the row may simply lag.
		return true, nil
	}

	log.WithFields(log.Fields{
		"tag":        tag,
		"worker":     lock.WorkerID,
		"acquiredAt": lock.AcquiredAt,
	}).Warn("force-releasing abandoned lock")

	if err = svc.ForceRelease(ctx, tag); err != nil {
		return true, fmt.Errorf("force-releasing lock of %s: %w", tag, err)
	}
	return false, nil
}
