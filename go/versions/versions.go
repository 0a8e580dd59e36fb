// Package versions implements optimistic compare-and-swap over per-row UUID
// version tokens. The tabular store has no native CAS, so a guarded write is
// a fresh read, a batched write that rotates the version cell, and a
// post-write verification, retried with jittered backoff on collision.
package versions

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
)

// maxAttempts bounds conflict recovery. Exhaustion surfaces ErrVersionConflict.
const maxAttempts = 3

// Recompute rebuilds a write from the caller's higher-level intent against a
// fresh read. It returns the row, the version column, the row's current
// version, and the cell updates to apply (excluding the version cell, which
// the service rotates itself).
type Recompute func(ctx context.Context) (row, versionCol int, current string, updates []sheets.CellUpdate, err error)

// Service applies guarded writes through the tabular gateway.
type Service struct {
	tab   sheets.Tabular
	sleep func(time.Duration)
}

// NewService builds the conflict service over a gateway.
func NewService(tab sheets.Tabular) *Service {
	return &Service{tab: tab, sleep: time.Sleep}
}

// Write applies the recomputed update under optimistic concurrency.
// |expected| is the version the caller last observed; a mismatch against the
// fresh read is logged but not fatal, because the recompute closure already
// rebuilt the update from current state. Store unavailability bubbles up
// unretried: the surrounding workflow owns that failure mode.
func (s *Service) Write(ctx context.Context, worksheet, expected string, rc Recompute) (string, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var row, versionCol, current, updates, err = rc(ctx)
		if err != nil {
			return "", err
		}
		if expected != "" && current != expected {
			log.WithFields(log.Fields{
				"worksheet": worksheet,
				"row":       row,
				"expected":  expected,
				"current":   current,
			}).Info("row version moved; update was recomputed")
			expected = current
		}

		// A conflict retry never reuses a prior UUID.
		var next = uuid.NewString()
		updates = append(updates, sheets.CellUpdate{Row: row, Col: versionCol, Value: next})
		if err = s.tab.BatchUpdate(ctx, worksheet, updates); err != nil {
			return "", err
		}

		got, err := s.readCell(ctx, worksheet, row, versionCol)
		if err != nil {
			return "", err
		}
		if got == next {
			return next, nil
		}

		// Another writer landed between our write and verification.
		log.WithFields(log.Fields{
			"worksheet": worksheet,
			"row":       row,
			"attempt":   attempt,
		}).Warn("version verification failed; retrying")
		expected = got
		if attempt < maxAttempts {
			s.sleep(Backoff(attempt))
		}
	}
	return "", fmt.Errorf("guarded write to %s: %w", worksheet, model.ErrVersionConflict)
}

func (s *Service) readCell(ctx context.Context, worksheet string, row, col int) (string, error) {
	var rows, err = s.tab.ReadWorksheet(ctx, worksheet)
	if err != nil {
		return "", err
	}
	if row < 1 || row > len(rows) || col >= len(rows[row-1]) {
		return "", nil
	}
	return rows[row-1][col], nil
}

// Backoff returns 100ms * 2^(n-1) plus up to 50ms of jitter, bounding total
// retry delay near one second.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var base = 100 * time.Millisecond << (attempt - 1)
	return base + time.Duration(rand.Int64N(int64(50*time.Millisecond)))
}
