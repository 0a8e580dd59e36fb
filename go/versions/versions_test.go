package versions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipefab/spooltrack/go/model"
	"github.com/pipefab/spooltrack/go/sheets"
	"github.com/pipefab/spooltrack/go/sheets/sheetstest"
)

func newSheet() *sheetstest.Fake {
	var fake = sheetstest.NewFake()
	fake.SetSheet("Operaciones", [][]string{
		{"TAG_SPOOL", "Uniones_ARM_Completadas", "version"},
		{"OT-001", "0", "v-original"},
	})
	return fake
}

func metricUpdate(count int) Recompute {
	return func(context.Context) (int, int, string, []sheets.CellUpdate, error) {
		return 2, 2, "v-original", []sheets.CellUpdate{{Row: 2, Col: 1, Value: count}}, nil
	}
}

func TestWriteRotatesVersion(t *testing.T) {
	var fake = newSheet()
	var svc = NewService(fake)

	var next, err = svc.Write(context.Background(), "Operaciones", "v-original", metricUpdate(7))
	require.NoError(t, err)
	require.NotEmpty(t, next)
	require.NotEqual(t, "v-original", next)

	require.Equal(t, "7", fake.Cell("Operaciones", 2, 1))
	require.Equal(t, next, fake.Cell("Operaciones", 2, 2))
}

func TestWriteRecomputesWhenExpectationIsStale(t *testing.T) {
	var fake = newSheet()
	// A competing writer already moved the row past the caller's expectation.
	require.NoError(t, fake.BatchUpdate(context.Background(), "Operaciones",
		[]sheets.CellUpdate{{Row: 2, Col: 2, Value: "v-moved"}}))

	var svc = NewService(fake)
	var recomputes int
	var rc Recompute = func(ctx context.Context) (int, int, string, []sheets.CellUpdate, error) {
		recomputes++
		return 2, 2, fake.Cell("Operaciones", 2, 2), []sheets.CellUpdate{{Row: 2, Col: 1, Value: 9}}, nil
	}

	// The write still lands: the closure rebuilt the update from fresh state,
	// so the stale expectation is only informational.
	var next, err = svc.Write(context.Background(), "Operaciones", "v-original", rc)
	require.NoError(t, err)
	require.Equal(t, 1, recomputes)
	require.Equal(t, "9", fake.Cell("Operaciones", 2, 1))
	require.Equal(t, next, fake.Cell("Operaciones", 2, 2))
}

func TestWriteExhaustionIsVersionConflict(t *testing.T) {
	var fake = newSheet()
	var svc = NewService(fake)
	var slept int
	svc.sleep = func(time.Duration) { slept++ }

	// A racing writer clobbers the version cell after every one of our
	// batches, so verification never observes our UUID.
	var rc Recompute = func(ctx context.Context) (int, int, string, []sheets.CellUpdate, error) {
		// Re-arm the clobber for this attempt's write.
		fake.SetOnWrite(func(f *sheetstest.Fake) {
			f.SetOnWrite(nil)
			_ = f.BatchUpdate(ctx, "Operaciones",
				[]sheets.CellUpdate{{Row: 2, Col: 2, Value: "raced"}})
		})
		return 2, 2, fake.Cell("Operaciones", 2, 2), nil, nil
	}
	var _, err = svc.Write(context.Background(), "Operaciones", "v-original", rc)
	require.ErrorIs(t, err, model.ErrVersionConflict)
	require.Equal(t, 2, slept) // backoff between attempts only
}

func TestWriteStoreFailureBubbles(t *testing.T) {
	var fake = newSheet()
	fake.FailNextWrites(1)
	var svc = NewService(fake)

	var _, err = svc.Write(context.Background(), "Operaciones", "v-original", metricUpdate(1))
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 3; attempt++ {
		var base = 100 * time.Millisecond << (attempt - 1)
		for i := 0; i != 32; i++ {
			var d = Backoff(attempt)
			require.GreaterOrEqual(t, d, base)
			require.Less(t, d, base+50*time.Millisecond)
		}
	}
}
