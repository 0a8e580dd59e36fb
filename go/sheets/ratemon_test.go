package sheets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateMonitorWindow(t *testing.T) {
	var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var m = NewRateMonitor(30, 60)
	m.now = func() time.Time { return now }

	for i := 0; i != 5; i++ {
		m.Record(KindWrite)
		now = now.Add(time.Second)
	}
	m.Record(KindRead)

	require.Equal(t, 5, m.RPM())
	require.Equal(t, 5, m.Burst())

	// Advance past the burst window but within the minute.
	now = now.Add(20 * time.Second)
	require.Equal(t, 5, m.RPM())
	require.Equal(t, 0, m.Burst())

	// Advance past the full window: everything prunes.
	now = now.Add(time.Minute)
	require.Equal(t, 0, m.RPM())
}

func TestRateMonitorRingOverflow(t *testing.T) {
	var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var m = NewRateMonitor(1, 1) // ring of 8 samples
	m.now = func() time.Time { return now }

	for i := 0; i != 20; i++ {
		m.Record(KindWrite)
	}
	// Oldest samples were overwritten; the count never exceeds the ring.
	require.Equal(t, 8, m.RPM())
}
