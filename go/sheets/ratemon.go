package sheets

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// Call kinds recorded by the rate monitor.
const (
	KindRead  = "read"
	KindWrite = "write"
)

const (
	rateWindow  = 60 * time.Second
	burstWindow = 10 * time.Second
	burstLimit  = 20
)

var callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spooltrack_sheets_calls_total",
	Help: "Sheets API calls issued by the gateway, by kind.",
}, []string{"kind"})

var writeRPM = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "spooltrack_sheets_write_rpm",
	Help: "Sheets write calls over the trailing 60s window.",
})

type rateSample struct {
	at   time.Time
	kind string
}

// RateMonitor keeps a sliding 60-second window of gateway calls. It only
// observes: burst detection raises a warning but never blocks a caller.
type RateMonitor struct {
	mu      sync.Mutex
	samples []rateSample // ring buffer
	head    int
	count   int

	writeTarget int
	writeQuota  int
	now         func() time.Time
}

// NewRateMonitor sizes the ring for the write quota plus read headroom.
func NewRateMonitor(writeTarget, writeQuota int) *RateMonitor {
	if writeTarget <= 0 {
		writeTarget = 30
	}
	if writeQuota <= 0 {
		writeQuota = 60
	}
	return &RateMonitor{
		samples:     make([]rateSample, 8*writeQuota),
		writeTarget: writeTarget,
		writeQuota:  writeQuota,
		now:         time.Now,
	}
}

// Record notes one gateway call and prunes samples older than the window.
// A nil monitor records nothing.
func (m *RateMonitor) Record(kind string) {
	if m == nil {
		return
	}
	callsTotal.WithLabelValues(kind).Inc()

	m.mu.Lock()
	var now = m.now()
	m.prune(now)
	m.push(rateSample{at: now, kind: kind})

	var writes = m.countSince(now.Add(-rateWindow), KindWrite)
	writeRPM.Set(float64(writes))
	var burst = m.countSince(now.Add(-burstWindow), KindWrite)
	m.mu.Unlock()

	if kind == KindWrite && writes > m.writeTarget {
		log.WithFields(log.Fields{"rpm": writes, "target": m.writeTarget, "quota": m.writeQuota}).
			Warn("sheets write rate above target")
	}
	if burst > burstLimit {
		log.WithFields(log.Fields{"burst": burst, "window": burstWindow}).
			Warn("sheets write burst detected")
	}
}

// RPM returns write calls in the trailing 60-second window.
func (m *RateMonitor) RPM() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var now = m.now()
	m.prune(now)
	return m.countSince(now.Add(-rateWindow), KindWrite)
}

// Burst returns write calls in the trailing 10-second window.
func (m *RateMonitor) Burst() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var now = m.now()
	m.prune(now)
	return m.countSince(now.Add(-burstWindow), KindWrite)
}

func (m *RateMonitor) push(s rateSample) {
	if m.count == len(m.samples) {
		// Ring is full; overwrite the oldest sample.
		m.samples[m.head] = s
		m.head = (m.head + 1) % len(m.samples)
		return
	}
	m.samples[(m.head+m.count)%len(m.samples)] = s
	m.count++
}

func (m *RateMonitor) prune(now time.Time) {
	var cutoff = now.Add(-rateWindow)
	for m.count > 0 && m.samples[m.head].at.Before(cutoff) {
		m.head = (m.head + 1) % len(m.samples)
		m.count--
	}
}

func (m *RateMonitor) countSince(cutoff time.Time, kind string) int {
	var n int
	for i := 0; i < m.count; i++ {
		var s = m.samples[(m.head+i)%len(m.samples)]
		if s.kind == kind && !s.at.Before(cutoff) {
			n++
		}
	}
	return n
}
