// Package bus fans spool-level events out to long-lived streaming
// subscribers. Delivery is best-effort at-most-once: a slow subscriber's
// events are dropped (it reconciles by refetching the dashboard snapshot on
// reconnect), and there is no replay buffer. The bus is not a log.
package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/pipefab/spooltrack/go/model"
)

// subscriberBuffer bounds each subscriber's queue.
const subscriberBuffer = 64

var subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "spooltrack_live_subscribers",
	Help: "Connected live-event subscribers.",
})

var dropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "spooltrack_live_events_dropped_total",
	Help: "Live events dropped due to slow subscribers.",
})

// Bus is the in-process publisher. A single mutex guards the registry; sends
// are non-blocking so no subscriber can stall a publishing request handler.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan model.LiveEvent
	next int
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan model.LiveEvent)}
}

// Subscribe registers a new subscriber and returns its event channel with a
// cancel function. The channel closes on cancel.
func (b *Bus) Subscribe() (<-chan model.LiveEvent, func()) {
	b.mu.Lock()
	var id = b.next
	b.next++
	var ch = make(chan model.LiveEvent, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()
	subscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
			subscribers.Dec()
		})
	}
}

// Publish delivers the event to every subscriber whose buffer has room.
func (b *Bus) Publish(evt model.LiveEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			dropped.Inc()
			log.WithFields(log.Fields{"subscriber": id, "type": evt.Type, "tag": evt.TagSpool}).
				Debug("dropping live event for slow subscriber")
		}
	}
}

// Len returns the number of connected subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
