package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipefab/spooltrack/go/model"
)

func TestPublishFanOut(t *testing.T) {
	var b = New()
	var ch1, cancel1 = b.Subscribe()
	var ch2, cancel2 = b.Subscribe()
	defer cancel1()
	defer cancel2()

	require.Equal(t, 2, b.Len())
	b.Publish(model.LiveEvent{Type: model.LiveIniciar, TagSpool: "OT-001", Worker: "MR(93)"})

	for _, ch := range []<-chan model.LiveEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			require.Equal(t, model.LiveIniciar, evt.Type)
			require.Equal(t, "OT-001", evt.TagSpool)
			require.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	var b = New()
	var ch, cancel = b.Subscribe()
	defer cancel()

	// Publish past the buffer bound; the publisher must never block.
	var done = make(chan struct{})
	go func() {
		for i := 0; i != 100; i++ {
			b.Publish(model.LiveEvent{Type: model.LivePausar, TagSpool: "OT-001"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Exactly the buffered events are deliverable.
	var got int
	for {
		select {
		case <-ch:
			got++
			continue
		default:
		}
		break
	}
	require.Equal(t, 64, got)
}

func TestCancelClosesAndIsIdempotent(t *testing.T) {
	var b = New()
	var ch, cancel = b.Subscribe()

	cancel()
	cancel()
	require.Equal(t, 0, b.Len())

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic.
	b.Publish(model.LiveEvent{Type: model.LiveCompletar, TagSpool: "OT-001"})
}
