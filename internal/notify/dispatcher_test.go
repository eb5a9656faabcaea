package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/authgate/internal/events"
)

// blockingNotifier holds every delivery until release is closed.
type blockingNotifier struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Message
}

func (b *blockingNotifier) Notify(ctx context.Context, msg Message) error {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, msg)
	b.mu.Unlock()
	return nil
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, Message) error { return errors.New("smtp down") }

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := NewChannelNotifier(10)
	d := NewDispatcher(sink, 10, nil)
	defer d.Close()

	for i, kind := range []string{KindEmailVerification, KindPasswordReset} {
		require.True(t, d.Send(Message{Kind: kind, AccountID: "acc"}), "message %d", i)
	}

	for _, want := range []string{KindEmailVerification, KindPasswordReset} {
		select {
		case msg := <-sink.Messages():
			assert.Equal(t, want, msg.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &blockingNotifier{release: make(chan struct{})}
	d := NewDispatcher(sink, 1, nil)

	// The worker may already hold the first message; send enough to overflow
	// a queue of one regardless.
	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Send(Message{Kind: KindSecurityAlert}) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 2)
	assert.Equal(t, uint64(5-accepted), d.Dropped())

	close(sink.release)
	d.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.got, accepted, "queued messages are drained on close")
}

func TestDispatcher_SendAfterClose(t *testing.T) {
	d := NewDispatcher(NewChannelNotifier(1), 1, nil)
	d.Close()
	d.Close()

	assert.False(t, d.Send(Message{Kind: KindSecurityAlert}))

	var nilDispatcher *Dispatcher
	assert.False(t, nilDispatcher.Send(Message{}))
	assert.Zero(t, nilDispatcher.Dropped())
}

func TestDispatcher_FailedDeliveryDoesNotStopWorker(t *testing.T) {
	d := NewDispatcher(failingNotifier{}, 4, nil)
	assert.True(t, d.Send(Message{Kind: KindPasswordReset}))
	assert.True(t, d.Send(Message{Kind: KindPasswordReset}))
	d.Close()
}

func TestForward_TurnsEventsIntoAlerts(t *testing.T) {
	sink := NewChannelNotifier(4)
	d := NewDispatcher(sink, 4, nil)
	defer d.Close()

	bus := events.NewEventBus(nil, nil)
	unsubscribe := Forward(bus, d)
	defer unsubscribe()

	e, err := events.New(events.TypeAccountLocked, "acc-1", events.AccountLockedEvent{Attempts: 5}, time.Now())
	require.NoError(t, err)
	require.NoError(t, bus.Publish(e))

	select {
	case msg := <-sink.Messages():
		assert.Equal(t, KindSecurityAlert, msg.Kind)
		assert.Equal(t, "acc-1", msg.AccountID)
		assert.Equal(t, events.TypeAccountLocked, msg.Data["event_type"])
		assert.Contains(t, msg.Subject, "locked")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for alert")
	}
}
