package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/welldanyogia/authgate/internal/events"
	"github.com/welldanyogia/authgate/internal/metrics"
)

// DefaultBufferSize is the dispatcher queue length used when none is given.
const DefaultBufferSize = 256

// deliveryTimeout bounds a single Notify call.
const deliveryTimeout = 10 * time.Second

// Dispatcher asynchronously forwards messages to a Notifier. When the queue
// is full new messages are dropped and counted.
type Dispatcher struct {
	notifier  Notifier
	logger    *slog.Logger
	ch        chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher with a single delivery goroutine.
func NewDispatcher(notifier Notifier, bufferSize int, logger *slog.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		notifier: notifier,
		logger:   logger,
		ch:       make(chan Message, bufferSize),
		done:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case msg := <-d.ch:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.ch:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := d.notifier.Notify(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(msg.Kind, "error").Inc()
		d.logger.Warn("notification delivery failed",
			slog.String("kind", msg.Kind),
			slog.String("account_id", msg.AccountID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(msg.Kind, "sent").Inc()
}

// Send enqueues msg without blocking. It reports whether the message was
// accepted.
func (d *Dispatcher) Send(msg Message) bool {
	if d == nil || d.closed.Load() {
		return false
	}

	select {
	case d.ch <- msg:
		return true
	case <-d.done:
		return false
	default:
		d.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues(msg.Kind, "dropped").Inc()
		return false
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of messages dropped because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Forward subscribes to every security event on bus, counting it and turning
// it into a security alert for the account owner.
func Forward(bus events.Bus, d *Dispatcher) (unsubscribe func()) {
	return bus.SubscribeAll(func(e events.Event) {
		metrics.SecurityEventsTotal.WithLabelValues(e.Type).Inc()
		d.Send(Message{
			Kind:      KindSecurityAlert,
			AccountID: e.AccountID,
			Subject:   alertSubjects[e.Type],
			Data: map[string]string{
				"event_id":   e.ID,
				"event_type": e.Type,
				"payload":    string(e.Data),
				"at":         e.Timestamp.Format(time.RFC3339),
			},
		})
	})
}

var alertSubjects = map[string]string{
	events.TypeAccountLocked:     "Your account has been temporarily locked",
	events.TypeNewDeviceLogin:    "New sign-in to your account",
	events.TypePasswordReset:     "Your password was reset",
	events.TypeTwoFactorEnabled:  "Two-factor authentication enabled",
	events.TypeTwoFactorDisabled: "Two-factor authentication disabled",
	events.TypeRefreshTokenReuse: "Suspicious sign-in activity",
}
