package events

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrMissingAccount is returned when an event has no account to route to.
var ErrMissingAccount = errors.New("event must have an AccountID")

const allAccounts = "*"

// InMemoryEventBus implements Bus with synchronous in-process delivery.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Handler // accountID (or "*") -> subscriptionID -> handler
	store       Store
	logger      *slog.Logger
}

// NewEventBus creates a new InMemoryEventBus. store may be nil.
func NewEventBus(store Store, logger *slog.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryEventBus{
		subscribers: make(map[string]map[string]Handler),
		store:       store,
		logger:      logger,
	}
}

// Publish stores the event (if a store is configured) and delivers it to the
// account's subscribers followed by the catch-all subscribers.
func (eb *InMemoryEventBus) Publish(event Event) error {
	if event.AccountID == "" {
		return ErrMissingAccount
	}

	if eb.store != nil {
		if err := eb.store.Store(event); err != nil {
			eb.logger.Warn("failed to store security event",
				slog.String("event_type", event.Type),
				slog.String("error", err.Error()),
			)
		}
	}

	eb.mu.RLock()
	handlers := make([]Handler, 0, len(eb.subscribers[event.AccountID])+len(eb.subscribers[allAccounts]))
	for _, h := range eb.subscribers[event.AccountID] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.subscribers[allAccounts] {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.deliver(h, event)
	}
	return nil
}

// deliver isolates the publisher from a panicking handler
func (eb *InMemoryEventBus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("security event handler panicked",
				slog.String("event_type", event.Type),
				slog.Any("panic", r),
			)
		}
	}()
	h(event)
}

// Subscribe registers a handler for events for a specific account.
func (eb *InMemoryEventBus) Subscribe(accountID string, handler Handler) (unsubscribe func()) {
	return eb.subscribe(accountID, handler)
}

// SubscribeAll registers a handler for every published event.
func (eb *InMemoryEventBus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return eb.subscribe(allAccounts, handler)
}

func (eb *InMemoryEventBus) subscribe(key string, handler Handler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.subscribers[key] == nil {
		eb.subscribers[key] = make(map[string]Handler)
	}
	subscriptionID := uuid.New().String()
	eb.subscribers[key][subscriptionID] = handler

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()

		if handlers, exists := eb.subscribers[key]; exists {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(eb.subscribers, key)
			}
		}
	}
}

// Recent returns the account's most recent stored events, newest first.
// Returns an empty slice if no store is configured.
func (eb *InMemoryEventBus) Recent(accountID string, limit int) ([]Event, error) {
	if eb.store == nil {
		return []Event{}, nil
	}
	return eb.store.Recent(accountID, limit)
}

// SubscriberCount returns the number of subscribers for an account.
func (eb *InMemoryEventBus) SubscriberCount(accountID string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers[accountID])
}
