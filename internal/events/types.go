// Package events provides the in-process bus for account security events.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a security-relevant occurrence on an account.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	AccountID string          `json:"-"` // routing key, not part of the payload
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event with a fresh ID, encoding payload as its data.
func New(eventType, accountID string, payload interface{}, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AccountID: accountID,
		Data:      data,
		Timestamp: at.UTC(),
	}, nil
}

// Handler handles a delivered event. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(event Event)

// Bus defines the interface for publishing and subscribing to events.
type Bus interface {
	// Publish delivers an event to the account's subscribers and to every
	// catch-all subscriber.
	Publish(event Event) error
	// Subscribe registers a handler for one account's events.
	Subscribe(accountID string, handler Handler) (unsubscribe func())
	// SubscribeAll registers a handler for every account's events.
	SubscribeAll(handler Handler) (unsubscribe func())
}

// Store keeps recent events for later inspection.
type Store interface {
	Store(event Event) error
	// Recent returns up to limit events for the account, newest first.
	Recent(accountID string, limit int) ([]Event, error)
	// Cleanup removes events older than the given duration.
	Cleanup(olderThan time.Duration) error
}
