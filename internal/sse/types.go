// Package sse streams an account's security events to the account holder
// over Server-Sent Events.
package sse

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/authgate/internal/events"
)

// Control event types written by the stream itself. They carry no id so a
// reconnecting client resumes from the last security event it saw.
const (
	TypeConnected       = "connected"
	TypeHeartbeat       = "heartbeat"
	TypeConnectionLimit = "connection_limit"
	TypeSessionEnded    = "session_ended"
)

type closeReason int

const (
	closedNormally closeReason = iota
	closedEvicted
	closedSessionEnded
)

// ErrStreamingNotSupported is returned when the response writer cannot flush.
var ErrStreamingNotSupported = errors.New("streaming not supported")

// Config holds stream configuration.
type Config struct {
	HeartbeatInterval        time.Duration // Default: 30 seconds
	ConnectionTimeout        time.Duration // Default: 1 hour
	MaxConnectionsPerAccount int           // Default: 5
	BufferSize               int           // Default: 32 pending events per connection
	ReplayLimit              int           // Default: 50 events replayed on reconnect
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:        30 * time.Second,
		ConnectionTimeout:        time.Hour,
		MaxConnectionsPerAccount: 5,
		BufferSize:               32,
		ReplayLimit:              50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxConnectionsPerAccount <= 0 {
		c.MaxConnectionsPerAccount = d.MaxConnectionsPerAccount
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = d.ReplayLimit
	}
	return c
}

// Connection is one open stream. Events are queued by the publisher and
// written by the request goroutine that owns the stream.
type Connection struct {
	ID        string
	AccountID string
	SessionID string
	CreatedAt time.Time

	queue     chan events.Event
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason closeReason
}

func newConnection(accountID, sessionID string, buffer int, now time.Time) *Connection {
	return &Connection{
		ID:        uuid.New().String(),
		AccountID: accountID,
		SessionID: sessionID,
		CreatedAt: now,
		queue:     make(chan events.Event, buffer),
		done:      make(chan struct{}),
	}
}

// Offer queues an event without blocking. It reports false when the queue is
// full or the connection is closed.
func (c *Connection) Offer(event events.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- event:
		return true
	default:
		return false
	}
}

// Close ends the stream. Safe to call more than once.
func (c *Connection) Close() {
	c.closeWith(closedNormally)
}

// Done is closed when the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Evicted reports whether the connection was closed to make room for a newer one.
func (c *Connection) Evicted() bool {
	return c.closedBy() == closedEvicted
}

// SessionEnded reports whether the connection was closed because its
// session was revoked.
func (c *Connection) SessionEnded() bool {
	return c.closedBy() == closedSessionEnded
}

func (c *Connection) closedBy() closeReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// closeWith records why the connection closed. The first reason wins.
func (c *Connection) closeWith(reason closeReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Connection) evict() {
	c.closeWith(closedEvicted)
}
