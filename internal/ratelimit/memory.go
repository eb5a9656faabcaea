package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	hits   []time.Time
	length time.Duration
}

// MemoryLimiter is a process-local sliding window limiter
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryLimiter creates a limiter and starts its cleanup loop, which runs
// every cleanupInterval until Close is called.
func NewMemoryLimiter(cleanupInterval time.Duration) *MemoryLimiter {
	ml := &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go ml.cleanup(cleanupInterval)
	}
	return ml
}

// Allow checks if a request is allowed for the given key
func (ml *MemoryLimiter) Allow(_ context.Context, key string, p Policy) (Decision, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	w := ml.windows[key]
	if w == nil {
		w = &window{length: p.Window}
		ml.windows[key] = w
	}
	w.length = p.Window
	w.hits = filterAfter(w.hits, now.Add(-p.Window))

	if len(w.hits) >= p.Max {
		resetAt := w.hits[0].Add(p.Window)
		return Decision{
			Allowed:    false,
			Limit:      p.Max,
			Remaining:  0,
			RetryAfter: resetAt.Sub(now),
			ResetAt:    resetAt,
		}, nil
	}

	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Limit:     p.Max,
		Remaining: p.Max - len(w.hits),
		ResetAt:   w.hits[0].Add(p.Window),
	}, nil
}

// Release removes the most recent hit recorded for key
func (ml *MemoryLimiter) Release(_ context.Context, key string, _ Policy) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if w := ml.windows[key]; w != nil && len(w.hits) > 0 {
		w.hits = w.hits[:len(w.hits)-1]
	}
	return nil
}

// Close stops the cleanup loop
func (ml *MemoryLimiter) Close() {
	ml.once.Do(func() { close(ml.stop) })
}

// cleanup periodically removes expired windows
func (ml *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ml.stop:
			return
		case <-ticker.C:
			ml.sweep()
		}
	}
}

func (ml *MemoryLimiter) sweep() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	for key, w := range ml.windows {
		w.hits = filterAfter(w.hits, now.Add(-w.length))
		if len(w.hits) == 0 {
			delete(ml.windows, key)
		}
	}
}

func filterAfter(hits []time.Time, start time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(start) {
		i++
	}
	return hits[i:]
}
