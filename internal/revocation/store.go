// Package revocation keeps the set of token fingerprints that must no longer
// be accepted. Entries live until the token they describe would have expired.
package revocation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("revocation store unavailable")

// Store records revoked token fingerprints.
type Store interface {
	// Revoke marks fingerprint as revoked until expiresAt. newlyRevoked is
	// false when the fingerprint was already present; refresh rotation relies
	// on this to detect reuse. Fingerprints whose expiry is already in the
	// past are not stored.
	Revoke(ctx context.Context, fingerprint string, expiresAt time.Time) (newlyRevoked bool, err error)
	// IsRevoked reports whether fingerprint is revoked and not yet expired.
	IsRevoked(ctx context.Context, fingerprint string) (bool, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryStore) Revoke(_ context.Context, fingerprint string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[fingerprint]; ok && now.Before(exp) {
		return false, nil
	}
	if !now.Before(expiresAt) {
		return true, nil
	}
	m.entries[fingerprint] = expiresAt
	return true, nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.entries[fingerprint]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.entries, fingerprint)
		return false, nil
	}
	return true, nil
}

// PurgeExpired drops entries whose token has expired
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for fp, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, fp)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
