// Package verification issues and consumes the short one-time codes used by
// email verification and password reset.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound         = errors.New("verification code not found or expired")
	ErrCodeMismatch     = errors.New("verification code mismatch")
	ErrAttemptsExceeded = errors.New("too many verification attempts")
	ErrUnavailable      = errors.New("verification store unavailable")
)

// Record is a pending verification
type Record struct {
	AccountID string
	CodeHash  string
}

// Store keeps pending verifications. Consume deletes the record on a match
// and after maxAttempts mismatches.
type Store interface {
	Put(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Consume(ctx context.Context, key, codeHash string, maxAttempts int) (Record, error)
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	rec       Record
	attempts  int
	expiresAt time.Time
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, key string, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{rec: rec, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, key, codeHash string, maxAttempts int) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return Record{}, ErrNotFound
	}
	if e.rec.CodeHash == codeHash {
		delete(m.entries, key)
		return e.rec, nil
	}
	e.attempts++
	if e.attempts >= maxAttempts {
		delete(m.entries, key)
		return Record{}, ErrAttemptsExceeded
	}
	return Record{}, ErrCodeMismatch
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

const redisKeyPrefix = "verify:"

// consumeLua compares and deletes atomically.
// KEYS[1] = record hash
// ARGV[1] = provided code hash, ARGV[2] = max attempts
var consumeLua = redis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'account', 'hash', 'attempts')
if not rec[1] then
  return {err='not_found'}
end
if rec[2] == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return rec[1]
end
local attempts = tonumber(rec[3] or '0') + 1
if attempts >= tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return {err='attempts_exceeded'}
end
redis.call('HSET', KEYS[1], 'attempts', tostring(attempts))
return {err='mismatch'}
`)

// RedisStore keeps pending verifications in Redis hashes with a TTL
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis backed Store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	k := redisKeyPrefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, "account", rec.AccountID, "hash", rec.CodeHash, "attempts", 0)
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, key, codeHash string, maxAttempts int) (Record, error) {
	accountID, err := consumeLua.Run(ctx, s.client, []string{redisKeyPrefix + key}, codeHash, maxAttempts).Text()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not_found"):
			return Record{}, ErrNotFound
		case strings.Contains(err.Error(), "attempts_exceeded"):
			return Record{}, ErrAttemptsExceeded
		case strings.Contains(err.Error(), "mismatch"):
			return Record{}, ErrCodeMismatch
		}
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Record{AccountID: accountID, CodeHash: codeHash}, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
