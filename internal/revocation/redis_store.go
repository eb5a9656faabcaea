package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "revoked:"

// RedisStore keeps revoked fingerprints as Redis keys whose TTL matches the
// remaining lifetime of the token, so expiry is handled by Redis itself.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Store backed by client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix, now: time.Now}
}

func (s *RedisStore) Revoke(ctx context.Context, fingerprint string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return true, nil
	}
	// Redis rejects sub-millisecond expirations
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	set, err := s.client.SetNX(ctx, s.prefix+fingerprint, expiresAt.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return set, nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}
