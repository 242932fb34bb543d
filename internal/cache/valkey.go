package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValkeyBackend stores entries in Redis/Valkey with a TTL, grounded on the
// teacher's own use of *redis.Client for TTL'd keys
// (registry/service.go#setResultStreamTTL, s.rdb.Expire).
type ValkeyBackend struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewValkeyBackend wraps an existing *redis.Client. ttl of zero means
// entries never expire.
func NewValkeyBackend(rdb *redis.Client, keyPrefix string, ttl time.Duration) *ValkeyBackend {
	if keyPrefix == "" {
		keyPrefix = "tensorzero:cache:"
	}
	return &ValkeyBackend{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (v *ValkeyBackend) fullKey(key string) string {
	return v.keyPrefix + key
}

// Lookup ignores maxAge: an entry's age is bounded only by the TTL set when
// it was written.
func (v *ValkeyBackend) Lookup(ctx context.Context, key string, maxAge time.Duration) ([]byte, bool, error) {
	data, err := v.rdb.Get(ctx, v.fullKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (v *ValkeyBackend) Write(ctx context.Context, key string, data []byte) error {
	return v.rdb.Set(ctx, v.fullKey(key), data, v.ttl).Err()
}
