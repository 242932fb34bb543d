package cache

import (
	"context"
	"time"
)

// DisabledBackend is a no-op Backend: every lookup misses, every write
// succeeds without storing anything.
type DisabledBackend struct{}

func (DisabledBackend) Lookup(ctx context.Context, key string, maxAge time.Duration) ([]byte, bool, error) {
	return nil, false, nil
}

func (DisabledBackend) Write(ctx context.Context, key string, data []byte) error {
	return nil
}
