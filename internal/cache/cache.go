package cache

import (
	"context"
	"time"
)

// BytesCache is a best-effort byte store; a miss and an outage look the same
// to callers that ignore the error.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
