// Package cache defines the cache contract shared by the local and redis
// backends, plus the polling helper the request lifecycle uses to wait for
// background fills.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL'd byte store. Values are full adapter response envelopes.
type Cache interface {
	// Get returns the value for key, or nil if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites key with value for ttl. A ttl <= 0 uses the backend
	// default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}

// Entry is a key/value pair with TTL, used by batch writes.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// BatchWriter is implemented by backends that support pipelined writes.
// Transports writing many results per background tick prefer it.
type BatchWriter interface {
	SetBatch(ctx context.Context, entries []Entry) error
}

// SetBatch writes entries through the batch path when the backend supports
// it, falling back to sequential sets.
func SetBatch(ctx context.Context, c Cache, entries []Entry) error {
	if bw, ok := c.(BatchWriter); ok {
		return bw.SetBatch(ctx, entries)
	}
	for _, e := range entries {
		if err := c.Set(ctx, e.Key, e.Value, e.TTL); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports hit/miss counters for observability.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
	Errors int64
}

// PollForKey repeatedly gets key with a fixed sleep between attempts and
// returns the first non-absent value. After maxRetries attempts it returns
// nil. The first attempt is immediate. Context cancellation aborts the wait.
func PollForKey(ctx context.Context, c Cache, key string, maxRetries int, sleep time.Duration) ([]byte, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			timer.Reset(sleep)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		value, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if value != nil {
			return value, nil
		}
	}
	return nil, nil
}
