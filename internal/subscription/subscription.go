// Package subscription implements the TTL'd sets of input params a transport
// is responsible for keeping fresh. Background-execute treats GetAll as
// ground truth for "what to refresh".
package subscription

import (
	"context"
	"time"
)

// Subscription is one entry: the cache key it feeds and the input params
// needed to refresh it.
type Subscription struct {
	Key    string         `json:"key"`
	Params map[string]any `json:"params"`
}

// Set is a TTL'd set of subscriptions. Add is idempotent per key: a repeated
// add refreshes the TTL (and recency, for the local variant).
type Set interface {
	Add(ctx context.Context, key string, params map[string]any, ttl time.Duration) error
	GetAll(ctx context.Context) ([]Subscription, error)
	Close() error
}

// Factory creates the subscription set for an (endpoint, transport) pair.
// The adapter owns the factory; each transport owns the set it receives.
type Factory func(endpoint, transport string) (Set, error)
