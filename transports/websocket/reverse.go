package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/subscription"
	"github.com/feedmux/feedmux/pkg/transport"
)

// ReverseMap tracks provider-side identifiers back to the adapter params
// that subscribed them, so out-of-band provider payloads can be mapped onto
// requester fingerprints.
type ReverseMap struct {
	mu sync.RWMutex
	m  map[string]map[string]any
}

// NewReverseMap creates an empty reverse map.
func NewReverseMap() *ReverseMap {
	return &ReverseMap{m: make(map[string]map[string]any)}
}

// Put records the params behind a provider id.
func (r *ReverseMap) Put(providerID string, params map[string]any) {
	r.mu.Lock()
	r.m[providerID] = params
	r.mu.Unlock()
}

// Get resolves a provider id to the params that subscribed it.
func (r *ReverseMap) Get(providerID string) (map[string]any, bool) {
	r.mu.RLock()
	params, ok := r.m[providerID]
	r.mu.RUnlock()
	return params, ok
}

// ReverseMappingConfig configures the reverse-mapping WebSocket variant.
// The mapping is populated while building subscribe messages and consulted
// by the message handler.
type ReverseMappingConfig struct {
	URL     func(ctx context.Context, desired []subscription.Subscription, settings *config.Settings) (string, error)
	Headers http.Header

	// ProviderID derives the provider's identifier for a param set.
	ProviderID func(params map[string]any) (string, error)

	// SubscribeMessage builds the subscribe payload given the provider id.
	SubscribeMessage func(providerID string, params map[string]any) (any, error)

	// UnsubscribeMessage is optional.
	UnsubscribeMessage func(providerID string, params map[string]any) (any, error)

	// HandleMessage resolves provider payloads through the reverse lookup.
	HandleMessage func(msg []byte, lookup func(providerID string) (map[string]any, bool)) ([]transport.Result, error)

	Open      func(ctx context.Context, conn Sender, settings *config.Settings) error
	Heartbeat func(ctx context.Context, conn Sender) error
}

// NewReverseMapping creates a WebSocket transport that carries a provider-id
// reverse map. Mappings persist across unsubscribes so late provider frames
// still resolve.
func NewReverseMapping(cfg ReverseMappingConfig) *Transport {
	rm := NewReverseMap()

	base := Config{
		Headers: cfg.Headers,
		SubscribeMessage: func(params map[string]any) (any, error) {
			id, err := cfg.ProviderID(params)
			if err != nil {
				return nil, err
			}
			rm.Put(id, params)
			return cfg.SubscribeMessage(id, params)
		},
		HandleMessage: func(msg []byte) ([]transport.Result, error) {
			return cfg.HandleMessage(msg, rm.Get)
		},
		Open:      cfg.Open,
		Heartbeat: cfg.Heartbeat,
	}

	if cfg.URL != nil {
		base.URL = cfg.URL
	}

	if cfg.UnsubscribeMessage != nil {
		base.UnsubscribeMessage = func(params map[string]any) (any, error) {
			id, err := cfg.ProviderID(params)
			if err != nil {
				return nil, err
			}
			return cfg.UnsubscribeMessage(id, params)
		}
	}

	return New(base)
}
