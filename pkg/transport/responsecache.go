package transport

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/pkg/cache"
	"github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/types"
)

// ResponseCache is a transport's write handle on the shared cache, scoped to
// one (adapter, endpoint, transport). It derives cache keys for provider
// results and serializes envelopes.
type ResponseCache struct {
	cache     cache.Cache
	keyGen    cache.KeyGenerator
	adapter   string
	endpoint  string
	transport string
	ttl       time.Duration
	settings  map[string]string
}

// NewResponseCache builds the scoped write handle. ttl is the envelope TTL
// (CACHE_MAX_AGE); settings are the adapter settings that are part of the
// cache identity.
func NewResponseCache(c cache.Cache, keyGen cache.KeyGenerator, adapter, endpoint, transport string, ttl time.Duration, settings map[string]string) *ResponseCache {
	return &ResponseCache{
		cache:     c,
		keyGen:    keyGen,
		adapter:   adapter,
		endpoint:  endpoint,
		transport: transport,
		ttl:       ttl,
		settings:  settings,
	}
}

// KeyFor derives the cache key for a set of input params.
func (rc *ResponseCache) KeyFor(params map[string]any) string {
	return rc.keyGen.Generate(cache.KeyParams{
		Adapter:   rc.adapter,
		Endpoint:  rc.endpoint,
		Transport: rc.transport,
		Data:      params,
		Settings:  rc.settings,
	})
}

// TTL returns the envelope TTL this handle writes with.
func (rc *ResponseCache) TTL() time.Duration {
	return rc.ttl
}

// Write stores one envelope under the key derived from params.
func (rc *ResponseCache) Write(ctx context.Context, params map[string]any, resp *types.Response) error {
	return rc.WriteBatch(ctx, []Result{{Params: params, Response: resp}})
}

// WriteBatch stores many results in one backend round trip where supported.
func (rc *ResponseCache) WriteBatch(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	entries := make([]cache.Entry, 0, len(results))
	for _, r := range results {
		value, err := json.Marshal(r.Response)
		if err != nil {
			return err
		}
		entries = append(entries, cache.Entry{
			Key:   rc.KeyFor(r.Params),
			Value: value,
			TTL:   rc.ttl,
		})
	}
	if err := cache.SetBatch(ctx, rc.cache, entries); err != nil {
		return err
	}
	metrics.CacheSetStaleness.WithLabelValues(rc.endpoint, rc.transport).Set(float64(types.NowUnixMs()))
	return nil
}

// WriteError stores an error envelope for every param set, so requests keep
// getting a deterministic failure instead of polling into a timeout.
func (rc *ResponseCache) WriteError(ctx context.Context, paramSets []map[string]any, adapterErr *errors.AdapterError, ts types.Timestamps) error {
	results := make([]Result, 0, len(paramSets))
	for _, params := range paramSets {
		results = append(results, Result{
			Params:   params,
			Response: types.NewErrorResponse(adapterErr, ts),
		})
	}
	return rc.WriteBatch(ctx, results)
}
