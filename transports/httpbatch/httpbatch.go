// Package httpbatch implements the polling HTTP transport: client interest
// is tracked in a subscription set, and a background step batches subscribed
// params into provider requests whose results land in the cache.
package httpbatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/requester"
	"github.com/feedmux/feedmux/pkg/cache"
	"github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

// RequestBatch is one provider HTTP call covering a subset of the subscribed
// params. PrepareRequests may fan all params into one call, one call each, or
// anything between.
type RequestBatch struct {
	Params  []map[string]any
	Request *http.Request
}

// Config is the user-supplied behavior of an HTTP transport.
type Config struct {
	// PrepareRequests turns the subscribed params into provider calls.
	PrepareRequests func(params []map[string]any, settings *config.Settings) ([]RequestBatch, error)

	// ParseResponse maps a provider response back onto per-param results.
	ParseResponse func(params []map[string]any, res *requester.Result) ([]transport.Result, error)

	// Cost reports the call's API-credit cost; nil means 1.
	Cost func(res *requester.Result) float64

	// MaxConcurrentBatches caps parallel provider calls per background step.
	// Zero means 4.
	MaxConcurrentBatches int
}

// Transport is the HTTP batching transport.
type Transport struct {
	cfg  Config
	deps *transport.Dependencies
	name string
}

// New creates an HTTP batching transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Initialize implements transport.Transport.
func (t *Transport) Initialize(_ context.Context, deps *transport.Dependencies, name string) error {
	if t.cfg.PrepareRequests == nil || t.cfg.ParseResponse == nil {
		return fmt.Errorf("httpbatch transport requires PrepareRequests and ParseResponse")
	}
	t.deps = deps
	t.name = name
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	return t.deps.Subscriptions.Close()
}

// RegisterRequest records interest in the request's params so the background
// step keeps them warm.
func (t *Transport) RegisterRequest(ctx context.Context, req *transport.Request) error {
	return t.deps.Subscriptions.Add(ctx, req.CacheKey, req.Params, t.deps.Settings.WarmupSubscriptionTTL)
}

// BackgroundPeriod implements transport.Scheduler.
func (t *Transport) BackgroundPeriod(settings *config.Settings) time.Duration {
	return settings.BackgroundExecuteMsHTTP
}

// BackgroundExecute refreshes every subscribed param set.
func (t *Transport) BackgroundExecute(ctx context.Context) error {
	subs, err := t.deps.Subscriptions.GetAll(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	params := make([]map[string]any, len(subs))
	for i, sub := range subs {
		params[i] = sub.Params
	}

	batches, err := t.cfg.PrepareRequests(params, t.deps.Settings)
	if err != nil {
		return err
	}

	concurrency := t.cfg.MaxConcurrentBatches
	if concurrency <= 0 {
		concurrency = 4
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, batch := range batches {
		batch := batch
		group.Go(func() error {
			t.executeBatch(groupCtx, batch)
			return nil
		})
	}
	return group.Wait()
}

// executeBatch runs one provider call and writes either its parsed results
// or an error envelope for every param set it covered.
func (t *Transport) executeBatch(ctx context.Context, batch RequestBatch) {
	coalesceKey := t.coalesceKey(batch.Params)
	req := batch.Request.WithContext(ctx)

	res, err := t.deps.Requester.Request(coalesceKey, t.deps.EndpointName, req)
	if err != nil {
		t.writeErrorEnvelope(ctx, batch.Params, fmt.Sprintf("Provider request failed: %v", err), types.Timestamps{
			ProviderDataRequestedUnixMs: types.NowUnixMs(),
			ProviderDataReceivedUnixMs:  types.NowUnixMs(),
		})
		return
	}

	cost := 1.0
	if t.cfg.Cost != nil {
		cost = t.cfg.Cost(res)
	}
	res.Settle(cost)

	if res.StatusCode >= 400 {
		t.writeErrorEnvelope(ctx, batch.Params,
			fmt.Sprintf("Provider request failed with status %d", res.StatusCode), res.Timestamps)
		return
	}

	results, err := t.cfg.ParseResponse(batch.Params, res)
	if err != nil {
		t.writeErrorEnvelope(ctx, batch.Params, fmt.Sprintf("Provider response parse failed: %v", err), res.Timestamps)
		return
	}

	for _, r := range results {
		if r.Response != nil && r.Response.Timestamps.ProviderDataRequestedUnixMs == 0 {
			r.Response.Timestamps.ProviderDataRequestedUnixMs = res.Timestamps.ProviderDataRequestedUnixMs
			r.Response.Timestamps.ProviderDataReceivedUnixMs = res.Timestamps.ProviderDataReceivedUnixMs
		}
	}

	if err := t.deps.ResponseCache.WriteBatch(ctx, results); err != nil {
		t.deps.Logger.Error("cache write failed", "error", err)
	}
}

func (t *Transport) writeErrorEnvelope(ctx context.Context, paramSets []map[string]any, message string, ts types.Timestamps) {
	adapterErr := errors.NewUpstreamError(message)
	if err := t.deps.ResponseCache.WriteError(ctx, paramSets, adapterErr, ts); err != nil {
		t.deps.Logger.Error("error envelope write failed", "error", err)
	}
	t.deps.Logger.Warn("provider batch failed", "message", message, "params", len(paramSets))
}

// coalesceKey fingerprints (endpoint, transport, batch) so concurrent ticks
// and foreground executes share one provider call per batch shape.
func (t *Transport) coalesceKey(paramSets []map[string]any) string {
	batch := make([]any, len(paramSets))
	for i, p := range paramSets {
		batch[i] = p
	}
	gen := cache.NewKeyGenerator(0)
	return gen.Generate(cache.KeyParams{
		Adapter:   t.deps.AdapterName,
		Endpoint:  t.deps.EndpointName,
		Transport: t.name,
		Data:      map[string]any{"batch": batch},
	})
}

var (
	_ transport.Registerer         = (*Transport)(nil)
	_ transport.BackgroundExecutor = (*Transport)(nil)
	_ transport.Scheduler          = (*Transport)(nil)
)
