package httpbatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmux/feedmux/caches/memory"
	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/observability"
	"github.com/feedmux/feedmux/internal/ratelimit"
	"github.com/feedmux/feedmux/internal/requester"
	"github.com/feedmux/feedmux/internal/subscription"
	"github.com/feedmux/feedmux/pkg/cache"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

func newTestDeps(t *testing.T) (*transport.Dependencies, cache.Cache, *transport.ResponseCache) {
	t.Helper()

	store := memory.New(memory.Config{MaxItems: 100, DefaultTTL: time.Minute})
	keyGen := cache.NewKeyGenerator(0)
	rc := transport.NewResponseCache(store, keyGen, "TEST", "price", "rest", time.Minute, nil)

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  observability.ParseLevel("error"),
		Output: io.Discard,
	}, nil)
	limiter := ratelimit.New(ratelimit.Config{Strategy: config.StrategyFixedInterval})

	deps := &transport.Dependencies{
		AdapterName:   "TEST",
		EndpointName:  "price",
		Settings: &config.Settings{
			WarmupSubscriptionTTL: time.Minute,
			APITimeout:            5 * time.Second,
			CacheMaxAge:           time.Minute,
		},
		ResponseCache: rc,
		Subscriptions: subscription.NewLocalSet(100, nil),
		Requester:     requester.New(nil, limiter, 5*time.Second, logger),
		Logger:        logger,
	}
	return deps, store, rc
}

func priceConfig(serverURL string) Config {
	return Config{
		PrepareRequests: func(params []map[string]any, _ *config.Settings) ([]RequestBatch, error) {
			req, err := http.NewRequest(http.MethodGet, serverURL, nil)
			if err != nil {
				return nil, err
			}
			return []RequestBatch{{Params: params, Request: req}}, nil
		},
		ParseResponse: func(params []map[string]any, res *requester.Result) ([]transport.Result, error) {
			var body map[string]float64
			if err := json.Unmarshal(res.Body, &body); err != nil {
				return nil, err
			}
			results := make([]transport.Result, 0, len(params))
			for _, p := range params {
				base := p["base"].(string)
				results = append(results, transport.Result{
					Params:   p,
					Response: types.NewSuccessResponse(body[base], body, types.Timestamps{}),
				})
			}
			return results, nil
		},
	}
}

func TestTransport_InitializeRequiresCallbacks(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	tr := New(Config{})
	assert.Error(t, tr.Initialize(context.Background(), deps, "rest"))
}

func TestTransport_BackgroundExecuteFillsCache(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"eth": 2500.5, "btc": 60000}`))
	}))
	defer server.Close()

	deps, store, rc := newTestDeps(t)
	tr := New(priceConfig(server.URL))
	require.NoError(t, tr.Initialize(ctx, deps, "rest"))

	ethParams := map[string]any{"base": "eth"}
	require.NoError(t, tr.RegisterRequest(ctx, &transport.Request{
		CacheKey: rc.KeyFor(ethParams), Params: ethParams,
	}))

	require.NoError(t, tr.BackgroundExecute(ctx))

	value, err := store.Get(ctx, rc.KeyFor(ethParams))
	require.NoError(t, err)
	require.NotNil(t, value, "background execute writes the subscribed key")

	var resp types.Response
	require.NoError(t, json.Unmarshal(value, &resp))
	assert.Equal(t, float64(2500.5), resp.Result)
	assert.Positive(t, resp.Timestamps.ProviderDataRequestedUnixMs)
}

func TestTransport_BackgroundExecuteWithoutSubscriptionsIsNoop(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	deps, _, _ := newTestDeps(t)
	tr := New(priceConfig(server.URL))
	require.NoError(t, tr.Initialize(ctx, deps, "rest"))

	require.NoError(t, tr.BackgroundExecute(ctx))
	assert.Zero(t, calls.Load())
}

func TestTransport_ProviderFailureCachesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	deps, store, rc := newTestDeps(t)
	tr := New(priceConfig(server.URL))
	require.NoError(t, tr.Initialize(ctx, deps, "rest"))

	params := map[string]any{"base": "eth"}
	require.NoError(t, tr.RegisterRequest(ctx, &transport.Request{
		CacheKey: rc.KeyFor(params), Params: params,
	}))
	require.NoError(t, tr.BackgroundExecute(ctx))

	value, err := store.Get(ctx, rc.KeyFor(params))
	require.NoError(t, err)
	require.NotNil(t, value, "failures are cached so clients get a fast deterministic error")

	var resp types.Response
	require.NoError(t, json.Unmarshal(value, &resp))
	assert.True(t, resp.IsError())
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "Provider request failed with status 500")
}

func TestTransport_ParseFailureCachesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	deps, store, rc := newTestDeps(t)
	tr := New(priceConfig(server.URL))
	require.NoError(t, tr.Initialize(ctx, deps, "rest"))

	params := map[string]any{"base": "eth"}
	require.NoError(t, tr.RegisterRequest(ctx, &transport.Request{
		CacheKey: rc.KeyFor(params), Params: params,
	}))
	require.NoError(t, tr.BackgroundExecute(ctx))

	value, err := store.Get(ctx, rc.KeyFor(params))
	require.NoError(t, err)
	require.NotNil(t, value)

	var resp types.Response
	require.NoError(t, json.Unmarshal(value, &resp))
	assert.True(t, resp.IsError())
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
