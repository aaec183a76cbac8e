package sse

import (
	"context"
	"fmt"
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

func newSSEDeps(t *testing.T) (*transport.Dependencies, cache.Cache, *transport.ResponseCache) {
	t.Helper()

	store := memory.New(memory.Config{MaxItems: 100, DefaultTTL: time.Minute})
	keyGen := cache.NewKeyGenerator(0)
	rc := transport.NewResponseCache(store, keyGen, "TEST", "price", "sse", time.Minute, nil)

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  observability.ParseLevel("error"),
		Output: io.Discard,
	}, nil)
	limiter := ratelimit.New(ratelimit.Config{Strategy: config.StrategyFixedInterval})

	deps := &transport.Dependencies{
		AdapterName:  "TEST",
		EndpointName: "price",
		Settings: &config.Settings{
			APITimeout:         5 * time.Second,
			CacheMaxAge:        time.Minute,
			SSESubscriptionTTL: time.Minute,
			SSEKeepaliveSleep:  0,
		},
		ResponseCache: rc,
		Subscriptions: subscription.NewLocalSet(100, nil),
		Requester:     requester.New(nil, limiter, 5*time.Second, logger),
		Logger:        logger,
	}
	return deps, store, rc
}

type sseTick struct {
	Pair  string  `json:"pair"`
	Price float64 `json:"price"`
}

func tickStreamConfig(streamURL, sideURL string) Config {
	cfg := Config{
		PrepareStreamRequest: func(ctx context.Context, _ []subscription.Subscription, _ *config.Settings) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, streamURL, nil)
		},
		HandleEvent: func(ev Event) ([]transport.Result, error) {
			if ev.Type != "price" {
				return nil, nil
			}
			var tick sseTick
			if err := json.Unmarshal(ev.Data, &tick); err != nil {
				return nil, err
			}
			return []transport.Result{{
				Params:   map[string]any{"base": tick.Pair},
				Response: types.NewSuccessResponse(tick.Price, tick, types.Timestamps{}),
			}}, nil
		},
	}
	if sideURL != "" {
		cfg.PrepareSubscribeRequest = func(params map[string]any, _ *config.Settings) (*http.Request, error) {
			url := fmt.Sprintf("%s/subscribe?pair=%s", sideURL, params["base"])
			return http.NewRequest(http.MethodPost, url, nil)
		}
		cfg.PrepareUnsubscribeRequest = func(params map[string]any, _ *config.Settings) (*http.Request, error) {
			url := fmt.Sprintf("%s/unsubscribe?pair=%s", sideURL, params["base"])
			return http.NewRequest(http.MethodPost, url, nil)
		}
	}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestTransport_InitializeRequiresCallbacks(t *testing.T) {
	deps, _, _ := newSSEDeps(t)
	tr := New(Config{})
	assert.Error(t, tr.Initialize(context.Background(), deps, "sse"))
}

func TestTransport_StreamEventsLandInCache(t *testing.T) {
	ctx := context.Background()
	events := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case ev := <-events:
				_, _ = io.WriteString(w, ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer server.Close()

	deps, store, rc := newSSEDeps(t)
	tr := New(tickStreamConfig(server.URL, ""))
	require.NoError(t, tr.Initialize(ctx, deps, "sse"))
	defer func() { _ = tr.Close() }()

	params := map[string]any{"base": "eth"}
	key := rc.KeyFor(params)
	require.NoError(t, tr.RegisterRequest(ctx, &transport.Request{CacheKey: key, Params: params}))
	require.NoError(t, tr.BackgroundExecute(ctx))

	events <- "event: price\nid: 1\ndata: {\"pair\":\"eth\",\"price\":2500.5}\n\n"

	waitFor(t, time.Second, func() bool {
		value, _ := store.Get(ctx, key)
		return value != nil
	})

	value, err := store.Get(ctx, key)
	require.NoError(t, err)
	var resp types.Response
	require.NoError(t, json.Unmarshal(value, &resp))
	assert.Equal(t, float64(2500.5), resp.Result)
	assert.Positive(t, resp.Timestamps.ProviderDataStreamEstablishedUnixMs)
}

func TestTransport_IgnoresCommentsAndForeignEvents(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "event: heartbeat\ndata: {}\n\n")
		_, _ = io.WriteString(w, "event: price\ndata: {\"pair\":\"eth\",\"price\":10}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	deps, store, rc := newSSEDeps(t)
	tr := New(tickStreamConfig(server.URL, ""))
	require.NoError(t, tr.Initialize(ctx, deps, "sse"))
	defer func() { _ = tr.Close() }()

	params := map[string]any{"base": "eth"}
	key := rc.KeyFor(params)
	require.NoError(t, tr.RegisterRequest(ctx, &transport.Request{CacheKey: key, Params: params}))
	require.NoError(t, tr.BackgroundExecute(ctx))

	waitFor(t, time.Second, func() bool {
		value, _ := store.Get(ctx, key)
		return value != nil
	})

	value, _ := store.Get(ctx, key)
	var resp types.Response
	require.NoError(t, json.Unmarshal(value, &resp))
	assert.Equal(t, float64(10), resp.Result)
}

func TestTransport_SubscribeSideCalls(t *testing.T) {
	ctx := context.Background()
	var subscribes, unsubscribes atomic.Int64
	side := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscribe":
			subscribes.Add(1)
		case "/unsubscribe":
			unsubscribes.Add(1)
		}
	}))
	defer side.Close()

	stream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer stream.Close()

	deps, _, rc := newSSEDeps(t)
	tr := New(tickStreamConfig(stream.URL, side.URL))
	require.NoError(t, tr.Initialize(ctx, deps, "sse"))
	defer func() { _ = tr.Close() }()

	params := map[string]any{"base": "eth"}
	require.NoError(t, deps.Subscriptions.Add(ctx, rc.KeyFor(params), params, 50*time.Millisecond))
	require.NoError(t, tr.BackgroundExecute(ctx))
	assert.Equal(t, int64(1), subscribes.Load())

	// Re-running with the same desired set sends nothing new.
	require.NoError(t, deps.Subscriptions.Add(ctx, rc.KeyFor(params), params, 50*time.Millisecond))
	require.NoError(t, tr.BackgroundExecute(ctx))
	assert.Equal(t, int64(1), subscribes.Load())

	// Once the entry lapses but another remains, it gets unsubscribed.
	other := map[string]any{"base": "btc"}
	require.NoError(t, deps.Subscriptions.Add(ctx, rc.KeyFor(other), other, time.Minute))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, tr.BackgroundExecute(ctx))
	assert.Equal(t, int64(1), unsubscribes.Load())
	assert.Equal(t, int64(2), subscribes.Load())
}

func TestTransport_StreamConnectFailure(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no streams for you", http.StatusForbidden)
	}))
	defer server.Close()

	deps, _, rc := newSSEDeps(t)
	tr := New(tickStreamConfig(server.URL, ""))
	require.NoError(t, tr.Initialize(ctx, deps, "sse"))
	defer func() { _ = tr.Close() }()

	params := map[string]any{"base": "eth"}
	require.NoError(t, deps.Subscriptions.Add(ctx, rc.KeyFor(params), params, time.Minute))

	err := tr.BackgroundExecute(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
