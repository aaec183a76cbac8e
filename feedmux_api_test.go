package feedmux_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmux/feedmux"
	"github.com/feedmux/feedmux/caches/memory"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
	"github.com/feedmux/feedmux/transports/httpbatch"
	"github.com/feedmux/feedmux/transports/websocket"
)

// This file builds an adapter from outside the module, the way a real
// integration would, so every type a callback or config field names must be
// importable here.

func externalSettings() *feedmux.Settings {
	return &feedmux.Settings{
		Mode:                      feedmux.ModeReaderWriter,
		Host:                      "localhost",
		Port:                      8080,
		BaseURL:                   "/",
		CacheType:                 feedmux.CacheLocal,
		CacheMaxAge:               time.Minute,
		CacheMaxItems:             1000,
		CachePollingMaxRetries:    3,
		CachePollingSleep:         10 * time.Millisecond,
		MaxCommonKeySize:          300,
		MaxPayloadSize:            1 << 20,
		RateLimitingStrategy:      feedmux.StrategyFixedInterval,
		MaxHTTPRequestQueueLength: 10,
		BackgroundExecuteMsHTTP:   20 * time.Millisecond,
		BackgroundExecuteMsWS:     20 * time.Millisecond,
		BackgroundExecuteTimeout:  time.Second,
		WarmupSubscriptionTTL:     time.Minute,
		SubscriptionSetMaxItems:   1000,
		WSSubscriptionTTL:         time.Minute,
		APITimeout:                time.Second,
		LogLevel:                  "error",
		Custom:                    map[string]string{"API_ENDPOINT": "http://unused"},
	}
}

func TestPublicSurface_BuildsAnAdapter(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"eth": 2500.5}`))
	}))
	defer provider.Close()

	rest := httpbatch.New(httpbatch.Config{
		PrepareRequests: func(params []map[string]any, settings *feedmux.Settings) ([]httpbatch.RequestBatch, error) {
			req, err := http.NewRequest(http.MethodGet, provider.URL, nil)
			if err != nil {
				return nil, err
			}
			return []httpbatch.RequestBatch{{Params: params, Request: req}}, nil
		},
		ParseResponse: func(params []map[string]any, res *feedmux.ProviderResult) ([]transport.Result, error) {
			var body map[string]float64
			if err := json.Unmarshal(res.Body, &body); err != nil {
				return nil, err
			}
			results := make([]transport.Result, 0, len(params))
			for _, p := range params {
				base := p["base"].(string)
				results = append(results, transport.Result{
					Params:   p,
					Response: types.NewSuccessResponse(body[base], body, res.Timestamps),
				})
			}
			return results, nil
		},
	})

	stream := websocket.New(websocket.Config{
		URL: func(_ context.Context, desired []feedmux.Subscription, settings *feedmux.Settings) (string, error) {
			return "ws://unused", nil
		},
		SubscribeMessage: func(params map[string]any) (any, error) {
			return map[string]string{"subscribe": params["base"].(string)}, nil
		},
		HandleMessage: func(msg []byte) ([]transport.Result, error) {
			return nil, nil
		},
	})

	store := memory.New(memory.Config{MaxItems: 100, DefaultTTL: time.Minute})
	a, err := feedmux.New(feedmux.Config{
		Name: "EXTDEMO",
		Endpoints: []*feedmux.Endpoint{{
			Name: "price",
			Transports: map[string]transport.Transport{
				"rest": rest,
				"ws":   stream,
			},
			DefaultTransport: "rest",
			InputParameters: feedmux.InputParameters{
				"base": {Type: feedmux.ParamString, Required: true},
			},
		}},
		Tiers: map[string]feedmux.Tier{
			"free": {RateLimit1m: 60},
			"pro":  {RateLimit1m: 600},
		},
		CustomSettings: []feedmux.SettingDescriptor{
			{Name: "API_ENDPOINT", Type: feedmux.SettingString, Default: "http://unused"},
		},
	},
		feedmux.WithSettings(externalSettings()),
		feedmux.WithCache(store),
		feedmux.WithLogOutput(io.Discard),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	req := &feedmux.Request{Data: json.RawMessage(`{"endpoint":"price","base":"eth"}`)}

	resolved, aerr := a.Resolve(ctx, req)
	require.Nil(t, aerr)
	assert.Equal(t, "price", resolved.EndpointName)
	assert.Equal(t, "rest", resolved.TransportName)

	envelope, err := json.Marshal(types.NewSuccessResponse(2500.5, nil, feedmux.Timestamps{}))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, resolved.CacheKey, envelope, time.Minute))

	resp, aerr := a.HandleRequest(ctx, req)
	require.Nil(t, aerr)
	assert.Equal(t, float64(2500.5), resp.Result)
}
