// Command example runs a sample crypto price adapter exercising all three
// transports against a configurable provider.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/feedmux/feedmux"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
	"github.com/feedmux/feedmux/transports/httpbatch"
	"github.com/feedmux/feedmux/transports/sse"
	"github.com/feedmux/feedmux/transports/websocket"
)

const (
	settingAPIKey  = "API_KEY"
	settingBaseURL = "PROVIDER_BASE_URL"
	settingWSURL   = "PROVIDER_WS_URL"
	settingSSEURL  = "PROVIDER_SSE_URL"
)

// priceTick is the provider's price payload, shared by all three transports.
type priceTick struct {
	Base  string  `json:"base"`
	Quote string  `json:"quote"`
	Price float64 `json:"price"`
	Time  int64   `json:"time,omitempty"`
}

func pairOf(params map[string]any) (base, quote string) {
	base, _ = params["base"].(string)
	quote, _ = params["quote"].(string)
	return strings.ToUpper(base), strings.ToUpper(quote)
}

func tickResult(tick priceTick) transport.Result {
	ts := types.Timestamps{}
	if tick.Time > 0 {
		t := tick.Time
		ts.ProviderIndicatedTimeUnixMs = &t
	}
	return transport.Result{
		Params: map[string]any{
			"base":  strings.ToLower(tick.Base),
			"quote": strings.ToLower(tick.Quote),
		},
		Response: types.NewSuccessResponse(tick.Price, tick, ts),
	}
}

// newRestTransport batches every subscribed pair into one provider call.
func newRestTransport() *httpbatch.Transport {
	return httpbatch.New(httpbatch.Config{
		PrepareRequests: func(params []map[string]any, settings *feedmux.Settings) ([]httpbatch.RequestBatch, error) {
			pairs := make([]string, 0, len(params))
			for _, p := range params {
				base, quote := pairOf(p)
				pairs = append(pairs, base+"-"+quote)
			}

			u, err := url.Parse(settings.Custom[settingBaseURL])
			if err != nil {
				return nil, err
			}
			u.Path = "/v1/prices"
			q := u.Query()
			q.Set("pairs", strings.Join(pairs, ","))
			u.RawQuery = q.Encode()

			req, err := http.NewRequest(http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("X-Api-Key", settings.Custom[settingAPIKey])

			return []httpbatch.RequestBatch{{Params: params, Request: req}}, nil
		},
		ParseResponse: func(_ []map[string]any, res *feedmux.ProviderResult) ([]transport.Result, error) {
			var body struct {
				Prices []priceTick `json:"prices"`
			}
			if err := json.Unmarshal(res.Body, &body); err != nil {
				return nil, err
			}
			results := make([]transport.Result, 0, len(body.Prices))
			for _, tick := range body.Prices {
				results = append(results, tickResult(tick))
			}
			return results, nil
		},
	})
}

// newWSTransport streams price ticks over a subscription socket.
func newWSTransport() *websocket.Transport {
	return websocket.New(websocket.Config{
		URL: func(_ context.Context, _ []feedmux.Subscription, settings *feedmux.Settings) (string, error) {
			return settings.Custom[settingWSURL], nil
		},
		Open: func(_ context.Context, conn websocket.Sender, settings *feedmux.Settings) error {
			return conn.SendJSON(map[string]string{
				"type":   "auth",
				"apiKey": settings.Custom[settingAPIKey],
			})
		},
		SubscribeMessage: func(params map[string]any) (any, error) {
			base, quote := pairOf(params)
			return map[string]string{"type": "subscribe", "pair": base + "-" + quote}, nil
		},
		UnsubscribeMessage: func(params map[string]any) (any, error) {
			base, quote := pairOf(params)
			return map[string]string{"type": "unsubscribe", "pair": base + "-" + quote}, nil
		},
		HandleMessage: func(msg []byte) ([]transport.Result, error) {
			var tick priceTick
			if err := json.Unmarshal(msg, &tick); err != nil {
				return nil, err
			}
			if tick.Base == "" {
				return nil, nil // heartbeat or ack
			}
			return []transport.Result{tickResult(tick)}, nil
		},
		Heartbeat: func(_ context.Context, conn websocket.Sender) error {
			return conn.SendJSON(map[string]string{"type": "ping"})
		},
	})
}

// newSSETransport consumes the provider's price event stream.
func newSSETransport() *sse.Transport {
	return sse.New(sse.Config{
		PrepareStreamRequest: func(ctx context.Context, desired []feedmux.Subscription, settings *feedmux.Settings) (*http.Request, error) {
			pairs := make([]string, 0, len(desired))
			for _, sub := range desired {
				base, quote := pairOf(sub.Params)
				pairs = append(pairs, base+"-"+quote)
			}
			u := fmt.Sprintf("%s/v1/stream?pairs=%s",
				settings.Custom[settingSSEURL], url.QueryEscape(strings.Join(pairs, ",")))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("X-Api-Key", settings.Custom[settingAPIKey])
			return req, nil
		},
		HandleEvent: func(ev sse.Event) ([]transport.Result, error) {
			if ev.Type != "price" {
				return nil, nil
			}
			var tick priceTick
			if err := json.Unmarshal(ev.Data, &tick); err != nil {
				return nil, err
			}
			return []transport.Result{tickResult(tick)}, nil
		},
	})
}

func main() {
	restAllocation := 60.0

	adapter, err := feedmux.New(feedmux.Config{
		Name:            "COINDEMO",
		DefaultEndpoint: "price",
		Endpoints: []*feedmux.Endpoint{{
			Name:    "price",
			Aliases: []string{"crypto"},
			Transports: map[string]transport.Transport{
				"rest":      newRestTransport(),
				"websocket": newWSTransport(),
				"sse":       newSSETransport(),
			},
			DefaultTransport: "rest",
			InputParameters: feedmux.InputParameters{
				"base": {
					Type:     feedmux.ParamString,
					Required: true,
					Aliases:  []string{"from", "coin"},
				},
				"quote": {
					Type:     feedmux.ParamString,
					Required: true,
					Aliases:  []string{"to", "market"},
				},
			},
			RateLimitAllocation: &restAllocation,
		}},
		Tiers: map[string]feedmux.Tier{
			"free": {RateLimit1m: 30},
			"pro":  {RateLimit1s: 10, RateLimit1m: 500},
		},
		CustomSettings: []feedmux.SettingDescriptor{
			{Name: settingAPIKey, Type: feedmux.SettingString, Required: true, Sensitive: true},
			{Name: settingBaseURL, Type: feedmux.SettingString, Default: "https://api.coindemo.example"},
			{Name: settingWSURL, Type: feedmux.SettingString, Default: "wss://stream.coindemo.example/ws"},
			{Name: settingSSEURL, Type: feedmux.SettingString, Default: "https://stream.coindemo.example"},
		},
	})
	if err != nil {
		log.Fatalf("adapter init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapter.Run(ctx); err != nil {
		log.Fatalf("adapter run: %v", err)
	}
}
