// Package sse implements the server-sent-events transport: a long-lived
// event stream feeding the cache, with subscribe/unsubscribe and keepalive as
// plain HTTP side-calls through the requester.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/subscription"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

// Event is one parsed SSE event.
type Event struct {
	Type string
	ID   string
	Data []byte
}

// Config is the user-supplied behavior of an SSE transport.
type Config struct {
	// PrepareStreamRequest builds the long-lived stream request.
	PrepareStreamRequest func(ctx context.Context, desired []subscription.Subscription, settings *config.Settings) (*http.Request, error)

	// PrepareSubscribeRequest builds the side-call announcing interest in
	// one param set. Optional.
	PrepareSubscribeRequest func(params map[string]any, settings *config.Settings) (*http.Request, error)

	// PrepareUnsubscribeRequest builds the side-call dropping one param set.
	// Optional.
	PrepareUnsubscribeRequest func(params map[string]any, settings *config.Settings) (*http.Request, error)

	// PrepareKeepaliveRequest builds the periodic keep-alive side-call.
	// Optional; issued every SSE_KEEPALIVE_SLEEP while the stream is open.
	PrepareKeepaliveRequest func(settings *config.Settings) (*http.Request, error)

	// HandleEvent turns one typed event into zero or more results.
	HandleEvent func(ev Event) ([]transport.Result, error)
}

// Transport is the SSE streaming transport.
type Transport struct {
	cfg  Config
	deps *transport.Dependencies
	name string

	mu            sync.Mutex
	streamOpen    bool
	streamURL     string
	cancelStream  context.CancelFunc
	streamDone    chan struct{}
	subscribed    map[string]map[string]any
	connectedAtMs int64
	lastKeepalive time.Time
	client        *http.Client
}

// New creates an SSE transport.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:        cfg,
		subscribed: make(map[string]map[string]any),
		client:     &http.Client{},
	}
}

// Initialize implements transport.Transport.
func (t *Transport) Initialize(_ context.Context, deps *transport.Dependencies, name string) error {
	if t.cfg.PrepareStreamRequest == nil || t.cfg.HandleEvent == nil {
		return fmt.Errorf("sse transport requires PrepareStreamRequest and HandleEvent")
	}
	t.deps = deps
	t.name = name
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeStreamLocked()
	t.mu.Unlock()
	return t.deps.Subscriptions.Close()
}

// RegisterRequest records interest with the SSE subscription TTL.
func (t *Transport) RegisterRequest(ctx context.Context, req *transport.Request) error {
	return t.deps.Subscriptions.Add(ctx, req.CacheKey, req.Params, t.deps.Settings.SSESubscriptionTTL)
}

// BackgroundPeriod implements transport.Scheduler.
func (t *Transport) BackgroundPeriod(settings *config.Settings) time.Duration {
	return settings.BackgroundExecuteMsSSE
}

// BackgroundExecute keeps the stream and its subscriptions in sync with the
// desired set.
func (t *Transport) BackgroundExecute(ctx context.Context) error {
	desired, err := t.deps.Subscriptions.GetAll(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(desired) == 0 {
		if t.streamOpen {
			t.deps.Logger.Info("no active subscriptions, closing event stream")
			t.closeStreamLocked()
		}
		return nil
	}

	if !t.streamOpen {
		if err := t.openStreamLocked(ctx, desired); err != nil {
			return err
		}
	}

	if err := t.reconcileLocked(ctx, desired); err != nil {
		return err
	}

	if t.cfg.PrepareKeepaliveRequest != nil &&
		t.deps.Settings.SSEKeepaliveSleep > 0 &&
		time.Since(t.lastKeepalive) >= t.deps.Settings.SSEKeepaliveSleep {
		if err := t.sideCall(ctx, "keepalive", func() (*http.Request, error) {
			return t.cfg.PrepareKeepaliveRequest(t.deps.Settings)
		}); err != nil {
			t.deps.Logger.Warn("keepalive failed", "error", err)
		}
		t.lastKeepalive = time.Now()
	}

	return nil
}

func (t *Transport) openStreamLocked(ctx context.Context, desired []subscription.Subscription) error {
	req, err := t.cfg.PrepareStreamRequest(ctx, desired, t.deps.Settings)
	if err != nil {
		return err
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/event-stream")
	}

	// The stream outlives this tick; it gets its own cancelable context.
	streamCtx, cancel := context.WithCancel(context.Background())
	resp, err := t.client.Do(req.WithContext(streamCtx))
	if err != nil {
		cancel()
		return fmt.Errorf("sse stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("sse stream connect: provider returned status %d", resp.StatusCode)
	}

	t.cancelStream = cancel
	t.streamOpen = true
	t.streamURL = req.URL.String()
	t.connectedAtMs = types.NowUnixMs()
	t.lastKeepalive = time.Now()
	t.subscribed = make(map[string]map[string]any)
	t.streamDone = make(chan struct{})

	go t.readLoop(resp, t.streamDone)

	t.deps.Logger.Info("event stream established", "url", t.streamURL)
	return nil
}

func (t *Transport) reconcileLocked(ctx context.Context, desired []subscription.Subscription) error {
	desiredByKey := make(map[string]map[string]any, len(desired))
	for _, sub := range desired {
		desiredByKey[sub.Key] = sub.Params
	}

	for key, params := range t.subscribed {
		if _, still := desiredByKey[key]; still {
			continue
		}
		if t.cfg.PrepareUnsubscribeRequest != nil {
			if err := t.sideCall(ctx, "unsubscribe", func() (*http.Request, error) {
				return t.cfg.PrepareUnsubscribeRequest(params, t.deps.Settings)
			}); err != nil {
				return err
			}
		}
		delete(t.subscribed, key)
	}

	for key, params := range desiredByKey {
		if _, have := t.subscribed[key]; have {
			continue
		}
		if t.cfg.PrepareSubscribeRequest != nil {
			if err := t.sideCall(ctx, "subscribe", func() (*http.Request, error) {
				return t.cfg.PrepareSubscribeRequest(params, t.deps.Settings)
			}); err != nil {
				return err
			}
		}
		t.subscribed[key] = params
	}
	return nil
}

// sideCall issues a rate-limited HTTP call through the shared requester.
func (t *Transport) sideCall(ctx context.Context, kind string, build func() (*http.Request, error)) error {
	req, err := build()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s-%s-%s-%s-%s", t.deps.AdapterName, t.deps.EndpointName, t.name, kind, req.URL.String())
	res, err := t.deps.Requester.Request(key, t.deps.EndpointName, req.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Settle(1)
	if res.StatusCode >= 400 {
		return fmt.Errorf("sse %s call returned status %d", kind, res.StatusCode)
	}
	return nil
}

// readLoop parses the SSE wire format (event/id/data fields, blank-line
// dispatch) and writes handler results into the cache.
func (t *Transport) readLoop(resp *http.Response, done chan struct{}) {
	defer close(done)
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev Event
	for scanner.Scan() {
		line := scanner.Bytes()

		if len(bytes.TrimSpace(line)) == 0 {
			if len(ev.Data) > 0 {
				t.dispatch(ev)
			}
			ev = Event{}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Type = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("id:")):
			ev.ID = string(bytes.TrimSpace(line[len("id:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimSpace(line[len("data:"):])
			if len(ev.Data) > 0 {
				ev.Data = append(append(ev.Data, '\n'), data...)
			} else {
				ev.Data = append([]byte(nil), data...)
			}
		case bytes.HasPrefix(line, []byte(":")):
			// comment/keep-alive line
		}
	}

	t.mu.Lock()
	if t.streamDone == done && t.streamOpen {
		t.deps.Logger.Warn("event stream ended, will reconnect", "error", scanner.Err())
		t.closeStreamLocked()
	}
	t.mu.Unlock()
}

func (t *Transport) dispatch(ev Event) {
	results, err := t.cfg.HandleEvent(ev)
	if err != nil {
		t.deps.Logger.Warn("event handler failed", "event_type", ev.Type, "error", err)
		return
	}
	if len(results) == 0 {
		return
	}

	t.mu.Lock()
	connectedAt := t.connectedAtMs
	t.mu.Unlock()

	now := types.NowUnixMs()
	for _, r := range results {
		if r.Response == nil {
			continue
		}
		ts := &r.Response.Timestamps
		if ts.ProviderDataReceivedUnixMs == 0 {
			ts.ProviderDataReceivedUnixMs = now
		}
		ts.ProviderDataStreamEstablishedUnixMs = connectedAt
	}

	if err := t.deps.ResponseCache.WriteBatch(context.Background(), results); err != nil {
		t.deps.Logger.Error("cache write failed", "error", err)
	}
}

func (t *Transport) closeStreamLocked() {
	if t.cancelStream != nil {
		t.cancelStream()
		t.cancelStream = nil
	}
	t.streamOpen = false
	t.subscribed = make(map[string]map[string]any)
}

var (
	_ transport.Registerer         = (*Transport)(nil)
	_ transport.BackgroundExecutor = (*Transport)(nil)
	_ transport.Scheduler          = (*Transport)(nil)
)
