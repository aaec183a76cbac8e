// Package websocket implements the streaming WebSocket transport: the
// background step reconciles the subscription set against the open socket,
// and a read loop writes incoming provider messages into the cache.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/subscription"
	"github.com/feedmux/feedmux/pkg/transport"
	"github.com/feedmux/feedmux/pkg/types"
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateUnresponsive
)

// Sender lets user handlers (heartbeat, open) write to the socket without
// exposing the raw connection.
type Sender interface {
	SendJSON(v any) error
}

// Config is the user-supplied behavior of a WebSocket transport.
type Config struct {
	// URL builds the dial URL; desired subscriptions may parameterize it,
	// in which case a change of desired set forces a reconnect.
	URL func(ctx context.Context, desired []subscription.Subscription, settings *config.Settings) (string, error)

	// Headers for the dial handshake. Optional.
	Headers http.Header

	// SubscribeMessage builds the message sent for a newly desired sub.
	SubscribeMessage func(params map[string]any) (any, error)

	// UnsubscribeMessage builds the message sent for a stale sub. Optional;
	// nil means the peer times subscriptions out on its own.
	UnsubscribeMessage func(params map[string]any) (any, error)

	// HandleMessage turns one peer message into zero or more results.
	HandleMessage func(msg []byte) ([]transport.Result, error)

	// Open runs after the handshake, before any subscribe messages. An error
	// counts as a failed connection attempt. Optional.
	Open func(ctx context.Context, conn Sender, settings *config.Settings) error

	// Heartbeat runs every WS_HEARTBEAT_INTERVAL_MS while the socket is
	// open. An error stops the heartbeat until the next reconnect. Optional.
	Heartbeat func(ctx context.Context, conn Sender) error
}

// Transport is the WebSocket streaming transport.
type Transport struct {
	cfg  Config
	deps *transport.Dependencies
	name string

	mu            sync.Mutex
	state         ConnState
	conn          *gws.Conn
	dialedURL     string
	subscribed    map[string]map[string]any // cache key -> params
	connectedAtMs int64
	lastMessage   time.Time
	readDone      chan struct{}
	stopHeartbeat context.CancelFunc
}

// New creates a WebSocket transport.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:        cfg,
		subscribed: make(map[string]map[string]any),
	}
}

// Initialize implements transport.Transport.
func (t *Transport) Initialize(_ context.Context, deps *transport.Dependencies, name string) error {
	if t.cfg.URL == nil || t.cfg.SubscribeMessage == nil || t.cfg.HandleMessage == nil {
		return fmt.Errorf("websocket transport requires URL, SubscribeMessage, and HandleMessage")
	}
	t.deps = deps
	t.name = name
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	return t.deps.Subscriptions.Close()
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RegisterRequest records interest with the WS subscription TTL.
func (t *Transport) RegisterRequest(ctx context.Context, req *transport.Request) error {
	return t.deps.Subscriptions.Add(ctx, req.CacheKey, req.Params, t.deps.Settings.WSSubscriptionTTL)
}

// BackgroundPeriod implements transport.Scheduler.
func (t *Transport) BackgroundPeriod(settings *config.Settings) time.Duration {
	return settings.BackgroundExecuteMsWS
}

// BackgroundExecute reconciles the socket with the desired subscriptions.
func (t *Transport) BackgroundExecute(ctx context.Context) error {
	desired, err := t.deps.Subscriptions.GetAll(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Nothing desired: close an idle socket and wait for new interest.
	if len(desired) == 0 {
		if t.state == StateOpen {
			t.deps.Logger.Info("no active subscriptions, closing connection")
			t.teardownLocked()
		}
		return nil
	}

	url, err := t.cfg.URL(ctx, desired, t.deps.Settings)
	if err != nil {
		return err
	}

	if t.state == StateOpen {
		unresponsiveFor := time.Since(t.lastMessage)
		switch {
		case t.deps.Settings.WSSubscriptionUnresponsiveTTL > 0 && unresponsiveFor > t.deps.Settings.WSSubscriptionUnresponsiveTTL:
			t.state = StateUnresponsive
			t.deps.Logger.Warn("connection unresponsive, reconnecting",
				"silent_for_ms", unresponsiveFor.Milliseconds())
			t.teardownLocked()
		case url != t.dialedURL:
			t.deps.Logger.Info("subscription-derived url changed, reconnecting")
			t.teardownLocked()
		}
	}

	if t.state != StateOpen {
		if err := t.connectLocked(ctx, url); err != nil {
			metrics.WSConnections.WithLabelValues(t.deps.EndpointName, "failure").Inc()
			return err
		}
		metrics.WSConnections.WithLabelValues(t.deps.EndpointName, "success").Inc()
	}

	return t.reconcileLocked(desired)
}

// connectLocked dials and starts the read loop and heartbeat. Callers hold
// the mutex.
func (t *Transport) connectLocked(ctx context.Context, url string) error {
	t.state = StateConnecting

	dialer := gws.Dialer{HandshakeTimeout: t.deps.Settings.APITimeout}
	conn, resp, err := dialer.DialContext(ctx, url, t.cfg.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.state = StateDisconnected
		return fmt.Errorf("websocket dial %s: %w", url, err)
	}

	if t.cfg.Open != nil {
		if err := t.cfg.Open(ctx, jsonSender{conn: conn}, t.deps.Settings); err != nil {
			_ = conn.Close()
			t.state = StateDisconnected
			return fmt.Errorf("websocket open handler: %w", err)
		}
	}

	t.conn = conn
	t.dialedURL = url
	t.state = StateOpen
	t.connectedAtMs = types.NowUnixMs()
	t.lastMessage = time.Now()
	t.subscribed = make(map[string]map[string]any)
	t.readDone = make(chan struct{})

	go t.readLoop(conn, t.readDone)

	if t.cfg.Heartbeat != nil && t.deps.Settings.WSHeartbeatInterval > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		t.stopHeartbeat = cancel
		go t.heartbeatLoop(hbCtx, conn)
	}

	t.deps.Logger.Info("websocket connected", "url", url)
	return nil
}

// reconcileLocked sends subscribe messages for new entries and unsubscribe
// messages for stale ones. Callers hold the mutex.
func (t *Transport) reconcileLocked(desired []subscription.Subscription) error {
	desiredByKey := make(map[string]map[string]any, len(desired))
	for _, sub := range desired {
		desiredByKey[sub.Key] = sub.Params
	}

	for key, params := range t.subscribed {
		if _, still := desiredByKey[key]; still {
			continue
		}
		if t.cfg.UnsubscribeMessage != nil {
			msg, err := t.cfg.UnsubscribeMessage(params)
			if err != nil {
				return err
			}
			if err := t.conn.WriteJSON(msg); err != nil {
				return err
			}
		}
		delete(t.subscribed, key)
	}

	for key, params := range desiredByKey {
		if _, have := t.subscribed[key]; have {
			continue
		}
		msg, err := t.subscribeMessage(key, params)
		if err != nil {
			return err
		}
		if err := t.conn.WriteJSON(msg); err != nil {
			return err
		}
		t.subscribed[key] = params
	}
	return nil
}

// subscribeMessage is a hook point for the reverse-mapping variant.
func (t *Transport) subscribeMessage(_ string, params map[string]any) (any, error) {
	return t.cfg.SubscribeMessage(params)
}

// readLoop processes peer messages in arrival order until the socket dies.
func (t *Transport) readLoop(conn *gws.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn && t.state == StateOpen {
				t.deps.Logger.Warn("websocket read failed, will reconnect", "error", err)
				t.state = StateDisconnected
				t.conn = nil
			}
			t.mu.Unlock()
			return
		}

		t.mu.Lock()
		t.lastMessage = time.Now()
		connectedAt := t.connectedAtMs
		t.mu.Unlock()
		metrics.WSMessages.WithLabelValues(t.deps.EndpointName).Inc()

		results, err := t.cfg.HandleMessage(msg)
		if err != nil {
			t.deps.Logger.Warn("websocket message handler failed", "error", err)
			continue
		}
		if len(results) == 0 {
			continue
		}

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
}

// heartbeatLoop invokes the user heartbeat until it errors or the connection
// is torn down.
func (t *Transport) heartbeatLoop(ctx context.Context, conn *gws.Conn) {
	ticker := time.NewTicker(t.deps.Settings.WSHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.cfg.Heartbeat(ctx, jsonSender{conn: conn}); err != nil {
				t.deps.Logger.Warn("heartbeat failed, stopping until reconnect", "error", err)
				return
			}
		}
	}
}

// teardownLocked closes the socket and stops its goroutines. Callers hold
// the mutex.
func (t *Transport) teardownLocked() {
	if t.stopHeartbeat != nil {
		t.stopHeartbeat()
		t.stopHeartbeat = nil
	}
	if t.conn != nil {
		t.state = StateClosing
		_ = t.conn.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.state = StateDisconnected
	t.subscribed = make(map[string]map[string]any)
}

type jsonSender struct {
	conn *gws.Conn
}

func (s jsonSender) SendJSON(v any) error {
	return s.conn.WriteJSON(v)
}

var (
	_ transport.Registerer         = (*Transport)(nil)
	_ transport.BackgroundExecutor = (*Transport)(nil)
	_ transport.Scheduler          = (*Transport)(nil)
)
