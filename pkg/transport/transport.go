// Package transport defines the contract between endpoints and the pluggable
// transports that produce fresh results into the cache, plus the scoped
// ResponseCache wrapper transports write through.
package transport

import (
	"context"
	"time"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/observability"
	"github.com/feedmux/feedmux/internal/requester"
	"github.com/feedmux/feedmux/internal/subscription"
	"github.com/feedmux/feedmux/pkg/types"
)

// Dependencies is everything the adapter lends a transport at initialize
// time. Transports own their subscription set and borrow the cache through
// the ResponseCache wrapper; the requester and settings are shared.
type Dependencies struct {
	AdapterName   string
	EndpointName  string
	Settings      *config.Settings
	ResponseCache *ResponseCache
	Subscriptions subscription.Set
	Requester     *requester.Requester
	Logger        *observability.Logger
}

// Request is the per-request view a transport receives: the fingerprint and
// the validated, transformed input params.
type Request struct {
	CacheKey      string
	Params        map[string]any
	EndpointName  string
	TransportName string
}

// Transport produces fresh data for its endpoint. The base interface only
// covers lifecycle; the optional capabilities below drive the request path
// and the background loop.
type Transport interface {
	Initialize(ctx context.Context, deps *Dependencies, transportName string) error
	Close() error
}

// Registerer is implemented by transports that track interest via a
// subscription set. RegisterRequest is fired on a background task by the
// request path.
type Registerer interface {
	RegisterRequest(ctx context.Context, req *Request) error
}

// ForegroundExecutor is implemented by transports that can produce a
// response synchronously inside the request. An empty envelope means "fall
// through to background polling"; an error fails the request.
type ForegroundExecutor interface {
	ForegroundExecute(ctx context.Context, req *Request) (*types.Response, error)
}

// BackgroundExecutor is implemented by transports the scheduler drives.
// A transport instance is never entered concurrently with itself.
type BackgroundExecutor interface {
	BackgroundExecute(ctx context.Context) error
}

// Scheduler is implemented by background executors that pick their own
// scheduling period from the settings. Without it the HTTP period applies.
type Scheduler interface {
	BackgroundPeriod(settings *config.Settings) time.Duration
}

// Result pairs the params identifying a cache entry with the envelope to
// store there.
type Result struct {
	Params   map[string]any
	Response *types.Response
}
