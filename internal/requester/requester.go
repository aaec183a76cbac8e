// Package requester provides the central data-provider HTTP client. Calls
// with the same coalesce key share one in-flight request, and every real
// request passes rate-limit admission first.
package requester

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/observability"
	"github.com/feedmux/feedmux/internal/ratelimit"
	"github.com/feedmux/feedmux/pkg/types"
)

// Result is a completed provider call: raw body plus the timing metadata
// transports stamp into response envelopes.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Timestamps types.Timestamps

	admission ratelimit.Admission
	settle    sync.Once
}

// Settle reports the request's real cost in API credits. Coalesced sharers
// may all call it; only the first settlement counts.
func (r *Result) Settle(cost float64) {
	r.settle.Do(func() {
		if r.admission != nil {
			r.admission.Settle(cost)
		}
	})
}

// Requester serializes outbound DP traffic. Retries are deliberately absent
// at this layer; transports own retry policy.
type Requester struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	timeout time.Duration
	logger  *observability.Logger
	group   singleflight.Group
}

// New creates a requester. A nil client uses http.DefaultClient's transport
// with the given per-request timeout.
func New(client *http.Client, limiter *ratelimit.Limiter, timeout time.Duration, logger *observability.Logger) *Requester {
	if client == nil {
		client = &http.Client{}
	}
	return &Requester{
		client:  client,
		limiter: limiter,
		timeout: timeout,
		logger:  logger,
	}
}

// Request executes req, coalescing concurrent calls that share coalesceKey
// onto a single HTTP call. endpoint names the rate-limit allocation to charge.
func (r *Requester) Request(coalesceKey, endpoint string, req *http.Request) (*Result, error) {
	value, err, shared := r.group.Do(coalesceKey, func() (any, error) {
		return r.execute(endpoint, req)
	})
	if shared {
		metrics.CoalescedRequests.Inc()
	}
	if err != nil {
		return nil, err
	}
	return value.(*Result), nil
}

func (r *Requester) execute(endpoint string, req *http.Request) (*Result, error) {
	ctx := req.Context()

	admission, err := r.limiter.Acquire(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if r.timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		req = req.WithContext(timeoutCtx)
	}

	requested := types.NowUnixMs()
	start := time.Now()
	resp, err := r.client.Do(req)
	duration := time.Since(start)
	metrics.ProviderRequestDuration.Observe(duration.Seconds())

	if err != nil {
		metrics.ProviderRequests.WithLabelValues("error").Inc()
		r.logger.Warn("provider request failed",
			"endpoint", endpoint, "url", req.URL.String(), "duration_ms", duration.Milliseconds(), "error", err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	metrics.ProviderRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("provider request complete",
		"endpoint", endpoint, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header,
		Timestamps: types.Timestamps{
			ProviderDataRequestedUnixMs: requested,
			ProviderDataReceivedUnixMs:  types.NowUnixMs(),
		},
		admission: admission,
	}, nil
}
