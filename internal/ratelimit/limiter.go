package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/pkg/errors"
)

// Admission is a granted rate-limit slot. The api-credit strategy settles the
// real request cost once the transport learns it from the provider response;
// the other strategies ignore settlement.
type Admission interface {
	// Settle reports the actual cost of the admitted request in credits.
	Settle(cost float64)
}

// Limiter admits outbound provider requests per endpoint.
type Limiter struct {
	strategy  config.RateLimitingStrategy
	maxQueue  int
	endpoints map[string]*endpointLimiter
}

// Config holds limiter construction inputs.
type Config struct {
	Strategy config.RateLimitingStrategy
	// CapacityPerMinute is the adapter budget; zero means unlimited.
	CapacityPerMinute float64
	// Allocations maps endpoint name to its budget fraction (0..1).
	Allocations map[string]float64
	// MaxQueueLength bounds waiting entries per endpoint.
	MaxQueueLength int
}

// New builds the shared limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{
		strategy:  cfg.Strategy,
		maxQueue:  cfg.MaxQueueLength,
		endpoints: make(map[string]*endpointLimiter, len(cfg.Allocations)),
	}
	for name, fraction := range cfg.Allocations {
		perSecond := 0.0
		if cfg.CapacityPerMinute > 0 {
			perSecond = cfg.CapacityPerMinute * fraction / 60
		}
		l.endpoints[name] = newEndpointLimiter(name, cfg.Strategy, perSecond, cfg.MaxQueueLength)
	}
	return l
}

// Acquire blocks until the endpoint's next slot (fixed-interval, api-credit)
// or consumes a token immediately (burst). It fails with QueueOverflow when
// this caller's queue entry is displaced, or with the burst rejection.
func (l *Limiter) Acquire(ctx context.Context, endpoint string) (Admission, error) {
	el, ok := l.endpoints[endpoint]
	if !ok {
		// Endpoint without an allocation: unlimited.
		return noopAdmission{}, nil
	}
	return el.acquire(ctx)
}

type noopAdmission struct{}

func (noopAdmission) Settle(float64) {}

// endpointLimiter serializes admissions for one endpoint.
type endpointLimiter struct {
	name     string
	strategy config.RateLimitingStrategy

	// burst strategy
	bucket *rate.Limiter

	// fixed-interval and api-credit strategies
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	waiting  []*waiter
	maxQueue int
}

type waiter struct {
	slot    time.Time
	dropped chan struct{}
}

func newEndpointLimiter(name string, strategy config.RateLimitingStrategy, perSecond float64, maxQueue int) *endpointLimiter {
	el := &endpointLimiter{
		name:     name,
		strategy: strategy,
		maxQueue: maxQueue,
	}
	if perSecond <= 0 {
		return el // unlimited
	}

	switch strategy {
	case config.StrategyBurst:
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		el.bucket = rate.NewLimiter(rate.Limit(perSecond), burst)
	default:
		el.interval = time.Duration(float64(time.Second) / perSecond)
	}
	return el
}

func (el *endpointLimiter) acquire(ctx context.Context) (Admission, error) {
	if el.strategy == config.StrategyBurst {
		if el.bucket == nil || el.bucket.Allow() {
			return noopAdmission{}, nil
		}
		metrics.QueueOverflows.WithLabelValues(el.name).Inc()
		return nil, errors.NewQueueOverflowError(
			"rate limit burst capacity exhausted for endpoint " + el.name)
	}

	if el.interval <= 0 {
		return fixedAdmission{el: el}, nil
	}

	w := &waiter{dropped: make(chan struct{})}

	el.mu.Lock()
	if len(el.waiting) >= el.maxQueue && el.maxQueue > 0 {
		// The OLDEST waiting entry loses its slot; the new request takes a
		// place at the tail. In-flight (already admitted) requests are
		// untouched.
		oldest := el.waiting[0]
		el.waiting = el.waiting[1:]
		close(oldest.dropped)
		metrics.QueueOverflows.WithLabelValues(el.name).Inc()
	}

	now := time.Now()
	if el.next.Before(now) {
		el.next = now
	}
	w.slot = el.next
	el.next = el.next.Add(el.interval)
	el.waiting = append(el.waiting, w)
	metrics.RateLimitQueueDepth.WithLabelValues(el.name).Set(float64(len(el.waiting)))
	el.mu.Unlock()

	timer := time.NewTimer(time.Until(w.slot))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		el.remove(w)
		return nil, ctx.Err()
	case <-w.dropped:
		return nil, errors.NewQueueOverflowError(
			"request queue overflowed for endpoint " + el.name)
	case <-timer.C:
		el.remove(w)
		return fixedAdmission{el: el}, nil
	}
}

func (el *endpointLimiter) remove(target *waiter) {
	el.mu.Lock()
	defer el.mu.Unlock()
	for i, w := range el.waiting {
		if w == target {
			el.waiting = append(el.waiting[:i], el.waiting[i+1:]...)
			break
		}
	}
	metrics.RateLimitQueueDepth.WithLabelValues(el.name).Set(float64(len(el.waiting)))
}

// fixedAdmission settles api-credit costs by pushing the endpoint's next
// slot out by the extra credits consumed.
type fixedAdmission struct {
	el *endpointLimiter
}

func (a fixedAdmission) Settle(cost float64) {
	if a.el == nil || a.el.strategy != config.StrategyAPICredit || cost <= 1 || a.el.interval <= 0 {
		return
	}
	extra := time.Duration(float64(a.el.interval) * (cost - 1))
	a.el.mu.Lock()
	now := time.Now()
	if a.el.next.Before(now) {
		a.el.next = now
	}
	a.el.next = a.el.next.Add(extra)
	a.el.mu.Unlock()
}
