// Package executor drives the background steps of all registered transports.
// Each (endpoint, transport) pair gets its own loop so a slow provider never
// starves the others, and a transport is never entered concurrently with
// itself.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/observability"
	"github.com/feedmux/feedmux/pkg/transport"
)

// Entry is one scheduled background executor.
type Entry struct {
	Endpoint  string
	Transport string
	Executor  transport.BackgroundExecutor

	// Period is the minimum gap between the start of consecutive runs.
	Period time.Duration
}

// Executor schedules background runs until stopped.
type Executor struct {
	entries []Entry
	timeout time.Duration
	logger  *observability.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped executor. timeout caps each individual run.
func New(entries []Entry, timeout time.Duration, logger *observability.Logger) *Executor {
	return &Executor{entries: entries, timeout: timeout, logger: logger}
}

// Start launches one loop per entry. It returns immediately.
func (e *Executor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for _, entry := range e.entries {
		e.wg.Add(1)
		go e.loop(ctx, entry)
	}
}

// Stop cancels all loops and waits for in-flight runs to drain.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Executor) loop(ctx context.Context, entry Entry) {
	defer e.wg.Done()

	period := entry.Period
	if period <= 0 {
		period = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := time.Now()
		e.run(ctx, entry)

		// The next run starts one period after this one started, or
		// immediately if the run overran its period.
		wait := period - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// run executes one background step. Errors are logged and counted, never
// propagated; the loop always continues.
func (e *Executor) run(ctx context.Context, entry Entry) {
	runCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	started := time.Now()
	err := entry.Executor.BackgroundExecute(runCtx)
	metrics.BackgroundExecuteDuration.WithLabelValues(entry.Endpoint, entry.Transport).
		Observe(time.Since(started).Seconds())

	if err != nil && ctx.Err() == nil {
		metrics.BackgroundExecuteErrors.WithLabelValues(entry.Endpoint, entry.Transport).Inc()
		e.logger.Warn("background execute failed",
			"endpoint", entry.Endpoint, "transport", entry.Transport, "error", err)
	}
}
