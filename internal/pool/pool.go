// Package pool implements the bounded-concurrency admission queue that
// sits in front of the Runner: admission control, FIFO scheduling,
// retry with exponential backoff and jitter, and a graceful drain on
// shutdown. Grounded on the admission/scheduling/drain shape of
// _examples/other_examples/05f66e39_baiirun-aetherflow__internal-daemon-pool.go.go,
// since the teacher repo has no standalone bounded-concurrency pool of
// its own.
package pool

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/ccgateway/internal/apierror"
	"github.com/hrygo/ccgateway/internal/cliexec"
)

// Runner is the subset of *cliexec.Runner the pool depends on.
type Runner interface {
	Run(ctx context.Context, opts cliexec.RunOptions) (*cliexec.RunResult, error)
}

// MetricsSink receives pool occupancy and per-submission outcomes. A
// nil sink (the default) means metrics recording is skipped entirely.
type MetricsSink interface {
	ObservePoolStats(outstanding, running, concurrency int)
	RecordRequest(outcome string, latencySeconds float64)
	RecordRunnerExit(kind string)
}

// retryBackoff is the fixed schedule of sleeps between retry attempts,
// each perturbed by uniform jitter in jittered.
var retryBackoff = []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}

const (
	maxAttempts  = 3
	jitterFactor = 0.15
)

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Outstanding  int
	Running      int
	Concurrency  int
	MaxQueueSize int
	Paused       bool
}

// Pool enforces bounded concurrency, a bounded queue, and a combined
// request+queue timeout ceiling over calls to a Runner.
type Pool struct {
	runner         Runner
	sem            *semaphore.Weighted
	concurrency    int64
	maxQueueSize   int
	requestTimeout time.Duration
	queueTimeout   time.Duration
	log            *slog.Logger
	metrics        MetricsSink

	mu           sync.Mutex
	outstanding  int
	running      int
	shuttingDown bool
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// Config bundles the Worker Pool's bounds.
type Config struct {
	Concurrency    int
	MaxQueueSize   int
	RequestTimeout time.Duration
	QueueTimeout   time.Duration
	Metrics        MetricsSink
}

// New constructs a Pool bound to runner.
func New(runner Runner, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		runner:         runner,
		sem:            semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency:    int64(cfg.Concurrency),
		maxQueueSize:   cfg.MaxQueueSize,
		requestTimeout: cfg.RequestTimeout,
		queueTimeout:   cfg.QueueTimeout,
		log:            log,
		metrics:        cfg.Metrics,
		shutdownCh:     make(chan struct{}),
	}
}

// Submit enqueues opts for execution and blocks until it completes,
// fails, or is cancelled via ctx. Non-streaming submissions are wrapped
// in the retry policy; streaming submissions bypass retry entirely so
// partially-streamed output is never replayed.
func (p *Pool) Submit(ctx context.Context, opts cliexec.RunOptions, reqID string) (*cliexec.RunResult, error) {
	start := time.Now()
	res, err := p.submit(ctx, opts, reqID)
	p.recordOutcome(err, time.Since(start))
	return res, err
}

func (p *Pool) submit(ctx context.Context, opts cliexec.RunOptions, reqID string) (*cliexec.RunResult, error) {
	if opts.Stream {
		return p.submitOnce(ctx, opts, reqID)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apierror.Aborted("cancelled before attempt")
		}

		res, err := p.submitOnce(ctx, opts, reqID)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt == maxAttempts || !apierror.Retryable(err) {
			return nil, err
		}

		p.log.Info("pool: retrying submission",
			"reqID", reqID, "attempt", attempt, "error", err)

		sleep := jittered(retryBackoff[attempt-1])
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, apierror.Aborted("cancelled during backoff")
		}
	}
	return nil, lastErr
}

// recordOutcome reports one finished Submit call to the configured
// metrics sink, classifying it by apierror.Kind (or "success").
func (p *Pool) recordOutcome(err error, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if apiErr, ok := apierror.As(err); ok {
			outcome = string(apiErr.Kind)
		}
	}
	p.metrics.RecordRequest(outcome, elapsed.Seconds())
	stats := p.Stats()
	p.metrics.ObservePoolStats(stats.Outstanding, stats.Running, stats.Concurrency)
}

// submitOnce performs a single admission + schedule + execute cycle,
// with no retry.
func (p *Pool) submitOnce(ctx context.Context, opts cliexec.RunOptions, reqID string) (*cliexec.RunResult, error) {
	if err := p.admit(); err != nil {
		return nil, err
	}
	defer p.leave()

	enqueuedAt := time.Now()

	// requestTimeout+queueTimeout is the absolute ceiling for this
	// attempt, queue wait included; tripping it surfaces as timeout.
	runCtx := ctx
	if ceiling := p.requestTimeout + p.queueTimeout; ceiling > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, ceiling)
		defer cancel()
	}
	ceilingHit := func() bool { return runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil }

	if err := p.acquireSlot(runCtx); err != nil {
		if ceilingHit() {
			return nil, apierror.TimeoutError("submission exceeded requestTimeout+queueTimeout")
		}
		return nil, err
	}
	defer p.sem.Release(1)

	if p.queueTimeout > 0 && time.Since(enqueuedAt) > p.queueTimeout {
		return nil, apierror.QueueTimeoutError("queue wait exceeded queueTimeout")
	}

	p.mu.Lock()
	p.running++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	runOpts := opts
	runOpts.Timeout = p.requestTimeout

	p.log.Debug("pool: executing", "reqID", reqID)
	res, err := p.runner.Run(runCtx, runOpts)
	if err != nil && ceilingHit() {
		err = apierror.TimeoutError("submission exceeded requestTimeout+queueTimeout")
	}
	if p.metrics != nil {
		kind := "ok"
		if err != nil {
			kind = "error"
			if apiErr, ok := apierror.As(err); ok {
				kind = string(apiErr.Kind)
			}
		}
		p.metrics.RecordRunnerExit(kind)
	}
	return res, err
}

// admit enforces the shutdown and queue_full admission rules and
// reserves one outstanding slot for the caller.
func (p *Pool) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown {
		return apierror.ShutdownError()
	}
	if p.outstanding >= p.maxQueueSize {
		return apierror.QueueFullError()
	}
	p.outstanding++
	p.wg.Add(1)
	return nil
}

func (p *Pool) leave() {
	p.mu.Lock()
	p.outstanding--
	p.mu.Unlock()
	p.wg.Done()
}

// acquireSlot blocks until a concurrency slot is free, the caller's
// context is cancelled, or the pool starts shutting down. On shutdown,
// any slot eventually granted to this now-abandoned waiter is released
// back in the background so it is not leaked.
func (p *Pool) acquireSlot(ctx context.Context) error {
	acquireCh := make(chan error, 1)
	go func() { acquireCh <- p.sem.Acquire(ctx, 1) }()

	select {
	case err := <-acquireCh:
		if err != nil {
			return apierror.Aborted("cancelled while queued")
		}
		return nil
	case <-p.shutdownCh:
		go func() {
			if err := <-acquireCh; err == nil {
				p.sem.Release(1)
			}
		}()
		return apierror.ShutdownError()
	}
}

// Shutdown is idempotent and monotone: it refuses new submissions,
// drops waiters that have not started, and waits for in-flight
// executors to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	p.mu.Unlock()
	close(p.shutdownCh)
	p.wg.Wait()
}

// Stats returns a point-in-time snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Outstanding:  p.outstanding,
		Running:      p.running,
		Concurrency:  int(p.concurrency),
		MaxQueueSize: p.maxQueueSize,
		Paused:       p.shuttingDown,
	}
}

// Healthy reports whether the pool has headroom: outstanding occupancy
// below 90% of maxQueueSize.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown {
		return false
	}
	return float64(p.outstanding) < 0.9*float64(p.maxQueueSize)
}

// jittered perturbs d by up to ±jitterFactor, uniformly distributed.
func jittered(d time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(d) * (1 + delta))
}
