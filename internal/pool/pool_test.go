package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/ccgateway/internal/apierror"
	"github.com/hrygo/ccgateway/internal/cliexec"
)

// fakeRunner implements the Runner interface by calling behavior with
// the 1-based call number, or returning an "ok" result if behavior is nil.
type fakeRunner struct {
	mu       sync.Mutex
	calls    int32
	behavior func(n int32) (*cliexec.RunResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, opts cliexec.RunOptions) (*cliexec.RunResult, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.behavior != nil {
		return f.behavior(n)
	}
	return &cliexec.RunResult{Result: "ok"}, nil
}

func (f *fakeRunner) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func newTestPool(runner Runner, cfg Config) *Pool {
	return New(runner, cfg, nil)
}

func TestSubmitHappyPath(t *testing.T) {
	r := &fakeRunner{behavior: func(n int32) (*cliexec.RunResult, error) {
		return &cliexec.RunResult{Result: "hello", UpstreamSessionID: "U"}, nil
	}}
	p := newTestPool(r, Config{Concurrency: 2, MaxQueueSize: 10, RequestTimeout: time.Second, QueueTimeout: time.Second})

	res, err := p.Submit(context.Background(), cliexec.RunOptions{Prompt: "hi"}, "req1")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Result)
	assert.Equal(t, "U", res.UpstreamSessionID)
	assert.Equal(t, int32(1), r.callCount())
}

func TestSubmitQueueFull(t *testing.T) {
	r := &fakeRunner{behavior: func(n int32) (*cliexec.RunResult, error) {
		time.Sleep(100 * time.Millisecond)
		return &cliexec.RunResult{Result: "ok"}, nil
	}}
	// MaxQueueSize counts running plus waiting work: the first runs, the
	// second waits, and the third finds outstanding == MaxQueueSize.
	p := newTestPool(r, Config{Concurrency: 1, MaxQueueSize: 2, RequestTimeout: time.Second, QueueTimeout: time.Second})

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			_, err := p.Submit(context.Background(), cliexec.RunOptions{Prompt: "hi"}, "req")
			results[i] = err
		}(i)
	}
	wg.Wait()

	var queueFullCount int
	for _, err := range results {
		if err != nil {
			apiErr, ok := apierror.As(err)
			require.True(t, ok)
			assert.Equal(t, apierror.QueueFull, apiErr.Kind)
			queueFullCount++
		}
	}
	assert.Equal(t, 1, queueFullCount, "exactly one of three should be rejected with queue_full")
}

func TestSubmitRetriesOnTimeout(t *testing.T) {
	r := &fakeRunner{behavior: func(n int32) (*cliexec.RunResult, error) {
		if n < 2 {
			return nil, apierror.TimeoutError("slow")
		}
		return &cliexec.RunResult{Result: "ok"}, nil
	}}
	p := newTestPool(r, Config{Concurrency: 1, MaxQueueSize: 10, RequestTimeout: time.Second, QueueTimeout: time.Second})

	res, err := p.Submit(context.Background(), cliexec.RunOptions{Prompt: "hi"}, "req")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, int32(2), r.callCount())
}

func TestSubmitRetryCapped(t *testing.T) {
	r := &fakeRunner{behavior: func(n int32) (*cliexec.RunResult, error) {
		return nil, apierror.TimeoutError("slow")
	}}
	p := newTestPool(r, Config{Concurrency: 1, MaxQueueSize: 10, RequestTimeout: time.Second, QueueTimeout: time.Second})

	_, err := p.Submit(context.Background(), cliexec.RunOptions{Prompt: "hi"}, "req")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.Timeout, apiErr.Kind)
	assert.Equal(t, int32(maxAttempts), r.callCount())
}

func TestSubmitNoRetryOnNonRetryable(t *testing.T) {
	r := &fakeRunner{behavior: func(n int32) (*cliexec.RunResult, error) {
		return nil, apierror.AuthError("nope")
	}}
	p := newTestPool(r, Config{Concurrency: 1, MaxQueueSize: 10, RequestTimeout: time.Second, QueueTimeout: time.Second})

	_, err := p.Submit(context.Background(), cliexec.RunOptions{Prompt: "hi"}, "req")
	require.Error(t, err)
	assert.Equal(t, int32(1), r.callCount())
}

func TestSubmitNoRetryOnStreaming(t *testing.T) {
	r := &fakeRunner{behavior: func(n int32) (*cliexec.RunResult, error) {
		return nil, apierror.TimeoutError("slow")
	}}
	p := newTestPool(r, Config{Concurrency: 1, MaxQueueSize: 10, RequestTimeout: time.Second, QueueTimeout: time.Second})

	_, err := p.Submit(context.Background(), cliexec.RunOptions{Prompt: "hi", Stream: true}, "req")
	require.Error(t, err)
	assert.Equal(t, int32(1), r.callCount())
}

func TestShutdownIsIdempotentAndDrains(t *testing.T) {
	r := &fakeRunner{}
	p := newTestPool(r, Config{Concurrency: 1, MaxQueueSize: 10, RequestTimeout: time.Second, QueueTimeout: time.Second})

	p.Shutdown()
	p.Shutdown() // idempotent, must not panic or block

	_, err := p.Submit(context.Background(), cliexec.RunOptions{Prompt: "hi"}, "req")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.CLIError, apiErr.Kind)
}

func TestHealthyReflectsOccupancy(t *testing.T) {
	r := &fakeRunner{behavior: func(n int32) (*cliexec.RunResult, error) {
		time.Sleep(200 * time.Millisecond)
		return &cliexec.RunResult{Result: "ok"}, nil
	}}
	p := newTestPool(r, Config{Concurrency: 1, MaxQueueSize: 2, RequestTimeout: time.Second, QueueTimeout: time.Second})

	assert.True(t, p.Healthy())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = p.Submit(context.Background(), cliexec.RunOptions{Prompt: "a"}, "a") }()
	go func() { defer wg.Done(); _, _ = p.Submit(context.Background(), cliexec.RunOptions{Prompt: "b"}, "b") }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.Healthy())
	wg.Wait()
}
