package cliexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/ccgateway/internal/apierror"
)

// fixtureScript writes an executable shell script standing in for the
// CLI binary and returns its path. The Runner never inspects argv
// content beyond passing it through, so these fixtures ignore argv and
// decide behavior from their own body.
func fixtureScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cli.sh")
	contents := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o755))
	return path
}

func newTestRunner(t *testing.T, cliPath string) *Runner {
	t.Helper()
	return &Runner{cliPath: cliPath, log: testLogger(), gracePeriod: 200 * time.Millisecond}
}

func TestRunHappyPath(t *testing.T) {
	script := fixtureScript(t, `echo '{"result":"hello","session_id":"U"}'`)
	r := newTestRunner(t, script)

	res, err := r.Run(context.Background(), RunOptions{Prompt: "hi", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Result)
	assert.Equal(t, "U", res.UpstreamSessionID)
}

func TestRunGracefulFallbackOnNonJSON(t *testing.T) {
	script := fixtureScript(t, `echo 'plain text reply'`)
	r := newTestRunner(t, script)

	res, err := r.Run(context.Background(), RunOptions{Prompt: "hi", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "plain text reply", res.Result)
	assert.Empty(t, res.UpstreamSessionID)
}

func TestRunEmptyStdoutIsError(t *testing.T) {
	script := fixtureScript(t, `exit 0`)
	r := newTestRunner(t, script)

	_, err := r.Run(context.Background(), RunOptions{Prompt: "hi", Timeout: time.Second})
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.CLIError, apiErr.Kind)
}

func TestRunStderrClassification(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		kind  apierror.Kind
	}{
		{"rate limit", `echo "Error: rate limit exceeded" >&2; exit 1`, apierror.RateLimit},
		{"upstream auth", `echo "please login again" >&2; exit 1`, apierror.UpstreamAuth},
		{"memory", `echo "fatal: out of memory" >&2; exit 1`, apierror.Memory},
		{"generic", `echo "boom" >&2; exit 1`, apierror.CLIError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := fixtureScript(t, tc.body)
			r := newTestRunner(t, script)

			_, err := r.Run(context.Background(), RunOptions{Prompt: "hi", Timeout: time.Second})
			require.Error(t, err)
			apiErr, ok := apierror.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, apiErr.Kind)
		})
	}
}

func TestRunTimeoutEscalatesToKill(t *testing.T) {
	script := fixtureScript(t, `trap '' TERM; sleep 5`)
	r := newTestRunner(t, script)

	start := time.Now()
	_, err := r.Run(context.Background(), RunOptions{Prompt: "hi", Timeout: 50 * time.Millisecond})
	elapsed := time.Since(start)

	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.Timeout, apiErr.Kind)
	// Should return well before the script's 5s sleep, bounded by
	// timeout + grace period, since SIGKILL follows the ignored SIGTERM.
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRunCancellation(t *testing.T) {
	script := fixtureScript(t, `sleep 5`)
	r := newTestRunner(t, script)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, RunOptions{Prompt: "hi", Timeout: 10 * time.Second})
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.CLIError, apiErr.Kind)
}

func TestRunRejectsDotDotWorkingDirectory(t *testing.T) {
	r := newTestRunner(t, "/bin/true")
	_, err := r.Run(context.Background(), RunOptions{Prompt: "hi", WorkingDirectory: "../escape"})
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.InvalidRequest, apiErr.Kind)
}

func TestRunPreSpawnCancellation(t *testing.T) {
	r := newTestRunner(t, "/bin/true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, RunOptions{Prompt: "hi"})
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.CLIError, apiErr.Kind)
}

func TestRunStreamingDeliversChunksInOrder(t *testing.T) {
	script := fixtureScript(t, `
echo '{"type":"content_block_delta","delta":{"text":"hel"}}'
echo '{"type":"content_block_delta","delta":{"text":"lo"}}'
echo '{"type":"message_stop","message":{"stop_reason":"end_turn"}}'
`)
	r := newTestRunner(t, script)

	var chunks []StreamChunk
	_, err := r.Run(context.Background(), RunOptions{
		Prompt: "hi",
		Stream: true,
		Timeout: time.Second,
		OnChunk: func(c StreamChunk) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.Equal(t, ChunkEnd, chunks[2].Kind)
	assert.Equal(t, "end_turn", chunks[2].StopReason)
}
