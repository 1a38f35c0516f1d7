package apierror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalStatuses(t *testing.T) {
	cases := map[Kind]int{
		Auth:                  401,
		InvalidRequest:        400,
		Timeout:               504,
		QueueTimeout:          504,
		QueueFull:             429,
		RateLimit:             429,
		UpstreamAuth:          401,
		SessionNotFound:       404,
		TaskNotFound:          404,
		SessionLimit:          429,
		StreamingNotSupported: 400,
		InvalidModel:          400,
		CLIError:              500,
		CLINotFound:           500,
		Memory:                500,
		Internal:              500,
	}
	for kind, status := range cases {
		e := New(kind, "x")
		assert.Equalf(t, status, e.Status, "kind %s", kind)
		assert.Equal(t, string(kind), e.Code)
	}
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, Retryable(TimeoutError("slow")))
	assert.True(t, Retryable(RateLimitError("too many")))
	assert.False(t, Retryable(AuthError("nope")))
	assert.False(t, Retryable(InvalidRequestError("bad")))
	assert.False(t, Retryable(CLINotFoundError("claude")))
	assert.False(t, Retryable(SessionNotFoundError()))
}

func TestRetryableTransportReset(t *testing.T) {
	assert.True(t, Retryable(errors.New("write: connection reset by peer")))
	assert.True(t, Retryable(errors.New("write: broken pipe")))
	assert.False(t, Retryable(errors.New("some unrelated failure")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(Internal, cause, "wrapped")
	require.Error(t, e)
	assert.True(t, errors.Is(e, cause) || errors.Unwrap(e) != nil)
}

func TestWithDetailsMerges(t *testing.T) {
	e := CLIErrorf(map[string]any{"exitCode": 1}, "boom")
	e2 := e.WithDetails(map[string]any{"signal": "SIGKILL"})
	assert.Equal(t, 1, e2.Details["exitCode"])
	assert.Equal(t, "SIGKILL", e2.Details["signal"])
	assert.NotContains(t, e.Details, "signal")
}

func TestAsExtractsError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", QueueFullError())
	apiErr, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, QueueFull, apiErr.Kind)
}
