package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/ccgateway/internal/apierror"
)

func serve(t *testing.T, render func(c echo.Context) error) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, render(c))
	return rec
}

func TestWriteDirectErrorUsesApierrorStatusAndCode(t *testing.T) {
	rec := serve(t, func(c echo.Context) error {
		return writeDirectError(c, apierror.SessionNotFoundError())
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body directEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "session_not_found", body.Error.Code)
}

func TestWriteDirectErrorFallsBackForNonApierror(t *testing.T) {
	rec := serve(t, func(c echo.Context) error {
		return writeDirectError(c, assert.AnError)
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteOpenAIErrorMapsAuthToAuthenticationError(t *testing.T) {
	rec := serve(t, func(c echo.Context) error {
		return writeOpenAIError(c, apierror.AuthError("missing token"))
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body openAIEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "authentication_error", body.Error.Type)
}

func TestWriteAnthropicErrorMapsTaskNotFound(t *testing.T) {
	rec := serve(t, func(c echo.Context) error {
		return writeAnthropicError(c, apierror.TaskNotFoundError())
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body anthropicEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Type)
	assert.Equal(t, "not_found_error", body.Error.Type)
}

func TestOpenAIErrorTypeDefaultsToAPIError(t *testing.T) {
	assert.Equal(t, "api_error", openAIErrorType(apierror.Internal))
}

func TestAnthropicErrorTypeDefaultsToAPIError(t *testing.T) {
	assert.Equal(t, "api_error", anthropicErrorType(apierror.Memory))
}
