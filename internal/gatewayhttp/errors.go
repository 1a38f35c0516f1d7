package gatewayhttp

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/ccgateway/internal/apierror"
)

// directEnvelope is the Direct API's error wire shape.
type directEnvelope struct {
	Error directEnvelopeBody `json:"error"`
}

type directEnvelopeBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeDirectError(c echo.Context, err error) error {
	apiErr, status, ok := classify(err)
	if !ok {
		return c.JSON(status, directEnvelope{Error: directEnvelopeBody{Code: "internal", Message: err.Error()}})
	}
	return c.JSON(status, directEnvelope{Error: directEnvelopeBody{
		Code: string(apiErr.Kind), Message: apiErr.Message, Details: apiErr.Details,
	}})
}

// openAIEnvelope mirrors the shape OpenAI's API uses for error bodies.
type openAIEnvelope struct {
	Error openAIEnvelopeBody `json:"error"`
}

type openAIEnvelopeBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Code    *string `json:"code,omitempty"`
}

func writeOpenAIError(c echo.Context, err error) error {
	apiErr, status, ok := classify(err)
	if !ok {
		return c.JSON(status, openAIEnvelope{Error: openAIEnvelopeBody{Message: err.Error(), Type: "internal_error"}})
	}
	code := string(apiErr.Kind)
	return c.JSON(status, openAIEnvelope{Error: openAIEnvelopeBody{
		Message: apiErr.Message, Type: openAIErrorType(apiErr.Kind), Code: &code,
	}})
}

func openAIErrorType(kind apierror.Kind) string {
	switch kind {
	case apierror.Auth, apierror.UpstreamAuth:
		return "authentication_error"
	case apierror.InvalidRequest, apierror.InvalidModel, apierror.StreamingNotSupported:
		return "invalid_request_error"
	case apierror.RateLimit:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

// anthropicEnvelope mirrors the Anthropic Messages API's error shape.
type anthropicEnvelope struct {
	Type  string                `json:"type"`
	Error anthropicEnvelopeBody `json:"error"`
}

type anthropicEnvelopeBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeAnthropicError(c echo.Context, err error) error {
	apiErr, status, ok := classify(err)
	if !ok {
		return c.JSON(status, anthropicEnvelope{Type: "error", Error: anthropicEnvelopeBody{Type: "api_error", Message: err.Error()}})
	}
	return c.JSON(status, anthropicEnvelope{Type: "error", Error: anthropicEnvelopeBody{
		Type: anthropicErrorType(apiErr.Kind), Message: apiErr.Message,
	}})
}

func anthropicErrorType(kind apierror.Kind) string {
	switch kind {
	case apierror.Auth, apierror.UpstreamAuth:
		return "authentication_error"
	case apierror.InvalidRequest, apierror.InvalidModel, apierror.StreamingNotSupported:
		return "invalid_request_error"
	case apierror.RateLimit:
		return "rate_limit_error"
	case apierror.SessionNotFound, apierror.TaskNotFound:
		return "not_found_error"
	default:
		return "api_error"
	}
}

// classify extracts the apierror.Error from err, if any, along with the
// HTTP status to use. Non-apierror errors fall back to 500.
func classify(err error) (*apierror.Error, int, bool) {
	apiErr, ok := apierror.As(err)
	if !ok {
		return nil, http.StatusInternalServerError, false
	}
	return apiErr, apiErr.Status, true
}
