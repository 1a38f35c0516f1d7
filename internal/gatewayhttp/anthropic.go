package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/ccgateway/internal/apierror"
	"github.com/hrygo/ccgateway/internal/cliexec"
)

// No complete repo in the reference corpus depends on an Anthropic SDK,
// so these wire types are hand-rolled against the public Messages API
// shape rather than imported from a library.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessagesResponse struct {
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason,omitempty"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string              `json:"type"`
	Delta *anthropicTextDelta `json:"delta,omitempty"`
}

type anthropicTextDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// postAnthropicMessages handles POST /v1/messages. max_tokens is
// accepted for wire compatibility but not forwarded to the CLI, which
// has no equivalent knob.
func (s *Server) postAnthropicMessages(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeAnthropicError(c, err)
	}

	var req anthropicMessagesRequest
	if err := c.Bind(&req); err != nil {
		return writeAnthropicError(c, apierror.InvalidRequestError("malformed request body"))
	}
	if len(req.Messages) == 0 {
		return writeAnthropicError(c, apierror.InvalidRequestError("messages must not be empty"))
	}

	opts := cliexec.RunOptions{
		Prompt: collapseAnthropicMessages(req.Messages),
		Model:  firstNonEmpty(req.Model, s.cfg.DefaultModel),
		Stream: req.Stream,
	}

	if req.Stream {
		return s.streamAnthropicMessages(c, opts, cred)
	}

	result, err := s.pool.Submit(c.Request().Context(), opts, requestID(c))
	if err != nil {
		return writeAnthropicError(c, err)
	}
	if result.UpstreamSessionID != "" {
		if _, err := s.sessions.Create(c.Request().Context(), result.UpstreamSessionID, cred); err != nil {
			s.log.Warn("gatewayhttp: failed to persist session after anthropic message", "error", err)
		}
	}

	return c.JSON(http.StatusOK, anthropicMessagesResponse{
		Type:       "message",
		Role:       "assistant",
		Model:      result.Model,
		Content:    []anthropicContentBlock{{Type: "text", Text: result.Result}},
		StopReason: "end_turn",
	})
}

func (s *Server) streamAnthropicMessages(c echo.Context, opts cliexec.RunOptions, cred string) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	opts.OnChunk = func(chunk cliexec.StreamChunk) {
		switch chunk.Kind {
		case cliexec.ChunkDelta:
			writeAnthropicEvent(c, "content_block_delta", anthropicStreamEvent{
				Type:  "content_block_delta",
				Delta: &anthropicTextDelta{Type: "text_delta", Text: chunk.Text},
			})
		case cliexec.ChunkEnd:
			writeAnthropicEvent(c, "message_delta", anthropicStreamEvent{
				Type:  "message_delta",
				Delta: &anthropicTextDelta{StopReason: chunk.StopReason},
			})
		}
	}

	result, err := s.pool.Submit(c.Request().Context(), opts, requestID(c))
	if err != nil {
		fmt.Fprintf(c.Response(), "event: error\ndata: %s\n\n", strings.ReplaceAll(err.Error(), "\n", " "))
		c.Response().Flush()
		return nil
	}
	fmt.Fprint(c.Response(), "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	c.Response().Flush()

	if result.UpstreamSessionID != "" {
		if _, err := s.sessions.Create(c.Request().Context(), result.UpstreamSessionID, cred); err != nil {
			s.log.Warn("gatewayhttp: failed to persist session after streamed anthropic message", "error", err)
		}
	}
	return nil
}

func writeAnthropicEvent(c echo.Context, event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, payload)
	c.Response().Flush()
}

func collapseAnthropicMessages(messages []anthropicMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if m.Role == "assistant" {
			b.WriteString("[assistant] ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
