package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/ccgateway/internal/apierror"
	"github.com/hrygo/ccgateway/internal/cliexec"
)

// postChatCompletions handles POST /v1/chat/completions, accepting the
// wire shape of openai.ChatCompletionRequest and replying with
// openai.ChatCompletionResponse (or a text/event-stream of
// openai.ChatCompletionStreamResponse chunks when stream is true).
// Multi-turn history is collapsed into a single prompt: the CLI has no
// notion of a message array, only a resumable session.
func (s *Server) postChatCompletions(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeOpenAIError(c, err)
	}

	var req openai.ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return writeOpenAIError(c, apierror.InvalidRequestError("malformed request body"))
	}
	if len(req.Messages) == 0 {
		return writeOpenAIError(c, apierror.InvalidRequestError("messages must not be empty"))
	}

	opts := cliexec.RunOptions{
		Prompt: collapseMessages(req.Messages),
		Model:  firstNonEmpty(req.Model, s.cfg.DefaultModel),
		Stream: req.Stream,
	}

	if req.Stream {
		return s.streamChatCompletions(c, opts, cred)
	}

	result, err := s.pool.Submit(c.Request().Context(), opts, requestID(c))
	if err != nil {
		return writeOpenAIError(c, err)
	}
	if result.UpstreamSessionID != "" {
		if _, err := s.sessions.Create(c.Request().Context(), result.UpstreamSessionID, cred); err != nil {
			s.log.Warn("gatewayhttp: failed to persist session after chat completion", "error", err)
		}
	}

	resp := openai.ChatCompletionResponse{
		Object: "chat.completion",
		Model:  result.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: result.Result},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) streamChatCompletions(c echo.Context, opts cliexec.RunOptions, cred string) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	opts.OnChunk = func(chunk cliexec.StreamChunk) {
		chunkResp := openai.ChatCompletionStreamResponse{
			Object: "chat.completion.chunk",
			Model:  opts.Model,
		}
		switch chunk.Kind {
		case cliexec.ChunkDelta:
			chunkResp.Choices = []openai.ChatCompletionStreamChoice{
				{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: chunk.Text}},
			}
		case cliexec.ChunkEnd:
			reason := openai.FinishReasonStop
			chunkResp.Choices = []openai.ChatCompletionStreamChoice{
				{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{}, FinishReason: reason},
			}
		}
		writeSSEEvent(c, chunkResp)
	}

	result, err := s.pool.Submit(c.Request().Context(), opts, requestID(c))
	if err != nil {
		fmt.Fprintf(c.Response(), "event: error\ndata: %s\n\n", strings.ReplaceAll(err.Error(), "\n", " "))
		c.Response().Flush()
		return nil
	}
	fmt.Fprint(c.Response(), "data: [DONE]\n\n")
	c.Response().Flush()

	if result.UpstreamSessionID != "" {
		if _, err := s.sessions.Create(c.Request().Context(), result.UpstreamSessionID, cred); err != nil {
			s.log.Warn("gatewayhttp: failed to persist session after streamed chat completion", "error", err)
		}
	}
	return nil
}

func writeSSEEvent(c echo.Context, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", payload)
	c.Response().Flush()
}

func collapseMessages(messages []openai.ChatCompletionMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			b.WriteString("[system] ")
		case openai.ChatMessageRoleAssistant:
			b.WriteString("[assistant] ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
