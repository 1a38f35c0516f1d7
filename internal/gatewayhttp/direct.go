package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/ccgateway/internal/apierror"
	"github.com/hrygo/ccgateway/internal/cliexec"
)

// directMessageRequest is the Direct API's request envelope.
type directMessageRequest struct {
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	MaxTurns         int      `json:"max_turns,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
}

type directMessageResponse struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

type directStreamFrame struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// postDirectMessage handles POST /v1/sessions/:id/messages (and, with
// id omitted, POST /v1/sessions/messages for a fresh conversation).
func (s *Server) postDirectMessage(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeDirectError(c, err)
	}

	var req directMessageRequest
	if err := c.Bind(&req); err != nil {
		return writeDirectError(c, apierror.InvalidRequestError("malformed request body"))
	}
	if req.Prompt == "" {
		return writeDirectError(c, apierror.InvalidRequestError("prompt is required"))
	}

	sessionID := c.Param("id")
	opts := cliexec.RunOptions{
		Prompt:           req.Prompt,
		Model:            firstNonEmpty(req.Model, s.cfg.DefaultModel),
		AllowedTools:     req.AllowedTools,
		WorkingDirectory: firstNonEmpty(req.WorkingDirectory, s.cfg.DefaultWorkspaceDir),
		MaxTurns:         req.MaxTurns,
		Stream:           req.Stream,
	}

	var upstream string
	if sessionID != "" {
		sess, err := s.sessions.Get(c.Request().Context(), sessionID, cred)
		if err != nil {
			return writeDirectError(c, err)
		}
		if err := s.sessions.Acquire(c.Request().Context(), sessionID); err != nil {
			return writeDirectError(c, err)
		}
		defer s.sessions.Release(sessionID)
		upstream = sess.UpstreamSessionID
	}
	opts.ResumeSessionID = upstream

	if req.Stream {
		return s.streamDirect(c, opts, sessionID, cred)
	}

	result, err := s.pool.Submit(c.Request().Context(), opts, requestID(c))
	if err != nil {
		return writeDirectError(c, err)
	}

	respSessionID := sessionID
	if result.UpstreamSessionID != "" && sessionID == "" {
		sess, err := s.sessions.Create(c.Request().Context(), result.UpstreamSessionID, cred)
		if err != nil {
			return writeDirectError(c, err)
		}
		respSessionID = sess.ID
	} else if sessionID != "" {
		_ = s.sessions.Touch(c.Request().Context(), sessionID)
	}

	return c.JSON(http.StatusOK, directMessageResponse{
		Result:    result.Result,
		SessionID: respSessionID,
		Model:     result.Model,
	})
}

func (s *Server) streamDirect(c echo.Context, opts cliexec.RunOptions, sessionID, cred string) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	opts.OnChunk = func(chunk cliexec.StreamChunk) {
		writeDirectFrame(c, directStreamFrame{Type: string(chunk.Kind), Text: chunk.Text, StopReason: chunk.StopReason})
	}

	result, err := s.pool.Submit(c.Request().Context(), opts, requestID(c))
	if err != nil {
		writeDirectFrame(c, directStreamFrame{Type: "error", Text: err.Error()})
		return nil
	}
	upstreamSeen := result.UpstreamSessionID

	if upstreamSeen != "" && sessionID == "" {
		if _, err := s.sessions.Create(c.Request().Context(), upstreamSeen, cred); err != nil {
			s.log.Warn("gatewayhttp: failed to persist session after stream", "error", err)
		}
	} else if sessionID != "" {
		_ = s.sessions.Touch(c.Request().Context(), sessionID)
	}
	return nil
}

// deleteDirectSession handles DELETE /v1/sessions/:id.
func (s *Server) deleteDirectSession(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeDirectError(c, err)
	}
	ok, err := s.sessions.Delete(c.Request().Context(), c.Param("id"), cred)
	if err != nil {
		return writeDirectError(c, err)
	}
	if !ok {
		return writeDirectError(c, apierror.SessionNotFoundError())
	}
	return c.NoContent(http.StatusNoContent)
}

// listDirectSessions handles GET /v1/sessions.
func (s *Server) listDirectSessions(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeDirectError(c, err)
	}
	sessions, err := s.sessions.List(c.Request().Context(), cred)
	if err != nil {
		return writeDirectError(c, err)
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"id":               sess.ID,
			"created_at":       sess.CreatedAt,
			"last_accessed_at": sess.LastAccessedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func writeDirectFrame(c echo.Context, frame directStreamFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", payload)
	c.Response().Flush()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
