package gatewayhttp

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/ccgateway/internal/apierror"
	"github.com/hrygo/ccgateway/internal/taskstore"
)

type createTaskRequest struct {
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	MaxTurns         int      `json:"max_turns,omitempty"`
}

type taskResponse struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Result            string `json:"result,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	UpstreamSessionID string `json:"session_id,omitempty"`
}

func renderTask(task *taskstore.Task) taskResponse {
	return taskResponse{
		ID:                task.ID,
		Status:            string(task.Status),
		Result:            task.Result,
		FailureReason:     task.FailureReason,
		UpstreamSessionID: task.UpstreamSessionID,
	}
}

// postTasks handles POST /v1/tasks: it creates a background task row
// and hands it to the Executor on a detached goroutine, returning
// immediately with the running task's id so the caller can poll or
// cancel it.
func (s *Server) postTasks(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeDirectError(c, err)
	}

	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return writeDirectError(c, apierror.InvalidRequestError("malformed request body"))
	}
	if req.Prompt == "" {
		return writeDirectError(c, apierror.InvalidRequestError("prompt is required"))
	}

	owner := fingerprint(cred)
	task, taskCtx, _, err := s.tasks.Create(c.Request().Context(), taskstore.CreateRequest{
		Prompt:           req.Prompt,
		Model:            firstNonEmpty(req.Model, s.cfg.DefaultModel),
		AllowedTools:     req.AllowedTools,
		WorkingDirectory: firstNonEmpty(req.WorkingDirectory, s.cfg.DefaultWorkspaceDir),
		SessionID:        req.SessionID,
		MaxTurns:         req.MaxTurns,
	}, owner)
	if err != nil {
		return writeDirectError(c, err)
	}

	s.metrics.RecordTaskCreated()
	go s.executor.Run(taskCtx, task)

	return c.JSON(http.StatusAccepted, renderTask(task))
}

// getTask handles GET /v1/tasks/:id.
func (s *Server) getTask(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeDirectError(c, err)
	}
	task, err := s.tasks.Get(c.Request().Context(), c.Param("id"), fingerprint(cred))
	if err != nil {
		return writeDirectError(c, err)
	}
	return c.JSON(http.StatusOK, renderTask(task))
}

// deleteTask handles DELETE /v1/tasks/:id, cancelling a running task.
func (s *Server) deleteTask(c echo.Context) error {
	cred, err := credential(c)
	if err != nil {
		return writeDirectError(c, err)
	}
	owner := fingerprint(cred)
	if _, err := s.tasks.Get(c.Request().Context(), c.Param("id"), owner); err != nil {
		return writeDirectError(c, err)
	}
	cancelled, err := s.tasks.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeDirectError(c, err)
	}
	if !cancelled {
		return writeDirectError(c, apierror.TaskNotFoundError())
	}
	return c.NoContent(http.StatusNoContent)
}
