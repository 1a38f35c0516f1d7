package taskstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/ccgateway/internal/cliexec"
)

// TaskMetrics receives per-task terminal-state counts and durations. A
// nil sink (the default) means metrics recording is skipped entirely.
type TaskMetrics interface {
	RecordTaskTerminal(status string, durationSeconds float64)
}

// Submitter is the Worker Pool surface the executor needs: submit
// captured options under a request id and get back a result or error.
// Defined locally (rather than importing internal/pool) so taskstore
// stays testable against a fake without pulling in the pool's own
// dependency graph.
type Submitter interface {
	Submit(ctx context.Context, opts cliexec.RunOptions, requestID string) (*cliexec.RunResult, error)
}

// SessionResolver is the Session Store surface the executor needs to
// resolve an existing session's upstream token and to persist a new
// session when the CLI hands back one.
type SessionResolver interface {
	ResolveUpstream(ctx context.Context, sessionID, ownerFingerprint string) (string, error)
	CreateSession(ctx context.Context, upstreamToken, ownerFingerprint string) (string, error)
}

// Notifier is fired, best-effort, after a task reaches a terminal
// state. Implementations must not block the executor on delivery
// failures.
type Notifier interface {
	Notify(ctx context.Context, ownerFingerprint string, task *Task) error
}

// Executor runs one background task to completion and records its
// terminal state, per the Execution paragraph of the task store's
// contract: resolve the session if any, submit to the pool with the
// captured options, write the result (creating a new session record
// if the CLI returned an upstream token), and notify. A cancellation
// signal fired mid-run is not treated as a failure to report: Cancel
// has already recorded "failed: cancelled" by the time Run observes
// ctx.Err(), so Run exits without writing anything further.
type Executor struct {
	store     *Store
	sessions  SessionResolver
	submitter Submitter
	notifier  Notifier
	metrics   TaskMetrics
	log       *slog.Logger
}

// SetMetrics wires a metrics sink into e. Optional; call before the
// first Run if metrics are wanted.
func (e *Executor) SetMetrics(m TaskMetrics) { e.metrics = m }

// NewExecutor wires a Store to the collaborators its background runs
// need. notifier may be nil, in which case completion notification is
// skipped entirely.
func NewExecutor(store *Store, sessions SessionResolver, submitter Submitter, notifier Notifier, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{store: store, sessions: sessions, submitter: submitter, notifier: notifier, log: log}
}

// Run executes task under taskCtx (the context returned alongside task
// by Store.Create, whose cancellation is the task's cancelHandle) and
// is intended to be invoked as a goroutine immediately after Create
// returns. It never returns an error: every outcome is recorded on the
// task row itself.
func (e *Executor) Run(taskCtx context.Context, task *Task) {
	var upstream string
	if task.SessionID != "" {
		resolved, err := e.sessions.ResolveUpstream(taskCtx, task.SessionID, task.OwnerFingerprint)
		if err != nil {
			if taskCtx.Err() != nil {
				return
			}
			e.fail(taskCtx, task, err.Error())
			return
		}
		upstream = resolved
	}

	opts := task.RunOptionsFor(upstream)
	result, err := e.submitter.Submit(taskCtx, opts, task.ID)
	if err != nil {
		if taskCtx.Err() != nil {
			// Cancel already wrote "failed: cancelled"; nothing left to do.
			return
		}
		e.fail(taskCtx, task, err.Error())
		return
	}

	if result.UpstreamSessionID != "" {
		sessionID, sessErr := e.sessions.CreateSession(taskCtx, result.UpstreamSessionID, task.OwnerFingerprint)
		if sessErr != nil {
			e.log.Warn("taskstore: failed to persist session for completed task", "task", task.ID, "error", sessErr)
		} else {
			task.SessionID = sessionID
		}
	}

	if err := e.store.SetCompleted(taskCtx, task.ID, result.Result, result.UpstreamSessionID); err != nil {
		e.log.Error("taskstore: failed to record task completion", "task", task.ID, "error", err)
		return
	}
	task.Status = StatusCompleted
	task.Result = result.Result
	e.recordTerminal(task)
	e.notify(task)
}

func (e *Executor) fail(ctx context.Context, task *Task, reason string) {
	if err := e.store.SetFailed(ctx, task.ID, reason); err != nil {
		e.log.Error("taskstore: failed to record task failure", "task", task.ID, "error", err)
		return
	}
	task.Status = StatusFailed
	task.FailureReason = reason
	e.recordTerminal(task)
	e.notify(task)
}

func (e *Executor) recordTerminal(task *Task) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordTaskTerminal(string(task.Status), time.Since(task.CreatedAt).Seconds())
}

func (e *Executor) notify(task *Task) {
	if e.notifier == nil {
		return
	}
	ctx := context.Background()
	if err := e.notifier.Notify(ctx, task.OwnerFingerprint, task); err != nil {
		e.log.Warn("taskstore: completion notification failed", "task", task.ID, "error", err)
	}
}
