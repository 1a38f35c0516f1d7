// Package taskstore persists background job records: submission,
// lifecycle transitions, orphan recovery on startup, and a TTL sweep of
// terminal rows. Persistence is grounded the same way as
// internal/sessionstore: modernc.org/sqlite with the teacher's pragma
// sequence adapted to this system's 5-second busy timeout.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hrygo/ccgateway/internal/apierror"
	"github.com/hrygo/ccgateway/internal/cliexec"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('running','completed','failed')),
	owner_fingerprint TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT,
	allowed_tools TEXT,
	working_directory TEXT,
	session_id TEXT,
	max_turns INTEGER,
	result TEXT,
	failure_reason TEXT,
	upstream_session_id TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_fingerprint);
CREATE INDEX IF NOT EXISTS idx_tasks_status_completed ON tasks(status, completed_at);
`

// Status is the closed set of task lifecycle states.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is a persisted record of one background execution.
type Task struct {
	ID                string
	OwnerFingerprint  string
	Status            Status
	Prompt            string
	Model             string
	AllowedTools      []string
	WorkingDirectory  string
	SessionID         string
	MaxTurns          int
	Result            string
	FailureReason     string
	UpstreamSessionID string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	DurationMillis    int64
}

// CreateRequest captures the RunOptions-shaped fields of a new
// background task.
type CreateRequest struct {
	Prompt           string
	Model            string
	AllowedTools     []string
	WorkingDirectory string
	SessionID        string
	MaxTurns         int
}

// Store is owner-scoped CRUD over Task, plus in-memory cancellation
// handles for running tasks.
type Store struct {
	db        *sql.DB
	log       *slog.Logger
	retention time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Open opens (creating if absent) the SQLite file at path and prepares
// the tasks table.
func Open(path string, retention time.Duration, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "open task store")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apierror.Wrap(apierror.Internal, err, "configure task store")
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apierror.Wrap(apierror.Internal, err, "migrate task store")
	}

	return &Store{
		db:        db,
		log:       log,
		retention: retention,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a running task row owned by ownerFingerprint (an
// already-hashed credential) and returns
// the task plus a context whose cancellation is the task's cancel
// handle; cancel() fires it.
func (s *Store) Create(ctx context.Context, req CreateRequest, ownerFingerprint string) (*Task, context.Context, context.CancelFunc, error) {
	owner := ownerFingerprint
	now := time.Now().UTC()
	task := &Task{
		ID:               uuid.New().String(),
		OwnerFingerprint: owner,
		Status:           StatusRunning,
		Prompt:           req.Prompt,
		Model:            req.Model,
		AllowedTools:     req.AllowedTools,
		WorkingDirectory: req.WorkingDirectory,
		SessionID:        req.SessionID,
		MaxTurns:         req.MaxTurns,
		CreatedAt:        now,
		StartedAt:        &now,
	}

	allowedJSON, _ := json.Marshal(task.AllowedTools)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, owner_fingerprint, prompt, model, allowed_tools, working_directory, session_id, max_turns, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Status, task.OwnerFingerprint, task.Prompt, nullable(task.Model), string(allowedJSON),
		nullable(task.WorkingDirectory), nullable(task.SessionID), nullableInt(task.MaxTurns), iso(now), iso(now))
	if err != nil {
		return nil, nil, nil, apierror.Wrap(apierror.Internal, err, "insert task")
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[task.ID] = cancel
	s.mu.Unlock()

	return task, taskCtx, cancel, nil
}

// Get returns the task with id iff it is owned by ownerFingerprint.
func (s *Store) Get(ctx context.Context, id, ownerFingerprint string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, owner_fingerprint, prompt, model, allowed_tools, working_directory, session_id, max_turns,
		       result, failure_reason, upstream_session_id, created_at, started_at, completed_at, duration_ms
		FROM tasks WHERE id = ? AND owner_fingerprint = ?`, id, ownerFingerprint)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apierror.TaskNotFoundError()
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "get task")
	}
	return task, nil
}

// SetCompleted transitions id to completed, computing durationMillis
// from startedAt.
func (s *Store) SetCompleted(ctx context.Context, id, result, upstreamSessionID string) error {
	return s.finish(ctx, id, StatusCompleted, result, "", upstreamSessionID)
}

// SetFailed transitions id to failed with reason.
func (s *Store) SetFailed(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, StatusFailed, "", reason, "")
}

func (s *Store) finish(ctx context.Context, id string, status Status, result, reason, upstreamSessionID string) error {
	var startedAt sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM tasks WHERE id = ?`, id).Scan(&startedAt); err != nil {
		if err == sql.ErrNoRows {
			return apierror.TaskNotFoundError()
		}
		return apierror.Wrap(apierror.Internal, err, "lookup task for completion")
	}

	now := time.Now().UTC()
	var durationMs int64
	if startedAt.Valid {
		if st, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			durationMs = now.Sub(st).Milliseconds()
		}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, failure_reason = ?, upstream_session_id = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		status, nullable(result), nullable(reason), nullable(upstreamSessionID), iso(now), durationMs, id)
	if err != nil {
		return apierror.Wrap(apierror.Internal, err, "complete task")
	}

	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
	return nil
}

// Cancel fires id's cancel handle (if any) and records the terminal
// state. Returns false if the task is absent or already terminal.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	var status Status
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, apierror.Wrap(apierror.Internal, err, "lookup task for cancel")
	}
	if status != StatusRunning {
		return false, nil
	}

	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}

	if err := s.SetFailed(ctx, id, "cancelled"); err != nil {
		return false, err
	}
	return true, nil
}

// MarkOrphanedFailed rewrites every persisted running row to failed
// with reason server_restart. Called once at startup before admitting
// new work.
func (s *Store) MarkOrphanedFailed(ctx context.Context) (int, error) {
	now := iso(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', failure_reason = 'server_restart', completed_at = ?
		WHERE status = 'running'`, now)
	if err != nil {
		return 0, apierror.Wrap(apierror.Internal, err, "mark orphaned tasks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SweepTerminal deletes terminal rows older than the retention window.
func (s *Store) SweepTerminal(ctx context.Context) (int, error) {
	cutoff := iso(time.Now().UTC().Add(-s.retention))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status != 'running' AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, apierror.Wrap(apierror.Internal, err, "sweep terminal tasks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RunSweepLoop runs SweepTerminal every interval until ctx is
// cancelled.
func (s *Store) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepTerminal(ctx)
			if err != nil {
				s.log.Warn("taskstore: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("taskstore: swept terminal tasks", "count", n)
			}
		}
	}
}

// RunOptionsFor builds the cliexec.RunOptions captured by a task,
// ready for submission to the Worker Pool.
func (t *Task) RunOptionsFor(resumeSessionID string) cliexec.RunOptions {
	return cliexec.RunOptions{
		Prompt:           t.Prompt,
		Model:            t.Model,
		AllowedTools:     t.AllowedTools,
		WorkingDirectory: t.WorkingDirectory,
		ResumeSessionID:  resumeSessionID,
		MaxTurns:         t.MaxTurns,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var model, allowedJSON, workDir, sessionID, result, reason, upstream sql.NullString
	var maxTurns sql.NullInt64
	var createdAt string
	var startedAt, completedAt sql.NullString
	var durationMs sql.NullInt64

	if err := row.Scan(&t.ID, &t.Status, &t.OwnerFingerprint, &t.Prompt, &model, &allowedJSON, &workDir,
		&sessionID, &maxTurns, &result, &reason, &upstream, &createdAt, &startedAt, &completedAt, &durationMs); err != nil {
		return nil, err
	}

	t.Model = model.String
	t.WorkingDirectory = workDir.String
	t.SessionID = sessionID.String
	t.Result = result.String
	t.FailureReason = reason.String
	t.UpstreamSessionID = upstream.String
	t.MaxTurns = int(maxTurns.Int64)
	t.DurationMillis = durationMs.Int64
	if allowedJSON.Valid && allowedJSON.String != "" {
		_ = json.Unmarshal([]byte(allowedJSON.String), &t.AllowedTools)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			t.StartedAt = &parsed
		}
	}
	if completedAt.Valid {
		if parsed, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			t.CompletedAt = &parsed
		}
	}
	return &t, nil
}

// iso formats t with fixed-width nanoseconds, so stored timestamps
// compare in time order as strings (SweepTerminal's `<` relies on it)
// and durations are computed from sub-second start times.
func iso(t time.Time) string { return t.Format("2006-01-02T15:04:05.000000000Z07:00") }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
