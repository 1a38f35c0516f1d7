// Package sessionstore persists the mapping from an external session ID
// to the CLI's upstream session token, scoped by owner, plus an
// in-memory FIFO lock manager used to serialize work against one
// session. Persistence is grounded on the teacher's
// store/db/sqlite/sqlite.go pragma sequence, adapted to
// modernc.org/sqlite (the teacher's declared, CGO-free driver) and to
// this system's 5-second busy timeout.
package sessionstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hrygo/ccgateway/internal/apierror"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	upstream_session_id TEXT,
	owner_fingerprint TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_accessed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_fingerprint);
`

// Session is a persisted record of one conversation's upstream token,
// scoped to the owner that created it.
type Session struct {
	ID                string
	UpstreamSessionID string
	OwnerFingerprint  string
	CreatedAt         time.Time
	LastAccessedAt    time.Time
}

// Store is owner-scoped CRUD over Session, plus a per-session FIFO
// advisory lock. It is safe for concurrent use.
type Store struct {
	db               *sql.DB
	log              *slog.Logger
	maxSessionsPerKey int
	ttl              time.Duration

	locks *lockTable
}

// Fingerprint hashes a raw caller credential into the digest stored as
// Session.OwnerFingerprint. The raw credential is never persisted.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Open opens (creating if absent) the SQLite file at path and prepares
// the sessions table.
func Open(path string, maxSessionsPerKey int, ttl time.Duration, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "open session store")
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
			return nil, apierror.Wrap(apierror.Internal, err, "configure session store")
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apierror.Wrap(apierror.Internal, err, "migrate session store")
	}

	return &Store{
		db:                db,
		log:               log,
		maxSessionsPerKey: maxSessionsPerKey,
		ttl:               ttl,
		locks:             newLockTable(),
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new session owned by credential, rejecting with
// session_limit if the owner already holds maxSessionsPerKey sessions.
func (s *Store) Create(ctx context.Context, upstreamToken, credential string) (*Session, error) {
	return s.CreateForOwner(ctx, upstreamToken, Fingerprint(credential))
}

// CreateForOwner is Create for a caller that already holds the hashed
// owner fingerprint rather than the raw credential — the task executor,
// which never sees raw bearer tokens, is the only such caller.
func (s *Store) CreateForOwner(ctx context.Context, upstreamToken, owner string) (*Session, error) {
	count, err := s.countByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if count >= s.maxSessionsPerKey {
		return nil, apierror.SessionLimitError()
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:                uuid.New().String(),
		UpstreamSessionID: upstreamToken,
		OwnerFingerprint:  owner,
		CreatedAt:         now,
		LastAccessedAt:    now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, upstream_session_id, owner_fingerprint, created_at, last_accessed_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UpstreamSessionID, sess.OwnerFingerprint, iso(sess.CreatedAt), iso(sess.LastAccessedAt))
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "insert session")
	}
	return sess, nil
}

// Get returns the session with id iff it is owned by credential.
// Ownership mismatch and absence are indistinguishable, both yielding
// session_not_found, so existence is never leaked.
func (s *Store) Get(ctx context.Context, id, credential string) (*Session, error) {
	return s.GetForOwner(ctx, id, Fingerprint(credential))
}

// GetForOwner is Get for a caller that already holds the hashed owner
// fingerprint rather than the raw credential.
func (s *Store) GetForOwner(ctx context.Context, id, owner string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, upstream_session_id, owner_fingerprint, created_at, last_accessed_at FROM sessions WHERE id = ? AND owner_fingerprint = ?`,
		id, owner)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apierror.SessionNotFoundError()
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "get session")
	}
	return sess, nil
}

// Touch advances id's lastAccessedAt to now.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_accessed_at = ? WHERE id = ?`, iso(time.Now().UTC()), id)
	if err != nil {
		return apierror.Wrap(apierror.Internal, err, "touch session")
	}
	return nil
}

// Delete removes id iff it is owned by credential, returning whether a
// row was removed. Any in-memory lock for id is purged too.
func (s *Store) Delete(ctx context.Context, id, credential string) (bool, error) {
	owner := Fingerprint(credential)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_fingerprint = ?`, id, owner)
	if err != nil {
		return false, apierror.Wrap(apierror.Internal, err, "delete session")
	}
	n, _ := res.RowsAffected()
	s.locks.purge(id)
	return n > 0, nil
}

// List returns every session owned by credential.
func (s *Store) List(ctx context.Context, credential string) ([]*Session, error) {
	owner := Fingerprint(credential)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, upstream_session_id, owner_fingerprint, created_at, last_accessed_at FROM sessions WHERE owner_fingerprint = ? ORDER BY created_at`,
		owner)
	if err != nil {
		return nil, apierror.Wrap(apierror.Internal, err, "list sessions")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apierror.Wrap(apierror.Internal, err, "scan session")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Stats reports the total number of persisted sessions.
func (s *Store) Stats(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, apierror.Wrap(apierror.Internal, err, "count sessions")
	}
	return n, nil
}

func (s *Store) countByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE owner_fingerprint = ?`, owner).Scan(&n); err != nil {
		return 0, apierror.Wrap(apierror.Internal, err, "count owner sessions")
	}
	return n, nil
}

// scanner abstracts *sql.Row and *sql.Rows so scanSession serves both.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var createdAt, lastAccessedAt string
	var upstream sql.NullString
	if err := row.Scan(&sess.ID, &upstream, &sess.OwnerFingerprint, &createdAt, &lastAccessedAt); err != nil {
		return nil, err
	}
	sess.UpstreamSessionID = upstream.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.LastAccessedAt, _ = time.Parse(time.RFC3339, lastAccessedAt)
	return &sess, nil
}

// iso formats t with fixed-width nanoseconds, so stored timestamps
// compare in time order as strings (SweepExpired's `<` relies on it)
// and sub-second TTLs are honoured.
func iso(t time.Time) string { return t.Format("2006-01-02T15:04:05.000000000Z07:00") }

// SweepExpired deletes every session whose lastAccessedAt is older than
// the configured TTL, purging any in-memory lock for each deleted row.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	cutoff := iso(time.Now().UTC().Add(-s.ttl))

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, apierror.Wrap(apierror.Internal, err, "select expired sessions")
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apierror.Wrap(apierror.Internal, err, "scan expired session")
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apierror.Wrap(apierror.Internal, err, "iterate expired sessions")
	}

	if len(expired) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, apierror.Wrap(apierror.Internal, err, "delete expired sessions")
	}
	n, _ := res.RowsAffected()

	for _, id := range expired {
		s.locks.purge(id)
	}
	return int(n), nil
}

// RunSweepLoop runs SweepExpired every interval until ctx is cancelled.
func (s *Store) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				s.log.Warn("sessionstore: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("sessionstore: swept expired sessions", "count", n)
			}
		}
	}
}

// Acquire and Release expose the store's FIFO per-session lock.
func (s *Store) Acquire(ctx context.Context, id string) error { return s.locks.acquire(ctx, id) }
func (s *Store) Release(id string)                            { s.locks.release(id) }
