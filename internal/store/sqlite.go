package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"postflow/internal/domain"
	"postflow/internal/failure"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS operations (
  id TEXT PRIMARY KEY,
  payload TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_attempt_at INTEGER,
  last_error TEXT NOT NULL DEFAULT '',
  last_error_class TEXT NOT NULL DEFAULT '',
  next_eligible_at INTEGER NOT NULL,
  suspended INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_drain ON operations(priority DESC, created_at ASC);
CREATE TABLE IF NOT EXISTS operation_archive (
  id TEXT PRIMARY KEY,
  payload TEXT NOT NULL,
  priority INTEGER NOT NULL,
  attempts INTEGER NOT NULL,
  last_attempt_at INTEGER,
  last_error TEXT NOT NULL DEFAULT '',
  last_error_class TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archive_archived_at ON operation_archive(archived_at);
CREATE TABLE IF NOT EXISTS sent_hashes (
  hash TEXT PRIMARY KEY,
  recorded_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credential_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  expires_at INTEGER,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_attempt_at INTEGER,
  last_failure_at INTEGER,
  last_failure_class TEXT NOT NULL DEFAULT '',
  next_attempt_at INTEGER,
  rate_limit_reset_at INTEGER,
  reauth_required INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// DB is the durable store for queue entries, the archive, the dedup window
// and credential schedule metadata. Times are stored as unix nanoseconds.
type DB struct{ db *sql.DB }

func New(db *sql.DB) *DB { return &DB{db: db} }

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return New(db), nil
}

func (s *DB) Close() error { return s.db.Close() }

const opColumns = `id,payload,priority,attempts,last_attempt_at,last_error,last_error_class,next_eligible_at,suspended,created_at`

func (s *DB) Load(ctx context.Context) ([]domain.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+opColumns+` FROM operations ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []domain.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Save inserts or replaces a single entry.
func (s *DB) Save(ctx context.Context, op domain.QueuedOperation) error {
	return saveOperation(ctx, s.db, op)
}

func (s *DB) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id=?`, id)
	return err
}

func (s *DB) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operations`)
	return err
}

// Replace atomically swaps the stored queue for ops.
func (s *DB) Replace(ctx context.Context, ops []domain.QueuedOperation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return err
	}
	for _, op := range ops {
		if err = saveOperation(ctx, tx, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Archive moves an entry out of the active queue in one transaction.
func (s *DB) Archive(ctx context.Context, op domain.QueuedOperation, reason domain.ArchiveReason, at time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO operation_archive (id,payload,priority,attempts,last_attempt_at,last_error,last_error_class,reason,created_at,archived_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.Payload, int(op.Priority), op.AttemptCount, nullableNanos(op.LastAttemptAt),
		op.LastError, string(op.LastErrorClass), string(reason), op.CreatedAt.UnixNano(), at.UnixNano())
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM operations WHERE id=?`, op.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) ListArchive(ctx context.Context) ([]domain.ArchivedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,payload,priority,attempts,last_attempt_at,last_error,last_error_class,reason,created_at,archived_at
FROM operation_archive ORDER BY archived_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ArchivedOperation
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Unarchive moves an archived entry back into the active queue as op.
func (s *DB) Unarchive(ctx context.Context, op domain.QueuedOperation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM operation_archive WHERE id=?`, op.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return err
	}
	if err = saveOperation(ctx, tx, op); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) GetArchived(ctx context.Context, id string) (domain.ArchivedOperation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,payload,priority,attempts,last_attempt_at,last_error,last_error_class,reason,created_at,archived_at
FROM operation_archive WHERE id=?`, id)
	a, err := scanArchived(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ArchivedOperation{}, ErrNotFound
	}
	return a, err
}

// PurgeArchive deletes archived entries older than before.
func (s *DB) PurgeArchive(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operation_archive WHERE archived_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *DB) ContainsSince(ctx context.Context, hash string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sent_hashes WHERE hash=? AND recorded_at >= ?`, hash, since.UnixNano()).Scan(&n)
	return n > 0, err
}

func (s *DB) RecordSent(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sent_hashes (hash, recorded_at) VALUES (?,?)
ON CONFLICT(hash) DO UPDATE SET recorded_at=excluded.recorded_at`, hash, at.UnixNano())
	return err
}

func (s *DB) PurgeSent(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_hashes WHERE recorded_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *DB) LoadCredentialState(ctx context.Context) (domain.CredentialState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT expires_at,attempts,last_attempt_at,last_failure_at,last_failure_class,next_attempt_at,rate_limit_reset_at,reauth_required
FROM credential_state WHERE id=1`)

	var (
		st                                               domain.CredentialState
		expires, lastAttempt, lastFail, next, rateLimit sql.NullInt64
		class                                            string
	)
	err := row.Scan(&expires, &st.RefreshAttemptCount, &lastAttempt, &lastFail, &class, &next, &rateLimit, &st.ReauthRequired)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CredentialState{}, nil
	}
	if err != nil {
		return domain.CredentialState{}, err
	}
	st.ExpiresAt = timeFromNullable(expires)
	st.LastAttemptAt = timeFromNullable(lastAttempt)
	st.LastFailureAt = timeFromNullable(lastFail)
	st.LastFailureClass = classFromColumn(class)
	st.NextAttemptAt = timeFromNullable(next)
	st.RateLimitResetAt = timeFromNullable(rateLimit)
	return st, nil
}

func (s *DB) SaveCredentialState(ctx context.Context, st domain.CredentialState) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credential_state (id,expires_at,attempts,last_attempt_at,last_failure_at,last_failure_class,next_attempt_at,rate_limit_reset_at,reauth_required,updated_at)
VALUES (1,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  expires_at=excluded.expires_at,
  attempts=excluded.attempts,
  last_attempt_at=excluded.last_attempt_at,
  last_failure_at=excluded.last_failure_at,
  last_failure_class=excluded.last_failure_class,
  next_attempt_at=excluded.next_attempt_at,
  rate_limit_reset_at=excluded.rate_limit_reset_at,
  reauth_required=excluded.reauth_required,
  updated_at=excluded.updated_at`,
		nullableNanos(st.ExpiresAt), st.RefreshAttemptCount, nullableNanos(st.LastAttemptAt),
		nullableNanos(st.LastFailureAt), string(st.LastFailureClass), nullableNanos(st.NextAttemptAt),
		nullableNanos(st.RateLimitResetAt), st.ReauthRequired, time.Now().UnixNano())
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func saveOperation(ctx context.Context, e execer, op domain.QueuedOperation) error {
	_, err := e.ExecContext(ctx, `
INSERT INTO operations (`+opColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  attempts=excluded.attempts,
  priority=excluded.priority,
  last_attempt_at=excluded.last_attempt_at,
  last_error=excluded.last_error,
  last_error_class=excluded.last_error_class,
  next_eligible_at=excluded.next_eligible_at,
  suspended=excluded.suspended`,
		op.ID, op.Payload, int(op.Priority), op.AttemptCount, nullableNanos(op.LastAttemptAt),
		op.LastError, string(op.LastErrorClass), op.NextEligibleAt.UnixNano(), op.Suspended, op.CreatedAt.UnixNano())
	return err
}

func scanOperation(row scanner) (domain.QueuedOperation, error) {
	var (
		op                       domain.QueuedOperation
		priority                 int
		lastAttempt              sql.NullInt64
		class                    string
		nextEligible, createdAt int64
	)
	if err := row.Scan(&op.ID, &op.Payload, &priority, &op.AttemptCount, &lastAttempt, &op.LastError, &class, &nextEligible, &op.Suspended, &createdAt); err != nil {
		return domain.QueuedOperation{}, err
	}
	op.Priority = domain.Priority(priority)
	op.LastAttemptAt = timeFromNullable(lastAttempt)
	op.LastErrorClass = classFromColumn(class)
	op.NextEligibleAt = fromNanos(nextEligible)
	op.CreatedAt = fromNanos(createdAt)
	return op, nil
}

// classFromColumn maps classes written by other versions to unknown.
func classFromColumn(s string) failure.Class {
	if s == "" {
		return ""
	}
	if c := failure.Class(s); c.Valid() {
		return c
	}
	return failure.Unknown
}

func scanArchived(row scanner) (domain.ArchivedOperation, error) {
	var (
		a                     domain.ArchivedOperation
		priority              int
		lastAttempt           sql.NullInt64
		class, reason         string
		createdAt, archivedAt int64
	)
	if err := row.Scan(&a.ID, &a.Payload, &priority, &a.AttemptCount, &lastAttempt, &a.LastError, &class, &reason, &createdAt, &archivedAt); err != nil {
		return domain.ArchivedOperation{}, err
	}
	a.Priority = domain.Priority(priority)
	a.LastAttemptAt = timeFromNullable(lastAttempt)
	a.LastErrorClass = classFromColumn(class)
	a.Reason = domain.ArchiveReason(reason)
	a.CreatedAt = fromNanos(createdAt)
	a.ArchivedAt = fromNanos(archivedAt)
	return a, nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNullable(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
