// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/durable/internal/event"
	derrors "github.com/tombee/durable/pkg/errors"
)

// Spec-version gate errors.
var (
	// ErrLegacyRun marks runs persisted by an engine older than
	// MinSpecVersion; they are unsupported.
	ErrLegacyRun = errors.New("run uses an unsupported legacy spec version")

	// ErrNewerRun marks runs persisted by a newer engine than this one.
	ErrNewerRun = errors.New("run requires a newer engine version")
)

// SQLiteStore is the reference Storage backend.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey *EncryptionKey
}

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int

	// EnableEncryption enables AES-256-GCM encryption for serialized
	// blobs. Requires DURABLE_DATA_KEY to be set.
	EnableEncryption bool
}

// New creates a new SQLite storage backend.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// SQLite connection string with WAL mode for better concurrency
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// Each sqlite connection gets its own in-memory database; a pool
		// of one keeps every query on the same database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if cfg.EnableEncryption {
		key, err := LoadEncryptionKey()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load encryption key: %w", err)
		}
		if key == nil {
			db.Close()
			return nil, fmt.Errorf("encryption enabled but no key found (set DURABLE_DATA_KEY)")
		}
		store.encryptionKey = key
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		// Runs: materialized run state
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			deployment_id TEXT,
			spec_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT,
			execution_context TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)`,

		// Steps: materialized step state, folded from events
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			input BLOB,
			output BLOB,
			error TEXT,
			started_at INTEGER,
			retry_after INTEGER,
			completed_at INTEGER,
			PRIMARY KEY (run_id, step_id)
		)`,

		// Hooks: live external-signal tokens; token namespace is global
		`CREATE TABLE IF NOT EXISTS hooks (
			run_id TEXT NOT NULL,
			hook_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			metadata BLOB,
			spec_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, hook_id)
		)`,

		// Waits: timed pauses; wait_id = run_id || correlation_id
		`CREATE TABLE IF NOT EXISTS waits (
			wait_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			resume_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waits_run ON waits(run_id)`,

		// Events: the append-only source of truth, ordered by event_id
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			correlation_id TEXT,
			event_type TEXT NOT NULL,
			event_data BLOB,
			spec_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(run_id, correlation_id)`,

		// Stream chunks: append-only named byte streams per run
		`CREATE TABLE IF NOT EXISTS stream_chunks (
			stream_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			data BLOB,
			is_close INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (stream_name, run_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_chunks_run ON stream_chunks(run_id, stream_name)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs returns the run reader.
func (s *SQLiteStore) Runs() RunStore { return &sqliteRuns{s} }

// Steps returns the step reader.
func (s *SQLiteStore) Steps() StepStore { return &sqliteSteps{s} }

// Hooks returns the hook reader.
func (s *SQLiteStore) Hooks() HookStore { return &sqliteHooks{s} }

// Waits returns the wait reader.
func (s *SQLiteStore) Waits() WaitStore { return &sqliteWaits{s} }

// Events returns the event store.
func (s *SQLiteStore) Events() EventStore { return &sqliteEvents{s} }

// seal encrypts a serialized blob when encryption is configured.
func (s *SQLiteStore) seal(b []byte) ([]byte, error) {
	if s.encryptionKey == nil || len(b) == 0 {
		return b, nil
	}
	return s.encryptionKey.Encrypt(b)
}

// open decrypts a serialized blob when encryption is configured.
func (s *SQLiteStore) open(b []byte) ([]byte, error) {
	if s.encryptionKey == nil || len(b) == 0 {
		return b, nil
	}
	return s.encryptionKey.Decrypt(b)
}

// querier covers *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Prepared statement texts for the validation hot paths.
const (
	qGetRunByID   = `SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output, error, execution_context, created_at, started_at, completed_at FROM runs WHERE run_id = ?`
	qGetStepByID  = `SELECT run_id, step_id, step_name, status, attempt, max_retries, input, output, error, started_at, retry_after, completed_at FROM steps WHERE run_id = ? AND step_id = ?`
	qGetHookToken = `SELECT run_id, hook_id, token, metadata, spec_version, created_at FROM hooks WHERE token = ?`
	qGetWaitByID  = `SELECT wait_id, run_id, correlation_id, status, resume_at, created_at FROM waits WHERE wait_id = ?`
)

func (s *SQLiteStore) getRun(ctx context.Context, q querier, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, qGetRunByID, runID)
	return s.scanRun(row, runID)
}

func (s *SQLiteStore) scanRun(row *sql.Row, runID string) (*Run, error) {
	var (
		r          Run
		deployment sql.NullString
		errJSON    sql.NullString
		execJSON   sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		doneAt     sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.WorkflowName, &deployment, &r.SpecVersion, &r.Status,
		&r.Input, &r.Output, &errJSON, &execJSON, &createdAt, &startedAt, &doneAt)
	if err == sql.ErrNoRows {
		return nil, &derrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	r.DeploymentID = deployment.String
	r.CreatedAt = fromUnixMilli(createdAt)
	r.StartedAt = nullTime(startedAt)
	r.CompletedAt = nullTime(doneAt)
	if errJSON.Valid && errJSON.String != "" {
		var ev event.ErrorValue
		if err := json.Unmarshal([]byte(errJSON.String), &ev); err == nil {
			r.Error = &ev
		}
	}
	if execJSON.Valid && execJSON.String != "" {
		_ = json.Unmarshal([]byte(execJSON.String), &r.ExecutionContext)
	}
	if r.Input, err = s.open(r.Input); err != nil {
		return nil, derrors.NewServerError(err)
	}
	if r.Output, err = s.open(r.Output); err != nil {
		return nil, derrors.NewServerError(err)
	}
	return &r, nil
}

func (s *SQLiteStore) getStep(ctx context.Context, q querier, runID, stepID string) (*Step, error) {
	row := q.QueryRowContext(ctx, qGetStepByID, runID, stepID)
	return s.scanStep(row, stepID)
}

func (s *SQLiteStore) scanStep(row *sql.Row, stepID string) (*Step, error) {
	var (
		st         Step
		errJSON    sql.NullString
		startedAt  sql.NullInt64
		retryAfter sql.NullInt64
		doneAt     sql.NullInt64
	)
	err := row.Scan(&st.RunID, &st.ID, &st.Name, &st.Status, &st.Attempt, &st.MaxRetries,
		&st.Input, &st.Output, &errJSON, &startedAt, &retryAfter, &doneAt)
	if err == sql.ErrNoRows {
		return nil, &derrors.NotFoundError{Resource: "step", ID: stepID}
	}
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	st.StartedAt = nullTime(startedAt)
	st.RetryAfter = nullTime(retryAfter)
	st.CompletedAt = nullTime(doneAt)
	if errJSON.Valid && errJSON.String != "" {
		var ev event.ErrorValue
		if err := json.Unmarshal([]byte(errJSON.String), &ev); err == nil {
			st.Error = &ev
		}
	}
	if st.Input, err = s.open(st.Input); err != nil {
		return nil, derrors.NewServerError(err)
	}
	if st.Output, err = s.open(st.Output); err != nil {
		return nil, derrors.NewServerError(err)
	}
	return &st, nil
}

type sqliteRuns struct{ s *SQLiteStore }

func (r *sqliteRuns) Get(ctx context.Context, runID string) (*Run, error) {
	return r.s.getRun(ctx, r.s.db, runID)
}

func (r *sqliteRuns) List(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT run_id FROM runs`
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowName != "" {
		conds = append(conds, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY run_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, derrors.NewServerError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.NewServerError(err)
	}
	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

type sqliteSteps struct{ s *SQLiteStore }

func (st *sqliteSteps) Get(ctx context.Context, runID, stepID string) (*Step, error) {
	return st.s.getStep(ctx, st.s.db, runID, stepID)
}

func (st *sqliteSteps) List(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := st.s.db.QueryContext(ctx, `SELECT step_id FROM steps WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, derrors.NewServerError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.NewServerError(err)
	}
	out := make([]*Step, 0, len(ids))
	for _, id := range ids {
		step, err := st.Get(ctx, runID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, nil
}

type sqliteHooks struct{ s *SQLiteStore }

func (h *sqliteHooks) scan(row *sql.Row, id string) (*Hook, error) {
	var (
		hk        Hook
		createdAt int64
	)
	err := row.Scan(&hk.RunID, &hk.ID, &hk.Token, &hk.Metadata, &hk.SpecVersion, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &derrors.NotFoundError{Resource: "hook", ID: id}
	}
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	hk.CreatedAt = fromUnixMilli(createdAt)
	if hk.Metadata, err = h.s.open(hk.Metadata); err != nil {
		return nil, derrors.NewServerError(err)
	}
	return &hk, nil
}

func (h *sqliteHooks) Get(ctx context.Context, runID, hookID string) (*Hook, error) {
	row := h.s.db.QueryRowContext(ctx,
		`SELECT run_id, hook_id, token, metadata, spec_version, created_at FROM hooks WHERE run_id = ? AND hook_id = ?`,
		runID, hookID)
	return h.scan(row, hookID)
}

func (h *sqliteHooks) GetByToken(ctx context.Context, token string) (*Hook, error) {
	row := h.s.db.QueryRowContext(ctx, qGetHookToken, token)
	return h.scan(row, token)
}

func (h *sqliteHooks) List(ctx context.Context, runID string) ([]*Hook, error) {
	rows, err := h.s.db.QueryContext(ctx,
		`SELECT hook_id FROM hooks WHERE run_id = ? ORDER BY hook_id`, runID)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, derrors.NewServerError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.NewServerError(err)
	}
	out := make([]*Hook, 0, len(ids))
	for _, id := range ids {
		hk, err := h.Get(ctx, runID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, hk)
	}
	return out, nil
}

type sqliteWaits struct{ s *SQLiteStore }

func (w *sqliteWaits) scan(row *sql.Row, id string) (*Wait, error) {
	var (
		wt        Wait
		resumeAt  sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&wt.ID, &wt.RunID, &wt.CorrelationID, &wt.Status, &resumeAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &derrors.NotFoundError{Resource: "wait", ID: id}
	}
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	wt.ResumeAt = nullTime(resumeAt)
	wt.CreatedAt = fromUnixMilli(createdAt)
	return &wt, nil
}

func (w *sqliteWaits) Get(ctx context.Context, waitID string) (*Wait, error) {
	row := w.s.db.QueryRowContext(ctx, qGetWaitByID, waitID)
	return w.scan(row, waitID)
}

func (w *sqliteWaits) ListPending(ctx context.Context, runID string) ([]*Wait, error) {
	rows, err := w.s.db.QueryContext(ctx,
		`SELECT wait_id FROM waits WHERE run_id = ? AND status = 'waiting' ORDER BY wait_id`, runID)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, derrors.NewServerError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.NewServerError(err)
	}
	out := make([]*Wait, 0, len(ids))
	for _, id := range ids {
		wt, err := w.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, nil
}

// AppendChunks appends a batch of chunks to a stream, optionally with a
// close sentinel after the data.
func (s *SQLiteStore) AppendChunks(ctx context.Context, streamName, runID string, chunks [][]byte, closed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return derrors.NewServerError(err)
	}
	defer tx.Rollback()

	var next int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM stream_chunks WHERE stream_name = ? AND run_id = ?`,
		streamName, runID)
	if err := row.Scan(&next); err != nil {
		return derrors.NewServerError(err)
	}

	now := time.Now().UnixMilli()
	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stream_chunks (stream_name, run_id, idx, data, is_close, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
			streamName, runID, next, chunk, now); err != nil {
			return derrors.NewServerError(err)
		}
		next++
	}
	if closed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stream_chunks (stream_name, run_id, idx, data, is_close, created_at) VALUES (?, ?, ?, NULL, 1, ?)`,
			streamName, runID, next, now); err != nil {
			return derrors.NewServerError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return derrors.NewServerError(err)
	}
	return nil
}

// ReadChunks returns the chunks at or after fromIndex and whether the
// stream has been closed.
func (s *SQLiteStore) ReadChunks(ctx context.Context, streamName, runID string, fromIndex int) ([][]byte, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, is_close FROM stream_chunks WHERE stream_name = ? AND run_id = ? AND idx >= ? ORDER BY idx`,
		streamName, runID, fromIndex)
	if err != nil {
		return nil, false, derrors.NewServerError(err)
	}
	defer rows.Close()

	var (
		chunks [][]byte
		closed bool
	)
	for rows.Next() {
		var (
			data    []byte
			isClose int
		)
		if err := rows.Scan(&data, &isClose); err != nil {
			return nil, false, derrors.NewServerError(err)
		}
		if isClose == 1 {
			closed = true
			break
		}
		chunks = append(chunks, data)
	}
	if err := rows.Err(); err != nil {
		return nil, false, derrors.NewServerError(err)
	}
	return chunks, closed, nil
}

// ListStreams returns the stream names written for a run.
func (s *SQLiteStore) ListStreams(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT stream_name FROM stream_chunks WHERE run_id = ? ORDER BY stream_name`, runID)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, derrors.NewServerError(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.NewServerError(err)
	}
	return names, nil
}

// Time helpers: timestamps persist as unix milliseconds.

func toUnixMilli(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixMilli(v.Int64)
	return &t
}

func timePtrMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
