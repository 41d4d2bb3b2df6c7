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
	"fmt"
	"time"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/ident"
	derrors "github.com/tombee/durable/pkg/errors"
)

type sqliteEvents struct{ s *SQLiteStore }

// Create atomically validates the run's spec version and terminal-state
// invariants, applies the derived entity mutation for the event type, and
// appends the event row. The returned CreateResult reflects the entity
// state after the mutation.
func (e *sqliteEvents) Create(ctx context.Context, req CreateEvent) (*CreateResult, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", req.Type)
	}

	tx, err := e.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	defer tx.Rollback()

	res, err := e.createInTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, derrors.NewServerError(err)
	}
	return res, nil
}

func (e *sqliteEvents) createInTx(ctx context.Context, tx *sql.Tx, req CreateEvent) (*CreateResult, error) {
	s := e.s
	now := time.Now().UTC()
	res := &CreateResult{}

	// run_created is the only event that does not validate against an
	// existing run.
	if req.Type == event.RunCreated {
		return e.applyRunCreated(ctx, tx, req, now)
	}

	run, err := s.getRun(ctx, tx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.SpecVersion < MinSpecVersion {
		return nil, fmt.Errorf("run %s: %w", run.ID, ErrLegacyRun)
	}
	if run.SpecVersion > CurrentSpecVersion {
		return nil, fmt.Errorf("run %s: %w", run.ID, ErrNewerRun)
	}

	// Terminal-state invariant: once a run is terminal no event may be
	// appended, except the idempotent re-cancel and the completion of a
	// step that was already running when the run terminated.
	if run.Status.Terminal() {
		switch req.Type {
		case event.RunCancelled:
			if run.Status != RunCancelled {
				return nil, derrors.NewConflict(fmt.Sprintf("run %s is %s", run.ID, run.Status))
			}
			// Idempotent: append the event without touching the row.
			ev, err := e.appendEvent(ctx, tx, req, now)
			if err != nil {
				return nil, err
			}
			res.Event, res.Run = ev, run
			return res, nil
		case event.StepCompleted, event.StepFailed:
			step, err := s.getStep(ctx, tx, req.RunID, req.CorrelationID)
			if err != nil {
				return nil, err
			}
			if step.Status != StepRunning {
				return nil, derrors.NewGone(fmt.Sprintf("run %s is %s", run.ID, run.Status))
			}
			// In-flight step finishing after termination is allowed.
		default:
			return nil, derrors.NewGone(fmt.Sprintf("run %s is %s", run.ID, run.Status))
		}
	}

	switch req.Type {
	case event.RunStarted:
		r, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = 'running', started_at = ? WHERE run_id = ? AND status = 'pending'`,
			toUnixMilli(now), run.ID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil, derrors.NewConflict(fmt.Sprintf("run %s is not pending", run.ID))
		}

	case event.RunCompleted:
		var data event.RunCompletedData
		decodeReq(req.Data, &data)
		output, err := s.seal(data.Output)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		r, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = 'completed', output = ?, completed_at = ? WHERE run_id = ? AND status NOT IN ('completed','failed','cancelled')`,
			output, toUnixMilli(now), run.ID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil, derrors.NewConflict(fmt.Sprintf("run %s is already terminal", run.ID))
		}
		if err := e.deleteSignals(ctx, tx, run.ID); err != nil {
			return nil, err
		}

	case event.RunFailed:
		var data event.RunFailedData
		decodeReq(req.Data, &data)
		errJSON, _ := json.Marshal(data.Error)
		r, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = 'failed', error = ?, completed_at = ? WHERE run_id = ? AND status NOT IN ('completed','failed','cancelled')`,
			string(errJSON), toUnixMilli(now), run.ID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil, derrors.NewConflict(fmt.Sprintf("run %s is already terminal", run.ID))
		}
		if err := e.deleteSignals(ctx, tx, run.ID); err != nil {
			return nil, err
		}

	case event.RunCancelled:
		r, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = 'cancelled', completed_at = ? WHERE run_id = ? AND status NOT IN ('completed','failed','cancelled')`,
			toUnixMilli(now), run.ID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil, derrors.NewConflict(fmt.Sprintf("run %s is already terminal", run.ID))
		}
		if err := e.deleteSignals(ctx, tx, run.ID); err != nil {
			return nil, err
		}

	case event.StepCreated:
		var data event.StepCreatedData
		decodeReq(req.Data, &data)
		input, err := s.seal(data.Input)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, step_id, step_name, status, attempt, max_retries, input) VALUES (?, ?, ?, 'pending', 0, ?, ?)`,
			run.ID, req.CorrelationID, data.StepName, data.MaxRetries, input)
		if err != nil {
			// Duplicate creation loses the race; the first event holds.
			return nil, derrors.NewConflict(fmt.Sprintf("step %s already exists", req.CorrelationID))
		}

	case event.StepStarted:
		step, err := s.getStep(ctx, tx, run.ID, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		if step.Status.Terminal() {
			return nil, derrors.NewConflict(fmt.Sprintf("step %s is %s", step.ID, step.Status))
		}
		if step.RetryAfter != nil && now.Before(*step.RetryAfter) {
			return nil, derrors.NewTooEarly(*step.RetryAfter)
		}
		r, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = 'running', attempt = attempt + 1, retry_after = NULL, started_at = COALESCE(started_at, ?)
			 WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed','failed')`,
			toUnixMilli(now), run.ID, req.CorrelationID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil, derrors.NewConflict(fmt.Sprintf("step %s is terminal", req.CorrelationID))
		}

	case event.StepCompleted:
		var data event.StepCompletedData
		decodeReq(req.Data, &data)
		output, err := s.seal(data.Output)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		r, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = 'completed', output = ?, completed_at = ? WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed','failed')`,
			output, toUnixMilli(now), run.ID, req.CorrelationID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			if _, err := s.getStep(ctx, tx, run.ID, req.CorrelationID); err != nil {
				return nil, err
			}
			return nil, derrors.NewConflict(fmt.Sprintf("step %s is already terminal", req.CorrelationID))
		}

	case event.StepFailed:
		var data event.StepFailedData
		decodeReq(req.Data, &data)
		errJSON, _ := json.Marshal(data.Error)
		r, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = 'failed', error = ?, completed_at = ? WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed','failed')`,
			string(errJSON), toUnixMilli(now), run.ID, req.CorrelationID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			if _, err := s.getStep(ctx, tx, run.ID, req.CorrelationID); err != nil {
				return nil, err
			}
			return nil, derrors.NewConflict(fmt.Sprintf("step %s is already terminal", req.CorrelationID))
		}

	case event.StepRetrying:
		var data event.StepRetryingData
		decodeReq(req.Data, &data)
		errJSON, _ := json.Marshal(data.Error)
		r, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = 'pending', error = ?, retry_after = ? WHERE run_id = ? AND step_id = ? AND status NOT IN ('completed','failed')`,
			string(errJSON), timePtrMilli(data.RetryAfter), run.ID, req.CorrelationID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			if _, err := s.getStep(ctx, tx, run.ID, req.CorrelationID); err != nil {
				return nil, err
			}
			return nil, derrors.NewConflict(fmt.Sprintf("step %s is already terminal", req.CorrelationID))
		}

	case event.HookCreated:
		var data event.HookCreatedData
		decodeReq(req.Data, &data)
		var live int
		row := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM hooks WHERE token = ?`, data.Token)
		if err := row.Scan(&live); err != nil {
			return nil, derrors.NewServerError(err)
		}
		if live > 0 {
			// Token collision: record hook_conflict instead; the run is
			// not aborted and no hook row is created.
			req.Type = event.HookConflict
			req.Data = event.HookConflictData{Token: data.Token}
			break
		}
		metadata, err := s.seal(data.Metadata)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hooks (run_id, hook_id, token, metadata, spec_version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, req.CorrelationID, data.Token, metadata, run.SpecVersion, toUnixMilli(now)); err != nil {
			return nil, derrors.NewServerError(err)
		}

	case event.HookReceived:
		// Payload lives on the event; the hook row is untouched so the
		// hook can receive further payloads.

	case event.HookDisposed:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM hooks WHERE run_id = ? AND hook_id = ?`, run.ID, req.CorrelationID); err != nil {
			return nil, derrors.NewServerError(err)
		}

	case event.WaitCreated:
		var data event.WaitCreatedData
		decodeReq(req.Data, &data)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO waits (wait_id, run_id, correlation_id, status, resume_at, created_at) VALUES (?, ?, ?, 'waiting', ?, ?)`,
			WaitID(run.ID, req.CorrelationID), run.ID, req.CorrelationID, timePtrMilli(data.ResumeAt), toUnixMilli(now)); err != nil {
			return nil, derrors.NewConflict(fmt.Sprintf("wait %s already exists", req.CorrelationID))
		}

	case event.WaitCompleted:
		waitID := WaitID(run.ID, req.CorrelationID)
		r, err := tx.ExecContext(ctx,
			`UPDATE waits SET status = 'completed' WHERE wait_id = ? AND status = 'waiting'`, waitID)
		if err != nil {
			return nil, derrors.NewServerError(err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			var exists int
			row := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM waits WHERE wait_id = ?`, waitID)
			if err := row.Scan(&exists); err != nil {
				return nil, derrors.NewServerError(err)
			}
			if exists == 0 {
				return nil, &derrors.NotFoundError{Resource: "wait", ID: waitID}
			}
			return nil, derrors.NewConflict(fmt.Sprintf("wait %s is already completed", waitID))
		}
	}

	ev, err := e.appendEvent(ctx, tx, req, now)
	if err != nil {
		return nil, err
	}
	res.Event = ev

	// Reflect resulting entity state so callers avoid a second read.
	res.Run, err = s.getRun(ctx, tx, req.RunID)
	if err != nil {
		return nil, err
	}
	switch req.Type {
	case event.StepCreated, event.StepStarted, event.StepCompleted, event.StepFailed, event.StepRetrying:
		res.Step, err = s.getStep(ctx, tx, req.RunID, req.CorrelationID)
		if err != nil {
			return nil, err
		}
	case event.HookCreated:
		hk, err := e.getHookInTx(ctx, tx, req.RunID, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		res.Hook = hk
	case event.WaitCreated, event.WaitCompleted:
		wt, err := e.getWaitInTx(ctx, tx, WaitID(req.RunID, req.CorrelationID))
		if err != nil {
			return nil, err
		}
		res.Wait = wt
	}
	return res, nil
}

// applyRunCreated inserts a new run row. The run id may be supplied by
// the client or generated here.
func (e *sqliteEvents) applyRunCreated(ctx context.Context, tx *sql.Tx, req CreateEvent, now time.Time) (*CreateResult, error) {
	s := e.s
	var data event.RunCreatedData
	decodeReq(req.Data, &data)

	runID := req.RunID
	if runID == "" {
		runID = ident.NewRunID()
		req.RunID = runID
	}
	specVersion := data.SpecVersion
	if specVersion == 0 {
		specVersion = CurrentSpecVersion
	}
	if specVersion < MinSpecVersion {
		return nil, fmt.Errorf("run %s: %w", runID, ErrLegacyRun)
	}
	if specVersion > CurrentSpecVersion {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNewerRun)
	}

	input, err := s.seal(data.Input)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	var execJSON any
	if len(data.ExecutionContext) > 0 {
		b, _ := json.Marshal(data.ExecutionContext)
		execJSON = string(b)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_name, deployment_id, spec_version, status, input, execution_context, created_at) VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		runID, data.WorkflowName, data.DeploymentID, specVersion, input, execJSON, toUnixMilli(now)); err != nil {
		return nil, derrors.NewConflict(fmt.Sprintf("run %s already exists", runID))
	}

	req.SpecVersion = specVersion
	ev, err := e.appendEvent(ctx, tx, req, now)
	if err != nil {
		return nil, err
	}
	run, err := s.getRun(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Event: ev, Run: run}, nil
}

// appendEvent writes the event row.
func (e *sqliteEvents) appendEvent(ctx context.Context, tx *sql.Tx, req CreateEvent, now time.Time) (*event.Event, error) {
	data, err := event.EncodeData(req.Data)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	sealed, err := e.s.seal(data)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	specVersion := req.SpecVersion
	if specVersion == 0 {
		specVersion = CurrentSpecVersion
	}
	ev := &event.Event{
		ID:            ident.NewEventID(),
		RunID:         req.RunID,
		CorrelationID: req.CorrelationID,
		Type:          req.Type,
		Data:          data,
		SpecVersion:   specVersion,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, correlation_id, event_type, event_data, spec_version, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, nullString(ev.CorrelationID), string(ev.Type), sealed, ev.SpecVersion, toUnixMilli(now)); err != nil {
		return nil, derrors.NewServerError(err)
	}
	return ev, nil
}

// deleteSignals removes all hooks and waits for a terminated run,
// freeing the token namespace.
func (e *sqliteEvents) deleteSignals(ctx context.Context, tx *sql.Tx, runID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM hooks WHERE run_id = ?`, runID); err != nil {
		return derrors.NewServerError(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM waits WHERE run_id = ?`, runID); err != nil {
		return derrors.NewServerError(err)
	}
	return nil
}

func (e *sqliteEvents) getHookInTx(ctx context.Context, tx *sql.Tx, runID, hookID string) (*Hook, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT run_id, hook_id, token, metadata, spec_version, created_at FROM hooks WHERE run_id = ? AND hook_id = ?`,
		runID, hookID)
	h := &sqliteHooks{e.s}
	return h.scan(row, hookID)
}

func (e *sqliteEvents) getWaitInTx(ctx context.Context, tx *sql.Tx, waitID string) (*Wait, error) {
	row := tx.QueryRowContext(ctx, qGetWaitByID, waitID)
	w := &sqliteWaits{e.s}
	return w.scan(row, waitID)
}

// List pages over a run's events ordered by event id.
func (e *sqliteEvents) List(ctx context.Context, runID string, filter EventFilter) ([]*event.Event, error) {
	query := `SELECT event_id, run_id, correlation_id, event_type, event_data, spec_version, created_at FROM events WHERE run_id = ?`
	args := []any{runID}
	if filter.AfterID != "" {
		if filter.Descending {
			query += ` AND event_id < ?`
		} else {
			query += ` AND event_id > ?`
		}
		args = append(args, filter.AfterID)
	}
	if filter.Descending {
		query += ` ORDER BY event_id DESC`
	} else {
		query += ` ORDER BY event_id ASC`
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	return e.queryEvents(ctx, query, args...)
}

// ListByCorrelationID returns all events for one correlation, ascending.
func (e *sqliteEvents) ListByCorrelationID(ctx context.Context, runID, correlationID string) ([]*event.Event, error) {
	return e.queryEvents(ctx,
		`SELECT event_id, run_id, correlation_id, event_type, event_data, spec_version, created_at FROM events WHERE run_id = ? AND correlation_id = ? ORDER BY event_id ASC`,
		runID, correlationID)
}

func (e *sqliteEvents) queryEvents(ctx context.Context, query string, args ...any) ([]*event.Event, error) {
	rows, err := e.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, derrors.NewServerError(err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var (
			ev        event.Event
			corr      sql.NullString
			data      []byte
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &corr, &ev.Type, &data, &ev.SpecVersion, &createdAt); err != nil {
			return nil, derrors.NewServerError(err)
		}
		ev.CorrelationID = corr.String
		ev.CreatedAt = fromUnixMilli(createdAt)
		if data, err = e.s.open(data); err != nil {
			return nil, derrors.NewServerError(err)
		}
		ev.Data = data
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.NewServerError(err)
	}
	return out, nil
}

// decodeReq converts the request payload into a typed struct. The payload
// is either the typed struct itself or raw JSON from a remote caller.
func decodeReq(src any, dst any) {
	switch v := src.(type) {
	case nil:
	case json.RawMessage:
		_ = json.Unmarshal(v, dst)
	case []byte:
		_ = json.Unmarshal(v, dst)
	default:
		b, err := json.Marshal(v)
		if err == nil {
			_ = json.Unmarshal(b, dst)
		}
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
