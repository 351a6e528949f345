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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/store"
)

// CreateRun inserts a new run in status pending.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	metadataJSON, err := marshalJSONVal(run.Metadata)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBInsertFailed, "failed to marshal run metadata", err)
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, kind, status, correlation_id, metadata, workflow_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.ProjectID, string(run.Kind), string(run.Status),
		nullString(run.CorrelationID), metadataJSON, nullString(run.WorkflowRunID),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBInsertFailed, "failed to create run", err)
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*store.Run, error) {
	var run store.Run
	var kind, status string
	var correlationID, workflowRunID, metadataJSON sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&run.ID, &run.ProjectID, &kind, &status, &correlationID,
		&metadataJSON, &workflowRunID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	run.Kind = store.RunKind(kind)
	run.Status = store.RunStatus(status)
	if correlationID.Valid {
		run.CorrelationID = correlationID.String
	}
	if workflowRunID.Valid {
		run.WorkflowRunID = workflowRunID.String
	}
	metadata, err := unmarshalJSONVal(metadataJSON)
	if err != nil {
		return nil, err
	}
	run.Metadata = metadata
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

const runColumns = `id, project_id, kind, status, correlation_id, metadata, workflow_run_id, created_at, updated_at`

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CodeNotFound, fmt.Sprintf("run not found: %s", id))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to get run", err)
	}
	return run, nil
}

// AttachWorkflowRunID sets workflow_run_id exactly once. A second call with
// the same value is a no-op; a second call with a different value fails
// with conflict.
func (b *Backend) AttachWorkflowRunID(ctx context.Context, runID, workflowRunID string) error {
	run, err := b.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.WorkflowRunID == workflowRunID {
		return nil
	}
	if run.WorkflowRunID != "" {
		return apierr.New(apierr.CodeConflict, fmt.Sprintf("run %s already has workflow_run_id %s", runID, run.WorkflowRunID))
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE runs SET workflow_run_id = ?, updated_at = ?
		WHERE id = ? AND workflow_run_id IS NULL
	`, workflowRunID, time.Now().Format(time.RFC3339Nano), runID)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to attach workflow_run_id", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Lost a race with a concurrent attach; re-check for conflict.
		current, getErr := b.GetRun(ctx, runID)
		if getErr == nil && current.WorkflowRunID != workflowRunID {
			return apierr.New(apierr.CodeConflict, fmt.Sprintf("run %s already has workflow_run_id %s", runID, current.WorkflowRunID))
		}
	}
	return nil
}

// UpdateRunStatus performs a guarded status transition; a failed
// precondition is a silent no-op.
func (b *Backend) UpdateRunStatus(ctx context.Context, runID string, next store.RunStatus, precondition []store.RunStatus) error {
	clause, condArgs := inList(precondition)
	args := []any{string(next), time.Now().Format(time.RFC3339Nano), runID}
	args = append(args, condArgs...)

	_, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN `+clause, args...)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to update run status", err)
	}
	return nil
}

// ListRuns lists runs with optional filtering.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	var args []any
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to list runs", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and cascades to its owned rows.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to delete run", err)
	}
	return nil
}

// CancelRunAndSteps is the one transactional operation in the store: inside
// a single transaction it sets the run to canceled (if not already
// terminal) and every non-terminal step to canceled with ended_at = now,
// leaving already-terminal rows untouched.
func (b *Backend) CancelRunAndSteps(ctx context.Context, runID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to begin cancel transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339Nano)
	terminalClause, terminalArgs := inList([]store.RunStatus{store.StatusSucceeded, store.StatusFailed, store.StatusCanceled})

	runArgs := append([]any{string(store.StatusCanceled), now}, terminalArgs...)
	runArgs = append(runArgs, runID)
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ?
		WHERE status NOT IN `+terminalClause+` AND id = ?
	`, runArgs...); err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to cancel run", err)
	}

	stepArgs := append([]any{string(store.StatusCanceled), now, now}, terminalArgs...)
	stepArgs = append(stepArgs, runID)
	if _, err := tx.ExecContext(ctx, `
		UPDATE run_steps SET status = ?, ended_at = ?, updated_at = ?
		WHERE status NOT IN `+terminalClause+` AND run_id = ?
	`, stepArgs...); err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to cancel steps", err)
	}

	if err := tx.Commit(); err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to commit cancel transaction", err)
	}
	return nil
}
