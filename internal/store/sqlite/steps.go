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

	"github.com/google/uuid"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
)

// InsertStepIfAbsent is idempotent: it never overwrites an existing row.
func (b *Backend) InsertStepIfAbsent(ctx context.Context, runID, stepID string, kind store.StepKind, name string, inputs jsonval.Value) error {
	existing, err := b.GetStep(ctx, runID, stepID)
	if err == nil && existing != nil {
		return nil
	}
	if code, ok := apierr.CodeOf(err); ok && code != apierr.CodeNotFound {
		return err
	}

	inputsJSON, err := marshalJSONVal(inputs)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBInsertFailed, "failed to marshal step inputs", err)
	}

	now := time.Now().Format(time.RFC3339Nano)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO run_steps (id, run_id, step_id, step_kind, step_name, status, attempt, inputs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, uuid.New().String(), runID, stepID, string(kind), name, string(store.StatusPending), inputsJSON, now, now)
	if err != nil {
		// A concurrent insert may have won the race on the UNIQUE(run_id, step_id)
		// constraint; that is exactly the idempotence this call promises.
		if existing, getErr := b.GetStep(ctx, runID, stepID); getErr == nil && existing != nil {
			return nil
		}
		return apierr.Wrap(apierr.CodeDBInsertFailed, "failed to insert step", err)
	}
	return nil
}

const stepColumns = `id, run_id, step_id, step_kind, step_name, status, attempt, inputs, outputs, error, started_at, ended_at, created_at, updated_at`

func scanStep(scanner interface {
	Scan(dest ...any) error
}) (*store.Step, error) {
	var id string
	var step store.Step
	var kind, status string
	var inputsJSON, outputsJSON, errorJSON sql.NullString
	var startedAt, endedAt sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&id, &step.RunID, &step.StepID, &kind, &step.Name, &status, &step.Attempt,
		&inputsJSON, &outputsJSON, &errorJSON, &startedAt, &endedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	step.Kind = store.StepKind(kind)
	step.Status = store.RunStatus(status)
	step.StartedAt = parseNullTime(startedAt)
	step.EndedAt = parseNullTime(endedAt)
	step.CreatedAt = parseTime(createdAt)
	step.UpdatedAt = parseTime(updatedAt)

	var err error
	if step.Inputs, err = unmarshalJSONVal(inputsJSON); err != nil {
		return nil, err
	}
	if step.Outputs, err = unmarshalJSONVal(outputsJSON); err != nil {
		return nil, err
	}
	if step.Error, err = unmarshalJSONVal(errorJSON); err != nil {
		return nil, err
	}
	return &step, nil
}

// GetStep returns not-found when absent.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*store.Step, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+stepColumns+" FROM run_steps WHERE run_id = ? AND step_id = ?", runID, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CodeNotFound, fmt.Sprintf("step not found: %s/%s", runID, stepID))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to get step", err)
	}
	return step, nil
}

// ListSteps returns every step row for a run.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+stepColumns+" FROM run_steps WHERE run_id = ? ORDER BY created_at ASC", runID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to list steps", err)
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to scan step", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStep performs a guarded patch: no-ops when the step's current
// status is in precondition.
func (b *Backend) UpdateStep(ctx context.Context, runID, stepID string, patch store.StepPatch, precondition []store.RunStatus) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Format(time.RFC3339Nano)}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *patch.Attempt)
	}
	if patch.Inputs != nil {
		v, err := marshalJSONVal(*patch.Inputs)
		if err != nil {
			return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to marshal step inputs", err)
		}
		sets = append(sets, "inputs = ?")
		args = append(args, v)
	}
	if patch.Outputs != nil {
		v, err := marshalJSONVal(*patch.Outputs)
		if err != nil {
			return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to marshal step outputs", err)
		}
		sets = append(sets, "outputs = ?")
		args = append(args, v)
	}
	if patch.Error != nil {
		v, err := marshalJSONVal(*patch.Error)
		if err != nil {
			return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to marshal step error", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, v)
	} else if patch.Status != nil && (*patch.Status == store.StatusSucceeded || *patch.Status == store.StatusCanceled) {
		sets = append(sets, "error = NULL")
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, patch.StartedAt.Format(time.RFC3339Nano))
	}
	if patch.ClearEnd {
		sets = append(sets, "ended_at = NULL")
	} else if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, patch.EndedAt.Format(time.RFC3339Nano))
	}

	clause, condArgs := inList(precondition)
	args = append(args, runID, stepID)
	args = append(args, condArgs...)

	query := fmt.Sprintf(`
		UPDATE run_steps SET %s
		WHERE run_id = ? AND step_id = ? AND status NOT IN %s
	`, joinComma(sets), clause)

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to update step", err)
	}
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
