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
	"github.com/flowkeep/flowkeep/internal/store"
)

const approvalColumns = `id, run_id, project_id, step_id, scope, intent_summary, approved_by, approved_at, metadata, created_at`

func scanApproval(scanner interface {
	Scan(dest ...any) error
}) (*store.Approval, error) {
	var a store.Approval
	var stepID, approvedBy sql.NullString
	var approvedAt sql.NullString
	var metadataJSON sql.NullString
	var createdAt string

	if err := scanner.Scan(
		&a.ID, &a.RunID, &a.ProjectID, &stepID, &a.Scope, &a.IntentSummary,
		&approvedBy, &approvedAt, &metadataJSON, &createdAt,
	); err != nil {
		return nil, err
	}
	if stepID.Valid {
		a.StepID = stepID.String
	}
	if approvedBy.Valid {
		a.ApprovedBy = approvedBy.String
	}
	a.ApprovedAt = parseNullTime(approvedAt)
	a.CreatedAt = parseTime(createdAt)
	metadata, err := unmarshalJSONVal(metadataJSON)
	if err != nil {
		return nil, err
	}
	a.Metadata = metadata
	return &a, nil
}

// UpsertApproval inserts a new pending approval, or returns the existing row
// when one already exists for (run_id, scope). This is the idempotent
// insert the spec requires "while pending" — approvals are never
// overwritten once a decision has been recorded.
func (b *Backend) UpsertApproval(ctx context.Context, approval *store.Approval) (*store.Approval, error) {
	if existing, err := b.GetApproval(ctx, approval.RunID, approval.Scope); err == nil {
		return existing, nil
	} else if code, ok := apierr.CodeOf(err); ok && code != apierr.CodeNotFound {
		return nil, err
	}

	if approval.ID == "" {
		approval.ID = uuid.New().String()
	}
	metadataJSON, err := marshalJSONVal(approval.Metadata)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBInsertFailed, "failed to marshal approval metadata", err)
	}
	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO approvals (id, run_id, project_id, step_id, scope, intent_summary, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, approval.ID, approval.RunID, approval.ProjectID, nullString(approval.StepID),
		approval.Scope, approval.IntentSummary, metadataJSON, now.Format(time.RFC3339Nano))
	if err != nil {
		if existing, getErr := b.GetApproval(ctx, approval.RunID, approval.Scope); getErr == nil {
			return existing, nil
		}
		return nil, apierr.Wrap(apierr.CodeDBInsertFailed, "failed to insert approval", err)
	}
	approval.CreatedAt = now
	return approval, nil
}

// GetApproval retrieves an approval by (run_id, scope).
func (b *Backend) GetApproval(ctx context.Context, runID, scope string) (*store.Approval, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+approvalColumns+" FROM approvals WHERE run_id = ? AND scope = ?", runID, scope)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CodeNotFound, fmt.Sprintf("approval not found: %s/%s", runID, scope))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to get approval", err)
	}
	return a, nil
}

// ApproveApproval records a decision. A second call for an already-decided
// approval is a no-op (the WHERE approved_at IS NULL guard).
func (b *Backend) ApproveApproval(ctx context.Context, runID, scope, approvedBy string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE approvals SET approved_by = ?, approved_at = ?
		WHERE run_id = ? AND scope = ? AND approved_at IS NULL
	`, approvedBy, time.Now().Format(time.RFC3339Nano), runID, scope)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to approve", err)
	}
	return nil
}
