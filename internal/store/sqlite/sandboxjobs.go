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

const sandboxJobColumns = `id, run_id, project_id, step_id, job_type, status, exit_code, transcript_blob_ref, metadata, started_at, ended_at, created_at, updated_at`

func scanSandboxJob(scanner interface {
	Scan(dest ...any) error
}) (*store.SandboxJob, error) {
	var j store.SandboxJob
	var status string
	var stepID, transcriptRef sql.NullString
	var exitCode sql.NullInt64
	var metadataJSON sql.NullString
	var startedAt, endedAt sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&j.ID, &j.RunID, &j.ProjectID, &stepID, &j.JobType, &status,
		&exitCode, &transcriptRef, &metadataJSON, &startedAt, &endedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	j.Status = store.RunStatus(status)
	if stepID.Valid {
		j.StepID = stepID.String
	}
	j.ExitCode = parseNullIntPtr(exitCode)
	j.TranscriptBlobRef = parseNullStrPtr(transcriptRef)
	j.StartedAt = parseNullTime(startedAt)
	j.EndedAt = parseNullTime(endedAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	metadata, err := unmarshalJSONVal(metadataJSON)
	if err != nil {
		return nil, err
	}
	j.Metadata = metadata
	return &j, nil
}

// CreateSandboxJob inserts a new sandbox job row in status pending.
func (b *Backend) CreateSandboxJob(ctx context.Context, job *store.SandboxJob) error {
	metadataJSON, err := marshalJSONVal(job.Metadata)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBInsertFailed, "failed to marshal sandbox job metadata", err)
	}
	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sandbox_jobs (id, run_id, project_id, step_id, job_type, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.RunID, job.ProjectID, nullString(job.StepID), job.JobType, string(job.Status),
		metadataJSON, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return apierr.Wrap(apierr.CodeDBInsertFailed, "failed to create sandbox job", err)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetSandboxJob retrieves a sandbox job by ID.
func (b *Backend) GetSandboxJob(ctx context.Context, id string) (*store.SandboxJob, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+sandboxJobColumns+" FROM sandbox_jobs WHERE id = ?", id)
	job, err := scanSandboxJob(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CodeNotFound, fmt.Sprintf("sandbox job not found: %s", id))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to get sandbox job", err)
	}
	return job, nil
}

// UpdateSandboxJob persists the full row. transcript_blob_ref is
// write-once: once set, further calls may not clear or overwrite it,
// matching the "finalize is idempotent" invariant — the session layer
// (internal/sandbox) enforces the at-most-once call pattern; this method
// additionally refuses to blank out an existing ref.
func (b *Backend) UpdateSandboxJob(ctx context.Context, job *store.SandboxJob) error {
	current, err := b.GetSandboxJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if current.TranscriptBlobRef != nil {
		job.TranscriptBlobRef = current.TranscriptBlobRef
	}

	metadataJSON, err := marshalJSONVal(job.Metadata)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to marshal sandbox job metadata", err)
	}

	_, err = b.db.ExecContext(ctx, `
		UPDATE sandbox_jobs SET
			status = ?, exit_code = ?, transcript_blob_ref = ?, metadata = ?,
			started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(job.Status), nullIntPtr(job.ExitCode), nullStrPtr(job.TranscriptBlobRef),
		metadataJSON, nullTime(job.StartedAt), nullTime(job.EndedAt),
		time.Now().Format(time.RFC3339Nano), job.ID,
	)
	if err != nil {
		return apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to update sandbox job", err)
	}
	return nil
}
