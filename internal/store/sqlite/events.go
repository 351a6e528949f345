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
	"time"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
)

// AppendEvent assigns the next unused index for runID and persists the
// entry. Callers (internal/eventlog) serialize calls per run with a mutex;
// the transaction here additionally protects against two writers racing on
// the same run by recomputing MAX(idx) and inserting inside one
// transaction, so the unique (run_id, idx) constraint can never be hit.
func (b *Backend) AppendEvent(ctx context.Context, runID, eventType string, payload jsonval.Value) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeDBInsertFailed, "failed to begin event transaction", err)
	}
	defer tx.Rollback()

	var maxIdx sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(idx) FROM run_events WHERE run_id = ?", runID).Scan(&maxIdx); err != nil {
		return 0, apierr.Wrap(apierr.CodeDBInsertFailed, "failed to read max event index", err)
	}
	next := int64(1)
	if maxIdx.Valid {
		next = maxIdx.Int64 + 1
	}

	payloadJSON, err := marshalJSONVal(payload)
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeDBInsertFailed, "failed to marshal event payload", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, idx, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, next, eventType, payloadJSON, time.Now().Format(time.RFC3339Nano)); err != nil {
		return 0, apierr.Wrap(apierr.CodeDBInsertFailed, "failed to append event", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apierr.Wrap(apierr.CodeDBInsertFailed, "failed to commit event append", err)
	}
	return next, nil
}

// ListEventsFrom returns events with index strictly greater than
// startIndex, in order.
func (b *Backend) ListEventsFrom(ctx context.Context, runID string, startIndex int64) ([]*store.RunEvent, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT run_id, idx, type, payload, created_at
		FROM run_events WHERE run_id = ? AND idx > ? ORDER BY idx ASC
	`, runID, startIndex)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to list events", err)
	}
	defer rows.Close()

	var events []*store.RunEvent
	for rows.Next() {
		var e store.RunEvent
		var payloadJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&e.RunID, &e.Index, &e.Type, &payloadJSON, &createdAt); err != nil {
			return nil, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to scan event", err)
		}
		e.CreatedAt = parseTime(createdAt)
		payload, err := unmarshalJSONVal(payloadJSON)
		if err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MaxIndex returns the highest assigned index for a run, or 0 if none.
func (b *Backend) MaxIndex(ctx context.Context, runID string) (int64, error) {
	var maxIdx sql.NullInt64
	if err := b.db.QueryRowContext(ctx, "SELECT MAX(idx) FROM run_events WHERE run_id = ?", runID).Scan(&maxIdx); err != nil {
		return 0, apierr.Wrap(apierr.CodeDBUpdateFailed, "failed to read max event index", err)
	}
	if !maxIdx.Valid {
		return 0, nil
	}
	return maxIdx.Int64, nil
}
