/*
Copyright 2025 Weavesync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/model"
)

// GetRecord retrieves one replicated record, or nil when absent.
func (d *Datasource) GetRecord(ctx context.Context, collection, id string) (*model.Record, error) {
	ctx, span := otel.Tracer("store.records").Start(ctx, "Fetching record")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT record_id, collection, attrs, local_modified_at, synced_at, pending
		FROM records WHERE collection = ? AND record_id = ?
	`, collection, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ApplyRemoteRecord upserts remote field values onto a local record and marks
// it synced. The local modification clock is set to the remote row's
// timestamp so the record carries no unsynced edits afterwards.
func (d *Datasource) ApplyRemoteRecord(ctx context.Context, collection, id string, attrs map[string]interface{}, remoteUpdatedAt, syncedAt time.Time) error {
	ctx, span := otel.Tracer("store.records").Start(ctx, "Applying remote record")
	defer span.End()

	encoded, err := json.Marshal(attrs)
	if err != nil {
		return errors.Wrap(err, "encoding record attrs")
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO records (record_id, collection, attrs, local_modified_at, synced_at, pending)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (collection, record_id) DO UPDATE SET
			attrs = excluded.attrs,
			local_modified_at = excluded.local_modified_at,
			synced_at = excluded.synced_at,
			pending = 0
	`, id, collection, string(encoded), remoteUpdatedAt, syncedAt)
	return err
}

// SaveLocalRecord writes a local edit: attrs are merged over the existing
// document, the record is marked pending for push and its local modification
// clock advances to now.
func (d *Datasource) SaveLocalRecord(ctx context.Context, collection, id string, attrs map[string]interface{}, now time.Time) error {
	return d.mergeRecord(ctx, collection, id, attrs, now, false)
}

// MergeLocalRecordUnsetFields merges attrs into an existing record but only
// fills fields that are currently absent or empty. Fields the user already
// edited locally are never overwritten.
func (d *Datasource) MergeLocalRecordUnsetFields(ctx context.Context, collection, id string, attrs map[string]interface{}, now time.Time) error {
	return d.mergeRecord(ctx, collection, id, attrs, now, true)
}

func (d *Datasource) mergeRecord(ctx context.Context, collection, id string, attrs map[string]interface{}, now time.Time, onlyUnset bool) error {
	ctx, span := otel.Tracer("store.records").Start(ctx, "Merging local record")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning record merge transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current := map[string]interface{}{}
	var rawAttrs string
	err = tx.QueryRowContext(ctx, `
		SELECT attrs FROM records WHERE collection = ? AND record_id = ?
	`, collection, id).Scan(&rawAttrs)
	switch {
	case err == sql.ErrNoRows:
		// fall through with an empty document
	case err != nil:
		return errors.Wrap(err, "reading record attrs")
	default:
		if err := json.Unmarshal([]byte(rawAttrs), &current); err != nil {
			return errors.Wrap(err, "decoding record attrs")
		}
	}

	for key, value := range attrs {
		if onlyUnset {
			if existing, ok := current[key]; ok && existing != nil && existing != "" {
				continue
			}
		}
		current[key] = value
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return errors.Wrap(err, "encoding merged attrs")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (record_id, collection, attrs, local_modified_at, pending)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (collection, record_id) DO UPDATE SET
			attrs = excluded.attrs,
			local_modified_at = excluded.local_modified_at,
			pending = 1
	`, id, collection, string(encoded), now)
	if err != nil {
		return errors.Wrap(err, "writing merged record")
	}
	return tx.Commit()
}

// ListPendingRecords retrieves records awaiting push for one collection.
func (d *Datasource) ListPendingRecords(ctx context.Context, collection string, limit int) ([]*model.Record, error) {
	ctx, span := otel.Tracer("store.records").Start(ctx, "Listing pending records")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT record_id, collection, attrs, local_modified_at, synced_at, pending
		FROM records
		WHERE collection = ? AND pending = 1
		ORDER BY local_modified_at ASC
		LIMIT ?
	`, collection, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkRecordsSynced clears the pending flag and stamps the sync time on the
// given records.
func (d *Datasource) MarkRecordsSynced(ctx context.Context, collection string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("store.records").Start(ctx, "Marking records synced")
	defer span.End()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, at, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		UPDATE records SET pending = 0, synced_at = ?
		WHERE collection = ? AND record_id IN (%s)
	`, placeholders)
	_, err := d.Conn.ExecContext(ctx, query, args...)
	return err
}

// MarkRecordPending re-flags a record for push without touching its attrs.
// Used when a conflict is resolved in favor of the local version.
func (d *Datasource) MarkRecordPending(ctx context.Context, collection, id string, now time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE records SET pending = 1, local_modified_at = ?
		WHERE collection = ? AND record_id = ?
	`, now, collection, id)
	return err
}

// ListPlansByStatus projects interaction records with the given plan status.
func (d *Datasource) ListPlansByStatus(ctx context.Context, status string) ([]*model.Plan, error) {
	ctx, span := otel.Tracer("store.records").Start(ctx, "Listing plans by status")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT record_id, attrs FROM records
		WHERE collection = 'interactions' AND json_extract(attrs, '$.status') = ?
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*model.Plan
	for rows.Next() {
		var recordID, rawAttrs string
		if err := rows.Scan(&recordID, &rawAttrs); err != nil {
			return nil, err
		}
		plan, err := decodePlan(recordID, rawAttrs)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// UpdatePlan applies plan lifecycle changes to an interaction record's attrs
// and marks it pending for push.
func (d *Datasource) UpdatePlan(ctx context.Context, recordID string, changes map[string]interface{}, now time.Time) error {
	return d.SaveLocalRecord(ctx, "interactions", recordID, changes, now)
}

func decodePlan(recordID, rawAttrs string) (*model.Plan, error) {
	var attrs struct {
		InteractionDate      time.Time  `json:"interaction_date"`
		Status               string     `json:"status"`
		CompletionPromptedAt *time.Time `json:"completion_prompted_at"`
	}
	if err := json.Unmarshal([]byte(rawAttrs), &attrs); err != nil {
		return nil, errors.Wrapf(err, "decoding plan attrs for %s", recordID)
	}
	return &model.Plan{
		RecordID:             recordID,
		InteractionDate:      attrs.InteractionDate,
		Status:               attrs.Status,
		CompletionPromptedAt: attrs.CompletionPromptedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	rec := &model.Record{}
	var rawAttrs string
	var syncedAt sql.NullTime
	var pending int
	err := row.Scan(&rec.ID, &rec.Collection, &rawAttrs, &rec.LocalModifiedAt, &syncedAt, &pending)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawAttrs), &rec.Attrs); err != nil {
		return nil, errors.Wrap(err, "decoding record attrs")
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		rec.SyncedAt = &t
	}
	rec.Pending = pending == 1
	return rec, nil
}
