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
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/model"
)

// GetLastSyncTimestamp returns the replication cursor for one user, or the
// zero time when the user has never completed a sync pass.
func (d *Datasource) GetLastSyncTimestamp(ctx context.Context, userID string) (time.Time, error) {
	ctx, span := otel.Tracer("store.sync_state").Start(ctx, "Fetching replication cursor")
	defer span.End()

	var at time.Time
	err := d.Conn.QueryRowContext(ctx, `
		SELECT last_sync_at FROM sync_state WHERE key = ?
	`, cursorKey(userID)).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// SetLastSyncTimestamp advances the replication cursor for one user.
func (d *Datasource) SetLastSyncTimestamp(ctx context.Context, userID string, at time.Time) error {
	ctx, span := otel.Tracer("store.sync_state").Start(ctx, "Advancing replication cursor")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, last_sync_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`, cursorKey(userID), at)
	return err
}

func cursorKey(userID string) string {
	return fmt.Sprintf("last_sync:%s", userID)
}

// SaveConflict persists a detected write-write conflict for later human
// resolution.
func (d *Datasource) SaveConflict(ctx context.Context, conflict *model.SyncConflict) error {
	ctx, span := otel.Tracer("store.sync_state").Start(ctx, "Saving sync conflict")
	defer span.End()

	if conflict.ID == "" {
		conflict.ID = GenerateUUIDWithSuffix("conflict")
	}
	localAttrs, err := json.Marshal(conflict.LocalAttrs)
	if err != nil {
		return errors.Wrap(err, "encoding local attrs")
	}
	remoteAttrs, err := json.Marshal(conflict.RemoteAttrs)
	if err != nil {
		return errors.Wrap(err, "encoding remote attrs")
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO sync_conflicts (
			id, collection, record_id, local_attrs, remote_attrs,
			local_modified_at, remote_updated_at, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, conflict.ID, conflict.Collection, conflict.RecordID, string(localAttrs), string(remoteAttrs),
		conflict.LocalModifiedAt, conflict.RemoteUpdatedAt, conflict.DetectedAt)
	return err
}

// GetConflict retrieves one conflict by ID.
func (d *Datasource) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	ctx, span := otel.Tracer("store.sync_state").Start(ctx, "Fetching sync conflict")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, collection, record_id, local_attrs, remote_attrs,
			local_modified_at, remote_updated_at, detected_at, resolution, resolved_at
		FROM sync_conflicts WHERE id = ?
	`, id)
	return scanConflict(row)
}

// ListUnresolvedConflicts retrieves conflicts awaiting a decision, oldest
// first.
func (d *Datasource) ListUnresolvedConflicts(ctx context.Context, limit int) ([]*model.SyncConflict, error) {
	ctx, span := otel.Tracer("store.sync_state").Start(ctx, "Listing unresolved conflicts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, collection, record_id, local_attrs, remote_attrs,
			local_modified_at, remote_updated_at, detected_at, resolution, resolved_at
		FROM sync_conflicts
		WHERE resolution IS NULL OR resolution = ''
		ORDER BY detected_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*model.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}

// ResolveConflict records the decision for one conflict.
func (d *Datasource) ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error {
	ctx, span := otel.Tracer("store.sync_state").Start(ctx, "Resolving sync conflict")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE sync_conflicts SET resolution = ?, resolved_at = ?
		WHERE id = ? AND (resolution IS NULL OR resolution = '')
	`, resolution, at, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanConflict(row rowScanner) (*model.SyncConflict, error) {
	conflict := &model.SyncConflict{}
	var localAttrs, remoteAttrs string
	var resolution sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(
		&conflict.ID, &conflict.Collection, &conflict.RecordID, &localAttrs, &remoteAttrs,
		&conflict.LocalModifiedAt, &conflict.RemoteUpdatedAt, &conflict.DetectedAt,
		&resolution, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(localAttrs), &conflict.LocalAttrs); err != nil {
		return nil, errors.Wrap(err, "decoding local attrs")
	}
	if err := json.Unmarshal([]byte(remoteAttrs), &conflict.RemoteAttrs); err != nil {
		return nil, errors.Wrap(err, "decoding remote attrs")
	}
	if resolution.Valid {
		conflict.Resolution = resolution.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		conflict.ResolvedAt = &t
	}
	return conflict, nil
}
