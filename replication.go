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
package weavesync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/config"
	"github.com/weavehq/weavesync/model"
	"github.com/weavehq/weavesync/remote"
	"github.com/weavehq/weavesync/store"
)

// replicatedTables is the fixed set of remote tables the engine replicates,
// in dependency order: referenced tables come before the tables that
// reference them so a pull never applies a child row before its parent.
var replicatedTables = []string{
	"profiles",
	"friends",
	"interactions",
	"interaction_friends",
	"intentions",
	"progress",
	"reflections",
}

// ConflictSink receives detected write-write conflicts. The production sink
// persists them for later user resolution; tests capture them directly.
type ConflictSink interface {
	OnConflict(ctx context.Context, conflict *model.SyncConflict) error
}

// storeConflictSink persists conflicts and surfaces them as webhook events.
type storeConflictSink struct {
	store    store.IDataSource
	webhooks *WebhookDispatcher
}

func NewStoreConflictSink(db store.IDataSource, webhooks *WebhookDispatcher) ConflictSink {
	return &storeConflictSink{store: db, webhooks: webhooks}
}

func (s *storeConflictSink) OnConflict(ctx context.Context, conflict *model.SyncConflict) error {
	if err := s.store.SaveConflict(ctx, conflict); err != nil {
		return err
	}
	s.webhooks.Dispatch(EventConflictDetected, map[string]interface{}{
		"conflict_id": conflict.ID,
		"collection":  conflict.Collection,
		"record_id":   conflict.RecordID,
	})
	return nil
}

// Replicator runs the bidirectional replication pass: pull remote changes
// since the cursor, then push locally pending records. Pull before push so a
// remote row that superseded a local edit is seen before that edit is sent.
type Replicator struct {
	store     store.IDataSource
	remote    remote.IRemote
	conflicts ConflictSink
	now       func() time.Time
}

func NewReplicator(db store.IDataSource, rc remote.IRemote, conflicts ConflictSink) *Replicator {
	return &Replicator{store: db, remote: rc, conflicts: conflicts, now: time.Now}
}

// SyncResult summarizes one replication pass.
type SyncResult struct {
	Pulled    int       `json:"pulled"`
	Pushed    int       `json:"pushed"`
	Conflicts int       `json:"conflicts"`
	Cursor    time.Time `json:"cursor"`
}

// Sync runs one full pass. Table failures are isolated: a failing table is
// logged and skipped, the rest still replicate, and the cursor only advances
// after a pass where every table pulled cleanly.
func (r *Replicator) Sync(ctx context.Context) (*SyncResult, error) {
	ctx, span := otel.Tracer("replication").Start(ctx, "Replication pass")
	defer span.End()

	if !r.remote.Authenticated() {
		return nil, ErrNotReady
	}
	userID := r.remote.UserID()

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	cursor, err := r.store.GetLastSyncTimestamp(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "reading sync cursor")
	}

	result := &SyncResult{Cursor: cursor}
	maxUpdated := cursor
	clean := true
	for _, table := range replicatedTables {
		tableMax, pulled, conflicts, err := r.pullTable(ctx, table, userID, cursor, cnf)
		if err != nil {
			logrus.Errorf("replication: pulling %s: %v", table, err)
			clean = false
			continue
		}
		result.Pulled += pulled
		result.Conflicts += conflicts
		if tableMax.After(maxUpdated) {
			maxUpdated = tableMax
		}
	}

	for _, table := range replicatedTables {
		pushed, err := r.pushTable(ctx, table, userID, cnf)
		if err != nil {
			logrus.Errorf("replication: pushing %s: %v", table, err)
			clean = false
			continue
		}
		result.Pushed += pushed
	}

	if clean && maxUpdated.After(cursor) {
		if err := r.store.SetLastSyncTimestamp(ctx, userID, maxUpdated); err != nil {
			return result, errors.Wrap(err, "advancing sync cursor")
		}
		result.Cursor = maxUpdated
	}
	if !clean {
		return result, errors.New("replication pass completed with table errors")
	}
	return result, nil
}

// pullTable pages one table's remote changes into the local store. Returns
// the greatest updated_at seen, the applied row count and the conflict count.
func (r *Replicator) pullTable(ctx context.Context, table, userID string, cursor time.Time, cnf *config.Configuration) (time.Time, int, int, error) {
	maxUpdated := cursor
	pulled := 0
	conflicts := 0
	since := cursor
	for page := 0; page < cnf.Replication.MaxPagesPerTable; page++ {
		rows, err := r.remote.FetchUpdated(ctx, table, userID, since, cnf.Replication.PullPageSize)
		if err != nil {
			return maxUpdated, pulled, conflicts, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			id := rowString(row, "id")
			updatedAt, ok := rowTime(row, "updated_at")
			if id == "" || !ok {
				logrus.Warnf("replication: %s row missing id or updated_at, skipping", table)
				continue
			}
			conflicted, err := r.applyRemoteRow(ctx, table, id, row, updatedAt)
			if err != nil {
				return maxUpdated, pulled, conflicts, errors.Wrapf(err, "applying %s/%s", table, id)
			}
			pulled++
			if conflicted {
				conflicts++
			}
			if updatedAt.After(maxUpdated) {
				maxUpdated = updatedAt
			}
			if updatedAt.After(since) {
				since = updatedAt
			}
		}

		if len(rows) < cnf.Replication.PullPageSize {
			break
		}
	}
	return maxUpdated, pulled, conflicts, nil
}

// applyRemoteRow applies one pulled row. A record with unsynced local edits
// newer than the remote row is a write-write conflict: the remote version
// still wins, but both versions are preserved in the conflict record so the
// user can restore the local one later.
func (r *Replicator) applyRemoteRow(ctx context.Context, table, id string, row remote.Row, remoteUpdatedAt time.Time) (bool, error) {
	local, err := r.store.GetRecord(ctx, table, id)
	if err != nil {
		return false, err
	}

	attrs := map[string]interface{}{}
	for key, value := range row {
		if key == "id" || key == "updated_at" {
			continue
		}
		attrs[key] = value
	}

	conflicted := local != nil && local.HasLocalEdits() && local.LocalModifiedAt.After(remoteUpdatedAt)
	if conflicted {
		conflict := &model.SyncConflict{
			ID:              store.GenerateUUIDWithSuffix("conf"),
			Collection:      table,
			RecordID:        id,
			LocalAttrs:      local.Attrs,
			RemoteAttrs:     attrs,
			LocalModifiedAt: local.LocalModifiedAt,
			RemoteUpdatedAt: remoteUpdatedAt,
			DetectedAt:      r.now(),
		}
		if err := r.conflicts.OnConflict(ctx, conflict); err != nil {
			return false, errors.Wrap(err, "recording conflict")
		}
	}

	if err := r.store.ApplyRemoteRecord(ctx, table, id, attrs, remoteUpdatedAt, r.now()); err != nil {
		return conflicted, err
	}
	return conflicted, nil
}

// pushTable sends the table's pending local records in batches and marks each
// batch synced only after the remote transaction commits.
func (r *Replicator) pushTable(ctx context.Context, table, userID string, cnf *config.Configuration) (int, error) {
	pushed := 0
	for {
		records, err := r.store.ListPendingRecords(ctx, table, cnf.Replication.PushBatchSize)
		if err != nil {
			return pushed, err
		}
		if len(records) == 0 {
			return pushed, nil
		}

		batch := make([]remote.Row, 0, len(records))
		ids := make([]string, 0, len(records))
		for _, record := range records {
			batch = append(batch, recordToRow(record, userID))
			ids = append(ids, record.ID)
		}
		if err := r.remote.UpsertRows(ctx, table, batch); err != nil {
			return pushed, err
		}
		if err := r.store.MarkRecordsSynced(ctx, table, ids, r.now()); err != nil {
			return pushed, errors.Wrap(err, "marking records synced")
		}
		pushed += len(records)

		if len(records) < cnf.Replication.PushBatchSize {
			return pushed, nil
		}
	}
}

// recordToRow flattens a local record into wire shape. The owner scope is
// stamped when the record doesn't already carry one.
func recordToRow(record *model.Record, userID string) remote.Row {
	row := remote.Row{}
	for key, value := range record.Attrs {
		row[key] = value
	}
	row["id"] = record.ID
	row["updated_at"] = record.LocalModifiedAt
	if _, ok := row["user_id"]; !ok {
		row["user_id"] = userID
	}
	return row
}

func rowString(row remote.Row, key string) string {
	if value, ok := row[key].(string); ok {
		return value
	}
	return ""
}

func rowTime(row remote.Row, key string) (time.Time, bool) {
	switch value := row[key].(type) {
	case time.Time:
		return value, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07", value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
