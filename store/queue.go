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
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/model"
)

// EnqueueQueueItem inserts a new queue item unless an item with the same
// operation type and byte-identical payload is already pending or processing.
// The dedup check and the insert run in one transaction. The bool result is
// true when an existing item was returned instead of a new one.
func (d *Datasource) EnqueueQueueItem(ctx context.Context, op model.OperationType, payload []byte) (*model.QueueItem, bool, error) {
	ctx, span := otel.Tracer("store.queue").Start(ctx, "Enqueueing queue item")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "beginning enqueue transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing := &model.QueueItem{}
	var existingPayload []byte
	var lastAttempt, processedAt sql.NullTime
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, operation_type, payload, status, retry_count, queued_at, last_attempt_at, processed_at, last_error
		FROM queue_items
		WHERE operation_type = ? AND payload = ? AND status IN ('pending', 'processing')
		LIMIT 1
	`, string(op), string(payload)).Scan(
		&existing.ID, &existing.OperationType, &existingPayload, &existing.Status,
		&existing.RetryCount, &existing.QueuedAt, &lastAttempt, &processedAt, &lastError,
	)
	if err == nil {
		existing.Payload = existingPayload
		applyNullableQueueFields(existing, lastAttempt, processedAt, lastError)
		return existing, true, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.Wrap(err, "checking for duplicate queue item")
	}

	item := &model.QueueItem{
		ID:            GenerateUUIDWithSuffix("queue"),
		OperationType: op,
		Payload:       payload,
		Status:        model.QueueStatusPending,
		QueuedAt:      time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_items (id, operation_type, payload, status, retry_count, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, item.ID, string(item.OperationType), string(item.Payload), item.Status, item.RetryCount, item.QueuedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "inserting queue item")
	}
	return item, false, tx.Commit()
}

// GetQueueItem retrieves a queue item by its ID.
func (d *Datasource) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	ctx, span := otel.Tracer("store.queue").Start(ctx, "Fetching queue item")
	defer span.End()

	item := &model.QueueItem{}
	var payload []byte
	var lastAttempt, processedAt sql.NullTime
	var lastError sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, operation_type, payload, status, retry_count, queued_at, last_attempt_at, processed_at, last_error
		FROM queue_items WHERE id = ?
	`, id).Scan(
		&item.ID, &item.OperationType, &payload, &item.Status,
		&item.RetryCount, &item.QueuedAt, &lastAttempt, &processedAt, &lastError,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = payload
	applyNullableQueueFields(item, lastAttempt, processedAt, lastError)
	return item, nil
}

// GetPendingQueueItems retrieves pending items oldest first, bounded by limit.
func (d *Datasource) GetPendingQueueItems(ctx context.Context, limit int) ([]*model.QueueItem, error) {
	ctx, span := otel.Tracer("store.queue").Start(ctx, "Fetching pending queue items")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, operation_type, payload, status, retry_count, queued_at, last_attempt_at, processed_at, last_error
		FROM queue_items
		WHERE status = 'pending'
		ORDER BY queued_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// GetQueueItemsByStatus lists queue items for inspection. An empty status
// returns all items, newest first.
func (d *Datasource) GetQueueItemsByStatus(ctx context.Context, status string, limit, offset int) ([]*model.QueueItem, error) {
	ctx, span := otel.Tracer("store.queue").Start(ctx, "Listing queue items")
	defer span.End()

	query := `
		SELECT id, operation_type, payload, status, retry_count, queued_at, last_attempt_at, processed_at, last_error
		FROM queue_items
		WHERE (? = '' OR status = ?)
		ORDER BY queued_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := d.Conn.QueryContext(ctx, query, status, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// MarkQueueItemProcessing transitions a pending item to processing and stamps
// the attempt time the backoff gate reads on the next pass.
func (d *Datasource) MarkQueueItemProcessing(ctx context.Context, id string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE queue_items SET status = 'processing', last_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, at, id)
	return err
}

// MarkQueueItemCompleted transitions a processing item to completed.
func (d *Datasource) MarkQueueItemCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE queue_items SET status = 'completed', processed_at = ?, last_error = NULL
		WHERE id = ?
	`, at, id)
	return err
}

// MarkQueueItemFailedAttempt records a failed attempt: the retry counter is
// incremented, the error stored, and the item goes back to pending unless the
// attempt was terminal, in which case it lands in failed.
func (d *Datasource) MarkQueueItemFailedAttempt(ctx context.Context, id string, lastError string, at time.Time, terminal bool) error {
	status := model.QueueStatusPending
	if terminal {
		status = model.QueueStatusFailed
	}
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, status, lastError, at, id)
	return err
}

// MarkQueueItemSkipped terminally completes an item whose referenced local
// data is gone. Retrying cannot succeed, so it is not counted as a failure.
func (d *Datasource) MarkQueueItemSkipped(ctx context.Context, id string, reason string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE queue_items SET status = 'completed', processed_at = ?, last_error = ?
		WHERE id = ?
	`, at, reason, id)
	return err
}

// RetryAllFailedQueueItems resets every failed item to pending with a zeroed
// retry counter.
func (d *Datasource) RetryAllFailedQueueItems(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer("store.queue").Start(ctx, "Retrying all failed queue items")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', retry_count = 0, last_error = NULL, last_attempt_at = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RetryQueueItem resets one failed item to pending.
func (d *Datasource) RetryQueueItem(ctx context.Context, id string) error {
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', retry_count = 0, last_error = NULL, last_attempt_at = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
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

// ResetStuckProcessingItems returns items stranded in processing by a crash
// back to pending. Executors are safe to re-run, so this loses nothing.
func (d *Datasource) ResetStuckProcessingItems(ctx context.Context) (int64, error) {
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE queue_items SET status = 'pending' WHERE status = 'processing'
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeCompletedQueueItems deletes completed items older than the retention
// cutoff.
func (d *Datasource) PurgeCompletedQueueItems(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := otel.Tracer("store.queue").Start(ctx, "Purging completed queue items")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		DELETE FROM queue_items WHERE status = 'completed' AND processed_at < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanQueueItems(rows *sql.Rows) ([]*model.QueueItem, error) {
	var items []*model.QueueItem
	for rows.Next() {
		item := &model.QueueItem{}
		var payload []byte
		var lastAttempt, processedAt sql.NullTime
		var lastError sql.NullString
		err := rows.Scan(
			&item.ID, &item.OperationType, &payload, &item.Status,
			&item.RetryCount, &item.QueuedAt, &lastAttempt, &processedAt, &lastError,
		)
		if err != nil {
			return nil, err
		}
		item.Payload = payload
		applyNullableQueueFields(item, lastAttempt, processedAt, lastError)
		items = append(items, item)
	}
	return items, rows.Err()
}

func applyNullableQueueFields(item *model.QueueItem, lastAttempt, processedAt sql.NullTime, lastError sql.NullString) {
	if lastAttempt.Valid {
		t := lastAttempt.Time
		item.LastAttemptAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		item.ProcessedAt = &t
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
}
