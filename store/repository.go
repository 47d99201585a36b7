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
	"time"

	"github.com/weavehq/weavesync/model"
)

// IDataSource defines the interface for local store operations, grouping related functionalities.
type IDataSource interface {
	queue          // Action queue persistence
	record         // Replicated collection records
	sharedWeaveRef // Shared weave reference records
	syncState      // Replication cursor and conflict sink
}

// queue defines methods for the durable action queue.
type queue interface {
	EnqueueQueueItem(ctx context.Context, op model.OperationType, payload []byte) (*model.QueueItem, bool, error) // Inserts or returns an existing pending/processing duplicate
	GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error)                                        // Retrieves one queue item by ID
	GetPendingQueueItems(ctx context.Context, limit int) ([]*model.QueueItem, error)                              // Retrieves pending items oldest first
	GetQueueItemsByStatus(ctx context.Context, status string, limit, offset int) ([]*model.QueueItem, error)      // Lists items for inspection
	MarkQueueItemProcessing(ctx context.Context, id string, at time.Time) error                                   // Transitions pending -> processing
	MarkQueueItemCompleted(ctx context.Context, id string, at time.Time) error                                    // Transitions processing -> completed
	MarkQueueItemFailedAttempt(ctx context.Context, id string, lastError string, at time.Time, terminal bool) error
	MarkQueueItemSkipped(ctx context.Context, id string, reason string, at time.Time) error // Terminal skip for unprocessable items
	RetryAllFailedQueueItems(ctx context.Context) (int64, error)                            // Resets failed items to pending with zero retries
	RetryQueueItem(ctx context.Context, id string) error                                    // Resets one failed item
	ResetStuckProcessingItems(ctx context.Context) (int64, error)                           // Recovers items left processing by a crash
	PurgeCompletedQueueItems(ctx context.Context, olderThan time.Time) (int64, error)
}

// record defines methods for replicated entity records.
type record interface {
	GetRecord(ctx context.Context, collection, id string) (*model.Record, error)
	ApplyRemoteRecord(ctx context.Context, collection, id string, attrs map[string]interface{}, remoteUpdatedAt, syncedAt time.Time) error
	SaveLocalRecord(ctx context.Context, collection, id string, attrs map[string]interface{}, now time.Time) error
	MergeLocalRecordUnsetFields(ctx context.Context, collection, id string, attrs map[string]interface{}, now time.Time) error
	ListPendingRecords(ctx context.Context, collection string, limit int) ([]*model.Record, error)
	MarkRecordsSynced(ctx context.Context, collection string, ids []string, at time.Time) error
	MarkRecordPending(ctx context.Context, collection, id string, now time.Time) error
	ListPlansByStatus(ctx context.Context, status string) ([]*model.Plan, error)
	UpdatePlan(ctx context.Context, recordID string, changes map[string]interface{}, now time.Time) error
}

// sharedWeaveRef defines methods for shared weave reference records.
type sharedWeaveRef interface {
	CreateSharedWeaveRef(ctx context.Context, ref *model.SharedWeaveRef) error
	UpsertSharedWeaveRef(ctx context.Context, ref *model.SharedWeaveRef) error
	GetSharedWeaveRef(ctx context.Context, id string) (*model.SharedWeaveRef, error)
	GetSharedWeaveRefByServerID(ctx context.Context, serverWeaveID string) (*model.SharedWeaveRef, error)
	GetSharedWeaveRefsByInteraction(ctx context.Context, interactionID string) ([]*model.SharedWeaveRef, error)
	UpdateSharedWeaveRefStatus(ctx context.Context, id, status string, respondedAt *time.Time) error
	ExpireSharedWeaveRefs(ctx context.Context, cutoff time.Time) (int64, error)
}

// syncState defines methods for the replication cursor and the conflict sink.
type syncState interface {
	GetLastSyncTimestamp(ctx context.Context, userID string) (time.Time, error)
	SetLastSyncTimestamp(ctx context.Context, userID string, at time.Time) error
	SaveConflict(ctx context.Context, conflict *model.SyncConflict) error
	GetConflict(ctx context.Context, id string) (*model.SyncConflict, error)
	ListUnresolvedConflicts(ctx context.Context, limit int) ([]*model.SyncConflict, error)
	ResolveConflict(ctx context.Context, id, resolution string, at time.Time) error
}
