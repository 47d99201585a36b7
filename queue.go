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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/config"
	"github.com/weavehq/weavesync/model"
	"github.com/weavehq/weavesync/remote"
	"github.com/weavehq/weavesync/store"
)

// Connectivity reports whether the remote backend is reachable. The default
// implementation pings the remote connection; tests swap in a stub.
type Connectivity interface {
	Online(ctx context.Context) bool
}

type pingConnectivity struct {
	remote remote.IRemote
}

func (p pingConnectivity) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.remote.Ping(ctx) == nil
}

// Queue drives the durable action queue: idempotent enqueue, a single drain
// loop with per-item backoff, and terminal-failure surfacing.
type Queue struct {
	store        store.IDataSource
	remote       remote.IRemote
	connectivity Connectivity
	executors    *Executors
	webhooks     *WebhookDispatcher
	now          func() time.Time

	mu       sync.Mutex
	inflight chan struct{}
}

func NewQueue(db store.IDataSource, rc remote.IRemote, connectivity Connectivity, executors *Executors, webhooks *WebhookDispatcher) *Queue {
	return &Queue{
		store:        db,
		remote:       rc,
		connectivity: connectivity,
		executors:    executors,
		webhooks:     webhooks,
		now:          time.Now,
	}
}

// Enqueue persists one operation. When an identical operation (same type,
// byte-identical canonical payload) is already pending or processing, the
// existing item's id is returned and no duplicate is created.
func (q *Queue) Enqueue(ctx context.Context, payload model.QueuePayload) (string, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "Enqueueing operation")
	defer span.End()

	encoded, err := model.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	item, existing, err := q.store.EnqueueQueueItem(ctx, payload.Operation(), encoded)
	if err != nil {
		return "", err
	}
	if existing {
		logrus.Debugf("queue: deduplicated %s onto %s", payload.Operation(), item.ID)
	}
	return item.ID, nil
}

// StartProcessing kicks the drain loop and returns a channel closed when the
// drain completes. Concurrent callers share the in-flight drain's channel
// rather than starting a second loop.
func (q *Queue) StartProcessing(ctx context.Context) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight != nil {
		return q.inflight
	}
	done := make(chan struct{})
	q.inflight = done
	go func() {
		defer func() {
			q.mu.Lock()
			q.inflight = nil
			q.mu.Unlock()
			close(done)
		}()
		q.drain(ctx)
	}()
	return done
}

// RetryAllFailed resets every failed item to pending with a zeroed retry
// counter and restarts the drain.
func (q *Queue) RetryAllFailed(ctx context.Context) (int64, error) {
	count, err := q.store.RetryAllFailedQueueItems(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		q.StartProcessing(ctx)
	}
	return count, nil
}

// drain processes pending items oldest first in bounded batches. Missing
// network or session short-circuits the whole pass without touching items.
func (q *Queue) drain(ctx context.Context) {
	ctx, span := otel.Tracer("queue").Start(ctx, "Draining action queue")
	defer span.End()

	if !q.remote.Authenticated() {
		logrus.Debug("queue: no session, deferring drain")
		return
	}
	if !q.connectivity.Online(ctx) {
		logrus.Debug("queue: offline, deferring drain")
		return
	}

	cnf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("queue: config unavailable: %v", err)
		return
	}

	seen := map[string]bool{}
	for {
		items, err := q.store.GetPendingQueueItems(ctx, cnf.Queue.BatchSize)
		if err != nil {
			logrus.Errorf("queue: fetching pending items: %v", err)
			return
		}

		progressed := false
		for _, item := range items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true

			if !q.backoffElapsed(item, cnf) {
				continue
			}
			progressed = true
			if stop := q.processItem(ctx, item, cnf); stop {
				return
			}
		}

		if !progressed || len(items) < cnf.Queue.BatchSize {
			return
		}
	}
}

// backoffElapsed gates an item on its retry window: an item with r prior
// failures waits backoff(r-1) after its last attempt.
func (q *Queue) backoffElapsed(item *model.QueueItem, cnf *config.Configuration) bool {
	if item.RetryCount == 0 || item.LastAttemptAt == nil {
		return true
	}
	window := BackoffDelay(cnf.QueueBaseDelay(), cnf.QueueMaxDelay(), item.RetryCount-1)
	return q.now().Sub(*item.LastAttemptAt) >= window
}

// processItem runs one queue item through its executor. The bool result
// requests a full drain stop (session vanished mid-pass).
func (q *Queue) processItem(ctx context.Context, item *model.QueueItem, cnf *config.Configuration) bool {
	now := q.now()
	if err := q.store.MarkQueueItemProcessing(ctx, item.ID, now); err != nil {
		logrus.Errorf("queue: marking %s processing: %v", item.ID, err)
		return false
	}

	err := q.executors.Execute(ctx, item)
	if err == nil {
		if err := q.store.MarkQueueItemCompleted(ctx, item.ID, q.now()); err != nil {
			logrus.Errorf("queue: marking %s completed: %v", item.ID, err)
		}
		return false
	}

	switch Classify(err) {
	case ClassAuthAbsent:
		// not a failure: put the item back untouched and stop the pass
		if _, resetErr := q.store.ResetStuckProcessingItems(ctx); resetErr != nil {
			logrus.Errorf("queue: resetting deferred items: %v", resetErr)
		}
		return true
	case ClassLocalMissing:
		logrus.Warnf("queue: %s references missing local data, skipping: %v", item.ID, err)
		if err := q.store.MarkQueueItemSkipped(ctx, item.ID, err.Error(), q.now()); err != nil {
			logrus.Errorf("queue: marking %s skipped: %v", item.ID, err)
		}
		return false
	default:
		terminal := item.RetryCount+1 >= cnf.Queue.MaxRetries
		if markErr := q.store.MarkQueueItemFailedAttempt(ctx, item.ID, err.Error(), q.now(), terminal); markErr != nil {
			logrus.Errorf("queue: recording failed attempt for %s: %v", item.ID, markErr)
		}
		if terminal {
			logrus.Errorf("queue: %s exhausted retries: %v", item.ID, err)
			q.webhooks.Dispatch(EventQueueItemFailed, map[string]interface{}{
				"queue_item_id":  item.ID,
				"operation_type": item.OperationType,
				"last_error":     err.Error(),
			})
		}
		return false
	}
}

// PurgeCompleted deletes completed items older than the retention window.
func (q *Queue) PurgeCompleted(ctx context.Context) (int64, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-time.Duration(cnf.Queue.RetentionHours) * time.Hour)
	return q.store.PurgeCompletedQueueItems(ctx, cutoff)
}
