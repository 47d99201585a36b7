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

// Package weavesync is the local-first sync core: a durable action queue for
// outbound social operations, a bidirectional replication engine against the
// shared backend, a realtime subscriber, and the lifecycle rules for shared
// weaves and planned interactions.
package weavesync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weavehq/weavesync/cache"
	"github.com/weavehq/weavesync/model"
	"github.com/weavehq/weavesync/remote"
	"github.com/weavehq/weavesync/store"
)

// Weavesync wires the sync subsystem together and is the handle the host
// application and the control surface operate through.
type Weavesync struct {
	store        store.IDataSource
	remote       remote.IRemote
	queue        *Queue
	replicator   *Replicator
	subscriber   *Subscriber
	handlers     *InboundHandlers
	weaves       *WeaveLifecycle
	plans        *PlanLifecycle
	orchestrator *Orchestrator
	webhooks     *WebhookDispatcher
	cache        cache.Cache
}

func NewWeavesync(db store.IDataSource, rc remote.IRemote, dialer remote.ChannelDialer) (*Weavesync, error) {
	ca, err := cache.NewCache()
	if err != nil {
		return nil, errors.Wrap(err, "initializing cache")
	}

	webhooks := NewWebhookDispatcher()
	connectivity := pingConnectivity{remote: rc}
	executors := NewExecutors(db, rc)
	queue := NewQueue(db, rc, connectivity, executors, webhooks)
	replicator := NewReplicator(db, rc, NewStoreConflictSink(db, webhooks))
	subscriber := NewSubscriber(dialer, rc)
	orchestrator := NewOrchestrator(queue, replicator, rc, connectivity, subscriber)

	ws := &Weavesync{
		store:        db,
		remote:       rc,
		queue:        queue,
		replicator:   replicator,
		subscriber:   subscriber,
		weaves:       NewWeaveLifecycle(db, webhooks),
		plans:        NewPlanLifecycle(db, webhooks),
		orchestrator: orchestrator,
		webhooks:     webhooks,
		cache:        ca,
	}
	ws.handlers = NewInboundHandlers(db, rc, ca, func() {
		orchestrator.RequestSync(context.Background())
	})
	ws.handlers.Register(subscriber)
	return ws, nil
}

// Start brings the subsystem up: recover queue items stranded by a crash,
// run the time-driven sweeps once, connect realtime and launch the periodic
// orchestrator. A failed realtime connect is logged, not fatal; the
// orchestrator's NotifyOnline path redials later.
func (ws *Weavesync) Start(ctx context.Context) error {
	recovered, err := ws.store.ResetStuckProcessingItems(ctx)
	if err != nil {
		return errors.Wrap(err, "recovering stuck queue items")
	}
	if recovered > 0 {
		logrus.Infof("weavesync: recovered %d queue items left processing", recovered)
	}

	if _, err := ws.weaves.ExpireStaleSharedWeaves(ctx); err != nil {
		return err
	}
	if err := ws.plans.SweepPlans(ctx); err != nil {
		return err
	}
	if _, err := ws.queue.PurgeCompleted(ctx); err != nil {
		return err
	}

	if err := ws.subscriber.Connect(); err != nil {
		logrus.Warnf("weavesync: realtime unavailable at startup: %v", err)
	}
	if err := ws.orchestrator.Start(ctx); err != nil {
		return err
	}
	ws.orchestrator.RequestSync(ctx)
	return nil
}

// Close shuts the subsystem down in reverse order of Start.
func (ws *Weavesync) Close() {
	ws.orchestrator.Close()
	ws.subscriber.Disconnect()
	ws.webhooks.Close()
}

// SetSession installs a new session identity and redials realtime onto the
// new user's channel.
func (ws *Weavesync) SetSession(ctx context.Context, userID string) {
	ws.remote.SetSession(userID)
	ws.subscriber.ForceReconnect()
	ws.orchestrator.RequestSync(ctx)
}

// NotifyOnline tells the engine connectivity has returned.
func (ws *Weavesync) NotifyOnline(ctx context.Context) {
	ws.orchestrator.NotifyOnline(ctx)
}

// ShareWeave queues sharing one local interaction with target users and
// returns the server weave id minted for the share. The id is generated
// here, before the operation runs, so retries reuse it and the remote upsert
// stays idempotent.
func (ws *Weavesync) ShareWeave(ctx context.Context, interactionID string, targetUserIDs []string, canParticipantEdit bool) (string, error) {
	if len(targetUserIDs) == 0 {
		return "", errors.New("share requires at least one target user")
	}
	serverWeaveID := store.GenerateUUIDWithSuffix("weave")
	_, err := ws.enqueue(ctx, model.ShareWeavePayload{
		InteractionID:      interactionID,
		ServerWeaveID:      serverWeaveID,
		TargetUserIDs:      targetUserIDs,
		CanParticipantEdit: canParticipantEdit,
	})
	if err != nil {
		return "", err
	}
	return serverWeaveID, nil
}

// AcceptSharedWeave queues this user's acceptance of an inbound weave.
func (ws *Weavesync) AcceptSharedWeave(ctx context.Context, serverWeaveID string) error {
	return ws.respondToWeave(ctx, serverWeaveID, true)
}

// DeclineSharedWeave queues this user's decline of an inbound weave.
func (ws *Weavesync) DeclineSharedWeave(ctx context.Context, serverWeaveID string) error {
	return ws.respondToWeave(ctx, serverWeaveID, false)
}

func (ws *Weavesync) respondToWeave(ctx context.Context, serverWeaveID string, accept bool) error {
	ref, err := ws.store.GetSharedWeaveRefByServerID(ctx, serverWeaveID)
	if err != nil {
		return err
	}
	if ref == nil {
		return errors.Wrapf(ErrLocalDataMissing, "shared weave ref for %s", serverWeaveID)
	}
	response := model.WeaveResponsePayload{ServerWeaveID: serverWeaveID, InteractionID: ref.InteractionID}

	var payload model.QueuePayload
	if accept {
		payload = model.AcceptWeavePayload(response)
	} else {
		payload = model.DeclineWeavePayload(response)
	}
	_, err = ws.enqueue(ctx, payload)
	return err
}

// UpdateSharedWeave queues pushing edits to an already shared weave.
func (ws *Weavesync) UpdateSharedWeave(ctx context.Context, serverWeaveID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := ws.enqueue(ctx, model.UpdateSharedWeavePayload{
		ServerWeaveID: serverWeaveID,
		Fields:        fields,
	})
	return err
}

// SendLinkRequest queues proposing a friend link to another user.
func (ws *Weavesync) SendLinkRequest(ctx context.Context, toUserID, message string) error {
	me := ws.remote.UserID()
	if me == "" {
		return ErrNotReady
	}
	if toUserID == me {
		return errors.New("cannot link to yourself")
	}
	_, err := ws.enqueue(ctx, model.SendLinkRequestPayload{
		FromUserID: me,
		ToUserID:   toUserID,
		Message:    message,
	})
	return err
}

// AcceptLinkRequest queues accepting an inbound link request.
func (ws *Weavesync) AcceptLinkRequest(ctx context.Context, linkID, fromUserID string) error {
	_, err := ws.enqueue(ctx, model.AcceptLinkRequestPayload{LinkID: linkID, FromUserID: fromUserID})
	return err
}

// DeclineLinkRequest queues declining an inbound link request.
func (ws *Weavesync) DeclineLinkRequest(ctx context.Context, linkID, fromUserID string) error {
	_, err := ws.enqueue(ctx, model.DeclineLinkRequestPayload{LinkID: linkID, FromUserID: fromUserID})
	return err
}

// enqueue persists the operation and nudges the orchestrator. The operation
// is durable from this point whether or not the device is online.
func (ws *Weavesync) enqueue(ctx context.Context, payload model.QueuePayload) (string, error) {
	id, err := ws.queue.Enqueue(ctx, payload)
	if err != nil {
		return "", err
	}
	ws.orchestrator.RequestSync(ctx)
	return id, nil
}

// ConfirmPlan marks a prompted plan completed.
func (ws *Weavesync) ConfirmPlan(ctx context.Context, recordID string) error {
	if err := ws.plans.ConfirmPlan(ctx, recordID); err != nil {
		return err
	}
	ws.orchestrator.RequestSync(ctx)
	return nil
}

// CancelPlan marks a plan cancelled.
func (ws *Weavesync) CancelPlan(ctx context.Context, recordID string) error {
	if err := ws.plans.CancelPlan(ctx, recordID); err != nil {
		return err
	}
	ws.orchestrator.RequestSync(ctx)
	return nil
}

// TriggerSync runs a sync pass now.
func (ws *Weavesync) TriggerSync(ctx context.Context) (*SyncResult, error) {
	return ws.orchestrator.SyncNow(ctx)
}

// SyncStatus reports the orchestrator's state plus realtime connectivity.
func (ws *Weavesync) SyncStatus() SyncStatus {
	return ws.orchestrator.Status()
}

// RealtimeConnected reports whether the realtime channel is live.
func (ws *Weavesync) RealtimeConnected() bool {
	return ws.subscriber.Connected()
}

// GetQueueItem returns one queue item.
func (ws *Weavesync) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	return ws.store.GetQueueItem(ctx, id)
}

// ListQueueItems lists queue items by status for inspection.
func (ws *Weavesync) ListQueueItems(ctx context.Context, status string, limit, offset int) ([]*model.QueueItem, error) {
	return ws.store.GetQueueItemsByStatus(ctx, status, limit, offset)
}

// RetryFailedOperations resets every terminally failed queue item and drains.
func (ws *Weavesync) RetryFailedOperations(ctx context.Context) (int64, error) {
	return ws.queue.RetryAllFailed(ctx)
}

// RetryOperation resets one failed queue item and drains.
func (ws *Weavesync) RetryOperation(ctx context.Context, id string) error {
	if err := ws.store.RetryQueueItem(ctx, id); err != nil {
		return err
	}
	ws.queue.StartProcessing(ctx)
	return nil
}

// ListConflicts lists unresolved replication conflicts.
func (ws *Weavesync) ListConflicts(ctx context.Context, limit int) ([]*model.SyncConflict, error) {
	return ws.store.ListUnresolvedConflicts(ctx, limit)
}

// ResolveConflict applies the user's choice to a recorded conflict. Remote
// already won when the conflict was detected, so keep_remote only marks the
// conflict resolved; keep_local restores the preserved local version and
// flags it pending so the next pass pushes it.
func (ws *Weavesync) ResolveConflict(ctx context.Context, conflictID, resolution string) error {
	if resolution != model.ResolutionKeepLocal && resolution != model.ResolutionKeepRemote {
		return errors.Errorf("unknown resolution %q", resolution)
	}
	conflict, err := ws.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	now := time.Now()
	if resolution == model.ResolutionKeepLocal {
		if err := ws.store.SaveLocalRecord(ctx, conflict.Collection, conflict.RecordID, conflict.LocalAttrs, now); err != nil {
			return errors.Wrap(err, "restoring local version")
		}
		if err := ws.store.MarkRecordPending(ctx, conflict.Collection, conflict.RecordID, now); err != nil {
			return err
		}
	}
	if err := ws.store.ResolveConflict(ctx, conflictID, resolution, now); err != nil {
		return err
	}
	if resolution == model.ResolutionKeepLocal {
		ws.orchestrator.RequestSync(ctx)
	}
	return nil
}

// Healthy reports whether the local store responds. Used by the health
// endpoint; remote reachability is reported separately since the engine is
// designed to run offline.
func (ws *Weavesync) Healthy(ctx context.Context) error {
	_, err := ws.store.GetLastSyncTimestamp(ctx, "health-probe")
	return err
}
