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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weavehq/weavesync/cache"
	"github.com/weavehq/weavesync/model"
	"github.com/weavehq/weavesync/remote"
	"github.com/weavehq/weavesync/store"
)

// handlerTimeout bounds the local work one inbound event may trigger.
const handlerTimeout = 15 * time.Second

// InboundHandlers reacts to realtime events from other users: weave shares
// arriving, participants responding, link requests resolving. Each handler
// applies the local mutation directly and nudges the orchestrator so the
// next replication pass picks up anything the event payload didn't carry.
type InboundHandlers struct {
	store       store.IDataSource
	remote      remote.IRemote
	cache       cache.Cache
	requestSync func()
	now         func() time.Time
}

func NewInboundHandlers(db store.IDataSource, rc remote.IRemote, ca cache.Cache, requestSync func()) *InboundHandlers {
	return &InboundHandlers{
		store:       db,
		remote:      rc,
		cache:       ca,
		requestSync: requestSync,
		now:         time.Now,
	}
}

// Register wires the handlers onto their tables.
func (h *InboundHandlers) Register(subscriber *Subscriber) {
	subscriber.Subscribe("weave_participants", h)
	subscriber.Subscribe("friend_links", h)
	invalidate := EventHandlerFunc(h.invalidateCache)
	subscriber.Subscribe("*", &invalidate)
}

func (h *InboundHandlers) HandleRealtimeEvent(event *remote.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch event.Table {
	case "weave_participants":
		err = h.handleWeaveParticipant(ctx, event)
	case "friend_links":
		err = h.handleFriendLink(ctx, event)
	}
	if err != nil {
		logrus.Errorf("realtime: handling %s/%s: %v", event.Table, event.Kind, err)
	}
}

// handleWeaveParticipant covers both directions of the weave handshake: a
// row inserted for this user is an inbound share invitation; a row updated
// by another participant is a response to a weave this user created.
func (h *InboundHandlers) handleWeaveParticipant(ctx context.Context, event *remote.Event) error {
	serverWeaveID := eventString(event.Data, "server_weave_id")
	participantID := eventString(event.Data, "user_id")
	if serverWeaveID == "" || participantID == "" {
		return nil
	}

	if event.Kind == "INSERT" && participantID == h.remote.UserID() {
		return h.adoptInboundShare(ctx, serverWeaveID)
	}
	if event.Kind == "UPDATE" && participantID != h.remote.UserID() {
		return h.applyParticipantResponse(ctx, serverWeaveID)
	}
	return nil
}

// adoptInboundShare materializes the recipient-side ref for a weave another
// user just shared with this one. The interaction payload itself arrives via
// replication, so only the ref is created here.
func (h *InboundHandlers) adoptInboundShare(ctx context.Context, serverWeaveID string) error {
	existing, err := h.store.GetSharedWeaveRefByServerID(ctx, serverWeaveID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	ref := &model.SharedWeaveRef{
		ServerWeaveID: serverWeaveID,
		IsCreator:     false,
		Status:        model.WeaveStatusPending,
		SharedAt:      h.now(),
	}
	if err := h.store.UpsertSharedWeaveRef(ctx, ref); err != nil {
		return err
	}
	h.requestSync()
	return nil
}

// applyParticipantResponse re-aggregates participant responses onto the
// creator-side ref. The weave counts as accepted once any participant has
// accepted, and as declined only when every participant has declined.
func (h *InboundHandlers) applyParticipantResponse(ctx context.Context, serverWeaveID string) error {
	ref, err := h.store.GetSharedWeaveRefByServerID(ctx, serverWeaveID)
	if err != nil {
		return err
	}
	if ref == nil || !ref.IsCreator {
		return nil
	}

	participants, err := h.remote.GetWeaveParticipants(ctx, serverWeaveID)
	if err != nil {
		return err
	}
	status := AggregateParticipantResponses(participants)
	if status == ref.Status {
		return nil
	}

	var respondedAt *time.Time
	if status != model.WeaveStatusPending {
		now := h.now()
		respondedAt = &now
	}
	return h.store.UpdateSharedWeaveRefStatus(ctx, ref.ID, status, respondedAt)
}

func (h *InboundHandlers) handleFriendLink(ctx context.Context, event *remote.Event) error {
	linkID := eventString(event.Data, "id")
	status := eventString(event.Data, "status")
	userA := eventString(event.Data, "user_a")
	userB := eventString(event.Data, "user_b")

	me := h.remote.UserID()
	if me == "" || (userA != me && userB != me) {
		return nil
	}

	switch {
	case event.Kind == "INSERT" && eventString(event.Data, "proposer_id") != me:
		// inbound request; surface it through the next sync so the app's
		// request list refreshes
		h.requestSync()
		return nil
	case status == model.LinkStatusAccepted:
		otherUser := userA
		if otherUser == me {
			otherUser = userB
		}
		return materializeFriend(ctx, h.store, h.remote, h.now(), linkID, otherUser)
	default:
		return nil
	}
}

// invalidateCache drops cached views for the table an event touched.
func (h *InboundHandlers) invalidateCache(event *remote.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	key := fmt.Sprintf("view:%s:%s", h.remote.UserID(), event.Table)
	if err := h.cache.Delete(ctx, key); err != nil {
		logrus.Debugf("realtime: invalidating %s: %v", key, err)
	}
}

// AggregateParticipantResponses folds individual responses into the weave's
// creator-facing status.
func AggregateParticipantResponses(participants []*remote.WeaveParticipant) string {
	if len(participants) == 0 {
		return model.WeaveStatusPending
	}
	allDeclined := true
	for _, participant := range participants {
		switch participant.Response {
		case model.WeaveStatusAccepted:
			return model.WeaveStatusAccepted
		case model.WeaveStatusDeclined:
		default:
			allDeclined = false
		}
	}
	if allDeclined {
		return model.WeaveStatusDeclined
	}
	return model.WeaveStatusPending
}

func eventString(data map[string]interface{}, key string) string {
	if value, ok := data[key].(string); ok {
		return value
	}
	return ""
}
