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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/model"
	"github.com/weavehq/weavesync/remote"
	"github.com/weavehq/weavesync/store"
)

// Executors maps each queue operation onto its remote and local mutations.
// Every executor is safe to re-run to completion: remote writes are upserts
// or idempotent updates, local writes converge on the same state.
type Executors struct {
	store  store.IDataSource
	remote remote.IRemote
	now    func() time.Time
}

func NewExecutors(db store.IDataSource, rc remote.IRemote) *Executors {
	return &Executors{store: db, remote: rc, now: time.Now}
}

// Execute dispatches one queue item to its executor. The payload union is
// matched exhaustively; an unknown operation type is a permanent error.
func (e *Executors) Execute(ctx context.Context, item *model.QueueItem) error {
	ctx, span := otel.Tracer("executors").Start(ctx, fmt.Sprintf("Executing %s", item.OperationType))
	defer span.End()

	if !e.remote.Authenticated() {
		return ErrNotReady
	}

	payload, err := model.DecodePayload(item.OperationType, item.Payload)
	if err != nil {
		return errors.Wrap(err, "decoding queue payload")
	}

	switch p := payload.(type) {
	case model.ShareWeavePayload:
		return e.shareWeave(ctx, p)
	case model.AcceptWeavePayload:
		return e.respondToWeave(ctx, model.WeaveResponsePayload(p), model.WeaveStatusAccepted)
	case model.DeclineWeavePayload:
		return e.respondToWeave(ctx, model.WeaveResponsePayload(p), model.WeaveStatusDeclined)
	case model.UpdateSharedWeavePayload:
		return e.updateSharedWeave(ctx, p)
	case model.SendLinkRequestPayload:
		return e.sendLinkRequest(ctx, p)
	case model.AcceptLinkRequestPayload:
		return e.acceptLinkRequest(ctx, p)
	case model.DeclineLinkRequestPayload:
		return e.declineLinkRequest(ctx, p)
	default:
		return errors.Errorf("no executor for operation type %q", item.OperationType)
	}
}

// shareWeave creates the remote sharing record plus one participant row per
// target user, then materializes the creator-side local ref.
func (e *Executors) shareWeave(ctx context.Context, p model.ShareWeavePayload) error {
	interaction, err := e.store.GetRecord(ctx, "interactions", p.InteractionID)
	if err != nil {
		return errors.Wrap(err, "loading interaction")
	}
	if interaction == nil {
		return errors.Wrapf(ErrLocalDataMissing, "interaction %s", p.InteractionID)
	}

	now := e.now()
	share := &remote.WeaveShare{
		ServerWeaveID:      p.ServerWeaveID,
		CreatedByUserID:    e.remote.UserID(),
		CanParticipantEdit: p.CanParticipantEdit,
		SharedAt:           now,
	}
	if err := e.remote.CreateWeaveShare(ctx, share); err != nil && !IsUniqueViolation(err) {
		return errors.Wrap(err, "creating weave share")
	}
	if err := e.remote.CreateWeaveParticipants(ctx, p.ServerWeaveID, p.TargetUserIDs); err != nil && !IsUniqueViolation(err) {
		return errors.Wrap(err, "creating weave participants")
	}

	ref := &model.SharedWeaveRef{
		InteractionID:      p.InteractionID,
		ServerWeaveID:      p.ServerWeaveID,
		CreatedByUserID:    e.remote.UserID(),
		IsCreator:          true,
		Status:             model.WeaveStatusPending,
		SharedAt:           now,
		CanParticipantEdit: p.CanParticipantEdit,
	}
	return e.store.UpsertSharedWeaveRef(ctx, ref)
}

// respondToWeave records the caller's own accept/decline remotely and mirrors
// the confirmed status onto the local ref.
func (e *Executors) respondToWeave(ctx context.Context, p model.WeaveResponsePayload, response string) error {
	now := e.now()
	if err := e.remote.UpdateParticipantResponse(ctx, p.ServerWeaveID, e.remote.UserID(), response, now); err != nil {
		return errors.Wrap(err, "updating participant response")
	}

	ref, err := e.store.GetSharedWeaveRefByServerID(ctx, p.ServerWeaveID)
	if err != nil {
		return errors.Wrap(err, "loading shared weave ref")
	}
	if ref == nil {
		return errors.Wrapf(ErrLocalDataMissing, "shared weave ref for %s", p.ServerWeaveID)
	}
	return e.store.UpdateSharedWeaveRefStatus(ctx, ref.ID, response, &now)
}

func (e *Executors) updateSharedWeave(ctx context.Context, p model.UpdateSharedWeavePayload) error {
	return e.remote.UpdateWeaveShare(ctx, p.ServerWeaveID, p.Fields)
}

// sendLinkRequest creates a link request unless one already exists between
// the two users. An existing pending or accepted link is adopted locally; a
// unique-constraint race on creation counts as success.
func (e *Executors) sendLinkRequest(ctx context.Context, p model.SendLinkRequestPayload) error {
	existing, err := e.remote.FindFriendLink(ctx, p.FromUserID, p.ToUserID)
	if err != nil {
		return errors.Wrap(err, "looking up existing link")
	}
	if existing != nil {
		switch existing.Status {
		case model.LinkStatusPending, model.LinkStatusAccepted:
			logrus.Debugf("executors: adopting existing link %s (%s)", existing.ID, existing.Status)
			return e.adoptLink(ctx, existing)
		}
		// a declined link does not block a fresh request
	}

	userA, userB := remote.SortedPair(p.FromUserID, p.ToUserID)
	link := &remote.FriendLink{
		ID:         store.GenerateUUIDWithSuffix("link"),
		UserA:      userA,
		UserB:      userB,
		ProposerID: p.FromUserID,
		Status:     model.LinkStatusPending,
		Message:    p.Message,
	}
	if err := e.remote.CreateFriendLink(ctx, link); err != nil {
		if IsUniqueViolation(err) {
			// lost a race with the other device; the link exists, which
			// is all this operation wanted
			return nil
		}
		return errors.Wrap(err, "creating friend link")
	}
	return nil
}

// adoptLink mirrors an already-established link into the local store.
func (e *Executors) adoptLink(ctx context.Context, link *remote.FriendLink) error {
	if link.Status != model.LinkStatusAccepted {
		return nil
	}
	otherUser := link.UserA
	if otherUser == e.remote.UserID() {
		otherUser = link.UserB
	}
	return materializeFriend(ctx, e.store, e.remote, e.now(), link.ID, otherUser)
}

// acceptLinkRequest accepts the inbound request remotely and mirrors the new
// friend into the local store.
func (e *Executors) acceptLinkRequest(ctx context.Context, p model.AcceptLinkRequestPayload) error {
	if err := e.remote.UpdateFriendLinkStatus(ctx, p.LinkID, model.LinkStatusAccepted); err != nil {
		return errors.Wrap(err, "accepting friend link")
	}
	return materializeFriend(ctx, e.store, e.remote, e.now(), p.LinkID, p.FromUserID)
}

// materializeFriend creates or updates the local friend record for an
// accepted link, filling profile fields only where the local record has none
// so user edits are never overwritten. Shared by the queue executors and the
// inbound realtime handlers.
func materializeFriend(ctx context.Context, db store.IDataSource, rc remote.IRemote, now time.Time, linkID, friendUserID string) error {
	base := map[string]interface{}{
		"user_id": friendUserID,
		"link_id": linkID,
		"status":  model.LinkStatusAccepted,
	}
	if err := db.SaveLocalRecord(ctx, "friends", friendUserID, base, now); err != nil {
		return errors.Wrap(err, "saving friend record")
	}

	profile, err := rc.GetProfile(ctx, friendUserID)
	if err != nil {
		return errors.Wrap(err, "fetching friend profile")
	}
	if profile == nil {
		return nil
	}
	attrs := map[string]interface{}{}
	for key, value := range profile {
		if key == "id" || key == "updated_at" {
			continue
		}
		attrs[key] = value
	}
	return db.MergeLocalRecordUnsetFields(ctx, "friends", friendUserID, attrs, now)
}

func (e *Executors) declineLinkRequest(ctx context.Context, p model.DeclineLinkRequestPayload) error {
	return errors.Wrap(
		e.remote.UpdateFriendLinkStatus(ctx, p.LinkID, model.LinkStatusDeclined),
		"declining friend link",
	)
}
