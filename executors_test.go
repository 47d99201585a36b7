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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavehq/weavesync/model"
	"github.com/weavehq/weavesync/remote"
)

func executeOp(t *testing.T, e *Executors, payload model.QueuePayload) error {
	t.Helper()
	encoded, err := model.EncodePayload(payload)
	require.NoError(t, err)
	return e.Execute(context.Background(), &model.QueueItem{
		ID:            "queue_test",
		OperationType: payload.Operation(),
		Payload:       encoded,
	})
}

func TestShareWeaveCreatesRemoteAndLocalState(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_1")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	require.NoError(t, db.SaveLocalRecord(ctx, "interactions", "interaction_1", map[string]interface{}{
		"title": "coffee with sam",
	}, time.Now()))

	payload := model.ShareWeavePayload{
		InteractionID:      "interaction_1",
		ServerWeaveID:      "weave_1",
		TargetUserIDs:      []string{"user_2", "user_3"},
		CanParticipantEdit: true,
	}
	require.NoError(t, executeOp(t, e, payload))

	share := rc.shares["weave_1"]
	require.NotNil(t, share)
	assert.Equal(t, "user_1", share.CreatedByUserID)
	assert.True(t, share.CanParticipantEdit)
	assert.Len(t, rc.participants["weave_1"], 2)

	ref, err := db.GetSharedWeaveRefByServerID(ctx, "weave_1")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.True(t, ref.IsCreator)
	assert.Equal(t, model.WeaveStatusPending, ref.Status)
	assert.Equal(t, "interaction_1", ref.InteractionID)
}

func TestShareWeaveIsIdempotent(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_1")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	require.NoError(t, db.SaveLocalRecord(ctx, "interactions", "interaction_1", map[string]interface{}{}, time.Now()))

	payload := model.ShareWeavePayload{
		InteractionID: "interaction_1",
		ServerWeaveID: "weave_1",
		TargetUserIDs: []string{"user_2"},
	}
	require.NoError(t, executeOp(t, e, payload))
	// re-running after a crash mid-operation must converge, not fail
	require.NoError(t, executeOp(t, e, payload))

	assert.Len(t, rc.participants["weave_1"], 1)
	refs, err := db.GetSharedWeaveRefsByInteraction(ctx, "interaction_1")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestShareWeaveMissingInteractionIsLocalMissing(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_1")
	e := NewExecutors(db, rc)

	err := executeOp(t, e, model.ShareWeavePayload{
		InteractionID: "interaction_gone",
		ServerWeaveID: "weave_1",
		TargetUserIDs: []string{"user_2"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocalDataMissing))
	assert.Equal(t, ClassLocalMissing, Classify(err))
}

func TestAcceptWeaveMirrorsResponseLocally(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_2")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	// user_1 shared a weave with user_2; the recipient-side ref exists
	require.NoError(t, rc.CreateWeaveShare(ctx, &remote.WeaveShare{ServerWeaveID: "weave_1", CreatedByUserID: "user_1"}))
	require.NoError(t, rc.CreateWeaveParticipants(ctx, "weave_1", []string{"user_2"}))
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		InteractionID: "interaction_1",
		ServerWeaveID: "weave_1",
		Status:        model.WeaveStatusPending,
		SharedAt:      time.Now(),
	}))

	require.NoError(t, executeOp(t, e, model.AcceptWeavePayload{ServerWeaveID: "weave_1", InteractionID: "interaction_1"}))

	participants, err := rc.GetWeaveParticipants(ctx, "weave_1")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, model.WeaveStatusAccepted, participants[0].Response)

	ref, err := db.GetSharedWeaveRefByServerID(ctx, "weave_1")
	require.NoError(t, err)
	assert.Equal(t, model.WeaveStatusAccepted, ref.Status)
	assert.NotNil(t, ref.RespondedAt)
}

func TestDeclineWeaveMirrorsResponseLocally(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_2")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	require.NoError(t, rc.CreateWeaveParticipants(ctx, "weave_1", []string{"user_2"}))
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		ServerWeaveID: "weave_1",
		InteractionID: "interaction_1",
		Status:        model.WeaveStatusPending,
		SharedAt:      time.Now(),
	}))

	require.NoError(t, executeOp(t, e, model.DeclineWeavePayload{ServerWeaveID: "weave_1"}))

	ref, err := db.GetSharedWeaveRefByServerID(ctx, "weave_1")
	require.NoError(t, err)
	assert.Equal(t, model.WeaveStatusDeclined, ref.Status)
}

func TestUpdateSharedWeavePushesFields(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_1")
	e := NewExecutors(db, rc)

	require.NoError(t, executeOp(t, e, model.UpdateSharedWeavePayload{
		ServerWeaveID: "weave_1",
		Fields:        map[string]interface{}{"can_participant_edit": false},
	}))
	assert.Equal(t, map[string]interface{}{"can_participant_edit": false}, rc.shareUpdates["weave_1"])
}

func TestSendLinkRequestCreatesLink(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_1")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	require.NoError(t, executeOp(t, e, model.SendLinkRequestPayload{
		FromUserID: "user_1",
		ToUserID:   "user_2",
		Message:    "hey!",
	}))

	link, err := rc.FindFriendLink(ctx, "user_2", "user_1")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "user_1", link.ProposerID)
	assert.Equal(t, model.LinkStatusPending, link.Status)
	// pair is stored in canonical order regardless of direction
	assert.Equal(t, "user_1", link.UserA)
	assert.Equal(t, "user_2", link.UserB)
}

func TestSendLinkRequestAdoptsExistingAcceptedLink(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_1")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	// the other user already proposed and the link was accepted elsewhere
	require.NoError(t, rc.CreateFriendLink(ctx, &remote.FriendLink{
		ID: "link_1", UserA: "user_1", UserB: "user_2", ProposerID: "user_2",
		Status: model.LinkStatusAccepted,
	}))
	rc.profiles["user_2"] = remote.Row{"display_name": "Sam"}

	require.NoError(t, executeOp(t, e, model.SendLinkRequestPayload{FromUserID: "user_1", ToUserID: "user_2"}))

	// no second link was created
	assert.Len(t, rc.links, 1)

	friend, err := db.GetRecord(ctx, "friends", "user_2")
	require.NoError(t, err)
	require.NotNil(t, friend)
	assert.Equal(t, model.LinkStatusAccepted, friend.Attrs["status"])
	assert.Equal(t, "Sam", friend.Attrs["display_name"])
}

func TestSendLinkRequestTreatsUniqueViolationAsSuccess(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_1")
	rc.linkErr = uniqueViolation()
	e := NewExecutors(db, rc)

	assert.NoError(t, executeOp(t, e, model.SendLinkRequestPayload{FromUserID: "user_1", ToUserID: "user_2"}))
}

func TestAcceptLinkRequestMaterializesFriendWithoutClobberingEdits(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_2")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	require.NoError(t, rc.CreateFriendLink(ctx, &remote.FriendLink{
		ID: "link_1", UserA: "user_1", UserB: "user_2", ProposerID: "user_1",
		Status: model.LinkStatusPending,
	}))
	rc.profiles["user_1"] = remote.Row{"display_name": "Alex", "bio": "climber"}

	// the local user already renamed this contact
	require.NoError(t, db.SaveLocalRecord(ctx, "friends", "user_1", map[string]interface{}{
		"display_name": "Alex from the gym",
	}, time.Now()))

	require.NoError(t, executeOp(t, e, model.AcceptLinkRequestPayload{LinkID: "link_1", FromUserID: "user_1"}))

	link, err := rc.GetFriendLink(ctx, "link_1")
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusAccepted, link.Status)

	friend, err := db.GetRecord(ctx, "friends", "user_1")
	require.NoError(t, err)
	require.NotNil(t, friend)
	assert.Equal(t, "Alex from the gym", friend.Attrs["display_name"], "local edits win over profile fill")
	assert.Equal(t, "climber", friend.Attrs["bio"], "unset fields are filled from the profile")
	assert.Equal(t, model.LinkStatusAccepted, friend.Attrs["status"])
}

func TestDeclineLinkRequestOnlyUpdatesRemote(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("user_2")
	e := NewExecutors(db, rc)
	ctx := context.Background()

	require.NoError(t, rc.CreateFriendLink(ctx, &remote.FriendLink{
		ID: "link_1", UserA: "user_1", UserB: "user_2", ProposerID: "user_1",
		Status: model.LinkStatusPending,
	}))

	require.NoError(t, executeOp(t, e, model.DeclineLinkRequestPayload{LinkID: "link_1", FromUserID: "user_1"}))

	link, err := rc.GetFriendLink(ctx, "link_1")
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusDeclined, link.Status)

	friend, err := db.GetRecord(ctx, "friends", "user_1")
	require.NoError(t, err)
	assert.Nil(t, friend, "declining must not create a local friend record")
}

func TestExecuteWithoutSessionIsDeferred(t *testing.T) {
	db := newTestStore(t)
	rc := newFakeRemote("")
	e := NewExecutors(db, rc)

	err := executeOp(t, e, model.SendLinkRequestPayload{FromUserID: "user_1", ToUserID: "user_2"})
	require.Error(t, err)
	assert.Equal(t, ClassAuthAbsent, Classify(err))
}
