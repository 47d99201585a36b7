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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavehq/weavesync/model"
)

func TestUpsertSharedWeaveRefByServerID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ref := &model.SharedWeaveRef{
		InteractionID:   "interaction_1",
		ServerWeaveID:   "weave_1",
		CreatedByUserID: "user_1",
		IsCreator:       true,
		Status:          model.WeaveStatusPending,
		SharedAt:        time.Now(),
	}
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, ref))
	firstID := ref.ID

	// a re-run refreshes the mutable fields on the same row
	respondedAt := time.Now()
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		InteractionID:   "interaction_1",
		ServerWeaveID:   "weave_1",
		CreatedByUserID: "user_1",
		IsCreator:       true,
		Status:          model.WeaveStatusAccepted,
		SharedAt:        time.Now(),
		RespondedAt:     &respondedAt,
	}))

	got, err := db.GetSharedWeaveRefByServerID(ctx, "weave_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, firstID, got.ID, "the original row survives the upsert")
	assert.Equal(t, model.WeaveStatusAccepted, got.Status)
	assert.NotNil(t, got.RespondedAt)
}

func TestGetSharedWeaveRefByServerIDAbsentIsNil(t *testing.T) {
	db := testDB(t)

	ref, err := db.GetSharedWeaveRefByServerID(context.Background(), "weave_nope")
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestGetSharedWeaveRefsByInteraction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	base := time.Now()

	// one interaction shared twice, to different audiences
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		InteractionID: "interaction_1", ServerWeaveID: "weave_2",
		Status: model.WeaveStatusPending, SharedAt: base.Add(time.Hour),
	}))
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		InteractionID: "interaction_1", ServerWeaveID: "weave_1",
		Status: model.WeaveStatusPending, SharedAt: base,
	}))
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		InteractionID: "interaction_2", ServerWeaveID: "weave_3",
		Status: model.WeaveStatusPending, SharedAt: base,
	}))

	refs, err := db.GetSharedWeaveRefsByInteraction(ctx, "interaction_1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "weave_1", refs[0].ServerWeaveID, "oldest share first")
	assert.Equal(t, "weave_2", refs[1].ServerWeaveID)
}

func TestUpdateSharedWeaveRefStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ref := &model.SharedWeaveRef{
		ServerWeaveID: "weave_1",
		Status:        model.WeaveStatusPending,
		SharedAt:      time.Now(),
	}
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, ref))

	respondedAt := time.Now()
	require.NoError(t, db.UpdateSharedWeaveRefStatus(ctx, ref.ID, model.WeaveStatusDeclined, &respondedAt))

	got, err := db.GetSharedWeaveRef(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WeaveStatusDeclined, got.Status)
	assert.NotNil(t, got.RespondedAt)
}

func TestExpireSharedWeaveRefsStrictCutoff(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	cutoff := time.Now().Add(-90 * 24 * time.Hour)

	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		ServerWeaveID: "weave_older", Status: model.WeaveStatusPending,
		SharedAt: cutoff.Add(-time.Second),
	}))
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		ServerWeaveID: "weave_at_cutoff", Status: model.WeaveStatusPending,
		SharedAt: cutoff,
	}))
	require.NoError(t, db.UpsertSharedWeaveRef(ctx, &model.SharedWeaveRef{
		ServerWeaveID: "weave_declined", Status: model.WeaveStatusDeclined,
		SharedAt: cutoff.Add(-time.Hour),
	}))

	expired, err := db.ExpireSharedWeaveRefs(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, expired)

	older, err := db.GetSharedWeaveRefByServerID(ctx, "weave_older")
	require.NoError(t, err)
	assert.Equal(t, model.WeaveStatusExpired, older.Status)

	boundary, err := db.GetSharedWeaveRefByServerID(ctx, "weave_at_cutoff")
	require.NoError(t, err)
	assert.Equal(t, model.WeaveStatusPending, boundary.Status)

	declined, err := db.GetSharedWeaveRefByServerID(ctx, "weave_declined")
	require.NoError(t, err)
	assert.Equal(t, model.WeaveStatusDeclined, declined.Status)
}
