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
	"github.com/weavehq/weavesync/store"
)

func newTestPlanLifecycle(t *testing.T) (*PlanLifecycle, store.IDataSource) {
	t.Helper()
	db := newTestStore(t)
	return NewPlanLifecycle(db, NewWebhookDispatcher()), db
}

func seedPlan(t *testing.T, db store.IDataSource, recordID, status string, date time.Time) {
	t.Helper()
	require.NoError(t, db.SaveLocalRecord(context.Background(), "interactions", recordID, map[string]interface{}{
		"title":            "catch up",
		"status":           status,
		"interaction_date": date.Format(time.RFC3339Nano),
	}, time.Now()))
}

func TestSweepPromptsPastPlans(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_past", model.PlanStatusPlanned, time.Now().Add(-48*time.Hour))
	seedPlan(t, db, "plan_future", model.PlanStatusPlanned, time.Now().Add(48*time.Hour))

	require.NoError(t, lifecycle.SweepPlans(ctx))

	past, err := db.GetRecord(ctx, "interactions", "plan_past")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusPendingConfirm, past.Attrs["status"])
	assert.NotEmpty(t, past.Attrs["completion_prompted_at"])

	future, err := db.GetRecord(ctx, "interactions", "plan_future")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusPlanned, future.Attrs["status"])
}

func TestSweepDoesNotRepromptWithinWindow(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_1", model.PlanStatusPlanned, time.Now().Add(-48*time.Hour))
	require.NoError(t, lifecycle.SweepPlans(ctx))

	record, err := db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	firstPrompt := record.Attrs["completion_prompted_at"]

	// re-sweeping an hour later leaves the prompt stamp alone
	lifecycle.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, lifecycle.SweepPlans(ctx))

	record, err = db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	assert.Equal(t, firstPrompt, record.Attrs["completion_prompted_at"])
	assert.Equal(t, model.PlanStatusPendingConfirm, record.Attrs["status"])
}

func TestSweepDecaysUnansweredPromptsToMissed(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_1", model.PlanStatusPlanned, time.Now().Add(-48*time.Hour))
	require.NoError(t, lifecycle.SweepPlans(ctx))

	// eight days later the prompt has gone unanswered
	lifecycle.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	require.NoError(t, lifecycle.SweepPlans(ctx))

	record, err := db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusMissed, record.Attrs["status"])
}

func TestSweepLeavesRecentPromptsAlone(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_1", model.PlanStatusPlanned, time.Now().Add(-48*time.Hour))
	require.NoError(t, lifecycle.SweepPlans(ctx))

	// two days in, the user still has time to answer
	lifecycle.now = func() time.Time { return time.Now().Add(2 * 24 * time.Hour) }
	require.NoError(t, lifecycle.SweepPlans(ctx))

	record, err := db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusPendingConfirm, record.Attrs["status"])
}

func TestConfirmPlanCompletesAndMarksPending(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_1", model.PlanStatusPendingConfirm, time.Now().Add(-48*time.Hour))
	require.NoError(t, lifecycle.ConfirmPlan(ctx, "plan_1"))

	record, err := db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, record.Attrs["status"])
	assert.True(t, record.Pending, "the transition must replicate out")
}

func TestCancelPlan(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_1", model.PlanStatusPlanned, time.Now().Add(48*time.Hour))
	require.NoError(t, lifecycle.CancelPlan(ctx, "plan_1"))

	record, err := db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCancelled, record.Attrs["status"])
}

func TestConfirmMissedPlanIsRejected(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_1", model.PlanStatusMissed, time.Now().Add(-30*24*time.Hour))

	err := lifecycle.ConfirmPlan(ctx, "plan_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already missed")

	record, err := db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusMissed, record.Attrs["status"])
}

func TestCancelCompletedPlanIsRejected(t *testing.T) {
	lifecycle, db := newTestPlanLifecycle(t)
	ctx := context.Background()

	seedPlan(t, db, "plan_1", model.PlanStatusCompleted, time.Now().Add(-48*time.Hour))

	err := lifecycle.CancelPlan(ctx, "plan_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")

	record, err := db.GetRecord(ctx, "interactions", "plan_1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusCompleted, record.Attrs["status"])
}

func TestConfirmMissingPlanIsLocalMissing(t *testing.T) {
	lifecycle, _ := newTestPlanLifecycle(t)

	err := lifecycle.ConfirmPlan(context.Background(), "plan_gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocalDataMissing))
}
