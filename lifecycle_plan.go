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

	"github.com/weavehq/weavesync/model"
	"github.com/weavehq/weavesync/store"
)

const (
	// promptRepeatWindow keeps the completion prompt from re-firing for a
	// plan the user was already asked about recently.
	promptRepeatWindow = 24 * time.Hour
	// missedAfter is how long an unanswered completion prompt waits before
	// the plan counts as missed.
	missedAfter = 7 * 24 * time.Hour
)

// PlanLifecycle runs the time-driven transitions of planned interactions:
// planned moves to pending_confirm once the date has passed, pending_confirm
// decays to missed when the prompt goes unanswered.
type PlanLifecycle struct {
	store    store.IDataSource
	webhooks *WebhookDispatcher
	now      func() time.Time
}

func NewPlanLifecycle(db store.IDataSource, webhooks *WebhookDispatcher) *PlanLifecycle {
	return &PlanLifecycle{store: db, webhooks: webhooks, now: time.Now}
}

// SweepPlans runs both decay transitions once. Safe to re-run: each plan
// matches at most one transition and leaves the matched state.
func (p *PlanLifecycle) SweepPlans(ctx context.Context) error {
	ctx, span := otel.Tracer("lifecycle").Start(ctx, "Sweeping plans")
	defer span.End()

	if err := p.promptPastPlans(ctx); err != nil {
		return err
	}
	return p.decayUnansweredPrompts(ctx)
}

func (p *PlanLifecycle) promptPastPlans(ctx context.Context) error {
	plans, err := p.store.ListPlansByStatus(ctx, model.PlanStatusPlanned)
	if err != nil {
		return errors.Wrap(err, "listing planned interactions")
	}

	now := p.now()
	for _, plan := range plans {
		if !plan.InteractionDate.Before(now) {
			continue
		}
		if plan.CompletionPromptedAt != nil && now.Sub(*plan.CompletionPromptedAt) < promptRepeatWindow {
			continue
		}
		err := p.store.UpdatePlan(ctx, plan.RecordID, map[string]interface{}{
			"status":                 model.PlanStatusPendingConfirm,
			"completion_prompted_at": now.Format(time.RFC3339Nano),
		}, now)
		if err != nil {
			return errors.Wrapf(err, "prompting plan %s", plan.RecordID)
		}
		logrus.Debugf("lifecycle: plan %s now awaiting confirmation", plan.RecordID)
		p.webhooks.Dispatch(EventPlanPendingConfirm, map[string]interface{}{
			"record_id":        plan.RecordID,
			"interaction_date": plan.InteractionDate,
		})
	}
	return nil
}

func (p *PlanLifecycle) decayUnansweredPrompts(ctx context.Context) error {
	plans, err := p.store.ListPlansByStatus(ctx, model.PlanStatusPendingConfirm)
	if err != nil {
		return errors.Wrap(err, "listing plans awaiting confirmation")
	}

	now := p.now()
	for _, plan := range plans {
		if plan.CompletionPromptedAt == nil || now.Sub(*plan.CompletionPromptedAt) < missedAfter {
			continue
		}
		err := p.store.UpdatePlan(ctx, plan.RecordID, map[string]interface{}{
			"status": model.PlanStatusMissed,
		}, now)
		if err != nil {
			return errors.Wrapf(err, "marking plan %s missed", plan.RecordID)
		}
		logrus.Debugf("lifecycle: plan %s missed", plan.RecordID)
	}
	return nil
}

// ConfirmPlan marks a prompted plan as completed. The transition is a local
// edit, so the next replication pass pushes it.
func (p *PlanLifecycle) ConfirmPlan(ctx context.Context, recordID string) error {
	return p.transition(ctx, recordID, model.PlanStatusCompleted)
}

// CancelPlan marks a plan as cancelled before or after its date.
func (p *PlanLifecycle) CancelPlan(ctx context.Context, recordID string) error {
	return p.transition(ctx, recordID, model.PlanStatusCancelled)
}

func (p *PlanLifecycle) transition(ctx context.Context, recordID, status string) error {
	record, err := p.store.GetRecord(ctx, "interactions", recordID)
	if err != nil {
		return err
	}
	if record == nil {
		return errors.Wrapf(ErrLocalDataMissing, "interaction %s", recordID)
	}
	current, _ := record.Attrs["status"].(string)
	if isTerminalPlanStatus(current) {
		return errors.Errorf("plan %s is already %s", recordID, current)
	}
	return p.store.UpdatePlan(ctx, recordID, map[string]interface{}{
		"status": status,
	}, p.now())
}

// completed, cancelled and missed are terminal; no user action leaves them.
func isTerminalPlanStatus(status string) bool {
	switch status {
	case model.PlanStatusCompleted, model.PlanStatusCancelled, model.PlanStatusMissed:
		return true
	}
	return false
}
