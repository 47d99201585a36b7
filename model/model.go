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
package model

import "time"

// SharedWeaveRef status values. pending may move to accepted, declined or
// expired; the other three are terminal for the ref.
const (
	WeaveStatusPending  = "pending"
	WeaveStatusAccepted = "accepted"
	WeaveStatusDeclined = "declined"
	WeaveStatusExpired  = "expired"
)

// Plan status values for interaction records scheduled in the future.
const (
	PlanStatusPlanned        = "planned"
	PlanStatusPendingConfirm = "pending_confirm"
	PlanStatusCompleted      = "completed"
	PlanStatusCancelled      = "cancelled"
	PlanStatusMissed         = "missed"
)

// Friend-link status values on the remote link table.
const (
	LinkStatusPending  = "pending"
	LinkStatusAccepted = "accepted"
	LinkStatusDeclined = "declined"
)

// SharedWeaveRef is the local record of one sharing relationship for one
// interaction. Refs are never deleted; expiry is a status transition.
type SharedWeaveRef struct {
	ID                 string     `json:"id"`
	InteractionID      string     `json:"interaction_id"`
	ServerWeaveID      string     `json:"server_weave_id"`
	CreatedByUserID    string     `json:"created_by_user_id"`
	IsCreator          bool       `json:"is_creator"`
	Status             string     `json:"status"`
	SharedAt           time.Time  `json:"shared_at"`
	RespondedAt        *time.Time `json:"responded_at,omitempty"`
	CanParticipantEdit bool       `json:"can_participant_edit"`
}

// Record is one row of a replicated collection in the local store. Attrs holds
// the entity fields; the remaining fields are sync bookkeeping. SyncedAt is nil
// for a record that has never completed a push or clean pull.
type Record struct {
	ID              string                 `json:"id"`
	Collection      string                 `json:"collection"`
	Attrs           map[string]interface{} `json:"attrs"`
	LocalModifiedAt time.Time              `json:"local_modified_at"`
	SyncedAt        *time.Time             `json:"synced_at,omitempty"`
	Pending         bool                   `json:"pending"`
}

// HasLocalEdits reports whether the record carries local changes that have not
// been pushed since the last sync point.
func (r *Record) HasLocalEdits() bool {
	if r.SyncedAt == nil {
		return r.Pending
	}
	return r.LocalModifiedAt.After(*r.SyncedAt)
}

// Plan is the projection of an interaction record the plan lifecycle works
// with. Status and CompletionPromptedAt live inside the record attrs.
type Plan struct {
	RecordID             string     `json:"record_id"`
	InteractionDate      time.Time  `json:"interaction_date"`
	Status               string     `json:"status"`
	CompletionPromptedAt *time.Time `json:"completion_prompted_at,omitempty"`
}

// Conflict resolution choices accepted by ResolveConflict.
const (
	ResolutionKeepLocal  = "keep_local"
	ResolutionKeepRemote = "keep_remote"
)

// SyncConflict captures a detected write-write conflict: the local record had
// unsynced edits newer than the remote row. The default remote-wins policy has
// already been applied when a conflict is recorded; KeepLocal undoes it by
// re-queueing the preserved local version for push.
type SyncConflict struct {
	ID              string                 `json:"id"`
	Collection      string                 `json:"collection"`
	RecordID        string                 `json:"record_id"`
	LocalAttrs      map[string]interface{} `json:"local_attrs"`
	RemoteAttrs     map[string]interface{} `json:"remote_attrs"`
	LocalModifiedAt time.Time              `json:"local_modified_at"`
	RemoteUpdatedAt time.Time              `json:"remote_updated_at"`
	DetectedAt      time.Time              `json:"detected_at"`
	Resolution      string                 `json:"resolution,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
}
