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

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/weavehq/weavesync/model"
)

// ShareWeave is the request body for sharing an interaction.
type ShareWeave struct {
	InteractionID      string   `json:"interaction_id"`
	TargetUserIDs      []string `json:"target_user_ids"`
	CanParticipantEdit bool     `json:"can_participant_edit"`
}

func (s *ShareWeave) ValidateShareWeave() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.InteractionID, validation.Required),
		validation.Field(&s.TargetUserIDs, validation.Required, validation.Length(1, 0)),
	)
}

// UpdateWeave is the request body for pushing edits to a shared weave.
type UpdateWeave struct {
	Fields map[string]interface{} `json:"fields"`
}

func (u *UpdateWeave) ValidateUpdateWeave() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.Fields, validation.Required),
	)
}

// SendLink is the request body for proposing a friend link.
type SendLink struct {
	ToUserID string `json:"to_user_id"`
	Message  string `json:"message"`
}

func (s *SendLink) ValidateSendLink() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ToUserID, validation.Required),
	)
}

// LinkAction is the request body for answering an inbound link request.
type LinkAction struct {
	FromUserID string `json:"from_user_id"`
}

func (l *LinkAction) ValidateLinkAction() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.FromUserID, validation.Required),
	)
}

// ResolveConflict is the request body for resolving a replication conflict.
type ResolveConflict struct {
	Resolution string `json:"resolution"`
}

func (r *ResolveConflict) ValidateResolveConflict() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Resolution, validation.Required,
			validation.In(model.ResolutionKeepLocal, model.ResolutionKeepRemote)),
	)
}
