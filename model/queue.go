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
	"encoding/json"
	"fmt"
	"time"
)

// OperationType identifies the kind of remote mutation a queue item carries.
type OperationType string

const (
	OpShareWeave         OperationType = "share_weave"
	OpAcceptWeave        OperationType = "accept_weave"
	OpDeclineWeave       OperationType = "decline_weave"
	OpUpdateSharedWeave  OperationType = "update_shared_weave"
	OpSendLinkRequest    OperationType = "send_link_request"
	OpAcceptLinkRequest  OperationType = "accept_link_request"
	OpDeclineLinkRequest OperationType = "decline_link_request"
)

// Queue item status values.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// QueueItem is one durable pending remote-side mutation. At most one item per
// (operation type, canonical payload) may be pending or processing at a time.
type QueueItem struct {
	ID            string          `json:"id"`
	OperationType OperationType   `json:"operation_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	QueuedAt      time.Time       `json:"queued_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// QueuePayload is the closed union of per-operation payloads. Each variant
// reports its own operation type so the queue never has to be told twice.
type QueuePayload interface {
	Operation() OperationType
}

// ShareWeavePayload shares one local interaction with a set of target users.
type ShareWeavePayload struct {
	InteractionID      string   `json:"interaction_id"`
	ServerWeaveID      string   `json:"server_weave_id"`
	TargetUserIDs      []string `json:"target_user_ids"`
	CanParticipantEdit bool     `json:"can_participant_edit"`
}

func (ShareWeavePayload) Operation() OperationType { return OpShareWeave }

// WeaveResponsePayload accepts or declines a shared weave addressed to the
// current user. The same shape serves both operations; the operation type on
// the queue item decides which.
type WeaveResponsePayload struct {
	ServerWeaveID string `json:"server_weave_id"`
	InteractionID string `json:"interaction_id,omitempty"`
}

type AcceptWeavePayload WeaveResponsePayload

func (AcceptWeavePayload) Operation() OperationType { return OpAcceptWeave }

type DeclineWeavePayload WeaveResponsePayload

func (DeclineWeavePayload) Operation() OperationType { return OpDeclineWeave }

// UpdateSharedWeavePayload pushes edits to an already shared weave.
type UpdateSharedWeavePayload struct {
	ServerWeaveID string                 `json:"server_weave_id"`
	Fields        map[string]interface{} `json:"fields"`
}

func (UpdateSharedWeavePayload) Operation() OperationType { return OpUpdateSharedWeave }

// SendLinkRequestPayload proposes a friend link between the current user and
// a target user.
type SendLinkRequestPayload struct {
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Message    string `json:"message,omitempty"`
}

func (SendLinkRequestPayload) Operation() OperationType { return OpSendLinkRequest }

// LinkResponsePayload answers an inbound link request.
type LinkResponsePayload struct {
	LinkID     string `json:"link_id"`
	FromUserID string `json:"from_user_id"`
}

type AcceptLinkRequestPayload LinkResponsePayload

func (AcceptLinkRequestPayload) Operation() OperationType { return OpAcceptLinkRequest }

type DeclineLinkRequestPayload LinkResponsePayload

func (DeclineLinkRequestPayload) Operation() OperationType { return OpDeclineLinkRequest }

// EncodePayload serializes a payload to its canonical byte form. Struct field
// order makes the encoding deterministic, which is what queue deduplication
// compares against.
func EncodePayload(p QueuePayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload turns a stored queue payload back into its typed variant.
// Unknown extra fields in the raw payload are tolerated and dropped.
func DecodePayload(op OperationType, raw json.RawMessage) (QueuePayload, error) {
	var (
		p   QueuePayload
		err error
	)
	switch op {
	case OpShareWeave:
		var v ShareWeavePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpAcceptWeave:
		var v AcceptWeavePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpDeclineWeave:
		var v DeclineWeavePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpUpdateSharedWeave:
		var v UpdateSharedWeavePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpSendLinkRequest:
		var v SendLinkRequestPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpAcceptLinkRequest:
		var v AcceptLinkRequestPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpDeclineLinkRequest:
		var v DeclineLinkRequestPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown operation type %q", op)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
