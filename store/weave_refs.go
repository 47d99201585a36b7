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
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/model"
)

// CreateSharedWeaveRef inserts a new shared weave reference record.
func (d *Datasource) CreateSharedWeaveRef(ctx context.Context, ref *model.SharedWeaveRef) error {
	ctx, span := otel.Tracer("store.weave_refs").Start(ctx, "Saving shared weave ref")
	defer span.End()

	if ref.ID == "" {
		ref.ID = GenerateUUIDWithSuffix("swr")
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO shared_weave_refs (
			id, interaction_id, server_weave_id, created_by_user_id,
			is_creator, status, shared_at, responded_at, can_participant_edit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ref.ID, ref.InteractionID, ref.ServerWeaveID, ref.CreatedByUserID,
		ref.IsCreator, ref.Status, ref.SharedAt, ref.RespondedAt, ref.CanParticipantEdit)
	return err
}

// UpsertSharedWeaveRef inserts the ref or, when a ref for the same server
// weave already exists, refreshes its mutable fields. Used by executors that
// must be safe to re-run.
func (d *Datasource) UpsertSharedWeaveRef(ctx context.Context, ref *model.SharedWeaveRef) error {
	ctx, span := otel.Tracer("store.weave_refs").Start(ctx, "Upserting shared weave ref")
	defer span.End()

	if ref.ID == "" {
		ref.ID = GenerateUUIDWithSuffix("swr")
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO shared_weave_refs (
			id, interaction_id, server_weave_id, created_by_user_id,
			is_creator, status, shared_at, responded_at, can_participant_edit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_weave_id) DO UPDATE SET
			status = excluded.status,
			responded_at = excluded.responded_at,
			can_participant_edit = excluded.can_participant_edit
	`, ref.ID, ref.InteractionID, ref.ServerWeaveID, ref.CreatedByUserID,
		ref.IsCreator, ref.Status, ref.SharedAt, ref.RespondedAt, ref.CanParticipantEdit)
	return err
}

// GetSharedWeaveRef retrieves a ref by its local ID.
func (d *Datasource) GetSharedWeaveRef(ctx context.Context, id string) (*model.SharedWeaveRef, error) {
	return d.getSharedWeaveRef(ctx, "id = ?", id)
}

// GetSharedWeaveRefByServerID retrieves a ref by the server-side weave ID, or
// nil when no ref matches.
func (d *Datasource) GetSharedWeaveRefByServerID(ctx context.Context, serverWeaveID string) (*model.SharedWeaveRef, error) {
	ref, err := d.getSharedWeaveRef(ctx, "server_weave_id = ?", serverWeaveID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ref, err
}

func (d *Datasource) getSharedWeaveRef(ctx context.Context, where string, arg interface{}) (*model.SharedWeaveRef, error) {
	ctx, span := otel.Tracer("store.weave_refs").Start(ctx, "Fetching shared weave ref")
	defer span.End()

	ref := &model.SharedWeaveRef{}
	var respondedAt sql.NullTime
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, interaction_id, server_weave_id, created_by_user_id,
			is_creator, status, shared_at, responded_at, can_participant_edit
		FROM shared_weave_refs WHERE `+where, arg).Scan(
		&ref.ID, &ref.InteractionID, &ref.ServerWeaveID, &ref.CreatedByUserID,
		&ref.IsCreator, &ref.Status, &ref.SharedAt, &respondedAt, &ref.CanParticipantEdit,
	)
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		ref.RespondedAt = &t
	}
	return ref, nil
}

// GetSharedWeaveRefsByInteraction retrieves every sharing ref for one local
// interaction.
func (d *Datasource) GetSharedWeaveRefsByInteraction(ctx context.Context, interactionID string) ([]*model.SharedWeaveRef, error) {
	ctx, span := otel.Tracer("store.weave_refs").Start(ctx, "Fetching shared weave refs by interaction")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, interaction_id, server_weave_id, created_by_user_id,
			is_creator, status, shared_at, responded_at, can_participant_edit
		FROM shared_weave_refs WHERE interaction_id = ?
		ORDER BY shared_at ASC
	`, interactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []*model.SharedWeaveRef
	for rows.Next() {
		ref := &model.SharedWeaveRef{}
		var respondedAt sql.NullTime
		err := rows.Scan(
			&ref.ID, &ref.InteractionID, &ref.ServerWeaveID, &ref.CreatedByUserID,
			&ref.IsCreator, &ref.Status, &ref.SharedAt, &respondedAt, &ref.CanParticipantEdit,
		)
		if err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			t := respondedAt.Time
			ref.RespondedAt = &t
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UpdateSharedWeaveRefStatus transitions a ref's status. Participant-side
// transitions are monotone: only pending refs move. Creator-side refs are
// updated through the same method by inbound participant-response handling,
// which recomputes the aggregate before calling in.
func (d *Datasource) UpdateSharedWeaveRefStatus(ctx context.Context, id, status string, respondedAt *time.Time) error {
	ctx, span := otel.Tracer("store.weave_refs").Start(ctx, "Updating shared weave ref status")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE shared_weave_refs SET status = ?, responded_at = ?
		WHERE id = ?
	`, status, respondedAt, id)
	return err
}

// ExpireSharedWeaveRefs marks every pending ref shared strictly before the
// cutoff as expired and reports how many rows transitioned. A ref shared
// exactly at the cutoff stays pending.
func (d *Datasource) ExpireSharedWeaveRefs(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := otel.Tracer("store.weave_refs").Start(ctx, "Expiring shared weave refs")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE shared_weave_refs SET status = 'expired'
		WHERE status = 'pending' AND shared_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
