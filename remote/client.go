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
package remote

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/config"
)

// Row is one remote table row in wire shape. Values are whatever the driver
// returned, with byte slices normalized to strings.
type Row map[string]interface{}

// WeaveShare is the remote sharing record for one shared weave.
type WeaveShare struct {
	ServerWeaveID      string    `json:"server_weave_id"`
	CreatedByUserID    string    `json:"created_by_user_id"`
	CanParticipantEdit bool      `json:"can_participant_edit"`
	SharedAt           time.Time `json:"shared_at"`
}

// WeaveParticipant is one recipient's response row for a shared weave.
type WeaveParticipant struct {
	ServerWeaveID string     `json:"server_weave_id"`
	UserID        string     `json:"user_id"`
	Response      string     `json:"response"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
}

// FriendLink is the bidirectional link row. UserA and UserB are stored in
// sorted order to satisfy the pair uniqueness constraint; ProposerID records
// which side initiated.
type FriendLink struct {
	ID         string `json:"id"`
	UserA      string `json:"user_a"`
	UserB      string `json:"user_b"`
	ProposerID string `json:"proposer_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// IRemote is the authenticated handle to the shared backend.
type IRemote interface {
	Ping(ctx context.Context) error
	Authenticated() bool
	UserID() string
	SetSession(userID string)

	CreateWeaveShare(ctx context.Context, share *WeaveShare) error
	CreateWeaveParticipants(ctx context.Context, serverWeaveID string, userIDs []string) error
	UpdateParticipantResponse(ctx context.Context, serverWeaveID, userID, response string, respondedAt time.Time) error
	GetWeaveParticipants(ctx context.Context, serverWeaveID string) ([]*WeaveParticipant, error)
	UpdateWeaveShare(ctx context.Context, serverWeaveID string, fields map[string]interface{}) error

	FindFriendLink(ctx context.Context, userA, userB string) (*FriendLink, error)
	CreateFriendLink(ctx context.Context, link *FriendLink) error
	UpdateFriendLinkStatus(ctx context.Context, linkID, status string) error
	GetFriendLink(ctx context.Context, linkID string) (*FriendLink, error)
	GetProfile(ctx context.Context, userID string) (Row, error)

	FetchUpdated(ctx context.Context, table, userID string, since time.Time, limit int) ([]Row, error)
	UpsertRows(ctx context.Context, table string, rows []Row) error
}

// Client implements IRemote over a postgres connection.
type Client struct {
	Conn *sql.DB

	mu     sync.RWMutex
	userID string
}

func NewClient(configuration *config.Configuration) (*Client, error) {
	db, err := sql.Open("postgres", configuration.Remote.Dns)
	if err != nil {
		return nil, errors.Wrap(err, "opening remote connection")
	}
	return &Client{Conn: db, userID: configuration.Session.UserID}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Conn.PingContext(ctx)
}

// Authenticated reports whether a session identity is present. Identity may
// rotate across sessions, so callers re-read it rather than caching.
func (c *Client) Authenticated() bool {
	return c.UserID() != ""
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) SetSession(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// SortedPair returns the two user ids in canonical order for the link table's
// pair uniqueness constraint.
func SortedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

func (c *Client) CreateWeaveShare(ctx context.Context, share *WeaveShare) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "Creating weave share")
	defer span.End()

	_, err := c.Conn.ExecContext(ctx, `
		INSERT INTO weave_shares (server_weave_id, created_by_user_id, can_participant_edit, shared_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (server_weave_id) DO NOTHING
	`, share.ServerWeaveID, share.CreatedByUserID, share.CanParticipantEdit, share.SharedAt)
	return err
}

func (c *Client) CreateWeaveParticipants(ctx context.Context, serverWeaveID string, userIDs []string) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "Creating weave participants")
	defer span.End()

	tx, err := c.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, userID := range userIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO weave_participants (server_weave_id, user_id, response, updated_at)
			VALUES ($1, $2, 'pending', NOW())
			ON CONFLICT (server_weave_id, user_id) DO NOTHING
		`, serverWeaveID, userID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *Client) UpdateParticipantResponse(ctx context.Context, serverWeaveID, userID, response string, respondedAt time.Time) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "Updating participant response")
	defer span.End()

	_, err := c.Conn.ExecContext(ctx, `
		UPDATE weave_participants
		SET response = $3, responded_at = $4, updated_at = NOW()
		WHERE server_weave_id = $1 AND user_id = $2
	`, serverWeaveID, userID, response, respondedAt)
	return err
}

func (c *Client) GetWeaveParticipants(ctx context.Context, serverWeaveID string) ([]*WeaveParticipant, error) {
	ctx, span := otel.Tracer("remote").Start(ctx, "Fetching weave participants")
	defer span.End()

	rows, err := c.Conn.QueryContext(ctx, `
		SELECT server_weave_id, user_id, response, responded_at
		FROM weave_participants WHERE server_weave_id = $1
	`, serverWeaveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*WeaveParticipant
	for rows.Next() {
		p := &WeaveParticipant{}
		var respondedAt sql.NullTime
		if err := rows.Scan(&p.ServerWeaveID, &p.UserID, &p.Response, &respondedAt); err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			t := respondedAt.Time
			p.RespondedAt = &t
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (c *Client) UpdateWeaveShare(ctx context.Context, serverWeaveID string, fields map[string]interface{}) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "Updating weave share")
	defer span.End()

	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	assignments := make([]string, 0, len(keys)+1)
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, serverWeaveID)
	for i, key := range keys {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", key, i+2))
		args = append(args, fields[key])
	}
	assignments = append(assignments, "updated_at = NOW()")

	query := fmt.Sprintf("UPDATE weave_shares SET %s WHERE server_weave_id = $1", strings.Join(assignments, ", "))
	_, err := c.Conn.ExecContext(ctx, query, args...)
	return err
}

// FindFriendLink looks up an existing link between two users regardless of
// which side proposed it. Returns nil when no link exists.
func (c *Client) FindFriendLink(ctx context.Context, userA, userB string) (*FriendLink, error) {
	ctx, span := otel.Tracer("remote").Start(ctx, "Finding friend link")
	defer span.End()

	a, b := SortedPair(userA, userB)
	link := &FriendLink{}
	var message sql.NullString
	err := c.Conn.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, proposer_id, status, message
		FROM friend_links WHERE user_a = $1 AND user_b = $2
	`, a, b).Scan(&link.ID, &link.UserA, &link.UserB, &link.ProposerID, &link.Status, &message)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if message.Valid {
		link.Message = message.String
	}
	return link, nil
}

func (c *Client) CreateFriendLink(ctx context.Context, link *FriendLink) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "Creating friend link")
	defer span.End()

	a, b := SortedPair(link.UserA, link.UserB)
	_, err := c.Conn.ExecContext(ctx, `
		INSERT INTO friend_links (id, user_a, user_b, proposer_id, status, message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, link.ID, a, b, link.ProposerID, link.Status, link.Message)
	return err
}

func (c *Client) UpdateFriendLinkStatus(ctx context.Context, linkID, status string) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "Updating friend link status")
	defer span.End()

	_, err := c.Conn.ExecContext(ctx, `
		UPDATE friend_links SET status = $2, updated_at = NOW() WHERE id = $1
	`, linkID, status)
	return err
}

func (c *Client) GetFriendLink(ctx context.Context, linkID string) (*FriendLink, error) {
	ctx, span := otel.Tracer("remote").Start(ctx, "Fetching friend link")
	defer span.End()

	link := &FriendLink{}
	var message sql.NullString
	err := c.Conn.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, proposer_id, status, message
		FROM friend_links WHERE id = $1
	`, linkID).Scan(&link.ID, &link.UserA, &link.UserB, &link.ProposerID, &link.Status, &message)
	if err != nil {
		return nil, err
	}
	if message.Valid {
		link.Message = message.String
	}
	return link, nil
}

// GetProfile fetches one profile row, or nil when the user has none.
func (c *Client) GetProfile(ctx context.Context, userID string) (Row, error) {
	ctx, span := otel.Tracer("remote").Start(ctx, "Fetching profile")
	defer span.End()

	rows, err := c.Conn.QueryContext(ctx, `
		SELECT * FROM profiles WHERE user_id = $1 LIMIT 1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result[0], nil
}

// FetchUpdated pages rows of one replicated table changed since the cursor,
// ascending by updated_at. The table name comes from the engine's fixed table
// list, never from caller input.
func (c *Client) FetchUpdated(ctx context.Context, table, userID string, since time.Time, limit int) ([]Row, error) {
	ctx, span := otel.Tracer("remote").Start(ctx, "Fetching updated rows")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE user_id = $1 AND updated_at > $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, table)
	rows, err := c.Conn.QueryContext(ctx, query, userID, since, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching updated rows from %s", table)
	}
	defer rows.Close()

	return collectRows(rows)
}

// UpsertRows writes one push batch by primary key. All rows of a batch commit
// or roll back together.
func (c *Client) UpsertRows(ctx context.Context, table string, batch []Row) error {
	ctx, span := otel.Tracer("remote").Start(ctx, "Upserting rows")
	defer span.End()

	if len(batch) == 0 {
		return nil
	}
	tx, err := c.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, row := range batch {
		if err := upsertRow(ctx, tx, table, row); err != nil {
			return errors.Wrapf(err, "upserting row into %s", table)
		}
	}
	return tx.Commit()
}

func upsertRow(ctx context.Context, tx *sql.Tx, table string, row Row) error {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	columns := strings.Join(keys, ", ")
	placeholders := make([]string, 0, len(keys))
	assignments := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for i, key := range keys {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if key != "id" {
			assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", key, key))
		}
		args = append(args, row[key])
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table, columns, strings.Join(placeholders, ", "), strings.Join(assignments, ", "),
	)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func collectRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var result []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := Row{}
		for i, column := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[column] = string(v)
			default:
				row[column] = v
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
