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
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/weavehq/weavesync/config"
	"github.com/weavehq/weavesync/remote"
	"github.com/weavehq/weavesync/store"
)

func mockConfig(t *testing.T) {
	t.Helper()
	config.MockConfig(&config.Configuration{
		LocalStore: config.LocalStoreConfig{Path: ":memory:"},
		Remote:     config.RemoteConfig{Dns: "postgres://localhost/weavesync_test"},
	})
}

func newTestStore(t *testing.T) store.IDataSource {
	t.Helper()
	mockConfig(t)
	conn, err := store.ConnectDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &store.Datasource{Conn: conn}
}

// fakeRemote is an in-memory IRemote for exercising executors, replication
// and the queue without postgres.
type fakeRemote struct {
	mu     sync.Mutex
	userID string

	pingErr error

	shares       map[string]*remote.WeaveShare
	participants map[string][]*remote.WeaveParticipant
	links        map[string]*remote.FriendLink
	profiles     map[string]remote.Row
	shareUpdates map[string]map[string]interface{}

	tableRows map[string][]remote.Row
	upserts   map[string][]remote.Row

	fetchErr  map[string]error
	upsertErr error
	linkErr   error

	participantCalls int
	linkStatusCalls  int
}

func newFakeRemote(userID string) *fakeRemote {
	return &fakeRemote{
		userID:       userID,
		shares:       map[string]*remote.WeaveShare{},
		participants: map[string][]*remote.WeaveParticipant{},
		links:        map[string]*remote.FriendLink{},
		profiles:     map[string]remote.Row{},
		shareUpdates: map[string]map[string]interface{}{},
		tableRows:    map[string][]remote.Row{},
		upserts:      map[string][]remote.Row{},
		fetchErr:     map[string]error{},
	}
}

func uniqueViolation() error {
	return &pq.Error{Code: "23505"}
}

func transientPgError() error {
	return &pq.Error{Code: "08006"}
}

func permanentPgError() error {
	return &pq.Error{Code: "23502"}
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemote) Authenticated() bool { return f.UserID() != "" }

func (f *fakeRemote) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

func (f *fakeRemote) SetSession(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID = userID
}

func (f *fakeRemote) CreateWeaveShare(ctx context.Context, share *remote.WeaveShare) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shares[share.ServerWeaveID]; ok {
		return uniqueViolation()
	}
	f.shares[share.ServerWeaveID] = share
	return nil
}

func (f *fakeRemote) CreateWeaveParticipants(ctx context.Context, serverWeaveID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, userID := range userIDs {
		exists := false
		for _, p := range f.participants[serverWeaveID] {
			if p.UserID == userID {
				exists = true
			}
		}
		if !exists {
			f.participants[serverWeaveID] = append(f.participants[serverWeaveID], &remote.WeaveParticipant{
				ServerWeaveID: serverWeaveID,
				UserID:        userID,
				Response:      "pending",
			})
		}
	}
	return nil
}

func (f *fakeRemote) UpdateParticipantResponse(ctx context.Context, serverWeaveID, userID, response string, respondedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participantCalls++
	for _, p := range f.participants[serverWeaveID] {
		if p.UserID == userID {
			p.Response = response
			t := respondedAt
			p.RespondedAt = &t
		}
	}
	return nil
}

func (f *fakeRemote) GetWeaveParticipants(ctx context.Context, serverWeaveID string) ([]*remote.WeaveParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*remote.WeaveParticipant(nil), f.participants[serverWeaveID]...), nil
}

func (f *fakeRemote) UpdateWeaveShare(ctx context.Context, serverWeaveID string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareUpdates[serverWeaveID] = fields
	return nil
}

func (f *fakeRemote) FindFriendLink(ctx context.Context, userA, userB string) (*remote.FriendLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, b := remote.SortedPair(userA, userB)
	for _, link := range f.links {
		if link.UserA == a && link.UserB == b {
			return link, nil
		}
	}
	return nil, nil
}

func (f *fakeRemote) CreateFriendLink(ctx context.Context, link *remote.FriendLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return f.linkErr
	}
	a, b := remote.SortedPair(link.UserA, link.UserB)
	for _, existing := range f.links {
		if existing.UserA == a && existing.UserB == b {
			return uniqueViolation()
		}
	}
	stored := *link
	stored.UserA, stored.UserB = a, b
	f.links[link.ID] = &stored
	return nil
}

func (f *fakeRemote) UpdateFriendLinkStatus(ctx context.Context, linkID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkStatusCalls++
	if f.linkErr != nil {
		return f.linkErr
	}
	link, ok := f.links[linkID]
	if !ok {
		return sql.ErrNoRows
	}
	link.Status = status
	return nil
}

func (f *fakeRemote) GetFriendLink(ctx context.Context, linkID string) (*remote.FriendLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[linkID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return link, nil
}

func (f *fakeRemote) GetProfile(ctx context.Context, userID string) (remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[userID], nil
}

func (f *fakeRemote) FetchUpdated(ctx context.Context, table, userID string, since time.Time, limit int) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[table]; err != nil {
		return nil, err
	}

	var matched []remote.Row
	for _, row := range f.tableRows[table] {
		updatedAt, _ := row["updated_at"].(time.Time)
		if updatedAt.After(since) {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, _ := matched[i]["updated_at"].(time.Time)
		b, _ := matched[j]["updated_at"].(time.Time)
		return a.Before(b)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeRemote) UpsertRows(ctx context.Context, table string, rows []remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts[table] = append(f.upserts[table], rows...)
	return nil
}

func (f *fakeRemote) addTableRow(table string, row remote.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableRows[table] = append(f.tableRows[table], row)
}

func (f *fakeRemote) upserted(table string) []remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Row(nil), f.upserts[table]...)
}

// stubConnectivity reports a fixed online state.
type stubConnectivity struct {
	mu     sync.Mutex
	online bool
}

func (s *stubConnectivity) Online(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *stubConnectivity) set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

func newTestQueue(db store.IDataSource, rc remote.IRemote, online bool) (*Queue, *stubConnectivity) {
	connectivity := &stubConnectivity{online: online}
	executors := NewExecutors(db, rc)
	queue := NewQueue(db, rc, connectivity, executors, NewWebhookDispatcher())
	return queue, connectivity
}

func drainQueue(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case <-q.StartProcessing(context.Background()):
	case <-time.After(5 * time.Second):
		t.Fatal("queue drain did not finish")
	}
}
