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
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	"github.com/weavehq/weavesync/config"
)

// Datasource is the local embedded store. All writes go through serialized
// sqlite transactions so readers never observe a partial write.
type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := ConnectDB(configuration.LocalStore.Path)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con}, nil
}

func ConnectDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	// sqlite tolerates a single writer; serialize all access through one
	// connection rather than letting database/sql pool them.
	db.SetMaxOpenConns(1)
	err = db.Ping()
	if err != nil {
		log.Printf("local store connection error ❌: %v", err)
		return nil, err
	}
	err = createQueueTable(db)
	if err != nil {
		return nil, err
	}
	err = createRecordTable(db)
	if err != nil {
		return nil, err
	}
	err = createSharedWeaveRefTable(db)
	if err != nil {
		return nil, err
	}
	err = createSyncStateTable(db)
	if err != nil {
		return nil, err
	}
	err = createSyncConflictTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// createQueueTable creates the durable action queue table.
func createQueueTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			operation_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			queued_at TIMESTAMP NOT NULL,
			last_attempt_at TIMESTAMP,
			processed_at TIMESTAMP,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_queue_items_status_queued_at
			ON queue_items (status, queued_at);
	`)
	if err != nil {
		log.Printf("Error creating queue_items table: %v", err)
	}
	return err
}

// createRecordTable creates the generic replicated-collection table. Entity
// fields live in the attrs JSON document; the rest is sync bookkeeping.
func createRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			record_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			attrs TEXT NOT NULL DEFAULT '{}',
			local_modified_at TIMESTAMP NOT NULL,
			synced_at TIMESTAMP,
			pending INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, record_id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_pending
			ON records (collection, pending);
	`)
	if err != nil {
		log.Printf("Error creating records table: %v", err)
	}
	return err
}

func createSharedWeaveRefTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shared_weave_refs (
			id TEXT PRIMARY KEY,
			interaction_id TEXT NOT NULL,
			server_weave_id TEXT NOT NULL UNIQUE,
			created_by_user_id TEXT NOT NULL,
			is_creator INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			shared_at TIMESTAMP NOT NULL,
			responded_at TIMESTAMP,
			can_participant_edit INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_shared_weave_refs_status
			ON shared_weave_refs (status, shared_at);
	`)
	if err != nil {
		log.Printf("Error creating shared_weave_refs table: %v", err)
	}
	return err
}

func createSyncStateTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			last_sync_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		log.Printf("Error creating sync_state table: %v", err)
	}
	return err
}

func createSyncConflictTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			record_id TEXT NOT NULL,
			local_attrs TEXT NOT NULL,
			remote_attrs TEXT NOT NULL,
			local_modified_at TIMESTAMP NOT NULL,
			remote_updated_at TIMESTAMP NOT NULL,
			detected_at TIMESTAMP NOT NULL,
			resolution TEXT,
			resolved_at TIMESTAMP
		)
	`)
	if err != nil {
		log.Printf("Error creating sync_conflicts table: %v", err)
	}
	return err
}
