// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// initializeDatabase enables durable journaling and creates the local tables.
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	tables := []string{
		// Client/device info (one row)
		`CREATE TABLE IF NOT EXISTS _anno_client_info (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			source_id   TEXT NOT NULL,             -- locally generated UUIDv4 (persisted)
			batch_size  INTEGER NOT NULL DEFAULT 0 -- adapted batch size, 0 = configured value
		)`,

		// Annotation Store: current local state plus sync bookkeeping
		`CREATE TABLE IF NOT EXISTS _anno_annotations (
			id               TEXT PRIMARY KEY,
			entity_type      TEXT NOT NULL CHECK (entity_type IN ('bookmark','note','highlight')),
			book             TEXT NOT NULL,
			chapter          INTEGER NOT NULL,
			verse            INTEGER NOT NULL,
			data             TEXT NOT NULL,        -- AnnotationData JSON
			version          INTEGER NOT NULL,
			server_version   INTEGER NOT NULL DEFAULT 0,
			sync_status      TEXT NOT NULL CHECK (sync_status IN ('synced','pending','conflict')),
			deleted          INTEGER NOT NULL DEFAULT 0,
			sync_error       TEXT NOT NULL DEFAULT '',
			incoming_version INTEGER,              -- remote side of a conflict
			incoming_data    TEXT,
			incoming_deleted INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,     -- unix ms, advisory
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS _anno_annotations_location_idx ON _anno_annotations(book, chapter, verse)`,

		// Operation Log: ordered by seq, coalesced per entity while un-sent
		`CREATE TABLE IF NOT EXISTS _anno_oplog (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id            TEXT NOT NULL UNIQUE,  -- ULID
			operation        TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			entity_type      TEXT NOT NULL,
			entity_id        TEXT NOT NULL,
			base_version     INTEGER NOT NULL,
			data             TEXT,                  -- NULL for delete
			retry_count      INTEGER NOT NULL DEFAULT 0,
			max_retries      INTEGER NOT NULL,
			next_attempt_at  INTEGER,               -- unix ms, NULL = eligible now
			sent             INTEGER NOT NULL DEFAULT 0,
			failed           INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS _anno_oplog_entity_idx ON _anno_oplog(entity_id, seq)`,
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create local table: %w", err)
		}
	}
	return nil
}

// ensureSourceID generates and persists the device source ID if not already present.
func ensureSourceID(ctx context.Context, db *sql.DB) (string, error) {
	var sourceID string
	err := db.QueryRowContext(ctx, `SELECT source_id FROM _anno_client_info WHERE id = 1`).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.NewString()
		if _, err := db.ExecContext(ctx, `INSERT INTO _anno_client_info (id, source_id) VALUES (1, ?)`, sourceID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return sourceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}
