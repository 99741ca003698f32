// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the required sync tables if they don't exist
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS annosync`,

		// 1) Authoritative annotation state (user-scoped), tombstones kept for stale detection
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS annosync.annotations (
			user_id       TEXT        NOT NULL,
			entity_id     UUID        NOT NULL,
			entity_type   TEXT        NOT NULL CHECK (entity_type IN ('bookmark','note','highlight')),
			location_key  TEXT        NOT NULL,
			data          JSON,
			version       BIGINT      NOT NULL DEFAULT 1,
			deleted       BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_id),
			CONSTRAINT annotations_data_by_deleted_chk
				CHECK (deleted OR data IS NOT NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS ann_user_location_idx ON annosync.annotations(user_id, location_key) WHERE NOT deleted`,

		// 2) Idempotency memo: one final outcome per (user, idempotency key)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS annosync.applied_operations (
			user_id          TEXT        NOT NULL,
			idempotency_key  TEXT        NOT NULL,
			source_id        TEXT        NOT NULL,
			outcome          JSON        NOT NULL,
			applied_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, source_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS aop_applied_at_idx ON annosync.applied_operations(applied_at)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
