// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"encoding/json"
	"time"
)

// Database entity models for PostgreSQL tables

// AnnotationEntity represents a row in annosync.annotations
type AnnotationEntity struct {
	UserID      string          `db:"user_id"`      // User identifier (from JWT sub)
	EntityID    string          `db:"entity_id"`    // Client generated UUID
	EntityType  EntityType      `db:"entity_type"`  // bookmark, note, highlight
	LocationKey string          `db:"location_key"` // book.chapter.verse
	Data        json.RawMessage `db:"data"`         // Last accepted AnnotationData snapshot
	Version     int64           `db:"version"`      // Server version, bumped on every accepted mutation
	Deleted     bool            `db:"deleted"`      // Tombstone
	UpdatedAt   time.Time       `db:"updated_at"`   // Last update timestamp
}

// AppliedOperationEntity represents a row in annosync.applied_operations, the idempotency memo
type AppliedOperationEntity struct {
	UserID         string          `db:"user_id"`         // User identifier (from JWT sub)
	IdempotencyKey string          `db:"idempotency_key"` // (entity_id, base_version, operation)
	SourceID       string          `db:"source_id"`       // Device that submitted the operation
	Outcome        json.RawMessage `db:"outcome"`         // Serialized OperationOutcome
	AppliedAt      time.Time       `db:"applied_at"`      // When the outcome was recorded
}
