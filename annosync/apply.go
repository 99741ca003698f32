// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"
)

// applyOperation applies one operation in its own transaction, retrying serialization,
// deadlock and first-write races. A race that outlives the attempts becomes transient.
func (s *SyncService) applyOperation(ctx context.Context, userID, sourceID string, op OperationUpload) (OperationOutcome, error) {
	b := retry.NewExponential(10 * time.Millisecond)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(uint64(s.config.MaxApplyAttempts-1), b)

	var outcome OperationOutcome
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		out, err := s.applyOnce(ctx, userID, sourceID, op)
		if err != nil {
			if isRetryablePGTxError(err) {
				s.logger.Debug("Retrying operation after transaction race",
					"idempotency_key", op.IdempotencyKey, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		if isRetryablePGTxError(err) {
			return statusTransient(op.IdempotencyKey, ReasonRetryExhausted, err), nil
		}
		return OperationOutcome{}, err
	}
	return outcome, nil
}

func (s *SyncService) applyOnce(ctx context.Context, userID, sourceID string, op OperationUpload) (OperationOutcome, error) {
	var outcome OperationOutcome
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		memo, found, err := s.lookupOutcome(ctx, tx, userID, sourceID, op.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			memo.Duplicate = true
			outcome = memo
			return nil
		}

		row, err := s.lockAnnotation(ctx, tx, userID, op.EntityID)
		if err != nil {
			return err
		}

		outcome, err = s.decide(ctx, tx, userID, op, row)
		if err != nil {
			return err
		}
		return s.recordOutcome(ctx, tx, userID, sourceID, outcome)
	})
	if err != nil {
		return OperationOutcome{}, err
	}
	return outcome, nil
}

// decide applies the operation to the locked row (nil when absent) and returns its outcome.
// Bookmarks are existence markers: they never produce rejected_stale.
func (s *SyncService) decide(ctx context.Context, tx pgx.Tx, userID string, op OperationUpload, row *AnnotationEntity) (OperationOutcome, error) {
	key := op.IdempotencyKey

	var data *AnnotationData
	if op.Operation != OpDelete {
		d, err := DecodeData(op.EntityType, op.Data)
		if err != nil {
			return statusInvalid(key, ReasonBadPayload, err), nil
		}
		data = d
	}

	if row == nil {
		switch {
		case op.Operation == OpDelete:
			return statusAccepted(key, 0), nil
		case op.Operation == OpCreate, op.EntityType == EntityBookmark:
			if err := s.insertAnnotation(ctx, tx, userID, op, data); err != nil {
				return OperationOutcome{}, err
			}
			return statusAccepted(key, 1), nil
		default:
			return statusInvalid(key, ReasonNotFound,
				fmt.Errorf("%s %s does not exist", op.EntityType, op.EntityID)), nil
		}
	}

	if row.EntityType != op.EntityType {
		return statusInvalid(key, ReasonEntityTypeMismatch,
			fmt.Errorf("entity %s is a %s, not a %s", op.EntityID, row.EntityType, op.EntityType)), nil
	}
	if data != nil && data.Location.String() != row.LocationKey {
		return statusInvalid(key, ReasonLocationChanged,
			fmt.Errorf("location is immutable: %s != %s", data.Location.String(), row.LocationKey)), nil
	}

	if op.EntityType == EntityBookmark {
		switch op.Operation {
		case OpDelete:
			if row.Deleted {
				return statusAccepted(key, row.Version), nil
			}
			return s.bump(ctx, tx, userID, op, row, nil, true)
		default:
			if !row.Deleted && op.Operation == OpCreate {
				return statusAccepted(key, row.Version), nil
			}
			return s.bump(ctx, tx, userID, op, row, op.Data, false)
		}
	}

	if op.Operation == OpDelete && row.Deleted {
		return statusAccepted(key, row.Version), nil
	}
	// A create based on the current tombstone revives it (keep-local after a remote delete).
	if op.Operation == OpCreate && row.Deleted && op.BaseVersion == row.Version {
		return s.bump(ctx, tx, userID, op, row, op.Data, false)
	}
	if row.Deleted || op.Operation == OpCreate || op.BaseVersion != row.Version {
		return statusStale(key, row.Version, row.Data, row.Deleted), nil
	}
	if op.Operation == OpDelete {
		return s.bump(ctx, tx, userID, op, row, nil, true)
	}
	return s.bump(ctx, tx, userID, op, row, op.Data, false)
}

func (s *SyncService) bump(ctx context.Context, tx pgx.Tx, userID string, op OperationUpload, row *AnnotationEntity, data json.RawMessage, deleted bool) (OperationOutcome, error) {
	if deleted {
		data = row.Data
	}
	newVersion := row.Version + 1
	_, err := tx.Exec(ctx, `
		UPDATE annosync.annotations
		SET data = @data::json, version = @version, deleted = @deleted, updated_at = now()
		WHERE user_id = @user_id AND entity_id = @entity_id::uuid
	`, pgx.NamedArgs{
		"data":      []byte(data),
		"version":   newVersion,
		"deleted":   deleted,
		"user_id":   userID,
		"entity_id": op.EntityID,
	})
	if err != nil {
		return OperationOutcome{}, fmt.Errorf("failed to update annotation: %w", err)
	}
	return statusAccepted(op.IdempotencyKey, newVersion), nil
}

func (s *SyncService) insertAnnotation(ctx context.Context, tx pgx.Tx, userID string, op OperationUpload, data *AnnotationData) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO annosync.annotations (user_id, entity_id, entity_type, location_key, data, version)
		VALUES (@user_id, @entity_id::uuid, @entity_type, @location_key, @data::json, 1)
	`, pgx.NamedArgs{
		"user_id":      userID,
		"entity_id":    op.EntityID,
		"entity_type":  string(op.EntityType),
		"location_key": data.Location.String(),
		"data":         []byte(op.Data),
	})
	if err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}
	return nil
}

// lockAnnotation loads the current row under FOR UPDATE, or nil if the entity is unknown.
func (s *SyncService) lockAnnotation(ctx context.Context, tx pgx.Tx, userID, entityID string) (*AnnotationEntity, error) {
	var row AnnotationEntity
	var entityType string
	err := tx.QueryRow(ctx, `
		SELECT user_id, entity_id::text, entity_type, location_key, data, version, deleted, updated_at
		FROM annosync.annotations
		WHERE user_id = $1 AND entity_id = $2::uuid
		FOR UPDATE
	`, userID, entityID).Scan(&row.UserID, &row.EntityID, &entityType, &row.LocationKey,
		&row.Data, &row.Version, &row.Deleted, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load annotation: %w", err)
	}
	row.EntityType = EntityType(entityType)
	return &row, nil
}

// lookupOutcome finds the memoized outcome of key. Keys are scoped to the submitting device:
// two devices editing the same entity from the same base derive the same key.
func (s *SyncService) lookupOutcome(ctx context.Context, tx pgx.Tx, userID, sourceID, key string) (OperationOutcome, bool, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `
		SELECT outcome FROM annosync.applied_operations
		WHERE user_id = $1 AND source_id = $2 AND idempotency_key = $3
	`, userID, sourceID, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return OperationOutcome{}, false, nil
	}
	if err != nil {
		return OperationOutcome{}, false, fmt.Errorf("idempotency gate check failed: %w", err)
	}
	var outcome OperationOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return OperationOutcome{}, false, fmt.Errorf("failed to decode stored outcome: %w", err)
	}
	return outcome, true, nil
}

// recordOutcome memoizes a final outcome. A concurrent duplicate loses with a unique
// violation, which the caller retries and then answers from the memo.
func (s *SyncService) recordOutcome(ctx context.Context, tx pgx.Tx, userID, sourceID string, outcome OperationOutcome) error {
	if outcome.Status == StTransientFailure {
		return nil
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO annosync.applied_operations (user_id, idempotency_key, source_id, outcome)
		VALUES ($1, $2, $3, $4::json)
	`, userID, outcome.IdempotencyKey, sourceID, raw)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// PruneAppliedOperations drops idempotency memo rows older than the cutoff.
func (s *SyncService) PruneAppliedOperations(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM annosync.applied_operations WHERE applied_at < now() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune applied operations: %w", err)
	}
	return tag.RowsAffected(), nil
}
