// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mobiletoly/go-annosync/annosync"
	"github.com/oklog/ulid/v2"
)

// Operation is a queued description of a pending mutation, replayed remotely in insertion order.
type Operation struct {
	Seq           int64
	ID            string // ULID, ordered by insertion
	Operation     string // create, update, delete
	EntityType    annosync.EntityType
	EntityID      string
	BaseVersion   int64
	Data          json.RawMessage // full AnnotationData snapshot, nil for delete
	RetryCount    int
	MaxRetries    int
	NextAttemptAt *time.Time
	Sent          bool // included in a batch at least once; no longer coalesced
	Failed        bool // exhausted MaxRetries; waits for the next connection
	CreatedAt     time.Time
}

// IdempotencyKey identifies this operation to the remote store.
func (op *Operation) IdempotencyKey() string {
	return annosync.IdempotencyKey(op.EntityID, op.BaseVersion, op.Operation)
}

// Upload returns the wire form of the operation.
func (op *Operation) Upload() annosync.OperationUpload {
	return annosync.OperationUpload{
		IdempotencyKey: op.IdempotencyKey(),
		Operation:      op.Operation,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		BaseVersion:    op.BaseVersion,
		Data:           op.Data,
	}
}

// OpLog is the durable queue of pending operations.
type OpLog struct {
	db         *sql.DB
	writeMu    *sync.Mutex
	maxRetries int
	clock      func() time.Time
	notify     func(ids ...string)
}

const opColumns = `seq, op_id, operation, entity_type, entity_id, base_version, data,
	retry_count, max_retries, next_attempt_at, sent, failed, created_at`

func scanOperation(s rowScanner) (*Operation, error) {
	var (
		op          Operation
		entityType  string
		data        sql.NullString
		nextAttempt sql.NullInt64
		createdAt   int64
	)
	if err := s.Scan(&op.Seq, &op.ID, &op.Operation, &entityType, &op.EntityID, &op.BaseVersion, &data,
		&op.RetryCount, &op.MaxRetries, &nextAttempt, &op.Sent, &op.Failed, &createdAt); err != nil {
		return nil, err
	}
	op.EntityType = annosync.EntityType(entityType)
	if data.Valid {
		op.Data = json.RawMessage(data.String)
	}
	if nextAttempt.Valid {
		t := fromMillis(nextAttempt.Int64)
		op.NextAttemptAt = &t
	}
	op.CreatedAt = fromMillis(createdAt)
	return &op, nil
}

func collectOperations(rows *sql.Rows) ([]Operation, error) {
	defer rows.Close()
	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// Append queues op, coalescing it with the entity's un-sent operations. It reports whether the
// entity was dropped outright (a delete of something that never reached the remote store).
func (l *OpLog) Append(ctx context.Context, op Operation) (dropped bool, err error) {
	l.writeMu.Lock()
	err = withTx(ctx, l.db, func(tx *sql.Tx) error {
		dropped, err = l.appendTx(ctx, tx, &op)
		return err
	})
	l.writeMu.Unlock()
	if err != nil {
		return false, err
	}
	l.notify(op.EntityID)
	return dropped, nil
}

func (l *OpLog) appendTx(ctx context.Context, tx *sql.Tx, op *Operation) (bool, error) {
	switch op.Operation {
	case annosync.OpCreate:
		return false, l.insertTx(ctx, tx, op)
	case annosync.OpUpdate:
		last, err := l.lastTx(ctx, tx, op.EntityID)
		if err != nil {
			return false, err
		}
		if last != nil && !last.Sent && last.Operation != annosync.OpDelete {
			// Keep the earliest base version and operation; only the snapshot moves forward.
			_, err := tx.ExecContext(ctx, `UPDATE _anno_oplog SET data = ? WHERE seq = ?`, string(op.Data), last.Seq)
			if err != nil {
				return false, fmt.Errorf("failed to coalesce operation: %w", err)
			}
			return false, nil
		}
		return false, l.insertTx(ctx, tx, op)
	case annosync.OpDelete:
		return l.appendDeleteTx(ctx, tx, op)
	default:
		return false, fmt.Errorf("%w: unknown operation %q", ErrInvalidAnnotation, op.Operation)
	}
}

func (l *OpLog) appendDeleteTx(ctx context.Context, tx *sql.Tx, op *Operation) (bool, error) {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _anno_oplog
		WHERE entity_id = ? AND sent = 0 AND operation IN ('create', 'update')
	`, op.EntityID); err != nil {
		return false, fmt.Errorf("failed to drop superseded operations: %w", err)
	}

	last, err := l.lastTx(ctx, tx, op.EntityID)
	if err != nil {
		return false, err
	}
	if last == nil {
		var serverVersion int64
		err := tx.QueryRowContext(ctx, `SELECT server_version FROM _anno_annotations WHERE id = ?`, op.EntityID).
			Scan(&serverVersion)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to load server version: %w", err)
		}
		if serverVersion == 0 {
			// Never reached the remote store: nothing to replay.
			if _, err := tx.ExecContext(ctx, `DELETE FROM _anno_annotations WHERE id = ?`, op.EntityID); err != nil {
				return false, fmt.Errorf("failed to delete annotation: %w", err)
			}
			return true, nil
		}
	}
	if last != nil && last.Operation == annosync.OpDelete && !last.Sent {
		return false, nil
	}
	op.Data = nil
	return false, l.insertTx(ctx, tx, op)
}

func (l *OpLog) insertTx(ctx context.Context, tx *sql.Tx, op *Operation) error {
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	op.MaxRetries = l.maxRetries
	op.CreatedAt = l.clock()
	var data any
	if op.Data != nil {
		data = string(op.Data)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO _anno_oplog (op_id, operation, entity_type, entity_id, base_version, data, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Operation, string(op.EntityType), op.EntityID, op.BaseVersion, data, op.MaxRetries, toMillis(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}
	op.Seq, _ = res.LastInsertId()
	return nil
}

func (l *OpLog) lastTx(ctx context.Context, tx *sql.Tx, entityID string) (*Operation, error) {
	op, err := scanOperation(tx.QueryRowContext(ctx,
		`SELECT `+opColumns+` FROM _anno_oplog WHERE entity_id = ? ORDER BY seq DESC LIMIT 1`, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last operation: %w", err)
	}
	return op, nil
}

// NextBatch returns up to maxSize eligible operations in insertion order and marks them sent.
// Only the oldest operation of each entity is eligible, so an entity's operations reach the
// remote store one at a time and in order. Conflicted entities, failed operations and
// operations scheduled in the future are skipped.
func (l *OpLog) NextBatch(ctx context.Context, maxSize int) ([]Operation, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var ops []Operation
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+prefixed("o.", opColumns)+`
			FROM _anno_oplog o
			LEFT JOIN _anno_annotations a ON a.id = o.entity_id
			WHERE o.seq = (SELECT MIN(h.seq) FROM _anno_oplog h WHERE h.entity_id = o.entity_id)
			  AND o.failed = 0
			  AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= ?)
			  AND COALESCE(a.sync_status, '') <> 'conflict'
			ORDER BY o.seq
			LIMIT ?
		`, toMillis(l.clock()), maxSize)
		if err != nil {
			return fmt.Errorf("failed to query pending operations: %w", err)
		}
		if ops, err = collectOperations(rows); err != nil {
			return err
		}
		for i := range ops {
			if _, err := tx.ExecContext(ctx, `UPDATE _anno_oplog SET sent = 1 WHERE seq = ?`, ops[i].Seq); err != nil {
				return fmt.Errorf("failed to mark operation sent: %w", err)
			}
			ops[i].Sent = true
		}
		return nil
	})
	return ops, err
}

// Ack removes an operation after the remote store produced a final outcome for it.
func (l *OpLog) Ack(ctx context.Context, opID string) error {
	l.writeMu.Lock()
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		_, err := ackTx(ctx, tx, opID)
		return err
	})
	l.writeMu.Unlock()
	if err == nil {
		l.notify()
	}
	return err
}

func ackTx(ctx context.Context, tx *sql.Tx, opID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM _anno_oplog WHERE op_id = ?`, opID)
	if err != nil {
		return false, fmt.Errorf("failed to ack operation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Reschedule records a transient failure. After MaxRetries attempts the operation moves to
// the failed sub-state and is no longer retried automatically.
func (l *OpLog) Reschedule(ctx context.Context, opID string, delay time.Duration) (failed bool, err error) {
	l.writeMu.Lock()
	err = withTx(ctx, l.db, func(tx *sql.Tx) error {
		failed, err = l.rescheduleTx(ctx, tx, opID, delay)
		return err
	})
	l.writeMu.Unlock()
	if err == nil {
		l.notify()
	}
	return failed, err
}

func (l *OpLog) rescheduleTx(ctx context.Context, tx *sql.Tx, opID string, delay time.Duration) (bool, error) {
	var failed bool
	err := tx.QueryRowContext(ctx, `
		UPDATE _anno_oplog
		SET retry_count = retry_count + 1,
		    failed = CASE WHEN retry_count + 1 >= max_retries THEN 1 ELSE 0 END,
		    next_attempt_at = CASE WHEN retry_count + 1 >= max_retries THEN NULL ELSE ? END
		WHERE op_id = ?
		RETURNING failed
	`, toMillis(l.clock().Add(delay)), opID).Scan(&failed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reschedule operation: %w", err)
	}
	return failed, nil
}

// MarkConflict removes the operation together with the rest of the entity's queue and flips
// the annotation to conflict with the remote side attached. Nothing is retried for the entity
// until a resolution enqueues a new operation. Bookmark operations are refused.
func (l *OpLog) MarkConflict(ctx context.Context, opID string, incoming Incoming) error {
	var entityID, entityType string
	l.writeMu.Lock()
	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT entity_id, entity_type FROM _anno_oplog WHERE op_id = ?`, opID).
			Scan(&entityID, &entityType); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
			}
			return fmt.Errorf("failed to load operation: %w", err)
		}
		if annosync.EntityType(entityType) == annosync.EntityBookmark {
			return fmt.Errorf("operation %s: %w", opID, ErrBookmarkConflict)
		}
		return markConflictTx(ctx, tx, entityID, incoming)
	})
	l.writeMu.Unlock()
	if err == nil {
		l.notify(entityID)
	}
	return err
}

func markConflictTx(ctx context.Context, tx *sql.Tx, entityID string, incoming Incoming) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _anno_oplog WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("failed to clear operations for conflict: %w", err)
	}
	var data any
	if incoming.Data != nil {
		raw, err := marshalData(incoming.Data)
		if err != nil {
			return err
		}
		data = raw
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE _anno_annotations
		SET sync_status = 'conflict', incoming_version = ?, incoming_data = ?, incoming_deleted = ?
		WHERE id = ?
	`, incoming.Version, data, incoming.Deleted, entityID)
	if err != nil {
		return fmt.Errorf("failed to flag conflict: %w", err)
	}
	return nil
}

// rebaseTx moves the entity's remaining operations onto the version the remote store just
// acknowledged, so their idempotency keys differ from the acknowledged one.
func rebaseTx(ctx context.Context, tx *sql.Tx, entityID string, base int64) (remaining int, err error) {
	res, err := tx.ExecContext(ctx, `UPDATE _anno_oplog SET base_version = ? WHERE entity_id = ?`, base, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to rebase operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Pending returns the queued operations of one entity in order.
func (l *OpLog) Pending(ctx context.Context, entityID string) ([]Operation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+opColumns+` FROM _anno_oplog WHERE entity_id = ? ORDER BY seq`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	return collectOperations(rows)
}

// All returns every queued operation in insertion order.
func (l *OpLog) All(ctx context.Context) ([]Operation, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+opColumns+` FROM _anno_oplog ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	return collectOperations(rows)
}

// Eligible counts operations NextBatch would return now, ignoring the batch size.
func (l *OpLog) Eligible(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM _anno_oplog o
		LEFT JOIN _anno_annotations a ON a.id = o.entity_id
		WHERE o.seq = (SELECT MIN(h.seq) FROM _anno_oplog h WHERE h.entity_id = o.entity_id)
		  AND o.failed = 0
		  AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= ?)
		  AND COALESCE(a.sync_status, '') <> 'conflict'
	`, toMillis(l.clock())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count eligible operations: %w", err)
	}
	return n, nil
}

// NextAttempt returns the earliest time a deferred head operation becomes eligible, or nil
// when none is waiting.
func (l *OpLog) NextAttempt(ctx context.Context) (*time.Time, error) {
	var next sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MIN(o.next_attempt_at)
		FROM _anno_oplog o
		LEFT JOIN _anno_annotations a ON a.id = o.entity_id
		WHERE o.seq = (SELECT MIN(h.seq) FROM _anno_oplog h WHERE h.entity_id = o.entity_id)
		  AND o.failed = 0
		  AND o.next_attempt_at > ?
		  AND COALESCE(a.sync_status, '') <> 'conflict'
	`, toMillis(l.clock())).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to query next attempt: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t := fromMillis(next.Int64)
	return &t, nil
}

// ReviveFailed returns failed operations to the queue with a fresh retry budget.
func (l *OpLog) ReviveFailed(ctx context.Context) (int64, error) {
	l.writeMu.Lock()
	res, err := l.db.ExecContext(ctx, `
		UPDATE _anno_oplog SET failed = 0, retry_count = 0, next_attempt_at = NULL WHERE failed = 1
	`)
	l.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to revive operations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.notify()
	}
	return n, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
