// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-annosync/annosync"
)

// BatchResult summarizes how the outcomes of one batch were applied.
type BatchResult struct {
	Sent      int
	Accepted  int
	Stale     int
	Invalid   int
	Transient int
	Failed    int  // transient failures that exhausted their retries
	Shrunk    bool // remote reported batch_too_large and the batch size was halved
	Err       error
}

// Reconciler batches queued operations, submits them and interprets per-operation outcomes.
// At most one batch is in flight per client.
type Reconciler struct {
	db      *sql.DB
	writeMu *sync.Mutex
	log     *OpLog
	remote  Remote
	timeout time.Duration
	backoff backoffPolicy
	logger  *slog.Logger
	notify  func(ids ...string)
	status  *Publisher

	slot      chan struct{}
	sizeMu    sync.Mutex
	batchSize int
}

func (r *Reconciler) tryAcquire() (release func(), ok bool) {
	select {
	case r.slot <- struct{}{}:
		return r.releaser(), true
	default:
		return nil, false
	}
}

func (r *Reconciler) acquire(ctx context.Context) (release func(), err error) {
	select {
	case r.slot <- struct{}{}:
		return r.releaser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) releaser() func() {
	var once sync.Once
	return func() { once.Do(func() { <-r.slot }) }
}

// BatchSize returns the current batch size, which shrinks when the remote reports batch_too_large.
func (r *Reconciler) BatchSize() int {
	r.sizeMu.Lock()
	defer r.sizeMu.Unlock()
	return r.batchSize
}

func (r *Reconciler) shrink(ctx context.Context, sent int) {
	r.sizeMu.Lock()
	size := sent / 2
	if size < 1 {
		size = 1
	}
	if size >= r.batchSize {
		r.sizeMu.Unlock()
		return
	}
	r.logger.Warn("Remote rejected batch as too large; reducing batch size", "from", r.batchSize, "to", size)
	r.batchSize = size
	r.sizeMu.Unlock()
	if _, err := r.db.ExecContext(ctx, `UPDATE _anno_client_info SET batch_size = ? WHERE id = 1`, size); err != nil {
		r.logger.Warn("Failed to persist batch size", "error", err)
	}
}

// Send submits the batch with a bounded timeout and returns the outcomes in batch order.
func (r *Reconciler) Send(ctx context.Context, batch []Operation) ([]annosync.OperationOutcome, error) {
	req := &annosync.BatchRequest{Operations: make([]annosync.OperationUpload, len(batch))}
	for i := range batch {
		req.Operations[i] = batch[i].Upload()
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.remote.SendBatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Outcomes) != len(batch) {
		return nil, &TransportError{Err: fmt.Errorf("%w: sent %d operations, got %d outcomes",
			ErrServerError, len(batch), len(resp.Outcomes))}
	}
	for i := range batch {
		if resp.Outcomes[i].IdempotencyKey != req.Operations[i].IdempotencyKey {
			return nil, &TransportError{Err: fmt.Errorf("%w: outcome %d answers %q, expected %q",
				ErrServerError, i, resp.Outcomes[i].IdempotencyKey, req.Operations[i].IdempotencyKey)}
		}
	}
	return resp.Outcomes, nil
}

// SyncOnce submits one batch and applies its outcomes. It waits for any batch already in flight.
func (r *Reconciler) SyncOnce(ctx context.Context) (BatchResult, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	defer release()

	batch, err := r.log.NextBatch(ctx, r.BatchSize())
	if err != nil {
		return BatchResult{}, err
	}
	if len(batch) == 0 {
		return BatchResult{}, nil
	}
	if r.status != nil {
		r.status.beginSync()
		defer r.status.endSync()
	}
	outcomes, sendErr := r.Send(ctx, batch)
	return r.apply(ctx, batch, outcomes, sendErr)
}

// apply records the outcomes of a batch in one transaction.
func (r *Reconciler) apply(ctx context.Context, batch []Operation, outcomes []annosync.OperationOutcome, sendErr error) (BatchResult, error) {
	result := BatchResult{Sent: len(batch), Err: sendErr}
	ids := make([]string, 0, len(batch))
	tooLarge := false

	r.writeMu.Lock()
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		for i := range batch {
			op := &batch[i]
			ids = append(ids, op.EntityID)

			var out annosync.OperationOutcome
			if sendErr != nil {
				out = annosync.OperationOutcome{Status: annosync.StTransientFailure, Message: sendErr.Error()}
			} else {
				out = outcomes[i]
			}

			switch out.Status {
			case annosync.StAccepted:
				result.Accepted++
				var newVersion int64
				if out.NewVersion != nil {
					newVersion = *out.NewVersion
				}
				if err := r.acceptTx(ctx, tx, op, newVersion); err != nil {
					return err
				}
			case annosync.StRejectedStale:
				result.Stale++
				if err := r.staleTx(ctx, tx, op, out); err != nil {
					return err
				}
			case annosync.StRejectedInvalid:
				result.Invalid++
				if err := r.invalidTx(ctx, tx, op, out); err != nil {
					return err
				}
			default:
				if out.Reason == annosync.ReasonBatchTooLarge && len(batch) > 1 {
					tooLarge = true
					continue
				}
				result.Transient++
				failed, err := r.log.rescheduleTx(ctx, tx, op.ID, r.backoff.delay(op.RetryCount+1))
				if err != nil {
					return err
				}
				if failed {
					result.Failed++
					r.logger.Warn("Operation exhausted its retries", "op_id", op.ID,
						"entity_id", op.EntityID, "op", op.Operation, "retries", op.RetryCount+1)
				}
			}
		}
		return nil
	})
	r.writeMu.Unlock()
	if err != nil {
		return result, fmt.Errorf("failed to apply batch outcomes: %w", err)
	}

	if tooLarge {
		result.Shrunk = true
		r.shrink(ctx, len(batch))
	}
	if sendErr != nil {
		r.logger.Warn("Batch failed", "operations", len(batch), "error", sendErr)
	} else {
		r.logger.Debug("Batch applied", "operations", len(batch), "accepted", result.Accepted,
			"stale", result.Stale, "invalid", result.Invalid, "transient", result.Transient)
	}
	r.notify(ids...)
	return result, nil
}

// acceptTx acknowledges op and moves the annotation to the acknowledged version. The row
// stays pending while later operations remain queued for it.
func (r *Reconciler) acceptTx(ctx context.Context, tx *sql.Tx, op *Operation, newVersion int64) error {
	found, err := ackTx(ctx, tx, op.ID)
	if err != nil || !found {
		return err
	}
	if op.Operation == annosync.OpDelete {
		return deleteAnnotationTx(ctx, tx, op.EntityID)
	}
	return r.settleTx(ctx, tx, op.EntityID, newVersion)
}

func (r *Reconciler) settleTx(ctx context.Context, tx *sql.Tx, entityID string, serverVersion int64) error {
	remaining, err := rebaseTx(ctx, tx, entityID, serverVersion)
	if err != nil {
		return err
	}
	status := StatusPending
	if remaining == 0 {
		status = StatusSynced
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE _anno_annotations
		SET server_version = ?, version = MAX(version, ?), sync_status = ?, sync_error = '',
		    incoming_version = NULL, incoming_data = NULL, incoming_deleted = 0
		WHERE id = ?
	`, serverVersion, serverVersion, string(status), entityID)
	if err != nil {
		return fmt.Errorf("failed to settle annotation: %w", err)
	}
	return nil
}

func (r *Reconciler) staleTx(ctx context.Context, tx *sql.Tx, op *Operation, out annosync.OperationOutcome) error {
	var serverVersion int64
	if out.ServerVersion != nil {
		serverVersion = *out.ServerVersion
	}
	if op.EntityType == annosync.EntityBookmark {
		r.logger.Error("Modeling violation: remote reported a conflict for a bookmark",
			"entity_id", op.EntityID, "op", op.Operation, "idempotency_key", op.IdempotencyKey(),
			"server_version", serverVersion)
		found, err := ackTx(ctx, tx, op.ID)
		if err != nil || !found {
			return err
		}
		if op.Operation == annosync.OpDelete {
			if out.ServerDeleted {
				return deleteAnnotationTx(ctx, tx, op.EntityID)
			}
			// The remote copy is live, so the local delete is undone rather than left hidden.
			if _, err := tx.ExecContext(ctx, `UPDATE _anno_annotations SET deleted = 0 WHERE id = ?`,
				op.EntityID); err != nil {
				return fmt.Errorf("failed to undo bookmark delete: %w", err)
			}
		}
		return r.settleTx(ctx, tx, op.EntityID, serverVersion)
	}

	incoming := Incoming{Version: serverVersion, Deleted: out.ServerDeleted}
	if len(out.ServerData) > 0 && string(out.ServerData) != "null" {
		d, err := unmarshalData(string(out.ServerData))
		if err != nil {
			return err
		}
		incoming.Data = d
	}
	r.logger.Info("Conflict detected", "entity_id", op.EntityID, "op", op.Operation,
		"base_version", op.BaseVersion, "server_version", serverVersion)
	return markConflictTx(ctx, tx, op.EntityID, incoming)
}

func (r *Reconciler) invalidTx(ctx context.Context, tx *sql.Tx, op *Operation, out annosync.OperationOutcome) error {
	found, err := ackTx(ctx, tx, op.ID)
	if err != nil || !found {
		return err
	}
	msg := out.Reason
	if out.Message != "" {
		msg += ": " + out.Message
	}
	r.logger.Warn("Operation rejected as invalid", "op_id", op.ID, "entity_id", op.EntityID,
		"op", op.Operation, "reason", out.Reason, "error", out.Message)
	if op.Operation == annosync.OpDelete {
		return deleteAnnotationTx(ctx, tx, op.EntityID)
	}

	// The local data was never accepted, so the row stays pending until a later edit lands.
	_, err = tx.ExecContext(ctx, `UPDATE _anno_annotations SET sync_error = ?, sync_status = ? WHERE id = ?`,
		msg, string(StatusPending), op.EntityID)
	if err != nil {
		return fmt.Errorf("failed to record validation error: %w", err)
	}
	return nil
}
