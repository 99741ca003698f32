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

// Resolver settles conflicts. Every resolution bases the new operation on the remote
// version seen in the conflict, so it is accepted unless the remote moved again.
type Resolver struct {
	db      *sql.DB
	writeMu *sync.Mutex
	log     *OpLog
	clock   func() time.Time
	logger  *slog.Logger
	notify  func(ids ...string)
}

// Conflict returns the annotation in conflict with its remote side in Incoming.
func (r *Resolver) Conflict(ctx context.Context, id string) (*Annotation, error) {
	a, err := getAnnotation(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusConflict || a.Incoming == nil {
		return nil, fmt.Errorf("annotation %s: %w", id, ErrNotInConflict)
	}
	return a, nil
}

// KeepLocal resubmits the local side on top of the remote version.
func (r *Resolver) KeepLocal(ctx context.Context, id string) (*Annotation, error) {
	return r.resolve(ctx, id, func(ctx context.Context, tx *sql.Tx, a *Annotation) (*Annotation, error) {
		in := a.Incoming
		if a.Deleted && in.Deleted {
			// Both sides deleted: nothing left to reconcile.
			return nil, deleteAnnotationTx(ctx, tx, a.ID)
		}
		operation := annosync.OpUpdate
		switch {
		case a.Deleted:
			operation = annosync.OpDelete
		case in.Deleted:
			operation = annosync.OpCreate
		}
		return a, r.requeueTx(ctx, tx, a, operation)
	})
}

// KeepRemote adopts the remote side and discards the local change.
func (r *Resolver) KeepRemote(ctx context.Context, id string) (*Annotation, error) {
	return r.resolve(ctx, id, func(ctx context.Context, tx *sql.Tx, a *Annotation) (*Annotation, error) {
		in := a.Incoming
		if in.Deleted || in.Data == nil {
			return nil, deleteAnnotationTx(ctx, tx, a.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _anno_oplog WHERE entity_id = ?`, a.ID); err != nil {
			return nil, fmt.Errorf("failed to clear operations: %w", err)
		}
		a.applyData(in.Data)
		a.Version = max(a.Version+1, in.Version)
		a.ServerVersion = in.Version
		a.Status = StatusSynced
		a.Deleted = false
		a.SyncError = ""
		a.Incoming = nil
		return a, saveTx(ctx, tx, a)
	})
}

// Merge replaces a conflicted note's text with the merged text and resubmits it.
func (r *Resolver) Merge(ctx context.Context, id, text string) (*Annotation, error) {
	return r.resolve(ctx, id, func(ctx context.Context, tx *sql.Tx, a *Annotation) (*Annotation, error) {
		if a.Type != annosync.EntityNote {
			return nil, fmt.Errorf("annotation %s is a %s: %w", id, a.Type, ErrMergeNotAllowed)
		}
		a.Note = &annosync.NotePayload{Text: text}
		if err := a.validate(); err != nil {
			return nil, err
		}
		a.Deleted = false
		operation := annosync.OpUpdate
		if a.Incoming.Deleted {
			operation = annosync.OpCreate
		}
		return a, r.requeueTx(ctx, tx, a, operation)
	})
}

func (r *Resolver) resolve(ctx context.Context, id string, fn func(context.Context, *sql.Tx, *Annotation) (*Annotation, error)) (*Annotation, error) {
	var resolved *Annotation
	r.writeMu.Lock()
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		a, err := getAnnotation(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusConflict || a.Incoming == nil {
			return fmt.Errorf("annotation %s: %w", id, ErrNotInConflict)
		}
		resolved, err = fn(ctx, tx, a)
		return err
	})
	r.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	r.logger.Info("Conflict resolved", "entity_id", id, "removed", resolved == nil)
	r.notify(id)
	return resolved, nil
}

// requeueTx rebases the annotation on the remote version and queues operation for it.
func (r *Resolver) requeueTx(ctx context.Context, tx *sql.Tx, a *Annotation, operation string) error {
	a.ServerVersion = a.Incoming.Version
	a.Version = max(a.Version, a.Incoming.Version) + 1
	a.Status = StatusPending
	a.SyncError = ""
	a.Incoming = nil
	a.UpdatedAt = r.clock()
	if err := saveTx(ctx, tx, a); err != nil {
		return err
	}
	op, err := operationFor(a, operation)
	if err != nil {
		return err
	}
	_, err = r.log.appendTx(ctx, tx, &op)
	return err
}
