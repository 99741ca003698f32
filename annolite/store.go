// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-annosync/annosync"
)

// Store is the Annotation Store. Every write is committed together with its Operation Log
// entry before the call returns.
type Store struct {
	db      *sql.DB
	writeMu *sync.Mutex
	log     *OpLog
	clock   func() time.Time
	notify  func(ids ...string)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const annotationColumns = `id, entity_type, data, version, server_version, sync_status, deleted, sync_error,
	incoming_version, incoming_data, incoming_deleted, created_at, updated_at`

func scanAnnotation(s rowScanner) (*Annotation, error) {
	var (
		a               Annotation
		entityType      string
		status          string
		data            string
		incomingVersion sql.NullInt64
		incomingData    sql.NullString
		incomingDeleted bool
		createdAt       int64
		updatedAt       int64
	)
	if err := s.Scan(&a.ID, &entityType, &data, &a.Version, &a.ServerVersion, &status, &a.Deleted, &a.SyncError,
		&incomingVersion, &incomingData, &incomingDeleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Type = annosync.EntityType(entityType)
	a.Status = SyncStatus(status)
	d, err := unmarshalData(data)
	if err != nil {
		return nil, err
	}
	a.applyData(d)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	if incomingVersion.Valid {
		in := &Incoming{Version: incomingVersion.Int64, Deleted: incomingDeleted}
		if incomingData.Valid {
			if in.Data, err = unmarshalData(incomingData.String); err != nil {
				return nil, err
			}
		}
		a.Incoming = in
	}
	return &a, nil
}

func getAnnotation(ctx context.Context, q queryRower, id string) (*Annotation, error) {
	a, err := scanAnnotation(q.QueryRowContext(ctx,
		`SELECT `+annotationColumns+` FROM _anno_annotations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("annotation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load annotation: %w", err)
	}
	return a, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// saveTx writes every column of a.
func saveTx(ctx context.Context, tx *sql.Tx, a *Annotation) error {
	data, err := marshalData(a.Data())
	if err != nil {
		return err
	}
	var (
		incomingVersion any
		incomingData    any
		incomingDeleted bool
	)
	if a.Incoming != nil {
		incomingVersion = a.Incoming.Version
		incomingDeleted = a.Incoming.Deleted
		if a.Incoming.Data != nil {
			if incomingData, err = marshalData(a.Incoming.Data); err != nil {
				return err
			}
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _anno_annotations (id, entity_type, book, chapter, verse, data, version, server_version,
			sync_status, deleted, sync_error, incoming_version, incoming_data, incoming_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			server_version = excluded.server_version,
			sync_status = excluded.sync_status,
			deleted = excluded.deleted,
			sync_error = excluded.sync_error,
			incoming_version = excluded.incoming_version,
			incoming_data = excluded.incoming_data,
			incoming_deleted = excluded.incoming_deleted,
			updated_at = excluded.updated_at
	`, a.ID, string(a.Type), a.Location.Book, a.Location.Chapter, a.Location.Verse, data, a.Version, a.ServerVersion,
		string(a.Status), a.Deleted, a.SyncError, incomingVersion, incomingData, incomingDeleted,
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save annotation: %w", err)
	}
	return nil
}

func deleteAnnotationTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _anno_oplog WHERE entity_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _anno_annotations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete annotation: %w", err)
	}
	return nil
}

func operationFor(a *Annotation, operation string) (Operation, error) {
	op := Operation{
		Operation:   operation,
		EntityType:  a.Type,
		EntityID:    a.ID,
		BaseVersion: a.ServerVersion,
	}
	if operation != annosync.OpDelete {
		raw, err := marshalData(a.Data())
		if err != nil {
			return op, err
		}
		op.Data = []byte(raw)
	}
	return op, nil
}

// Put creates the annotation when its ID is new (an empty ID is generated) and otherwise
// updates the payload, bumping the version and returning the row to pending. Conflicted rows
// are never overwritten and the location never changes.
func (s *Store) Put(ctx context.Context, a *Annotation) (*Annotation, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil annotation", ErrInvalidAnnotation)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	if a.ID != "" {
		if _, err := uuid.Parse(a.ID); err != nil {
			return nil, fmt.Errorf("%w: id is not a UUID", ErrInvalidAnnotation)
		}
	}

	var saved *Annotation
	s.writeMu.Lock()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.clock()
		var existing *Annotation
		if a.ID != "" {
			var err error
			existing, err = getAnnotation(ctx, tx, a.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		operation := annosync.OpUpdate
		if existing == nil {
			operation = annosync.OpCreate
			saved = &Annotation{
				ID:        a.ID,
				Type:      a.Type,
				Location:  a.Location,
				Note:      a.Note,
				Highlight: a.Highlight,
				Version:   1,
				Status:    StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if saved.ID == "" {
				saved.ID = uuid.NewString()
			}
		} else {
			switch {
			case existing.Deleted:
				return fmt.Errorf("annotation %s: %w", a.ID, ErrNotFound)
			case existing.Status == StatusConflict:
				return fmt.Errorf("annotation %s: %w", a.ID, ErrConflictUnresolved)
			case existing.Type != a.Type:
				return fmt.Errorf("%w: annotation %s is a %s", ErrInvalidAnnotation, a.ID, existing.Type)
			case existing.Location != a.Location:
				return fmt.Errorf("annotation %s: %w", a.ID, ErrLocationImmutable)
			}
			saved = existing
			saved.Note = a.Note
			saved.Highlight = a.Highlight
			saved.Version++
			saved.Status = StatusPending
			saved.SyncError = ""
			saved.UpdatedAt = now
		}

		if err := saveTx(ctx, tx, saved); err != nil {
			return err
		}
		op, err := operationFor(saved, operation)
		if err != nil {
			return err
		}
		_, err = s.log.appendTx(ctx, tx, &op)
		return err
	})
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notify(saved.ID)
	return saved, nil
}

// Get returns the annotation, including one that is deleted locally but not yet remotely.
func (s *Store) Get(ctx context.Context, id string) (*Annotation, error) {
	return getAnnotation(ctx, s.db, id)
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]*Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+annotationColumns+` FROM _anno_annotations WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	defer rows.Close()
	var out []*Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByLocation returns the visible annotations of one verse.
func (s *Store) ListByLocation(ctx context.Context, loc annosync.LocationKey) ([]*Annotation, error) {
	return s.query(ctx, `book = ? AND chapter = ? AND verse = ? AND deleted = 0`, loc.Book, loc.Chapter, loc.Verse)
}

// List returns every visible annotation.
func (s *Store) List(ctx context.Context) ([]*Annotation, error) {
	return s.query(ctx, `deleted = 0`)
}

// Conflicts returns the annotations waiting for a resolution.
func (s *Store) Conflicts(ctx context.Context) ([]*Annotation, error) {
	return s.query(ctx, `sync_status = 'conflict'`)
}

// SetSyncStatus overrides the status of one annotation with synced or pending. A conflict
// carries the remote side, so it is entered only by a stale outcome and left through the Resolver.
func (s *Store) SetSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	switch status {
	case StatusSynced, StatusPending:
	case StatusConflict:
		return fmt.Errorf("annotation %s: %w", id, ErrConflictStatus)
	default:
		return fmt.Errorf("unknown sync status %q", status)
	}
	s.writeMu.Lock()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := getAnnotation(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status == StatusConflict {
			return fmt.Errorf("annotation %s: %w", id, ErrConflictStatus)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _anno_annotations SET sync_status = ? WHERE id = ?`, string(status), id); err != nil {
			return fmt.Errorf("failed to set sync status: %w", err)
		}
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

// Delete queues the remote delete and hides the annotation. The row is kept until the delete
// is acknowledged; an annotation that never reached the remote store is removed immediately.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := getAnnotation(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Deleted {
			return fmt.Errorf("annotation %s: %w", id, ErrNotFound)
		}
		if a.Status == StatusConflict {
			return fmt.Errorf("annotation %s: %w", id, ErrConflictUnresolved)
		}
		op, err := operationFor(a, annosync.OpDelete)
		if err != nil {
			return err
		}
		dropped, err := s.log.appendTx(ctx, tx, &op)
		if err != nil || dropped {
			return err
		}
		a.Deleted = true
		a.Version++
		a.Status = StatusPending
		a.UpdatedAt = s.clock()
		return saveTx(ctx, tx, a)
	})
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

// Restore undoes a local delete whose operation has not been submitted yet.
func (s *Store) Restore(ctx context.Context, id string) (*Annotation, error) {
	var restored *Annotation
	s.writeMu.Lock()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := getAnnotation(ctx, tx, id)
		if err != nil {
			return err
		}
		if !a.Deleted {
			return fmt.Errorf("annotation %s is not deleted: %w", id, ErrNotRestorable)
		}
		last, err := s.log.lastTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if last == nil || last.Operation != annosync.OpDelete || last.Sent {
			return fmt.Errorf("annotation %s: %w", id, ErrNotRestorable)
		}
		if _, err := ackTx(ctx, tx, last.ID); err != nil {
			return err
		}

		a.Deleted = false
		a.Version++
		a.Status = StatusPending
		a.UpdatedAt = s.clock()
		if err := saveTx(ctx, tx, a); err != nil {
			return err
		}
		op, err := operationFor(a, annosync.OpUpdate)
		if err != nil {
			return err
		}
		if _, err := s.log.appendTx(ctx, tx, &op); err != nil {
			return err
		}
		restored = a
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return restored, nil
}
