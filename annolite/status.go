// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Aggregate is the overall sync status exposed to the presentation layer.
type Aggregate struct {
	PendingCount  int  // annotations with local changes not yet acknowledged
	ConflictCount int  // annotations waiting for a resolution
	FailedCount   int  // annotations whose operation exhausted its retries
	InvalidCount  int  // annotations carrying a validation error from the remote store
	IsSyncing     bool // a batch is in flight
}

// Event reports a change of one annotation's sync state.
type Event struct {
	EntityID  string
	Status    SyncStatus
	Deleted   bool
	Removed   bool // the annotation no longer exists locally
	SyncError string
}

// Publisher derives status from the Annotation Store and Operation Log and pushes it to
// subscribers after every mutation. It holds no state of its own besides IsSyncing.
type Publisher struct {
	db     *sql.DB
	logger *slog.Logger

	inFlight atomic.Int32 // batches in flight, scheduler and foreground

	mu      sync.Mutex
	nextID  int
	aggSubs map[int]chan Aggregate
	evSubs  map[int]chan Event
	closed  bool
}

func newPublisher(db *sql.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:      db,
		logger:  logger,
		aggSubs: make(map[int]chan Aggregate),
		evSubs:  make(map[int]chan Event),
	}
}

// StatusOf returns the sync status of one annotation.
func (p *Publisher) StatusOf(ctx context.Context, id string) (SyncStatus, error) {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT sync_status FROM _anno_annotations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("annotation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query sync status: %w", err)
	}
	return SyncStatus(status), nil
}

// Aggregate computes the current overall status.
func (p *Publisher) Aggregate(ctx context.Context) (Aggregate, error) {
	agg := Aggregate{IsSyncing: p.inFlight.Load() > 0}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN sync_status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = 'conflict' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_error <> '' THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(DISTINCT entity_id) FROM _anno_oplog WHERE failed = 1)
		FROM _anno_annotations
	`).Scan(&agg.PendingCount, &agg.ConflictCount, &agg.InvalidCount, &agg.FailedCount)
	if err != nil {
		return Aggregate{}, fmt.Errorf("failed to compute aggregate status: %w", err)
	}
	return agg, nil
}

// Subscribe returns a single-slot channel that always holds the latest aggregate. The
// current aggregate is delivered immediately. Call cancel to unsubscribe.
func (p *Publisher) Subscribe() (updates <-chan Aggregate, cancel func()) {
	ch := make(chan Aggregate, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := p.nextID
	p.nextID++
	p.aggSubs[id] = ch
	p.mu.Unlock()

	if agg, err := p.Aggregate(context.Background()); err == nil {
		p.mu.Lock()
		if _, ok := p.aggSubs[id]; ok {
			pushLatest(ch, agg)
		}
		p.mu.Unlock()
	}
	return ch, p.unsubscriber(func() {
		if _, ok := p.aggSubs[id]; ok {
			delete(p.aggSubs, id)
			close(ch)
		}
	})
}

// SubscribeEvents returns per-annotation events. Events are dropped when the buffer is full.
func (p *Publisher) SubscribeEvents(buffer int) (events <-chan Event, cancel func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	id := p.nextID
	p.nextID++
	p.evSubs[id] = ch
	return ch, p.unsubscriber(func() {
		if _, ok := p.evSubs[id]; ok {
			delete(p.evSubs, id)
			close(ch)
		}
	})
}

func (p *Publisher) unsubscriber(fn func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			fn()
		})
	}
}

func pushLatest(ch chan Aggregate, agg Aggregate) {
	for {
		select {
		case ch <- agg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// beginSync and endSync bracket one batch in flight.
func (p *Publisher) beginSync() {
	if p.inFlight.Add(1) == 1 {
		p.changed()
	}
}

func (p *Publisher) endSync() {
	if p.inFlight.Add(-1) == 0 {
		p.changed()
	}
}

// changed recomputes status after a mutation touching ids.
func (p *Publisher) changed(ids ...string) {
	ctx := context.Background()
	p.mu.Lock()
	idle := len(p.aggSubs) == 0 && len(p.evSubs) == 0
	p.mu.Unlock()
	if idle {
		return
	}

	agg, err := p.Aggregate(ctx)
	if err != nil {
		p.logger.Error("Failed to publish status", "error", err)
		return
	}
	events := make([]Event, 0, len(ids))
	for _, id := range dedupe(ids) {
		events = append(events, p.eventFor(ctx, id))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.aggSubs {
		pushLatest(ch, agg)
	}
	for _, ev := range events {
		for _, ch := range p.evSubs {
			select {
			case ch <- ev:
			default:
				p.logger.Debug("Dropping status event for slow subscriber", "entity_id", ev.EntityID)
			}
		}
	}
}

func (p *Publisher) eventFor(ctx context.Context, id string) Event {
	ev := Event{EntityID: id}
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT sync_status, deleted, sync_error FROM _anno_annotations WHERE id = ?`, id).
		Scan(&status, &ev.Deleted, &ev.SyncError)
	if errors.Is(err, sql.ErrNoRows) {
		ev.Removed = true
		return ev
	}
	if err != nil {
		p.logger.Error("Failed to load annotation status", "entity_id", id, "error", err)
	}
	ev.Status = SyncStatus(status)
	return ev
}

func (p *Publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.aggSubs {
		delete(p.aggSubs, id)
		close(ch)
	}
	for id, ch := range p.evSubs {
		delete(p.evSubs, id)
		close(ch)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
