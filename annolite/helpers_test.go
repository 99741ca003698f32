// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiletoly/go-annosync/annosync"
	"github.com/stretchr/testify/require"
)

var testLoc = annosync.LocationKey{Book: "John", Chapter: 3, Verse: 16}

type memRow struct {
	entityType annosync.EntityType
	version    int64
	data       json.RawMessage
	deleted    bool
}

// memRemote is an in-memory batch endpoint with the same outcome rules as the annosync service.
type memRemote struct {
	mu       sync.Mutex
	rows     map[string]*memRow
	memo     map[string]annosync.OperationOutcome
	batches  [][]annosync.OperationUpload
	applied  int // operations that changed a row
	maxBatch int

	// err is returned for every call while set.
	err      error
	// gate, when set, holds every call until it can receive.
	gate     chan struct{}
	// override replaces the computed outcome when it returns non-nil.
	override func(op annosync.OperationUpload) *annosync.OperationOutcome

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMemRemote() *memRemote {
	return &memRemote{
		rows: make(map[string]*memRow),
		memo: make(map[string]annosync.OperationOutcome),
	}
}

func (m *memRemote) SendBatch(ctx context.Context, req *annosync.BatchRequest) (*annosync.BatchResponse, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.batches = append(m.batches, append([]annosync.OperationUpload(nil), req.Operations...))
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &TransportError{Err: fmt.Errorf("%w: %v", ErrNetworkFailure, ctx.Err())}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := &annosync.BatchResponse{Outcomes: make([]annosync.OperationOutcome, len(req.Operations))}
	for i, op := range req.Operations {
		if m.maxBatch > 0 && len(req.Operations) > m.maxBatch {
			resp.Outcomes[i] = annosync.OperationOutcome{IdempotencyKey: op.IdempotencyKey,
				Status: annosync.StTransientFailure, Reason: annosync.ReasonBatchTooLarge}
			continue
		}
		if m.override != nil {
			if out := m.override(op); out != nil {
				resp.Outcomes[i] = *out
				continue
			}
		}
		if out, ok := m.memo[op.IdempotencyKey]; ok {
			out.Duplicate = true
			resp.Outcomes[i] = out
			continue
		}
		out := m.decide(op)
		if out.Status != annosync.StTransientFailure {
			m.memo[op.IdempotencyKey] = out
		}
		resp.Outcomes[i] = out
	}
	return resp, nil
}

func (m *memRemote) decide(op annosync.OperationUpload) annosync.OperationOutcome {
	key := op.IdempotencyKey
	accepted := func(v int64) annosync.OperationOutcome {
		return annosync.OperationOutcome{IdempotencyKey: key, Status: annosync.StAccepted, NewVersion: &v}
	}
	bump := func(row *memRow, deleted bool) annosync.OperationOutcome {
		row.version++
		row.deleted = deleted
		if !deleted {
			row.data = op.Data
		}
		m.applied++
		return accepted(row.version)
	}

	row := m.rows[op.EntityID]
	if row == nil {
		switch {
		case op.Operation == annosync.OpDelete:
			return accepted(0)
		case op.Operation == annosync.OpCreate, op.EntityType == annosync.EntityBookmark:
			m.rows[op.EntityID] = &memRow{entityType: op.EntityType, version: 1, data: op.Data}
			m.applied++
			return accepted(1)
		default:
			return annosync.OperationOutcome{IdempotencyKey: key, Status: annosync.StRejectedInvalid,
				Reason: annosync.ReasonNotFound}
		}
	}
	if op.EntityType == annosync.EntityBookmark {
		if op.Operation == annosync.OpDelete {
			if row.deleted {
				return accepted(row.version)
			}
			return bump(row, true)
		}
		if op.Operation == annosync.OpCreate && !row.deleted {
			return accepted(row.version)
		}
		return bump(row, false)
	}
	if op.Operation == annosync.OpDelete && row.deleted {
		return accepted(row.version)
	}
	if op.Operation == annosync.OpCreate && row.deleted && op.BaseVersion == row.version {
		return bump(row, false)
	}
	if row.deleted || op.Operation == annosync.OpCreate || op.BaseVersion != row.version {
		v := row.version
		return annosync.OperationOutcome{IdempotencyKey: key, Status: annosync.StRejectedStale,
			ServerVersion: &v, ServerData: row.data, ServerDeleted: row.deleted}
	}
	return bump(row, op.Operation == annosync.OpDelete)
}

// write simulates another device writing a note directly on the remote store.
func (m *memRemote) write(t *testing.T, id, text string) int64 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	require.NotNil(t, row, "remote row %s", id)
	raw, err := json.Marshal(&annosync.AnnotationData{Location: testLoc, Note: &annosync.NotePayload{Text: text}})
	require.NoError(t, err)
	row.version++
	row.data = raw
	return row.version
}

func (m *memRemote) remove(t *testing.T, id string) int64 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	require.NotNil(t, row, "remote row %s", id)
	row.version++
	row.deleted = true
	return row.version
}

func (m *memRemote) row(id string) (memRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return memRow{}, false
	}
	return *row, true
}

func (m *memRemote) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *memRemote) sent() []annosync.OperationUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []annosync.OperationUpload
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func (m *memRemote) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *memRemote) setGate(gate chan struct{}) {
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = testLogger()
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.SyncInterval = time.Hour
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

// newTestClient returns a client on a fresh in-memory database.
func newTestClient(t *testing.T, remote Remote, mutate func(cfg *Config)) *Client {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewClient(db, remote, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func putNote(t *testing.T, c *Client, text string) *Annotation {
	t.Helper()
	a, err := c.Store.Put(context.Background(), NewNote(testLoc, text))
	require.NoError(t, err)
	return a
}

func editNote(t *testing.T, c *Client, id, text string) *Annotation {
	t.Helper()
	a, err := c.Store.Get(context.Background(), id)
	require.NoError(t, err)
	a.Note = &annosync.NotePayload{Text: text}
	a, err = c.Store.Put(context.Background(), a)
	require.NoError(t, err)
	return a
}

func mustGet(t *testing.T, c *Client, id string) *Annotation {
	t.Helper()
	a, err := c.Store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func pendingOps(t *testing.T, c *Client, id string) []Operation {
	t.Helper()
	ops, err := c.Log.Pending(context.Background(), id)
	require.NoError(t, err)
	return ops
}
