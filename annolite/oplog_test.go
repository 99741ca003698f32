// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-annosync/annosync"
	"github.com/stretchr/testify/require"
)

func newClockedClient(t *testing.T, remote Remote, mutate func(cfg *Config)) (*Client, *fakeClock) {
	clock := newFakeClock()
	c := newTestClient(t, remote, func(cfg *Config) {
		cfg.Clock = clock.Now
		if mutate != nil {
			mutate(cfg)
		}
	})
	return c, clock
}

func TestOpLog_IDsFollowInsertionOrder(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	for i := 0; i < 5; i++ {
		_, err := c.Store.Put(ctx, NewBookmark(annosync.LocationKey{Book: "Psalms", Chapter: 23, Verse: i + 1}))
		require.NoError(t, err)
	}
	ops, err := c.Log.All(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	for i := 1; i < len(ops); i++ {
		require.Less(t, ops[i-1].Seq, ops[i].Seq)
		require.Less(t, ops[i-1].ID, ops[i].ID)
	}
}

func TestOpLog_SentOperationIsNotCoalesced(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	a := putNote(t, c, "v1")
	batch, err := c.Log.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	editNote(t, c, a.ID, "v2")
	editNote(t, c, a.ID, "v3")

	ops := pendingOps(t, c, a.ID)
	require.Len(t, ops, 2)
	require.True(t, ops[0].Sent)
	require.Equal(t, annosync.OpCreate, ops[0].Operation)
	require.False(t, ops[1].Sent)
	require.Equal(t, annosync.OpUpdate, ops[1].Operation)
	data, err := unmarshalData(string(ops[1].Data))
	require.NoError(t, err)
	require.Equal(t, "v3", data.Note.Text)

	// Only the head operation of an entity is ever in a batch.
	next, err := c.Log.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, ops[0].ID, next[0].ID)
}

func TestOpLog_DeleteBehindSentCreateIsQueued(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	a := putNote(t, c, "in flight")
	_, err := c.Log.NextBatch(ctx, 10)
	require.NoError(t, err)

	// The create may already be applied remotely, so the delete has to follow it.
	require.NoError(t, c.Store.Delete(ctx, a.ID))
	ops := pendingOps(t, c, a.ID)
	require.Len(t, ops, 2)
	require.Equal(t, annosync.OpCreate, ops[0].Operation)
	require.Equal(t, annosync.OpDelete, ops[1].Operation)
	require.True(t, mustGet(t, c, a.ID).Deleted)
}

func TestOpLog_NextBatchOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	c, _ := newClockedClient(t, newMemRemote(), nil)

	var ids []string
	for i := 0; i < 4; i++ {
		a, err := c.Store.Put(ctx, NewBookmark(annosync.LocationKey{Book: "Mark", Chapter: 1, Verse: i + 1}))
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	first, err := c.Log.NextBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i, op := range first {
		require.Equal(t, ids[i], op.EntityID)
		require.True(t, op.Sent)
	}

	empty, err := c.Log.NextBatch(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestOpLog_RescheduleDefersAndCapsRetries(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedClient(t, newMemRemote(), func(cfg *Config) { cfg.MaxRetries = 3 })

	a := putNote(t, c, "flaky")
	op := pendingOps(t, c, a.ID)[0]

	for attempt := 1; attempt <= 3; attempt++ {
		failed, err := c.Log.Reschedule(ctx, op.ID, time.Minute)
		require.NoError(t, err)
		require.Equal(t, attempt == 3, failed)

		eligible, err := c.Log.Eligible(ctx)
		require.NoError(t, err)
		require.Zero(t, eligible, "rescheduled operation waits for its attempt time")

		clock.Advance(2 * time.Minute)
	}

	got := pendingOps(t, c, a.ID)[0]
	require.Equal(t, 3, got.RetryCount)
	require.True(t, got.Failed)
	require.Nil(t, got.NextAttemptAt)

	batch, err := c.Log.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch, "failed operation is not retried automatically")

	n, err := c.Log.ReviveFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	batch, err = c.Log.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Zero(t, batch[0].RetryCount)
}

func TestOpLog_NextAttemptInFuture(t *testing.T) {
	ctx := context.Background()
	c, clock := newClockedClient(t, newMemRemote(), nil)

	a := putNote(t, c, "later")
	op := pendingOps(t, c, a.ID)[0]
	_, err := c.Log.Reschedule(ctx, op.ID, 30*time.Second)
	require.NoError(t, err)

	got := pendingOps(t, c, a.ID)[0]
	require.NotNil(t, got.NextAttemptAt)
	require.True(t, clock.Now().Add(30*time.Second).Equal(*got.NextAttemptAt))

	batch, err := c.Log.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch)

	clock.Advance(30 * time.Second)
	batch, err = c.Log.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
}

func TestOpLog_MarkConflictExcludesEntity(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	a := putNote(t, c, "contested")
	b := putNote(t, c, "bystander")
	op := pendingOps(t, c, a.ID)[0]

	incoming := Incoming{Version: 4, Data: &annosync.AnnotationData{Location: testLoc, Note: &annosync.NotePayload{Text: "remote"}}}
	require.NoError(t, c.Log.MarkConflict(ctx, op.ID, incoming))

	got := mustGet(t, c, a.ID)
	require.Equal(t, StatusConflict, got.Status)
	require.NotNil(t, got.Incoming)
	require.Equal(t, int64(4), got.Incoming.Version)
	require.Equal(t, "remote", got.Incoming.Data.Note.Text)
	require.Empty(t, pendingOps(t, c, a.ID))

	for i := 0; i < 3; i++ {
		batch, err := c.Log.NextBatch(ctx, 10)
		require.NoError(t, err)
		for _, op := range batch {
			require.NotEqual(t, a.ID, op.EntityID)
		}
	}
	require.Len(t, pendingOps(t, c, b.ID), 1)

	require.ErrorIs(t, c.Log.MarkConflict(ctx, op.ID, incoming), ErrNotFound)
}

func TestOpLog_MarkConflictRefusesBookmark(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	b, err := c.Store.Put(ctx, NewBookmark(testLoc))
	require.NoError(t, err)
	op := pendingOps(t, c, b.ID)[0]

	err = c.Log.MarkConflict(ctx, op.ID, Incoming{Version: 2})
	require.ErrorIs(t, err, ErrBookmarkConflict)

	got := mustGet(t, c, b.ID)
	require.Equal(t, StatusPending, got.Status)
	require.Nil(t, got.Incoming)
	require.Len(t, pendingOps(t, c, b.ID), 1)
}

func TestOpLog_AppendRejectsUnknownOperation(t *testing.T) {
	c := newTestClient(t, newMemRemote(), nil)
	_, err := c.Log.Append(context.Background(), Operation{
		Operation:  "upsert",
		EntityType: annosync.EntityNote,
		EntityID:   uuid.NewString(),
	})
	require.ErrorIs(t, err, ErrInvalidAnnotation)
}

func TestOpLog_AckRemovesOperation(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	a := putNote(t, c, "ack")
	op := pendingOps(t, c, a.ID)[0]
	require.NoError(t, c.Log.Ack(ctx, op.ID))
	require.Empty(t, pendingOps(t, c, a.ID))
	require.NoError(t, c.Log.Ack(ctx, op.ID))
}

func TestOperation_IdempotencyKey(t *testing.T) {
	op := Operation{Operation: annosync.OpUpdate, EntityID: "e1", BaseVersion: 7}
	require.Equal(t, annosync.IdempotencyKey("e1", 7, annosync.OpUpdate), op.IdempotencyKey())
	up := op.Upload()
	require.Equal(t, op.IdempotencyKey(), up.IdempotencyKey)
	require.Equal(t, int64(7), up.BaseVersion)
}
