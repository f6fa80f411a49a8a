// Package storetest holds the behavioural tests every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/store"
)

// Opener opens the store rooted at path. Calling it twice with the same path
// must reopen the same data.
type Opener func(t *testing.T, path string) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Message builds a test message.
func Message(threadID, id string, rev uint64, streaming bool) *domain.Message {
	m := &domain.Message{
		ID:          id,
		ThreadID:    threadID,
		Role:        domain.RoleAssistant,
		Content:     fmt.Sprintf("%s@%d", id, rev),
		IsStreaming: streaming,
		Revision:    rev,
		Metadata: domain.Metadata{
			ThreadID:  threadID,
			CreatedAt: base,
			UpdatedAt: base.Add(time.Duration(rev) * time.Second),
		},
	}
	if !streaming {
		m.FinishReason = domain.FinishCompleted
		m.Metadata.FinishedAt = m.Metadata.UpdatedAt
	}
	return m
}

// Run runs the suite.
func Run(t *testing.T, open Opener) {
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, open) })
	t.Run("Idempotence", func(t *testing.T) { testIdempotence(t, open) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, open) })
	t.Run("Threads", func(t *testing.T) { testThreads(t, open) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, open) })
	t.Run("Durability", func(t *testing.T) { testDurability(t, open) })
	t.Run("DeleteThread", func(t *testing.T) { testDeleteThread(t, open) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, open) })
	t.Run("Invalid", func(t *testing.T) { testInvalid(t, open) })
}

var cmpMessage = cmpopts.EquateEmpty()

func testUpsertAndGet(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	m := Message("t1", "m1", 1, true)
	m.ToolCalls = []domain.ToolCall{{ID: "tc", Name: "search", Args: []byte(`{"q":"x"}`), Complete: true}}
	m.Metadata.Citations = []domain.Citation{{URL: "https://example.com"}}

	applied, err := s.Upsert(ctx, m)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get(ctx, "t1", "m1")
	require.NoError(t, err)
	if diff := cmp.Diff(m, got, cmpMessage); diff != "" {
		t.Errorf("stored message mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Get(ctx, "t1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, "nope", "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testIdempotence(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	for _, tc := range []struct {
		m    *domain.Message
		want bool
	}{
		{Message("t", "m", 1, true), true},
		{Message("t", "m", 3, true), true},
		{Message("t", "m", 3, true), true},
		{Message("t", "m", 2, true), false},
		{Message("t", "m", 4, false), true},
		{Message("t", "m", 4, false), false},
		{Message("t", "m", 9, true), false},
		{Message("t", "m", 9, false), false},
	} {
		applied, err := s.Upsert(ctx, tc.m)
		require.NoError(t, err)
		assert.Equal(t, tc.want, applied, "revision %d streaming=%v", tc.m.Revision, tc.m.IsStreaming)
	}

	msgs, err := s.GetByThread(ctx, "t")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m@4", msgs[0].Content)
	assert.Equal(t, domain.FinishCompleted, msgs[0].FinishReason)
}

func testOrdering(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Upsert(ctx, Message("t", id, 1, true))
		require.NoError(t, err)
	}
	// Updating a message must not move it.
	_, err := s.Upsert(ctx, Message("t", "c", 2, false))
	require.NoError(t, err)

	msgs, err := s.GetByThread(ctx, "t")
	require.NoError(t, err)
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	empty, err := s.GetByThread(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testThreads(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Upsert(ctx, Message("t1", "u", 1, false))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Message("t1", "a", 2, true))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Message("t2", "x", 5, true))
	require.NoError(t, err)

	th, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a", th.ActiveMessageID)
	assert.Equal(t, 2, th.MessageCount)

	threads, err := s.ListThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "t2", threads[0].ID)

	streaming, err := s.ListStreaming(ctx)
	require.NoError(t, err)
	assert.Len(t, streaming, 2)

	_, err = s.Upsert(ctx, Message("t1", "a", 3, false))
	require.NoError(t, err)
	th, err = s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, th.ActiveMessageID)

	streaming, err = s.ListStreaming(ctx)
	require.NoError(t, err)
	require.Len(t, streaming, 1)
	assert.Equal(t, "x", streaming[0].ID)

	_, err = s.GetThread(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSubscribe(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	sub := s.Subscribe("t")
	defer sub.Close()
	other := s.Subscribe("u")
	defer other.Close()

	_, err := s.Upsert(ctx, Message("t", "m", 2, true))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Message("t", "m", 1, true))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Message("t", "m", 3, false))
	require.NoError(t, err)

	var got []uint64
	for range 2 {
		select {
		case m := <-sub.C:
			got = append(got, m.Revision)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for subscription")
		}
	}
	assert.Equal(t, []uint64{2, 3}, got)
	assert.Empty(t, sub.C)
	assert.Empty(t, other.C)
}

func testDurability(t *testing.T, open Opener) {
	dir := t.TempDir()
	ctx := context.Background()

	s := open(t, dir)
	want := []*domain.Message{Message("t", "a", 1, false), Message("t", "b", 2, true)}
	for _, m := range want {
		_, err := s.Upsert(ctx, m)
		require.NoError(t, err)
	}
	_, err := s.Upsert(ctx, Message("t", "b", 3, true))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, dir)
	msgs, err := s.GetByThread(ctx, "t")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a@1", msgs[0].Content)
	assert.Equal(t, "b@3", msgs[1].Content)
	assert.Equal(t, uint64(3), msgs[1].Revision)

	th, err := s.GetThread(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "b", th.ActiveMessageID)

	// Supersede rules survive the reopen.
	applied, err := s.Upsert(ctx, Message("t", "a", 7, true))
	require.NoError(t, err)
	assert.False(t, applied)
}

func testDeleteThread(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Upsert(ctx, Message("t", "m", 1, true))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Message("keep", "m", 1, true))
	require.NoError(t, err)

	sub := s.Subscribe("t")
	require.NoError(t, s.DeleteThread(ctx, "t"))

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed")
	}

	msgs, err := s.GetByThread(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = s.GetThread(ctx, "t")
	assert.ErrorIs(t, err, store.ErrNotFound)

	kept, err := s.GetByThread(ctx, "keep")
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	assert.ErrorIs(t, s.DeleteThread(ctx, "t"), store.ErrNotFound)
}

func testConcurrentUpserts(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(rev uint64) {
			defer wg.Done()
			_, err := s.Upsert(ctx, Message("t", "m", rev, true))
			assert.NoError(t, err)
		}(uint64(i))
	}
	wg.Wait()

	got, err := s.Get(ctx, "t", "m")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Revision)
}

func testInvalid(t *testing.T, open Opener) {
	s := open(t, t.TempDir())
	_, err := s.Upsert(context.Background(), &domain.Message{ID: "m", Role: domain.RoleUser})
	assert.Error(t, err)
}
