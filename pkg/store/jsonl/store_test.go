package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/ideacheck/pkg/store"
	"github.com/nstogner/ideacheck/pkg/store/storetest"
)

func openTestStore(t *testing.T, dir string) store.Store {
	t.Helper()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, openTestStore)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestCompactionOnLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	for rev := uint64(1); rev <= 5; rev++ {
		_, err := s.Upsert(ctx, storetest.Message("th", "m", rev, rev < 5))
		require.NoError(t, err)
	}
	_, err = s.Upsert(ctx, storetest.Message("th", "n", 1, true))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "threads", "th.jsonl")
	assert.Equal(t, 6, countLines(t, path))

	s2 := openTestStore(t, dir)
	assert.Equal(t, 2, countLines(t, path))

	msgs, err := s2.GetByThread(ctx, "th")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m@5", msgs[0].Content)
	assert.Equal(t, "n", msgs[1].ID)
}

func TestIndexAndEscapedThreadIDs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir)
	_, err := s.Upsert(ctx, storetest.Message("team/alpha", "m", 1, false))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var idx Index
	require.NoError(t, json.Unmarshal(data, &idx))
	require.Len(t, idx.Threads, 1)
	assert.Equal(t, "team/alpha", idx.Threads[0].ID)
	assert.Equal(t, "team%2Falpha.jsonl", idx.Threads[0].File)

	require.NoError(t, s.DeleteThread(ctx, "team/alpha"))
	data, err = os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	idx = Index{}
	require.NoError(t, json.Unmarshal(data, &idx))
	assert.Empty(t, idx.Threads)
}

func TestOpenRepairsIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "threads"), 0755))

	line, err := json.Marshal(storetest.Message("orphan", "m", 1, true))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "threads", "orphan.jsonl"), append(line, '\n'), 0644))

	s := openTestStore(t, dir)
	msgs, err := s.GetByThread(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = os.Stat(filepath.Join(dir, "index.json"))
	assert.NoError(t, err)
}

func TestMalformedAndPartialLines(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "threads"), 0755))

	good, err := json.Marshal(storetest.Message("t", "m", 1, true))
	require.NoError(t, err)
	content := "not json\n" + string(good) + "\n" + `{"id":"half`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "threads", "t.jsonl"), []byte(content), 0644))

	s := openTestStore(t, dir)
	msgs, err := s.GetByThread(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m", msgs[0].ID)
}

func TestWriteAfterTornLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, storetest.Message("t", "m", 1, true))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A crash mid-append leaves half a record behind.
	path := filepath.Join(dir, "threads", "t.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"m","thread_id":"t","con`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	applied, err := s.Upsert(ctx, storetest.Message("t", "m", 2, false))
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir)
	got, err := s2.Get(ctx, "t", "m")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Revision)
	assert.False(t, got.IsStreaming)
	assert.Equal(t, 1, countLines(t, path))
}

func TestRefreshFollowsOtherWriter(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	writer := openTestStore(t, dir)
	reader := openTestStore(t, dir)

	sub := reader.Subscribe("t")
	defer sub.Close()

	_, err := writer.Upsert(ctx, storetest.Message("t", "m", 1, true))
	require.NoError(t, err)
	_, err = writer.Upsert(ctx, storetest.Message("t", "m", 2, false))
	require.NoError(t, err)

	path := filepath.Join(dir, "threads", "t.jsonl")
	require.NoError(t, reader.(*Store).Refresh(path))

	got, err := reader.Get(ctx, "t", "m")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Revision)
	assert.Len(t, sub.C, 2)

	// Nothing new: no republish.
	require.NoError(t, reader.(*Store).Refresh(path))
	assert.Len(t, sub.C, 2)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := openTestStore(t, dir)
	reader := openTestStore(t, dir).(*Store)

	sub := reader.Subscribe("t")
	defer sub.Close()

	errc := make(chan error, 1)
	go func() { errc <- reader.Watch(ctx) }()

	// The watcher registers asynchronously; keep writing newer revisions
	// until one is observed.
	deadline := time.After(10 * time.Second)
	for rev := uint64(1); ; rev++ {
		_, err := writer.Upsert(context.Background(), storetest.Message("t", "m", rev, true))
		require.NoError(t, err)
		select {
		case m := <-sub.C:
			assert.Equal(t, "t", m.ThreadID)
			cancel()
			require.ErrorIs(t, <-errc, context.Canceled)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("watcher did not publish")
		}
	}
}
