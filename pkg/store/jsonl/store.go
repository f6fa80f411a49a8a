// Package jsonl implements store.Store on append-only JSONL files: one file
// per thread, one line per applied message revision, plus an index.json that
// maps thread ids to their files.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/store"
)

// Store implements store.Store using JSONL files under a root directory.
// The whole dataset is cached in memory; the files are the durable log.
type Store struct {
	dir     string
	mu      sync.Mutex
	threads map[string]*thread
	hub     *store.Hub
	watcher *fsnotify.Watcher
	closed  bool
}

type thread struct {
	meta  domain.Thread
	path  string
	msgs  map[string]*domain.Message
	order []string
	// offset is the number of bytes of the file already applied.
	offset int64
}

// Index represents the index.json structure.
type Index struct {
	Threads []ThreadMeta `json:"threads"`
}

// ThreadMeta locates the file of one thread.
type ThreadMeta struct {
	ID   string `json:"id"`
	File string `json:"file"`
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// Open loads (or creates) the store rooted at dir. Thread files holding
// superseded revisions are compacted while loading.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:     dir,
		threads: make(map[string]*thread),
		hub:     store.NewHub(),
	}
	if err := os.MkdirAll(s.threadDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create threads directory: %w", err)
	}

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool)
	for _, meta := range idx.Threads {
		path := filepath.Join(s.threadDir(), meta.File)
		if _, err := os.Stat(path); err != nil {
			slog.Warn("Skipping indexed thread without file", "threadID", meta.ID, "file", meta.File, "error", err)
			continue
		}
		if err := s.loadThread(meta.ID, path); err != nil {
			return nil, err
		}
		known[meta.File] = true
	}

	// Files written by another process before it updated the index.
	files, err := filepath.Glob(filepath.Join(s.threadDir(), "*.jsonl"))
	if err != nil {
		return nil, err
	}
	repaired := false
	for _, path := range files {
		if known[filepath.Base(path)] {
			continue
		}
		id, ok := threadIDFromFile(path)
		if !ok {
			continue
		}
		if err := s.loadThread(id, path); err != nil {
			return nil, err
		}
		repaired = true
	}
	if repaired {
		if err := s.writeIndex(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) threadDir() string { return filepath.Join(s.dir, "threads") }

func fileName(threadID string) string { return url.PathEscape(threadID) + ".jsonl" }

func threadIDFromFile(path string) (string, bool) {
	id, err := url.PathUnescape(strings.TrimSuffix(filepath.Base(path), ".jsonl"))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func (s *Store) readIndex() (Index, error) {
	var idx Index
	data, err := os.ReadFile(filepath.Join(s.dir, "index.json"))
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("decoding index: %w", err)
	}
	return idx, nil
}

// writeIndex rewrites index.json from the cached threads. Callers hold s.mu
// (or own s exclusively, as Open does).
func (s *Store) writeIndex() error {
	var idx Index
	for id, th := range s.threads {
		idx.Threads = append(idx.Threads, ThreadMeta{ID: id, File: filepath.Base(th.path)})
	}
	sort.Slice(idx.Threads, func(i, j int) bool { return idx.Threads[i].ID < idx.Threads[j].ID })

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, "index.json"), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadThread reads a thread file from the start and compacts it when it
// holds superseded revisions.
func (s *Store) loadThread(id, path string) error {
	th := &thread{
		meta: domain.Thread{ID: id},
		path: path,
		msgs: make(map[string]*domain.Message),
	}
	lines, _, err := th.readFrom(0)
	if err != nil {
		return fmt.Errorf("loading thread %s: %w", id, err)
	}
	if lines > len(th.order) {
		if err := th.compact(); err != nil {
			return fmt.Errorf("compacting thread %s: %w", id, err)
		}
		slog.Debug("Compacted thread file", "threadID", id, "lines", lines, "messages", len(th.order))
	}
	s.threads[id] = th
	return nil
}

// readFrom applies the complete lines of the thread file after offset. It
// returns the number of lines read and the messages that were applied.
func (th *thread) readFrom(offset int64) (int, []*domain.Message, error) {
	f, err := os.Open(th.path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, nil, err
	}

	r := bufio.NewReader(f)
	lines := 0
	var applied []*domain.Message
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A partial trailing line is still being written.
			break
		}
		if err != nil {
			return lines, applied, err
		}
		offset += int64(len(line))
		lines++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m domain.Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("Skipping malformed thread record", "path", th.path, "error", err)
			continue
		}
		if m.ThreadID != th.meta.ID {
			slog.Warn("Skipping record of another thread", "path", th.path, "threadID", m.ThreadID)
			continue
		}
		if th.apply(&m) {
			applied = append(applied, &m)
		}
	}
	th.offset = offset
	return lines, applied, nil
}

// apply caches m if it supersedes the cached revision.
func (th *thread) apply(m *domain.Message) bool {
	prev := th.msgs[m.ID]
	if !domain.Supersedes(m, prev) {
		return false
	}
	if prev == nil {
		th.order = append(th.order, m.ID)
	}
	th.meta = store.NextThread(th.meta, m, prev == nil)
	th.msgs[m.ID] = m.Clone()
	return true
}

// compact rewrites the file with only the latest revision of each message.
func (th *thread) compact() error {
	var buf bytes.Buffer
	for _, id := range th.order {
		data, err := json.Marshal(th.msgs[id])
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(th.path, buf.Bytes()); err != nil {
		return err
	}
	th.offset = int64(buf.Len())
	return nil
}

func (th *thread) writeLine(m *domain.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(th.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	line := append(data, '\n')
	if size > 0 {
		// A torn trailing line left by a crash must not swallow this record.
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return err
		}
		if last[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}
	n, err := f.Write(line)
	if err != nil {
		return err
	}
	// Bytes this process has not applied yet stay behind the offset so the
	// next refresh reads them; re-reading our own line is a no-op.
	if size == th.offset {
		th.offset += int64(n)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, m *domain.Message) (bool, error) {
	if err := store.Validate(m); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}

	th, ok := s.threads[m.ThreadID]
	if !ok {
		th = &thread{
			meta: domain.Thread{ID: m.ThreadID},
			path: filepath.Join(s.threadDir(), fileName(m.ThreadID)),
			msgs: make(map[string]*domain.Message),
		}
	}
	if !domain.Supersedes(m, th.msgs[m.ID]) {
		return false, nil
	}
	if err := th.writeLine(m); err != nil {
		return false, fmt.Errorf("appending message %s: %w", m.ID, err)
	}
	th.apply(m)
	if !ok {
		s.threads[m.ThreadID] = th
		if err := s.writeIndex(); err != nil {
			slog.Error("Failed to update thread index", "error", err)
		}
	}

	s.hub.Publish(m)
	return true, nil
}

func (s *Store) Get(ctx context.Context, threadID, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[threadID]; ok {
		if m, ok := th.msgs[id]; ok {
			return m.Clone(), nil
		}
	}
	return nil, fmt.Errorf("message %s in thread %s: %w", id, threadID, store.ErrNotFound)
}

func (s *Store) GetByThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	msgs := make([]domain.Message, 0, len(th.order))
	for _, id := range th.order {
		msgs = append(msgs, *th.msgs[id].Clone())
	}
	return msgs, nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	meta := th.meta
	return &meta, nil
}

func (s *Store) ListThreads(ctx context.Context) ([]domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := make([]domain.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		threads = append(threads, th.meta)
	}
	slices.SortFunc(threads, func(a, b domain.Thread) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return threads, nil
}

func (s *Store) ListStreaming(ctx context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var msgs []domain.Message
	for _, tid := range ids {
		th := s.threads[tid]
		for _, id := range th.order {
			if m := th.msgs[id]; m.IsStreaming {
				msgs = append(msgs, *m.Clone())
			}
		}
	}
	return msgs, nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if err := os.Remove(th.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing thread file: %w", err)
	}
	delete(s.threads, threadID)
	if err := s.writeIndex(); err != nil {
		return err
	}
	s.hub.CloseThread(threadID)
	return nil
}

func (s *Store) Subscribe(threadID string) *store.Subscription {
	return s.hub.Subscribe(threadID)
}

// Close stops the watcher (if any) and closes every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.Close()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
