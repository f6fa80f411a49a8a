package jsonl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/store"
)

// Watch follows thread files written by another process (for example a
// server sharing the directory) and publishes the revisions it finds to
// local subscribers. It blocks until ctx is done or the store is closed.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(s.threadDir()); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.threadDir(), err)
	}

	s.mu.Lock()
	closed, watching := s.closed, s.watcher != nil
	if !closed && !watching {
		s.watcher = w
	}
	s.mu.Unlock()
	switch {
	case closed:
		w.Close()
		return store.ErrClosed
	case watching:
		w.Close()
		return errors.New("already watching")
	}

	slog.Info("Watching thread files", "dir", s.threadDir())
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.watcher == w {
				s.watcher = nil
			}
			s.mu.Unlock()
			w.Close()
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				if err := s.Refresh(ev.Name); err != nil {
					slog.Warn("Failed to refresh thread file", "path", ev.Name, "error", err)
				}
			case ev.Has(fsnotify.Remove):
				s.forget(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("Thread watcher error", "error", err)
		}
	}
}

// Refresh applies the records appended to a thread file since it was last
// read. A file that shrank (compacted by its writer) is reread in full.
func (s *Store) Refresh(path string) error {
	id, ok := threadIDFromFile(path)
	if !ok {
		return fmt.Errorf("not a thread file: %s", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	th, known := s.threads[id]
	if !known {
		th = &thread{
			meta: domain.Thread{ID: id},
			path: filepath.Join(s.threadDir(), filepath.Base(path)),
			msgs: make(map[string]*domain.Message),
		}
	}

	info, err := os.Stat(th.path)
	if err != nil {
		return err
	}
	offset := th.offset
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return nil
	}

	_, applied, err := th.readFrom(offset)
	if err != nil {
		return err
	}
	if !known {
		s.threads[id] = th
		if err := s.writeIndex(); err != nil {
			slog.Error("Failed to update thread index", "error", err)
		}
	}
	for _, m := range applied {
		s.hub.Publish(m)
	}
	return nil
}

func (s *Store) forget(path string) {
	id, ok := threadIDFromFile(path)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return
	}
	if _, err := os.Stat(filepath.Join(s.threadDir(), filepath.Base(path))); err == nil {
		// Replaced by a compaction rename.
		return
	}
	delete(s.threads, id)
	s.hub.CloseThread(id)
}
