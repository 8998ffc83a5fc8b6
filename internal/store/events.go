package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	appLog "inksync/internal/log"
	"inksync/internal/model"
)

// Events persists one JSON collection of normalized events per source
// under <dir>/<source>.json.
//
// Reads never fail: a missing or corrupt collection degrades to an
// empty list, so a damaged file is equivalent to "no events yet".
// Writers for a given source serialize on a per-source mutex; each
// write is an atomic full-file replace.
type Events struct {
	dir string

	mu sync.Mutex // guards locks
	// one writer lock per source
	locks map[model.Source]*sync.Mutex
}

// NewEvents creates an event store rooted at dir.
func NewEvents(dir string) *Events {
	return &Events{
		dir:   dir,
		locks: make(map[model.Source]*sync.Mutex),
	}
}

func (s *Events) sourceLock(src model.Source) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[src]
	if !ok {
		l = &sync.Mutex{}
		s.locks[src] = l
	}
	return l
}

func (s *Events) path(src model.Source) string {
	return filepath.Join(s.dir, string(src)+".json")
}

// ReadAll returns the current collection for src. A missing or
// unreadable file yields an empty slice, never an error.
func (s *Events) ReadAll(src model.Source) []model.Event {
	data, err := os.ReadFile(s.path(src))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("event collection unreadable, treating as empty", "source", string(src), "err", err)
		}
		return []model.Event{}
	}

	var events []model.Event
	if err := json.Unmarshal(data, &events); err != nil {
		appLog.Warn("event collection corrupt, treating as empty", "source", string(src), "err", err)
		return []model.Event{}
	}
	if events == nil {
		events = []model.Event{}
	}
	return events
}

// ReplaceAll atomically overwrites the whole collection for src.
func (s *Events) ReplaceAll(src model.Source, events []model.Event) error {
	l := s.sourceLock(src)
	l.Lock()
	defer l.Unlock()
	return s.write(src, events)
}

// Append adds one event to the internal-origin collection.
func (s *Events) Append(src model.Source, ev model.Event) error {
	l := s.sourceLock(src)
	l.Lock()
	defer l.Unlock()

	events := s.ReadAll(src)
	events = append(events, ev)
	return s.write(src, events)
}

// RemoveByID deletes the event with the given id from src. It reports
// whether an event was actually removed.
func (s *Events) RemoveByID(src model.Source, id string) (bool, error) {
	l := s.sourceLock(src)
	l.Lock()
	defer l.Unlock()

	events := s.ReadAll(src)
	kept := events[:0]
	removed := false
	for _, ev := range events {
		if ev.ID == id {
			removed = true
			continue
		}
		kept = append(kept, ev)
	}
	if !removed {
		return false, nil
	}
	return true, s.write(src, kept)
}

// Clear removes the whole collection for src. Used on provider logout.
// Safe to call when no collection exists.
func (s *Events) Clear(src model.Source) error {
	l := s.sourceLock(src)
	l.Lock()
	defer l.Unlock()

	err := os.Remove(s.path(src))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Events) write(src model.Source, events []model.Event) error {
	if events == nil {
		events = []model.Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path(src), data, 0o600)
}
