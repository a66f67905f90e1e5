// Package kvstore is the persistent key-value store shared by all
// surfaces in a process: settings, mirrored UI state and the cached
// entity collections live here. Multiple writers race without
// write-write protection (last writer wins) and other surfaces
// observe changes through the Watch subscription, which is the only
// pub/sub boundary the store offers.
package kvstore

import (
	"errors"
	"sync"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("store closed")
)

// Change describes one mutated key.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

type Store interface {
	// Get returns the values for the requested keys; absent keys are
	// simply missing from the result map.
	Get(keys ...string) (map[string][]byte, error)
	// Set writes all entries. Watchers fire once per key.
	Set(entries map[string][]byte) error
	// Delete removes the keys that exist.
	Delete(keys ...string) error
	// Watch subscribes to every subsequent change. The returned
	// function cancels the subscription.
	Watch(fn func(Change)) func()
	Close() error
}

// watcherSet is the in-process change-notification fanout shared by
// every backend.
type watcherSet struct {
	mu       sync.Mutex
	nextID   int
	watchers map[int]func(Change)
}

func newWatcherSet() *watcherSet {
	return &watcherSet{watchers: make(map[int]func(Change))}
}

func (w *watcherSet) add(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.watchers[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.watchers, id)
		w.mu.Unlock()
	}
}

func (w *watcherSet) notify(change Change) {
	w.mu.Lock()
	fns := make([]func(Change), 0, len(w.watchers))
	for _, fn := range w.watchers {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// MemoryStore keeps everything in process memory. Used by tests and
// as the fallback when no DSN is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string][]byte
	watchers *watcherSet
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string][]byte),
		watchers: newWatcherSet(),
	}
}

func (s *MemoryStore) Get(keys ...string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.entries[key]; ok {
			out[key] = append([]byte(nil), value...)
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changes := make([]Change, 0, len(entries))
	for key, value := range entries {
		if key == "" {
			continue
		}
		s.entries[key] = append([]byte(nil), value...)
		changes = append(changes, Change{Key: key, Value: append([]byte(nil), value...)})
	}
	s.mu.Unlock()
	for _, change := range changes {
		s.watchers.notify(change)
	}
	return nil
}

func (s *MemoryStore) Delete(keys ...string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changes := make([]Change, 0, len(keys))
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			changes = append(changes, Change{Key: key, Deleted: true})
		}
	}
	s.mu.Unlock()
	for _, change := range changes {
		s.watchers.notify(change)
	}
	return nil
}

func (s *MemoryStore) Watch(fn func(Change)) func() {
	return s.watchers.add(fn)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
