package kvstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileState struct {
	Entries map[string]json.RawMessage `json:"entries"`
}

// FileStore persists the key space as one JSON document, written
// atomically via tmp+rename on every mutation. Suits the single-host,
// small-data profile of a personal assistant.
type FileStore struct {
	path     string
	mu       sync.Mutex
	entries  map[string][]byte
	watchers *watcherSet
	closed   bool
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		path:     path,
		entries:  make(map[string][]byte),
		watchers: newWatcherSet(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for key, value := range snapshot.Entries {
		s.entries[key] = append([]byte(nil), value...)
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	snapshot := fileState{Entries: make(map[string]json.RawMessage, len(s.entries))}
	for key, value := range s.entries {
		snapshot.Entries[key] = json.RawMessage(value)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Get(keys ...string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *FileStore) Set(entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := make(map[string][]byte, len(entries))
	applied := make([]Change, 0, len(entries))
	for key, value := range entries {
		if key == "" {
			continue
		}
		if old, ok := s.entries[key]; ok {
			previous[key] = old
		}
		s.entries[key] = append([]byte(nil), value...)
		applied = append(applied, Change{Key: key, Value: append([]byte(nil), value...)})
	}
	if err := s.saveLocked(); err != nil {
		for key := range entries {
			if old, ok := previous[key]; ok {
				s.entries[key] = old
			} else {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	for _, change := range applied {
		s.watchers.notify(change)
	}
	return nil
}

func (s *FileStore) Delete(keys ...string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := make(map[string][]byte, len(keys))
	applied := make([]Change, 0, len(keys))
	for _, key := range keys {
		if old, ok := s.entries[key]; ok {
			previous[key] = old
			delete(s.entries, key)
			applied = append(applied, Change{Key: key, Deleted: true})
		}
	}
	if len(applied) == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.saveLocked(); err != nil {
		for key, old := range previous {
			s.entries[key] = old
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	for _, change := range applied {
		s.watchers.notify(change)
	}
	return nil
}

func (s *FileStore) Watch(fn func(Change)) func() {
	return s.watchers.add(fn)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
