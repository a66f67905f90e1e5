// Package cache holds the last-known state of calendar events and
// offers so surfaces can render while disconnected, and reconciles
// that state against server snapshots when connectivity returns.
//
// Reconciliation is last-writer-wins at the collection level: a
// server snapshot replaces the whole collection, and an
// offline-authored entity the server never saw is discarded by the
// next snapshot. Offline mutations are not replayed. This is a
// deliberate, documented policy for non-critical personal data.
package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freelaince/syncbridge/internal/kvstore"
	"github.com/freelaince/syncbridge/internal/protocol"
	"github.com/freelaince/syncbridge/internal/telemetry"
)

// Origin records who last wrote an entry.
type Origin string

const (
	OriginLocalOptimistic Origin = "local-optimistic"
	OriginServerConfirmed Origin = "server-confirmed"
)

const (
	keyEvents  = "cache/events"
	keyOffers  = "cache/offers"
	keyHistory = "cache/history"
)

// Entry wraps a cached value with its origin. Entries are overwritten
// wholesale on every authoritative update; there is no field-level
// merge.
type Entry[T any] struct {
	Value     T         `json:"value"`
	Origin    Origin    `json:"origin"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RefetchFunc asks the server for a fresh full collection. Bound to
// the router's Send in main; a nil func degrades to cache-only.
type RefetchFunc func(t protocol.MessageType)

// Store is the local cache. All reads are served from memory; every
// mutation is mirrored to the persistent key-value store so other
// surfaces and the next process start see it.
type Store struct {
	kv      kvstore.Store
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	events  map[string]Entry[protocol.CalendarEvent]
	offers  map[string]Entry[protocol.Offer]
	history []protocol.HistoryItem
	refetch RefetchFunc
}

func New(kv kvstore.Store, logger zerolog.Logger, metrics *telemetry.Metrics) (*Store, error) {
	s := &Store{
		kv:      kv,
		logger:  logger,
		metrics: metrics,
		events:  make(map[string]Entry[protocol.CalendarEvent]),
		offers:  make(map[string]Entry[protocol.Offer]),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) SetRefetch(fn RefetchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refetch = fn
}

func (s *Store) load() error {
	if s.kv == nil {
		return nil
	}
	values, err := s.kv.Get(keyEvents, keyOffers, keyHistory)
	if err != nil {
		return err
	}
	if data, ok := values[keyEvents]; ok {
		if err := json.Unmarshal(data, &s.events); err != nil {
			s.logger.Warn().Err(err).Msg("discarding unreadable cached events")
			s.events = make(map[string]Entry[protocol.CalendarEvent])
		}
	}
	if data, ok := values[keyOffers]; ok {
		if err := json.Unmarshal(data, &s.offers); err != nil {
			s.logger.Warn().Err(err).Msg("discarding unreadable cached offers")
			s.offers = make(map[string]Entry[protocol.Offer])
		}
	}
	if data, ok := values[keyHistory]; ok {
		if err := json.Unmarshal(data, &s.history); err != nil {
			s.history = nil
		}
	}
	return nil
}

func (s *Store) persistLocked(key string, value any) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.kv.Set(map[string][]byte{key: data}); err != nil {
		s.logger.Warn().Str("key", key).Err(err).Msg("cache persist failed")
	}
}

// Events returns the cached events sorted by start time.
func (s *Store) Events() []protocol.CalendarEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.CalendarEvent, 0, len(s.events))
	for _, entry := range s.events {
		out = append(out, entry.Value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Offers returns the cached offers sorted by id for stable rendering.
func (s *Store) Offers() []protocol.Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Offer, 0, len(s.offers))
	for _, entry := range s.offers {
		out = append(out, entry.Value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferID < out[j].OfferID })
	return out
}

func (s *Store) History() []protocol.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.HistoryItem(nil), s.history...)
}

// Event looks one event up along with its origin.
func (s *Store) Event(id string) (protocol.CalendarEvent, Origin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.events[id]
	return entry.Value, entry.Origin, ok
}

func (s *Store) Offer(id string) (protocol.Offer, Origin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.offers[id]
	return entry.Value, entry.Origin, ok
}

// PutEvent applies a local optimistic write. Validation failures are
// surfaced synchronously to the originating action and never reach
// the transport layer.
func (s *Store) PutEvent(event protocol.CalendarEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.ID == "" {
		return protocol.ErrInvalidInput
	}
	s.mu.Lock()
	s.events[event.ID] = Entry[protocol.CalendarEvent]{
		Value:     event,
		Origin:    OriginLocalOptimistic,
		UpdatedAt: time.Now().UTC(),
	}
	s.persistLocked(keyEvents, s.events)
	s.mu.Unlock()
	return nil
}

// DeleteEvent removes an event locally.
func (s *Store) DeleteEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return kvstore.ErrNotFound
	}
	delete(s.events, id)
	s.persistLocked(keyEvents, s.events)
	return nil
}

// PutOfferStatus applies a local optimistic status change.
func (s *Store) PutOfferStatus(id string, status protocol.OfferStatus) error {
	if !status.Valid() {
		return protocol.ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.offers[id]
	if !ok {
		return kvstore.ErrNotFound
	}
	entry.Value.Status = status
	entry.Origin = OriginLocalOptimistic
	entry.UpdatedAt = time.Now().UTC()
	s.offers[id] = entry
	s.persistLocked(keyOffers, s.offers)
	return nil
}

// ApplyScheduleSnapshot replaces the whole events collection with the
// server's view. Optimistic entries absent from the snapshot are
// gone afterwards.
func (s *Store) ApplyScheduleSnapshot(events []protocol.CalendarEvent) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.events = make(map[string]Entry[protocol.CalendarEvent], len(events))
	for _, event := range events {
		if event.ID == "" {
			continue
		}
		s.events[event.ID] = Entry[protocol.CalendarEvent]{Value: event, Origin: OriginServerConfirmed, UpdatedAt: now}
	}
	s.persistLocked(keyEvents, s.events)
	s.mu.Unlock()
	s.metrics.SnapshotApplied("events")
}

// ApplyOffersSnapshot replaces the whole offers collection.
func (s *Store) ApplyOffersSnapshot(offers []protocol.Offer) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.offers = make(map[string]Entry[protocol.Offer], len(offers))
	for _, offer := range offers {
		if offer.OfferID == "" {
			continue
		}
		s.offers[offer.OfferID] = Entry[protocol.Offer]{Value: offer, Origin: OriginServerConfirmed, UpdatedAt: now}
	}
	s.persistLocked(keyOffers, s.offers)
	s.mu.Unlock()
	s.metrics.SnapshotApplied("offers")
}

// ApplyHistory stores the server's conversation history snapshot.
func (s *Store) ApplyHistory(items []protocol.HistoryItem) {
	s.mu.Lock()
	s.history = append([]protocol.HistoryItem(nil), items...)
	s.persistLocked(keyHistory, s.history)
	s.mu.Unlock()
}

// HandleEnvelope is the reconciler's router handler. Snapshots do a
// full replace; successful mutation acks trigger a targeted re-fetch
// of the whole collection instead of an incremental patch, trading
// bandwidth for freedom from drift.
func (s *Store) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeScheduleData:
		s.ApplyScheduleSnapshot(env.Events)
	case protocol.TypeOffersData:
		s.ApplyOffersSnapshot(env.Offers)
	case protocol.TypeConversationHistory:
		s.ApplyHistory(env.History)
	case protocol.TypeEventAdded, protocol.TypeEventUpdated, protocol.TypeEventDeleted:
		if env.Ok() {
			s.triggerRefetch(protocol.TypeGetSchedule)
		} else {
			s.logger.Warn().Str("type", string(env.Type)).Str("reason", env.Message).Msg("event mutation rejected by server")
		}
	case protocol.TypeOfferStatusUpdated:
		if env.Ok() {
			s.triggerRefetch(protocol.TypeGetOffers)
		} else {
			s.logger.Warn().Str("offer_id", env.OfferID).Str("reason", env.Error).Msg("offer mutation rejected by server")
		}
	}
}

func (s *Store) triggerRefetch(t protocol.MessageType) {
	s.mu.RLock()
	fn := s.refetch
	s.mu.RUnlock()
	if fn != nil {
		fn(t)
	}
}
