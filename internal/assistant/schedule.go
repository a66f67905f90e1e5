package assistant

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/freelaince/syncbridge/internal/cache"
	"github.com/freelaince/syncbridge/internal/kvstore"
	"github.com/freelaince/syncbridge/internal/protocol"
)

const keySchedule = "assistant/schedule"

// scheduleBook is the server-side calendar. Overlapping events are
// allowed; conflicts are reported back on the ack, never enforced.
type scheduleBook struct {
	kv kvstore.Store

	mu     sync.Mutex
	events map[string]protocol.CalendarEvent
}

func newScheduleBook(kv kvstore.Store) (*scheduleBook, error) {
	b := &scheduleBook{kv: kv, events: make(map[string]protocol.CalendarEvent)}
	values, err := kv.Get(keySchedule)
	if err != nil {
		return nil, err
	}
	if data, ok := values[keySchedule]; ok {
		if err := json.Unmarshal(data, &b.events); err != nil {
			b.events = make(map[string]protocol.CalendarEvent)
		}
	}
	return b, nil
}

func (b *scheduleBook) persistLocked() error {
	data, err := json.Marshal(b.events)
	if err != nil {
		return err
	}
	return b.kv.Set(map[string][]byte{keySchedule: data})
}

func (b *scheduleBook) list() []protocol.CalendarEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.CalendarEvent, 0, len(b.events))
	for _, event := range b.events {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// add validates and stores a new event, returning the stored event and
// the overlapping events already on the calendar.
func (b *scheduleBook) add(event protocol.CalendarEvent) (protocol.CalendarEvent, []protocol.CalendarEvent, error) {
	if err := event.Validate(); err != nil {
		return protocol.CalendarEvent{}, nil, err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	conflicts := b.conflictsLocked(event)
	b.events[event.ID] = event
	if err := b.persistLocked(); err != nil {
		delete(b.events, event.ID)
		return protocol.CalendarEvent{}, nil, err
	}
	return event, conflicts, nil
}

func (b *scheduleBook) update(event protocol.CalendarEvent) ([]protocol.CalendarEvent, error) {
	if event.ID == "" {
		return nil, protocol.ErrInvalidInput
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, ok := b.events[event.ID]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	conflicts := b.conflictsLocked(event)
	b.events[event.ID] = event
	if err := b.persistLocked(); err != nil {
		b.events[event.ID] = previous
		return nil, err
	}
	return conflicts, nil
}

func (b *scheduleBook) remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, ok := b.events[id]
	if !ok {
		return kvstore.ErrNotFound
	}
	delete(b.events, id)
	if err := b.persistLocked(); err != nil {
		b.events[id] = previous
		return err
	}
	return nil
}

func (b *scheduleBook) conflictsLocked(target protocol.CalendarEvent) []protocol.CalendarEvent {
	all := make([]protocol.CalendarEvent, 0, len(b.events))
	for _, event := range b.events {
		all = append(all, event)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.Before(all[j].StartTime) })
	return cache.FindConflicts(all, target)
}

func (s *Server) handleGetSchedule(c *client) {
	env := protocol.New(protocol.TypeScheduleData)
	env.Events = s.schedule.list()
	env.TotalCount = len(env.Events)
	if err := c.send(env); err != nil {
		s.drop(c, "schedule write failed")
	}
}

func (s *Server) handleAddEvent(req protocol.Envelope) {
	ack := protocol.New(protocol.TypeEventAdded)
	if req.Event == nil {
		ack.Success = protocol.BoolPtr(false)
		ack.Error = protocol.ErrInvalidInput.Error()
		s.broadcast(ack)
		return
	}
	stored, conflicts, err := s.schedule.add(*req.Event)
	if err != nil {
		ack.Success = protocol.BoolPtr(false)
		ack.Error = err.Error()
	} else {
		ack.Success = protocol.BoolPtr(true)
		ack.Event = &stored
		ack.EventID = stored.ID
		ack.Conflicts = conflicts
	}
	s.broadcast(ack)
}

func (s *Server) handleUpdateEvent(req protocol.Envelope) {
	ack := protocol.New(protocol.TypeEventUpdated)
	if req.Event == nil {
		ack.Success = protocol.BoolPtr(false)
		ack.Error = protocol.ErrInvalidInput.Error()
		s.broadcast(ack)
		return
	}
	conflicts, err := s.schedule.update(*req.Event)
	if err != nil {
		ack.Success = protocol.BoolPtr(false)
		ack.Error = err.Error()
	} else {
		ack.Success = protocol.BoolPtr(true)
		ack.Event = req.Event
		ack.EventID = req.Event.ID
		ack.Conflicts = conflicts
	}
	s.broadcast(ack)
}

func (s *Server) handleDeleteEvent(req protocol.Envelope) {
	ack := protocol.New(protocol.TypeEventDeleted)
	ack.EventID = req.EventID
	if err := s.schedule.remove(req.EventID); err != nil {
		ack.Success = protocol.BoolPtr(false)
		ack.Error = err.Error()
	} else {
		ack.Success = protocol.BoolPtr(true)
	}
	s.broadcast(ack)
}
