package cache

import (
	"github.com/freelaince/syncbridge/internal/protocol"
)

// Overlaps reports whether two distinct events occupy overlapping
// time. Open-interval semantics: back-to-back events sharing an
// endpoint do not conflict, and an event never conflicts with itself.
func Overlaps(a, b protocol.CalendarEvent) bool {
	if a.ID == b.ID {
		return false
	}
	return a.StartTime.Before(b.EndTime) && a.EndTime.After(b.StartTime)
}

// FindConflicts returns every event in the slice overlapping the
// target. Purely advisory; a conflicting event can still be saved.
func FindConflicts(events []protocol.CalendarEvent, target protocol.CalendarEvent) []protocol.CalendarEvent {
	var conflicts []protocol.CalendarEvent
	for _, event := range events {
		if Overlaps(event, target) {
			conflicts = append(conflicts, event)
		}
	}
	return conflicts
}

// Conflicts returns the cached events overlapping the event with the
// given id.
func (s *Store) Conflicts(id string) []protocol.CalendarEvent {
	target, _, ok := s.Event(id)
	if !ok {
		return nil
	}
	return FindConflicts(s.Events(), target)
}
