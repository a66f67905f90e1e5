package bridge

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/freelaince/syncbridge/internal/protocol"
	"github.com/freelaince/syncbridge/internal/telemetry"
)

// SurfaceEventKind discriminates the events a surface can receive.
type SurfaceEventKind int

const (
	// EnvelopeReceived carries an inbound envelope from the server.
	EnvelopeReceived SurfaceEventKind = iota
	// StatusChanged carries a connection-state transition.
	StatusChanged
	// LocalNotice carries a locally generated, transient
	// notification (for example a rejected send). It never touched
	// the wire.
	LocalNotice
)

type SurfaceEvent struct {
	Kind      SurfaceEventKind
	Envelope  protocol.Envelope
	Connected bool
}

// Surface is one registered UI execution context. Events are
// delivered on a buffered channel; a surface that stops draining
// loses events rather than blocking the dispatcher, and converges by
// re-reading the cache on its next activation.
type Surface struct {
	ID     string
	events chan SurfaceEvent
}

func (s *Surface) Events() <-chan SurfaceEvent {
	return s.events
}

// Hub fans events out to every registered surface, not only the
// foreground one. Surfaces register on creation and unregister on
// teardown; dispatch iterates all of them unconditionally.
type Hub struct {
	mu       sync.RWMutex
	surfaces map[string]*Surface
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

func NewHub(logger zerolog.Logger, metrics *telemetry.Metrics) *Hub {
	return &Hub{
		surfaces: make(map[string]*Surface),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register creates a surface with the given buffer size and starts
// delivering events to it. Registering an existing ID replaces the
// previous registration.
func (h *Hub) Register(id string, buffer int) *Surface {
	if buffer <= 0 {
		buffer = 32
	}
	surface := &Surface{ID: id, events: make(chan SurfaceEvent, buffer)}
	h.mu.Lock()
	h.surfaces[id] = surface
	h.mu.Unlock()
	return surface
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.surfaces, id)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.surfaces)
}

func (h *Hub) Broadcast(event SurfaceEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, surface := range h.surfaces {
		select {
		case surface.events <- event:
			h.metrics.BroadcastDelivered()
		default:
			h.metrics.BroadcastDropped()
			h.logger.Debug().Str("surface", surface.ID).Msg("surface buffer full, event dropped")
		}
	}
}

// Close unregisters every surface and closes its event channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, surface := range h.surfaces {
		close(surface.events)
		delete(h.surfaces, id)
	}
}
