package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freelaince/syncbridge/internal/protocol"
	"github.com/freelaince/syncbridge/internal/telemetry"
)

// Sender is the slice of the controller the router needs: a guarded
// outbound send. Satisfied by *Controller.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Handler consumes one dispatched envelope. Exactly one handler is
// registered per message type.
type Handler func(env protocol.Envelope)

// Router classifies inbound frames by type and dispatches each to its
// registered handler, then broadcasts the envelope to every surface.
// Unknown types are logged and dropped, never fatal, never retried.
// Chat content is deduplicated in both directions.
type Router struct {
	sender  Sender
	hub     *Hub
	dedup   *protocol.DedupWindow
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler
}

func NewRouter(sender Sender, hub *Hub, logger zerolog.Logger, metrics *telemetry.Metrics) *Router {
	return &Router{
		sender:   sender,
		hub:      hub,
		dedup:    protocol.NewDedupWindow(0),
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[protocol.MessageType]Handler),
	}
}

// Handle registers the handler for a message type, replacing any
// previous registration.
func (r *Router) Handle(t protocol.MessageType, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		r.logger.Warn().Str("type", string(t)).Msg("replacing registered handler")
	}
	r.handlers[t] = h
}

// DispatchFrame processes one raw inbound frame: schema validation,
// decode, dedup for chat content, handler lookup, then surface
// broadcast. The handler runs before the broadcast so the cache is
// already current when a surface reacts to the event.
func (r *Router) DispatchFrame(data []byte) {
	if err := protocol.ValidateFrame(data); err != nil {
		r.metrics.FrameDropped("malformed")
		r.logger.Warn().Err(err).Msg("inbound frame failed validation")
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		r.metrics.FrameDropped("malformed")
		r.logger.Warn().Err(err).Msg("inbound frame failed decode")
		return
	}
	r.Dispatch(env)
}

// Dispatch routes an already-decoded envelope.
func (r *Router) Dispatch(env protocol.Envelope) {
	if !env.Type.Known() {
		r.metrics.FrameDropped("unknown_type")
		r.logger.Warn().Str("type", string(env.Type)).Msg("unknown envelope type dropped")
		return
	}
	if env.Type.Chat() {
		fp := protocol.Fingerprint(env.Sender, env.Message, time.UnixMilli(env.Timestamp))
		if !r.dedup.Observe(fp) {
			r.metrics.FrameDropped("duplicate")
			r.logger.Debug().Str("type", string(env.Type)).Msg("duplicate chat message dropped")
			return
		}
	}

	r.mu.RLock()
	handler := r.handlers[env.Type]
	r.mu.RUnlock()
	if handler != nil {
		handler(env)
	}
	r.metrics.FrameDispatched()

	if r.hub != nil {
		r.hub.Broadcast(SurfaceEvent{Kind: EnvelopeReceived, Envelope: env})
	}
}

// Send validates and forwards an outbound envelope to the controller.
// A duplicate chat envelope inside the dedup bucket is silently
// absorbed. When the channel is not Connected the send is rejected
// synchronously (the envelope is not queued) and a transient
// local notice is broadcast so the originating surface can show it.
func (r *Router) Send(env protocol.Envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if env.Type.Chat() {
		fp := protocol.Fingerprint(env.Sender, env.Message, time.UnixMilli(env.Timestamp))
		if !r.dedup.Observe(fp) {
			r.logger.Debug().Msg("duplicate outbound chat message dropped")
			return nil
		}
	}
	if err := r.sender.Send(env); err != nil {
		r.metrics.SendRejected()
		r.logger.Info().Str("type", string(env.Type)).Err(err).Msg("send rejected")
		if r.hub != nil {
			notice := protocol.New(protocol.TypeSystemMessage)
			notice.Message = "Not connected to the assistant server. Your message was not sent."
			r.hub.Broadcast(SurfaceEvent{Kind: LocalNotice, Envelope: notice})
		}
		return err
	}
	return nil
}
