// Package assistant implements the reference assistant server the
// sync daemon talks to: a websocket endpoint serving chat, the job
// offer board, and the calendar, with state persisted through the
// same key-value store the daemon uses.
package assistant

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freelaince/syncbridge/internal/kvstore"
	"github.com/freelaince/syncbridge/internal/protocol"
	"github.com/freelaince/syncbridge/internal/transport"
)

const writeTimeout = 5 * time.Second

type client struct {
	id string
	ch transport.Channel

	mu sync.Mutex
}

func (c *client) send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Write(ctx, data)
}

// Server accepts surface daemons over websocket and answers the full
// message vocabulary. One Server instance serves every client.
type Server struct {
	logger    zerolog.Logger
	dedup     *protocol.DedupWindow
	responder *responder
	offers    *offerBook
	schedule  *scheduleBook
	history   *historyLog

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

func NewServer(kv kvstore.Store, logger zerolog.Logger) (*Server, error) {
	offers, err := newOfferBook(kv)
	if err != nil {
		return nil, err
	}
	schedule, err := newScheduleBook(kv)
	if err != nil {
		return nil, err
	}
	history, err := newHistoryLog(kv)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:    logger,
		dedup:     protocol.NewDedupWindow(0),
		responder: newResponder(),
		offers:    offers,
		schedule:  schedule,
		history:   history,
		clients:   make(map[string]*client),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.HandleFunc("/ws", s.handleWS)
	// Plain ws clients often dial the root path.
	r.HandleFunc("/", s.handleWS)
	return r
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ch, err := transport.Accept(w, r)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{id: uuid.NewString()[:8], ch: ch}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ch.Close("server shutting down")
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info().Str("client_id", c.id).Msg("client connected")

	welcome := protocol.New(protocol.TypeBotResponse)
	welcome.Sender = "bot"
	welcome.Message = "Hello! I'm your freelance assistant. Ask me about your schedule, job offers, or type 'help'."
	if err := c.send(welcome); err != nil {
		s.drop(c, "welcome failed")
		return
	}

	for {
		data, err := ch.Read(r.Context())
		if err != nil {
			s.drop(c, "read failed")
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			notice := protocol.New(protocol.TypeSystemMessage)
			notice.Message = "Could not parse your last message."
			_ = c.send(notice)
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Server) drop(c *client, reason string) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if present {
		s.logger.Info().Str("client_id", c.id).Str("reason", reason).Msg("client disconnected")
	}
	_ = c.ch.Close(reason)
}

// broadcast sends to every connected client. Mutation acks go to all
// clients so every surface daemon re-fetches, not just the author.
func (s *Server) broadcast(env protocol.Envelope) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		if err := c.send(env); err != nil {
			s.drop(c, "broadcast write failed")
		}
	}
}

func (s *Server) dispatch(c *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChatMessage:
		s.handleChat(c, env)
	case protocol.TypeSyncHistory:
		s.handleSyncHistory(c)
	case protocol.TypeGetOffers:
		s.handleGetOffers(c)
	case protocol.TypeUpdateOfferStatus:
		s.handleUpdateOfferStatus(env)
	case protocol.TypeGetSchedule:
		s.handleGetSchedule(c)
	case protocol.TypeAddEvent:
		s.handleAddEvent(env)
	case protocol.TypeUpdateEvent:
		s.handleUpdateEvent(env)
	case protocol.TypeDeleteEvent:
		s.handleDeleteEvent(env)
	case protocol.TypeGetStatus:
		s.handleGetStatus(c)
	default:
		s.logger.Debug().Str("client_id", c.id).Str("type", string(env.Type)).Msg("ignoring unhandled message type")
	}
}

func (s *Server) handleChat(c *client, env protocol.Envelope) {
	fp := protocol.Fingerprint(env.Sender, env.Message, time.UnixMilli(env.Timestamp))
	if !s.dedup.Observe(fp) {
		s.logger.Debug().Str("client_id", c.id).Msg("dropping duplicate chat message")
		return
	}
	s.history.append("user", env.Message, c.id)
	for _, reply := range s.responder.respond(env.Message) {
		if reply.Type.Chat() {
			s.history.append("bot", reply.Message, c.id)
		}
		if err := c.send(reply); err != nil {
			s.drop(c, "reply write failed")
			return
		}
	}
}

func (s *Server) handleSyncHistory(c *client) {
	env := protocol.New(protocol.TypeConversationHistory)
	env.History = s.history.recent(historyReplayLimit)
	if err := c.send(env); err != nil {
		s.drop(c, "history write failed")
	}
}

func (s *Server) handleGetStatus(c *client) {
	env := protocol.New(protocol.TypeSystemMessage)
	env.Message = "connected"
	env.TotalCount = s.ClientCount()
	if err := c.send(env); err != nil {
		s.drop(c, "status write failed")
	}
}

// Shutdown tells every client the server is going away, then closes
// their channels.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	notice := protocol.New(protocol.TypeSystemMessage)
	notice.Message = "Assistant server is shutting down."
	for _, c := range targets {
		_ = c.send(notice)
		_ = c.ch.Close("server shutdown")
	}
	return ctx.Err()
}
