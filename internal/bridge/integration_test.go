package bridge_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freelaince/syncbridge/internal/assistant"
	"github.com/freelaince/syncbridge/internal/bridge"
	"github.com/freelaince/syncbridge/internal/cache"
	"github.com/freelaince/syncbridge/internal/kvstore"
	"github.com/freelaince/syncbridge/internal/protocol"
)

// daemonStack wires the controller, router, hub and cache exactly the
// way the daemon binary does.
type daemonStack struct {
	ctrl   *bridge.Controller
	router *bridge.Router
	hub    *bridge.Hub
	store  *cache.Store
}

func startStack(t *testing.T, addr string) *daemonStack {
	t.Helper()
	logger := zerolog.Nop()

	store, err := cache.New(kvstore.NewMemoryStore(), logger, nil)
	require.NoError(t, err)

	hub := bridge.NewHub(logger, nil)
	t.Cleanup(hub.Close)

	ctrl := bridge.NewController(bridge.ControllerOptions{
		Addr:        addr,
		BaseDelay:   20 * time.Millisecond,
		MaxAttempts: 5,
		Hub:         hub,
		Logger:      logger,
	})
	t.Cleanup(ctrl.Close)

	router := bridge.NewRouter(ctrl, hub, logger, nil)
	ctrl.SetFrameHandler(router.DispatchFrame)
	for _, mt := range []protocol.MessageType{
		protocol.TypeScheduleData,
		protocol.TypeOffersData,
		protocol.TypeConversationHistory,
		protocol.TypeEventAdded,
		protocol.TypeEventUpdated,
		protocol.TypeEventDeleted,
		protocol.TypeOfferStatusUpdated,
	} {
		router.Handle(mt, store.HandleEnvelope)
	}
	store.SetRefetch(func(mt protocol.MessageType) {
		_ = router.Send(protocol.New(mt))
	})

	return &daemonStack{ctrl: ctrl, router: router, hub: hub, store: store}
}

func startAssistant(t *testing.T) string {
	t.Helper()
	server, err := assistant.NewServer(kvstore.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestDaemonSyncsOnConnect(t *testing.T) {
	addr := startAssistant(t)
	stack := startStack(t, addr)

	require.NoError(t, stack.ctrl.Connect())
	require.Eventually(t, func() bool {
		return stack.ctrl.State() == bridge.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	// The initial sync pulls the seeded offer board into the cache.
	require.Eventually(t, func() bool {
		return len(stack.store.Offers()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	for _, offer := range stack.store.Offers() {
		assert.Equal(t, protocol.OfferPending, offer.Status)
	}
}

func TestMutationAckRefreshesCache(t *testing.T) {
	addr := startAssistant(t)
	stack := startStack(t, addr)
	require.NoError(t, stack.ctrl.Connect())
	require.Eventually(t, func() bool {
		return len(stack.store.Offers()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	offerID := stack.store.Offers()[0].OfferID

	update := protocol.New(protocol.TypeUpdateOfferStatus)
	update.OfferID = offerID
	update.Status = protocol.OfferAccepted
	require.NoError(t, stack.router.Send(update))

	// Ack arrives, triggers a get_offers re-fetch, and the confirmed
	// snapshot lands in the cache.
	require.Eventually(t, func() bool {
		offer, origin, ok := stack.store.Offer(offerID)
		return ok && offer.Status == protocol.OfferAccepted && origin == cache.OriginServerConfirmed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventRoundTripWithConflictAnnotation(t *testing.T) {
	addr := startAssistant(t)
	stack := startStack(t, addr)
	surface := stack.hub.Register("popup", 64)
	require.NoError(t, stack.ctrl.Connect())
	require.Eventually(t, func() bool {
		return stack.ctrl.State() == bridge.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	add := protocol.New(protocol.TypeAddEvent)
	add.Event = &protocol.CalendarEvent{Title: "Kickoff", StartTime: base, EndTime: base.Add(time.Hour)}
	require.NoError(t, stack.router.Send(add))

	require.Eventually(t, func() bool {
		return len(stack.store.Events()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	overlap := protocol.New(protocol.TypeAddEvent)
	overlap.Event = &protocol.CalendarEvent{Title: "Review", StartTime: base.Add(30 * time.Minute), EndTime: base.Add(2 * time.Hour)}
	require.NoError(t, stack.router.Send(overlap))

	// The surface observes the ack with the conflict annotation.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-surface.Events():
			if event.Kind == bridge.EnvelopeReceived &&
				event.Envelope.Type == protocol.TypeEventAdded &&
				len(event.Envelope.Conflicts) == 1 {
				assert.Equal(t, "Kickoff", event.Envelope.Conflicts[0].Title)
				return
			}
		case <-deadline:
			t.Fatal("conflict-annotated ack never reached the surface")
		}
	}
}

func TestSendWhileDisconnectedNotifiesSurface(t *testing.T) {
	stack := startStack(t, "ws://127.0.0.1:1") // nothing listens here
	surface := stack.hub.Register("sidebar", 16)

	chat := protocol.New(protocol.TypeChatMessage)
	chat.Sender = "user"
	chat.Message = "anyone home?"
	err := stack.router.Send(chat)
	require.ErrorIs(t, err, bridge.ErrNotConnected)

	got := <-surface.Events()
	assert.Equal(t, bridge.LocalNotice, got.Kind)
	assert.Equal(t, protocol.TypeSystemMessage, got.Envelope.Type)
}
