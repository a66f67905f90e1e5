package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freelaince/syncbridge/internal/protocol"
	"github.com/freelaince/syncbridge/internal/transport"
)

type fakeChannel struct {
	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{closed: make(chan struct{})}
}

func (c *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *fakeChannel) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) writtenTypes() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(c.writes))
	for _, frame := range c.writes {
		env, err := protocol.Decode(frame)
		if err == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	failing  bool
	channels []*fakeChannel
	addrs    []string
}

func (d *fakeDialer) Dial(_ context.Context, addr string) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, addr)
	if d.failing {
		return nil, errors.New("connection refused")
	}
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

func (d *fakeDialer) lastChannel() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *fakeDialer) setFailing(failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = failing
}

func newTestController(t *testing.T, dialer *fakeDialer, hub *Hub) *Controller {
	t.Helper()
	c := NewController(ControllerOptions{
		Addr:        "ws://primary.test",
		Dialer:      dialer,
		BaseDelay:   5 * time.Millisecond,
		MaxAttempts: 3,
		Hub:         hub,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	return c
}

func TestConnectEstablishesAndRequestsInitialSync(t *testing.T) {
	dialer := &fakeDialer{}
	hub := NewHub(zerolog.Nop(), nil)
	t.Cleanup(hub.Close)
	surface := hub.Register("test", 8)

	c := newTestController(t, dialer, hub)
	require.NoError(t, c.Connect())

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Attempts())

	ch := dialer.lastChannel()
	require.NotNil(t, ch)
	require.Eventually(t, func() bool { return len(ch.writtenTypes()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeSyncHistory,
		protocol.TypeGetSchedule,
		protocol.TypeGetOffers,
	}, ch.writtenTypes())

	got := <-surface.Events()
	assert.Equal(t, StatusChanged, got.Kind)
	assert.True(t, got.Connected)
}

func TestConnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestController(t, dialer, nil)

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	// Connected and Connecting states both swallow repeat calls.
	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
}

func TestRetryBudgetIsLinearAndBounded(t *testing.T) {
	dialer := &fakeDialer{failing: true}
	c := newTestController(t, dialer, nil)

	require.NoError(t, c.Connect())

	// One initial attempt plus MaxAttempts scheduled retries, then the
	// controller parks until a manual Connect.
	require.Eventually(t, func() bool { return dialer.dials() == 4 }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, dialer.dials())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 3, c.Attempts())

	// Manual reconnect starts over with a fresh budget.
	dialer.setFailing(false)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Attempts())
}

func TestSendRequiresConnection(t *testing.T) {
	c := newTestController(t, &fakeDialer{}, nil)
	err := c.Send(protocol.New(protocol.TypeChatMessage))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendWritesToChannel(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestController(t, dialer, nil)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	env := protocol.New(protocol.TypeChatMessage)
	env.Message = "hello"
	require.NoError(t, c.Send(env))

	types := dialer.lastChannel().writtenTypes()
	assert.Equal(t, protocol.TypeChatMessage, types[len(types)-1])
}

func TestDisconnectSuppressesRetries(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestController(t, dialer, nil)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
	assert.ErrorIs(t, c.Send(protocol.New(protocol.TypeChatMessage)), ErrNotConnected)
}

func TestChannelLossTriggersReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	hub := NewHub(zerolog.Nop(), nil)
	t.Cleanup(hub.Close)
	surface := hub.Register("test", 8)

	c := newTestController(t, dialer, hub)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	<-surface.Events() // connected

	// Server side drops the link.
	dialer.lastChannel().Close("remote hangup")

	got := <-surface.Events()
	assert.Equal(t, StatusChanged, got.Kind)
	assert.False(t, got.Connected)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, dialer.dials(), 2)
}

func TestSetAddressForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestController(t, dialer, nil)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	first := dialer.lastChannel()

	c.SetAddress("ws://secondary.test")
	require.Eventually(t, func() bool {
		return c.State() == StateConnected && dialer.lastChannel() != first
	}, time.Second, time.Millisecond)

	dialer.mu.Lock()
	lastAddr := dialer.addrs[len(dialer.addrs)-1]
	dialer.mu.Unlock()
	assert.Equal(t, "ws://secondary.test", lastAddr)

	// The superseded channel must not stay half-open.
	select {
	case <-first.closed:
	default:
		t.Fatal("previous channel left open after address change")
	}
}

func TestConnectRequiresAddress(t *testing.T) {
	c := NewController(ControllerOptions{Dialer: &fakeDialer{}, Logger: zerolog.Nop()})
	t.Cleanup(c.Close)
	assert.ErrorIs(t, c.Connect(), ErrMissingAddress)
}

func TestCloseRejectsFurtherConnects(t *testing.T) {
	c := newTestController(t, &fakeDialer{}, nil)
	c.Close()
	assert.ErrorIs(t, c.Connect(), ErrAlreadyClosed)
}
