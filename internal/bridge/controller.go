// Package bridge holds the connection and synchronization core: the
// reconnection controller that owns the transport channel lifecycle,
// the message router that classifies envelopes, and the hub that fans
// events out to registered surfaces.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freelaince/syncbridge/internal/protocol"
	"github.com/freelaince/syncbridge/internal/telemetry"
	"github.com/freelaince/syncbridge/internal/transport"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyClosed  = errors.New("controller closed")
	ErrMissingAddress = errors.New("missing server address")
)

// ConnState is owned exclusively by the controller. Everything else
// reads it; transitions here are the single source of truth for
// whether outbound sends are permitted.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultBaseDelay      = time.Second
	defaultMaxAttempts    = 5
	defaultConnectTimeout = 5 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

type ControllerOptions struct {
	Addr           string
	Dialer         transport.Dialer
	BaseDelay      time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// StatusPollInterval re-broadcasts the current state as a push
	// fallback; zero disables the poller.
	StatusPollInterval time.Duration
	Hub                *Hub
	Logger             zerolog.Logger
	Metrics            *telemetry.Metrics
}

// Controller establishes, monitors and recreates the transport
// channel. One instance lives in the long-running process and is
// injected into the router; it is never an ambient singleton.
//
// Retry policy: after a disconnect that was not requested by the
// user, the k-th retry fires after BaseDelay*k, up to MaxAttempts.
// Past the ceiling the controller stays Disconnected until a manual
// Connect.
type Controller struct {
	dialer         transport.Dialer
	baseDelay      time.Duration
	maxAttempts    int
	connectTimeout time.Duration
	writeTimeout   time.Duration
	pollInterval   time.Duration
	hub            *Hub
	logger         zerolog.Logger
	metrics        *telemetry.Metrics

	mu         sync.Mutex
	addr       string
	state      ConnState
	ch         transport.Channel
	attempts   int
	manualStop bool
	closed     bool
	gen        uint64
	retryTimer *time.Timer

	onFrame func([]byte)

	pollStop chan struct{}
	pollOnce sync.Once
	wg       sync.WaitGroup
}

func NewController(opts ControllerOptions) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebSocketDialer()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	c := &Controller{
		dialer:         opts.Dialer,
		baseDelay:      opts.BaseDelay,
		maxAttempts:    opts.MaxAttempts,
		connectTimeout: opts.ConnectTimeout,
		writeTimeout:   opts.WriteTimeout,
		pollInterval:   opts.StatusPollInterval,
		hub:            opts.Hub,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		addr:           opts.Addr,
		state:          StateDisconnected,
		pollStop:       make(chan struct{}),
	}
	if c.pollInterval > 0 {
		c.wg.Add(1)
		go c.statusPollLoop()
	}
	return c
}

// SetFrameHandler wires inbound frames to the router. Must be called
// before Connect.
func (c *Controller) SetFrameHandler(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts reports the current retry attempt counter.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect starts a connection attempt. It is idempotent: calling it
// while Connecting or Connected produces no new channel and no state
// change. A manual Connect also resets the retry budget.
func (c *Controller) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.addr == "" {
		c.mu.Unlock()
		return ErrMissingAddress
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.manualStop = false
	c.attempts = 0
	c.stopRetryTimerLocked()
	c.startAttemptLocked()
	c.mu.Unlock()
	return nil
}

// startAttemptLocked transitions Disconnected -> Connecting and kicks
// off the dial goroutine. Caller holds c.mu.
func (c *Controller) startAttemptLocked() {
	c.state = StateConnecting
	c.metrics.SetConnState(1)
	c.metrics.ConnectAttempt()
	c.gen++
	gen := c.gen
	addr := c.addr
	c.wg.Add(1)
	go c.dial(gen, addr)
}

func (c *Controller) dial(gen uint64, addr string) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()

	ch, err := c.dialer.Dial(ctx, addr)
	if err != nil {
		c.logger.Info().Str("addr", addr).Err(err).Msg("connect failed")
		c.channelDown(gen, false)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// The attempt was superseded (timeout already fired, manual
		// disconnect, or address change). Force the half-open
		// channel closed.
		c.mu.Unlock()
		_ = ch.Close("superseded")
		return
	}
	c.ch = ch
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.metrics.SetConnState(2)
	c.logger.Info().Str("addr", addr).Msg("connected")
	c.broadcastStatus(true)
	c.sendInitialSync(ch)

	c.wg.Add(1)
	go c.readLoop(gen, ch)
}

// sendInitialSync asks the server for everything the cache mirrors.
// Snapshot replies flow back through the router and reconciler.
func (c *Controller) sendInitialSync(ch transport.Channel) {
	for _, t := range []protocol.MessageType{protocol.TypeSyncHistory, protocol.TypeGetSchedule, protocol.TypeGetOffers} {
		env := protocol.New(t)
		data, err := env.Encode()
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		err = ch.Write(ctx, data)
		cancel()
		if err != nil {
			c.logger.Info().Str("type", string(t)).Err(err).Msg("initial sync request failed")
			return
		}
	}
}

func (c *Controller) readLoop(gen uint64, ch transport.Channel) {
	defer c.wg.Done()
	for {
		data, err := ch.Read(context.Background())
		if err != nil {
			c.channelDown(gen, true)
			return
		}
		c.mu.Lock()
		handler := c.onFrame
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		if handler != nil {
			handler(data)
		}
	}
}

// channelDown handles both a failed connect attempt and the loss of
// an established connection. Stale generations are ignored so a dial
// that loses the race cannot clobber a newer connection.
func (c *Controller) channelDown(gen uint64, wasConnected bool) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	if c.ch != nil {
		_ = c.ch.Close("connection lost")
		c.ch = nil
	}
	announced := c.state == StateConnected
	c.state = StateDisconnected
	c.gen++
	retry := !c.manualStop
	var delay time.Duration
	if retry {
		if c.attempts >= c.maxAttempts {
			retry = false
			c.logger.Warn().Int("attempts", c.attempts).Msg("retry budget exhausted, waiting for manual reconnect")
		} else {
			c.attempts++
			delay = c.baseDelay * time.Duration(c.attempts)
		}
	}
	if retry {
		c.metrics.RetryScheduled()
		attempt := c.attempts
		c.retryTimer = time.AfterFunc(delay, func() {
			c.retryFire()
		})
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	}
	c.mu.Unlock()

	c.metrics.SetConnState(0)
	if announced || wasConnected {
		c.broadcastStatus(false)
	}
}

func (c *Controller) retryFire() {
	c.mu.Lock()
	if c.closed || c.manualStop || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.startAttemptLocked()
	c.mu.Unlock()
}

// Disconnect tears the channel down and suppresses retries until the
// next explicit Connect.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.manualStop = true
	c.stopRetryTimerLocked()
	c.gen++
	wasConnected := c.state == StateConnected
	if c.ch != nil {
		_ = c.ch.Close("client disconnect")
		c.ch = nil
	}
	c.state = StateDisconnected
	c.attempts = 0
	c.mu.Unlock()

	c.metrics.SetConnState(0)
	if wasConnected {
		c.broadcastStatus(false)
	}
}

// SetAddress updates the remote endpoint. A change forces an
// immediate teardown-and-reconnect cycle with a fresh retry budget.
func (c *Controller) SetAddress(addr string) {
	c.mu.Lock()
	if c.closed || addr == "" || addr == c.addr {
		c.mu.Unlock()
		return
	}
	c.logger.Info().Str("addr", addr).Msg("server address changed")
	c.addr = addr
	c.stopRetryTimerLocked()
	c.gen++
	wasConnected := c.state == StateConnected
	if c.ch != nil {
		_ = c.ch.Close("address changed")
		c.ch = nil
	}
	c.state = StateDisconnected
	c.attempts = 0
	c.manualStop = false
	c.startAttemptLocked()
	c.mu.Unlock()

	if wasConnected {
		c.broadcastStatus(false)
	}
}

// Send transmits one envelope if and only if the channel is
// Connected. Otherwise it rejects synchronously; the envelope is
// dropped, not queued, and the caller is responsible for surfacing
// the rejection.
func (c *Controller) Send(env protocol.Envelope) error {
	c.mu.Lock()
	if c.state != StateConnected || c.ch == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ch := c.ch
	gen := c.gen
	c.mu.Unlock()

	data, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := ch.Write(ctx, data); err != nil {
		c.channelDown(gen, true)
		return err
	}
	return nil
}

func (c *Controller) broadcastStatus(connected bool) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(SurfaceEvent{Kind: StatusChanged, Connected: connected})
}

func (c *Controller) statusPollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.pollStop:
			return
		case <-ticker.C:
			state := c.State()
			c.broadcastStatus(state == StateConnected)
			if state == StateConnected {
				_ = c.Send(protocol.New(protocol.TypeGetStatus))
			}
		}
	}
}

func (c *Controller) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// Close shuts the controller down for good.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.manualStop = true
	c.stopRetryTimerLocked()
	c.gen++
	if c.ch != nil {
		_ = c.ch.Close("shutdown")
		c.ch = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.pollOnce.Do(func() { close(c.pollStop) })
	c.metrics.SetConnState(0)
}
