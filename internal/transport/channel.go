// Package transport provides the duplex, message-oriented channel
// between a surface process and the assistant server. A Channel maps
// to exactly one underlying connection; reconnection is the
// controller's job and always produces a fresh Channel.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

var ErrClosed = errors.New("channel closed")

// Channel is a single duplex connection carrying text frames in send
// order. Frames sent immediately before a disconnect are not
// guaranteed delivered; there is no send-side acknowledgment.
type Channel interface {
	// Read blocks until the next inbound frame, the context is
	// canceled, or the connection dies.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame. It either succeeds at the transport
	// layer or returns an error synchronously.
	Write(ctx context.Context, data []byte) error
	// Close tears the connection down with a reason string.
	Close(reason string) error
}

// Dialer produces Channels. The controller holds one and re-dials it
// on every connection attempt.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Channel, error)
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// WebSocketDialer dials ws:// and wss:// endpoints. DialTimeout
// bounds the handshake; the caller's connect timeout still applies on
// top through the context.
type WebSocketDialer struct {
	HTTPClient  *http.Client
	DialTimeout time.Duration
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{DialTimeout: 5 * time.Second}
}

func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (Channel, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if d.HTTPClient != nil {
		opts.HTTPClient = d.HTTPClient
	}
	conn, resp, err := websocket.Dial(dialCtx, addr, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsChannel{conn: conn}, nil
}

// Accept upgrades an HTTP request into a Channel on the server side.
func Accept(w http.ResponseWriter, r *http.Request) (Channel, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	return &wsChannel{conn: conn}, nil
}
