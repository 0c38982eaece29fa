// Package agent owns the persistent duplex WebSocket connection to the
// agent service: connect, send, receive loop, keepalive response, close.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge-ai/voxbridge/pkg/agent/protocol"
)

const defaultHandshakeTimeout = 15 * time.Second

// Endpoint identifies the agent service and the credentials used to
// establish the stream.
type Endpoint struct {
	URL     string
	APIKey  string
	AgentID string
}

// ConnectError is a transport or auth failure establishing the stream.
//
// Use errors.As(err, &connectErr) to distinguish connect failures from
// later stream errors.
type ConnectError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.StatusCode != 0:
		return fmt.Sprintf("connect to %s failed (status %d): %v", redactURL(e.URL), e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("connect to %s failed: %v", redactURL(e.URL), e.Err)
	}
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	parsed.RawQuery = ""
	return parsed.String()
}

// Dialer configures connection establishment. The zero value is usable.
type Dialer struct {
	HandshakeTimeout time.Duration

	// ReadTimeout bounds the silence between inbound frames. The
	// agent's keepalive probes keep a healthy connection under it;
	// zero disables the bound.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// Conn is one duplex connection to the agent service for one session.
// Once closed it cannot be reused; reconnecting means a new Conn.
type Conn struct {
	ws          *websocket.Conn
	logger      *slog.Logger
	readTimeout time.Duration

	events chan protocol.Event
	stop   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial opens a connection with the default dialer.
func Dial(ctx context.Context, ep Endpoint) (*Conn, error) {
	return (&Dialer{}).Dial(ctx, ep)
}

// Dial establishes the WebSocket stream to the agent service. Auth
// rejection, unreachable hosts, and handshake timeouts all surface as a
// *ConnectError; the caller decides whether to retry.
func (d *Dialer) Dial(ctx context.Context, ep Endpoint) (*Conn, error) {
	wsURL, err := websocketURL(ep.URL)
	if err != nil {
		return nil, &ConnectError{URL: ep.URL, Err: err}
	}

	headers := make(http.Header)
	if ep.APIKey != "" {
		headers.Set("Authorization", "Bearer "+ep.APIKey)
	}
	if ep.AgentID != "" {
		headers.Set("X-Agent-ID", ep.AgentID)
	}

	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, handshake)
		defer cancel()
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshake}
	ws, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		connectErr := &ConnectError{URL: wsURL, Err: err}
		if resp != nil {
			connectErr.StatusCode = resp.StatusCode
		}
		return nil, connectErr
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		ws:          ws,
		logger:      logger,
		readTimeout: d.ReadTimeout,
		events:      make(chan protocol.Event, 256),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid agent endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("agent endpoint must use http(s) or ws(s), got %q", u.Scheme)
	}
	return u.String(), nil
}

// Events yields decoded inbound events in strict arrival order. The
// channel closes when the connection terminates; Err reports why.
func (c *Conn) Events() <-chan protocol.Event {
	if c == nil {
		return nil
	}
	return c.events
}

// SendTurn sends the outgoing user text for one turn.
func (c *Conn) SendTurn(text string, seq int64) error {
	return c.sendJSON(protocol.NewUserTurn(text, seq))
}

func (c *Conn) sendJSON(v any) error {
	if c == nil {
		return fmt.Errorf("connection must not be nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close closes the connection. It is idempotent: closing an
// already-closed connection is a no-op.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error, nil for a clean close. It
// blocks until the receive loop has exited.
func (c *Conn) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		if c.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(err)
			return
		}

		event, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			// One malformed frame never terminates the stream.
			c.logger.Warn("skipping malformed agent frame", "error", decodeErr)
			continue
		}

		// Probes are answered on the spot, ahead of any outbound
		// traffic an in-flight turn may produce, and never count as
		// part of the turn's data.
		if probe, ok := event.(protocol.KeepaliveProbe); ok {
			if err := c.sendJSON(protocol.NewKeepaliveAck(probe.ID)); err != nil {
				c.logger.Warn("keepalive ack failed", "id", probe.ID, "error", err)
			}
		}

		if !c.emit(event) {
			return
		}
	}
}

func (c *Conn) emit(event protocol.Event) bool {
	select {
	case c.events <- event:
		return true
	case <-c.stop:
		return false
	}
}
