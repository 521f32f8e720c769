package blockchain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"txtracker/pkg/apperr"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	opConnect   = "feed connect"
	opSubscribe = "feed subscribe"
	opReceive   = "feed receive"
)

// ErrDisconnected is returned by Connect when Disconnect was called while
// the connection was still being established.
var ErrDisconnected = errors.New("feed disconnected by operator")

// Options tunes the WebSocket connection. Zero values disable the setting.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// WSClient maintains at most one streaming connection to the unconfirmed
// transaction feed and reports everything that happens on it through a
// single ordered event stream (see Events).
//
// Status transitions are Disconnected → Connecting → Connected →
// Disconnected. The client never reconnects on its own.
type WSClient struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger
	events *eventQueue

	mu     sync.Mutex
	status ConnectionStatus
	conn   *connection
	gen    uint64 // bumped by every Disconnect and unexpected drop
}

// connection is one socket plus its lifecycle flags.
type connection struct {
	ws        *websocket.Conn
	done      chan struct{}
	manual    atomic.Bool // closed by Disconnect rather than by the network
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSClient creates a disconnected client for the given feed URL.
func NewWSClient(feedURL string, opts Options, logger *zap.Logger) *WSClient {
	return &WSClient{
		url:  feedURL,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: logger,
		events: newEventQueue(),
	}
}

// Events returns the client's event stream. Events are delivered in the
// order they occurred; the channel is shared by all callers.
func (c *WSClient) Events() <-chan Event {
	return c.events.out
}

func (c *WSClient) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect opens the socket, sends the subscription and starts the receive
// loop. It is a no-op unless the client is Disconnected. On failure the
// client returns to Disconnected, emits an Error event and returns it.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	endpoint, err := validFeedURL(c.url)
	if err != nil {
		return c.failConnect(gen, apperr.New(apperr.KindConfiguration, opConnect, err))
	}

	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return c.failConnect(gen, apperr.New(apperr.KindConnection, opConnect, fmt.Errorf("websocket dial: %w", err)))
	}
	c.logger.Info("feed socket opened", zap.String("url", endpoint))

	cn := &connection{ws: ws, done: make(chan struct{})}

	// The feed sends no explicit acknowledgment: a written subscription
	// frame is the acknowledgment.
	if err := cn.writeJSON(subscribeMessage{Op: OpUnconfirmedSub}, c.opts.WriteTimeout); err != nil {
		cn.manual.Store(true)
		cn.close(c.opts.WriteTimeout)
		return c.failConnect(gen, apperr.New(apperr.KindConnection, opSubscribe, fmt.Errorf("write subscription: %w", err)))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cn.manual.Store(true)
		cn.close(c.opts.WriteTimeout)
		return ErrDisconnected
	}
	c.conn = cn
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("feed subscribed", zap.String("op", OpUnconfirmedSub))

	go c.readLoop(cn)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(cn)
	}
	return nil
}

// Disconnect closes the current connection, if any, and moves to
// Disconnected immediately. The receive loop's resulting read failure is
// recognised as operator-initiated and not reported as an error.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	c.gen++
	cn := c.conn
	c.conn = nil
	if cn != nil {
		cn.manual.Store(true)
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if cn != nil {
		cn.close(c.opts.WriteTimeout)
		c.logger.Info("feed disconnected by operator")
	}
}

// Close disconnects and stops the event stream. The client must not be
// used afterwards.
func (c *WSClient) Close() {
	c.Disconnect()
	c.events.stop()
}

func (c *WSClient) failConnect(gen uint64, err *apperr.Error) error {
	c.mu.Lock()
	if c.gen == gen {
		c.setStatusLocked(StatusDisconnected)
		c.events.push(Event{Type: EventError, Err: err})
	}
	c.mu.Unlock()

	c.logger.Warn("feed connect failed", zap.Error(err))
	return err
}

// setStatusLocked records and emits a status transition. c.mu must be held.
func (c *WSClient) setStatusLocked(s ConnectionStatus) {
	if c.status == s {
		return
	}
	c.status = s
	c.events.push(Event{Type: EventStatusChanged, Status: s})
}

// emitIfCurrent emits ev only while cn is the live, connected socket.
func (c *WSClient) emitIfCurrent(cn *connection, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != cn || c.status != StatusConnected {
		return
	}
	c.events.push(ev)
}

func (c *WSClient) readLoop(cn *connection) {
	for {
		msgType, msg, err := cn.ws.ReadMessage()
		if err != nil {
			c.handleReadError(cn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		tx, ok, err := DecodeMessage(msg)
		if err != nil {
			c.logger.Warn("failed to decode feed message", zap.Error(err))
			c.emitIfCurrent(cn, Event{Type: EventError, Err: apperr.New(apperr.KindProtocol, opReceive, err)})
			continue
		}
		if !ok {
			continue
		}

		c.emitIfCurrent(cn, Event{Type: EventTransactionReceived, Transaction: tx})
	}
}

func (c *WSClient) handleReadError(cn *connection, err error) {
	if cn.manual.Load() {
		c.logger.Debug("feed receive loop stopped", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	c.setStatusLocked(StatusDisconnected)
	c.events.push(Event{Type: EventError, Err: apperr.New(apperr.KindStream, opReceive, err)})
	c.mu.Unlock()

	cn.close(c.opts.WriteTimeout)
	c.logger.Error("feed connection lost", zap.Error(err))
}

// pingLoop sends periodic ping frames to keep the connection alive. A
// failed ping is left to the receive loop to detect.
func (c *WSClient) pingLoop(cn *connection) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			if err := cn.ws.WriteControl(websocket.PingMessage, nil, deadline(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug("feed ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (cn *connection) writeJSON(v any, timeout time.Duration) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	if err := cn.ws.SetWriteDeadline(deadline(timeout)); err != nil {
		return err
	}
	return cn.ws.WriteJSON(v)
}

// close sends a best-effort normal-closure frame and closes the socket.
func (cn *connection) close(timeout time.Duration) {
	cn.closeOnce.Do(func() {
		close(cn.done)
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline(timeout))
		_ = cn.ws.Close()
	})
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func validFeedURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return "", fmt.Errorf("invalid feed url %q", raw)
	}
	return u.String(), nil
}
