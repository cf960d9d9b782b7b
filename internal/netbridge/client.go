package netbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrHostUnreachable is returned when every reconnection attempt failed.
var ErrHostUnreachable = errors.New("host unreachable")

// ClientID is the component id stamped on envelopes the client delivers.
const ClientID = "netbridge-client"

// ClientConfig configures the mirror end of the link.
type ClientConfig struct {
	// URL is the host's websocket endpoint, e.g. ws://host:8765/ws.
	URL string
	// Attempts bounds consecutive failed dials; zero means one attempt.
	Attempts int
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration
	// UplinkCapacity sizes the queue local handlers submit to. It also
	// bounds the submissions held while the link is down.
	UplinkCapacity int
}

// Client is the mirror end of the link. The local handler's runner submits
// to Uplink; frames from the host are delivered to the local inbox.
type Client struct {
	cfg    ClientConfig
	local  *message.Inbox
	uplink *message.Inbox
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	seq  uint64
	// ready is set once the host answered the sync request of this
	// connection. Until then submissions are held in order.
	ready bool
	held  deque.Deque[message.Body]
}

// NewClient creates a client delivering to local, the inbox of the mirror's
// own handler.
func NewClient(cfg ClientConfig, local *message.Inbox, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		local:  local,
		uplink: message.NewInbox(ClientID, cfg.UplinkCapacity),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.Named("netbridge").With(zap.String("host", cfg.URL)),
	}
}

// Uplink is the inbox the local handler's runner submits to.
func (c *Client) Uplink() *message.Inbox {
	return c.uplink
}

// Run keeps the link up until the host ends the session, ctx is done, or
// the host cannot be reached. The local handler always receives Shutdown
// when Run returns.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.dropConn)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	err := c.connectLoop(ctx)

	c.uplink.Close()
	c.dropConn()
	wg.Wait()
	if n := c.held.Len(); n > 0 {
		c.logger.Warn("discarding held submissions", zap.Int("count", n))
	}

	reason := "link closed"
	if err != nil {
		reason = err.Error()
	}
	_ = c.local.Put(ClientID, message.Shutdown{Reason: reason})
	return err
}

func (c *Client) connectLoop(ctx context.Context) error {
	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= max(c.cfg.Attempts, 1) {
				c.logger.Error("giving up on host", zap.Int("attempts", failures), zap.Error(err))
				return fmt.Errorf("%w after %d attempts: %w", ErrHostUnreachable, failures, err)
			}
			delay := c.cfg.Backoff << (failures - 1)
			c.logger.Warn("dial failed, retrying", zap.Error(err), zap.Duration("backoff", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		failures = 0

		done, err := c.serve(conn)
		if done || ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("link lost, reconnecting", zap.Error(err))
		c.deliver(message.ErrorNotice{Code: message.CodeDisconnect, Detail: "link to host lost"})
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.seq = 0
	c.ready = false
	c.mu.Unlock()
	c.logger.Info("connected to host")
	return conn, nil
}

// serve runs the read loop of one connection. done reports that the host
// ended the session.
func (c *Client) serve(conn *websocket.Conn) (done bool, err error) {
	defer c.dropConn()

	// The host's view replaces whatever the mirror had before the link came up.
	if err := c.write(message.SyncRequest{}); err != nil {
		return false, err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return false, err
		}
		body, f, err := Decode(raw)
		if err != nil {
			c.logger.Warn("bad frame from host", zap.Error(err))
			continue
		}
		switch body.(type) {
		case message.SyncResponse:
			c.deliver(body)
			if err := c.release(); err != nil {
				return false, err
			}
		case message.MoveResult, message.StateBroadcast, message.ErrorNotice:
			c.deliver(body)
		case message.Shutdown:
			c.logger.Info("host ended the session", zap.Uint64("frame", f.Seq))
			return true, nil
		default:
			c.logger.Warn("unexpected frame from host", zap.String("type", f.Type))
		}
	}
}

func (c *Client) deliver(body message.Body) {
	if err := c.local.Put(ClientID, body); err != nil {
		c.logger.Debug("local inbox closed", zap.Error(err))
	}
}

// writeLoop frames everything the local runner submits.
func (c *Client) writeLoop() {
	for {
		env, err := c.uplink.Get()
		if err != nil {
			return
		}
		if env.Kind() == message.KindRegister {
			// The seat is registered on the host when the link comes up.
			continue
		}
		if err := c.send(env.Body); err != nil {
			c.logger.Warn("failed to send to host", zap.String("kind", string(env.Kind())), zap.Error(err))
			c.deliver(message.ErrorNotice{Code: message.CodeUnavailable, Detail: "not connected to host"})
		}
	}
}

var errNotConnected = errors.New("not connected")

// send writes body, or holds it until the link is up and synced again.
// It fails only when the hold is full.
func (c *Client) send(body message.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.ready {
		if err := c.writeLocked(body); err == nil {
			return nil
		}
	}
	limit := c.cfg.UplinkCapacity
	if limit <= 0 {
		limit = bus.DefaultCapacity
	}
	if c.held.Len() >= limit {
		return bus.ErrFull
	}
	c.held.PushBack(body)
	c.logger.Debug("holding submission until the link is back", zap.String("kind", string(body.Kind())))
	return nil
}

// release marks the connection synced and sends everything held, oldest
// first.
func (c *Client) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.ready = true
	if n := c.held.Len(); n > 0 {
		c.logger.Info("sending held submissions", zap.Int("count", n))
	}
	for c.held.Len() > 0 {
		if err := c.writeLocked(c.held.Front()); err != nil {
			return err
		}
		c.held.PopFront()
	}
	return nil
}

func (c *Client) write(body message.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(body)
}

func (c *Client) writeLocked(body message.Body) error {
	if c.conn == nil {
		return errNotConnected
	}
	c.seq++
	raw, err := Encode(body, c.seq)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.ready = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
