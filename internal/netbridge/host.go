package netbridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/handler"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Path is the websocket endpoint served by the host.
const Path = "/ws"

const (
	sendQueueSize   = 256
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The peer is a game client, not a browser page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Host is the authoritative end of the link. It serves exactly one remote
// seat: frames from the peer become Input for the seat's Remote handler,
// and whatever that handler forwards is written back to the peer.
type Host struct {
	identity message.Identity
	upstream *message.Inbox
	runner   *handler.Runner
	logger   *zap.Logger

	mu   sync.Mutex
	peer *peer
}

// peer is one accepted connection.
type peer struct {
	id      string
	conn    *websocket.Conn
	send    *bus.Queue[message.Body]
	seq     uint64
	flushed chan struct{}
}

// NewHost creates the host side for the remote seat identity. upstream is
// the orchestrator inbox; inboxCapacity sizes the seat's inbox.
func NewHost(identity message.Identity, upstream *message.Inbox, inboxCapacity int, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{
		identity: identity,
		upstream: upstream,
		logger:   logger.Named("netbridge").With(zap.String("handler_id", identity.ID)),
	}
	remote := handler.NewRemote(identity, h, logger)
	h.runner = handler.NewRunner(remote, message.NewInbox(identity.ID, inboxCapacity), upstream, logger)
	return h
}

// Runner returns the runner of the remote seat. The caller runs it.
func (h *Host) Runner() *handler.Runner {
	return h.runner
}

// Connected reports whether a peer is attached.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer != nil
}

// Send queues body for the connected peer. Without a peer it is dropped; the
// peer resynchronises after reconnecting.
func (h *Host) Send(body message.Body) {
	h.mu.Lock()
	p := h.peer
	h.mu.Unlock()
	if p == nil {
		h.logger.Debug("no peer, dropping", zap.String("kind", string(body.Kind())))
		return
	}
	if err := p.send.Offer(body); err != nil {
		if errors.Is(err, bus.ErrFull) {
			h.logger.Warn("peer send queue full, dropping connection")
			_ = p.conn.Close()
		}
		return
	}
	if body.Kind() == message.KindShutdown {
		p.send.Close()
	}
}

// ServeHTTP upgrades the request and attaches the peer to the seat.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	busy := h.peer != nil
	h.mu.Unlock()
	if busy {
		http.Error(w, "seat already taken", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	p := &peer{
		id:   r.RemoteAddr,
		conn: conn,
		send:    bus.NewQueue[message.Body](sendQueueSize, nil),
		flushed: make(chan struct{}),
	}
	h.mu.Lock()
	if h.peer != nil {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "seat already taken"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.peer = p
	h.mu.Unlock()

	h.logger.Info("peer connected", zap.String("remote_addr", p.id))
	go h.writePump(p)
	if err := h.runner.Register(); err != nil {
		h.logger.Warn("session closed, refusing peer", zap.Error(err))
		h.detach(p, "")
		return
	}
	go h.readPump(p)
}

func (h *Host) readPump(p *peer) {
	cause := "connection lost"
	defer func() { h.detach(p, cause) }()

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = "peer closed the connection"
			}
			h.logger.Info("peer disconnected", zap.Error(err))
			return
		}

		body, f, err := Decode(raw)
		if err != nil {
			h.logger.Warn("bad frame from peer", zap.Error(err))
			h.Send(message.ErrorNotice{Code: message.CodeBadRequest, Detail: err.Error()})
			continue
		}
		action, ok := ToAction(body)
		if !ok {
			h.logger.Warn("unexpected frame from peer", zap.String("type", f.Type))
			h.Send(message.ErrorNotice{Code: message.CodeBadRequest, Detail: "unexpected " + f.Type})
			continue
		}
		if err := h.runner.Inbox().Submit(p.id, action); err != nil {
			if errors.Is(err, bus.ErrFull) {
				h.logger.Warn("peer is flooding the seat, dropping it")
				cause = "input backlog full"
				return
			}
			h.logger.Debug("seat inbox closed", zap.Error(err))
			return
		}
	}
}

func (h *Host) writePump(p *peer) {
	defer close(p.flushed)
	defer p.conn.Close()

	for {
		body, err := p.send.Get()
		if err != nil {
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
		p.seq++
		raw, err := Encode(body, p.seq)
		if err != nil {
			h.logger.Error("failed to encode frame", zap.Error(err))
			continue
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.logger.Info("write to peer failed", zap.Error(err))
			return
		}
	}
}

// detach forgets p and, when cause is set, tells the orchestrator the seat
// lost its connection.
func (h *Host) detach(p *peer, cause string) {
	h.mu.Lock()
	current := h.peer == p
	if current {
		h.peer = nil
	}
	h.mu.Unlock()
	if !current {
		return
	}

	p.send.Close()
	_ = p.conn.Close()
	if cause == "" {
		return
	}
	err := h.upstream.Put(p.id, message.Deregister{HandlerID: h.identity.ID, Cause: cause})
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		h.logger.Error("failed to deregister seat", zap.Error(err))
	}
}

// Close drops the current peer without deregistering it. Frames already
// queued are written first, bounded by writeWait.
func (h *Host) Close() {
	h.mu.Lock()
	p := h.peer
	h.peer = nil
	h.mu.Unlock()
	if p == nil {
		return
	}
	p.send.Close()
	select {
	case <-p.flushed:
	case <-time.After(writeWait):
	}
	_ = p.conn.Close()
}

// ListenAndServe serves the websocket endpoint on addr until ctx is done.
func (h *Host) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (h *Host) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	h.logger.Info("host listening", zap.String("address", ln.Addr().String()))

	select {
	case err := <-errc:
		h.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.Close()
	if err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
