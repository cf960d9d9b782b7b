package handler

import (
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"go.uber.org/zap"
)

// Outbound carries bodies to a remote peer. Send must not block the handler.
type Outbound interface {
	Send(body message.Body)
}

// Remote is the host-side seat of a player on the other end of a network
// link. Decoded frames arrive as Input envelopes; everything else the seat
// receives is forwarded to the peer.
type Remote struct {
	identity message.Identity
	mirror   *Mirror
	out      Outbound
	inputs   inputQueue
	logger   *zap.Logger
}

// NewRemote creates a remote handler writing to out.
func NewRemote(identity message.Identity, out Outbound, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	identity.Kind = message.HandlerRemote
	return &Remote{
		identity: identity,
		mirror:   NewMirror(),
		out:      out,
		logger:   logger.Named("remote").With(zap.String("handler_id", identity.ID)),
	}
}

func (h *Remote) Identity() message.Identity {
	return h.identity
}

func (h *Remote) Notify(env message.Envelope) {
	switch body := env.Body.(type) {
	case message.Input:
		h.inputs.push(body.Action)
		return
	case message.StateBroadcast:
		// Broadcasts reaching the host side are canonical.
		if !h.mirror.Observe(body) && !h.mirror.Accept(body) {
			h.logger.Warn("unreadable broadcast", zap.String("fen", body.FEN))
		}
	case message.SyncResponse:
		if err := h.mirror.Replace(body.Export); err != nil {
			h.logger.Error("sync response rejected", zap.Error(err))
		}
	}
	h.out.Send(env.Body)
}

func (h *Remote) PollInput() (message.Action, bool) {
	return h.inputs.pop()
}

func (h *Remote) Snapshot() rules.Position {
	return h.mirror.Position()
}
