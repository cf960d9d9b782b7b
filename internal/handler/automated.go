package handler

import (
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"go.uber.org/zap"
)

// Automated is a seat played by a Selector. It is asked for a move after
// every update that hands it the turn.
type Automated struct {
	identity message.Identity
	mirror   *Mirror
	selector Selector
	fallback Selector
	think    time.Duration
	askedPly int
	inputs   inputQueue
	logger   *zap.Logger
}

// NewAutomated creates an automated handler that waits think before every
// move.
func NewAutomated(identity message.Identity, selector Selector, think time.Duration, logger *zap.Logger) *Automated {
	if logger == nil {
		logger = zap.NewNop()
	}
	identity.Kind = message.HandlerAutomated
	return &Automated{
		identity: identity,
		mirror:   NewMirror(),
		selector: selector,
		fallback: FirstLegalSelector{},
		think:    think,
		askedPly: -1,
		logger:   logger.Named("automated").With(zap.String("handler_id", identity.ID)),
	}
}

func (h *Automated) Identity() message.Identity {
	return h.identity
}

func (h *Automated) Notify(env message.Envelope) {
	switch body := env.Body.(type) {
	case message.StateBroadcast:
		if !h.mirror.Observe(body) {
			h.logger.Warn("local state diverged, requesting sync", zap.Int("ply", body.Ply))
			h.inputs.requestSync()
			return
		}
		h.consider()
	case message.SyncResponse:
		h.inputs.synced()
		if err := h.mirror.Replace(body.Export); err != nil {
			h.logger.Error("sync response rejected", zap.Error(err))
			return
		}
		h.consider()
	case message.MoveResult:
		if body.Accepted || body.Premove {
			return
		}
		h.logger.Warn("move rejected",
			zap.String("move", body.Move.String()),
			zap.String("reason", string(body.Reason)),
		)
		if body.Reason == message.ReasonIllegalMove {
			// Our copy disagrees with the orchestrator; ask again after a sync.
			h.askedPly = -1
			h.inputs.requestSync()
		}
	case message.ErrorNotice:
		h.logger.Warn("error notice", zap.String("code", body.Code), zap.String("detail", body.Detail))
	}
}

// consider queues a move when the local copy says it is this side's turn
// and it has not moved at this ply yet.
func (h *Automated) consider() {
	if !h.mirror.MyTurn(h.identity.Side) {
		return
	}
	pos := h.mirror.Position()
	if pos.Ply() == h.askedPly {
		return
	}
	h.askedPly = pos.Ply()

	if h.think > 0 {
		time.Sleep(h.think)
	}
	move, err := h.selector.Select(pos)
	if err != nil {
		h.logger.Warn("selector failed, using fallback", zap.Error(err))
		if move, err = h.fallback.Select(pos); err != nil {
			h.logger.Error("no move available", zap.Error(err))
			return
		}
	}
	h.logger.Debug("move selected", zap.String("move", move.String()), zap.Int("ply", pos.Ply()))
	h.inputs.push(message.Action{Type: message.ActionMove, Move: move})
}

func (h *Automated) PollInput() (message.Action, bool) {
	return h.inputs.pop()
}

func (h *Automated) Snapshot() rules.Position {
	return h.mirror.Position()
}
