package handler

import (
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"go.uber.org/zap"
)

// Presenter renders what an interactive seat receives. It is called on the
// handler goroutine and must not block for long.
type Presenter interface {
	Present(env message.Envelope, snapshot rules.Position)
}

// Interactive is a seat driven by a person. Inputs arrive as Input
// envelopes from a presentation bridge.
type Interactive struct {
	identity  message.Identity
	mirror    *Mirror
	presenter Presenter
	inputs    inputQueue
	logger    *zap.Logger
}

// NewInteractive creates an interactive handler. presenter may be nil.
func NewInteractive(identity message.Identity, presenter Presenter, logger *zap.Logger) *Interactive {
	if logger == nil {
		logger = zap.NewNop()
	}
	identity.Kind = message.HandlerInteractive
	return &Interactive{
		identity:  identity,
		mirror:    NewMirror(),
		presenter: presenter,
		logger:    logger.Named("interactive").With(zap.String("handler_id", identity.ID)),
	}
}

func (h *Interactive) Identity() message.Identity {
	return h.identity
}

func (h *Interactive) Notify(env message.Envelope) {
	switch body := env.Body.(type) {
	case message.Input:
		h.inputs.push(body.Action)
		return
	case message.StateBroadcast:
		if !h.mirror.Observe(body) {
			h.logger.Warn("local state diverged, requesting sync", zap.Int("ply", body.Ply))
			h.inputs.requestSync()
		}
	case message.SyncResponse:
		h.inputs.synced()
		if err := h.mirror.Replace(body.Export); err != nil {
			h.logger.Error("sync response rejected", zap.Error(err))
		}
	}
	if h.presenter != nil {
		h.presenter.Present(env, h.mirror.Position())
	}
}

func (h *Interactive) PollInput() (message.Action, bool) {
	return h.inputs.pop()
}

func (h *Interactive) Snapshot() rules.Position {
	return h.mirror.Position()
}
