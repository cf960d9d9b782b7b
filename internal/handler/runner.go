package handler

import (
	"errors"
	"fmt"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"go.uber.org/zap"
)

// LocalCheckID marks results produced by a runner's own pre-check.
const LocalCheckID = "local-check"

// Runner is the goroutine body of one handler: it blocks on the handler's
// inbox, notifies the handler and forwards the actions it produces.
type Runner struct {
	handler  Handler
	inbox    *message.Inbox
	upstream *message.Inbox
	logger   *zap.Logger
	seq      uint64
}

// NewRunner connects h to its inbox and to upstream, the orchestrator inbox
// or, on a mirror, the network bridge uplink.
func NewRunner(h Handler, inbox, upstream *message.Inbox, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := h.Identity()
	return &Runner{
		handler:  h,
		inbox:    inbox,
		upstream: upstream,
		logger: logger.Named("handler").With(
			zap.String("handler_id", id.ID),
			zap.String("side", id.Side.String()),
			zap.String("kind", string(id.Kind)),
		),
	}
}

// Inbox returns the handler's inbox.
func (r *Runner) Inbox() *message.Inbox {
	return r.inbox
}

// Register announces the handler upstream.
func (r *Runner) Register() error {
	id := r.handler.Identity()
	if err := r.upstream.Put(id.ID, message.Register{Identity: id, Inbox: r.inbox}); err != nil {
		return fmt.Errorf("failed to register handler %s: %w", id.ID, err)
	}
	return nil
}

// Run processes the inbox until Shutdown arrives or either queue closes.
func (r *Runner) Run() error {
	r.logger.Debug("handler started")
	for {
		env, err := r.inbox.Get()
		if err != nil {
			r.logger.Debug("handler inbox closed")
			return nil
		}
		r.handler.Notify(env)
		if env.Kind() == message.KindShutdown {
			r.logger.Info("handler stopped")
			return nil
		}
		if err := r.drain(); err != nil {
			if errors.Is(err, bus.ErrClosed) {
				r.logger.Info("upstream closed, handler stopped")
				return nil
			}
			return err
		}
	}
}

func (r *Runner) drain() error {
	for {
		action, ok := r.handler.PollInput()
		if !ok {
			return nil
		}
		if err := r.submit(action); err != nil {
			return err
		}
	}
}

func (r *Runner) submit(a message.Action) error {
	id := r.handler.Identity()
	switch a.Type {
	case message.ActionMove, message.ActionPremove:
		premove := a.Type == message.ActionPremove
		if reason, ok := r.precheck(a.Move, premove); !ok {
			r.logger.Debug("move rejected locally",
				zap.String("move", a.Move.String()),
				zap.String("reason", string(reason)),
			)
			r.handler.Notify(message.Envelope{From: LocalCheckID, Body: message.MoveResult{
				HandlerID: id.ID,
				Move:      a.Move,
				Premove:   premove,
				Reason:    reason,
			}})
			return nil
		}
		return r.put(message.MoveSubmission{
			HandlerID: id.ID,
			Move:      a.Move,
			LocalSeq:  r.nextSeq(a.Seq),
			Premove:   premove,
		})
	case message.ActionResign:
		return r.put(message.Resign{HandlerID: id.ID})
	case message.ActionDrawOffer:
		return r.put(message.DrawOffer{HandlerID: id.ID})
	case message.ActionSync:
		return r.put(message.SyncRequest{HandlerID: id.ID})
	default:
		r.logger.Warn("unknown action", zap.Stringer("type", a.Type))
		return nil
	}
}

// nextSeq keeps sequence numbers increasing while passing through numbers a
// remote source assigned itself.
func (r *Runner) nextSeq(given uint64) uint64 {
	if given != 0 {
		if given > r.seq {
			r.seq = given
		}
		return given
	}
	r.seq++
	return r.seq
}

// precheck is the advisory validation against the local snapshot. Only the
// orchestrator's check is authoritative.
func (r *Runner) precheck(m rules.Move, premove bool) (message.Reason, bool) {
	snap := r.handler.Snapshot()
	if snap.IsZero() {
		return message.ReasonNone, true
	}
	if snap.SideToMove() != r.handler.Identity().Side {
		if premove {
			return message.ReasonNone, true
		}
		return message.ReasonNotYourTurn, false
	}
	if !rules.IsLegal(snap, m) {
		return message.ReasonIllegalMove, false
	}
	return message.ReasonNone, true
}

func (r *Runner) put(body message.Body) error {
	if err := r.upstream.Put(r.handler.Identity().ID, body); err != nil {
		return fmt.Errorf("failed to submit %s: %w", body.Kind(), err)
	}
	return nil
}
