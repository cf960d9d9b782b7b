// Package handler adapts input sources to the orchestrator. Every player
// seat is served by one Handler driven by its own Runner goroutine; the
// orchestrator never knows which kind of Handler sits behind an inbox.
package handler

import (
	"fmt"

	"github.com/gambit-chess/gambit-server-go/internal/game"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
)

// Handler is the capability every player seat implements.
type Handler interface {
	// Identity names the seat.
	Identity() message.Identity
	// Notify receives every envelope delivered to the seat's inbox.
	Notify(env message.Envelope)
	// PollInput returns the next pending action, if any. It never blocks.
	PollInput() (message.Action, bool)
	// Snapshot returns the handler's local copy of the position.
	Snapshot() rules.Position
}

// Mirror is a handler's non-authoritative copy of the game. It follows
// broadcasts and is replaced wholesale by a sync response.
type Mirror struct {
	position rules.Position
	state    message.StateBroadcast
	synced   bool
}

// NewMirror returns a mirror that has not seen any state yet.
func NewMirror() *Mirror {
	return &Mirror{}
}

// Observe folds b into the mirror. It returns false when b cannot be
// reconciled with the local copy and a full sync is needed.
func (m *Mirror) Observe(b message.StateBroadcast) bool {
	if b.Digest != game.PositionDigest(b.FEN, b.Ply) {
		return false
	}
	if !m.reconcile(b) {
		return false
	}
	m.state = b
	return true
}

func (m *Mirror) reconcile(b message.StateBroadcast) bool {
	local := m.position.Ply()
	switch {
	case !m.synced || b.Ply > local+1:
		// First state, or several plies in one step (premove chains).
		return m.adopt(b.FEN, b.Ply)
	case b.Ply == local:
		return b.FEN == m.position.FEN()
	case b.Ply == local+1:
		mv, err := rules.ParseMove(b.LastMove)
		if err != nil {
			return false
		}
		next, _, err := rules.Apply(m.position, mv)
		if err != nil || next.FEN() != b.FEN {
			return false
		}
		m.position = next
		return true
	default:
		return false
	}
}

// Accept takes b as canonical without reconciling it with the local copy.
func (m *Mirror) Accept(b message.StateBroadcast) bool {
	if !m.adopt(b.FEN, b.Ply) {
		return false
	}
	m.state = b
	return true
}

func (m *Mirror) adopt(fen string, ply int) bool {
	pos, err := rules.ParseFEN(fen)
	if err != nil {
		return false
	}
	m.position = pos.AtPly(ply)
	m.synced = true
	return true
}

// Replace discards the local copy in favour of a full export.
func (m *Mirror) Replace(e message.Export) error {
	st, err := game.ImportState(e)
	if err != nil {
		return fmt.Errorf("failed to apply sync response: %w", err)
	}
	pos := st.Position()
	m.position = pos
	m.synced = true
	m.state = message.StateBroadcast{
		FEN:       pos.FEN(),
		Ply:       pos.Ply(),
		LastMove:  st.LastMove(),
		Phase:     m.state.Phase,
		Clocks:    e.Clocks,
		Result:    e.Result,
		Digest:    game.PositionDigest(pos.FEN(), pos.Ply()),
		DrawOffer: m.state.DrawOffer,
	}
	return nil
}

// Position returns the local position. It is the zero Position until the
// first state arrives.
func (m *Mirror) Position() rules.Position {
	return m.position
}

// State returns the last state seen.
func (m *Mirror) State() message.StateBroadcast {
	return m.state
}

// MyTurn reports whether side may move according to the local copy.
func (m *Mirror) MyTurn(side rules.Side) bool {
	return m.synced &&
		m.state.Phase == string(game.PhaseInProgress) &&
		m.state.Result.Ongoing() &&
		m.position.SideToMove() == side
}

// inputQueue is the FIFO of actions waiting for PollInput.
type inputQueue struct {
	actions     []message.Action
	syncPending bool
}

func (q *inputQueue) push(a message.Action) {
	q.actions = append(q.actions, a)
}

// requestSync queues one sync request until a response arrives.
func (q *inputQueue) requestSync() {
	if q.syncPending {
		return
	}
	q.syncPending = true
	q.push(message.Action{Type: message.ActionSync})
}

func (q *inputQueue) synced() {
	q.syncPending = false
}

func (q *inputQueue) pop() (message.Action, bool) {
	if len(q.actions) == 0 {
		return message.Action{}, false
	}
	a := q.actions[0]
	q.actions = q.actions[1:]
	return a, true
}
