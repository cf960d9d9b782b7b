package game

import (
	"fmt"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
)

// Phase is the orchestrator's lifecycle state.
type Phase string

const (
	PhaseAwaitingHandlers Phase = "awaiting-handlers"
	PhaseInProgress       Phase = "in-progress"
	PhasePaused           Phase = "paused"
	PhaseGameOver         Phase = "game-over"
)

// Status is the outcome of a game.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusWhiteWins Status = "white-wins"
	StatusBlackWins Status = "black-wins"
	StatusDraw      Status = "draw"
	StatusAborted   Status = "aborted"
)

// Termination says how a finished game ended.
type Termination string

const (
	TerminationNone                 Termination = ""
	TerminationCheckmate            Termination = "checkmate"
	TerminationResignation          Termination = "resignation"
	TerminationTimeout              Termination = "timeout"
	TerminationForfeit              Termination = "forfeit"
	TerminationStalemate            Termination = "stalemate"
	TerminationAgreement            Termination = "agreement"
	TerminationSeventyFiveMove      Termination = "seventy-five-move"
	TerminationFivefoldRepetition   Termination = "fivefold-repetition"
	TerminationInsufficientMaterial Termination = "insufficient-material"
	TerminationAborted              Termination = "aborted"
)

// Result is the terminal result of a game, or ongoing.
type Result struct {
	Status      Status
	Termination Termination
}

// Ongoing is the result of a game still being played.
var Ongoing = Result{Status: StatusOngoing}

// WinFor returns a win for side.
func WinFor(side rules.Side, how Termination) Result {
	if side == rules.White {
		return Result{Status: StatusWhiteWins, Termination: how}
	}
	return Result{Status: StatusBlackWins, Termination: how}
}

// DrawBy returns a draw.
func DrawBy(how Termination) Result {
	return Result{Status: StatusDraw, Termination: how}
}

// IsOver reports whether the game has ended.
func (r Result) IsOver() bool {
	return r.Status != StatusOngoing && r.Status != ""
}

// Winner returns the winning side, if any.
func (r Result) Winner() (rules.Side, bool) {
	switch r.Status {
	case StatusWhiteWins:
		return rules.White, true
	case StatusBlackWins:
		return rules.Black, true
	}
	return rules.White, false
}

// View converts r to its message form.
func (r Result) View() message.Result {
	v := message.Result{Status: string(r.Status), Termination: string(r.Termination)}
	if side, ok := r.Winner(); ok {
		v.Winner = side.String()
	}
	return v
}

func resultFromView(v message.Result) Result {
	if v.Status == "" {
		return Ongoing
	}
	return Result{Status: Status(v.Status), Termination: Termination(v.Termination)}
}

// fivefold is the repetition count that ends a game automatically.
const fivefold = 5

// GameState is the canonical game aggregate. It is owned by one goroutine
// and is not safe for concurrent use.
type GameState struct {
	initial     rules.Position
	position    rules.Position
	history     []rules.Move
	clocks      map[rules.Side]*ClockState
	repetitions map[string]int
	result      Result
	clocksLive  bool
}

// NewGameState starts a game from initial under tc. Clocks are stopped.
func NewGameState(initial rules.Position, tc TimeControl) *GameState {
	initial = initial.AtPly(0)
	s := &GameState{
		initial:  initial,
		position: initial,
		clocks: map[rules.Side]*ClockState{
			rules.White: newClock(tc.White),
			rules.Black: newClock(tc.Black),
		},
		repetitions: map[string]int{initial.Key(): 1},
		result:      Ongoing,
	}
	s.detectTerminal(initial.SideToMove().Other())
	return s
}

// Position returns the current position.
func (s *GameState) Position() rules.Position {
	return s.position
}

// Initial returns the position the game started from.
func (s *GameState) Initial() rules.Position {
	return s.initial
}

// History returns a copy of the applied moves.
func (s *GameState) History() []rules.Move {
	out := make([]rules.Move, len(s.history))
	copy(out, s.history)
	return out
}

// Result returns the current result.
func (s *GameState) Result() Result {
	return s.result
}

// Clock returns side's clock.
func (s *GameState) Clock(side rules.Side) *ClockState {
	return s.clocks[side]
}

// Turn returns the side holding the token.
func (s *GameState) Turn() rules.Side {
	return s.position.SideToMove()
}

// Apply plays m for the side to move, switches the running clock and
// settles the result if the new position is terminal.
func (s *GameState) Apply(m rules.Move) (rules.Move, error) {
	if s.result.IsOver() {
		return m, fmt.Errorf("apply %s: game is over", m)
	}
	mover := s.position.SideToMove()
	next, applied, err := rules.Apply(s.position, m)
	if err != nil {
		return m, err
	}

	s.position = next
	s.history = append(s.history, applied)
	s.repetitions[next.Key()]++

	if s.clocksLive {
		s.clocks[mover].stop()
		s.clocks[mover].credit()
		s.clocks[mover.Other()].start()
	}

	s.detectTerminal(mover)
	return applied, nil
}

// detectTerminal ends the game when the current position is terminal.
// mover is the side that produced the position.
func (s *GameState) detectTerminal(mover rules.Side) {
	switch s.position.Status() {
	case rules.StatusCheckmate:
		s.Finish(WinFor(mover, TerminationCheckmate))
	case rules.StatusStalemate:
		s.Finish(DrawBy(TerminationStalemate))
	case rules.StatusSeventyFiveMove:
		s.Finish(DrawBy(TerminationSeventyFiveMove))
	case rules.StatusInsufficientMaterial:
		s.Finish(DrawBy(TerminationInsufficientMaterial))
	default:
		if s.repetitions[s.position.Key()] >= fivefold {
			s.Finish(DrawBy(TerminationFivefoldRepetition))
		}
	}
}

// StartClocks runs the clock of the side to move.
func (s *GameState) StartClocks() {
	if s.result.IsOver() {
		return
	}
	s.clocksLive = true
	s.clocks[s.Turn()].start()
}

// StopClocks freezes both clocks.
func (s *GameState) StopClocks() {
	s.clocksLive = false
	for _, c := range s.clocks {
		c.stop()
	}
}

// Tick charges elapsed to the running clock. It reports the side that ran
// out of time with this tick, if any, and ends the game for it.
func (s *GameState) Tick(elapsed time.Duration) (rules.Side, bool) {
	if s.result.IsOver() {
		return rules.White, false
	}
	side := s.Turn()
	if !s.clocks[side].consume(elapsed) {
		return side, false
	}
	s.Finish(WinFor(side.Other(), TerminationTimeout))
	return side, true
}

// Finish sets a terminal result and stops the clocks. A result that is
// already terminal is kept.
func (s *GameState) Finish(r Result) bool {
	if s.result.IsOver() {
		return false
	}
	s.result = r
	s.StopClocks()
	return true
}

// ClockViews returns a copy of both clocks.
func (s *GameState) ClockViews() map[rules.Side]message.ClockView {
	return map[rules.Side]message.ClockView{
		rules.White: s.clocks[rules.White].view(),
		rules.Black: s.clocks[rules.Black].view(),
	}
}

// LastMove returns the most recent move in UCI form, or "".
func (s *GameState) LastMove() string {
	if len(s.history) == 0 {
		return ""
	}
	return s.history[len(s.history)-1].String()
}
