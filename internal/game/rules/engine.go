package rules

import (
	"fmt"

	"github.com/notnil/chess"
)

// LegalMoves returns every legal move in p. It is pure and safe to call from
// any goroutine on an independently held Position.
func LegalMoves(p Position) []Move {
	if p.pos == nil {
		return nil
	}
	valid := p.pos.ValidMoves()
	moves := make([]Move, 0, len(valid))
	for _, cm := range valid {
		moves = append(moves, fromEngineMove(cm))
	}
	return moves
}

// IsLegal reports whether m is a member of LegalMoves(p).
func IsLegal(p Position, m Move) bool {
	return findMove(p, m) != nil
}

// Apply returns the position after m. The returned move carries the flags
// the engine attached to it.
func Apply(p Position, m Move) (Position, Move, error) {
	if p.pos == nil {
		return Position{}, Move{}, fmt.Errorf("apply %s: position not initialised", m)
	}
	cm := findMove(p, m)
	if cm == nil {
		return p, m, fmt.Errorf("apply %s in %q: %w", m, p.FEN(), ErrIllegalMove)
	}
	next := Position{pos: p.pos.Update(cm), ply: p.ply + 1}
	return next, fromEngineMove(cm), nil
}

// Replay applies moves in order starting from p.
func Replay(p Position, moves []Move) (Position, error) {
	for i, m := range moves {
		next, _, err := Apply(p, m)
		if err != nil {
			return p, fmt.Errorf("replay ply %d: %w", i+1, err)
		}
		p = next
	}
	return p, nil
}

func findMove(p Position, m Move) *chess.Move {
	if p.pos == nil {
		return nil
	}
	for _, cm := range p.pos.ValidMoves() {
		if cm.S1() == m.From && cm.S2() == m.To && cm.Promo() == m.Promo {
			return cm
		}
	}
	return nil
}
