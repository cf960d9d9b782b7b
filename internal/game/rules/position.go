package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notnil/chess"
)

// StandardFEN is the standard chess starting position.
const StandardFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Side identifies one of the two players.
type Side int8

const (
	White Side = iota
	Black
)

func (s Side) String() string {
	switch s {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return "unknown"
	}
}

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == White {
		return Black
	}
	return White
}

// ParseSide parses "white"/"w" or "black"/"b".
func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	default:
		return White, fmt.Errorf("unknown side %q", value)
	}
}

// MarshalText encodes the side by name.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a side name.
func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

func sideFromColor(c chess.Color) Side {
	if c == chess.Black {
		return Black
	}
	return White
}

// Status describes whether a position is terminal and why.
type Status int

const (
	StatusOngoing Status = iota
	StatusCheckmate
	StatusStalemate
	StatusSeventyFiveMove
	StatusInsufficientMaterial
)

var statusNames = map[Status]string{
	StatusOngoing:              "ONGOING",
	StatusCheckmate:            "CHECKMATE",
	StatusStalemate:            "STALEMATE",
	StatusSeventyFiveMove:      "SEVENTY_FIVE_MOVE",
	StatusInsufficientMaterial: "INSUFFICIENT_MATERIAL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_%d", int(s))
}

// Position is an immutable board snapshot. The zero value is not a valid
// position; use StartPosition or ParseFEN.
//
// ply counts the half-moves applied since the position the session started
// from, so it equals the length of the move history that produced it.
type Position struct {
	pos *chess.Position
	ply int
}

// StartPosition returns the standard initial setup.
func StartPosition() Position {
	return Position{pos: chess.NewGame().Position()}
}

// ParseFEN imports a position string. The ply counter of the result is zero.
func ParseFEN(fen string) (Position, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		return Position{}, fmt.Errorf("empty FEN")
	}
	opt, err := chess.FEN(fen)
	if err != nil {
		return Position{}, fmt.Errorf("invalid FEN %q: %w", fen, err)
	}
	return Position{pos: chess.NewGame(opt).Position()}, nil
}

// AtPly returns p with its ply counter set to n. Mirrors use it to rebuild a
// position received as a FEN together with its ply.
func (p Position) AtPly(n int) Position {
	p.ply = n
	return p
}

// IsZero reports whether p was never initialised.
func (p Position) IsZero() bool {
	return p.pos == nil
}

// FEN returns the position string.
func (p Position) FEN() string {
	if p.pos == nil {
		return ""
	}
	return p.pos.String()
}

// Ply returns the number of half-moves since the session's initial position.
func (p Position) Ply() int {
	return p.ply
}

// SideToMove returns the side holding the turn.
func (p Position) SideToMove() Side {
	if p.pos == nil {
		return White
	}
	return sideFromColor(p.pos.Turn())
}

// Key identifies the position for repetition counting: placement, side,
// castling rights and en-passant square.
func (p Position) Key() string {
	fields := strings.Fields(p.FEN())
	if len(fields) < 4 {
		return p.FEN()
	}
	return strings.Join(fields[:4], " ")
}

// HalfMoveClock returns the number of half-moves since the last capture or
// pawn advance.
func (p Position) HalfMoveClock() int {
	fields := strings.Fields(p.FEN())
	if len(fields) < 5 {
		return 0
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0
	}
	return n
}

// Status reports whether the position ends the game.
func (p Position) Status() Status {
	if p.pos == nil {
		return StatusOngoing
	}
	switch p.pos.Status() {
	case chess.Checkmate:
		return StatusCheckmate
	case chess.Stalemate:
		return StatusStalemate
	}
	if p.HalfMoveClock() >= 150 {
		return StatusSeventyFiveMove
	}
	if insufficientMaterial(p.pos.Board()) {
		return StatusInsufficientMaterial
	}
	return StatusOngoing
}

// Draw renders the board as text.
func (p Position) Draw() string {
	if p.pos == nil {
		return ""
	}
	return p.pos.Board().Draw()
}

// insufficientMaterial covers the dead positions that need no search:
// bare kings, or a single minor piece against a bare king.
func insufficientMaterial(board *chess.Board) bool {
	minors := 0
	for _, piece := range board.SquareMap() {
		switch piece.Type() {
		case chess.King:
		case chess.Bishop, chess.Knight:
			minors++
		default:
			return false
		}
	}
	return minors <= 1
}
