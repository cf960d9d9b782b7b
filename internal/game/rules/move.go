package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// ErrIllegalMove is returned by Apply when the move is not in the legal set.
var ErrIllegalMove = errors.New("illegal move")

// Flag carries move properties reported by the rules engine.
type Flag uint8

const (
	FlagCapture Flag = 1 << iota
	FlagEnPassant
	FlagKingSideCastle
	FlagQueenSideCastle
	FlagCheck
)

// Has reports whether all bits of f are set.
func (fl Flag) Has(f Flag) bool {
	return fl&f == f
}

// Move is an origin/destination pair with an optional promotion piece.
// Flags are informational; legality compares squares and promotion only.
type Move struct {
	From  chess.Square
	To    chess.Square
	Promo chess.PieceType
	Flags Flag
}

// Same reports whether two moves denote the same action.
func (m Move) Same(other Move) bool {
	return m.From == other.From && m.To == other.To && m.Promo == other.Promo
}

// String returns the UCI form, e.g. "e2e4" or "e7e8q".
func (m Move) String() string {
	return m.From.String() + m.To.String() + m.Promo.String()
}

// ParseMove parses a UCI move string. It does not check legality.
func ParseMove(text string) (Move, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if len(text) != 4 && len(text) != 5 {
		return Move{}, fmt.Errorf("invalid move %q: want 4 or 5 characters", text)
	}
	from, err := parseSquare(text[0:2])
	if err != nil {
		return Move{}, fmt.Errorf("invalid move %q: %w", text, err)
	}
	to, err := parseSquare(text[2:4])
	if err != nil {
		return Move{}, fmt.Errorf("invalid move %q: %w", text, err)
	}
	m := Move{From: from, To: to}
	if len(text) == 5 {
		switch text[4] {
		case 'q':
			m.Promo = chess.Queen
		case 'r':
			m.Promo = chess.Rook
		case 'b':
			m.Promo = chess.Bishop
		case 'n':
			m.Promo = chess.Knight
		default:
			return Move{}, fmt.Errorf("invalid move %q: bad promotion piece", text)
		}
	}
	return m, nil
}

// MustParseMove is ParseMove for literals in tests and fixtures.
func MustParseMove(text string) Move {
	m, err := ParseMove(text)
	if err != nil {
		panic(err)
	}
	return m
}

func parseSquare(s string) (chess.Square, error) {
	file := s[0]
	rank := s[1]
	if file < 'a' || file > 'h' || rank < '1' || rank > '8' {
		return chess.NoSquare, fmt.Errorf("bad square %q", s)
	}
	return chess.Square(int(rank-'1')*8 + int(file-'a')), nil
}

func fromEngineMove(cm *chess.Move) Move {
	m := Move{From: cm.S1(), To: cm.S2(), Promo: cm.Promo()}
	if cm.HasTag(chess.Capture) {
		m.Flags |= FlagCapture
	}
	if cm.HasTag(chess.EnPassant) {
		m.Flags |= FlagEnPassant | FlagCapture
	}
	if cm.HasTag(chess.KingSideCastle) {
		m.Flags |= FlagKingSideCastle
	}
	if cm.HasTag(chess.QueenSideCastle) {
		m.Flags |= FlagQueenSideCastle
	}
	if cm.HasTag(chess.Check) {
		m.Flags |= FlagCheck
	}
	return m
}
