package game

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrExportMismatch is returned when replaying an export does not
	// reproduce the position it claims.
	ErrExportMismatch = errors.New("export does not match its move history")
	// ErrDigestMismatch is returned when an export's digest is not the digest
	// of its contents.
	ErrDigestMismatch = errors.New("export digest mismatch")
)

// digestVersion is mixed into every digest so a format change never
// compares equal to an older one.
const digestVersion = 1

// PositionDigest identifies a position at a given ply. Broadcasts carry it
// so mirrors can check what they derived locally.
func PositionDigest(fen string, ply int) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("V%d|FEN:%s|PLY:%d", digestVersion, fen, ply)))
	return hex.EncodeToString(sum[:])
}

// ExportDigest computes the digest of an export, ignoring its Digest field.
func ExportDigest(e message.Export) string {
	sum := blake2b.Sum256([]byte(canonicalExport(e)))
	return hex.EncodeToString(sum[:])
}

// VerifyExport reports whether e carries the digest of its own contents.
func VerifyExport(e message.Export) bool {
	return e.Digest == ExportDigest(e)
}

// canonicalExport renders the deterministic fields of an export in a fixed
// order.
func canonicalExport(e message.Export) string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "V%d\n", digestVersion)
	fmt.Fprintf(&buf, "GAME:%s\n", e.GameID)
	fmt.Fprintf(&buf, "INITIAL:%s\n", e.InitialFEN)
	fmt.Fprintf(&buf, "FEN:%s\n", e.FEN)
	buf.WriteString("MOVES:")
	buf.WriteString(strings.Join(e.Moves, ","))
	buf.WriteString("\n")

	// Sides in fixed order, not map order.
	for _, side := range []rules.Side{rules.White, rules.Black} {
		c := e.Clocks[side]
		fmt.Fprintf(&buf, "CLOCK:%s|%d|%d\n", side, int64(c.Remaining), int64(c.Increment))
	}

	fmt.Fprintf(&buf, "RESULT:%s|%s|%s\n", e.Result.Status, e.Result.Winner, e.Result.Termination)
	return buf.String()
}

// Export serializes the game: starting FEN, UCI history, resulting FEN,
// clocks and result, sealed with a digest. Running flags are not exported.
func (s *GameState) Export(gameID string) message.Export {
	moves := make([]string, len(s.history))
	for i, m := range s.history {
		moves[i] = m.String()
	}
	clocks := s.ClockViews()
	for side, c := range clocks {
		c.Running = false
		clocks[side] = c
	}
	e := message.Export{
		GameID:     gameID,
		InitialFEN: s.initial.FEN(),
		FEN:        s.position.FEN(),
		Moves:      moves,
		Clocks:     clocks,
		Result:     s.result.View(),
	}
	e.Digest = ExportDigest(e)
	return e
}

// ImportState rebuilds a GameState by replaying the export's moves from its
// initial position. The replay must land on the exported FEN exactly.
func ImportState(e message.Export) (*GameState, error) {
	if e.Digest != "" && !VerifyExport(e) {
		return nil, fmt.Errorf("import %s: %w", e.GameID, ErrDigestMismatch)
	}
	initial, err := rules.ParseFEN(e.InitialFEN)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", e.GameID, err)
	}

	s := NewGameState(initial, Untimed)
	for i, text := range e.Moves {
		m, err := rules.ParseMove(text)
		if err != nil {
			return nil, fmt.Errorf("import %s ply %d: %w", e.GameID, i+1, err)
		}
		if _, err := s.Apply(m); err != nil {
			return nil, fmt.Errorf("import %s ply %d: %w", e.GameID, i+1, err)
		}
	}
	if s.position.FEN() != e.FEN {
		return nil, fmt.Errorf("import %s: replay gives %q, export says %q: %w",
			e.GameID, s.position.FEN(), e.FEN, ErrExportMismatch)
	}

	for side, view := range e.Clocks {
		if c, ok := s.clocks[side]; ok {
			c.restore(view)
		}
	}
	if r := resultFromView(e.Result); r.IsOver() {
		s.result = r
	}
	return s, nil
}
