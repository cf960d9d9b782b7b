package message

import (
	"fmt"
	"strings"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
)

// ActionType enumerates what an input source can ask for.
type ActionType int

const (
	ActionMove ActionType = iota
	ActionPremove
	ActionResign
	ActionDrawOffer
	ActionSync
)

var actionNames = map[ActionType]string{
	ActionMove:      "MOVE",
	ActionPremove:   "PREMOVE",
	ActionResign:    "RESIGN",
	ActionDrawOffer: "DRAW_OFFER",
	ActionSync:      "SYNC",
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ACTION_%d", int(a))
}

// Action is one request from a player's input source. Seq, when non-zero,
// is the sequence number the source already assigned (a remote peer's own
// counter) and is submitted unchanged.
type Action struct {
	Type ActionType
	Move rules.Move
	Seq  uint64
}

// ParseAction reads the textual command form used by the terminal bridge
// and the presentation RPC: "e2e4", "move e2e4", "premove e7e5", "resign",
// "draw", "sync".
func ParseAction(text string) (Action, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return Action{}, fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "resign":
		return Action{Type: ActionResign}, nil
	case "draw":
		return Action{Type: ActionDrawOffer}, nil
	case "sync":
		return Action{Type: ActionSync}, nil
	case "move", "premove":
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("%s needs exactly one move", fields[0])
		}
		m, err := rules.ParseMove(fields[1])
		if err != nil {
			return Action{}, err
		}
		if fields[0] == "premove" {
			return Action{Type: ActionPremove, Move: m}, nil
		}
		return Action{Type: ActionMove, Move: m}, nil
	}
	if len(fields) != 1 {
		return Action{}, fmt.Errorf("unknown command %q", text)
	}
	m, err := rules.ParseMove(fields[0])
	if err != nil {
		return Action{}, fmt.Errorf("unknown command %q: %w", text, err)
	}
	return Action{Type: ActionMove, Move: m}, nil
}
