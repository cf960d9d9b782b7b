package presentation

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTerminalForwardsCommands(t *testing.T) {
	in := strings.NewReader("e2e4\n\npremove e7e5\nfly away\nhelp\ndraw\nresign\n")
	var out bytes.Buffer
	term := NewTerminal(in, &out, zaptest.NewLogger(t))
	target := message.NewInbox("white", 16)

	require.NoError(t, term.Run(context.Background(), target))
	require.Equal(t, 4, target.Backlog())

	var got []message.Action
	for target.Backlog() > 0 {
		env, err := target.Get()
		require.NoError(t, err)
		assert.Equal(t, TerminalID, env.From)
		got = append(got, env.Body.(message.Input).Action)
	}
	assert.Equal(t, message.ActionMove, got[0].Type)
	assert.Equal(t, "e2e4", got[0].Move.String())
	assert.Equal(t, message.ActionPremove, got[1].Type)
	assert.Equal(t, message.ActionDrawOffer, got[2].Type)
	assert.Equal(t, message.ActionResign, got[3].Type)

	assert.Contains(t, out.String(), "unknown command")
	assert.Contains(t, out.String(), "commands:")
}

func TestTerminalStopsWhenSeatCloses(t *testing.T) {
	target := message.NewInbox("white", 1)
	target.Close()
	term := NewTerminal(strings.NewReader("e2e4\ne7e5\n"), &bytes.Buffer{}, zaptest.NewLogger(t))
	assert.NoError(t, term.Run(context.Background(), target))
}

func TestTerminalReportsFullBacklog(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("e2e4\nd2d4\n"), &out, zaptest.NewLogger(t))
	target := message.NewInbox("white", 1)

	require.NoError(t, term.Run(context.Background(), target))
	assert.Equal(t, 1, target.Backlog())
	assert.Contains(t, out.String(), "busy")
}

func TestTerminalPresents(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader(""), &out, zaptest.NewLogger(t))

	term.Present(message.Envelope{Body: message.StateBroadcast{
		FEN:      rules.StandardFEN,
		Ply:      1,
		LastMove: "e2e4",
		Phase:    "in-progress",
		Clocks: map[rules.Side]message.ClockView{
			rules.White: {Remaining: 90 * time.Second},
			rules.Black: {Remaining: 65500 * time.Millisecond, Running: true},
		},
		Result:    message.Result{Status: "ongoing"},
		DrawOffer: "white",
	}}, rules.Position{})
	term.Present(message.Envelope{Body: message.MoveResult{Move: rules.MustParseMove("e7e5"), Premove: true, Queued: true, Accepted: true}}, rules.Position{})
	term.Present(message.Envelope{Body: message.MoveResult{Move: rules.MustParseMove("e2e5"), Reason: message.ReasonIllegalMove}}, rules.Position{})
	term.Present(message.Envelope{Body: message.ErrorNotice{Code: message.CodeDisconnect, Detail: "link lost"}}, rules.Position{})
	term.Present(message.Envelope{Body: message.Shutdown{Reason: "bye"}}, rules.Position{})

	text := out.String()
	assert.Contains(t, text, "[in-progress] ply 1 last e2e4 white 1:30.0 black 1:05.5* draw offered by white")
	assert.Contains(t, text, "premove e7e5 queued")
	assert.Contains(t, text, "move e2e5 rejected: illegal-move")
	assert.Contains(t, text, "error [disconnect] link lost")
	assert.Contains(t, text, "session ended: bye")
}

func TestFormatStateShowsResult(t *testing.T) {
	s := FormatState(message.StateBroadcast{
		Phase:  "game-over",
		Ply:    4,
		Result: message.Result{Status: "black-wins", Termination: "checkmate"},
	})
	assert.Contains(t, s, "result black-wins (checkmate)")
}
