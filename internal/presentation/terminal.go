// Package presentation connects a person to an interactive seat: a line
// based terminal and a gRPC service for graphical front ends.
package presentation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"go.uber.org/zap"
)

// TerminalID is the component id stamped on terminal input.
const TerminalID = "terminal"

const helpText = `commands:
  e2e4 | move e2e4     play a move
  premove e7e5         queue a move for your next turn
  draw                 offer or accept a draw
  resign               give up
  sync                 reload the game from the host
`

// Terminal reads commands from a line oriented input and prints what the
// interactive seat receives.
type Terminal struct {
	in     io.Reader
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewTerminal creates a terminal bridge over in and out.
func NewTerminal(in io.Reader, out io.Writer, logger *zap.Logger) *Terminal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Terminal{in: in, out: out, logger: logger.Named(TerminalID)}
}

// Run forwards parsed commands to target until the input ends, ctx is done
// or target closes.
func (t *Terminal) Run(ctx context.Context, target *message.Inbox) error {
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "help" || line == "?" {
			t.printf("%s", helpText)
			continue
		}
		action, err := message.ParseAction(line)
		if err != nil {
			t.printf("? %v (type help)\n", err)
			continue
		}
		if err := target.Submit(TerminalID, action); err != nil {
			if errors.Is(err, bus.ErrFull) {
				t.printf("? busy, try again\n")
				continue
			}
			t.logger.Debug("seat closed, terminal stopped", zap.Error(err))
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read terminal input: %w", err)
	}
	return nil
}

// Present implements handler.Presenter.
func (t *Terminal) Present(env message.Envelope, snapshot rules.Position) {
	switch b := env.Body.(type) {
	case message.StateBroadcast:
		t.printf("%s\n", FormatState(b))
	case message.MoveResult:
		t.printf("%s\n", FormatResult(b))
	case message.SyncResponse:
		t.printf("synced at ply %d: %s\n", len(b.Export.Moves), b.Export.FEN)
	case message.ErrorNotice:
		t.printf("error [%s] %s\n", b.Code, b.Detail)
	case message.Shutdown:
		t.printf("session ended: %s\n", b.Reason)
	}
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.out, format, args...); err != nil {
		t.logger.Warn("failed to write to terminal", zap.Error(err))
	}
}

// FormatState renders a broadcast on one line.
func FormatState(b message.StateBroadcast) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] ply %d", b.Phase, b.Ply)
	if b.LastMove != "" {
		fmt.Fprintf(&sb, " last %s", b.LastMove)
	}
	for _, side := range []rules.Side{rules.White, rules.Black} {
		c, ok := b.Clocks[side]
		if !ok || (c.Remaining == 0 && !c.Running) {
			continue
		}
		marker := ""
		if c.Running {
			marker = "*"
		}
		fmt.Fprintf(&sb, " %s %s%s", side, formatClock(c.Remaining), marker)
	}
	if b.DrawOffer != "" {
		fmt.Fprintf(&sb, " draw offered by %s", b.DrawOffer)
	}
	if !b.Result.Ongoing() {
		fmt.Fprintf(&sb, " result %s (%s)", b.Result.Status, b.Result.Termination)
	}
	fmt.Fprintf(&sb, "\n  %s", b.FEN)
	return sb.String()
}

// FormatResult renders a move result.
func FormatResult(r message.MoveResult) string {
	what := "move"
	if r.Premove {
		what = "premove"
	}
	switch {
	case r.Queued:
		return fmt.Sprintf("%s %s queued", what, r.Move)
	case r.Accepted:
		return fmt.Sprintf("%s %s accepted", what, r.Move)
	default:
		return fmt.Sprintf("%s %s rejected: %s", what, r.Move, r.Reason)
	}
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(100 * time.Millisecond)
	m := int(d / time.Minute)
	s := (d % time.Minute).Seconds()
	return fmt.Sprintf("%d:%04.1f", m, s)
}
