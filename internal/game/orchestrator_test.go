package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 2 * time.Second

func next(t *testing.T, in *message.Inbox) message.Envelope {
	t.Helper()
	ch := make(chan message.Envelope, 1)
	go func() {
		if env, err := in.Get(); err == nil {
			ch <- env
		}
	}()
	select {
	case env := <-ch:
		return env
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting on inbox %s", in.Name())
		return message.Envelope{}
	}
}

func nextBroadcast(t *testing.T, in *message.Inbox) message.StateBroadcast {
	t.Helper()
	env := next(t, in)
	b, ok := env.Body.(message.StateBroadcast)
	require.True(t, ok, "expected broadcast, got %s", env.Kind())
	return b
}

func nextResult(t *testing.T, in *message.Inbox) message.MoveResult {
	t.Helper()
	env := next(t, in)
	r, ok := env.Body.(message.MoveResult)
	require.True(t, ok, "expected move result, got %s", env.Kind())
	return r
}

type player struct {
	id    string
	side  rules.Side
	inbox *message.Inbox
	seq   uint64
}

type harness struct {
	t     *testing.T
	orch  *Orchestrator
	white *player
	black *player
	errc  chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	o, err := NewOrchestrator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	h := &harness{
		t:     t,
		orch:  o,
		white: &player{id: "white-handler", side: rules.White, inbox: message.NewInbox("white-handler", 16)},
		black: &player{id: "black-handler", side: rules.Black, inbox: message.NewInbox("black-handler", 16)},
		errc:  make(chan error, 1),
	}
	go func() { h.errc <- o.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = o.Inbox().Put("test", message.Shutdown{Reason: "test cleanup"})
		select {
		case <-h.errc:
		case <-o.Done():
		case <-time.After(waitTimeout):
			t.Error("orchestrator did not stop")
		}
	})
	return h
}

// start registers both players and consumes the resulting broadcasts.
func (h *harness) start() {
	h.register(h.white)
	assert.Equal(h.t, string(PhaseAwaitingHandlers), nextBroadcast(h.t, h.white.inbox).Phase)
	h.register(h.black)
	assert.Equal(h.t, string(PhaseInProgress), nextBroadcast(h.t, h.white.inbox).Phase)
	assert.Equal(h.t, string(PhaseInProgress), nextBroadcast(h.t, h.black.inbox).Phase)
}

func (h *harness) register(p *player) {
	h.t.Helper()
	require.NoError(h.t, h.orch.Inbox().Put(p.id, message.Register{
		Identity: message.Identity{ID: p.id, Side: p.side, Kind: message.HandlerAutomated},
		Inbox:    p.inbox,
	}))
}

func (h *harness) send(p *player, body message.Body) {
	h.t.Helper()
	require.NoError(h.t, h.orch.Inbox().Put(p.id, body))
}

func (h *harness) submit(p *player, move string, premove bool) {
	h.t.Helper()
	p.seq++
	h.send(p, message.MoveSubmission{
		HandlerID: p.id,
		Move:      rules.MustParseMove(move),
		LocalSeq:  p.seq,
		Premove:   premove,
	})
}

// barrier proves that nothing else was delivered to p before this point.
func (h *harness) barrier(p *player) message.Export {
	h.t.Helper()
	h.send(p, message.SyncRequest{HandlerID: p.id})
	env := next(h.t, p.inbox)
	resp, ok := env.Body.(message.SyncResponse)
	require.True(h.t, ok, "expected sync response, got %s", env.Kind())
	return resp.Export
}

func (h *harness) play(p *player, move string) message.StateBroadcast {
	h.t.Helper()
	h.submit(p, move, false)
	r := nextResult(h.t, p.inbox)
	require.True(h.t, r.Accepted, "move %s rejected: %s", move, r.Reason)
	b := nextBroadcast(h.t, h.white.inbox)
	assert.Equal(h.t, b, nextBroadcast(h.t, h.black.inbox))
	return b
}

func TestTwoLocalHandlersTwoPlies(t *testing.T) {
	h := newHarness(t, Config{GameID: "scenario"})
	h.start()

	// Black's e2e4 reaches the orchestrator while white holds the token.
	h.submit(h.black, "e2e4", false)
	r := nextResult(t, h.black.inbox)
	assert.False(t, r.Accepted)
	assert.Equal(t, message.ReasonNotYourTurn, r.Reason)

	b := h.play(h.white, "e2e4")
	assert.Equal(t, 1, b.Ply)
	assert.Equal(t, "b", sideField(b.FEN))

	b = h.play(h.black, "e7e5")
	assert.Equal(t, 2, b.Ply)
	assert.Equal(t, "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq e6 0 2", b.FEN)

	e := h.barrier(h.white)
	assert.Equal(t, "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq e6 0 2", e.FEN)
	assert.Equal(t, []string{"e2e4", "e7e5"}, e.Moves)
}

func sideField(fen string) string {
	for i := 0; i < len(fen); i++ {
		if fen[i] == ' ' {
			return fen[i+1 : i+2]
		}
	}
	return ""
}

func TestTurnAlternation(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	moves := []string{"d2d4", "g8f6", "c2c4", "e7e6", "b1c3", "f8b4"}
	players := []*player{h.white, h.black}
	lastSide := ""
	for i, m := range moves {
		b := h.play(players[i%2], m)
		assert.NotEqual(t, lastSide, sideField(b.FEN))
		lastSide = sideField(b.FEN)
		assert.Equal(t, i+1, b.Ply)
	}

	h.submit(h.black, "b4c3", false)
	r := nextResult(t, h.black.inbox)
	assert.Equal(t, message.ReasonNotYourTurn, r.Reason)
	h.barrier(h.black)
	assert.Equal(t, 0, h.white.inbox.Len())
}

func TestIllegalMoveRejectedWithoutBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.submit(h.white, "e2e5", false)
	r := nextResult(t, h.white.inbox)
	assert.False(t, r.Accepted)
	assert.Equal(t, message.ReasonIllegalMove, r.Reason)

	e := h.barrier(h.white)
	assert.Empty(t, e.Moves)
	h.barrier(h.black)
}

func TestPremoveAppliedInSameStep(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.submit(h.black, "e7e5", true)
	queued := nextResult(t, h.black.inbox)
	assert.True(t, queued.Accepted)
	assert.True(t, queued.Queued)
	assert.True(t, queued.Premove)

	h.submit(h.white, "e2e4", false)
	assert.True(t, nextResult(t, h.white.inbox).Accepted)

	applied := nextResult(t, h.black.inbox)
	assert.True(t, applied.Accepted)
	assert.True(t, applied.Premove)
	assert.False(t, applied.Queued)

	b := nextBroadcast(t, h.black.inbox)
	assert.Equal(t, 2, b.Ply)
	assert.Equal(t, "e7e5", b.LastMove)
	assert.Equal(t, b, nextBroadcast(t, h.white.inbox))

	h.barrier(h.white)
	h.barrier(h.black)
}

func TestIllegalPremoveDiscarded(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.submit(h.black, "e7e4", true)
	assert.True(t, nextResult(t, h.black.inbox).Queued)

	h.submit(h.white, "e2e4", false)
	assert.True(t, nextResult(t, h.white.inbox).Accepted)

	discarded := nextResult(t, h.black.inbox)
	assert.False(t, discarded.Accepted)
	assert.True(t, discarded.Premove)
	assert.Equal(t, message.ReasonIllegalMove, discarded.Reason)

	b := nextBroadcast(t, h.black.inbox)
	assert.Equal(t, 1, b.Ply)
	assert.Equal(t, b, nextBroadcast(t, h.white.inbox))
	h.barrier(h.black)
}

func TestPremoveLatestWins(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.submit(h.black, "e7e5", true)
	nextResult(t, h.black.inbox)
	h.submit(h.black, "d7d5", true)
	nextResult(t, h.black.inbox)

	h.submit(h.white, "e2e4", false)
	nextResult(t, h.white.inbox)
	applied := nextResult(t, h.black.inbox)
	assert.Equal(t, "d7d5", applied.Move.String())

	b := nextBroadcast(t, h.black.inbox)
	assert.Equal(t, "d7d5", b.LastMove)
}

func TestPremoveFromTokenHolderPlaysNow(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.submit(h.white, "e2e4", true)
	r := nextResult(t, h.white.inbox)
	assert.True(t, r.Accepted)
	assert.False(t, r.Queued)
	assert.Equal(t, 1, nextBroadcast(t, h.white.inbox).Ply)
}

func TestDuplicateSubmissionIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.play(h.white, "e2e4")
	h.play(h.black, "e7e5")

	// Retransmit with an already used sequence number.
	h.send(h.white, message.MoveSubmission{
		HandlerID: h.white.id,
		Move:      rules.MustParseMove("g1f3"),
		LocalSeq:  h.white.seq,
	})
	e := h.barrier(h.white)
	assert.Len(t, e.Moves, 2)
}

func TestSubmissionBeforeBothHandlers(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(h.white)
	nextBroadcast(t, h.white.inbox)

	h.submit(h.white, "e2e4", false)
	r := nextResult(t, h.white.inbox)
	assert.Equal(t, message.ReasonGamePaused, r.Reason)
}

func TestSideAlreadyTaken(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	intruder := message.NewInbox("intruder", 4)
	h.send(h.white, message.Register{
		Identity: message.Identity{ID: "intruder", Side: rules.White, Kind: message.HandlerRemote},
		Inbox:    intruder,
	})
	env := next(t, intruder)
	notice, ok := env.Body.(message.ErrorNotice)
	require.True(t, ok)
	assert.Equal(t, message.CodeBadRequest, notice.Code)
}

func TestTickTimeoutBroadcastOnce(t *testing.T) {
	tc := TimeControl{White: ClockSetting{Initial: time.Second}, Black: ClockSetting{Initial: time.Second}}
	h := newHarness(t, Config{TimeControl: tc})
	h.start()

	h.send(h.white, message.Tick{Elapsed: 400 * time.Millisecond})
	e := h.barrier(h.white)
	assert.Equal(t, 600*time.Millisecond, e.Clocks[rules.White].Remaining)
	assert.Equal(t, time.Second, e.Clocks[rules.Black].Remaining)

	h.send(h.white, message.Tick{Elapsed: 700 * time.Millisecond})
	h.send(h.white, message.Tick{Elapsed: 700 * time.Millisecond})

	b := nextBroadcast(t, h.white.inbox)
	assert.Equal(t, string(PhaseGameOver), b.Phase)
	assert.Equal(t, "black-wins", b.Result.Status)
	assert.Equal(t, "timeout", b.Result.Termination)
	assert.Equal(t, time.Duration(0), b.Clocks[rules.White].Remaining)
	nextBroadcast(t, h.black.inbox)

	h.barrier(h.white)
	h.submit(h.white, "e2e4", false)
	assert.Equal(t, message.ReasonGameOver, nextResult(t, h.white.inbox).Reason)
}

func TestTickerDrivesClock(t *testing.T) {
	tc := TimeControl{White: ClockSetting{Initial: 50 * time.Millisecond}, Black: ClockSetting{Initial: time.Minute}}
	h := newHarness(t, Config{TimeControl: tc, TickInterval: 5 * time.Millisecond})
	h.start()

	b := nextBroadcast(t, h.white.inbox)
	assert.Equal(t, "timeout", b.Result.Termination)
	assert.Equal(t, "black", b.Result.Winner)
}

func TestDisconnectPausesAndForfeitsAfterGrace(t *testing.T) {
	tc := TimeControl{White: ClockSetting{Initial: time.Minute}, Black: ClockSetting{Initial: time.Minute}}
	h := newHarness(t, Config{TimeControl: tc, GracePeriod: 200 * time.Millisecond})
	h.start()

	h.send(h.black, message.Deregister{HandlerID: h.black.id, Cause: "connection lost"})
	paused := nextBroadcast(t, h.white.inbox)
	assert.Equal(t, string(PhasePaused), paused.Phase)
	assert.False(t, paused.Clocks[rules.White].Running)

	h.submit(h.white, "e2e4", false)
	assert.Equal(t, message.ReasonGamePaused, nextResult(t, h.white.inbox).Reason)

	over := nextBroadcast(t, h.white.inbox)
	assert.Equal(t, string(PhaseGameOver), over.Phase)
	assert.Equal(t, "white-wins", over.Result.Status)
	assert.Equal(t, "forfeit", over.Result.Termination)
}

func TestReconnectWithinGraceResumes(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: time.Hour})
	h.start()
	h.play(h.white, "e2e4")

	h.send(h.black, message.Deregister{HandlerID: h.black.id})
	assert.Equal(t, string(PhasePaused), nextBroadcast(t, h.white.inbox).Phase)
	assert.Equal(t, string(PhasePaused), nextBroadcast(t, h.black.inbox).Phase)

	h.black.inbox = message.NewInbox("black-handler", 16)
	h.register(h.black)
	resumed := nextBroadcast(t, h.black.inbox)
	assert.Equal(t, string(PhaseInProgress), resumed.Phase)
	assert.Equal(t, 1, resumed.Ply)
	nextBroadcast(t, h.white.inbox)

	// The sequence watermark starts over after registering again.
	h.black.seq = 0
	b := h.play(h.black, "c7c5")
	assert.Equal(t, 2, b.Ply)
}

func TestStaleGraceTimerIgnored(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: time.Hour})
	h.start()

	h.send(h.black, message.Deregister{HandlerID: h.black.id})
	nextBroadcast(t, h.white.inbox)
	h.send(h.white, message.GraceExpired{Side: rules.Black, Epoch: 99})

	e := h.barrier(h.white)
	assert.Equal(t, "ongoing", e.Result.Status)
}

func TestResign(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.send(h.white, message.Resign{HandlerID: h.white.id})
	b := nextBroadcast(t, h.black.inbox)
	assert.Equal(t, "black-wins", b.Result.Status)
	assert.Equal(t, "resignation", b.Result.Termination)
}

func TestDrawAgreement(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	h.send(h.white, message.DrawOffer{HandlerID: h.white.id})
	offered := nextBroadcast(t, h.black.inbox)
	assert.Equal(t, "white", offered.DrawOffer)
	nextBroadcast(t, h.white.inbox)

	h.send(h.black, message.DrawOffer{HandlerID: h.black.id})
	b := nextBroadcast(t, h.black.inbox)
	assert.Equal(t, "draw", b.Result.Status)
	assert.Equal(t, "agreement", b.Result.Termination)
}

func TestDrawOfferLapsesWhenDeclinedByMove(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()
	h.play(h.white, "e2e4")

	h.send(h.white, message.DrawOffer{HandlerID: h.white.id})
	nextBroadcast(t, h.white.inbox)
	nextBroadcast(t, h.black.inbox)

	b := h.play(h.black, "e7e5")
	assert.Empty(t, b.DrawOffer)

	h.send(h.black, message.DrawOffer{HandlerID: h.black.id})
	b = nextBroadcast(t, h.black.inbox)
	assert.Equal(t, "ongoing", b.Result.Status)
	assert.Equal(t, "black", b.DrawOffer)
}

func TestFullHandlerInboxHaltsSession(t *testing.T) {
	o, err := NewOrchestrator(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- o.Run(context.Background()) }()

	stuck := message.NewInbox("stuck", 1)
	black := message.NewInbox("black", 8)
	require.NoError(t, o.Inbox().Put("stuck", message.Register{
		Identity: message.Identity{ID: "stuck", Side: rules.White},
		Inbox:    stuck,
	}))
	require.NoError(t, o.Inbox().Put("black", message.Register{
		Identity: message.Identity{ID: "black", Side: rules.Black},
		Inbox:    black,
	}))

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrInboxOverflow)
	case <-time.After(waitTimeout):
		t.Fatal("orchestrator kept running with a full handler inbox")
	}

	env := next(t, black)
	notice, ok := env.Body.(message.ErrorNotice)
	require.True(t, ok, "got %s", env.Kind())
	assert.Equal(t, message.CodeInternal, notice.Code)
	assert.Equal(t, message.KindShutdown, next(t, black).Kind())

	final, ok := o.Final()
	require.True(t, ok)
	assert.Equal(t, "aborted", final.Result.Status)

	// The stuck seat's Shutdown did not fit, so its inbox is closed and a
	// consumer loop still ends after draining.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			env, err := stuck.Get()
			if err != nil || env.Kind() == message.KindShutdown {
				return
			}
		}
	}()
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("stuck seat never saw the end of its inbox")
	}
}

func TestBackloggedSeatRequestsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	// Black never reads its answers.
	for i := 0; i < 12; i++ {
		h.send(h.black, message.SyncRequest{HandlerID: h.black.id})
	}
	h.barrier(h.white)
	assert.Equal(t, 9, h.black.inbox.Len(), "answers stop once the inbox is more than half full")

	// Broadcasts still reach the backlogged seat.
	h.submit(h.white, "e2e4", false)
	assert.True(t, nextResult(t, h.white.inbox).Accepted)
	assert.Equal(t, 1, nextBroadcast(t, h.white.inbox).Ply)
	h.barrier(h.white)
	assert.Equal(t, 10, h.black.inbox.Len())
	_, over := h.orch.Final()
	assert.False(t, over)
}

type memoryArchive struct {
	mu    sync.Mutex
	games []message.Export
}

func (a *memoryArchive) SaveGame(_ context.Context, e message.Export) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.games = append(a.games, e)
	return nil
}

func (a *memoryArchive) saved() []message.Export {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]message.Export(nil), a.games...)
}

func TestShutdownCompleteness(t *testing.T) {
	archive := &memoryArchive{}
	h := newHarness(t, Config{GameID: "g-shutdown", Archive: archive})
	h.start()
	h.play(h.white, "e2e4")

	h.send(h.white, message.Shutdown{Reason: "operator"})
	// Queued behind the shutdown; must be discarded, not processed. The put
	// fails instead if the orchestrator has already closed its inbox.
	_ = h.orch.Inbox().Put(h.black.id, message.MoveSubmission{
		HandlerID: h.black.id,
		Move:      rules.MustParseMove("e7e5"),
		LocalSeq:  99,
	})

	for _, p := range []*player{h.white, h.black} {
		b := nextBroadcast(t, p.inbox)
		assert.Equal(t, "aborted", b.Result.Status)
		assert.Equal(t, message.KindShutdown, next(t, p.inbox).Kind())
	}

	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, 0, h.orch.Inbox().Len())
	assert.Equal(t, 0, h.white.inbox.Len())
	assert.Equal(t, 0, h.black.inbox.Len())

	games := archive.saved()
	require.Len(t, games, 1)
	assert.Equal(t, "g-shutdown", games[0].GameID)
	assert.Equal(t, []string{"e2e4"}, games[0].Moves)
	assert.Equal(t, "aborted", games[0].Result.Status)
}

func TestContextCancelStopsRun(t *testing.T) {
	o, err := NewOrchestrator(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("orchestrator ignored cancellation")
	}
}

func TestResumeFromExport(t *testing.T) {
	s := NewGameState(rules.StartPosition(), Untimed)
	playAll(t, s, "e2e4", "e7e5", "g1f3")
	e := s.Export("resumed")

	h := newHarness(t, Config{Resume: &e})
	assert.Equal(t, "resumed", h.orch.GameID())
	h.start()

	b := h.play(h.black, "b8c6")
	assert.Equal(t, 4, b.Ply)
}

func TestReplayRecordedOnGameOver(t *testing.T) {
	dir := t.TempDir()
	recorder := NewReplayRecorder(zaptest.NewLogger(t), dir)
	h := newHarness(t, Config{GameID: "g-replay", Recorder: recorder})
	h.start()

	h.play(h.white, "f2f3")
	h.play(h.black, "e7e5")
	h.play(h.white, "g2g4")
	b := h.play(h.black, "d8h4")
	assert.Equal(t, "checkmate", b.Result.Termination)

	replay, err := recorder.LoadReplay("g-replay")
	require.NoError(t, err)
	require.Equal(t, 5, replay.Size())
	assert.Empty(t, replay.GetStateAt(0).Moves)
	assert.Equal(t, "black-wins", replay.GetStateAt(4).Result.Status)
}
