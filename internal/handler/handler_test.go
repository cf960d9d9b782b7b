package handler

import (
	"sync"
	"testing"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 2 * time.Second

func broadcastFor(t *testing.T, s *game.GameState, phase game.Phase) message.StateBroadcast {
	t.Helper()
	pos := s.Position()
	return message.StateBroadcast{
		FEN:      pos.FEN(),
		Ply:      pos.Ply(),
		LastMove: s.LastMove(),
		Phase:    string(phase),
		Clocks:   s.ClockViews(),
		Result:   s.Result().View(),
		Digest:   game.PositionDigest(pos.FEN(), pos.Ply()),
	}
}

func play(t *testing.T, s *game.GameState, moves ...string) {
	t.Helper()
	for _, m := range moves {
		_, err := s.Apply(rules.MustParseMove(m))
		require.NoError(t, err)
	}
}

func nextEnvelope(t *testing.T, in *message.Inbox) message.Envelope {
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
		t.Fatalf("timed out waiting on %s", in.Name())
		return message.Envelope{}
	}
}

func TestMirrorFollowsBroadcasts(t *testing.T) {
	host := game.NewGameState(rules.StartPosition(), game.Untimed)
	m := NewMirror()
	assert.True(t, m.Position().IsZero())

	require.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))
	assert.Equal(t, rules.StandardFEN, m.Position().FEN())

	play(t, host, "e2e4")
	require.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))
	assert.Equal(t, host.Position().FEN(), m.Position().FEN())
	assert.Equal(t, 1, m.Position().Ply())

	// Same ply again, e.g. after a draw offer.
	assert.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))
	assert.True(t, m.MyTurn(rules.Black))
	assert.False(t, m.MyTurn(rules.White))
}

func TestMirrorAdoptsPremoveChains(t *testing.T) {
	host := game.NewGameState(rules.StartPosition(), game.Untimed)
	m := NewMirror()
	require.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))

	play(t, host, "e2e4", "e7e5")
	require.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))
	assert.Equal(t, 2, m.Position().Ply())
	assert.Equal(t, host.Position().FEN(), m.Position().FEN())
}

func TestMirrorDetectsDivergence(t *testing.T) {
	host := game.NewGameState(rules.StartPosition(), game.Untimed)
	m := NewMirror()
	require.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))

	play(t, host, "e2e4")
	b := broadcastFor(t, host, game.PhaseInProgress)

	tampered := b
	tampered.Digest = "00"
	assert.False(t, m.Observe(tampered), "digest must match FEN and ply")

	wrongMove := b
	wrongMove.LastMove = "d2d4"
	assert.False(t, m.Observe(wrongMove), "last move must lead to the broadcast FEN")

	require.True(t, m.Observe(b))
	stale := broadcastFor(t, game.NewGameState(rules.StartPosition(), game.Untimed), game.PhaseInProgress)
	assert.False(t, m.Observe(stale), "ply must not go backwards")
}

func TestMirrorKeepsStateOnRejectedBroadcast(t *testing.T) {
	host := game.NewGameState(rules.StartPosition(), game.Untimed)
	m := NewMirror()
	require.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))
	before := m.State()

	play(t, host, "e2e4")
	over := broadcastFor(t, host, game.PhaseGameOver)
	over.Result = message.Result{Status: "white-wins", Termination: "resignation", Winner: "white"}

	tampered := over
	tampered.Digest = "00"
	assert.False(t, m.Observe(tampered))
	assert.Equal(t, before, m.State())

	wrongMove := over
	wrongMove.LastMove = "d2d4"
	assert.False(t, m.Observe(wrongMove))
	assert.Equal(t, before, m.State())
	assert.Equal(t, string(game.PhaseInProgress), m.State().Phase)
	assert.True(t, m.MyTurn(rules.White), "a rejected broadcast does not end the game locally")

	require.True(t, m.Observe(over))
	assert.Equal(t, "white-wins", m.State().Result.Status)
	assert.False(t, m.MyTurn(rules.Black))
}

func TestMirrorReplaceIsExact(t *testing.T) {
	host := game.NewGameState(rules.StartPosition(), game.Untimed)
	play(t, host, "d2d4", "g8f6", "c2c4")
	e := host.Export("g")

	m := NewMirror()
	require.True(t, m.Observe(broadcastFor(t, game.NewGameState(rules.StartPosition(), game.Untimed), game.PhaseInProgress)))
	require.NoError(t, m.Replace(e))
	assert.Equal(t, e.FEN, m.Position().FEN())
	assert.Equal(t, 3, m.Position().Ply())
	assert.Equal(t, "c2c4", m.State().LastMove)

	// A later broadcast continues from the replaced copy.
	play(t, host, "e7e6")
	assert.True(t, m.Observe(broadcastFor(t, host, game.PhaseInProgress)))

	e.FEN = rules.StandardFEN
	assert.Error(t, m.Replace(e))
}

// scripted is a minimal Handler for runner tests.
type scripted struct {
	identity message.Identity
	snapshot rules.Position
	actions  []message.Action

	mu       sync.Mutex
	notified []message.Envelope
}

func (s *scripted) Identity() message.Identity { return s.identity }

func (s *scripted) Notify(env message.Envelope) {
	s.mu.Lock()
	s.notified = append(s.notified, env)
	s.mu.Unlock()
	if in, ok := env.Body.(message.Input); ok {
		s.actions = append(s.actions, in.Action)
	}
}

func (s *scripted) PollInput() (message.Action, bool) {
	if len(s.actions) == 0 {
		return message.Action{}, false
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	return a, true
}

func (s *scripted) Snapshot() rules.Position { return s.snapshot }

func (s *scripted) envelopes() []message.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Envelope(nil), s.notified...)
}

func startRunner(t *testing.T, h Handler) (*Runner, *message.Inbox, chan error) {
	t.Helper()
	inbox := message.NewInbox(h.Identity().ID, 16)
	upstream := message.NewInbox("upstream", 16)
	r := NewRunner(h, inbox, upstream, zaptest.NewLogger(t))
	errc := make(chan error, 1)
	go func() { errc <- r.Run() }()
	t.Cleanup(func() {
		_ = inbox.Put("test", message.Shutdown{})
		select {
		case <-errc:
		case <-time.After(waitTimeout):
			t.Error("runner did not stop")
		}
	})
	return r, upstream, errc
}

func input(a message.Action) message.Input {
	return message.Input{Action: a}
}

func TestRunnerSubmitsWithIncreasingSequence(t *testing.T) {
	h := &scripted{identity: message.Identity{ID: "w", Side: rules.White}, snapshot: rules.StartPosition()}
	r, upstream, _ := startRunner(t, h)

	require.NoError(t, r.Register())
	reg := nextEnvelope(t, upstream)
	assert.Equal(t, message.KindRegister, reg.Kind())
	assert.Same(t, r.Inbox(), reg.Body.(message.Register).Inbox)

	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionMove, Move: rules.MustParseMove("e2e4")})))
	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionMove, Move: rules.MustParseMove("d2d4")})))
	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionDrawOffer})))
	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionResign})))
	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionSync})))

	first := nextEnvelope(t, upstream).Body.(message.MoveSubmission)
	second := nextEnvelope(t, upstream).Body.(message.MoveSubmission)
	assert.Equal(t, "w", first.HandlerID)
	assert.Equal(t, uint64(1), first.LocalSeq)
	assert.Equal(t, uint64(2), second.LocalSeq)
	assert.Equal(t, message.KindDrawOffer, nextEnvelope(t, upstream).Kind())
	assert.Equal(t, message.KindResign, nextEnvelope(t, upstream).Kind())
	assert.Equal(t, message.KindSyncRequest, nextEnvelope(t, upstream).Kind())
}

func TestRunnerKeepsRemoteSequence(t *testing.T) {
	h := &scripted{identity: message.Identity{ID: "r", Side: rules.White}, snapshot: rules.StartPosition()}
	r, upstream, _ := startRunner(t, h)

	require.NoError(t, r.Inbox().Put("net", input(message.Action{Type: message.ActionMove, Move: rules.MustParseMove("e2e4"), Seq: 7})))
	sub := nextEnvelope(t, upstream).Body.(message.MoveSubmission)
	assert.Equal(t, uint64(7), sub.LocalSeq)
}

func TestRunnerRejectsLocally(t *testing.T) {
	h := &scripted{identity: message.Identity{ID: "b", Side: rules.Black}, snapshot: rules.StartPosition()}
	r, upstream, _ := startRunner(t, h)

	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionMove, Move: rules.MustParseMove("e7e5")})))
	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionPremove, Move: rules.MustParseMove("e7e5")})))

	sub := nextEnvelope(t, upstream).Body.(message.MoveSubmission)
	assert.True(t, sub.Premove, "a premove passes the local check off-turn")
	assert.Equal(t, uint64(1), sub.LocalSeq)

	var local message.MoveResult
	for _, env := range h.envelopes() {
		if env.From == LocalCheckID {
			local = env.Body.(message.MoveResult)
		}
	}
	assert.False(t, local.Accepted)
	assert.Equal(t, message.ReasonNotYourTurn, local.Reason)
}

func TestRunnerRejectsIllegalLocally(t *testing.T) {
	h := &scripted{identity: message.Identity{ID: "w", Side: rules.White}, snapshot: rules.StartPosition()}
	r, upstream, _ := startRunner(t, h)

	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionMove, Move: rules.MustParseMove("e2e5")})))
	require.NoError(t, r.Inbox().Put("ui", input(message.Action{Type: message.ActionMove, Move: rules.MustParseMove("e2e4")})))

	sub := nextEnvelope(t, upstream).Body.(message.MoveSubmission)
	assert.Equal(t, "e2e4", sub.Move.String())
}

func TestRunnerStopsOnShutdown(t *testing.T) {
	h := &scripted{identity: message.Identity{ID: "w", Side: rules.White}}
	inbox := message.NewInbox("w", 4)
	r := NewRunner(h, inbox, message.NewInbox("up", 4), zaptest.NewLogger(t))

	require.NoError(t, inbox.Put("orchestrator", message.Shutdown{Reason: "done"}))
	require.NoError(t, r.Run())
	envs := h.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, message.KindShutdown, envs[0].Kind())
}

func TestRunnerStopsWhenUpstreamCloses(t *testing.T) {
	h := &scripted{identity: message.Identity{ID: "w", Side: rules.White}}
	inbox := message.NewInbox("w", 4)
	upstream := message.NewInbox("up", 4)
	upstream.Close()
	r := NewRunner(h, inbox, upstream, zaptest.NewLogger(t))

	require.NoError(t, inbox.Put("ui", input(message.Action{Type: message.ActionResign})))
	assert.NoError(t, r.Run())
}
