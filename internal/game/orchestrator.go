package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrchestratorID is the component id the orchestrator stamps on what it sends.
const OrchestratorID = "orchestrator"

// ErrInboxOverflow marks a handler inbox that had no room for an envelope
// from the orchestrator. It halts the session.
var ErrInboxOverflow = errors.New("handler inbox overflow")

// archiveTimeout bounds a single archive write.
const archiveTimeout = 5 * time.Second

// Archive stores finished games.
type Archive interface {
	SaveGame(ctx context.Context, e message.Export) error
}

// Config configures one session.
type Config struct {
	GameID string
	// Start is the initial position; the zero value means the standard setup.
	Start       rules.Position
	TimeControl TimeControl
	// TickInterval is the clock ticker period; zero disables the ticker.
	TickInterval time.Duration
	// GracePeriod is how long a disconnected side may take to come back.
	// Zero waits indefinitely.
	GracePeriod   time.Duration
	InboxCapacity int
	// Resume, when set, continues a previously exported game.
	Resume   *message.Export
	Archive  Archive
	Recorder *ReplayRecorder
}

type seat struct {
	identity  message.Identity
	inbox     *message.Inbox
	lastSeq   uint64
	connected bool
}

// Orchestrator owns the canonical GameState. Everything it does happens on
// the goroutine running Run, in the order its inbox delivers envelopes.
type Orchestrator struct {
	cfg    Config
	gameID string
	inbox  *message.Inbox
	logger *zap.Logger

	state       *GameState
	phase       Phase
	seats       map[rules.Side]*seat
	premoves    map[rules.Side]message.MoveSubmission
	drawOffers  map[rules.Side]bool
	graceEpoch  uint64
	graceEpochs map[rules.Side]uint64
	graceTimers map[rules.Side]*time.Timer

	ctx       context.Context
	failure   error
	finalized bool
	final     message.Export
	done      chan struct{}
}

// NewOrchestrator builds a session in AwaitingHandlers.
func NewOrchestrator(cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gameID := cfg.GameID
	if gameID == "" {
		gameID = uuid.NewString()
	}

	var state *GameState
	if cfg.Resume != nil {
		imported, err := ImportState(*cfg.Resume)
		if err != nil {
			return nil, fmt.Errorf("failed to resume game: %w", err)
		}
		state = imported
		if cfg.Resume.GameID != "" {
			gameID = cfg.Resume.GameID
		}
	} else {
		start := cfg.Start
		if start.IsZero() {
			start = rules.StartPosition()
		}
		state = NewGameState(start, cfg.TimeControl)
	}

	o := &Orchestrator{
		cfg:         cfg,
		gameID:      gameID,
		inbox:       message.NewInbox(OrchestratorID, cfg.InboxCapacity),
		logger:      logger.Named(OrchestratorID).With(zap.String("game_id", gameID)),
		state:       state,
		phase:       PhaseAwaitingHandlers,
		seats:       make(map[rules.Side]*seat),
		premoves:    make(map[rules.Side]message.MoveSubmission),
		drawOffers:  make(map[rules.Side]bool),
		graceEpochs: make(map[rules.Side]uint64),
		graceTimers: make(map[rules.Side]*time.Timer),
		ctx:         context.Background(),
		done:        make(chan struct{}),
	}
	if state.Result().IsOver() {
		o.phase = PhaseGameOver
	}
	if cfg.Recorder != nil {
		cfg.Recorder.StartRecording(gameID)
	}
	return o, nil
}

// GameID returns the session's game id.
func (o *Orchestrator) GameID() string {
	return o.gameID
}

// Inbox is where handlers and producers send envelopes.
func (o *Orchestrator) Inbox() *message.Inbox {
	return o.inbox
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Final returns the export taken when the session ended. ok is false while
// Run is still going.
func (o *Orchestrator) Final() (message.Export, bool) {
	select {
	case <-o.done:
		return o.final, true
	default:
		return message.Export{}, false
	}
}

// Run processes the inbox until a Shutdown envelope arrives, ctx is
// cancelled, or a fatal defect halts the session. Only a fatal defect yields
// a non-nil error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	stop := make(chan struct{})
	defer close(o.done)
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			_ = o.inbox.Put("context", message.Shutdown{Reason: ctx.Err().Error()})
		case <-stop:
		}
	}()
	if o.cfg.TickInterval > 0 {
		go o.runTicker(stop)
	}

	o.logger.Info("orchestrator started",
		zap.String("fen", o.state.Position().FEN()),
		zap.String("phase", string(o.phase)),
	)

	for {
		env, err := o.inbox.Get()
		if err != nil {
			o.shutdown("inbox closed")
			return nil
		}
		if shutdown, ok := env.Body.(message.Shutdown); ok {
			o.shutdown(shutdown.Reason)
			return nil
		}
		o.handle(env)
		if o.failure != nil {
			return o.halt(o.failure)
		}
	}
}

func (o *Orchestrator) runTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			if err := o.inbox.Put("ticker", message.Tick{Elapsed: elapsed}); err != nil {
				return
			}
		}
	}
}

func (o *Orchestrator) handle(env message.Envelope) {
	if id, ok := requester(env.Body); ok && o.backlogged(id) {
		o.logger.Warn("handler is not draining its inbox, request dropped",
			zap.String("handler_id", id),
			zap.String("kind", string(env.Kind())),
		)
		return
	}
	switch body := env.Body.(type) {
	case message.Register:
		o.register(body)
	case message.Deregister:
		o.deregister(body)
	case message.MoveSubmission:
		o.submit(body)
	case message.Resign:
		o.resign(body)
	case message.DrawOffer:
		o.offerDraw(body)
	case message.Tick:
		o.tick(body.Elapsed)
	case message.GraceExpired:
		o.graceExpired(body)
	case message.SyncRequest:
		o.sync(body)
	default:
		o.logger.Warn("unexpected envelope",
			zap.String("kind", string(env.Kind())),
			zap.String("from", env.From),
			zap.Uint64("seq", env.Seq),
		)
	}
}

// requester returns the handler a request would be answered to.
func requester(body message.Body) (string, bool) {
	switch b := body.(type) {
	case message.MoveSubmission:
		return b.HandlerID, true
	case message.Resign:
		return b.HandlerID, true
	case message.DrawOffer:
		return b.HandlerID, true
	case message.SyncRequest:
		return b.HandlerID, true
	}
	return "", false
}

// backlogged reports that a seat's inbox is more than half full. Answers to
// its own requests would then eat the room kept for broadcasts.
func (o *Orchestrator) backlogged(id string) bool {
	s := o.seatByID(id)
	return s != nil && s.inbox.Len() > s.inbox.Cap()/2
}

func (o *Orchestrator) seatByID(id string) *seat {
	for _, s := range o.seats {
		if s.identity.ID == id {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) register(r message.Register) {
	side := r.Identity.Side
	if r.Inbox == nil {
		o.logger.Warn("register without inbox", zap.String("handler_id", r.Identity.ID))
		return
	}
	if existing := o.seats[side]; existing != nil && existing.connected && existing.identity.ID != r.Identity.ID {
		o.logger.Warn("side already taken",
			zap.String("side", side.String()),
			zap.String("handler_id", r.Identity.ID),
			zap.String("holder_id", existing.identity.ID),
		)
		_ = r.Inbox.Offer(OrchestratorID, message.ErrorNotice{
			Code:   message.CodeBadRequest,
			Detail: fmt.Sprintf("side %s is already taken", side),
		})
		return
	}

	o.seats[side] = &seat{identity: r.Identity, inbox: r.Inbox, connected: true}
	o.cancelGrace(side)
	o.logger.Info("handler registered",
		zap.String("handler_id", r.Identity.ID),
		zap.String("side", side.String()),
		zap.String("kind", string(r.Identity.Kind)),
	)

	if (o.phase == PhaseAwaitingHandlers || o.phase == PhasePaused) && o.allConnected() {
		o.setPhase(PhaseInProgress)
		o.state.StartClocks()
	}
	o.broadcast()
}

func (o *Orchestrator) allConnected() bool {
	for _, side := range []rules.Side{rules.White, rules.Black} {
		if s := o.seats[side]; s == nil || !s.connected {
			return false
		}
	}
	return true
}

func (o *Orchestrator) deregister(d message.Deregister) {
	s := o.seatByID(d.HandlerID)
	if s == nil || !s.connected {
		return
	}
	side := s.identity.Side
	s.connected = false
	delete(o.premoves, side)
	o.logger.Info("handler deregistered",
		zap.String("handler_id", d.HandlerID),
		zap.String("side", side.String()),
		zap.String("cause", d.Cause),
	)

	switch o.phase {
	case PhaseAwaitingHandlers:
		delete(o.seats, side)
		return
	case PhaseInProgress:
		o.setPhase(PhasePaused)
		o.state.StopClocks()
		o.startGrace(side)
	case PhasePaused:
		o.startGrace(side)
	case PhaseGameOver:
		return
	}
	o.broadcast()
}

func (o *Orchestrator) startGrace(side rules.Side) {
	o.cancelGrace(side)
	o.graceEpoch++
	epoch := o.graceEpoch
	o.graceEpochs[side] = epoch
	if o.cfg.GracePeriod <= 0 {
		return
	}
	o.graceTimers[side] = time.AfterFunc(o.cfg.GracePeriod, func() {
		_ = o.inbox.Put("grace-timer", message.GraceExpired{Side: side, Epoch: epoch})
	})
	o.logger.Info("grace period started",
		zap.String("side", side.String()),
		zap.Duration("grace_period", o.cfg.GracePeriod),
	)
}

func (o *Orchestrator) cancelGrace(side rules.Side) {
	if t := o.graceTimers[side]; t != nil {
		t.Stop()
		delete(o.graceTimers, side)
	}
	delete(o.graceEpochs, side)
}

func (o *Orchestrator) graceExpired(g message.GraceExpired) {
	if o.phase != PhasePaused || o.graceEpochs[g.Side] != g.Epoch {
		return
	}
	if s := o.seats[g.Side]; s != nil && s.connected {
		return
	}
	delete(o.graceTimers, g.Side)
	o.logger.Info("grace period expired", zap.String("side", g.Side.String()))
	o.end(WinFor(g.Side.Other(), TerminationForfeit))
	o.broadcast()
}

func (o *Orchestrator) submit(sub message.MoveSubmission) {
	s := o.seatByID(sub.HandlerID)
	if s == nil {
		o.logger.Warn("submission from unknown handler", zap.String("handler_id", sub.HandlerID))
		return
	}
	if sub.LocalSeq != 0 {
		if sub.LocalSeq <= s.lastSeq {
			o.logger.Debug("duplicate submission ignored",
				zap.String("handler_id", sub.HandlerID),
				zap.Uint64("local_seq", sub.LocalSeq),
			)
			return
		}
		s.lastSeq = sub.LocalSeq
	}

	switch {
	case !s.connected:
		o.reject(s, sub, message.ReasonUnknownHandler)
		return
	case o.phase == PhaseGameOver:
		o.reject(s, sub, message.ReasonGameOver)
		return
	case o.phase != PhaseInProgress:
		o.reject(s, sub, message.ReasonGamePaused)
		return
	}

	side := s.identity.Side
	if side != o.state.Turn() {
		if !sub.Premove {
			o.reject(s, sub, message.ReasonNotYourTurn)
			return
		}
		o.premoves[side] = sub
		o.deliver(s, message.MoveResult{
			HandlerID: sub.HandlerID,
			Move:      sub.Move,
			LocalSeq:  sub.LocalSeq,
			Accepted:  true,
			Queued:    true,
			Premove:   true,
		})
		return
	}

	if !o.play(s, sub) {
		return
	}
	o.playPremoves()
	o.broadcast()
}

// play applies sub for its seat and answers it. It reports whether the move
// was applied.
func (o *Orchestrator) play(s *seat, sub message.MoveSubmission) bool {
	applied, err := o.state.Apply(sub.Move)
	if err != nil {
		o.logger.Debug("move rejected",
			zap.String("handler_id", sub.HandlerID),
			zap.String("move", sub.Move.String()),
			zap.Error(err),
		)
		o.reject(s, sub, message.ReasonIllegalMove)
		return false
	}

	side := s.identity.Side
	delete(o.drawOffers, side.Other())
	o.logger.Debug("move applied",
		zap.String("side", side.String()),
		zap.String("move", applied.String()),
		zap.Int("ply", o.state.Position().Ply()),
		zap.Bool("premove", sub.Premove),
	)
	o.deliver(s, message.MoveResult{
		HandlerID: sub.HandlerID,
		Move:      applied,
		LocalSeq:  sub.LocalSeq,
		Accepted:  true,
		Premove:   sub.Premove,
	})

	if o.state.Result().IsOver() {
		o.end(o.state.Result())
	}
	return true
}

// playPremoves attempts the premove queued for the side that just received
// the token, and keeps going while premoves apply.
func (o *Orchestrator) playPremoves() {
	for o.phase == PhaseInProgress {
		side := o.state.Turn()
		pm, ok := o.premoves[side]
		if !ok {
			return
		}
		delete(o.premoves, side)
		s := o.seats[side]
		if s == nil || !s.connected {
			return
		}
		if !o.play(s, pm) {
			return
		}
	}
}

func (o *Orchestrator) reject(s *seat, sub message.MoveSubmission, reason message.Reason) {
	o.deliver(s, message.MoveResult{
		HandlerID: sub.HandlerID,
		Move:      sub.Move,
		LocalSeq:  sub.LocalSeq,
		Premove:   sub.Premove,
		Reason:    reason,
	})
}

func (o *Orchestrator) resign(r message.Resign) {
	s := o.seatByID(r.HandlerID)
	if s == nil {
		return
	}
	if o.phase != PhaseInProgress && o.phase != PhasePaused {
		o.deliver(s, message.ErrorNotice{Code: message.CodeBadRequest, Detail: "no game in progress"})
		return
	}
	o.logger.Info("side resigned", zap.String("side", s.identity.Side.String()))
	o.end(WinFor(s.identity.Side.Other(), TerminationResignation))
	o.broadcast()
}

func (o *Orchestrator) offerDraw(d message.DrawOffer) {
	s := o.seatByID(d.HandlerID)
	if s == nil {
		return
	}
	if o.phase != PhaseInProgress {
		o.deliver(s, message.ErrorNotice{Code: message.CodeBadRequest, Detail: "no game in progress"})
		return
	}
	side := s.identity.Side
	if o.drawOffers[side.Other()] {
		o.logger.Info("draw agreed")
		o.end(DrawBy(TerminationAgreement))
	} else {
		o.drawOffers[side] = true
	}
	o.broadcast()
}

func (o *Orchestrator) tick(elapsed time.Duration) {
	if o.phase != PhaseInProgress {
		return
	}
	side, flagged := o.state.Tick(elapsed)
	if !flagged {
		return
	}
	o.logger.Info("clock expired", zap.String("side", side.String()))
	o.end(o.state.Result())
	o.broadcast()
}

func (o *Orchestrator) sync(r message.SyncRequest) {
	s := o.seatByID(r.HandlerID)
	if s == nil {
		o.logger.Warn("sync request from unknown handler", zap.String("handler_id", r.HandlerID))
		return
	}
	o.deliver(s, message.SyncResponse{Export: o.state.Export(o.gameID)})
}

// end moves to GameOver with r and hands the final export to the archive
// observers.
func (o *Orchestrator) end(r Result) {
	o.state.Finish(r)
	o.setPhase(PhaseGameOver)
	o.premoves = make(map[rules.Side]message.MoveSubmission)
	o.drawOffers = make(map[rules.Side]bool)
	for side := range o.graceTimers {
		o.cancelGrace(side)
	}
	o.finalize()
}

func (o *Orchestrator) finalize() {
	if o.finalized {
		return
	}
	o.finalized = true
	o.final = o.state.Export(o.gameID)
	result := o.state.Result()
	o.logger.Info("game finished",
		zap.String("status", string(result.Status)),
		zap.String("termination", string(result.Termination)),
		zap.Int("plies", len(o.final.Moves)),
	)

	if rec := o.cfg.Recorder; rec != nil {
		rec.RecordState(o.gameID, &o.final)
		if err := rec.SaveReplay(o.gameID); err != nil {
			o.logger.Error("failed to save replay", zap.Error(err))
		}
	}
	if o.cfg.Archive != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), archiveTimeout)
		defer cancel()
		if err := o.cfg.Archive.SaveGame(ctx, o.final); err != nil {
			o.logger.Error("failed to archive game", zap.Error(err))
		}
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	if o.phase == p {
		return
	}
	o.logger.Info("phase changed", zap.String("from", string(o.phase)), zap.String("to", string(p)))
	o.phase = p
}

func (o *Orchestrator) snapshot() message.StateBroadcast {
	pos := o.state.Position()
	b := message.StateBroadcast{
		FEN:      pos.FEN(),
		Ply:      pos.Ply(),
		LastMove: o.state.LastMove(),
		Phase:    string(o.phase),
		Clocks:   o.state.ClockViews(),
		Result:   o.state.Result().View(),
		Digest:   PositionDigest(pos.FEN(), pos.Ply()),
	}
	for _, side := range []rules.Side{rules.White, rules.Black} {
		if o.drawOffers[side] {
			b.DrawOffer = side.String()
		}
	}
	return b
}

// broadcast sends the current state to every registered seat.
func (o *Orchestrator) broadcast() {
	b := o.snapshot()
	if rec := o.cfg.Recorder; rec != nil && !o.finalized {
		e := o.state.Export(o.gameID)
		rec.RecordState(o.gameID, &e)
	}
	for _, side := range []rules.Side{rules.White, rules.Black} {
		if s := o.seats[side]; s != nil {
			o.deliver(s, b)
		}
	}
}

// deliver offers body to a seat's inbox. A full inbox is a defect that
// halts the session.
func (o *Orchestrator) deliver(s *seat, body message.Body) {
	if o.failure != nil {
		return
	}
	err := s.inbox.Offer(OrchestratorID, body)
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrFull):
		o.failure = fmt.Errorf("deliver %s to %s: %w: %w", body.Kind(), s.identity.ID, ErrInboxOverflow, err)
	case errors.Is(err, bus.ErrClosed):
		o.logger.Debug("handler inbox closed", zap.String("handler_id", s.identity.ID))
	default:
		o.logger.Warn("delivery failed", zap.String("handler_id", s.identity.ID), zap.Error(err))
	}
}

// shutdown aborts an unfinished game, publishes the final state and stops
// every handler.
func (o *Orchestrator) shutdown(reason string) {
	if !o.state.Result().IsOver() {
		o.end(Result{Status: StatusAborted, Termination: TerminationAborted})
		o.broadcast()
	}
	o.close(reason)
}

// halt is the fatal path: every seat gets a diagnostic and Shutdown.
func (o *Orchestrator) halt(cause error) error {
	o.logger.Error("session halted", zap.Error(cause))
	notice := message.ErrorNotice{Code: message.CodeInternal, Detail: cause.Error()}
	for _, s := range o.seats {
		_ = s.inbox.Offer(OrchestratorID, notice)
	}
	if !o.state.Result().IsOver() {
		o.state.Finish(Result{Status: StatusAborted, Termination: TerminationAborted})
	}
	o.finalize()
	o.close("internal error")
	return fmt.Errorf("orchestrator halted: %w", cause)
}

// close stops timers, sends Shutdown to every seat, and empties the inbox so
// blocked producers are released.
func (o *Orchestrator) close(reason string) {
	for side := range o.graceTimers {
		o.cancelGrace(side)
	}
	for _, side := range []rules.Side{rules.White, rules.Black} {
		s := o.seats[side]
		if s == nil {
			continue
		}
		if err := s.inbox.Offer(OrchestratorID, message.Shutdown{Reason: reason}); err != nil && !errors.Is(err, bus.ErrClosed) {
			// The seat still drains what is queued, then sees the inbox closed.
			o.logger.Error("failed to deliver shutdown, closing seat inbox", zap.String("handler_id", s.identity.ID), zap.Error(err))
			s.inbox.Close()
		}
	}
	o.finalize()

	o.inbox.Close()
	discarded := 0
	for {
		if _, err := o.inbox.Get(); err != nil {
			break
		}
		discarded++
	}
	o.logger.Info("orchestrator stopped",
		zap.String("reason", reason),
		zap.Int("discarded", discarded),
	)
}
