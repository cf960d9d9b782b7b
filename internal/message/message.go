// Package message defines the envelope exchanged between components and the
// tagged set of bodies it can carry.
package message

import (
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
)

// Kind tags the body carried by an Envelope.
type Kind string

const (
	KindMoveSubmission Kind = "MOVE_SUBMISSION"
	KindMoveResult     Kind = "MOVE_RESULT"
	KindStateBroadcast Kind = "STATE_BROADCAST"
	KindSyncRequest    Kind = "SYNC_REQUEST"
	KindSyncResponse   Kind = "SYNC_RESPONSE"
	KindErrorNotice    Kind = "ERROR_NOTICE"
	KindShutdown       Kind = "SHUTDOWN"

	KindInput        Kind = "INPUT"
	KindResign       Kind = "RESIGN"
	KindDrawOffer    Kind = "DRAW_OFFER"
	KindRegister     Kind = "REGISTER"
	KindDeregister   Kind = "DEREGISTER"
	KindTick         Kind = "TICK"
	KindGraceExpired Kind = "GRACE_EXPIRED"
)

// Body is implemented by every message variant.
type Body interface {
	Kind() Kind
}

// Envelope wraps a body with routing data. Seq is stamped by the queue the
// envelope was put on and increases strictly within that queue.
type Envelope struct {
	Seq  uint64
	From string
	Body Body
}

// Kind returns the kind of the carried body.
func (e Envelope) Kind() Kind {
	if e.Body == nil {
		return ""
	}
	return e.Body.Kind()
}

// Reason codes carried by a rejected MoveResult.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotYourTurn    Reason = "not-your-turn"
	ReasonIllegalMove    Reason = "illegal-move"
	ReasonGameOver       Reason = "game-over"
	ReasonGamePaused     Reason = "game-paused"
	ReasonUnknownHandler Reason = "unknown-handler"
)

// MoveSubmission asks the orchestrator to play Move for HandlerID.
// Premove marks a move meant to be queued when it is not the sender's turn.
type MoveSubmission struct {
	HandlerID string
	Move      rules.Move
	LocalSeq  uint64
	Premove   bool
}

func (MoveSubmission) Kind() Kind { return KindMoveSubmission }

// MoveResult answers a submission, sent to the submitter only.
type MoveResult struct {
	HandlerID string
	Move      rules.Move
	LocalSeq  uint64
	Accepted  bool
	Queued    bool
	Premove   bool
	Reason    Reason
}

func (MoveResult) Kind() Kind { return KindMoveResult }

// ClockView is a read-only copy of one side's clock.
type ClockView struct {
	Remaining time.Duration
	Increment time.Duration
	Running   bool
}

// Result describes how a game ended, if it did.
type Result struct {
	Status      string
	Winner      string
	Termination string
}

// Ongoing reports whether the game is still being played.
func (r Result) Ongoing() bool {
	return r.Status == "" || r.Status == "ongoing"
}

// StateBroadcast is the full public state after a change.
type StateBroadcast struct {
	FEN      string
	Ply      int
	LastMove string
	Phase    string
	Clocks   map[rules.Side]ClockView
	Result   Result
	Digest   string
	// DrawOffer names the side with a standing draw offer, if any.
	DrawOffer string
}

func (StateBroadcast) Kind() Kind { return KindStateBroadcast }

// SyncRequest asks for a complete export.
type SyncRequest struct {
	HandlerID string
}

func (SyncRequest) Kind() Kind { return KindSyncRequest }

// Export is the serialized game: the starting FEN, the UCI history, the
// resulting FEN and the clocks. FEN and Moves are redundant on purpose so a
// mirror can verify what it rebuilt.
type Export struct {
	GameID     string
	InitialFEN string
	FEN        string
	Moves      []string
	Clocks     map[rules.Side]ClockView
	Result     Result
	Digest     string
}

// SyncResponse carries the full export that replaces a mirror's state.
type SyncResponse struct {
	Export Export
}

func (SyncResponse) Kind() Kind { return KindSyncResponse }

// Error codes carried by ErrorNotice.
const (
	CodeInternal    = "internal"
	CodeDesync      = "desync"
	CodeDisconnect  = "disconnect"
	CodeBadRequest  = "bad-request"
	CodeUnavailable = "unavailable"
)

// ErrorNotice reports a condition that is not a move rejection.
type ErrorNotice struct {
	Code   string
	Detail string
}

func (ErrorNotice) Kind() Kind { return KindErrorNotice }

// Shutdown tells the receiving component to stop.
type Shutdown struct {
	Reason string
}

func (Shutdown) Kind() Kind { return KindShutdown }

// Input carries an action produced by an input source (presentation or
// network bridge) into a handler inbox.
type Input struct {
	Action Action
}

func (Input) Kind() Kind { return KindInput }

// Resign concedes the game for HandlerID.
type Resign struct {
	HandlerID string
}

func (Resign) Kind() Kind { return KindResign }

// DrawOffer offers, or accepts a standing offer of, a draw.
type DrawOffer struct {
	HandlerID string
}

func (DrawOffer) Kind() Kind { return KindDrawOffer }

// Tick reports wall time elapsed since the previous tick.
type Tick struct {
	Elapsed time.Duration
}

func (Tick) Kind() Kind { return KindTick }

// Deregister removes a handler slot, e.g. after a lost connection.
type Deregister struct {
	HandlerID string
	Cause     string
}

func (Deregister) Kind() Kind { return KindDeregister }

// GraceExpired fires when a deregistered side failed to come back in time.
// Epoch guards against stale timers from an earlier disconnect.
type GraceExpired struct {
	Side  rules.Side
	Epoch uint64
}

func (GraceExpired) Kind() Kind { return KindGraceExpired }
