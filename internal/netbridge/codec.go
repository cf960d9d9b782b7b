// Package netbridge carries handler traffic over a websocket link between
// the authoritative host and a mirror client.
package netbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
)

// ErrUnknownFrame is returned for a frame type the codec does not know.
var ErrUnknownFrame = errors.New("unknown frame type")

// Frame types on the wire.
const (
	FrameMoveSubmission = "move_submission"
	FrameMoveResult     = "move_result"
	FrameStateBroadcast = "state_broadcast"
	FrameSyncRequest    = "sync_request"
	FrameSyncResponse   = "sync_response"
	FrameErrorNotice    = "error_notice"
	FrameResign         = "resign"
	FrameDrawOffer      = "draw_offer"
	FrameShutdown       = "shutdown"
)

// Frame is one websocket text message. Seq counts frames per connection
// and direction.
type Frame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
}

type moveSubmissionData struct {
	Move    string `json:"move"`
	Seq     uint64 `json:"seq"`
	Premove bool   `json:"premove,omitempty"`
}

type moveResultData struct {
	Move     string `json:"move"`
	Seq      uint64 `json:"seq"`
	Accepted bool   `json:"accepted"`
	Queued   bool   `json:"queued,omitempty"`
	Premove  bool   `json:"premove,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type clockData struct {
	RemainingMs int64 `json:"remaining_ms"`
	IncrementMs int64 `json:"increment_ms"`
	Running     bool  `json:"running"`
}

type resultData struct {
	Status      string `json:"status"`
	Winner      string `json:"winner,omitempty"`
	Termination string `json:"termination,omitempty"`
}

type stateBroadcastData struct {
	FEN       string                   `json:"fen"`
	Ply       int                      `json:"ply"`
	LastMove  string                   `json:"last_move,omitempty"`
	Phase     string                   `json:"phase"`
	Clocks    map[rules.Side]clockData `json:"clocks"`
	Result    resultData               `json:"result"`
	Digest    string                   `json:"digest"`
	DrawOffer string                   `json:"draw_offer,omitempty"`
}

type exportData struct {
	GameID     string                   `json:"game_id"`
	InitialFEN string                   `json:"initial_fen"`
	FEN        string                   `json:"fen"`
	Moves      []string                 `json:"moves"`
	Clocks     map[rules.Side]clockData `json:"clocks"`
	Result     resultData               `json:"result"`
	Digest     string                   `json:"digest"`
}

type syncResponseData struct {
	Export exportData `json:"export"`
}

type errorNoticeData struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

type shutdownData struct {
	Reason string `json:"reason,omitempty"`
}

// Encode frames body with the given frame sequence number.
func Encode(body message.Body, seq uint64) ([]byte, error) {
	var (
		typ  string
		data any
	)
	switch b := body.(type) {
	case message.MoveSubmission:
		typ = FrameMoveSubmission
		data = moveSubmissionData{Move: b.Move.String(), Seq: b.LocalSeq, Premove: b.Premove}
	case message.MoveResult:
		typ = FrameMoveResult
		data = moveResultData{
			Move:     b.Move.String(),
			Seq:      b.LocalSeq,
			Accepted: b.Accepted,
			Queued:   b.Queued,
			Premove:  b.Premove,
			Reason:   string(b.Reason),
		}
	case message.StateBroadcast:
		typ = FrameStateBroadcast
		data = stateBroadcastData{
			FEN:       b.FEN,
			Ply:       b.Ply,
			LastMove:  b.LastMove,
			Phase:     b.Phase,
			Clocks:    clocksToWire(b.Clocks),
			Result:    resultData(b.Result),
			Digest:    b.Digest,
			DrawOffer: b.DrawOffer,
		}
	case message.SyncRequest:
		typ = FrameSyncRequest
	case message.SyncResponse:
		typ = FrameSyncResponse
		e := b.Export
		data = syncResponseData{Export: exportData{
			GameID:     e.GameID,
			InitialFEN: e.InitialFEN,
			FEN:        e.FEN,
			Moves:      e.Moves,
			Clocks:     clocksToWire(e.Clocks),
			Result:     resultData(e.Result),
			Digest:     e.Digest,
		}}
	case message.ErrorNotice:
		typ = FrameErrorNotice
		data = errorNoticeData{Code: b.Code, Detail: b.Detail}
	case message.Resign:
		typ = FrameResign
	case message.DrawOffer:
		typ = FrameDrawOffer
	case message.Shutdown:
		typ = FrameShutdown
		data = shutdownData{Reason: b.Reason}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, body.Kind())
	}

	f := Frame{Type: typ, Seq: seq}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", typ, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// Decode parses a frame. Handler ids are not on the wire; the receiving
// side fills them in.
func Decode(raw []byte) (message.Body, Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, f, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch f.Type {
	case FrameMoveSubmission:
		var d moveSubmissionData
		if err := unmarshalData(f, &d); err != nil {
			return nil, f, err
		}
		m, err := rules.ParseMove(d.Move)
		if err != nil {
			return nil, f, fmt.Errorf("bad move in %s: %w", f.Type, err)
		}
		return message.MoveSubmission{Move: m, LocalSeq: d.Seq, Premove: d.Premove}, f, nil
	case FrameMoveResult:
		var d moveResultData
		if err := unmarshalData(f, &d); err != nil {
			return nil, f, err
		}
		// Rejected submissions may carry a move the engine cannot parse.
		m, _ := rules.ParseMove(d.Move)
		return message.MoveResult{
			Move:     m,
			LocalSeq: d.Seq,
			Accepted: d.Accepted,
			Queued:   d.Queued,
			Premove:  d.Premove,
			Reason:   message.Reason(d.Reason),
		}, f, nil
	case FrameStateBroadcast:
		var d stateBroadcastData
		if err := unmarshalData(f, &d); err != nil {
			return nil, f, err
		}
		return message.StateBroadcast{
			FEN:       d.FEN,
			Ply:       d.Ply,
			LastMove:  d.LastMove,
			Phase:     d.Phase,
			Clocks:    clocksFromWire(d.Clocks),
			Result:    message.Result(d.Result),
			Digest:    d.Digest,
			DrawOffer: d.DrawOffer,
		}, f, nil
	case FrameSyncRequest:
		return message.SyncRequest{}, f, nil
	case FrameSyncResponse:
		var d syncResponseData
		if err := unmarshalData(f, &d); err != nil {
			return nil, f, err
		}
		e := d.Export
		return message.SyncResponse{Export: message.Export{
			GameID:     e.GameID,
			InitialFEN: e.InitialFEN,
			FEN:        e.FEN,
			Moves:      e.Moves,
			Clocks:     clocksFromWire(e.Clocks),
			Result:     message.Result(e.Result),
			Digest:     e.Digest,
		}}, f, nil
	case FrameErrorNotice:
		var d errorNoticeData
		if err := unmarshalData(f, &d); err != nil {
			return nil, f, err
		}
		return message.ErrorNotice{Code: d.Code, Detail: d.Detail}, f, nil
	case FrameResign:
		return message.Resign{}, f, nil
	case FrameDrawOffer:
		return message.DrawOffer{}, f, nil
	case FrameShutdown:
		var d shutdownData
		if err := unmarshalData(f, &d); err != nil {
			return nil, f, err
		}
		return message.Shutdown{Reason: d.Reason}, f, nil
	default:
		return nil, f, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

// ToAction turns a decoded peer request into the action a Remote handler
// queues. ok is false for bodies a peer may not send.
func ToAction(body message.Body) (message.Action, bool) {
	switch b := body.(type) {
	case message.MoveSubmission:
		t := message.ActionMove
		if b.Premove {
			t = message.ActionPremove
		}
		return message.Action{Type: t, Move: b.Move, Seq: b.LocalSeq}, true
	case message.Resign:
		return message.Action{Type: message.ActionResign}, true
	case message.DrawOffer:
		return message.Action{Type: message.ActionDrawOffer}, true
	case message.SyncRequest:
		return message.Action{Type: message.ActionSync}, true
	default:
		return message.Action{}, false
	}
}

func unmarshalData(f Frame, v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame without data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", f.Type, err)
	}
	return nil
}

func clocksToWire(clocks map[rules.Side]message.ClockView) map[rules.Side]clockData {
	if clocks == nil {
		return nil
	}
	out := make(map[rules.Side]clockData, len(clocks))
	for side, c := range clocks {
		out[side] = clockData{
			RemainingMs: c.Remaining.Milliseconds(),
			IncrementMs: c.Increment.Milliseconds(),
			Running:     c.Running,
		}
	}
	return out
}

func clocksFromWire(clocks map[rules.Side]clockData) map[rules.Side]message.ClockView {
	if clocks == nil {
		return nil
	}
	out := make(map[rules.Side]message.ClockView, len(clocks))
	for side, c := range clocks {
		out[side] = message.ClockView{
			Remaining: time.Duration(c.RemainingMs) * time.Millisecond,
			Increment: time.Duration(c.IncrementMs) * time.Millisecond,
			Running:   c.Running,
		}
	}
	return out
}
