package presentation

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCID is the component id stamped on input submitted over gRPC.
const GRPCID = "grpc"

const watchQueueSize = 64

// GRPCBridge serves the presentation service for one interactive seat. It
// is the seat's Presenter and forwards submitted commands to its inbox.
type GRPCBridge struct {
	target *message.Inbox
	logger *zap.Logger

	mu       sync.Mutex
	last     *structpb.Struct
	watchers map[uint64]*bus.DropQueue[*structpb.Struct]
	nextID   uint64
	waiters  []chan message.Export
	closed   bool
}

var _ PresentationServer = (*GRPCBridge)(nil)

// NewGRPCBridge creates a bridge submitting to target, the seat's inbox.
func NewGRPCBridge(target *message.Inbox, logger *zap.Logger) *GRPCBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCBridge{
		target:   target,
		logger:   logger.Named(GRPCID),
		watchers: make(map[uint64]*bus.DropQueue[*structpb.Struct]),
	}
}

// Submit implements PresentationServer.
func (b *GRPCBridge) Submit(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	text := req.GetFields()["action"].GetStringValue()
	action, err := message.ParseAction(text)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad action: %v", err)
	}
	if err := b.target.Submit(GRPCID, action); err != nil {
		return nil, submitStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Export implements PresentationServer. It requests a sync and waits for
// the response to reach the seat.
func (b *GRPCBridge) Export(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	wait := make(chan message.Export, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, status.Error(codes.Unavailable, "session closed")
	}
	b.waiters = append(b.waiters, wait)
	b.mu.Unlock()

	if err := b.target.Submit(GRPCID, message.Action{Type: message.ActionSync}); err != nil {
		b.dropWaiter(wait)
		return nil, submitStatus(err)
	}
	select {
	case e, ok := <-wait:
		if !ok {
			return nil, status.Error(codes.Unavailable, "session closed")
		}
		return exportStruct(e)
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// Watch implements PresentationServer.
func (b *GRPCBridge) Watch(_ *emptypb.Empty, stream Presentation_WatchServer) error {
	q := bus.NewDropQueue[*structpb.Struct](watchQueueSize)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return status.Error(codes.Unavailable, "session closed")
	}
	id := b.nextID
	b.nextID++
	b.watchers[id] = q
	if b.last != nil {
		q.Push(b.last)
	}
	b.mu.Unlock()

	stop := context.AfterFunc(stream.Context(), q.Close)
	defer func() {
		stop()
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}()

	b.logger.Debug("watcher attached", zap.Uint64("watcher", id))
	for {
		events, dropped, ok := q.Drain()
		if dropped > 0 {
			b.logger.Warn("watcher fell behind", zap.Uint64("watcher", id), zap.Uint64("dropped", dropped))
		}
		for _, ev := range events {
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
		if !ok {
			return stream.Context().Err()
		}
	}
}

// Present implements handler.Presenter.
func (b *GRPCBridge) Present(env message.Envelope, _ rules.Position) {
	ev, err := eventStruct(env.Body)
	if err != nil {
		b.logger.Error("failed to convert event", zap.String("kind", string(env.Kind())), zap.Error(err))
		return
	}
	if ev == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch body := env.Body.(type) {
	case message.StateBroadcast:
		b.last = ev
	case message.SyncResponse:
		for _, w := range b.waiters {
			w <- body.Export
		}
		b.waiters = nil
	}
	for _, q := range b.watchers {
		q.Push(ev)
	}
	if env.Kind() == message.KindShutdown {
		b.closeLocked()
	}
}

func (b *GRPCBridge) dropWaiter(wait chan message.Export) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == wait {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// submitStatus maps a rejected submission to its gRPC status.
func submitStatus(err error) error {
	if errors.Is(err, bus.ErrFull) {
		return status.Error(codes.ResourceExhausted, "input backlog full")
	}
	return status.Error(codes.Unavailable, "session closed")
}

// Close ends every watch stream and pending export.
func (b *GRPCBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *GRPCBridge) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.watchers {
		q.Close()
	}
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

// NewServer builds a gRPC server exposing b.
func (b *GRPCBridge) NewServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(b.logger),
			LoggingInterceptor(b.logger),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	RegisterPresentationServer(srv, b)
	return srv
}

// Serve runs the service on lis until ctx is done.
func (b *GRPCBridge) Serve(ctx context.Context, lis net.Listener) error {
	srv := b.NewServer()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	b.logger.Info("presentation service listening", zap.String("address", lis.Addr().String()))

	select {
	case err := <-errc:
		b.Close()
		return err
	case <-ctx.Done():
	}
	b.Close()
	srv.GracefulStop()
	if err := <-errc; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// RecoveryInterceptor turns a panicking handler into an Internal error.
func RecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in rpc handler", zap.String("method", info.FullMethod), zap.Any("panic", r))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every unary call with its duration and code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		)
		return resp, err
	}
}

func eventStruct(body message.Body) (*structpb.Struct, error) {
	var fields map[string]any
	switch b := body.(type) {
	case message.StateBroadcast:
		fields = map[string]any{
			"fen":        b.FEN,
			"ply":        b.Ply,
			"last_move":  b.LastMove,
			"phase":      b.Phase,
			"clocks":     clocksMap(b.Clocks),
			"result":     resultMap(b.Result),
			"digest":     b.Digest,
			"draw_offer": b.DrawOffer,
		}
	case message.MoveResult:
		fields = map[string]any{
			"move":     b.Move.String(),
			"seq":      int64(b.LocalSeq),
			"accepted": b.Accepted,
			"queued":   b.Queued,
			"premove":  b.Premove,
			"reason":   string(b.Reason),
		}
	case message.SyncResponse:
		fields = exportMap(b.Export)
	case message.ErrorNotice:
		fields = map[string]any{"code": b.Code, "detail": b.Detail}
	case message.Shutdown:
		fields = map[string]any{"reason": b.Reason}
	default:
		return nil, nil
	}
	fields["type"] = string(body.Kind())
	return structpb.NewStruct(fields)
}

func exportStruct(e message.Export) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(exportMap(e))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to convert export: %v", err)
	}
	return s, nil
}

func exportMap(e message.Export) map[string]any {
	moves := make([]any, len(e.Moves))
	for i, m := range e.Moves {
		moves[i] = m
	}
	return map[string]any{
		"game_id":     e.GameID,
		"initial_fen": e.InitialFEN,
		"fen":         e.FEN,
		"moves":       moves,
		"clocks":      clocksMap(e.Clocks),
		"result":      resultMap(e.Result),
		"digest":      e.Digest,
	}
}

func clocksMap(clocks map[rules.Side]message.ClockView) map[string]any {
	out := make(map[string]any, len(clocks))
	for side, c := range clocks {
		out[side.String()] = map[string]any{
			"remaining_ms": c.Remaining.Milliseconds(),
			"increment_ms": c.Increment.Milliseconds(),
			"running":      c.Running,
		}
	}
	return out
}

func resultMap(r message.Result) map[string]any {
	return map[string]any{
		"status":      r.Status,
		"winner":      r.Winner,
		"termination": r.Termination,
	}
}
