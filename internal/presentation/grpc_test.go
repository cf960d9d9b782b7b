package presentation

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func startBridge(t *testing.T) (*GRPCBridge, *message.Inbox, *PresentationClient) {
	t.Helper()
	target := message.NewInbox("white", 16)
	bridge := NewGRPCBridge(target, zaptest.NewLogger(t))

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return bridge, target, NewPresentationClient(conn)
}

func action(t *testing.T, text string) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(map[string]any{"action": text})
	require.NoError(t, err)
	return s
}

func TestGRPCSubmit(t *testing.T) {
	_, target, client := startBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Submit(ctx, action(t, "premove e7e5"))
	require.NoError(t, err)
	env, err := target.Get()
	require.NoError(t, err)
	assert.Equal(t, GRPCID, env.From)
	a := env.Body.(message.Input).Action
	assert.Equal(t, message.ActionPremove, a.Type)
	assert.Equal(t, "e7e5", a.Move.String())

	_, err = client.Submit(ctx, action(t, "castle now please"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	target.Close()
	_, err = client.Submit(ctx, action(t, "resign"))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCSubmitBacklogFull(t *testing.T) {
	_, target, client := startBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing drains the seat, so the backlog fills up.
	for i := 0; i < 16; i++ {
		_, err := client.Submit(ctx, action(t, "sync"))
		require.NoError(t, err)
	}
	_, err := client.Submit(ctx, action(t, "premove e7e5"))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, 16, target.Backlog())
	assert.LessOrEqual(t, target.Len(), 1, "input stays out of the delivery queue")
}

func TestGRPCWatchStreamsEvents(t *testing.T) {
	bridge, _, client := startBridge(t)
	bridge.Present(message.Envelope{Body: message.StateBroadcast{FEN: rules.StandardFEN, Phase: "in-progress"}}, rules.Position{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := client.Watch(ctx, &emptypb.Empty{})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, string(message.KindStateBroadcast), first.Fields["type"].GetStringValue())
	assert.Equal(t, rules.StandardFEN, first.Fields["fen"].GetStringValue())

	bridge.Present(message.Envelope{Body: message.MoveResult{Move: rules.MustParseMove("e2e4"), LocalSeq: 1, Accepted: true}}, rules.Position{})
	bridge.Present(message.Envelope{Body: message.Input{}}, rules.Position{})
	bridge.Present(message.Envelope{Body: message.Shutdown{Reason: "done"}}, rules.Position{})

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "e2e4", second.Fields["move"].GetStringValue())
	assert.True(t, second.Fields["accepted"].GetBoolValue())

	last, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "done", last.Fields["reason"].GetStringValue())

	_, err = stream.Recv()
	assert.True(t, errors.Is(err, io.EOF), "stream ends after shutdown: %v", err)
}

func TestGRPCExportWaitsForSync(t *testing.T) {
	bridge, target, client := startBridge(t)
	want := message.Export{
		GameID:     "g",
		InitialFEN: rules.StandardFEN,
		FEN:        "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1",
		Moves:      []string{"e2e4"},
		Clocks:     map[rules.Side]message.ClockView{rules.White: {Remaining: time.Minute}},
		Result:     message.Result{Status: "ongoing"},
		Digest:     "abc",
	}

	go func() {
		env, err := target.Get()
		if err != nil {
			return
		}
		if in, ok := env.Body.(message.Input); ok && in.Action.Type == message.ActionSync {
			bridge.Present(message.Envelope{Body: message.SyncResponse{Export: want}}, rules.Position{})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := client.Export(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, want.FEN, got.Fields["fen"].GetStringValue())
	assert.Equal(t, "e2e4", got.Fields["moves"].GetListValue().GetValues()[0].GetStringValue())
	white := got.Fields["clocks"].GetStructValue().Fields["white"].GetStructValue()
	assert.EqualValues(t, 60000, white.Fields["remaining_ms"].GetNumberValue())
}

func TestGRPCExportFailsAfterShutdown(t *testing.T) {
	bridge, _, client := startBridge(t)
	bridge.Present(message.Envelope{Body: message.Shutdown{Reason: "over"}}, rules.Position{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Export(ctx, &emptypb.Empty{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestRecoveryInterceptor(t *testing.T) {
	icpt := RecoveryInterceptor(zaptest.NewLogger(t))
	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: submitMethod},
		func(context.Context, any) (any, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}
