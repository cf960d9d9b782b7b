// Package server assembles a game session for the configured role: the
// orchestrator and both seats for local-only and host, or a single mirrored
// seat for remote-client.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/gambit-chess/gambit-server-go/internal/bus"
	"github.com/gambit-chess/gambit-server-go/internal/config"
	"github.com/gambit-chess/gambit-server-go/internal/game"
	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/handler"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/gambit-chess/gambit-server-go/internal/netbridge"
	"github.com/gambit-chess/gambit-server-go/internal/presentation"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options carries what the process provides beyond the configuration.
// Zero values fall back to stdin, stdout and listeners on the configured
// addresses.
type Options struct {
	Input        io.Reader
	Output       io.Writer
	Archive      game.Archive
	HostListener net.Listener
	GRPCListener net.Listener
	// Resume continues an exported game instead of starting a new one.
	Resume *message.Export
	// Seed seeds random selectors; zero seeds from the clock.
	Seed int64
	// ExitWhenFinished ends the session once the game has a result instead
	// of waiting for a shutdown.
	ExitWhenFinished bool
}

// Session is one configured game process.
type Session struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger
}

// seat is one assembled player slot.
type seat struct {
	runner *handler.Runner
	// serve runs the seat's input source until ctx is done.
	serve func(ctx context.Context) error
	// detached input sources cannot be interrupted and are not waited for.
	detached func()
	close    func()
}

// NewSession prepares a session. Nothing runs until Run.
func NewSession(cfg *config.Config, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Input == nil {
		opts.Input = os.Stdin
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Session{cfg: cfg, opts: opts, logger: logger.Named("session")}
}

// Run plays the session to its end. It returns when the orchestrator (or,
// on a mirror, the link) stops.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session starting",
		zap.String("role", s.cfg.Role),
		zap.String("ui", s.cfg.UI.Mode),
		zap.String("white", s.cfg.Players.White.Kind),
		zap.String("black", s.cfg.Players.Black.Kind),
	)
	if s.cfg.Role == config.RoleRemoteClient {
		return s.runMirror(ctx)
	}
	return s.runAuthority(ctx)
}

func (s *Session) runAuthority(ctx context.Context) error {
	orchCfg, err := s.orchestratorConfig()
	if err != nil {
		return err
	}
	var finished *finishNotifier
	if s.opts.ExitWhenFinished {
		finished = &finishNotifier{inner: orchCfg.Archive, done: make(chan struct{})}
		orchCfg.Archive = finished
	}
	orch, err := game.NewOrchestrator(orchCfg, s.logger)
	if err != nil {
		return err
	}
	if finished != nil {
		go func() {
			select {
			case <-finished.done:
				_ = orch.Inbox().Put("session", message.Shutdown{Reason: "game finished"})
			case <-orch.Done():
			}
		}()
	}

	var seats []*seat
	for _, side := range []rules.Side{rules.White, rules.Black} {
		var st *seat
		if s.cfg.Players.Player(side.String()).Kind == config.KindRemote {
			st = s.remoteSeat(side, orch.Inbox())
		} else {
			st, err = s.localSeat(side, message.NewInbox(seatID(side), s.cfg.Game.InboxCapacity), orch.Inbox())
			if err == nil {
				err = st.runner.Register()
			}
		}
		if err != nil {
			closeSeats(seats)
			return err
		}
		seats = append(seats, st)
	}

	abort := func(reason string) {
		_ = orch.Inbox().Put("session", message.Shutdown{Reason: reason})
	}
	return s.runSeats(ctx, seats, func() error { return orch.Run(ctx) }, abort)
}

func (s *Session) runMirror(ctx context.Context) error {
	side := rules.White
	if s.cfg.Players.White.Kind == config.KindRemote {
		side = rules.Black
	}
	inbox := message.NewInbox(seatID(side), s.cfg.Game.InboxCapacity)
	client := netbridge.NewClient(netbridge.ClientConfig{
		URL:            s.cfg.Network.HostAddress,
		Attempts:       s.cfg.Network.ReconnectAttempts,
		Backoff:        s.cfg.Network.ReconnectBackoff,
		UplinkCapacity: s.cfg.Game.InboxCapacity,
	}, inbox, s.logger)

	st, err := s.localSeat(side, inbox, client.Uplink())
	if err != nil {
		return err
	}
	s.logger.Info("mirroring host", zap.String("host", s.cfg.Network.HostAddress), zap.String("side", side.String()))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return s.runSeats(ctx, []*seat{st}, func() error { return client.Run(ctx) }, func(string) { cancel() })
}

// runSeats starts every seat, runs main to completion and then stops the
// seats followed by their input sources. A failing input source calls abort.
func (s *Session) runSeats(ctx context.Context, seats []*seat, main func() error, abort func(reason string)) error {
	defer closeSeats(seats)
	sources, stopSources := context.WithCancel(ctx)
	defer stopSources()

	var runners, inputs errgroup.Group
	for _, st := range seats {
		runners.Go(st.runner.Run)
		if st.serve != nil {
			serve := st.serve
			inputs.Go(func() error {
				if err := serve(sources); err != nil {
					s.logger.Error("input source failed", zap.Error(err))
					abort(err.Error())
					return err
				}
				return nil
			})
		}
		if st.detached != nil {
			go st.detached()
		}
	}

	err := main()
	for _, st := range seats {
		// Seats that never registered got no Shutdown from the orchestrator.
		if err := st.runner.Inbox().Offer("session", message.Shutdown{Reason: "session ended"}); errors.Is(err, bus.ErrFull) {
			st.runner.Inbox().Close()
		}
	}
	if rerr := runners.Wait(); rerr != nil && err == nil {
		err = rerr
	}
	stopSources()
	if ierr := inputs.Wait(); ierr != nil && err == nil {
		err = ierr
	}
	if err != nil {
		s.logger.Error("session ended with error", zap.Error(err))
		return err
	}
	s.logger.Info("session ended")
	return nil
}

func (s *Session) orchestratorConfig() (game.Config, error) {
	cfg := game.Config{
		GameID: uuid.NewString(),
		TimeControl: game.TimeControl{
			White: game.ClockSetting(s.cfg.TimeControl.White),
			Black: game.ClockSetting(s.cfg.TimeControl.Black),
		},
		TickInterval:  s.cfg.TimeControl.TickInterval,
		GracePeriod:   s.cfg.Game.GracePeriod,
		InboxCapacity: s.cfg.Game.InboxCapacity,
		Resume:        s.opts.Resume,
		Archive:       s.opts.Archive,
	}
	if fen := s.cfg.Game.StartFEN; fen != "" {
		start, err := rules.ParseFEN(fen)
		if err != nil {
			return game.Config{}, fmt.Errorf("game.start_fen: %w", err)
		}
		cfg.Start = start
	}
	if dir := s.cfg.Archive.Dir; dir != "" {
		cfg.Recorder = game.NewReplayRecorder(s.logger, dir)
	}
	return cfg, nil
}

// localSeat builds an interactive or automated seat on inbox submitting to
// upstream.
func (s *Session) localSeat(side rules.Side, inbox, upstream *message.Inbox) (*seat, error) {
	p := s.cfg.Players.Player(side.String())
	identity := message.Identity{ID: inbox.Name(), Side: side}

	switch p.Kind {
	case config.KindInteractive:
		return s.interactiveSeat(identity, inbox, upstream)
	case config.KindAutomated:
		sel, err := handler.NewSelector(p.Selector, p.Script, s.opts.Seed)
		if err != nil {
			return nil, fmt.Errorf("players.%s: %w", side, err)
		}
		st := &seat{runner: handler.NewRunner(handler.NewAutomated(identity, sel, p.ThinkTime, s.logger), inbox, upstream, s.logger)}
		if lua, ok := sel.(*handler.LuaSelector); ok {
			st.close = lua.Close
		}
		return st, nil
	default:
		return nil, fmt.Errorf("players.%s: kind %q cannot be seated locally", side, p.Kind)
	}
}

func (s *Session) interactiveSeat(identity message.Identity, inbox, upstream *message.Inbox) (*seat, error) {
	if s.cfg.UI.Mode == "graphical" {
		bridge := presentation.NewGRPCBridge(inbox, s.logger)
		runner := handler.NewRunner(handler.NewInteractive(identity, bridge, s.logger), inbox, upstream, s.logger)
		return &seat{
			runner: runner,
			serve: func(ctx context.Context) error {
				lis := s.opts.GRPCListener
				if lis == nil {
					var err error
					if lis, err = net.Listen("tcp", s.cfg.Presentation.GRPCAddress); err != nil {
						return fmt.Errorf("failed to listen on %s: %w", s.cfg.Presentation.GRPCAddress, err)
					}
				}
				return bridge.Serve(ctx, lis)
			},
			close: bridge.Close,
		}, nil
	}

	term := presentation.NewTerminal(s.opts.Input, s.opts.Output, s.logger)
	runner := handler.NewRunner(handler.NewInteractive(identity, term, s.logger), inbox, upstream, s.logger)
	return &seat{
		runner: runner,
		detached: func() {
			if err := term.Run(context.Background(), inbox); err != nil {
				s.logger.Warn("terminal input failed", zap.Error(err))
			}
		},
	}, nil
}

// remoteSeat serves the websocket endpoint for a peer playing side. The
// seat registers itself whenever a peer connects.
func (s *Session) remoteSeat(side rules.Side, upstream *message.Inbox) *seat {
	identity := message.Identity{ID: seatID(side), Side: side}
	host := netbridge.NewHost(identity, upstream, s.cfg.Game.InboxCapacity, s.logger)
	return &seat{
		runner: host.Runner(),
		serve: func(ctx context.Context) error {
			if lis := s.opts.HostListener; lis != nil {
				return host.Serve(ctx, lis)
			}
			return host.ListenAndServe(ctx, s.cfg.Network.ListenAddress)
		},
		close: host.Close,
	}
}

func seatID(side rules.Side) string {
	return side.String() + "-" + uuid.NewString()[:8]
}

func closeSeats(seats []*seat) {
	for _, st := range seats {
		if st.close != nil {
			st.close()
		}
	}
}

// finishNotifier passes finished games on to an archive and signals done.
type finishNotifier struct {
	inner game.Archive
	done  chan struct{}
	once  sync.Once
}

func (f *finishNotifier) SaveGame(ctx context.Context, e message.Export) error {
	defer f.once.Do(func() { close(f.done) })
	if f.inner == nil {
		return nil
	}
	return f.inner.SaveGame(ctx, e)
}
