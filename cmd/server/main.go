package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gambit-chess/gambit-server-go/internal/config"
	"github.com/gambit-chess/gambit-server-go/internal/game"
	"github.com/gambit-chess/gambit-server-go/internal/logsink"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/gambit-chess/gambit-server-go/internal/repository"
	"github.com/gambit-chess/gambit-server-go/internal/server"
	"go.uber.org/zap"
)

var (
	configPath   = flag.String("config", "", "path to configuration file")
	resumeID     = flag.String("resume", "", "id of an archived game to continue")
	exitOnFinish = flag.Bool("exit-on-finish", true, "end the process once the game has a result")
	version      = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize log sink
	sink, err := logsink.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize log sink: %v\n", err)
		os.Exit(1)
	}
	go sink.Run()
	logger := sink.Logger()

	code := run(cfg, logger)
	sink.Shutdown("process exit")
	os.Exit(code)
}

func run(cfg *config.Config, logger *zap.Logger) int {
	logger.Info("starting gambit",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("role", cfg.Role),
	)

	// Cancelled on the first termination signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := server.Options{ExitWhenFinished: *exitOnFinish}

	var games *repository.GameRepository
	if cfg.Database.Enabled {
		db, err := repository.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return 1
		}
		defer db.Close()

		stats := db.Stats()
		logger.Info("database connection pool initialized",
			zap.Int32("total_conns", stats.TotalConns()),
			zap.Int32("idle_conns", stats.IdleConns()),
		)

		games = repository.NewGameRepository(db)
		if err := games.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare game archive", zap.Error(err))
			return 1
		}
		opts.Archive = games
	}

	if *resumeID != "" {
		export, err := loadResume(ctx, cfg, games, *resumeID)
		if err != nil {
			logger.Error("failed to load game to resume", zap.String("game_id", *resumeID), zap.Error(err))
			return 1
		}
		logger.Info("resuming game", zap.String("game_id", export.GameID), zap.Int("plies", len(export.Moves)))
		opts.Resume = export
	}

	if err := server.NewSession(cfg, opts, logger).Run(ctx); err != nil {
		logger.Error("session failed", zap.Error(err))
		return 1
	}
	logger.Info("gambit stopped")
	return 0
}

// loadResume finds an archived game in the database, falling back to the
// replay directory.
func loadResume(ctx context.Context, cfg *config.Config, games *repository.GameRepository, id string) (*message.Export, error) {
	if games != nil {
		export, err := games.LoadGame(ctx, id)
		if err == nil {
			return &export, nil
		}
		if !errors.Is(err, repository.ErrGameNotFound) || cfg.Archive.Dir == "" {
			return nil, err
		}
	}
	if cfg.Archive.Dir == "" {
		return nil, errors.New("neither database nor archive.dir is configured")
	}
	replay, err := game.LoadReplayFromFile(cfg.Archive.Dir, id)
	if err != nil {
		return nil, err
	}
	last := replay.GetStateAt(replay.Size() - 1)
	if last == nil {
		return nil, fmt.Errorf("replay %s is empty", id)
	}
	return last, nil
}
