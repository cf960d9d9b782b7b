package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/gambit-chess/gambit-server-go/internal/message"
	"github.com/jackc/pgx/v5"
)

// ErrGameNotFound is returned by LoadGame for an unknown id.
var ErrGameNotFound = errors.New("game not found")

const schema = `
CREATE TABLE IF NOT EXISTS games (
	game_id      TEXT PRIMARY KEY,
	initial_fen  TEXT NOT NULL,
	final_fen    TEXT NOT NULL,
	moves        TEXT[] NOT NULL,
	status       TEXT NOT NULL,
	winner       TEXT NOT NULL DEFAULT '',
	termination  TEXT NOT NULL DEFAULT '',
	clocks       JSONB NOT NULL DEFAULT '{}',
	digest       TEXT NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertGame = `
INSERT INTO games (game_id, initial_fen, final_fen, moves, status, winner, termination, clocks, digest, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (game_id) DO UPDATE SET
	final_fen = EXCLUDED.final_fen,
	moves = EXCLUDED.moves,
	status = EXCLUDED.status,
	winner = EXCLUDED.winner,
	termination = EXCLUDED.termination,
	clocks = EXCLUDED.clocks,
	digest = EXCLUDED.digest,
	finished_at = EXCLUDED.finished_at`

const selectGame = `
SELECT game_id, initial_fen, final_fen, moves, status, winner, termination, clocks, digest
FROM games WHERE game_id = $1`

const selectRecent = `
SELECT game_id, status, termination, cardinality(moves), finished_at
FROM games ORDER BY finished_at DESC LIMIT $1`

// GameRepository archives finished games. It satisfies game.Archive.
type GameRepository struct {
	q   querier
	now func() time.Time
}

// NewGameRepository creates a repository on db.
func NewGameRepository(db *DB) *GameRepository {
	return newGameRepository(db.pool)
}

func newGameRepository(q querier) *GameRepository {
	return &GameRepository{q: q, now: time.Now}
}

// EnsureSchema creates the games table if needed.
func (r *GameRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.q.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create games table: %w", err)
	}
	return nil
}

// SaveGame stores e, replacing an earlier copy of the same game.
func (r *GameRepository) SaveGame(ctx context.Context, e message.Export) error {
	if e.GameID == "" {
		return errors.New("cannot archive a game without id")
	}
	clocks, err := json.Marshal(e.Clocks)
	if err != nil {
		return fmt.Errorf("failed to encode clocks: %w", err)
	}
	moves := e.Moves
	if moves == nil {
		moves = []string{}
	}
	_, err = r.q.Exec(ctx, upsertGame,
		e.GameID, e.InitialFEN, e.FEN, moves,
		e.Result.Status, e.Result.Winner, e.Result.Termination,
		clocks, e.Digest, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save game %s: %w", e.GameID, err)
	}
	return nil
}

// LoadGame returns the archived export of gameID.
func (r *GameRepository) LoadGame(ctx context.Context, gameID string) (message.Export, error) {
	var (
		e      message.Export
		clocks []byte
	)
	err := r.q.QueryRow(ctx, selectGame, gameID).Scan(
		&e.GameID, &e.InitialFEN, &e.FEN, &e.Moves,
		&e.Result.Status, &e.Result.Winner, &e.Result.Termination,
		&clocks, &e.Digest,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Export{}, fmt.Errorf("game %s: %w", gameID, ErrGameNotFound)
	}
	if err != nil {
		return message.Export{}, fmt.Errorf("failed to load game %s: %w", gameID, err)
	}
	if len(clocks) > 0 {
		e.Clocks = make(map[rules.Side]message.ClockView)
		if err := json.Unmarshal(clocks, &e.Clocks); err != nil {
			return message.Export{}, fmt.Errorf("failed to decode clocks of %s: %w", gameID, err)
		}
	}
	return e, nil
}

// GameSummary is one row of RecentGames.
type GameSummary struct {
	GameID      string
	Status      string
	Termination string
	Plies       int
	FinishedAt  time.Time
}

// RecentGames lists the last limit archived games, newest first.
func (r *GameRepository) RecentGames(ctx context.Context, limit int) ([]GameSummary, error) {
	rows, err := r.q.Query(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	games, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (GameSummary, error) {
		var g GameSummary
		err := row.Scan(&g.GameID, &g.Status, &g.Termination, &g.Plies, &g.FinishedAt)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read games: %w", err)
	}
	return games, nil
}
