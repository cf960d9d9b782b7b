package game

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/message"
	"go.uber.org/zap"
)

const (
	replayVersion = 1
	replayExt     = ".replay"
)

// Replay is a recorded game: one export per ply, in order, with a cursor
// for stepping through it.
type Replay struct {
	GameID string

	mu     sync.RWMutex
	states []*message.Export
	cursor int
}

// NewReplay creates an empty replay.
func NewReplay(gameID string) *Replay {
	return &Replay{GameID: gameID}
}

// RecordState appends a snapshot. A snapshot at the same ply as the last
// one replaces it, so a result or clock change without a move keeps one
// entry per ply.
func (r *Replay) RecordState(snapshot *message.Export) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.states); n > 0 && len(r.states[n-1].Moves) == len(snapshot.Moves) {
		r.states[n-1] = snapshot
		return
	}
	r.states = append(r.states, snapshot)
}

// Start rewinds the cursor.
func (r *Replay) Start() {
	r.mu.Lock()
	r.cursor = 0
	r.mu.Unlock()
}

// Next returns the snapshot under the cursor and advances it, or nil past
// the end.
func (r *Replay) Next() *message.Export {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor >= len(r.states) {
		return nil
	}
	r.cursor++
	return r.states[r.cursor-1]
}

// Size returns the number of recorded snapshots.
func (r *Replay) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// GetStateAt returns the snapshot at index, or nil.
func (r *Replay) GetStateAt(index int) *message.Export {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.states) {
		return nil
	}
	return r.states[index]
}

// replayHeader leads every replay file.
type replayHeader struct {
	Version  int
	GameID   string
	Recorded time.Time
	States   int
}

func replayPath(dir, gameID string) string {
	return filepath.Join(dir, gameID+replayExt)
}

// SaveToFile writes the replay to <dir>/<game id>.replay.
func (r *Replay) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create replay directory: %w", err)
	}
	f, err := os.Create(replayPath(dir, r.GameID))
	if err != nil {
		return fmt.Errorf("failed to create replay file: %w", err)
	}
	if err := r.encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// encode writes a gzip compressed gob stream: the header, then every
// snapshot.
func (r *Replay) encode(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	zw := gzip.NewWriter(w)
	enc := gob.NewEncoder(zw)
	header := replayHeader{Version: replayVersion, GameID: r.GameID, Recorded: time.Now(), States: len(r.states)}
	if err := enc.Encode(&header); err != nil {
		return fmt.Errorf("failed to encode replay header: %w", err)
	}
	for i, s := range r.states {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode state %d: %w", i, err)
		}
	}
	return zw.Close()
}

// LoadReplayFromFile reads a replay written by SaveToFile. Every snapshot
// must carry a valid digest.
func LoadReplayFromFile(dir, gameID string) (*Replay, error) {
	f, err := os.Open(replayPath(dir, gameID))
	if err != nil {
		return nil, fmt.Errorf("failed to open replay: %w", err)
	}
	defer f.Close()
	return decodeReplay(f)
}

func decodeReplay(rd io.Reader) (*Replay, error) {
	zr, err := gzip.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay: %w", err)
	}
	defer zr.Close()

	dec := gob.NewDecoder(zr)
	var header replayHeader
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to decode replay header: %w", err)
	}
	if header.Version != replayVersion {
		return nil, fmt.Errorf("unsupported replay version %d", header.Version)
	}

	r := NewReplay(header.GameID)
	r.states = make([]*message.Export, 0, header.States)
	for i := range header.States {
		var s message.Export
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("failed to decode state %d: %w", i, err)
		}
		if !VerifyExport(s) {
			return nil, fmt.Errorf("state %d: %w", i, ErrDigestMismatch)
		}
		r.states = append(r.states, &s)
	}
	return r, nil
}

// recording is one game known to a ReplayRecorder.
type recording struct {
	replay *Replay
	active bool
}

// ReplayRecorder collects the replays of running games and writes each one
// out when its game ends.
type ReplayRecorder struct {
	logger *zap.Logger
	dir    string

	mu    sync.RWMutex
	games map[string]*recording
}

// NewReplayRecorder creates a recorder saving to dir.
func NewReplayRecorder(logger *zap.Logger, dir string) *ReplayRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayRecorder{
		logger: logger.Named("replay"),
		dir:    dir,
		games:  make(map[string]*recording),
	}
}

// StartRecording begins a fresh replay for gameID.
func (rr *ReplayRecorder) StartRecording(gameID string) {
	rr.mu.Lock()
	rr.games[gameID] = &recording{replay: NewReplay(gameID), active: true}
	rr.mu.Unlock()
	rr.logger.Info("started replay recording", zap.String("game_id", gameID))
}

// StopRecording keeps the replay but ignores further snapshots.
func (rr *ReplayRecorder) StopRecording(gameID string) {
	rr.mu.Lock()
	if g := rr.games[gameID]; g != nil {
		g.active = false
	}
	rr.mu.Unlock()
	rr.logger.Info("stopped replay recording", zap.String("game_id", gameID))
}

// RecordState adds a snapshot to an active recording.
func (rr *ReplayRecorder) RecordState(gameID string, snapshot *message.Export) {
	rr.mu.RLock()
	g := rr.games[gameID]
	rr.mu.RUnlock()
	if g == nil || !g.active {
		return
	}
	g.replay.RecordState(snapshot)
	rr.logger.Debug("recorded replay state", zap.String("game_id", gameID), zap.Int("states", g.replay.Size()))
}

// GetReplay returns the in-memory replay of gameID.
func (rr *ReplayRecorder) GetReplay(gameID string) (*Replay, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	g, ok := rr.games[gameID]
	if !ok {
		return nil, false
	}
	return g.replay, true
}

// SaveReplay writes the replay of gameID to disk and forgets it.
func (rr *ReplayRecorder) SaveReplay(gameID string) error {
	rr.mu.Lock()
	g, ok := rr.games[gameID]
	delete(rr.games, gameID)
	rr.mu.Unlock()
	if !ok {
		return fmt.Errorf("no replay recorded for game %s", gameID)
	}

	if err := g.replay.SaveToFile(rr.dir); err != nil {
		return fmt.Errorf("failed to save replay: %w", err)
	}
	rr.logger.Info("saved replay",
		zap.String("game_id", gameID),
		zap.Int("states", g.replay.Size()),
		zap.String("dir", rr.dir),
	)
	return nil
}

// LoadReplay reads a saved replay from the recorder's directory.
func (rr *ReplayRecorder) LoadReplay(gameID string) (*Replay, error) {
	r, err := LoadReplayFromFile(rr.dir, gameID)
	if err != nil {
		return nil, err
	}
	rr.logger.Info("loaded replay", zap.String("game_id", gameID), zap.Int("states", r.Size()))
	return r, nil
}

// ClearReplay drops a replay without saving it.
func (rr *ReplayRecorder) ClearReplay(gameID string) {
	rr.mu.Lock()
	delete(rr.games, gameID)
	rr.mu.Unlock()
}

// IsRecording reports whether snapshots of gameID are being kept.
func (rr *ReplayRecorder) IsRecording(gameID string) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	g := rr.games[gameID]
	return g != nil && g.active
}
