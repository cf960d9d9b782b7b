package handler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFEN(t *testing.T, fen string) rules.Position {
	t.Helper()
	pos, err := rules.ParseFEN(fen)
	require.NoError(t, err)
	return pos
}

func TestFirstLegalIsDeterministic(t *testing.T) {
	m, err := FirstLegalSelector{}.Select(rules.StartPosition())
	require.NoError(t, err)
	assert.Equal(t, "a2a3", m.String())
}

func TestRandomSelectorIsSeeded(t *testing.T) {
	a := NewRandomSelector(42)
	b := NewRandomSelector(42)
	pos := rules.StartPosition()
	for i := 0; i < 10; i++ {
		ma, err := a.Select(pos)
		require.NoError(t, err)
		mb, err := b.Select(pos)
		require.NoError(t, err)
		assert.Equal(t, ma, mb)
		assert.True(t, rules.IsLegal(pos, ma))
	}
}

func TestSelectorsWithoutMoves(t *testing.T) {
	// White is checkmated.
	mated := mustFEN(t, "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3")
	_, err := FirstLegalSelector{}.Select(mated)
	assert.ErrorIs(t, err, ErrNoLegalMoves)
	_, err = NewRandomSelector(1).Select(mated)
	assert.ErrorIs(t, err, ErrNoLegalMoves)
}

func TestLuaSelector(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    string
		wantErr error
	}{
		{
			name:   "uci string",
			script: `function select_move(fen, moves, side) return "e2e4" end`,
			want:   "e2e4",
		},
		{
			name:   "index",
			script: `function select_move(fen, moves, side) return #moves end`,
			want:   "h2h4",
		},
		{
			name:   "side and fen",
			script: `function select_move(fen, moves, side) if side == "white" and string.sub(fen, 1, 4) == "rnbq" then return "g1f3" end return 1 end`,
			want:   "g1f3",
		},
		{
			name:    "illegal string",
			script:  `function select_move() return "e2e5" end`,
			wantErr: ErrBadChoice,
		},
		{
			name:    "index out of range",
			script:  `function select_move() return 0 end`,
			wantErr: ErrBadChoice,
		},
		{
			name:    "wrong type",
			script:  `function select_move() return {} end`,
			wantErr: ErrBadChoice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := NewLuaSelector(tt.script)
			require.NoError(t, err)
			defer sel.Close()

			m, err := sel.Select(rules.StartPosition())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.String())
		})
	}
}

func TestLuaSelectorLoadErrors(t *testing.T) {
	_, err := NewLuaSelector(`x = 1`)
	assert.ErrorContains(t, err, "select_move")

	_, err = NewLuaSelector(`function (`)
	assert.Error(t, err)

	_, err = NewLuaSelector(`os.exit(1)`)
	assert.Error(t, err, "os library is not opened")

	_, err = NewLuaSelectorFile("")
	assert.Error(t, err)
}

func TestLuaSelectorRuntimeError(t *testing.T) {
	sel, err := NewLuaSelector(`function select_move() error("boom") end`)
	require.NoError(t, err)
	defer sel.Close()
	_, err = sel.Select(rules.StartPosition())
	assert.ErrorContains(t, err, "boom")
}

func TestNewSelector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pick.lua")
	require.NoError(t, os.WriteFile(path, []byte(`function select_move(fen, moves) return 1 end`), 0o644))

	for _, name := range []string{"", "random", "first-legal", "lua"} {
		sel, err := NewSelector(name, path, 7)
		require.NoError(t, err, name)
		m, err := sel.Select(rules.StartPosition())
		require.NoError(t, err, name)
		assert.True(t, rules.IsLegal(rules.StartPosition(), m), name)
	}
	_, err := NewSelector("stockfish", "", 0)
	assert.Error(t, err)
}
