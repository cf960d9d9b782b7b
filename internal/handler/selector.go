package handler

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/game/rules"
	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrNoLegalMoves is returned when the position has no legal move.
	ErrNoLegalMoves = errors.New("no legal moves")
	// ErrBadChoice is returned when a script picks something that is not a
	// legal move.
	ErrBadChoice = errors.New("selector chose an illegal move")
)

// Selector picks a move for an automated seat.
type Selector interface {
	Select(pos rules.Position) (rules.Move, error)
}

// NewSelector builds a selector by name: "random", "first-legal" or "lua"
// (which loads script).
func NewSelector(name, script string, seed int64) (Selector, error) {
	switch name {
	case "", "random":
		return NewRandomSelector(seed), nil
	case "first-legal":
		return FirstLegalSelector{}, nil
	case "lua":
		return NewLuaSelectorFile(script)
	default:
		return nil, fmt.Errorf("unknown selector %q", name)
	}
}

// sortedMoves returns the legal moves ordered by UCI text.
func sortedMoves(pos rules.Position) []rules.Move {
	moves := rules.LegalMoves(pos)
	sort.Slice(moves, func(i, j int) bool {
		return moves[i].String() < moves[j].String()
	})
	return moves
}

// RandomSelector picks uniformly among the legal moves.
type RandomSelector struct {
	rng *rand.Rand
}

// NewRandomSelector seeds the selector; zero seeds from the clock.
func NewRandomSelector(seed int64) *RandomSelector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomSelector{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSelector) Select(pos rules.Position) (rules.Move, error) {
	moves := sortedMoves(pos)
	if len(moves) == 0 {
		return rules.Move{}, ErrNoLegalMoves
	}
	return moves[s.rng.Intn(len(moves))], nil
}

// FirstLegalSelector picks the first legal move in UCI order.
type FirstLegalSelector struct{}

func (FirstLegalSelector) Select(pos rules.Position) (rules.Move, error) {
	moves := sortedMoves(pos)
	if len(moves) == 0 {
		return rules.Move{}, ErrNoLegalMoves
	}
	return moves[0], nil
}

// luaEntryPoint is the global function a move script must define:
//
//	function select_move(fen, moves, side) ... end
//
// moves is an array of UCI strings; the function returns either one of
// them or its 1-based index.
const luaEntryPoint = "select_move"

// LuaSelector delegates the choice to a Lua script. A LuaSelector owns a
// Lua state and must be used from one goroutine.
type LuaSelector struct {
	state *lua.LState
	fn    *lua.LFunction
}

// NewLuaSelector compiles source.
func NewLuaSelector(source string) (*LuaSelector, error) {
	return newLuaSelector(func(L *lua.LState) error { return L.DoString(source) })
}

// NewLuaSelectorFile compiles the script at path.
func NewLuaSelectorFile(path string) (*LuaSelector, error) {
	if path == "" {
		return nil, errors.New("lua selector needs a script path")
	}
	return newLuaSelector(func(L *lua.LState) error { return L.DoFile(path) })
}

func newLuaSelector(load func(*lua.LState) error) (*LuaSelector, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open lua library %s: %w", lib.name, err)
		}
	}

	if err := load(L); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load move script: %w", err)
	}
	fn, ok := L.GetGlobal(luaEntryPoint).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("move script does not define %s", luaEntryPoint)
	}
	return &LuaSelector{state: L, fn: fn}, nil
}

func (s *LuaSelector) Select(pos rules.Position) (rules.Move, error) {
	moves := sortedMoves(pos)
	if len(moves) == 0 {
		return rules.Move{}, ErrNoLegalMoves
	}

	L := s.state
	list := L.NewTable()
	for i, m := range moves {
		list.RawSetInt(i+1, lua.LString(m.String()))
	}
	if err := L.CallByParam(lua.P{Fn: s.fn, NRet: 1, Protect: true},
		lua.LString(pos.FEN()), list, lua.LString(pos.SideToMove().String())); err != nil {
		return rules.Move{}, fmt.Errorf("move script failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LNumber:
		i := int(v)
		if i < 1 || i > len(moves) {
			return rules.Move{}, fmt.Errorf("index %d of %d: %w", i, len(moves), ErrBadChoice)
		}
		return moves[i-1], nil
	case lua.LString:
		m, err := rules.ParseMove(string(v))
		if err != nil {
			return rules.Move{}, fmt.Errorf("%q: %w", string(v), ErrBadChoice)
		}
		for _, legal := range moves {
			if legal.Same(m) {
				return legal, nil
			}
		}
		return rules.Move{}, fmt.Errorf("%s: %w", m, ErrBadChoice)
	default:
		return rules.Move{}, fmt.Errorf("script returned %s: %w", ret.Type(), ErrBadChoice)
	}
}

// Close releases the Lua state.
func (s *LuaSelector) Close() {
	s.state.Close()
}
