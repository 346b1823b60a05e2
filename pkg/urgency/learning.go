package urgency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"warden/pkg/protocol"
	"warden/pkg/store"
)

// LearningSource supplies an externally learned urgency value for an item.
// ok=false means the source has no opinion.
type LearningSource interface {
	Override(ctx context.Context, it protocol.WorkItem) (v float64, ok bool, err error)
}

// Sources tries each source in order and returns the first opinion.
type Sources []LearningSource

// Override implements LearningSource.
func (s Sources) Override(ctx context.Context, it protocol.WorkItem) (float64, bool, error) {
	for _, src := range s {
		v, ok, err := src.Override(ctx, it)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}

// StoreLearning reads overrides from the learning_overrides table.
type StoreLearning struct {
	Store *store.Store
}

// Override implements LearningSource.
func (l StoreLearning) Override(ctx context.Context, it protocol.WorkItem) (float64, bool, error) {
	return l.Store.LearningOverride(ctx, it.ID)
}

// ErrNoOverrideFunc means a learning script does not define override().
var ErrNoOverrideFunc = errors.New("learning script must define an 'override' function")

// LuaLearning evaluates a user script defining override(item), which
// returns a number in [0,1] or nil. The interpreter is sandboxed: no file,
// os or io access and no randomness.
type LuaLearning struct {
	mu sync.Mutex
	L  *lua.LState
}

// LoadLuaLearning reads and compiles the script at path.
func LoadLuaLearning(path string) (*LuaLearning, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read learning script: %w", err)
	}
	return NewLuaLearning(string(src))
}

// NewLuaLearning compiles a learning script from source.
func NewLuaLearning(src string) (*LuaLearning, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibs(L)
	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("load learning script: %w", err)
	}
	if L.GetGlobal("override").Type() != lua.LTFunction {
		L.Close()
		return nil, ErrNoOverrideFunc
	}
	return &LuaLearning{L: L}, nil
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// Override implements LearningSource.
func (l *LuaLearning) Override(ctx context.Context, it protocol.WorkItem) (float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.L.SetContext(ctx)
	defer l.L.RemoveContext()

	err := l.L.CallByParam(lua.P{
		Fn:      l.L.GetGlobal("override"),
		NRet:    1,
		Protect: true,
	}, l.itemTable(it))
	if err != nil {
		return 0, false, fmt.Errorf("learning override %s: %w", it.ID, err)
	}
	ret := l.L.Get(-1)
	l.L.Pop(1)

	if n, ok := ret.(lua.LNumber); ok {
		return float64(n), true, nil
	}
	if ret == lua.LNil {
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("learning override %s: want number or nil, got %s", it.ID, ret.Type())
}

func (l *LuaLearning) itemTable(it protocol.WorkItem) *lua.LTable {
	t := l.L.NewTable()
	t.RawSetString("id", lua.LString(it.ID))
	t.RawSetString("key", lua.LString(it.Key))
	t.RawSetString("title", lua.LString(it.Title))
	t.RawSetString("status", lua.LString(it.Status))
	t.RawSetString("queue", lua.LString(it.QueueID))
	t.RawSetString("priority", lua.LString(it.Priority))
	t.RawSetString("progress_pct", lua.LNumber(it.ProgressPct))
	t.RawSetString("okr_alignment", lua.LNumber(it.OKRAlignment))
	t.RawSetString("escalated", lua.LBool(it.Escalated))
	t.RawSetString("score", lua.LNumber(it.Urgency.Score))
	t.RawSetString("band", lua.LString(it.Urgency.Band))
	return t
}

// Close releases the interpreter.
func (l *LuaLearning) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.L.Close()
}
