// Package grader runs benchmark grading scripts written in Lua in a
// sandboxed interpreter.
package grader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeout bounds a single grading call.
const DefaultTimeout = 10 * time.Second

// Outcome is what a grading script sees about a finished case, as the
// global-free table argument of grade(r).
type Outcome struct {
	CaseID       string
	Prompt       string
	AgentExit    int
	TestExit     int
	TestOutput   string
	AgentOutput  string
	Diff         string
	ChangedFiles int
	TokensTotal  int
}

// Verdict is the result of grading.
type Verdict struct {
	Pass   bool
	Reason string
	Logs   []string
}

// Grader holds a loaded grading script. It is safe for concurrent use: every
// call gets a fresh interpreter.
type Grader struct {
	name    string
	source  string
	timeout time.Duration
}

// New compiles nothing up front; syntax errors surface on the first Grade.
func New(name, source string) *Grader {
	return &Grader{name: name, source: source, timeout: DefaultTimeout}
}

// Load reads a grading script from disk.
func Load(path string) (*Grader, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grader: %w", err)
	}
	return New(filepath.Base(path), string(src)), nil
}

// WithTimeout returns a copy of g with a different per-call limit.
func (g *Grader) WithTimeout(d time.Duration) *Grader {
	out := *g
	out.timeout = d
	return &out
}

// Grade calls the script's grade(r) function. The function returns either
// (pass, reason) or a table {pass = ..., reason = ...}.
func (g *Grader) Grade(ctx context.Context, o Outcome) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	var v Verdict
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		v.Logs = append(v.Logs, L.CheckString(1))
		return 0
	}))

	if err := L.DoString(g.source); err != nil {
		return v, fmt.Errorf("failed to load grader %s: %w", g.name, err)
	}
	fn, ok := L.GetGlobal("grade").(*lua.LFunction)
	if !ok {
		return v, fmt.Errorf("grader %s must define a 'grade' function", g.name)
	}

	L.Push(fn)
	L.Push(outcomeTable(L, o))
	if err := L.PCall(1, 2, nil); err != nil {
		return v, fmt.Errorf("grader %s failed: %w", g.name, err)
	}
	first, second := L.Get(-2), L.Get(-1)
	L.Pop(2)

	if tbl, ok := first.(*lua.LTable); ok {
		v.Pass = lua.LVAsBool(tbl.RawGetString("pass"))
		v.Reason = lua.LVAsString(tbl.RawGetString("reason"))
		return v, nil
	}
	v.Pass = lua.LVAsBool(first)
	v.Reason = lua.LVAsString(second)
	return v, nil
}

// openSafeLibs loads base, table, string and math, minus anything that
// touches the filesystem, prints, or is non-deterministic.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
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

func outcomeTable(L *lua.LState, o Outcome) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "case_id", lua.LString(o.CaseID))
	L.SetField(tbl, "prompt", lua.LString(o.Prompt))
	L.SetField(tbl, "agent_exit", lua.LNumber(o.AgentExit))
	L.SetField(tbl, "test_exit", lua.LNumber(o.TestExit))
	L.SetField(tbl, "test_output", lua.LString(o.TestOutput))
	L.SetField(tbl, "agent_output", lua.LString(o.AgentOutput))
	L.SetField(tbl, "diff", lua.LString(o.Diff))
	L.SetField(tbl, "changed_files", lua.LNumber(o.ChangedFiles))
	L.SetField(tbl, "tokens", lua.LNumber(o.TokensTotal))
	return tbl
}

// Default grades without a script: the agent and the test command must
// both exit 0.
func Default(o Outcome) Verdict {
	switch {
	case o.AgentExit != 0:
		return Verdict{Reason: fmt.Sprintf("agent exited with code %d", o.AgentExit)}
	case o.TestExit != 0:
		return Verdict{Reason: fmt.Sprintf("tests exited with code %d", o.TestExit)}
	}
	return Verdict{Pass: true}
}
