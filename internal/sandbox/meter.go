package sandbox

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// Size estimates for interpreter values, in bytes.
const (
	stringCost   = 16
	slotCost     = 40
	tableCost    = 64
	functionCost = 64
	upvalueCost  = 16
	userdataCost = 64

	// minTickInterval is the least number of ticks between two walks.
	minTickInterval = 1024
)

// meter tracks the memory held by one script invocation against its budget.
//
// Allocations the host sees coming (host strings, concatenation, string
// builders) are charged up front. Everything else, such as table growth, is
// found by walking the values reachable from the interpreter: on tick, at
// an interval proportional to the size of the previous walk, and whenever
// the charges since the last walk would exceed the budget.
type meter struct {
	budget int64
	// live is the reachable size found by the last walk.
	live int64
	// since is what was charged after the last walk.
	since int64
	// held is host-side output not yet reachable from the interpreter.
	held int64

	ticks int
	next  int

	over  bool
	abort context.CancelFunc
}

func newMeter(budget int64, abort context.CancelFunc) meter {
	return meter{budget: budget, next: minTickInterval, abort: abort}
}

// charge accounts n bytes about to be allocated.
func (st *state) charge(L *lua.LState, n int) {
	m := &st.mem
	m.since += int64(n)
	if m.live+m.since+m.held <= m.budget {
		return
	}
	st.measure(L)
	if m.live+m.held+int64(n) > m.budget {
		st.exceed(L)
	}
}

// hold charges n bytes of host-side output until release.
func (st *state) hold(L *lua.LState, n int) {
	st.mem.held += int64(n)
	st.charge(L, 0)
}

func (st *state) release() { st.mem.held = 0 }

// exceed aborts the script. Cancelling the context stops the interpreter
// at its next instruction, so pcall cannot catch it.
func (st *state) exceed(L *lua.LState) {
	st.mem.over = true
	if st.mem.abort != nil {
		st.mem.abort()
	}
	L.RaiseError("memory limit exceeded")
}

// measure walks the interpreter and resets the charges.
func (st *state) measure(L *lua.LState) {
	m := &st.mem
	w := walker{limit: 2 * m.budget, seen: make(map[lua.LValue]struct{})}
	w.value(L.G.Global)
	for level := 0; ; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		if fn, err := L.GetInfo("f", dbg, lua.LNil); err == nil {
			w.value(fn)
		}
		for n := 1; ; n++ {
			name, v := L.GetLocal(dbg, n)
			if name == "" {
				break
			}
			w.value(v)
		}
	}

	m.live = w.size
	m.since = 0
	m.ticks = 0
	m.next = max(minTickInterval, w.visited/4)
}

// tick is called by instrumented scripts on every loop iteration and
// function entry.
func (st *state) tick(L *lua.LState) int {
	m := &st.mem
	if m.over {
		L.RaiseError("memory limit exceeded")
	}
	m.ticks++
	if m.ticks < m.next {
		return 0
	}
	st.measure(L)
	if m.live+m.held > m.budget {
		st.exceed(L)
	}
	return 0
}

// concat implements the `..` operator for instrumented scripts.
func (st *state) concat(L *lua.LState) int {
	lhs, rhs := L.Get(1), L.Get(2)
	if lua.LVCanConvToString(lhs) && lua.LVCanConvToString(rhs) {
		a, b := lua.LVAsString(lhs), lua.LVAsString(rhs)
		st.charge(L, len(a)+len(b))
		L.Push(lua.LString(a + b))
		return 1
	}
	op := L.GetMetaField(lhs, "__concat")
	if op == lua.LNil {
		op = L.GetMetaField(rhs, "__concat")
	}
	if op.Type() != lua.LTFunction {
		L.RaiseError("cannot perform concat operation between %v and %v", lhs.Type().String(), rhs.Type().String())
		return 0
	}
	L.Push(op)
	L.Push(lhs)
	L.Push(rhs)
	L.Call(2, 1)
	return 1
}

// walker sums the estimated size of the values reachable from its roots.
// It stops descending once the size passes limit.
type walker struct {
	limit   int64
	size    int64
	visited int
	seen    map[lua.LValue]struct{}
}

func (w *walker) mark(v lua.LValue) bool {
	if _, ok := w.seen[v]; ok {
		return false
	}
	w.seen[v] = struct{}{}
	return true
}

func (w *walker) value(v lua.LValue) {
	if w.size > w.limit {
		return
	}
	switch t := v.(type) {
	case lua.LString:
		w.size += stringCost + int64(len(t))
	case *lua.LTable:
		if !w.mark(t) {
			return
		}
		w.size += tableCost
		w.value(t.Metatable)
		t.ForEach(func(k, val lua.LValue) {
			if w.size > w.limit {
				return
			}
			w.visited++
			w.size += slotCost
			w.value(k)
			w.value(val)
		})
	case *lua.LFunction:
		if !w.mark(t) {
			return
		}
		w.size += functionCost
		if t.Env != nil {
			w.value(t.Env)
		}
		for _, uv := range t.Upvalues {
			if uv != nil {
				w.size += upvalueCost
				w.value(uv.Value())
			}
		}
	case *lua.LUserData:
		if !w.mark(t) {
			return
		}
		w.size += userdataCost
		w.value(t.Metatable)
	}
}
