package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/pm"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// registerModules installs the utility modules available to every script.
func (st *state) registerModules(L *lua.LState) {
	L.SetGlobal("json_encode", L.NewFunction(st.jsonEncode))
	L.SetGlobal("json_decode", L.NewFunction(st.jsonDecode))

	b64 := L.NewTable()
	L.SetField(b64, "encode", L.NewFunction(st.base64Encode))
	L.SetField(b64, "decode", L.NewFunction(base64Decode))
	L.SetGlobal("base64", b64)

	u := L.NewTable()
	L.SetField(u, "encode", L.NewFunction(urlEncode))
	L.SetField(u, "decode", L.NewFunction(urlDecode))
	L.SetGlobal("url", u)

	re := L.NewTable()
	L.SetField(re, "match", L.NewFunction(reMatch))
	L.SetField(re, "find", L.NewFunction(reFind))
	L.SetGlobal("re", re)

	log := L.NewTable()
	L.SetField(log, "info", L.NewFunction(st.logAt(zap.InfoLevel)))
	L.SetField(log, "warn", L.NewFunction(st.logAt(zap.WarnLevel)))
	L.SetField(log, "error", L.NewFunction(st.logAt(zap.ErrorLevel)))
	L.SetGlobal("log", log)

	st.guardLibraries(L)
}

// guardLibraries wraps the library calls whose output can be much larger
// than their input, so the result is charged before it is built.
func (st *state) guardLibraries(L *lua.LState) {
	if strlib, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		strlib.RawSetString("rep", L.NewFunction(st.strRep))
		strlib.RawSetString("gsub", L.NewFunction(st.strGsub(strlib.RawGetString("gsub"))))
		strlib.RawSetString("format", L.NewFunction(st.strFormat(strlib.RawGetString("format"))))
	}
	if tablib, ok := L.GetGlobal(lua.TabLibName).(*lua.LTable); ok {
		tablib.RawSetString("concat", L.NewFunction(st.tabConcat(tablib.RawGetString("concat"))))
	}
}

// callThrough calls fn with the current arguments and returns all of its
// results.
func callThrough(L *lua.LState, fn lua.LValue) int {
	top := L.GetTop()
	L.Push(fn)
	for i := 1; i <= top; i++ {
		L.Push(L.Get(i))
	}
	L.Call(top, lua.MultRet)
	return L.GetTop() - top
}

func (st *state) strGsub(gsub lua.LValue) lua.LGFunction {
	return func(L *lua.LState) int {
		str := L.CheckString(1)
		pat := L.CheckString(2)
		limit := L.OptInt(4, -1)
		switch repl := L.Get(3).(type) {
		case lua.LString:
			st.charge(L, gsubSize(str, pat, string(repl), limit))
		case *lua.LFunction:
			L.Replace(3, L.NewFunction(st.heldResult(func(L *lua.LState, top int) {
				L.Push(repl)
				for i := 1; i <= top; i++ {
					L.Push(L.Get(i))
				}
				L.Call(top, 1)
			})))
		case *lua.LTable:
			L.Replace(3, L.NewFunction(st.heldResult(func(L *lua.LState, _ int) {
				L.Push(L.GetTable(repl, L.Get(1)))
			})))
		}
		defer st.release()
		n := callThrough(L, gsub)
		if n > 0 {
			st.charge(L, len(lua.LVAsString(L.Get(-n))))
		}
		return n
	}
}

// heldResult wraps a gsub replacement so each replacement string is held
// against the budget while gsub assembles its output.
func (st *state) heldResult(produce func(L *lua.LState, top int)) lua.LGFunction {
	return func(L *lua.LState) int {
		produce(L, L.GetTop())
		if v := L.Get(-1); lua.LVCanConvToString(v) {
			st.hold(L, len(lua.LVAsString(v)))
		}
		return 1
	}
}

// gsubSize bounds the output of gsub with a string replacement. Patterns
// that fail to compile are left for gsub itself to report.
func gsubSize(str, pat, repl string, limit int) int {
	matches, err := pm.Find(pat, []byte(str), 0, limit)
	if err != nil {
		return 0
	}
	lits := 0
	var refs []int
	for i := 0; i < len(repl); i++ {
		if repl[i] == '%' && i+1 < len(repl) {
			i++
			if c := repl[i]; c >= '0' && c <= '9' {
				refs = append(refs, 2*int(c-'0'))
				continue
			}
			lits += 2
			continue
		}
		lits++
	}
	n := len(str)
	for _, md := range matches {
		n += lits
		for _, idx := range refs {
			if idx+1 >= md.CaptureLength() {
				idx = 0
			}
			if md.IsPosCapture(idx) {
				n += 20
			} else {
				n += md.Capture(idx+1) - md.Capture(idx)
			}
		}
	}
	return n
}

func (st *state) strFormat(format lua.LValue) lua.LGFunction {
	return func(L *lua.LState) int {
		f := L.CheckString(1)
		n := len(f) + 128*strings.Count(f, "%")
		for i := 2; i <= L.GetTop(); i++ {
			if s, ok := L.Get(i).(lua.LString); ok {
				n += len(s)
			} else {
				n += 32
			}
		}
		st.charge(L, n)
		return callThrough(L, format)
	}
}

func (st *state) tabConcat(concat lua.LValue) lua.LGFunction {
	return func(L *lua.LState) int {
		t := L.CheckTable(1)
		sep := L.OptString(2, "")
		i := L.OptInt(3, 1)
		j := L.OptInt(4, t.Len())
		n := 0
		for k := i; k <= j; k++ {
			v := t.RawGetInt(k)
			if !lua.LVCanConvToString(v) {
				break
			}
			n += len(lua.LVAsString(v)) + len(sep)
		}
		st.charge(L, n)
		return callThrough(L, concat)
	}
}

func (st *state) strRep(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	sep := L.OptString(3, "")
	if n <= 0 || len(s)+len(sep) == 0 {
		L.Push(lua.LString(""))
		return 1
	}
	unit := int64(len(s) + len(sep))
	if int64(n) > st.mem.budget/unit+1 {
		st.exceed(L)
	}
	st.charge(L, n*len(s)+(n-1)*len(sep))
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s
	}
	L.Push(lua.LString(strings.Join(parts, sep)))
	return 1
}

func (st *state) jsonEncode(L *lua.LState) int {
	data, err := json.Marshal(fromLua(L.CheckAny(1)))
	if err != nil {
		L.ArgError(1, "json encode: "+err.Error())
		return 0
	}
	st.charge(L, len(data))
	L.Push(lua.LString(string(data)))
	return 1
}

func (st *state) jsonDecode(L *lua.LState) int {
	s := L.CheckString(1)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		L.ArgError(1, "json decode: "+err.Error())
		return 0
	}
	st.charge(L, len(s))
	L.Push(toLua(L, v))
	return 1
}

func (st *state) base64Encode(L *lua.LState) int {
	out := base64.StdEncoding.EncodeToString([]byte(L.CheckString(1)))
	st.charge(L, len(out))
	L.Push(lua.LString(out))
	return 1
}

func base64Decode(L *lua.LState) int {
	data, err := base64.StdEncoding.DecodeString(L.CheckString(1))
	if err != nil {
		L.ArgError(1, "base64 decode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(string(data)))
	return 1
}

func urlEncode(L *lua.LState) int {
	L.Push(lua.LString(url.QueryEscape(L.CheckString(1))))
	return 1
}

func urlDecode(L *lua.LState) int {
	decoded, err := url.QueryUnescape(L.CheckString(1))
	if err != nil {
		L.ArgError(1, "url decode: "+err.Error())
		return 0
	}
	L.Push(lua.LString(decoded))
	return 1
}

func reMatch(L *lua.LState) int {
	matched, err := regexp.MatchString(L.CheckString(1), L.CheckString(2))
	if err != nil {
		L.ArgError(1, "re match: "+err.Error())
		return 0
	}
	L.Push(lua.LBool(matched))
	return 1
}

func reFind(L *lua.LState) int {
	re, err := regexp.Compile(L.CheckString(1))
	if err != nil {
		L.ArgError(1, "re find: "+err.Error())
		return 0
	}
	L.Push(lua.LString(re.FindString(L.CheckString(2))))
	return 1
}

func (st *state) logAt(level zapcore.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		if ce := st.logger.Check(level, "lua_log"); ce != nil {
			ce.Write(zap.String("message", msg))
		}
		return 0
	}
}

// fromLua converts a Lua value to its Go form. Tables with a sequence part
// become slices; other tables become string-keyed maps.
func fromLua(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		if n := t.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLua(t.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		t.ForEach(func(k, val lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				m[string(ks)] = fromLua(val)
			}
		})
		return m
	default:
		return v.String()
	}
}

// toLua converts decoded JSON or YAML values to Lua.
func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case uint64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []string:
		tbl := L.NewTable()
		for _, s := range t {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			L.SetField(tbl, k, toLua(L, t[k]))
		}
		return tbl
	default:
		return lua.LString("")
	}
}
