package sandbox

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Host is the call state a script can observe and mutate.
type Host interface {
	// Phase is "on_request", "on_response" or "on_error".
	Phase() string
	Method() string
	// Path is the outbound path.
	Path() string
	SetPath(p string) error
	Query() url.Values
	RequestHeader() http.Header
	// Header is the header set the current phase mutates: request headers
	// on_request, response headers otherwise.
	Header() http.Header
	// Status is the upstream status on_response, the error status
	// on_error and zero on_request.
	Status() int
	// Body returns the phase body, reading it at most once.
	Body() ([]byte, error)
	SetBody(b []byte) error
	// Vars are read-only call attributes such as tenant_id and request_id.
	Vars() map[string]string
}

// Action is a script's pipeline decision.
type Action int

const (
	ActionNext Action = iota
	ActionReject
	ActionRespond
)

func (a Action) String() string {
	switch a {
	case ActionReject:
		return "reject"
	case ActionRespond:
		return "respond"
	}
	return "next"
}

// Outcome is the result of a script invocation.
type Outcome struct {
	Action      Action
	Status      int
	Code        string
	Message     string
	Body        []byte
	ContentType string
}

// state is the per-invocation bridge between a Lua state and its Host.
type state struct {
	host   Host
	mem    meter
	logger *zap.Logger

	decided bool
	outcome Outcome

	// hostErr is the last error returned by a host body call.
	hostErr error
}

// decide records the first decision and unwinds the script.
func (st *state) decide(L *lua.LState, o Outcome) {
	if !st.decided {
		st.decided = true
		st.outcome = o
	}
	L.RaiseError("pipeline decision: %s", o.Action)
}

func (st *state) install(L *lua.LState, config map[string]any) {
	L.SetGlobal("config", readOnly(L, toLua(L, config)))
	L.SetGlobal("ctx", readOnly(L, stringTable(L, st.host.Vars())))
	L.SetGlobal("request", st.newRequest(L))
	if st.host.Phase() != "on_request" {
		L.SetGlobal("response", st.newResponse(L))
	}

	headers := L.NewTable()
	L.SetField(headers, "get", L.NewFunction(st.headerGet))
	L.SetField(headers, "set", L.NewFunction(st.headerSet))
	L.SetField(headers, "add", L.NewFunction(st.headerAdd))
	L.SetField(headers, "remove", L.NewFunction(st.headerRemove))
	L.SetGlobal("headers", headers)

	L.SetGlobal("set_path", L.NewFunction(st.setPath))
	L.SetGlobal("body", L.NewFunction(st.body))
	L.SetGlobal("set_body", L.NewFunction(st.setBody))
	L.SetGlobal("json", L.NewFunction(st.json))
	L.SetGlobal("set_json", L.NewFunction(st.setJSON))
	L.SetGlobal("json_get", L.NewFunction(st.jsonGet))
	L.SetGlobal("json_set", L.NewFunction(st.jsonSet))
	L.SetGlobal("json_delete", L.NewFunction(st.jsonDelete))

	L.SetGlobal("next", L.NewFunction(st.next))
	L.SetGlobal("reject", L.NewFunction(st.reject))
	L.SetGlobal("respond", L.NewFunction(st.respond))

	st.registerModules(L)
}

// readOnly wraps t in a proxy whose writes raise an error.
func readOnly(L *lua.LState, t lua.LValue) *lua.LTable {
	proxy := L.NewTable()
	mt := L.NewTable()
	L.SetField(mt, "__index", t)
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("attempt to modify a read-only table")
		return 0
	}))
	L.SetField(mt, "__metatable", lua.LFalse)
	L.SetMetatable(proxy, mt)
	return proxy
}

func stringTable(L *lua.LState, m map[string]string) *lua.LTable {
	t := L.NewTable()
	for k, v := range m {
		L.SetField(t, k, lua.LString(v))
	}
	return t
}

// --- request / response objects ---

func (st *state) newRequest(L *lua.LState) *lua.LTable {
	index := L.NewTable()
	L.SetField(index, "method", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(st.host.Method()))
		return 1
	}))
	L.SetField(index, "path", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(st.host.Path()))
		return 1
	}))
	L.SetField(index, "query", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(st.host.Query().Get(L.CheckString(2))))
		return 1
	}))
	L.SetField(index, "header", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(st.host.RequestHeader().Get(L.CheckString(2))))
		return 1
	}))
	return readOnly(L, index)
}

func (st *state) newResponse(L *lua.LState) *lua.LTable {
	index := L.NewTable()
	L.SetField(index, "status", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(st.host.Status()))
		return 1
	}))
	L.SetField(index, "header", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(st.host.Header().Get(L.CheckString(2))))
		return 1
	}))
	return readOnly(L, index)
}

// --- headers ---

func (st *state) headerGet(L *lua.LState) int {
	L.Push(lua.LString(st.host.Header().Get(L.CheckString(1))))
	return 1
}

func (st *state) headerSet(L *lua.LState) int {
	name, value := L.CheckString(1), L.CheckString(2)
	st.charge(L, len(name)+len(value))
	st.host.Header().Set(name, value)
	return 0
}

func (st *state) headerAdd(L *lua.LState) int {
	name, value := L.CheckString(1), L.CheckString(2)
	st.charge(L, len(name)+len(value))
	st.host.Header().Add(name, value)
	return 0
}

func (st *state) headerRemove(L *lua.LState) int {
	st.host.Header().Del(L.CheckString(1))
	return 0
}

// --- path and body ---

func (st *state) setPath(L *lua.LState) int {
	if err := st.host.SetPath(L.CheckString(1)); err != nil {
		L.RaiseError("set_path: %v", err)
	}
	return 0
}

func (st *state) readBody(L *lua.LState) []byte {
	b, err := st.host.Body()
	if err != nil {
		st.hostErr = err
		L.RaiseError("body: %v", err)
	}
	st.charge(L, len(b))
	return b
}

func (st *state) writeBody(L *lua.LState, b []byte) {
	st.charge(L, len(b))
	if err := st.host.SetBody(b); err != nil {
		st.hostErr = err
		L.RaiseError("set_body: %v", err)
	}
}

func (st *state) body(L *lua.LState) int {
	L.Push(lua.LString(st.readBody(L)))
	return 1
}

func (st *state) setBody(L *lua.LState) int {
	st.writeBody(L, []byte(L.CheckString(1)))
	return 0
}

// json decodes the phase body. It returns nil and a message when the body
// is not JSON.
func (st *state) json(L *lua.LState) int {
	b := st.readBody(L)
	if len(b) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(toLua(L, v))
	return 1
}

func (st *state) setJSON(L *lua.LState) int {
	data, err := json.Marshal(fromLua(L.CheckAny(1)))
	if err != nil {
		L.RaiseError("set_json: %v", err)
	}
	st.writeBody(L, data)
	if st.host.Header().Get("Content-Type") == "" {
		st.host.Header().Set("Content-Type", "application/json")
	}
	return 0
}

func (st *state) jsonGet(L *lua.LState) int {
	res := gjson.GetBytes(st.readBody(L), L.CheckString(1))
	if !res.Exists() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(L, res.Value()))
	return 1
}

func (st *state) jsonSet(L *lua.LState) int {
	path := L.CheckString(1)
	out, err := sjson.SetBytes(st.readBody(L), path, fromLua(L.CheckAny(2)))
	if err != nil {
		L.RaiseError("json_set: %v", err)
	}
	st.writeBody(L, out)
	return 0
}

func (st *state) jsonDelete(L *lua.LState) int {
	out, err := sjson.DeleteBytes(st.readBody(L), L.CheckString(1))
	if err != nil {
		L.RaiseError("json_delete: %v", err)
	}
	st.writeBody(L, out)
	return 0
}

// --- control primitives ---

func (st *state) next(L *lua.LState) int {
	st.decide(L, Outcome{Action: ActionNext})
	return 0
}

// reject(status, code, message)
func (st *state) reject(L *lua.LState) int {
	st.decide(L, Outcome{
		Action:  ActionReject,
		Status:  L.CheckInt(1),
		Code:    L.OptString(2, ""),
		Message: L.OptString(3, ""),
	})
	return 0
}

// respond(status, body [, content_type]). A table body is sent as JSON.
func (st *state) respond(L *lua.LState) int {
	o := Outcome{Action: ActionRespond, Status: L.CheckInt(1), ContentType: L.OptString(3, "")}
	switch v := L.Get(2).(type) {
	case *lua.LNilType:
	case *lua.LTable:
		data, err := json.Marshal(fromLua(v))
		if err != nil {
			L.RaiseError("respond: %v", err)
		}
		o.Body = data
		if o.ContentType == "" {
			o.ContentType = "application/json"
		}
	default:
		o.Body = []byte(lua.LVAsString(v))
	}
	st.charge(L, len(o.Body))
	st.decide(L, o)
	return 0
}
