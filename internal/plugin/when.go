package plugin

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// WhenEnv is the environment a binding's when expression is evaluated in.
type WhenEnv struct {
	Method   string            `expr:"method"`
	Path     string            `expr:"path"`
	Host     string            `expr:"host"`
	Headers  map[string]string `expr:"headers"`
	Query    map[string]string `expr:"query"`
	Tenant   string            `expr:"tenant"`
	User     string            `expr:"user"`
	ClientIP string            `expr:"client_ip"`
	Alias    string            `expr:"alias"`
	Route    string            `expr:"route"`
	Phase    string            `expr:"phase"`
	// Status is the upstream or error status outside on_request.
	Status int `expr:"status"`
}

// When is a compiled boolean condition.
type When struct {
	source  string
	program *vm.Program
}

// CompileWhen compiles a condition such as `method == "POST" && tenant != "root"`.
func CompileWhen(source string) (*When, error) {
	program, err := expr.Compile(source, expr.Env(WhenEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile when expression: %w", err)
	}
	return &When{source: source, program: program}, nil
}

// Eval runs the condition.
func (w *When) Eval(env WhenEnv) (bool, error) {
	out, err := expr.Run(w.program, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

// whenEnv snapshots c for condition evaluation.
func whenEnv(c *Context) WhenEnv {
	headers := make(map[string]string, len(c.Request.Header))
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}
	query := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	return WhenEnv{
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		Host:     c.Request.Host,
		Headers:  headers,
		Query:    query,
		Tenant:   c.TenantID,
		User:     c.UserID,
		ClientIP: c.ClientIP,
		Alias:    c.Alias,
		Route:    c.RouteID,
		Phase:    c.Phase(),
		Status:   c.Status(),
	}
}
