package builtin

import (
	"encoding/json"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// funcMap is the template function set of the templating plugins: the
// Sprig functions plus json.
func funcMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["json"] = func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	return fm
}
