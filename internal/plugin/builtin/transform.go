package builtin

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/template"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/plugin"
)

const headersSchema = `{
  "type": "object",
  "properties": {
    "set": {"type": "object", "additionalProperties": {"type": ["string", "number", "boolean"]}},
    "add": {"type": "object", "additionalProperties": {"type": ["string", "number", "boolean"]}},
    "remove": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`

func transformDescriptors() []plugin.Descriptor {
	return []plugin.Descriptor{
		{
			Name: "headers", Version: "1", Kind: plugin.KindTransform, Phase: model.PhaseRequest,
			Schema: headersSchema,
			New:    newHeaders,
		},
		{
			Name: "response_headers", Version: "1", Kind: plugin.KindTransform, Phase: model.PhaseResponse,
			Schema: headersSchema,
			New:    newHeaders,
		},
		{
			Name: "path_prefix", Version: "1", Kind: plugin.KindTransform, Phase: model.PhaseRequest,
			Schema: `{
  "type": "object",
  "required": ["prefix"],
  "properties": {"prefix": {"type": "string", "pattern": "^/"}}
}`,
			New: newPathPrefix,
		},
		{
			Name: "json_set", Version: "1", Kind: plugin.KindTransform, Phase: model.PhaseRequest,
			Schema: `{
  "type": "object",
  "properties": {
    "set": {"type": "object"},
    "delete": {"type": "array", "items": {"type": "string"}}
  }
}`,
			New: newJSONSet,
		},
		{
			Name: "json_guard", Version: "1", Kind: plugin.KindGuard, Phase: model.PhaseRequest,
			Schema: `{
  "type": "object",
  "required": ["required"],
  "properties": {"required": {"type": "array", "items": {"type": "string"}, "minItems": 1}}
}`,
			New: newJSONGuard,
		},
		{
			Name: "method_guard", Version: "1", Kind: plugin.KindGuard, Phase: model.PhaseRequest,
			Schema: `{
  "type": "object",
  "required": ["allowed"],
  "properties": {"allowed": {"type": "array", "items": {"type": "string"}, "minItems": 1}}
}`,
			New: newMethodGuard,
		},
		{
			Name: "error_body", Version: "1", Kind: plugin.KindTransform, Phase: model.PhaseError,
			Schema: `{
  "type": "object",
  "oneOf": [{"required": ["body"]}, {"required": ["template"]}],
  "properties": {
    "body": {"type": "string"},
    "template": {"type": "string"},
    "content_type": {"type": "string"}
  }
}`,
			New: newErrorBody,
		},
	}
}

// newHeaders edits the header set of the phase it is bound to.
func newHeaders(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	set, add, remove := strMap(cfg, "set"), strMap(cfg, "add"), strList(cfg, "remove")
	apply := func(_ context.Context, c *plugin.Context) (plugin.Result, error) {
		h := c.Header()
		for _, name := range remove {
			h.Del(name)
		}
		for _, name := range sortedKeys(set) {
			h.Set(name, set[name])
		}
		for _, name := range sortedKeys(add) {
			h.Add(name, add[name])
		}
		return plugin.Next(), nil
	}
	return &plugin.Native{Request: apply, Response: apply, Error: apply}, plugin.KindTransform, nil
}

func newPathPrefix(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	prefix := strings.TrimRight(str(cfg, "prefix", ""), "/")
	return &plugin.Native{
		Request: func(_ context.Context, c *plugin.Context) (plugin.Result, error) {
			if prefix == "" {
				return plugin.Next(), nil
			}
			if err := c.SetPath(prefix + c.Path()); err != nil {
				return plugin.Result{}, plugin.Invalid("path_prefix: %v", err)
			}
			return plugin.Next(), nil
		},
	}, plugin.KindTransform, nil
}

// newJSONSet sets and deletes fields of a JSON body using gjson paths.
func newJSONSet(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	set, del := anyMap(cfg, "set"), strList(cfg, "delete")
	edit := func(_ context.Context, c *plugin.Context) (plugin.Result, error) {
		body, err := c.Body()
		if err != nil {
			return plugin.Result{}, err
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		if !gjson.ValidBytes(body) {
			return plugin.Result{}, plugin.Invalid("request body is not valid JSON")
		}
		for _, path := range sortedKeys(set) {
			if body, err = sjson.SetBytes(body, path, set[path]); err != nil {
				return plugin.Result{}, plugin.Invalid("json_set %s: %v", path, err)
			}
		}
		for _, path := range del {
			if body, err = sjson.DeleteBytes(body, path); err != nil {
				return plugin.Result{}, plugin.Invalid("json_set delete %s: %v", path, err)
			}
		}
		if err := c.SetBody(body); err != nil {
			return plugin.Result{}, err
		}
		if c.Header().Get("Content-Type") == "" {
			c.Header().Set("Content-Type", "application/json")
		}
		return plugin.Next(), nil
	}
	return &plugin.Native{Request: edit, Response: edit}, plugin.KindTransform, nil
}

func newJSONGuard(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	required := strList(cfg, "required")
	return &plugin.Native{
		Request: func(_ context.Context, c *plugin.Context) (plugin.Result, error) {
			body, err := c.Body()
			if err != nil {
				return plugin.Result{}, err
			}
			if !gjson.ValidBytes(body) {
				return plugin.Reject(http.StatusBadRequest, "invalid_json", "request body must be valid JSON"), nil
			}
			for _, path := range required {
				if !gjson.GetBytes(body, path).Exists() {
					return plugin.Reject(http.StatusBadRequest, "missing_field", "field "+strconv.Quote(path)+" is required"), nil
				}
			}
			return plugin.Next(), nil
		},
	}, plugin.KindGuard, nil
}

func newMethodGuard(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	allowed := strList(cfg, "allowed")
	return &plugin.Native{
		Request: func(_ context.Context, c *plugin.Context) (plugin.Result, error) {
			for _, m := range allowed {
				if strings.EqualFold(m, c.Method()) {
					return plugin.Next(), nil
				}
			}
			return plugin.Reject(http.StatusMethodNotAllowed, "method_not_allowed",
				"method "+c.Method()+" is not allowed"), nil
		},
	}, plugin.KindGuard, nil
}

// errorView is the data of an error_body template.
type errorView struct {
	Status     int
	Title      string
	Detail     string
	Type       string
	Code       string
	RequestID  string
	TenantID   string
	Alias      string
	UpstreamID string
	RouteID    string
}

// newErrorBody replaces the body of gateway errors. A body may use
// ${status}, ${title}, ${detail}, ${type}, ${code} and ${request_id}; a
// template is a text/template over errorView.
func newErrorBody(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
	body := str(cfg, "body", "")
	contentType := str(cfg, "content_type", "application/json")

	var tmpl *template.Template
	if src := str(cfg, "template", ""); src != "" {
		var err error
		tmpl, err = template.New("error_body").Funcs(funcMap()).Option("missingkey=zero").Parse(src)
		if err != nil {
			return nil, "", fmt.Errorf("template: %w", err)
		}
	}

	return &plugin.Native{
		Error: func(_ context.Context, c *plugin.Context) (plugin.Result, error) {
			if c.Err == nil {
				return plugin.Next(), nil
			}
			if tmpl == nil {
				out := strings.NewReplacer(
					"${status}", strconv.Itoa(c.Err.Status),
					"${title}", c.Err.Title,
					"${detail}", c.Err.Detail,
					"${type}", c.Err.Type(),
					"${code}", c.Err.Code,
					"${request_id}", c.RequestID,
				).Replace(body)
				return plugin.Respond(c.Err.Status, []byte(out), contentType), nil
			}

			var buf bytes.Buffer
			err := tmpl.Execute(&buf, errorView{
				Status:     c.Err.Status,
				Title:      c.Err.Title,
				Detail:     c.Err.Detail,
				Type:       c.Err.Type(),
				Code:       c.Err.Code,
				RequestID:  c.RequestID,
				TenantID:   c.TenantID,
				Alias:      c.Alias,
				UpstreamID: c.UpstreamID,
				RouteID:    c.RouteID,
			})
			if err != nil {
				return plugin.Result{}, fmt.Errorf("error_body: %w", err)
			}
			return plugin.Respond(c.Err.Status, buf.Bytes(), contentType), nil
		},
	}, plugin.KindTransform, nil
}
