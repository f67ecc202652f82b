// Package builtin registers the gateway's built-in auth, guard and
// transform plugins, and the scripted "lua" plugin.
package builtin

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/plugin"
	"github.com/wudi/oagw/internal/sandbox"
)

// Register adds every built-in plugin to reg. Scripted plugins run on rt.
func Register(reg *plugin.Registry, rt *sandbox.Runtime) error {
	var all []plugin.Descriptor
	all = append(all, authDescriptors()...)
	all = append(all, transformDescriptors()...)
	all = append(all, luaDescriptor(rt))
	for _, d := range all {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding every built-in plugin.
func NewRegistry(rt *sandbox.Runtime, cacheSize int) (*plugin.Registry, error) {
	reg := plugin.NewRegistry(cacheSize)
	if err := Register(reg, rt); err != nil {
		return nil, err
	}
	return reg, nil
}

func luaDescriptor(rt *sandbox.Runtime) plugin.Descriptor {
	return plugin.Descriptor{
		Name: "lua", Version: "1", Kind: plugin.KindTransform, Phase: model.PhaseRequest,
		Schema: `{
  "type": "object",
  "required": ["script"],
  "properties": {
    "script": {"type": "string", "minLength": 1},
    "kind": {"enum": ["guard", "transform"]},
    "config": {"type": "object"}
  }
}`,
		New: func(cfg map[string]any) (plugin.Plugin, plugin.Kind, error) {
			source := str(cfg, "script", "")
			kind := plugin.Kind(str(cfg, "kind", string(plugin.KindTransform)))
			name := fmt.Sprintf("lua-%016x", xxhash.Sum64String(source))
			p, err := plugin.NewScripted(rt, name, source, anyMap(cfg, "config"))
			if err != nil {
				return nil, "", err
			}
			return p, kind, nil
		},
	}
}
