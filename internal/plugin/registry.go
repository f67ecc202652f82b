package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
)

// Factory builds a plugin instance from a validated binding config.
type Factory func(config map[string]any) (Plugin, Kind, error)

// Descriptor registers one plugin implementation.
type Descriptor struct {
	Name    string
	Version string
	Kind    Kind
	// Phase is the default phase for bindings that do not name one.
	Phase model.Phase
	// Schema is an optional JSON schema the binding config must satisfy.
	Schema string
	New    Factory
}

// Ref returns name@version.
func (d *Descriptor) Ref() string { return d.Name + "@" + d.Version }

type registered struct {
	desc   *Descriptor
	schema *jsonschema.Schema
}

// Bound is a binding resolved to a ready plugin instance.
type Bound struct {
	Binding model.PluginBinding
	Ref     string
	Kind    Kind
	Phase   model.Phase
	Plugin  Plugin
	when    *When
}

// Registry resolves plugin references to instances. Instances are cached
// by reference and config, so equal bindings share one instance.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*registered // name -> version -> plugin
	latest  map[string]string

	instances *lru.Cache[uint64, *Bound]
}

// NoAuth is the pass-through auth plugin bound when a call has no auth
// configured. Every registry holds it.
const NoAuth = "auth.none"

// NewRegistry creates a registry caching up to size instances. It starts
// with NoAuth registered.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = 1024
	}
	cache, _ := lru.New[uint64, *Bound](size)
	r := &Registry{
		plugins:   make(map[string]map[string]*registered),
		latest:    make(map[string]string),
		instances: cache,
	}
	r.MustRegister(Descriptor{
		Name: NoAuth, Version: "1", Kind: KindAuth, Phase: model.PhaseRequest,
		New: func(map[string]any) (Plugin, Kind, error) {
			return &Native{}, KindAuth, nil
		},
	})
	return r
}

// Register adds d. Its schema is compiled once here.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.New == nil {
		return fmt.Errorf("plugin: descriptor needs a name and a factory")
	}
	if d.Version == "" {
		d.Version = "1"
	}
	reg := &registered{desc: &d}
	if d.Schema != "" {
		s, err := compileSchema(d.Ref(), d.Schema)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", d.Ref(), err)
		}
		reg.schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.plugins[d.Name]
	if versions == nil {
		versions = make(map[string]*registered)
		r.plugins[d.Name] = versions
	}
	if _, dup := versions[d.Version]; dup {
		return fmt.Errorf("plugin %s is already registered", d.Ref())
	}
	versions[d.Version] = reg
	if cur, ok := r.latest[d.Name]; !ok || versionLess(cur, d.Version) {
		r.latest[d.Name] = d.Version
	}
	r.instances.Purge()
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Refs lists every registered name@version, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, versions := range r.plugins {
		for _, reg := range versions {
			out = append(out, reg.desc.Ref())
		}
	}
	sort.Strings(out)
	return out
}

// Lookup resolves "name" (latest version) or "name@version".
func (r *Registry) Lookup(ref string) (*Descriptor, error) {
	reg, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}
	return reg.desc, nil
}

func (r *Registry) lookup(ref string) (*registered, error) {
	name, version, _ := strings.Cut(ref, "@")
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version == "" {
		version = r.latest[name]
	}
	if reg, ok := r.plugins[name][version]; ok {
		return reg, nil
	}
	return nil, errors.ErrPluginNotFound.WithDetail(fmt.Sprintf("plugin %q is not registered", ref))
}

// Bind resolves b to a plugin instance, validating its config and
// compiling its when expression.
func (r *Registry) Bind(b model.PluginBinding) (*Bound, error) {
	reg, err := r.lookup(b.Ref)
	if err != nil {
		return nil, err
	}

	canonical, doc, err := canonicalConfig(b.Config)
	if err != nil {
		return nil, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s: config is not JSON-compatible", b.Ref)).Wrap(err)
	}
	key := bindingKey(reg.desc.Ref(), canonical, b)
	if bound, ok := r.instances.Get(key); ok {
		return withBinding(bound, b), nil
	}

	if reg.schema != nil {
		if err := reg.schema.Validate(doc); err != nil {
			return nil, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s: invalid config: %v", b.Ref, err)).Wrap(err)
		}
	}

	p, kind, err := reg.desc.New(b.Config)
	if err != nil {
		if ge, ok := errors.IsGatewayError(err); ok {
			return nil, ge
		}
		return nil, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s: %v", b.Ref, err)).Wrap(err)
	}
	if kind == "" {
		kind = reg.desc.Kind
	}
	phase := b.Phase
	if phase == "" {
		phase = reg.desc.Phase
	}
	if phase == "" {
		phase = model.PhaseRequest
	}

	bound := &Bound{Binding: b, Ref: reg.desc.Ref(), Kind: kind, Phase: phase, Plugin: p}
	if b.When != "" {
		w, err := CompileWhen(b.When)
		if err != nil {
			return nil, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s: %v", b.Ref, err)).Wrap(err)
		}
		bound.when = w
	}
	r.instances.Add(key, bound)
	return bound, nil
}

// Validate checks that b would bind.
func (r *Registry) Validate(b model.PluginBinding) error {
	_, err := r.Bind(b)
	return err
}

// withBinding returns the cached instance carrying b's order.
func withBinding(cached *Bound, b model.PluginBinding) *Bound {
	if cached.Binding.Order == b.Order {
		return cached
	}
	c := *cached
	c.Binding = b
	return &c
}

// bindingKey hashes everything that affects the instance.
func bindingKey(ref string, config []byte, b model.PluginBinding) uint64 {
	d := xxhash.New()
	d.WriteString(ref)
	d.WriteString("\x00")
	d.Write(config)
	d.WriteString("\x00")
	d.WriteString(string(b.Phase))
	d.WriteString("\x00")
	d.WriteString(b.When)
	return d.Sum64()
}

// canonicalConfig returns config as sorted-key JSON and as the generic
// document form the schema validator expects.
func canonicalConfig(config map[string]any) ([]byte, any, error) {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	return data, doc, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "mem://plugins/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return s, nil
}

// versionLess compares dotted numeric versions, falling back to string
// order for non-numeric parts.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if ai != bi {
				return ai < bi
			}
			continue
		}
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}
