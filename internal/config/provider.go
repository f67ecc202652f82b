package config

import (
	"fmt"

	"github.com/wudi/oagw/internal/provider"
)

// BuildProvider loads the tenants, upstreams and routes of cfg into a fresh
// in-memory provider. Tenants go first so hierarchy cycles surface before
// any upstream refers to them.
func BuildProvider(cfg *Config) (*provider.Memory, error) {
	mem := provider.NewMemory()
	for _, t := range cfg.Tenants {
		if err := mem.PutTenant(t); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	for _, u := range cfg.Upstreams {
		if err := mem.PutUpstream(u); err != nil {
			return nil, fmt.Errorf("upstream %s: %w", u.ID, err)
		}
	}
	for _, r := range cfg.Routes {
		if err := mem.PutRoute(r); err != nil {
			return nil, fmt.Errorf("route %s: %w", r.ID, err)
		}
	}
	return mem, nil
}
