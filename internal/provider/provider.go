// Package provider defines the config-provider boundary the proxy core reads
// upstreams, routes and the tenant hierarchy through, together with an
// in-memory implementation and a caching decorator.
package provider

import (
	"context"
	"errors"

	"github.com/wudi/oagw/internal/model"
)

// ErrNotFound is returned when no definition exists for the lookup.
var ErrNotFound = errors.New("provider: not found")

// Provider is the management-plane collaborator consumed by the proxy core.
type Provider interface {
	// GetUpstreamByAlias returns the first upstream named alias owned by a
	// tenant in chain, which is ordered nearest tenant first.
	GetUpstreamByAlias(ctx context.Context, chain []string, alias string) (*model.Upstream, error)
	// GetRoutes returns the routes of an upstream. A deleted upstream has no
	// routes.
	GetRoutes(ctx context.Context, upstreamID string) ([]model.Route, error)
	// GetTenantAncestors returns the ancestors of tenantID ordered parent
	// first, excluding tenantID itself.
	GetTenantAncestors(ctx context.Context, tenantID string) ([]string, error)
	// GetTenantGrants returns the override permissions held by tenantID.
	GetTenantGrants(ctx context.Context, tenantID string) (model.Grants, error)
}

// Secret is a resolved credential.
type Secret struct {
	Value    string
	Metadata map[string]string
}

// SecretResolver resolves secret references used by auth plugins.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (*Secret, error)
}
