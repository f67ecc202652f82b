// Package tenant resolves the ancestor chain of a tenant.
package tenant

import (
	"context"
	"fmt"

	"github.com/wudi/oagw/internal/provider"
)

// Chain is an ancestor chain ordered root first, ending with the tenant
// itself.
type Chain []string

// Self returns the requesting tenant.
func (c Chain) Self() string {
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1]
}

// NearestFirst returns the chain ordered from the tenant itself to the root.
func (c Chain) NearestFirst() []string {
	out := make([]string, len(c))
	for i, id := range c {
		out[len(c)-1-i] = id
	}
	return out
}

// Resolver walks the tenant hierarchy through a provider.
type Resolver struct {
	provider provider.Provider
}

// NewResolver creates a Resolver. The provider is expected to cache.
func NewResolver(p provider.Provider) *Resolver {
	return &Resolver{provider: p}
}

// Chain returns root -> ... -> tenantID.
func (r *Resolver) Chain(ctx context.Context, tenantID string) (Chain, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	ancestors, err := r.provider.GetTenantAncestors(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving ancestors of %s: %w", tenantID, err)
	}
	chain := make(Chain, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		chain = append(chain, ancestors[i])
	}
	return append(chain, tenantID), nil
}
