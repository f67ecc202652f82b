package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wudi/oagw/internal/model"
)

// maxDepth bounds ancestor walks so a corrupted hierarchy cannot loop forever.
const maxDepth = 64

// Memory is an in-memory Provider. It enforces the management-plane
// invariants the core relies on: aliases are unique per tenant, routes always
// belong to an existing upstream, and deleting an upstream deletes its routes.
type Memory struct {
	mu        sync.RWMutex
	tenants   map[string]model.Tenant
	upstreams map[string]*model.Upstream
	byAlias   map[string]map[string]string // tenant -> alias -> upstream id
	routes    map[string][]model.Route     // upstream id -> routes
}

// NewMemory creates an empty provider.
func NewMemory() *Memory {
	return &Memory{
		tenants:   make(map[string]model.Tenant),
		upstreams: make(map[string]*model.Upstream),
		byAlias:   make(map[string]map[string]string),
		routes:    make(map[string][]model.Route),
	}
}

// PutTenant adds or replaces a tenant. Cycles are rejected.
func (m *Memory) PutTenant(t model.Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.tenants[t.ID]
	m.tenants[t.ID] = t
	if _, err := m.ancestorsLocked(t.ID); err != nil {
		if existed {
			m.tenants[t.ID] = prev
		} else {
			delete(m.tenants, t.ID)
		}
		return err
	}
	return nil
}

// PutUpstream adds or replaces an upstream.
func (m *Memory) PutUpstream(u model.Upstream) error {
	if u.ID == "" || u.TenantID == "" || u.Alias == "" {
		return fmt.Errorf("upstream requires id, tenant and alias")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	aliases := m.byAlias[u.TenantID]
	if aliases == nil {
		aliases = make(map[string]string)
		m.byAlias[u.TenantID] = aliases
	}
	if id, ok := aliases[u.Alias]; ok && id != u.ID {
		return fmt.Errorf("alias %q already used by upstream %s in tenant %s", u.Alias, id, u.TenantID)
	}
	if old, ok := m.upstreams[u.ID]; ok && (old.TenantID != u.TenantID || old.Alias != u.Alias) {
		delete(m.byAlias[old.TenantID], old.Alias)
	}
	cp := u
	m.upstreams[u.ID] = &cp
	aliases[u.Alias] = u.ID
	return nil
}

// PutRoute adds or replaces a route. The owning upstream must exist.
func (m *Memory) PutRoute(r model.Route) error {
	if r.ID == "" {
		return fmt.Errorf("route id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.upstreams[r.UpstreamID]; !ok {
		return fmt.Errorf("route %s references unknown upstream %s", r.ID, r.UpstreamID)
	}
	routes := m.routes[r.UpstreamID]
	for i := range routes {
		if routes[i].ID == r.ID {
			routes[i] = r
			return nil
		}
	}
	m.routes[r.UpstreamID] = append(routes, r)
	return nil
}

// DeleteUpstream removes an upstream and cascades to its routes.
func (m *Memory) DeleteUpstream(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.upstreams[id]
	if !ok {
		return false
	}
	delete(m.upstreams, id)
	delete(m.byAlias[u.TenantID], u.Alias)
	delete(m.routes, id)
	return true
}

// DeleteRoute removes a single route.
func (m *Memory) DeleteRoute(upstreamID, routeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := m.routes[upstreamID]
	for i := range routes {
		if routes[i].ID == routeID {
			m.routes[upstreamID] = append(routes[:i:i], routes[i+1:]...)
			return true
		}
	}
	return false
}

// Upstreams returns all upstreams sorted by id.
func (m *Memory) Upstreams() []model.Upstream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetUpstreamByAlias(_ context.Context, chain []string, alias string) (*model.Upstream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tenantID := range chain {
		if id, ok := m.byAlias[tenantID][alias]; ok {
			cp := *m.upstreams[id]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetRoutes(_ context.Context, upstreamID string) ([]model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.upstreams[upstreamID]; !ok {
		return nil, nil
	}
	routes := m.routes[upstreamID]
	out := make([]model.Route, len(routes))
	copy(out, routes)
	return out, nil
}

func (m *Memory) GetTenantAncestors(_ context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ancestorsLocked(tenantID)
}

func (m *Memory) GetTenantGrants(_ context.Context, tenantID string) (model.Grants, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tenants[tenantID].Grants, nil
}

func (m *Memory) ancestorsLocked(tenantID string) ([]string, error) {
	var out []string
	seen := map[string]bool{tenantID: true}
	cur := m.tenants[tenantID].ParentID
	for cur != "" {
		if seen[cur] || len(out) >= maxDepth {
			return nil, fmt.Errorf("tenant hierarchy cycle at %s", cur)
		}
		seen[cur] = true
		out = append(out, cur)
		cur = m.tenants[cur].ParentID
	}
	return out, nil
}
