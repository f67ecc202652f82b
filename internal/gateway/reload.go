package gateway

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/config"
)

// ReloadResult describes the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload swaps in the tenants, upstreams, routes and secrets of newCfg.
// Listener, store and adapter settings only take effect on restart. Calls
// already in flight finish against the state they started with.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	err := config.ValidatePlugins(newCfg, g.pipeline.Registry())
	var st *state
	if err == nil {
		st, err = buildState(newCfg)
	}
	g.metrics.RecordReload(err)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	old := g.state.Swap(st)
	old.provider.Invalidate()
	g.secrets.Replace(newCfg.Secrets)

	keep := make(map[string]bool, len(newCfg.Upstreams))
	for _, u := range newCfg.Upstreams {
		keep[u.ID] = true
	}
	g.proxy.Breakers().Prune(keep)
	g.transcoder.Reset()

	result.Success = true
	result.Changes = diffConfig(old.config, newCfg)
	g.logger.Info("configuration reloaded", zap.Int("changes", len(result.Changes)))
	return result
}

// diffConfig returns a list of human-readable changes between old and new configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string
	diff := func(kind string, oldIDs, newIDs []string) {
		before := make(map[string]bool, len(oldIDs))
		for _, id := range oldIDs {
			before[id] = true
		}
		after := make(map[string]bool, len(newIDs))
		for _, id := range newIDs {
			after[id] = true
			if !before[id] {
				changes = append(changes, fmt.Sprintf("%s added: %s", kind, id))
			}
		}
		for _, id := range oldIDs {
			if !after[id] {
				changes = append(changes, fmt.Sprintf("%s removed: %s", kind, id))
			}
		}
	}

	var oldT, newT, oldU, newU, oldR, newR []string
	for _, t := range oldCfg.Tenants {
		oldT = append(oldT, t.ID)
	}
	for _, t := range newCfg.Tenants {
		newT = append(newT, t.ID)
	}
	for _, u := range oldCfg.Upstreams {
		oldU = append(oldU, u.ID)
	}
	for _, u := range newCfg.Upstreams {
		newU = append(newU, u.ID)
	}
	for _, r := range oldCfg.Routes {
		oldR = append(oldR, r.ID)
	}
	for _, r := range newCfg.Routes {
		newR = append(newR, r.ID)
	}
	diff("tenant", oldT, newT)
	diff("upstream", oldU, newU)
	diff("route", oldR, newR)

	if len(oldCfg.Secrets) != len(newCfg.Secrets) {
		changes = append(changes, fmt.Sprintf("secrets changed: %d -> %d", len(oldCfg.Secrets), len(newCfg.Secrets)))
	}

	sort.Strings(changes)
	return changes
}

// appendReloadHistory appends a result and keeps last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	return history
}
