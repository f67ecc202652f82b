package ratelimit

import "context"

// gate serializes queued callers of one key. Blocked channel senders are
// woken in arrival order.
type gate struct {
	ch      chan struct{}
	waiting int // guarded by the partition lock
}

func (g *gate) acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() { <-g.ch }

// enter registers a caller on key's gate, creating it if needed.
func (l *Limiter) enter(key string) *gate {
	p := l.gates.lock(key)
	defer p.mu.Unlock()
	g, ok := p.items[key]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		p.items[key] = g
	}
	g.waiting++
	return g
}

// leave unregisters a caller and drops the gate once nobody uses it.
func (l *Limiter) leave(key string, g *gate) {
	p := l.gates.lock(key)
	defer p.mu.Unlock()
	g.waiting--
	if g.waiting == 0 && p.items[key] == g {
		delete(p.items, key)
	}
}
