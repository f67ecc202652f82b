package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const partitions = 64

// partition holds the counters of the keys hashing to it.
type partition[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// table spreads per-key counter state over fixed partitions so admission
// checks on different keys rarely contend.
type table[V any] struct {
	parts [partitions]partition[V]
}

func newTable[V any]() *table[V] {
	var t table[V]
	for i := range t.parts {
		t.parts[i].items = make(map[string]V)
	}
	return &t
}

// lock returns key's partition with its mutex held.
func (t *table[V]) lock(key string) *partition[V] {
	p := &t.parts[xxhash.Sum64String(key)%partitions]
	p.mu.Lock()
	return p
}

func (t *table[V]) len() int {
	n := 0
	for i := range t.parts {
		p := &t.parts[i]
		p.mu.Lock()
		n += len(p.items)
		p.mu.Unlock()
	}
	return n
}

// evict drops every entry for which idle returns true.
func (t *table[V]) evict(idle func(V) bool) {
	for i := range t.parts {
		p := &t.parts[i]
		p.mu.Lock()
		for k, v := range p.items {
			if idle(v) {
				delete(p.items, k)
			}
		}
		p.mu.Unlock()
	}
}
