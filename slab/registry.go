package slab

import "sync"

// Registry is the process-wide slab cache registry named in spec.md §5's
// lock order item 2 (`slab_cache_lock` → cache.slablock → cache.maglock →
// mag_cache[cpu].lock). A nil *Registry is valid everywhere: register,
// unregister and Reclaim all become no-ops, so caches that don't need to
// answer a global reclaim sweep (e.g. btree node pools) can pass nil to
// NewCache.
type Registry struct {
	mu     sync.Mutex
	caches []*Cache
}

// NewRegistry builds an empty registry, typically one per Kernel.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) register(c *Cache) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.caches = append(r.caches, c)
	r.mu.Unlock()
}

func (r *Registry) unregister(c *Cache) {
	if r == nil {
		return
	}
	r.mu.Lock()
	for i, other := range r.caches {
		if other == c {
			r.caches[i] = r.caches[len(r.caches)-1]
			r.caches = r.caches[:len(r.caches)-1]
			break
		}
	}
	r.mu.Unlock()
}

// Reclaim implements spec.md §6's slab_reclaim(flags) → frames: sweeps
// every registered cache's magazine Reclaim and sums objects returned to
// their owning slabs (transitively freeing any slab whose last object
// comes back). frame.Allocator wires this in as its Reclaimer, tried
// light-then-full per spec.md §2's reclaim feedback loop.
func (r *Registry) Reclaim(all bool) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	caches := append([]*Cache(nil), r.caches...)
	r.mu.Unlock()

	freed := 0
	for _, c := range caches {
		freed += c.Reclaim(all)
	}
	return freed
}

// Caches returns a snapshot of every registered cache; kernel.Boot walks
// it to enable deferred magazines.
func (r *Registry) Caches() []*Cache {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Cache(nil), r.caches...)
}
