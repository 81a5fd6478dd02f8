package slab

import "sync"

// Magazine is a fixed-capacity LIFO stack of free object pointers, per
// spec.md §3: "a per-CPU cache" of free objects, swapped current/previous
// to smooth cache behavior near capacity. Sized in the style of the
// teacher's bounded buffers (catrate's ringBuffer), but a magazine only
// ever needs LIFO push/pop, so it's a plain capacity-bounded slice rather
// than a wraparound ring.
type Magazine struct {
	objects []any
	cap     int
}

func newMagazine(capacity int) *Magazine {
	return &Magazine{objects: make([]any, 0, capacity), cap: capacity}
}

func (m *Magazine) full() bool  { return len(m.objects) == m.cap }
func (m *Magazine) empty() bool { return len(m.objects) == 0 }

func (m *Magazine) push(obj any) {
	m.objects = append(m.objects, obj)
}

func (m *Magazine) pop() any {
	n := len(m.objects) - 1
	obj := m.objects[n]
	m.objects[n] = nil
	m.objects = m.objects[:n]
	return obj
}

// cpuMagazinePair is the per-CPU (current, previous) pair named in
// spec.md §3/§4.C. Its own mutex approximates the original's "disable
// interrupts on the local CPU" discipline: in this user-space
// re-implementation, multiple goroutines may present the same logical
// CPU id (e.g. after a migration), so access is serialized explicitly
// rather than relying on there being exactly one runnable thread per CPU.
type cpuMagazinePair struct {
	mu       sync.Mutex
	current  *Magazine
	previous *Magazine
}

// EnableMagazines activates per-CPU magazines for cpuCount CPUs, each
// sized to hold capacity objects. This is the deferred step of spec.md
// §4.C's bootstrap ordering (step 5): caches created with
// MagazineDeferred start with magazines disabled and are walked by the
// kernel boot sequence once config.cpu_count is known.
func (c *Cache) EnableMagazines(cpuCount, capacity int) {
	c.magMu.Lock()
	defer c.magMu.Unlock()
	c.cpuMags = make([]*cpuMagazinePair, cpuCount)
	for i := range c.cpuMags {
		c.cpuMags[i] = &cpuMagazinePair{}
	}
	c.magCapacity = capacity
}

// magazineGet implements spec.md §4.C slab_alloc steps 2a-2d.
func (c *Cache) magazineGet(cpu int) (any, bool) {
	pair := c.cpuPair(cpu)
	if pair == nil {
		return nil, false
	}
	pair.mu.Lock()
	defer pair.mu.Unlock()

	if pair.current != nil && !pair.current.empty() {
		obj := pair.current.pop()
		c.adjustCached(-1)
		return obj, true
	}
	if pair.previous != nil && !pair.previous.empty() {
		pair.current, pair.previous = pair.previous, pair.current
		obj := pair.current.pop()
		c.adjustCached(-1)
		return obj, true
	}

	// Both empty (or absent): retire the empty previous, then try to pull
	// a full magazine from the cache-global list as the new current.
	c.magMu.Lock()
	if pair.previous != nil {
		c.emptyMags = append(c.emptyMags, pair.previous)
		pair.previous = nil
	}
	if len(c.fullMags) > 0 {
		pair.current = c.fullMags[0]
		c.fullMags = c.fullMags[1:]
	}
	c.magMu.Unlock()

	if pair.current == nil || pair.current.empty() {
		return nil, false
	}
	obj := pair.current.pop()
	c.adjustCached(-1)
	return obj, true
}

// magazinePut implements spec.md §4.C slab_free's magazine mirror.
func (c *Cache) magazinePut(cpu int, obj any) bool {
	pair := c.cpuPair(cpu)
	if pair == nil {
		return false
	}
	pair.mu.Lock()
	defer pair.mu.Unlock()

	if pair.current == nil {
		c.magMu.Lock()
		pair.current = c.takeOrMakeEmptyLocked()
		c.magMu.Unlock()
	}
	if !pair.current.full() {
		pair.current.push(obj)
		c.adjustCached(1)
		return true
	}
	if pair.previous != nil && !pair.previous.full() {
		pair.current, pair.previous = pair.previous, pair.current
		pair.current.push(obj)
		c.adjustCached(1)
		return true
	}

	// Both full: retire the full previous to the cache-global full list,
	// source a fresh empty magazine as the new previous, then swap it in
	// as current so the push below always lands on room.
	c.magMu.Lock()
	if pair.previous != nil {
		c.fullMags = append(c.fullMags, pair.previous)
	}
	pair.previous = c.takeOrMakeEmptyLocked()
	c.magMu.Unlock()

	pair.current, pair.previous = pair.previous, pair.current
	pair.current.push(obj)
	c.adjustCached(1)
	return true
}

// takeOrMakeEmptyLocked must be called with c.magMu held.
func (c *Cache) takeOrMakeEmptyLocked() *Magazine {
	if n := len(c.emptyMags); n > 0 {
		m := c.emptyMags[n-1]
		c.emptyMags = c.emptyMags[:n-1]
		return m
	}
	return newMagazine(c.magCapacity)
}

func (c *Cache) cpuPair(cpu int) *cpuMagazinePair {
	c.magMu.Lock()
	defer c.magMu.Unlock()
	if cpu < 0 || cpu >= len(c.cpuMags) {
		return nil
	}
	return c.cpuMags[cpu]
}

func (c *Cache) adjustCached(delta int) {
	c.magMu.Lock()
	c.cachedObjects += delta
	c.magMu.Unlock()
}

// Reclaim drains this cache's magazines, per spec.md §4.C slab_reclaim:
// destroying full magazines (returning their objects to slabs) always;
// additionally destroying per-CPU current/previous magazines when all is
// true (RECLAIM_ALL). Returns the number of objects returned to their
// slabs; the frames released when a slab empties are not counted.
func (c *Cache) Reclaim(all bool) int {
	c.magMu.Lock()
	full := c.fullMags
	c.fullMags = nil
	var cpuDrain []*Magazine
	if all {
		for _, pair := range c.cpuMags {
			if pair == nil {
				continue
			}
			pair.mu.Lock()
			if pair.current != nil {
				cpuDrain = append(cpuDrain, pair.current)
				pair.current = nil
			}
			if pair.previous != nil {
				cpuDrain = append(cpuDrain, pair.previous)
				pair.previous = nil
			}
			pair.mu.Unlock()
		}
	}
	c.magMu.Unlock()

	drained := append(full, cpuDrain...)
	freedObjects := 0
	for _, m := range drained {
		for !m.empty() {
			c.freeToSlab(m.pop())
			freedObjects++
		}
	}
	if freedObjects > 0 {
		c.adjustCached(-freedObjects)
	}
	return freedObjects
}
