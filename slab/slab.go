// Package slab implements the object-caching allocator of spec.md §4.C:
// named Caches carve frames from a frame.Allocator into Slabs of
// fixed-size objects, with an embedded free-list chain and optional
// per-CPU Magazines absorbing alloc/free bursts.
package slab

import (
	"sync"

	"github.com/helenos-go/kernelcore/frame"
	"github.com/helenos-go/kernelcore/internal/kerrors"
	"github.com/helenos-go/kernelcore/internal/klog"
)

// Flags configure a Cache, per spec.md §4.C.
type Flags uint32

const (
	// ExternalHeader marks a cache whose objects are large enough that
	// spec.md §4.C's "Large-object (external header)" flavor applies: the
	// cache keeps a reverse obj_to_slab index so Free resolves the owning
	// slabRun in O(1) instead of scanning every live run. Caches without
	// this flag are the "Small-object (in-slab header)" flavor and
	// resolve obj_to_slab with a linear scan — the realistic analogue,
	// in a language with no raw object addresses to mask, of deriving a
	// slab's location from an embedded header rather than an indirection
	// table.
	ExternalHeader Flags = 1 << iota
	// NoMagazine disables per-CPU magazines entirely for this cache —
	// used by btree's node cache.
	NoMagazine
	// MagazineDeferred enables magazine use but defers creating the
	// per-CPU pairs until EnableMagazines is called once the CPU count is
	// known (spec.md §4.C bootstrap ordering step 5).
	MagazineDeferred
)

// AllocFlags mirror frame.Flags for slab_alloc's own ATOMIC/PANIC
// semantics (spec.md §4.C step 1, §7).
type AllocFlags = frame.Flags

const (
	Atomic    = frame.Atomic
	Panic     = frame.Panic
	NoReclaim = frame.NoReclaim
)

// wastageThreshold bounds the fraction of a slab's frames that may be
// wasted (unusable as object storage) before Cache sizing doubles the
// frame count, per spec.md §4.C "Cache sizing".
const wastageThreshold = 0.25

// New allocates the zero value of a Cache's object type. Ctor/Dtor run
// once per object, when its backing slab is created/destroyed — not on
// every Alloc/Free — mirroring the original allocator's contract that an
// object stays fully constructed for as long as it has backing memory.
type New func() any
type Ctor func(obj any) error
type Dtor func(obj any)

// object is the untyped storage backing one cache slot.
type object struct {
	Data any
}

// slabRun is one contiguous run of frames owned by exactly one Cache,
// subdivided into objectsPerSlab equal slots (spec.md §3's Slab).
type slabRun struct {
	startPfn  uint64
	frames    uint64
	total     int
	available int
	freeHead  int   // index of the first free slot, or -1
	nextFree  []int // nextFree[i] = index of the slot after i in the free chain, or -1
	objects   []object
}

// objLocation is one entry of an ExternalHeader cache's reverse
// obj_to_slab index (spec.md §4.C's "annotated... so obj_to_slab is
// O(1)").
type objLocation struct {
	run *slabRun
	idx int
}

// Cache is a named object allocator layered on a frame.Allocator, per
// spec.md §3's Slab cache and §4.C.
type Cache struct {
	Name string

	size       int
	align      int
	framesPer  uint64
	objectsPer int
	newObject  New
	ctor       Ctor
	dtor       Dtor
	flags      Flags

	frames *frame.Allocator
	log    *klog.Logger

	slabMu   sync.Mutex
	full     []*slabRun
	partial  []*slabRun
	objIndex map[any]objLocation // non-nil only for ExternalHeader caches

	magMu       sync.Mutex
	cpuMags     []*cpuMagazinePair // indexed by CPU id; nil entries until EnableMagazines
	magCapacity int                // objects per magazine, set by EnableMagazines
	emptyMags   []*Magazine        // cache-global list of empty (all-free) magazines fed by retiring CPUs
	fullMags    []*Magazine        // cache-global list of full magazines, FIFO under magMu

	allocatedObjects int
	cachedObjects    int

	registry *Registry
}

// NewCache creates a Cache of objects with the given size/alignment and
// registers it in registry (nil is fine for internal bootstrap caches
// that never need to answer a global slab_reclaim sweep — see spec.md §5
// lock order item 2, `slab_cache_lock`). newObj manufactures the zero
// value of the object type handed back by Alloc (e.g. func() any {
// return new(myNode) }); if nil, objects are plain *any cells, which is
// enough for callers that only need an opaque handle. frames is the
// frame.Allocator this cache carves slabs from.
func NewCache(name string, size, align int, frames *frame.Allocator, newObj New, ctor Ctor, dtor Dtor, flags Flags, registry *Registry, log *klog.Logger) *Cache {
	if log == nil {
		log = klog.Nop()
	}
	if newObj == nil {
		newObj = func() any { return new(any) }
	}
	c := &Cache{
		Name:      name,
		size:      size,
		align:     align,
		newObject: newObj,
		ctor:      ctor,
		dtor:      dtor,
		flags:     flags,
		frames:    frames,
		log:       log,
		registry:  registry,
	}
	if flags&ExternalHeader != 0 {
		c.objIndex = make(map[any]objLocation)
	}
	c.sizeSlabs()
	registry.register(c)
	return c
}

// Destroy implements spec.md §6's slab_cache_destroy(cache): releases
// every slab run (destructing every live object) and removes the cache
// from its registry. The caller must guarantee no other goroutine holds
// outstanding objects from this cache.
func (c *Cache) Destroy() {
	c.slabMu.Lock()
	runs := append(append([]*slabRun(nil), c.full...), c.partial...)
	c.full = nil
	c.partial = nil
	c.slabMu.Unlock()

	for _, run := range runs {
		c.releaseSlab(run)
	}
	c.registry.unregister(c)
}

// sizeSlabs computes frames-per-slab and objects-per-slab by trial,
// doubling the frame count until wasted bytes fall under
// wastageThreshold or a slab holds at least 64 objects, per spec.md §4.C
// "Cache sizing".
func (c *Cache) sizeSlabs() {
	pageSize := frame.PageSize
	c.framesPer = 1
	for {
		slabBytes := int(c.framesPer) * pageSize
		objects := slabBytes / c.size
		if objects == 0 {
			c.framesPer *= 2
			continue
		}
		wasted := slabBytes - objects*c.size
		if float64(wasted)/float64(slabBytes) < wastageThreshold || objects >= 64 {
			c.objectsPer = objects
			return
		}
		c.framesPer *= 2
	}
}

// Alloc satisfies spec.md §4.C's slab_alloc(cache, flags) contract:
// per-CPU magazine fast path, then the partial/new-slab path. cpu < 0
// bypasses magazines entirely (used by callers with no CPU affinity,
// e.g. single-threaded bootstrap code).
func (c *Cache) Alloc(cpu int, flags AllocFlags) (any, error) {
	if c.flags&NoMagazine == 0 && cpu >= 0 {
		if obj, ok := c.magazineGet(cpu); ok {
			return obj, nil
		}
	}
	return c.allocFromSlab(flags)
}

// allocFromSlab takes one object from a partial slab, or allocates a new
// slab via the frame allocator, per spec.md §4.C step 3.
func (c *Cache) allocFromSlab(flags AllocFlags) (any, error) {
	c.slabMu.Lock()
	if len(c.partial) == 0 {
		c.slabMu.Unlock()
		run, err := c.newSlab(flags)
		if err != nil {
			return nil, err
		}
		c.slabMu.Lock()
		c.partial = append(c.partial, run)
	}

	run := c.partial[len(c.partial)-1]
	idx := run.freeHead
	run.freeHead = run.nextFree[idx]
	run.available--
	obj := run.objects[idx].Data
	c.allocatedObjects++

	if run.available == 0 {
		c.partial = c.partial[:len(c.partial)-1]
		c.full = append(c.full, run)
	}
	c.slabMu.Unlock()

	return obj, nil
}

// newSlab carves a new slabRun from the frame allocator and constructs
// every object slot up front, per spec.md §4.C/§4.B: objects stay
// constructed for the lifetime of the slab, not just while allocated.
func (c *Cache) newSlab(flags AllocFlags) (*slabRun, error) {
	order := orderForFrames(c.framesPer)
	pfn, err := c.frames.Alloc(order, flags, -1)
	if err != nil {
		return nil, err
	}
	run := &slabRun{
		startPfn:  pfn,
		frames:    c.framesPer,
		total:     c.objectsPer,
		available: c.objectsPer,
		nextFree:  make([]int, c.objectsPer),
		objects:   make([]object, c.objectsPer),
	}
	for i := 0; i < c.objectsPer; i++ {
		obj := c.newObject()
		if c.ctor != nil {
			if err := c.ctor(obj); err != nil {
				kerrors.Panic(c.log, "slab: %s: constructor failed building slab: %v", c.Name, err)
			}
		}
		run.objects[i] = object{Data: obj}
		if c.objIndex != nil {
			c.objIndex[obj] = objLocation{run: run, idx: i}
		}
		if i+1 < c.objectsPer {
			run.nextFree[i] = i + 1
		} else {
			run.nextFree[i] = -1
		}
	}
	run.freeHead = 0
	return run, nil
}

// NeedsMagazineActivation reports whether this cache was created with
// MagazineDeferred and has not yet had EnableMagazines called on it, per
// spec.md §4.C's bootstrap ordering (step 5): kernel.Boot walks every
// registered cache and activates exactly these once cfg.CPUCount is known.
func (c *Cache) NeedsMagazineActivation() bool {
	c.magMu.Lock()
	defer c.magMu.Unlock()
	return c.flags&MagazineDeferred != 0 && c.cpuMags == nil
}

func orderForFrames(frames uint64) uint8 {
	var order uint8
	for uint64(1)<<order < frames {
		order++
	}
	return order
}

// Free satisfies spec.md §4.C's slab_free(cache, obj) contract.
func (c *Cache) Free(cpu int, obj any) {
	if c.flags&NoMagazine == 0 && cpu >= 0 {
		if c.magazinePut(cpu, obj) {
			return
		}
	}
	c.freeToSlab(obj)
}

// freeToSlab returns obj directly to its owning slabRun's embedded free
// list, releasing the run to the frame allocator if it becomes entirely
// free, per spec.md §4.C. ExternalHeader caches resolve the owning run
// in O(1) via objIndex; others fall back to locateLocked's linear scan.
func (c *Cache) freeToSlab(obj any) {
	c.slabMu.Lock()
	var run *slabRun
	var idx int
	if c.objIndex != nil {
		loc, ok := c.objIndex[obj]
		if !ok {
			c.slabMu.Unlock()
			kerrors.Panic(c.log, "slab: %s: free of value not owned by this cache", c.Name)
		}
		run, idx = loc.run, loc.idx
	} else {
		run, idx = c.locateLocked(obj)
		if run == nil {
			c.slabMu.Unlock()
			kerrors.Panic(c.log, "slab: %s: free of value not owned by this cache", c.Name)
		}
	}

	wasFull := run.available == 0
	run.nextFree[idx] = run.freeHead
	run.freeHead = idx
	run.available++
	c.allocatedObjects--

	if wasFull {
		c.removeFromList(&c.full, run)
		if run.available == run.total {
			c.slabMu.Unlock()
			c.releaseSlab(run)
			return
		}
		c.partial = append(c.partial, run)
		c.slabMu.Unlock()
		return
	}

	if run.available == run.total {
		c.removeFromList(&c.partial, run)
		c.slabMu.Unlock()
		c.releaseSlab(run)
		return
	}
	c.slabMu.Unlock()
}

// locateLocked finds the run and slot index holding obj. Must be called
// with c.slabMu held.
func (c *Cache) locateLocked(obj any) (*slabRun, int) {
	for _, r := range c.full {
		if idx := indexOf(r, obj); idx >= 0 {
			return r, idx
		}
	}
	for _, r := range c.partial {
		if idx := indexOf(r, obj); idx >= 0 {
			return r, idx
		}
	}
	return nil, -1
}

func indexOf(r *slabRun, obj any) int {
	for i := range r.objects {
		if r.objects[i].Data == obj {
			return i
		}
	}
	return -1
}

func (c *Cache) removeFromList(list *[]*slabRun, run *slabRun) {
	l := *list
	for i, r := range l {
		if r == run {
			l[i] = l[len(l)-1]
			*list = l[:len(l)-1]
			return
		}
	}
}

// releaseSlab destructs every object in an entirely-free slabRun and
// returns its frames to the frame allocator.
func (c *Cache) releaseSlab(run *slabRun) {
	if c.objIndex != nil {
		for i := range run.objects {
			delete(c.objIndex, run.objects[i].Data)
		}
	}
	if c.dtor != nil {
		for i := range run.objects {
			c.dtor(run.objects[i].Data)
		}
	}
	c.frames.Free(run.startPfn)
}

// Stats reports the counters named in spec.md §3/§8 property 3.
type Stats struct {
	AllocatedSlabs   int
	AllocatedObjects int
	CachedObjects    int
}

func (c *Cache) Stats() Stats {
	c.slabMu.Lock()
	s := Stats{
		AllocatedSlabs:   len(c.full) + len(c.partial),
		AllocatedObjects: c.allocatedObjects,
	}
	c.slabMu.Unlock()
	c.magMu.Lock()
	s.CachedObjects = c.cachedObjects
	c.magMu.Unlock()
	return s
}
