package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helenos-go/kernelcore/frame"
)

func newFrames(t *testing.T, pages uint64) *frame.Allocator {
	t.Helper()
	a := frame.New(nil, nil)
	require.NoError(t, a.CreateZone(0, pages, frame.ZoneAvailable))
	return a
}

// TestSlabFillTriggersNewRun covers spec.md §8 scenario 2: once a slab's
// object capacity is exhausted, the next allocation carves a second slab;
// freeing every object from the first slab releases its frames.
func TestSlabFillTriggersNewRun(t *testing.T) {
	frames := newFrames(t, 64)
	c := NewCache("test-16b", 16, 8, frames, nil, nil, nil, NoMagazine, nil, nil)
	capacity := c.objectsPer
	require.Greater(t, capacity, 0)

	objs := make([]any, capacity+1)
	for i := range objs {
		obj, err := c.Alloc(-1, 0)
		require.NoError(t, err)
		objs[i] = obj
	}

	stats := c.Stats()
	assert.Equal(t, 2, stats.AllocatedSlabs)
	assert.Equal(t, capacity+1, stats.AllocatedObjects)

	for i := 0; i < capacity; i++ {
		c.Free(-1, objs[i])
	}

	stats = c.Stats()
	assert.Equal(t, 1, stats.AllocatedSlabs)
	assert.Equal(t, 1, stats.AllocatedObjects)

	c.Free(-1, objs[capacity])
	stats = c.Stats()
	assert.Equal(t, 0, stats.AllocatedSlabs)
	assert.Equal(t, 0, stats.AllocatedObjects)
}

// TestCtorRunsOncePerSlabDtorOnRelease matches the real slab contract:
// the constructor builds every object when its slab is carved, not on
// each Alloc, and the destructor only runs when the slab's frames are
// given back.
func TestCtorRunsOncePerSlabDtorOnRelease(t *testing.T) {
	frames := newFrames(t, 16)
	var ctorCalls, dtorCalls int
	ctor := func(obj any) error { ctorCalls++; return nil }
	dtor := func(obj any) { dtorCalls++ }
	c := NewCache("test-ctor", 32, 8, frames, nil, ctor, dtor, NoMagazine, nil, nil)

	obj, err := c.Alloc(-1, 0)
	require.NoError(t, err)
	require.Greater(t, c.objectsPer, 1)
	assert.Equal(t, c.objectsPer, ctorCalls, "ctor constructs every slot when the slab is carved")
	assert.Equal(t, 0, dtorCalls)

	c.Free(-1, obj)
	assert.Equal(t, c.objectsPer, dtorCalls, "freeing the only live object releases the slab, destructing every slot")
}

func TestFreeOfForeignValuePanics(t *testing.T) {
	frames := newFrames(t, 16)
	c := NewCache("test-foreign", 16, 8, frames, nil, nil, nil, NoMagazine, nil, nil)
	assert.Panics(t, func() {
		c.Free(-1, "not an object pointer")
	})
}

// TestMagazineRoundTrip covers spec.md §8 property 4: a magazine-backed
// cache satisfies alloc/free without touching the slab layer once its
// per-CPU magazine holds a spare object, and cachedObjects accounts for
// objects sitting in magazines rather than slabs.
func TestMagazineRoundTrip(t *testing.T) {
	frames := newFrames(t, 16)
	c := NewCache("test-mag", 16, 8, frames, nil, nil, nil, 0, nil, nil)
	c.EnableMagazines(1, 8)

	obj, err := c.Alloc(0, 0)
	require.NoError(t, err)
	before := c.Stats()

	c.Free(0, obj)
	afterFree := c.Stats()
	assert.Equal(t, before.AllocatedSlabs, afterFree.AllocatedSlabs, "freeing to a magazine must not touch the slab layer")
	assert.Equal(t, 1, afterFree.CachedObjects)

	got, err := c.Alloc(0, 0)
	require.NoError(t, err)
	assert.Equal(t, obj, got, "the magazine fast path must hand back the same object without a new slab allocation")
	assert.Equal(t, 0, c.Stats().CachedObjects)
}

// TestMagazineOverflowRetiresFullPair forces five consecutive frees
// through a capacity-2 magazine pair: the third free finds current full
// and previous absent, so it sources a fresh empty magazine as current;
// the fifth finds BOTH current and previous full, so it must retire the
// full previous to the cache-global full list and source another fresh
// empty magazine rather than growing either magazine past capacity.
func TestMagazineOverflowRetiresFullPair(t *testing.T) {
	frames := newFrames(t, 64)
	c := NewCache("test-mag-overflow", 16, 8, frames, nil, nil, nil, 0, nil, nil)
	c.EnableMagazines(1, 2)

	objs := make([]any, 5)
	for i := range objs {
		obj, err := c.Alloc(0, 0)
		require.NoError(t, err)
		objs[i] = obj
	}
	for _, obj := range objs {
		c.Free(0, obj)
	}

	assert.Equal(t, 5, c.Stats().CachedObjects)
	assert.Len(t, c.fullMags, 1, "the first full magazine must have been retired cache-globally")
}

func TestReclaimDrainsMagazines(t *testing.T) {
	frames := newFrames(t, 64)
	c := NewCache("test-reclaim", 16, 8, frames, nil, nil, nil, 0, nil, nil)
	c.EnableMagazines(1, 8)

	obj, err := c.Alloc(0, 0)
	require.NoError(t, err)
	c.Free(0, obj)
	require.Equal(t, 1, c.Stats().CachedObjects)

	freed := c.Reclaim(false)
	assert.Equal(t, 0, freed, "light reclaim leaves per-CPU current/previous magazines alone")

	freed = c.Reclaim(true)
	assert.Equal(t, 1, freed)
	assert.Equal(t, 0, c.Stats().CachedObjects)
}

// TestExternalHeaderResolvesObjToSlabWithoutScanning covers spec.md
// §4.C's large-object flavor: Free must resolve the owning run via the
// reverse index (not locateLocked's scan) and releasing the run must
// clear that index, so a value from a released run no longer resolves to
// it.
func TestExternalHeaderResolvesObjToSlabWithoutScanning(t *testing.T) {
	frames := newFrames(t, 64)
	c := NewCache("test-ext", 128, 8, frames, nil, nil, nil, ExternalHeader|NoMagazine, nil, nil)
	require.NotNil(t, c.objIndex)

	obj, err := c.Alloc(-1, 0)
	require.NoError(t, err)
	loc, ok := c.objIndex[obj]
	require.True(t, ok, "allocating from an ExternalHeader cache must record an objIndex entry")
	assert.Equal(t, 0, loc.idx)

	c.Free(-1, obj)
	assert.Equal(t, 0, c.Stats().AllocatedSlabs, "freeing the only object releases the slab")
	_, stillIndexed := c.objIndex[obj]
	assert.False(t, stillIndexed, "releaseSlab must remove every object it destructed from objIndex")
}

func TestExternalHeaderFreeOfForeignValuePanics(t *testing.T) {
	frames := newFrames(t, 16)
	c := NewCache("test-ext-foreign", 16, 8, frames, nil, nil, nil, ExternalHeader|NoMagazine, nil, nil)
	assert.Panics(t, func() {
		c.Free(-1, "not an object pointer")
	})
}

// TestTypedObjectPool exercises the New factory the way btree/kthread
// use this package: a typed factory hands back the same concrete pointer
// type on every Alloc.
func TestTypedObjectPool(t *testing.T) {
	type widget struct{ tag int }
	frames := newFrames(t, 16)
	next := 0
	factory := func() any {
		next++
		return &widget{tag: next}
	}
	c := NewCache("test-typed", 24, 8, frames, factory, nil, nil, NoMagazine, nil, nil)

	obj, err := c.Alloc(-1, 0)
	require.NoError(t, err)
	w, ok := obj.(*widget)
	require.True(t, ok)
	assert.Equal(t, 1, w.tag)
}
