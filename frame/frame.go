// Package frame implements the physical frame allocator of spec.md §4.B:
// zones of frames backed by one buddy.System each, with back-annotation
// for the owning slab, zone merging, and a reclaim-feedback loop invoked
// when no zone can satisfy a request.
package frame

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/helenos-go/kernelcore/buddy"
	"github.com/helenos-go/kernelcore/internal/kerrors"
	"github.com/helenos-go/kernelcore/internal/klog"
)

// PageSize is the size in bytes of one frame. It is read once from the
// host via unix.Getpagesize — spec.md's non-goal of multi-architecture
// support means there is exactly one "current CPU", so the real page
// size is a better source of truth than a hardcoded constant.
var PageSize = unix.Getpagesize()

// Flags select frame_alloc policy, per spec.md §4.B.
type Flags uint32

const (
	// Atomic forbids sleeping; on failure Alloc returns kerrors.NoMemory
	// instead of blocking. The reclaim feedback loop still runs first
	// unless NoReclaim is also set.
	Atomic Flags = 1 << iota
	// Panic aborts the kernel (via kerrors.Panic) instead of returning an
	// error on failure.
	Panic
	// NoReclaim skips the slab_reclaim feedback loop on failure.
	NoReclaim
)

// ZoneFlags mark zone-wide conditions (spec.md §9 item 1, from
// frame.c's ZONE_AVAILABLE/ZONE_RESERVED).
type ZoneFlags uint32

const (
	// ZoneAvailable zones are eligible for Alloc's zone scan.
	ZoneAvailable ZoneFlags = 1 << iota
	// ZoneReserved zones are permanently excluded from Alloc — used for
	// the kernel image and initial RAM disk carve-outs named in spec.md §1.
	ZoneReserved
)

// Reclaimer is invoked by Alloc when no zone can satisfy a request and
// NoReclaim was not set. It mirrors the slab layer's slab_reclaim(flags)
// contract (spec.md §4.B/§4.C): light is a hint to avoid destroying
// per-CPU magazines. Alloc treats any positive return value as "try the
// zone scan once more." slab.Registry.Reclaim, the Reclaimer kernel.Boot
// installs, returns a count of objects handed back to their slabs, not a
// count of frames.
type Reclaimer func(light bool) int

// zone is a contiguous pfn range with its own buddy.System and lock,
// per spec.md §3's Zone data model.
type zone struct {
	mu        sync.Mutex
	base      uint64
	count     uint64
	flags     ZoneFlags
	sys       *buddy.System
	busyCount uint64
	parent    map[uint64]any // pfn (absolute) -> owning slab, back-annotation
}

func (z *zone) freeCount() uint64 {
	return z.count - z.busyCount
}

// Allocator owns all zones and routes frame_alloc to the first zone able
// to satisfy a request, per spec.md §4.B.
type Allocator struct {
	mu      sync.Mutex // protects zones (global lock; order is global -> zone, per spec.md §5)
	zones   []*zone    // sorted by base, non-overlapping
	log     *klog.Logger
	reclaim Reclaimer
	cond    *sync.Cond // signaled by Free, awaited by Alloc in the non-ATOMIC sleep path
}

// New creates an empty Allocator. Call MarkUnavailable/CreateZone to
// populate it during boot, per spec.md §2's control-flow description.
func New(log *klog.Logger, reclaim Reclaimer) *Allocator {
	if log == nil {
		log = klog.Nop()
	}
	a := &Allocator{log: log, reclaim: reclaim}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// CreateZone registers a new zone covering [base, base+count) with the
// given flags; count must be a power of two (see orderFor). It returns
// OutOfBounds if the range overlaps an existing zone.
func (a *Allocator) CreateZone(base, count uint64, flags ZoneFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createZoneLocked(base, count, flags)
}

func (a *Allocator) createZoneLocked(base, count uint64, flags ZoneFlags) error {
	idx := sort.Search(len(a.zones), func(i int) bool { return a.zones[i].base >= base })
	if idx > 0 && a.zones[idx-1].base+a.zones[idx-1].count > base {
		return kerrors.Wrap(kerrors.OutOfBounds, "frame: zone overlaps preceding zone")
	}
	if idx < len(a.zones) && base+count > a.zones[idx].base {
		return kerrors.Wrap(kerrors.OutOfBounds, "frame: zone overlaps following zone")
	}
	z := &zone{
		base:   base,
		count:  count,
		flags:  flags,
		sys:    buddy.New(orderFor(count)),
		parent: make(map[uint64]any),
	}
	a.zones = append(a.zones, nil)
	copy(a.zones[idx+1:], a.zones[idx:])
	a.zones[idx] = z
	return nil
}

// MarkUnavailable creates a reserved zone over [start, start+count),
// permanently excluded from Alloc's scan — the kernel image / initial RAM
// disk carve-out named in spec.md §1 and §9 item 1.
func (a *Allocator) MarkUnavailable(start, count uint64) error {
	return a.CreateZone(start, count, ZoneReserved)
}

// orderFor returns the order k with 1<<k == count. Zone sizes must be
// exact powers of two: the buddy system has no notion of a partially
// populated top-level block, so a non-power-of-two zone would let Alloc
// hand out frames past the zone's real frame count. Callers (CreateZone,
// zone merging) are expected to size zones accordingly, exactly as the
// original allocator's callers size zones to the platform's memory map
// in page-aligned, power-of-two-friendly regions.
func orderFor(count uint64) uint8 {
	if count == 0 || count&(count-1) != 0 {
		panic("frame: zone frame count must be a power of two")
	}
	var order uint8
	for uint64(1)<<order < count {
		order++
	}
	return order
}

// Alloc satisfies spec.md §4.B's frame_alloc(order, flags, hint) contract.
// preferredZone is an index hint into the zone table (e.g. the zone that
// most recently freed frames); pass -1 for no hint.
func (a *Allocator) Alloc(order uint8, flags Flags, preferredZone int) (pfn uint64, err error) {
	for {
		a.mu.Lock()
		if z, ok := a.scanZonesLocked(order, preferredZone); ok {
			base := z.base
			a.mu.Unlock()
			z.mu.Lock()
			block, allocated := z.sys.Alloc(order)
			if allocated {
				z.busyCount += uint64(1) << order
			}
			z.mu.Unlock()
			if allocated {
				return base + block.Index, nil
			}
			// Lost the race between the hint scan and acquiring the zone
			// lock (another allocator beat us to the last block of that
			// order); fall through and retry from the top.
			continue
		}
		a.mu.Unlock()

		if flags&NoReclaim == 0 && a.reclaim != nil {
			if freed := a.reclaim(true); freed > 0 {
				continue
			}
			if freed := a.reclaim(false); freed > 0 {
				continue
			}
		}

		if flags&Panic != 0 {
			kerrors.Panic(a.log, "frame: out of memory satisfying order %d", order)
		}
		if flags&Atomic != 0 {
			return 0, kerrors.Wrap(kerrors.NoMemory, "frame: atomic alloc failed")
		}

		// Sleep-on-exhaustion path (spec.md §9 open question, decided in
		// SPEC_FULL.md in favor of option (b)): block on a condvar
		// signaled by Free, never spin with interrupts disabled.
		a.mu.Lock()
		a.cond.Wait()
		a.mu.Unlock()
	}
}

// scanZonesLocked must be called with a.mu held; it returns the first
// available, non-reserved zone (starting at hint, wrapping) whose buddy
// can currently satisfy order, without yet allocating from it.
func (a *Allocator) scanZonesLocked(order uint8, hint int) (*zone, bool) {
	n := len(a.zones)
	if n == 0 {
		return nil, false
	}
	start := hint
	if start < 0 || start >= n {
		start = 0
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		z := a.zones[idx]
		if z.flags&ZoneReserved != 0 {
			continue
		}
		z.mu.Lock()
		can := z.sys.CanAlloc(order)
		z.mu.Unlock()
		if can {
			return z, true
		}
	}
	return nil, false
}

// Free releases the frame at pfn, decrementing the owning zone's busy
// count and returning the block to that zone's buddy. It panics if pfn
// does not fall within any zone — an internal inconsistency, per
// spec.md §7.
func (a *Allocator) Free(pfn uint64) {
	a.mu.Lock()
	z := a.zoneForLocked(pfn)
	a.mu.Unlock()
	if z == nil {
		kerrors.Panic(a.log, "frame: free of pfn %d outside any zone", pfn)
	}

	z.mu.Lock()
	delete(z.parent, pfn)
	freedOrder := z.sys.Free(pfn - z.base)
	z.busyCount -= uint64(1) << freedOrder
	z.mu.Unlock()

	a.cond.Broadcast()
}

// zoneForLocked performs the binary search on sorted zones named in
// spec.md §4.B's frame_free contract. Must be called with a.mu held.
func (a *Allocator) zoneForLocked(pfn uint64) *zone {
	i := sort.Search(len(a.zones), func(i int) bool { return a.zones[i].base+a.zones[i].count > pfn })
	if i < len(a.zones) && a.zones[i].base <= pfn {
		return a.zones[i]
	}
	return nil
}

// SetParent back-annotates pfn with an owning value such as a slab
// (spec.md §4.B frame_set_parent). The slab package does not call it:
// its ExternalHeader caches resolve obj_to_slab through their own
// reverse index.
func (a *Allocator) SetParent(pfn uint64, slab any) {
	a.mu.Lock()
	z := a.zoneForLocked(pfn)
	a.mu.Unlock()
	if z == nil {
		kerrors.Panic(a.log, "frame: set-parent on pfn %d outside any zone", pfn)
	}
	z.mu.Lock()
	z.parent[pfn] = slab
	z.mu.Unlock()
}

// GetParent returns the back-annotation set by SetParent, or nil.
func (a *Allocator) GetParent(pfn uint64) any {
	a.mu.Lock()
	z := a.zoneForLocked(pfn)
	a.mu.Unlock()
	if z == nil {
		return nil
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.parent[pfn]
}

// MergeAll merges every pair of adjacent, compatible zones, repeating
// while at least two zones remain — spec.md §9's open question, decided
// in favor of iterating (the evident intent) rather than the original's
// break-after-one-merge.
func (a *Allocator) MergeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		merged := false
		for i := 0; i+1 < len(a.zones); i++ {
			if a.mergeAdjacentLocked(i) {
				merged = true
				break
			}
		}
		if !merged || len(a.zones) < 2 {
			return
		}
	}
}

// mergeAdjacentLocked merges zones[i] and zones[i+1] if they are
// contiguous and share availability flags, replacing both with one
// larger zone. Must be called with a.mu held.
func (a *Allocator) mergeAdjacentLocked(i int) bool {
	left, right := a.zones[i], a.zones[i+1]
	if left.base+left.count != right.base || left.flags != right.flags {
		return false
	}

	merged := &zone{
		base:   left.base,
		count:  left.count + right.count,
		flags:  left.flags,
		sys:    buddy.New(orderFor(left.count + right.count)),
		parent: make(map[uint64]any),
	}
	// The merged buddy starts fully free; replay every busy block from
	// each source zone at its shifted index so occupancy survives the
	// merge exactly, per spec.md §4.B.
	for _, b := range left.sys.Busy() {
		merged.sys.MarkBusy(b.Index, b.Order)
	}
	rightShift := right.base - left.base
	for _, b := range right.sys.Busy() {
		merged.sys.MarkBusy(b.Index+rightShift, b.Order)
	}
	merged.busyCount = left.busyCount + right.busyCount

	for pfn, owner := range left.parent {
		merged.parent[pfn] = owner
	}
	for pfn, owner := range right.parent {
		merged.parent[pfn] = owner
	}

	a.zones[i] = merged
	a.zones = append(a.zones[:i+1], a.zones[i+2:]...)
	return true
}

// Stats reports aggregate accounting across all zones, for tests and
// diagnostics.
type Stats struct {
	Zones     int
	Frames    uint64
	Busy      uint64
	Available uint64
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s Stats
	s.Zones = len(a.zones)
	for _, z := range a.zones {
		z.mu.Lock()
		s.Frames += z.count
		s.Busy += z.busyCount
		s.Available += z.freeCount()
		z.mu.Unlock()
	}
	return s
}
