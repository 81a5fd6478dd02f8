// Package kernel wires components A-F (buddy, frame, slab, btree,
// kthread, workqueue) into one bootable context, per spec.md §2's control
// flow: "A is initialized standalone; B brings up zones using A per zone;
// C creates its bootstrap caches ... using B directly, then enables
// per-CPU magazines once the CPU count is known; D creates its node cache
// via C; E creates its thread cache via C and registers the thread
// dictionary as a D-tree; F starts global workers as E-threads."
package kernel

import (
	"github.com/helenos-go/kernelcore/frame"
	"github.com/helenos-go/kernelcore/internal/klog"
	"github.com/helenos-go/kernelcore/kthread"
	"github.com/helenos-go/kernelcore/slab"
	"github.com/helenos-go/kernelcore/workqueue"
)

// Kernel is the live context produced by Boot: the set of singletons
// spec.md §9's design notes calls out explicitly ("the zone table, the
// slab cache registry, the global thread dictionary, and the global work
// queue are all process-wide singletons with explicit initialization
// order... fields of a single Kernel context passed by reference").
type Kernel struct {
	Config Config
	Log    *klog.Logger

	Frames  *frame.Allocator
	Slabs   *slab.Registry
	Threads *kthread.Cache
	WorkQ   *workqueue.Queue
}

// Boot brings up the core in the order mandated by spec.md §2.
func Boot(cfg Config, hooks ArchHooks) (*Kernel, error) {
	cfg = cfg.withDefaults(hooks)
	log := cfg.Logger

	// Component C's bootstrap caches need somewhere to register for the
	// global slab_reclaim sweep (spec.md §5 lock order item 2) before any
	// cache — including the frame allocator's own reclaim feedback loop —
	// exists.
	registry := slab.NewRegistry()

	// Component B: frame allocator. Its Reclaimer closes over registry so
	// frame_alloc's "no zone can satisfy the order" path can invoke
	// slab_reclaim(light) then slab_reclaim(all), per spec.md §2/§7.
	frames := frame.New(log, func(light bool) int {
		return registry.Reclaim(!light)
	})

	for _, r := range hooks.FrameRegions() {
		if err := frames.CreateZone(r.Base, r.Count, frame.ZoneAvailable); err != nil {
			return nil, err
		}
	}
	for _, r := range cfg.ReservedRegions {
		if err := frames.MarkUnavailable(r.Base, r.Count); err != nil {
			return nil, err
		}
	}

	// Component C: the original boots a cache-of-caches, a slab
	// descriptor cache and a magazine cache before any domain cache can
	// exist, because cache_t/slab_t/magazine_t are themselves
	// slab-allocated. In this Go port those are plain GC-managed structs
	// (Cache, slabRun, Magazine) allocated with new(), so there is no
	// bootstrapping cycle to break here — registry plays the role those
	// bootstrap caches play (a place every later cache registers).

	// Component E: thread cache + global thread dictionary (a D-tree).
	threads := kthread.NewCache(frames, registry, log)
	threads.SetCPUCount(cfg.CPUCount)

	// Component C step 5: enable per-CPU magazines, now that CPUCount is
	// known, on every registered cache created with MagazineDeferred —
	// this is what activates the thread_t cache's magazines.
	for _, c := range registry.Caches() {
		if c.NeedsMagazineActivation() {
			c.EnableMagazines(cfg.CPUCount, cfg.MagazineCapacity)
		}
	}

	// Component F: global work queue, its workers started as real
	// E-threads via the thread cache just built, per spec.md §2.
	workQ := workqueue.New("kernel", cfg.CPUCount, threads, log)

	return &Kernel{
		Config:  cfg,
		Log:     log,
		Frames:  frames,
		Slabs:   registry,
		Threads: threads,
		WorkQ:   workQ,
	}, nil
}

// Shutdown stops the global work queue, draining already-accepted items
// before returning, per spec.md §7's work queue error-handling note.
func (k *Kernel) Shutdown() {
	k.WorkQ.Stop()
}
