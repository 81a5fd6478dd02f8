package kernel

import (
	"github.com/helenos-go/kernelcore/internal/klog"
)

// Config holds the parameters spec.md §2's boot sequence needs before any
// component can be initialized. There is no kernel command line in this
// re-implementation — Config is built programmatically by the embedder.
type Config struct {
	// CPUCount seeds the work queue's tunables (spec.md §4.F) and the
	// slab allocator's per-CPU magazine count (spec.md §4.C step 5). If
	// zero, Boot reads it from Hooks.CPUCount().
	CPUCount int

	// ReservedRegions are carved out as ZoneReserved, per spec.md's
	// supplemented zone-flags feature — kernel image / initrd spans that
	// must never be handed out by Alloc.
	ReservedRegions []Region

	// MagazineCapacity sizes each per-CPU magazine, per spec.md §4.C.
	// Defaults to 16 if zero.
	MagazineCapacity int

	// Logger is shared by every subsystem. Defaults to klog.Nop().
	Logger *klog.Logger
}

func (c Config) withDefaults(hooks ArchHooks) Config {
	if c.CPUCount <= 0 {
		c.CPUCount = hooks.CPUCount()
	}
	if c.CPUCount <= 0 {
		c.CPUCount = 1
	}
	if c.MagazineCapacity <= 0 {
		c.MagazineCapacity = 16
	}
	if c.Logger == nil {
		c.Logger = klog.Nop()
	}
	return c
}
