package kernel

// Region describes one contiguous span of frames, per spec.md §6's
// arch_frame_init_regions() → [(pfn_base, count)].
type Region struct {
	Base  uint64
	Count uint64
}

// ArchHooks is the typed boundary to the architecture-specific platform
// stubs named in spec.md §6 — the out-of-scope collaborators (bring-up,
// interrupt vectoring, MMU formats) this core never implements itself.
//
// Boot only calls FrameRegions and CPUCount: this hosted re-implementation
// runs every kernel thread as a goroutine under the Go runtime scheduler,
// which already does preemption, context switching and per-core dispatch —
// there is no saved-context / interrupt-disable dance for this core to
// drive directly. InterruptsDisable/Restore, ContextCreate/Switch and
// FPUClearOwner are kept on the interface (rather than dropped) because a
// genuine arch backend still needs to implement them for the pieces of a
// real kernel this core does not cover (the scheduler and trap handlers);
// CurrentCPU is likewise unused by Boot but is the hook those layers would
// call to tag a thread with its running CPU.
type ArchHooks interface {
	// FrameRegions reports the spans of physical memory available at
	// boot, per arch_frame_init_regions().
	FrameRegions() []Region
	// CPUCount reports the number of cores, per arch_cpu_count().
	CPUCount() int
	// CurrentCPU reports the logical id of the calling CPU, per
	// arch_current_cpu_id(). ok is false very early in boot, before CPUs
	// are enumerated.
	CurrentCPU() (id int, ok bool)
	// InterruptsDisable/InterruptsRestore bracket a spinlock critical
	// section on the local CPU, per arch_interrupts_disable/restore.
	InterruptsDisable() (prevState uint64)
	InterruptsRestore(prevState uint64)
	// ContextCreate/ContextSwitch save and restore a thread's execution
	// context, per arch_context_create/arch_context_switch.
	ContextCreate(entry func(), stackTop, stackSize uintptr) (ctx any)
	ContextSwitch(from, to any)
	// FPUClearOwner drops a thread's lazy FPU ownership, per
	// arch_fpu_clear_owner — optional; only meaningful in an FPU_LAZY
	// build of a real arch backend.
	FPUClearOwner(threadID uint64)
}

// StaticHooks is the simplest ArchHooks: a fixed memory map and CPU count
// supplied up front, with every context/interrupt hook a no-op. This is
// enough to Boot the core in a hosted (non-bare-metal) environment, e.g.
// tests or a userland simulation of the kernel core.
type StaticHooks struct {
	Regions []Region
	CPUs    int
}

func (h StaticHooks) FrameRegions() []Region                     { return h.Regions }
func (h StaticHooks) CPUCount() int                              { return h.CPUs }
func (h StaticHooks) CurrentCPU() (int, bool)                     { return 0, h.CPUs > 0 }
func (h StaticHooks) InterruptsDisable() uint64                  { return 0 }
func (h StaticHooks) InterruptsRestore(uint64)                   {}
func (h StaticHooks) ContextCreate(func(), uintptr, uintptr) any { return nil }
func (h StaticHooks) ContextSwitch(any, any)                     {}
func (h StaticHooks) FPUClearOwner(uint64)                       {}
