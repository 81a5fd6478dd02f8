// Package kthread implements the thread/task lifecycle and sleep-state
// handshake of spec.md §4.E: thread_t objects are carved from a slab
// cache, tracked per-task and in a global ordered dictionary, and torn
// down only once both the scheduler and every joiner have released their
// reference.
package kthread

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/helenos-go/kernelcore/btree"
	"github.com/helenos-go/kernelcore/frame"
	"github.com/helenos-go/kernelcore/internal/kerrors"
	"github.com/helenos-go/kernelcore/internal/klog"
	"github.com/helenos-go/kernelcore/slab"
)

// Task groups threads that share an address space, per spec.md §3.
type Task struct {
	ID uint64

	mu                sync.Mutex
	threads           []*Thread
	lifecount         int
	AccumulatedCycles time.Duration
}

func NewTask(id uint64) *Task { return &Task{ID: id} }

// Threads returns a snapshot of this task's current thread list.
func (task *Task) Threads() []*Thread {
	task.mu.Lock()
	defer task.mu.Unlock()
	return append([]*Thread(nil), task.threads...)
}

// Thread is a kernel thread, per spec.md §3. Exported fields are
// immutable after Create; mutable fields are either atomic or guarded by
// the owning Task's lock, per spec.md §5's lock order (threads_lock →
// task.lock → thread.lock — here, the registry's own lock plays
// threads_lock, and the per-thread fields needing no lock are atomic).
type Thread struct {
	ID        uint64
	Task      *Task
	UserSpace bool

	state            atomicState
	sleep            sleepCell
	interrupted      atomic.Bool
	migrationDisable atomic.Int32
	refcount         atomic.Int32

	stackPfn  uint64
	startedAt time.Time
	joinCh    chan struct{}

	entry func(arg any)
	arg   any
	cache *Cache
}

// State reports the thread's current scheduling state.
func (t *Thread) State() ThreadState { return t.state.Load() }

// Interrupt marks the thread interrupted: a subsequent WaitStart reports
// it, so the caller can abandon the wait instead of blocking.
func (t *Thread) Interrupt() { t.interrupted.Store(true) }

// DisableMigration/EnableMigration implement the migration-disable
// counter named in spec.md §3's Thread attributes.
func (t *Thread) DisableMigration() { t.migrationDisable.Add(1) }
func (t *Thread) EnableMigration()  { t.migrationDisable.Add(-1) }
func (t *Thread) MigrationDisabled() bool {
	return t.migrationDisable.Load() > 0
}

// Cache is the thread slab cache plus the id allocator and global
// ordered dictionary named in spec.md §4.E.
type Cache struct {
	threads  *slab.Cache
	frames   *frame.Allocator
	log      *klog.Logger
	idMu     sync.Mutex
	nextID   uint64
	regMu    sync.Mutex
	registry *btree.Tree[uint64, *Thread]

	cpuCount  atomic.Int32 // round-robin bound for the thread_t cache's per-CPU magazines; 1 until SetCPUCount
	cpuCursor atomic.Int64
}

// NewCache creates the thread pool, per spec.md §2's boot sequence ("E
// creates its thread cache via C and registers the thread dictionary as
// a D-tree"). frames backs both thread_t objects and their kernel
// stacks; slabs registers the thread_t pool in the global slab registry
// (nil is fine outside kernel.Boot, e.g. in package-local tests).
//
// thread_t is sized well past the small-object threshold (it carries a
// Task pointer, atomics, a sleep cell and a join channel), so it uses
// spec.md §4.C's large-object flavor (ExternalHeader) for O(1)
// obj_to_slab, and defers enabling magazines (MagazineDeferred) until
// kernel.Boot knows the CPU count, per spec.md §4.C bootstrap step 5.
func NewCache(frames *frame.Allocator, slabs *slab.Registry, log *klog.Logger) *Cache {
	if log == nil {
		log = klog.Nop()
	}
	c := &Cache{frames: frames, log: log}
	c.cpuCount.Store(1)
	c.registry = btree.Create[uint64, *Thread](frames, log)
	c.threads = slab.NewCache("thread_t", 256, 8, frames, func() any { return new(Thread) }, nil, nil, slab.ExternalHeader|slab.MagazineDeferred, slabs, log)
	return c
}

// SetCPUCount bounds the pseudo-CPU id Create/destroy round-robin across
// when allocating/freeing thread_t objects, so the cache's per-CPU
// magazines (once EnableMagazines activates them) actually absorb
// alloc/free traffic instead of always hitting cpu 0. kernel.Boot calls
// this with cfg.CPUCount right after constructing the Cache.
func (c *Cache) SetCPUCount(n int) {
	if n < 1 {
		n = 1
	}
	c.cpuCount.Store(int32(n))
}

func (c *Cache) nextCPU() int {
	n := int(c.cpuCount.Load())
	if n < 1 {
		n = 1
	}
	return int(c.cpuCursor.Add(1)-1) % n
}

// Create builds a new thread bound to task, per spec.md §4.E's five-step
// creation sequence. The stack is allocated directly here (not via the
// slab cache's ctor) so destroy's "free the stack" step frees exactly the
// frame this thread used, every time — not only when the whole slab run
// empties. If noAttach is false, the thread is attached to task and
// inserted into the global registry immediately.
func (c *Cache) Create(task *Task, entry func(arg any), arg any, userSpace, noAttach bool, flags slab.AllocFlags) (*Thread, error) {
	obj, err := c.threads.Alloc(c.nextCPU(), flags)
	if err != nil {
		return nil, err
	}
	t := obj.(*Thread)
	*t = Thread{}

	pfn, err := c.frames.Alloc(0, flags, -1)
	if err != nil {
		c.threads.Free(-1, t)
		return nil, err
	}
	t.stackPfn = pfn

	t.Task = task
	t.UserSpace = userSpace
	t.entry = entry
	t.arg = arg
	t.joinCh = make(chan struct{})
	t.cache = c
	t.sleep.wakeCh = make(chan struct{}, 1)
	t.state.Store(Entering)
	// One reference for the scheduler (released at Exit), one for the
	// caller's handle (released via Release/Join+Release), per spec.md
	// §4.E's destruction precondition.
	t.refcount.Store(2)

	c.idMu.Lock()
	c.nextID++
	t.ID = c.nextID
	c.idMu.Unlock()

	if !noAttach {
		task.mu.Lock()
		if userSpace {
			task.lifecount++
		}
		task.threads = append(task.threads, t)
		task.mu.Unlock()

		c.regMu.Lock()
		c.registry.Insert(t.ID, t, nil)
		c.regMu.Unlock()
	}
	return t, nil
}

// Start transitions a thread from Entering to Ready and hands it to the
// scheduler, per spec.md §4.E. In this hosted model, the scheduler is a
// goroutine running entry(arg) to completion.
func (c *Cache) Start(t *Thread) {
	if !t.state.CAS(Entering, Ready) {
		kerrors.Panic(c.log, "kthread: start of thread %d not in Entering state", t.ID)
	}
	go c.run(t)
}

func (c *Cache) run(t *Thread) {
	t.state.Store(Running)
	t.startedAt = time.Now()
	t.entry(t.arg)
	c.exit(t)
}

// Join blocks until t's entry function has returned.
func (t *Thread) Join() { <-t.joinCh }

// exit runs the accounting and list-removal half of spec.md §4.E's
// destruction sequence, then releases the scheduler's reference.
func (c *Cache) exit(t *Thread) {
	t.state.Store(Exiting)
	elapsed := time.Since(t.startedAt)

	// Task is nil for a taskless helper thread (created with a nil task
	// and NOATTACH — a bare worker with nothing to charge cycles to or
	// remove itself from).
	if t.Task != nil {
		t.Task.mu.Lock()
		t.Task.AccumulatedCycles += elapsed
		if t.UserSpace {
			t.Task.lifecount--
		}
		for i, other := range t.Task.threads {
			if other == t {
				t.Task.threads = append(t.Task.threads[:i], t.Task.threads[i+1:]...)
				break
			}
		}
		t.Task.mu.Unlock()
	}

	t.state.Store(Exited)
	// Drop the scheduler's reference before waking joiners, so a joiner
	// that releases its handle right after Join tears the thread down.
	// joinCh is read first because destroy may hand t back to the cache.
	joinCh := t.joinCh
	c.dropRef(t)
	close(joinCh)
}

// Release drops the caller's handle reference, per spec.md §4.E.
func (c *Cache) Release(t *Thread) { c.dropRef(t) }

func (c *Cache) dropRef(t *Thread) {
	if t.refcount.Add(-1) == 0 {
		c.destroy(t)
	}
}

// destroy returns a thread's stack and thread_t to their allocators once
// both the scheduler and every joiner have released it.
func (c *Cache) destroy(t *Thread) {
	c.regMu.Lock()
	c.registry.Remove(t.ID, nil)
	c.regMu.Unlock()

	c.frames.Free(t.stackPfn)
	c.threads.Free(c.nextCPU(), t)
}

// Lookup finds a thread by id in the global registry, per spec.md §4.E.
func (c *Cache) Lookup(id uint64) (*Thread, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	t, _, found := c.registry.Search(id)
	return t, found
}
