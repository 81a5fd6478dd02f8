// Package workqueue implements the adaptive kernel work queue of spec.md
// §4.F: a pool of worker threads that grows and shrinks with load,
// bounded by a concurrency ceiling, grounded on the teacher's microbatch
// package for the ping/pong submit protocol and context-driven shutdown,
// generalized from "batch of jobs" to "one function per item". Per
// spec.md §2's "F starts global workers as E-threads", every worker is a
// real kthread.Thread — not a bare goroutine — so it gets component E's
// lifecycle, refcounting and global registry entry; errgroup supervises
// the fleet, joining each worker's thread as it retires.
package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/helenos-go/kernelcore/internal/kerrors"
	"github.com/helenos-go/kernelcore/internal/klog"
	"github.com/helenos-go/kernelcore/kthread"
)

// itemsPerActiveWorker is the compile-time constant named in spec.md §4.F:
// a new worker is considered needed once queued items exceed 8x the
// number of currently active workers.
const itemsPerActiveWorker = 8

// addWorkerBurstWindow throttles how often Enqueue's deferred add_worker
// path may actually spawn a goroutine, so a burst of enqueues cannot spawn
// a worker storm ahead of those workers finding anything left to do.
const addWorkerBurstWindow = 2 * time.Millisecond

// Tunables holds the three CPU-derived knobs named in spec.md §4.F.
type Tunables struct {
	MinWorkers    int
	MaxWorkers    int
	MaxConcurrent int
}

// TunablesForCPUs derives Tunables from cpuCount, per spec.md §4.F:
// min_workers = max(2, cpu_count/4), max_workers = max(32, 8*cpu_count),
// max_concurrent = max(2, cpu_count).
func TunablesForCPUs(cpuCount int) Tunables {
	return Tunables{
		MinWorkers:    max(2, cpuCount/4),
		MaxWorkers:    max(32, 8*cpuCount),
		MaxConcurrent: max(2, cpuCount),
	}
}

// Queue is one named adaptive work queue, per spec.md §4.F.
type Queue struct {
	Name string

	tunables Tunables
	log      *klog.Logger
	limiter  *catrate.Limiter
	sem      *semaphore.Weighted
	threads  *kthread.Cache

	mu              sync.Mutex
	cond            *sync.Cond
	items           []func()
	stopping        bool
	current         int // live worker threads
	sleeping        int // workers parked in cond.Wait
	blocked         int // workers inside AfterThreadRan/BeforeThreadIsReady
	activatePending int

	g errgroup.Group // supervises every worker thread and the adder fibril

	nonBlockAdderCh   chan struct{}
	nonBlockAdderDone chan struct{}
}

// New builds a Queue sized for cpuCount cores, per spec.md §4.F's
// workq_init. threads is component E's thread cache — every worker is
// created and started through it, per spec.md §2's "F starts global
// workers as E-threads".
func New(name string, cpuCount int, threads *kthread.Cache, log *klog.Logger) *Queue {
	if log == nil {
		log = klog.Nop()
	}
	q := &Queue{
		Name:              name,
		tunables:          TunablesForCPUs(cpuCount),
		log:               log.With("workqueue", name),
		limiter:           catrate.NewLimiter(map[time.Duration]int{addWorkerBurstWindow: 1}),
		threads:           threads,
		nonBlockAdderCh:   make(chan struct{}, 1),
		nonBlockAdderDone: make(chan struct{}),
	}
	q.sem = semaphore.NewWeighted(int64(q.tunables.MaxConcurrent))
	q.cond = sync.NewCond(&q.mu)

	for i := 0; i < q.tunables.MinWorkers; i++ {
		q.spawnWorkerLocked()
	}
	q.g.Go(func() error {
		q.nonBlockAdderLoop()
		return nil
	})
	return q
}

// spawnWorkerLocked starts one more worker thread, supervised by the
// errgroup so Stop can join every worker that was ever spawned. Must be
// called with q.mu held.
func (q *Queue) spawnWorkerLocked() {
	q.current++
	q.g.Go(func() error {
		q.runWorkerThread()
		return nil
	})
}

// runWorkerThread creates a kthread.Thread running runWorker as its
// entry point, per spec.md §2's "F starts global workers as E-threads":
// the worker is taskless (nil Task, NOATTACH) since it belongs to the
// queue, not to any user task, per kthread's taskless-helper-thread
// allowance.
func (q *Queue) runWorkerThread() {
	th, err := q.threads.Create(nil, func(arg any) { q.runWorker() }, nil, false, true, 0)
	if err != nil {
		kerrors.Panic(q.log, "workqueue %q: failed to create worker thread: %v", q.Name, err)
	}
	q.threads.Start(th)
	th.Join()
	q.threads.Release(th)
}

// activeCountLocked is spec.md §4.F's "active worker count": current minus
// sleeping minus blocked, plus workers already promised via
// activatePending. Must be called with q.mu held.
func (q *Queue) activeCountLocked() int {
	return q.current - q.sleeping - q.blocked + q.activatePending
}

// Enqueue appends item under the queue lock and decides whether to grow
// the pool, per spec.md §4.F. If blocking is true, the caller allows
// Enqueue's deferred add_worker to run in a new errgroup-supervised
// goroutine; if false, growth is deferred to the single non-blocking-adder
// fibril.
// Returns false if the queue is stopping.
func (q *Queue) Enqueue(item func(), blocking bool) bool {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)

	needsWorker := q.activeCountLocked()*itemsPerActiveWorker < len(q.items)
	var signal, nonBlockAdd bool
	if needsWorker {
		if q.sleeping-q.activatePending > 0 {
			q.activatePending++
			signal = true
		} else if q.current < q.tunables.MaxWorkers && q.activeCountLocked() < q.tunables.MaxConcurrent {
			if blocking {
				// g.Go is called while still holding q.mu so it is
				// strictly ordered against Stop's stopping flag (also
				// set under q.mu): either this Go call is observed
				// before Stop calls g.Wait, or Stop already saw
				// stopping==false and hasn't reached g.Wait yet.
				q.g.Go(func() error {
					q.addWorker()
					return nil
				})
			} else {
				nonBlockAdd = true
			}
		}
	}
	q.mu.Unlock()

	switch {
	case signal:
		q.cond.Signal()
	case nonBlockAdd:
		select {
		case q.nonBlockAdderCh <- struct{}{}:
		default:
			// adder already has a pending request queued; this request
			// coalesces with it, and the adder spawns at most one worker.
		}
	}
	return true
}

// EnqueueNoBlock is Enqueue with blocking=false, per spec.md §4.F's
// workq_enqueue_noblock: growth never runs inline on the caller's
// goroutine, only via the non-blocking-adder fibril.
func (q *Queue) EnqueueNoBlock(item func()) bool { return q.Enqueue(item, false) }

func (q *Queue) nonBlockAdderLoop() {
	for {
		select {
		case <-q.nonBlockAdderDone:
			return
		case <-q.nonBlockAdderCh:
			q.addWorker()
		}
	}
}

// addWorker spawns one more worker, throttled so a burst of Enqueue calls
// cannot spawn a worker storm ahead of those workers finding work.
func (q *Queue) addWorker() {
	if _, ok := q.limiter.Allow(q.Name); !ok {
		return
	}
	q.mu.Lock()
	if q.stopping || q.current >= q.tunables.MaxWorkers {
		q.mu.Unlock()
		return
	}
	q.spawnWorkerLocked()
	q.mu.Unlock()
}

func (q *Queue) runWorker() {
	for {
		item, ok := q.dequeue()
		if !ok {
			return
		}
		q.runItem(item)
	}
}

func (q *Queue) runItem(item func()) {
	if err := q.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer q.sem.Release(1)
	item()
}

// dequeue waits on the activation condvar, per spec.md §4.F. It returns
// false when the queue is stopping and empty, or when the queue is not
// stopping but enough idle workers already exist — in which case the
// calling worker retires itself.
func (q *Queue) dequeue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if q.activatePending > 0 {
				q.activatePending--
			}
			return item, true
		}
		if q.stopping {
			q.current--
			return nil, false
		}
		if q.sleeping >= q.tunables.MinWorkers && q.current > q.tunables.MinWorkers {
			q.current--
			return nil, false
		}
		q.sleeping++
		q.cond.Wait()
		q.sleeping--
	}
}

// AfterThreadRan marks the calling worker blocked, per spec.md §4.F's
// after_thread_ran hook: call this immediately before an item func does
// something that may suspend the goroutine (e.g. a blocking syscall),
// so the queue's active-count heuristic doesn't count this worker as
// available capacity while it is stuck.
func (q *Queue) AfterThreadRan() {
	q.mu.Lock()
	q.blocked++
	q.mu.Unlock()
}

// BeforeThreadIsReady clears the blocked flag set by AfterThreadRan, per
// spec.md §4.F's before_thread_is_ready hook.
func (q *Queue) BeforeThreadIsReady() {
	q.mu.Lock()
	q.blocked--
	q.mu.Unlock()
}

// Stop implements spec.md §4.F's workq_stop: sets the stopping flag,
// wakes every parked worker, then waits via errgroup for every worker
// thread, the non-blocking-adder fibril, and every deferred add_worker
// operation (spawned by Enqueue) to quiesce.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		kerrors.Panic(q.log, "workqueue %q: Stop called twice", q.Name)
	}
	q.stopping = true
	q.mu.Unlock()

	q.cond.Broadcast()
	close(q.nonBlockAdderDone)
	_ = q.g.Wait()
}

// Stats reports point-in-time queue occupancy, useful for tests and
// diagnostics.
type Stats struct {
	Queued   int
	Workers  int
	Sleeping int
	Blocked  int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.items), Workers: q.current, Sleeping: q.sleeping, Blocked: q.blocked}
}
