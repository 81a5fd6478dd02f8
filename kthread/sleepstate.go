package kthread

import (
	"sync/atomic"
	"time"
)

// SleepState is the atomic sleep-state handshake named in spec.md §4.E,
// kept deliberately separate from ThreadState: scheduling state answers
// "is this thread runnable", sleep state answers "has a wakeup for this
// specific wait cycle already arrived".
type SleepState uint32

const (
	SleepInitial SleepState = iota
	SleepAsleep
	SleepWoke
)

// WaitResult is returned by WaitFinish.
type WaitResult int

const (
	WaitSuccess WaitResult = iota
	WaitTimeout
	WaitTerminating
)

// sleepCell holds one thread's sleep-state handshake: the atomic state
// cell plus the channel a genuine sleep blocks on. Go's atomic package
// already provides the sequentially-consistent ordering spec.md asks of
// wait_start's "acquire-release" exchange, so no extra fences are needed.
type sleepCell struct {
	v      atomic.Uint32
	wakeCh chan struct{}
}

func newSleepCell() *sleepCell {
	return &sleepCell{wakeCh: make(chan struct{}, 1)}
}

func (c *sleepCell) load() SleepState { return SleepState(c.v.Load()) }

// WaitStart begins a new wait cycle, per spec.md §4.E: resets sleep_state
// to Initial and reports whether the thread has been marked interrupted
// (in which case the caller should abandon the wait instead of calling
// WaitFinish).
func (t *Thread) WaitStart() (terminating bool) {
	t.sleep.wakeCh = make(chan struct{}, 1)
	t.sleep.v.Store(uint32(SleepInitial))
	return t.interrupted.Load()
}

// WaitFinish completes the wait cycle begun by WaitStart, per spec.md
// §4.E. The caller must have already published a reference to the thread
// in whatever waitq/structure Wakeup will be called against, and released
// any lock it held, before calling this.
//
// If sleep_state is no longer Initial (a concurrent Wakeup already ran),
// this returns immediately without blocking — the at-most-one-sleep,
// cannot-miss-a-wakeup guarantee described in spec.md §4.E. Otherwise it
// transitions to Asleep and genuinely blocks until Wakeup or deadline.
func (t *Thread) WaitFinish(deadline time.Duration) WaitResult {
	if !t.sleep.v.CompareAndSwap(uint32(SleepInitial), uint32(SleepAsleep)) {
		return WaitSuccess
	}
	t.state.Store(Sleeping)
	if deadline <= 0 {
		<-t.sleep.wakeCh
		return WaitSuccess
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-t.sleep.wakeCh:
		return WaitSuccess
	case <-timer.C:
		return WaitTimeout
	}
}

// Wakeup delivers a wakeup to t, per spec.md §4.E: atomic exchange
// sleep_state ← Woke. If the previous value was Asleep, this call is the
// unique one responsible for re-queuing the sleeper — here, for
// unblocking WaitFinish.
func Wakeup(t *Thread) {
	prev := SleepState(t.sleep.v.Swap(uint32(SleepWoke)))
	if prev == SleepAsleep {
		select {
		case t.sleep.wakeCh <- struct{}{}:
		default:
		}
	}
}
