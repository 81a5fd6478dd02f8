package kthread

import "sync/atomic"

// ThreadState is the scheduling state of a Thread, per spec.md §3/§4.E —
// distinct from the sleep-state handshake in sleepstate.go.
type ThreadState uint32

const (
	Entering ThreadState = iota
	Ready
	Running
	Sleeping
	Exiting
	Exited
)

func (s ThreadState) String() string {
	switch s {
	case Entering:
		return "Entering"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Sleeping:
		return "Sleeping"
	case Exiting:
		return "Exiting"
	case Exited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// atomicState is a lock-free state cell with cache-line padding, grounded
// on the event loop's FastState (eventloop/state.go): plain atomic CAS,
// no mutex, padded so two threads' states never share a cache line.
type atomicState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func (s *atomicState) Load() ThreadState           { return ThreadState(s.v.Load()) }
func (s *atomicState) Store(state ThreadState)     { s.v.Store(uint32(state)) }
func (s *atomicState) CAS(from, to ThreadState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
