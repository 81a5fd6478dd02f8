// Package kerrors defines the error taxonomy shared by every kernelcore
// subsystem (spec.md §6/§7): allocation failures bubble up as sentinel
// errors the caller can test with errors.Is, while invariant violations
// are never returned — they abort the process.
package kerrors

import (
	"errors"
	"fmt"

	"github.com/helenos-go/kernelcore/internal/klog"
)

// Sentinel errors forming the boundary taxonomy named in spec.md §6.
var (
	// NoMemory is returned when an allocation cannot be satisfied, either
	// because no zone/slab/cache had room or because reclaim made no
	// progress.
	NoMemory = errors.New("kernelcore: no memory")

	// OutOfBounds is returned for index/order arguments outside the range
	// a component can service (e.g. a buddy order beyond MaxOrder).
	OutOfBounds = errors.New("kernelcore: out of bounds")

	// Busy is returned when an operation cannot proceed because a resource
	// (frame, slab, lock) is held elsewhere and the caller asked not to
	// block.
	Busy = errors.New("kernelcore: busy")

	// Interrupted is returned by a blocking wait that was woken by
	// thread.Interrupt rather than by the condition it was waiting for.
	Interrupted = errors.New("kernelcore: interrupted")

	// Timeout is returned by a blocking wait whose deadline elapsed first.
	Timeout = errors.New("kernelcore: timeout")
)

// Wrap attaches context to one of the sentinel errors above while
// preserving errors.Is compatibility.
func Wrap(sentinel error, context string) error {
	return fmt.Errorf("%s: %w", context, sentinel)
}

// Panic raises a kernel panic for an invariant violation: a condition the
// spec says must never happen in valid use (e.g. freeing an already-free
// frame, removing an absent B+tree key without a hint). These are
// assertions, not recoverable errors — the original C kernel calls
// panic(); this logs at emergency level first, so the cause survives the
// abort, then panics the goroutine.
func Panic(logger *klog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Emerg(msg)
	panic("kernelcore: " + msg)
}
