// Package buddy implements the power-of-two block allocator described in
// spec.md §4.A: a binary buddy system over a contiguous index range
// [0, 1<<MaxOrder), with per-order free lists and address-derived buddy
// computation.
//
// A System is not safe for concurrent use; callers (the frame package)
// serialize access with a per-zone lock, per spec.md §3's Zone invariants.
package buddy

import "fmt"

// Block names an allocated or free power-of-two region: order k covers
// 1<<k indices starting at Index, and Index is always a multiple of
// 1<<k.
type Block struct {
	Index uint64
	Order uint8
}

// annotation is the back-annotation kept per first-frame-of-block so that
// Free, given only a starting index, can recover the order it was
// allocated at (spec.md §4.A: "Setting the order of a block updates the
// back-annotation kept on the first frame of the block").
type annotation struct {
	order uint8
	free  bool
}

// System is a buddy allocator over indices [0, 1<<maxOrder).
type System struct {
	maxOrder uint8
	free     [][]uint64 // free[order] = unordered slice of free block indices at that order, used as a list
	annot    map[uint64]*annotation
}

// New creates a System managing 1<<maxOrder indices, all initially free
// as a single block of the maximum order.
func New(maxOrder uint8) *System {
	s := &System{
		maxOrder: maxOrder,
		free:     make([][]uint64, maxOrder+1),
		annot:    make(map[uint64]*annotation),
	}
	s.free[maxOrder] = []uint64{0}
	s.annot[0] = &annotation{order: maxOrder, free: true}
	return s
}

// MaxOrder returns the largest order this System can ever report via
// CanAlloc/Alloc.
func (s *System) MaxOrder() uint8 { return s.maxOrder }

// CanAlloc reports whether Alloc(order) would currently succeed, without
// mutating any state.
func (s *System) CanAlloc(order uint8) bool {
	if order > s.maxOrder {
		return false
	}
	for k := order; k <= s.maxOrder; k++ {
		if len(s.free[k]) > 0 {
			return true
		}
	}
	return false
}

// Alloc returns a free block of exactly the given order, splitting a
// larger free block as needed (spec.md §4.A allocation algorithm). ok is
// false iff no free block of order >= order exists.
func (s *System) Alloc(order uint8) (block Block, ok bool) {
	if order > s.maxOrder {
		return Block{}, false
	}
	k := order
	for k <= s.maxOrder && len(s.free[k]) == 0 {
		k++
	}
	if k > s.maxOrder {
		return Block{}, false
	}

	idx := s.popFree(k)
	// Repeatedly halve down to the requested order. The left half (lower
	// address) keeps going down; the right half is placed on the free
	// list for its (smaller) order — "tie break on split: left half has
	// the lower address" (spec.md §4.A).
	for k > order {
		k--
		rightIdx := idx + (uint64(1) << k)
		s.annot[rightIdx] = &annotation{order: k, free: true}
		s.pushFree(k, rightIdx)
	}

	a := s.annot[idx]
	a.order = order
	a.free = false
	return Block{Index: idx, Order: order}, true
}

// Free releases a block previously returned by Alloc (or a right-half
// produced implicitly by a split and later allocated), merging with its
// buddy whenever possible (spec.md §4.A merge algorithm). The order is
// recovered from the back-annotation — callers need only the starting
// index, as spec.md §3 invariant (iii) requires.
//
// Freeing a block that is not currently busy is undefined behavior per
// spec.md §4.A; this implementation panics rather than silently
// corrupting the free lists. Free returns the order the block was busy
// at, so callers that track busy-frame counts by size (frame.Allocator)
// don't need to remember the order themselves.
func (s *System) Free(index uint64) uint8 {
	a, ok := s.annot[index]
	if !ok || a.free {
		panic(fmt.Sprintf("buddy: free of non-busy index %d", index))
	}
	a.free = true
	freedOrder := a.order

	idx := index
	order := a.order
	for order < s.maxOrder {
		buddyIdx := idx ^ (uint64(1) << order)
		ba, ok := s.annot[buddyIdx]
		if !ok || !ba.free || ba.order != order {
			break
		}
		// Merge: remove the buddy from its free list, the merged block
		// takes the lower of the two addresses.
		s.removeFree(order, buddyIdx)
		delete(s.annot, buddyIdx)
		if buddyIdx < idx {
			idx = buddyIdx
		}
		order++
		s.annot[idx] = &annotation{order: order, free: true}
		if idx != index {
			delete(s.annot, index)
		}
		index = idx
	}
	s.pushFree(order, idx)
	return freedOrder
}

// Busy returns every currently-allocated block, used by frame.Allocator
// when merging two zones into one larger buddy.System (spec.md §4.B):
// the merged system starts fully free, and each busy block from the
// source systems is re-allocated at its shifted index to preserve
// exactly which frames were busy across the merge.
func (s *System) Busy() []Block {
	var blocks []Block
	for idx, a := range s.annot {
		if !a.free {
			blocks = append(blocks, Block{Index: idx, Order: a.order})
		}
	}
	return blocks
}

// MarkBusy allocates exactly the block at index/order, splitting any
// enclosing free block down to size first. It panics if that exact
// block is not currently free at a covering order — callers are
// expected to only ever mark blocks that Busy() on a disjoint source
// system reported, onto a fresh, fully-free destination system.
func (s *System) MarkBusy(index uint64, order uint8) {
	k := order
	var base uint64
	for {
		base = index &^ ((uint64(1) << k) - 1)
		if a, ok := s.annot[base]; ok && a.free && a.order == k {
			break
		}
		k++
		if k > s.maxOrder {
			panic(fmt.Sprintf("buddy: mark-busy: no free block covers index %d at order %d", index, order))
		}
	}

	s.removeFree(k, base)
	idx := base
	for k > order {
		k--
		left := idx
		right := idx + (uint64(1) << k)
		s.annot[left] = &annotation{order: k, free: true}
		s.annot[right] = &annotation{order: k, free: true}
		if index < right {
			s.pushFree(k, right)
			idx = left
		} else {
			s.pushFree(k, left)
			idx = right
		}
	}
	s.annot[idx] = &annotation{order: order, free: false}
}

// FreeCounts returns, for each order, the number of free blocks currently
// on that order's free list — used by tests asserting the buddy bijection
// invariant (spec.md §8 property 1).
func (s *System) FreeCounts() []int {
	counts := make([]int, s.maxOrder+1)
	for k, list := range s.free {
		counts[k] = len(list)
	}
	return counts
}

func (s *System) pushFree(order uint8, index uint64) {
	s.free[order] = append(s.free[order], index)
}

func (s *System) popFree(order uint8) uint64 {
	list := s.free[order]
	idx := list[len(list)-1]
	s.free[order] = list[:len(list)-1]
	return idx
}

func (s *System) removeFree(order uint8, index uint64) {
	list := s.free[order]
	for i, v := range list {
		if v == index {
			list[i] = list[len(list)-1]
			s.free[order] = list[:len(list)-1]
			return
		}
	}
	panic(fmt.Sprintf("buddy: buddy %d at order %d not found on free list", index, order))
}
