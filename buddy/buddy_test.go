package buddy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSplitMerge reproduces spec.md §8 scenario 1: a zone of 16 frames
// (order 4), two order-2 allocations followed by freeing them in order,
// returning the system to a single order-4 free block.
func TestSplitMerge(t *testing.T) {
	s := New(4)

	b1, ok := s.Alloc(2)
	require.True(t, ok)
	assert.Equal(t, uint64(0), b1.Index)
	assert.Equal(t, []int{0, 0, 1, 1, 0}, s.FreeCounts())

	b2, ok := s.Alloc(2)
	require.True(t, ok)
	assert.Equal(t, uint64(4), b2.Index)
	assert.Equal(t, []int{0, 0, 0, 1, 0}, s.FreeCounts())

	s.Free(b2.Index)
	s.Free(b1.Index)
	assert.Equal(t, []int{0, 0, 0, 0, 1}, s.FreeCounts())
}

func TestAllocExhaustion(t *testing.T) {
	s := New(2) // 4 indices
	_, ok := s.Alloc(2)
	require.True(t, ok)
	assert.False(t, s.CanAlloc(0))
	_, ok = s.Alloc(0)
	assert.False(t, ok)
}

func TestFreeNonBusyPanics(t *testing.T) {
	s := New(2)
	assert.Panics(t, func() { s.Free(0) })
}

// TestBuddyBijection is a property-style check related to spec.md §8
// property 1: the blocks handed out by a sequence of allocations never
// overlap one another.
func TestBuddyBijection(t *testing.T) {
	s := New(5) // 32 indices
	var allocated []Block
	orders := []uint8{0, 1, 0, 2, 1, 0, 3}
	for _, o := range orders {
		if b, ok := s.Alloc(o); ok {
			allocated = append(allocated, b)
		}
	}

	covered := make(map[uint64]bool)
	for _, b := range allocated {
		for i := uint64(0); i < uint64(1)<<b.Order; i++ {
			idx := b.Index + i
			require.False(t, covered[idx], "double-covered index %d", idx)
			covered[idx] = true
		}
	}

	// Free every other allocation, then confirm no two free buddies
	// remain unmerged (spec.md §8 property 2).
	for i, b := range allocated {
		if i%2 == 0 {
			s.Free(b.Index)
		}
	}
	for order, list := range s.free {
		if order == int(s.maxOrder) {
			continue
		}
		for _, idx := range list {
			buddyIdx := idx ^ (uint64(1) << uint8(order))
			if ba, ok := s.annot[buddyIdx]; ok {
				assert.Falsef(t, ba.free && ba.order == uint8(order),
					"buddies %d and %d both free at order %d but not merged", idx, buddyIdx, order)
			}
		}
	}
}
