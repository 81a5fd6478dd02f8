package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helenos-go/kernelcore/frame"
)

func newFrames(t *testing.T, pages uint64) *frame.Allocator {
	t.Helper()
	a := frame.New(nil, nil)
	require.NoError(t, a.CreateZone(0, pages, frame.ZoneAvailable))
	return a
}

// TestSplitOnSixthInsert covers spec.md §8 scenario 3 exactly: inserting
// 1..5 keeps a single leaf root; the 6th insert splits it into an
// internal root with separator 4 and two three-key leaves.
func TestSplitOnSixthInsert(t *testing.T) {
	tr := Create[int, string](newFrames(t, 64), nil)
	for k := 1; k <= 5; k++ {
		tr.Insert(k, "v", nil)
	}
	require.True(t, tr.root.leaf)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, tr.root.keys)

	tr.Insert(6, "v", nil)
	require.False(t, tr.root.leaf)
	assert.Equal(t, []int{4}, tr.root.keys)
	require.Len(t, tr.root.children, 2)
	left, right := tr.root.children[0], tr.root.children[1]
	assert.Equal(t, []int{1, 2, 3}, left.keys)
	assert.Equal(t, []int{4, 5, 6}, right.keys)
	assert.Same(t, right, left.next)
	assert.Same(t, left, right.prev)
	assert.Equal(t, 6, tr.Count())
}

// TestRemoveRotatesBeforeMerging covers spec.md §8 scenario 4: removing 1
// leaves the left leaf at exactly the fill factor (no merge); removing 2
// next forces a borrow from the right sibling rather than a merge.
func TestRemoveRotatesBeforeMerging(t *testing.T) {
	tr := Create[int, string](newFrames(t, 64), nil)
	for k := 1; k <= 6; k++ {
		tr.Insert(k, "v", nil)
	}

	require.True(t, tr.Remove(1, nil))
	assert.Equal(t, []int{4}, tr.root.keys)
	assert.Equal(t, []int{2, 3}, tr.root.children[0].keys)

	require.True(t, tr.Remove(2, nil))
	assert.Equal(t, []int{5}, tr.root.keys)
	assert.Equal(t, []int{3, 4}, tr.root.children[0].keys)
	assert.Equal(t, []int{5, 6}, tr.root.children[1].keys)
	assert.Equal(t, 4, tr.Count())
}

func TestSearchReportsLeafOnHitAndMiss(t *testing.T) {
	tr := Create[int, string](newFrames(t, 64), nil)
	for k := 1; k <= 6; k++ {
		tr.Insert(k, "v", nil)
	}

	val, leaf, found := tr.Search(5)
	require.True(t, found)
	assert.Equal(t, "v", val)
	assert.Contains(t, leaf.keys, 5)

	_, missLeaf, found := tr.Search(999)
	assert.False(t, found)
	assert.NotNil(t, missLeaf)
}

func TestInsertHintSkipsDescent(t *testing.T) {
	tr := Create[int, string](newFrames(t, 64), nil)
	tr.Insert(10, "a", nil)
	_, leaf, found := tr.Search(10)
	require.True(t, found)

	tr.Insert(11, "b", leaf)
	val, _, found := tr.Search(11)
	require.True(t, found)
	assert.Equal(t, "b", val)
}

func TestNeighborsWalkLeafChain(t *testing.T) {
	tr := Create[int, string](newFrames(t, 64), nil)
	for k := 1; k <= 12; k++ {
		tr.Insert(k, "v", nil)
	}

	_, leaf, found := tr.Search(6)
	require.True(t, found)
	if left := tr.LeftNeighbor(leaf); left != nil {
		assert.Less(t, left.keys[len(left.keys)-1], leaf.keys[0])
	}
	if right := tr.RightNeighbor(leaf); right != nil {
		assert.Greater(t, right.keys[0], leaf.keys[len(leaf.keys)-1])
	}
}

// TestWalkYieldsSortedKeys covers spec.md §8 property 5 (leaf chain
// order) via the supplemented debug Walk operation.
func TestWalkYieldsSortedKeys(t *testing.T) {
	tr := Create[int, int](newFrames(t, 64), nil)
	order := []int{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, k := range order {
		tr.Insert(k, k*10, nil)
	}

	var got []int
	tr.Walk(func(k, v int) bool {
		got = append(got, k)
		assert.Equal(t, k*10, v)
		return true
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

// TestInsertRemoveRoundTrip covers spec.md §8 property: insert then
// remove the same key returns the tree to an equivalent state.
func TestInsertRemoveRoundTrip(t *testing.T) {
	tr := Create[int, string](newFrames(t, 64), nil)
	for k := 0; k < 40; k++ {
		tr.Insert(k, "v", nil)
	}
	require.Equal(t, 40, tr.Count())

	for k := 0; k < 40; k += 2 {
		require.True(t, tr.Remove(k, nil))
	}
	assert.Equal(t, 20, tr.Count())

	var got []int
	tr.Walk(func(k, _ int) bool { got = append(got, k); return true })
	for i, k := range got {
		assert.Equal(t, 1+2*i, k)
	}

	for k := 1; k < 40; k += 2 {
		require.True(t, tr.Remove(k, nil))
	}
	assert.Equal(t, 0, tr.Count())
	assert.Nil(t, tr.root)
}

// TestEveryLeafSameDepth covers spec.md §8 property 6 (balance): after a
// larger sequence of inserts, every leaf is reachable in the same number
// of hops from the root.
func TestEveryLeafSameDepth(t *testing.T) {
	tr := Create[int, int](newFrames(t, 128), nil)
	for k := 0; k < 100; k++ {
		tr.Insert(k, k, nil)
	}

	depth := func(n *Node[int, int]) int {
		d := 0
		for n.parent != nil {
			n = n.parent
			d++
		}
		return d
	}

	var want = -1
	for leaf := tr.firstLeaf; leaf != nil; leaf = leaf.next {
		d := depth(leaf)
		if want == -1 {
			want = d
		}
		assert.Equal(t, want, d)
	}
}
