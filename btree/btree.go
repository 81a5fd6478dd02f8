// Package btree implements the order-5 (3-4-5) B+tree ordered dictionary
// of spec.md §4.D: keys live at every level, values only at the leaves,
// and leaves are threaded into a doubly linked chain for fast ordered
// iteration and neighbor lookups. Nodes are carved from a slab.Cache, per
// spec.md §1's "B+trees are allocated out of slab" dependency.
package btree

import (
	"golang.org/x/exp/constraints"

	"github.com/helenos-go/kernelcore/frame"
	"github.com/helenos-go/kernelcore/internal/klog"
	"github.com/helenos-go/kernelcore/slab"
)

// The tree is fixed to order 5 (3-4-5) per spec.md §2/§4.D/§8 scenario 3:
// a leaf holds up to leafMaxKeys keys before splitting (splitting only
// once a 6th key would be inserted), an internal node holds up to
// internalMaxKeys routing keys (5 children), and every non-root node
// keeps at least minKeys — the fill factor ⌈(order-1)/2⌉ = 2.
const (
	leafMaxKeys     = 5
	internalMaxKeys = 4
	minKeys         = 2
)

// Node is an opaque handle to one leaf or internal node, returned by
// Search/LeftNeighbor/RightNeighbor/Insert so callers can hint their
// next operation at the node they already descended to.
type Node[K constraints.Ordered, V any] struct {
	leaf     bool
	keys     []K
	vals     []V        // leaf only, len(vals) == len(keys)
	children []*Node[K, V] // internal only, len(children) == len(keys)+1
	parent   *Node[K, V]
	next     *Node[K, V] // leaf chain only
	prev     *Node[K, V]
}

// Tree is an order-5 B+tree over K, carrying values of type V.
type Tree[K constraints.Ordered, V any] struct {
	root      *Node[K, V]
	firstLeaf *Node[K, V]
	count     int
	nodes     *slab.Cache
	log       *klog.Logger
}

// Create builds an empty Tree backed by frames, per spec.md §4.D
// btree_create. Node storage is sized nominally; a B+tree node's real
// footprint is dominated by Go's slice headers and GC-managed backing
// arrays, not by the Cache's notion of object size, so the slab layer
// here mainly gives the tree the same carve/recycle discipline as every
// other kernel object pool, per spec.md §1.
func Create[K constraints.Ordered, V any](frames *frame.Allocator, log *klog.Logger) *Tree[K, V] {
	t := &Tree[K, V]{log: log}
	t.nodes = slab.NewCache("btree-node", 64, 8, frames, func() any { return new(Node[K, V]) }, nil, nil, slab.NoMagazine, nil, log)
	return t
}

// Destroy releases every node back to the slab cache, per spec.md §4.D
// btree_destroy.
func (t *Tree[K, V]) Destroy() {
	t.freeSubtree(t.root)
	t.root = nil
	t.firstLeaf = nil
	t.count = 0
}

func (t *Tree[K, V]) freeSubtree(node *Node[K, V]) {
	if node == nil {
		return
	}
	for _, c := range node.children {
		t.freeSubtree(c)
	}
	t.nodes.Free(-1, node)
}

// Count returns the number of keys stored in the tree.
func (t *Tree[K, V]) Count() int { return t.count }

// Search descends to the leaf that would hold key, per spec.md §4.D: it
// always reports the visited leaf (even on a miss), so callers can pass
// it as a hint to a following Insert/Remove. On an empty tree there is no
// leaf and the reported leaf is nil.
func (t *Tree[K, V]) Search(key K) (val V, leaf *Node[K, V], found bool) {
	if t.root == nil {
		return val, nil, false
	}
	leaf = t.descend(t.root, key)
	idx := leafIndex(leaf, key)
	if idx < len(leaf.keys) && leaf.keys[idx] == key {
		return leaf.vals[idx], leaf, true
	}
	return val, leaf, false
}

// descend walks from node to the leaf that would contain key, choosing
// at each internal node the largest child whose separator is <= key.
func (t *Tree[K, V]) descend(node *Node[K, V], key K) *Node[K, V] {
	for !node.leaf {
		idx := 0
		for idx < len(node.keys) && key >= node.keys[idx] {
			idx++
		}
		node = node.children[idx]
	}
	return node
}

// leafIndex returns the position of key in leaf.keys, or the position it
// would be inserted at if absent.
func leafIndex[K constraints.Ordered, V any](leaf *Node[K, V], key K) int {
	i := 0
	for i < len(leaf.keys) && leaf.keys[i] < key {
		i++
	}
	return i
}

// LeftNeighbor/RightNeighbor walk the leaf chain, per spec.md §4.D.
func (t *Tree[K, V]) LeftNeighbor(leaf *Node[K, V]) *Node[K, V]  { return leaf.prev }
func (t *Tree[K, V]) RightNeighbor(leaf *Node[K, V]) *Node[K, V] { return leaf.next }

// Walk performs the in-order leaf traversal named in SPEC_FULL.md's
// supplemented features (grounded on adt/btree.c's btree_print debug
// dump): visit is called for every key in ascending order; it stops
// early if visit returns false.
func (t *Tree[K, V]) Walk(visit func(key K, val V) bool) {
	for leaf := t.firstLeaf; leaf != nil; leaf = leaf.next {
		for i, k := range leaf.keys {
			if !visit(k, leaf.vals[i]) {
				return
			}
		}
	}
}

func (t *Tree[K, V]) newNode(cpu int) *Node[K, V] {
	obj, err := t.nodes.Alloc(cpu, 0)
	if err != nil {
		panic("btree: node allocation failed: " + err.Error())
	}
	n := obj.(*Node[K, V])
	*n = Node[K, V]{}
	return n
}
