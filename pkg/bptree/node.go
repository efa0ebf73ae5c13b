// Package bptree implements an order-preserving B+Tree associative index,
// in both a single-threaded form (BTree) and a concurrent form
// (ConcurrentBTree) that layers optimistic, version-tagged node locking
// with a pessimistic fallback on top of the same node layout.
//
// Unlike a textbook B+Tree, leaves do not chain through sibling pointers:
// under concurrent structural changes a stale sibling pointer is a classic
// source of missed or duplicated keys during a scan. Instead every node
// carries a [lowKey, highKey) bound, and iteration re-descends from the
// root each time it needs to move to the next leaf, guided by the current
// leaf's highKey (lowKey when iterating backwards). The leaf it lands in
// is not re-checked against that bound.
package bptree

import (
	"sync/atomic"

	"cindex/internal/lockutil"
)

// Comparator orders two keys: negative if a < b, zero if equal, positive
// if a > b. Trees over ordered key types get one for free via NewOrdered.
type Comparator[K any] func(a, b K) int

// node is the shared node representation for both tree variants. The
// single-threaded BTree never touches mu or version; the concurrent tree
// uses them for optimistic-read / pessimistic-write coordination.
type node[K any, V any] struct {
	isLeaf bool

	keys     []K
	values   []V    // leaf only
	children []*node[K, V] // interior only

	lowKey   K
	highKey  K
	hasLow   bool
	hasHigh  bool

	mu      *lockutil.Mutex
	version atomic.Uint64 // bumped after every structural or content change
	deleted atomic.Bool
}

func newLeaf[K any, V any]() *node[K, V] {
	return &node[K, V]{isLeaf: true, mu: lockutil.New()}
}

func newInterior[K any, V any]() *node[K, V] {
	return &node[K, V]{isLeaf: false, mu: lockutil.New()}
}

// inBounds reports whether key falls within [lowKey, highKey) for nodes
// that have had bounds assigned (the root, before any split, has none).
func (n *node[K, V]) inBounds(cmp Comparator[K], key K) bool {
	if n.hasLow && cmp(key, n.lowKey) < 0 {
		return false
	}
	if n.hasHigh && cmp(key, n.highKey) >= 0 {
		return false
	}
	return true
}

// findKeyPosition returns the first index whose key is >= the search key.
func findKeyPosition[K any, V any](n *node[K, V], cmp Comparator[K], key K) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// findChildIndex returns which child subtree a key descends into.
// children[i] holds keys < keys[i]; children[i+1] holds keys >= keys[i].
func findChildIndex[K any, V any](n *node[K, V], cmp Comparator[K], key K) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func insertAt[T any](s []T, pos int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func deleteAt[T any](s []T, pos int) []T {
	copy(s[pos:], s[pos+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}

// splitLeaf splits a full leaf in half, returning the separator key for
// the new right node (the right node's first key, per B+Tree convention).
func splitLeaf[K any, V any](n *node[K, V]) (K, *node[K, V]) {
	mid := len(n.keys) / 2

	right := newLeaf[K, V]()
	right.keys = append(right.keys, n.keys[mid:]...)
	right.values = append(right.values, n.values[mid:]...)
	right.hasHigh, right.highKey = n.hasHigh, n.highKey
	right.hasLow, right.lowKey = true, right.keys[0]

	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	n.hasHigh, n.highKey = true, right.keys[0]

	return right.keys[0], right
}

// splitInterior splits a full interior node, promoting the median key
// rather than keeping it in either half.
func splitInterior[K any, V any](n *node[K, V]) (K, *node[K, V]) {
	mid := len(n.keys) / 2
	medianKey := n.keys[mid]

	right := newInterior[K, V]()
	right.keys = append(right.keys, n.keys[mid+1:]...)
	right.children = append(right.children, n.children[mid+1:]...)
	right.hasHigh, right.highKey = n.hasHigh, n.highKey
	right.hasLow, right.lowKey = true, medianKey

	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	n.hasHigh, n.highKey = true, medianKey

	return medianKey, right
}
