package bptree

import (
	"cmp"
	"sync/atomic"

	"cindex/internal/epoch"
	"cindex/internal/lockutil"
	"cindex/internal/logging"
	"cindex/internal/threadreg"
)

const maxOptimisticRetries = 4

// ConcurrentStats mirrors Stats with atomic-safe accessors, since several
// goroutines may be reading it while others mutate the tree.
type ConcurrentStats struct {
	KeyCount    int64
	NodeCount   int64
	Height      int64
	InsertCount int64
	UpdateCount int64
	DeleteCount int64
	SearchCount int64
	SplitCount  int64
	MergeCount  int64
}

// ConcurrentBTree is the concurrent B+Tree: readers descend optimistically,
// validating each node's version before trusting what they read from it
// and falling back to that node's own mutex when a version changes out
// from under them; writers always take each node's mutex before mutating
// it, in root-to-leaf order, so a reader that does fall back to locking
// never races a writer on the same node.
//
// Every call that touches the tree takes a *threadreg.Handle, the
// substitute for the thread-local slot the source library keeps per OS
// thread: callers obtain one with NewHandle and reuse it for the
// lifetime of the goroutine that registered it.
type ConcurrentBTree[K any, V any] struct {
	root     atomic.Pointer[node[K, V]]
	cmp      Comparator[K]
	nodeSize int

	em *epoch.Manager[*node[K, V]]

	writeMu *lockutil.Mutex

	keyCount    atomic.Int64
	nodeCount   atomic.Int64
	height      atomic.Int64
	insertCount atomic.Int64
	updateCount atomic.Int64
	deleteCount atomic.Int64
	searchCount atomic.Int64
	splitCount  atomic.Int64
	mergeCount  atomic.Int64

	closed atomic.Bool
}

var bptreeLog = logging.Component("bptree")

// NewConcurrent creates a concurrent B+Tree using cmp to order keys and
// nodeSize as the maximum keys per node before a split.
func NewConcurrent[K any, V any](cmp Comparator[K], nodeSize int) *ConcurrentBTree[K, V] {
	if nodeSize < MinNodeSize {
		nodeSize = DefaultNodeSize
	}
	t := &ConcurrentBTree[K, V]{
		cmp:      cmp,
		nodeSize: nodeSize,
		writeMu:  lockutil.New(),
	}
	t.em = epoch.New[*node[K, V]](func(*node[K, V]) {})
	t.root.Store(newLeaf[K, V]())
	t.nodeCount.Store(1)
	t.height.Store(1)
	return t
}

// NewConcurrentOrdered creates a concurrent B+Tree over a cmp.Ordered key
// type using the standard library's cmp.Compare.
func NewConcurrentOrdered[K cmp.Ordered, V any](nodeSize int) *ConcurrentBTree[K, V] {
	return NewConcurrent[K, V](cmp.Compare[K], nodeSize)
}

// NewHandle registers the calling goroutine with the shared thread
// registry. The returned handle must be presented to every subsequent
// call this goroutine makes against any concurrent index in this module.
func NewHandle() (*threadreg.Handle, error) {
	h, ok := threadreg.Default().Register()
	if !ok {
		return nil, ErrRegistryExhausted
	}
	return h, nil
}

// ReleaseHandle unregisters a handle obtained from NewHandle.
func ReleaseHandle(h *threadreg.Handle) {
	threadreg.Default().Unregister(h)
}

func (t *ConcurrentBTree[K, V]) Height() int64 { return t.height.Load() }

func (t *ConcurrentBTree[K, V]) Stats() ConcurrentStats {
	return ConcurrentStats{
		KeyCount:    t.keyCount.Load(),
		NodeCount:   t.nodeCount.Load(),
		Height:      t.height.Load(),
		InsertCount: t.insertCount.Load(),
		UpdateCount: t.updateCount.Load(),
		DeleteCount: t.deleteCount.Load(),
		SearchCount: t.searchCount.Load(),
		SplitCount:  t.splitCount.Load(),
		MergeCount:  t.mergeCount.Load(),
	}
}

// Search looks up key, first attempting a lock-free descent guided by
// per-node version numbers and falling back to locking a node directly
// if it observes that node change mid-read.
func (t *ConcurrentBTree[K, V]) Search(h *threadreg.Handle, key K) (V, error) {
	t.searchCount.Add(1)
	t.em.Enter(h)
	defer t.em.Exit(h)

	var zero V
	n := t.root.Load()

	for !n.isLeaf {
		var next *node[K, V]
		ok := false
		for retry := 0; retry < maxOptimisticRetries && !ok; retry++ {
			next, ok = t.readChildOptimistic(n, key)
		}
		if !ok {
			next = t.readChildLocked(h, n, key)
		}
		n = next
	}

	var v V
	var found, ok bool
	for retry := 0; retry < maxOptimisticRetries && !ok; retry++ {
		v, found, ok = t.readLeafOptimistic(n, key)
	}
	if !ok {
		v, found = t.readLeafLocked(h, n, key)
	}
	if !found {
		return zero, ErrKeyNotFound
	}
	return v, nil
}

func (t *ConcurrentBTree[K, V]) readChildOptimistic(n *node[K, V], key K) (*node[K, V], bool) {
	v1 := n.version.Load()
	if n.deleted.Load() {
		return nil, false
	}
	idx := findChildIndex(n, t.cmp, key)
	if idx >= len(n.children) {
		return nil, false
	}
	child := n.children[idx]
	v2 := n.version.Load()
	return child, v1 == v2
}

func (t *ConcurrentBTree[K, V]) readChildLocked(h *threadreg.Handle, n *node[K, V], key K) *node[K, V] {
	n.mu.Lock(h)
	defer n.mu.Unlock()
	idx := findChildIndex(n, t.cmp, key)
	return n.children[idx]
}

func (t *ConcurrentBTree[K, V]) readLeafOptimistic(n *node[K, V], key K) (V, bool, bool) {
	var zero V
	v1 := n.version.Load()
	if n.deleted.Load() {
		return zero, false, false
	}
	pos := findKeyPosition(n, t.cmp, key)
	found := pos < len(n.keys) && t.cmp(n.keys[pos], key) == 0
	var val V
	if found {
		val = n.values[pos]
	}
	v2 := n.version.Load()
	return val, found, v1 == v2
}

func (t *ConcurrentBTree[K, V]) readLeafLocked(h *threadreg.Handle, n *node[K, V], key K) (V, bool) {
	n.mu.Lock(h)
	defer n.mu.Unlock()
	var zero V
	pos := findKeyPosition(n, t.cmp, key)
	if pos < len(n.keys) && t.cmp(n.keys[pos], key) == 0 {
		return n.values[pos], true
	}
	return zero, false
}

// Insert adds key/value, failing with ErrKeyExists if key is present.
// The presence check and the mutation happen under the same writeMu
// critical section, so a concurrent Insert of the same absent key can
// never have both calls observe "not found" and both proceed to write.
func (t *ConcurrentBTree[K, V]) Insert(h *threadreg.Handle, key K, value V) error {
	t.writeMu.Lock(h)
	defer t.writeMu.Unlock()

	if t.existsLocked(key) {
		return ErrKeyExists
	}
	t.upsertLocked(h, key, value)
	t.insertCount.Add(1)
	return nil
}

// Upsert inserts key/value, overwriting any existing value for key.
func (t *ConcurrentBTree[K, V]) Upsert(h *threadreg.Handle, key K, value V) {
	t.writeMu.Lock(h)
	defer t.writeMu.Unlock()
	t.upsertLocked(h, key, value)
}

// Update overwrites the value for an existing key, failing with
// ErrKeyNotFound if key is absent. The presence check and the mutation
// happen under the same writeMu critical section as Insert, so a
// concurrent Delete of key can't slip in between the check and the
// write and have Update resurrect a deleted key.
func (t *ConcurrentBTree[K, V]) Update(h *threadreg.Handle, key K, value V) error {
	t.writeMu.Lock(h)
	defer t.writeMu.Unlock()

	if !t.existsLocked(key) {
		return ErrKeyNotFound
	}
	t.upsertLocked(h, key, value)
	t.updateCount.Add(1)
	return nil
}

// existsLocked reports whether key is present. Caller must hold writeMu:
// that already excludes every other writer, so a plain pointer descent
// without per-node locking is safe - only a concurrent optimistic reader
// might be looking at the same nodes, and this never mutates them.
func (t *ConcurrentBTree[K, V]) existsLocked(key K) bool {
	n := t.root.Load()
	for !n.isLeaf {
		n = n.children[findChildIndex(n, t.cmp, key)]
	}
	pos := findKeyPosition(n, t.cmp, key)
	return pos < len(n.keys) && t.cmp(n.keys[pos], key) == 0
}

// upsertLocked performs the actual insert-or-overwrite. Caller must hold
// writeMu; it then locks each node it touches so that optimistic readers
// who fall back to a lock never observe a half-updated node.
func (t *ConcurrentBTree[K, V]) upsertLocked(h *threadreg.Handle, key K, value V) {
	root := t.root.Load()
	newRight, promoted, grew := t.insertRecursive(h, root, key, value)
	if newRight != nil {
		newRoot := newInterior[K, V]()
		newRoot.keys = []K{promoted}
		newRoot.children = []*node[K, V]{root, newRight}
		t.root.Store(newRoot)
		t.nodeCount.Add(1)
		t.height.Add(1)
	}
	if grew {
		t.keyCount.Add(1)
	}
}

func (t *ConcurrentBTree[K, V]) insertRecursive(h *threadreg.Handle, n *node[K, V], key K, value V) (*node[K, V], K, bool) {
	n.mu.Lock(h)
	defer n.mu.Unlock()

	if n.isLeaf {
		pos := findKeyPosition(n, t.cmp, key)
		grew := !(pos < len(n.keys) && t.cmp(n.keys[pos], key) == 0)
		if grew {
			n.keys = insertAt(n.keys, pos, key)
			n.values = insertAt(n.values, pos, value)
		} else {
			n.values[pos] = value
		}
		n.version.Add(1)

		if len(n.keys) <= t.nodeSize {
			var zero K
			return nil, zero, grew
		}
		promoted, right := splitLeaf(n)
		n.version.Add(1)
		t.splitCount.Add(1)
		t.nodeCount.Add(1)
		return right, promoted, grew
	}

	idx := findChildIndex(n, t.cmp, key)
	child := n.children[idx]
	childRight, childPromoted, grew := t.insertRecursive(h, child, key, value)
	if childRight == nil {
		var zero K
		return nil, zero, grew
	}

	n.keys = insertAt(n.keys, idx, childPromoted)
	n.children = insertAt(n.children, idx+1, childRight)
	n.version.Add(1)

	if len(n.keys) <= t.nodeSize {
		var zero K
		return nil, zero, grew
	}
	promoted, right := splitInterior(n)
	n.version.Add(1)
	t.splitCount.Add(1)
	t.nodeCount.Add(1)
	return right, promoted, grew
}

// Delete removes key, failing with ErrKeyNotFound if absent.
func (t *ConcurrentBTree[K, V]) Delete(h *threadreg.Handle, key K) error {
	t.writeMu.Lock(h)
	defer t.writeMu.Unlock()

	root := t.root.Load()
	found, _ := t.deleteRecursive(h, root, key, true)
	if !found {
		return ErrKeyNotFound
	}
	t.deleteCount.Add(1)
	t.keyCount.Add(-1)

	root.mu.Lock(h)
	collapse := !root.isLeaf && len(root.keys) == 0
	var onlyChild *node[K, V]
	if collapse {
		onlyChild = root.children[0]
	}
	root.mu.Unlock()

	if collapse {
		t.root.Store(onlyChild)
		t.height.Add(-1)
		t.em.RetireInNewEpoch(h, root)
	}
	return nil
}

func (t *ConcurrentBTree[K, V]) deleteRecursive(h *threadreg.Handle, n *node[K, V], key K, isRoot bool) (found, underflowed bool) {
	n.mu.Lock(h)

	if n.isLeaf {
		pos := findKeyPosition(n, t.cmp, key)
		if pos >= len(n.keys) || t.cmp(n.keys[pos], key) != 0 {
			n.mu.Unlock()
			return false, false
		}
		n.keys = deleteAt(n.keys, pos)
		n.values = deleteAt(n.values, pos)
		n.version.Add(1)
		underflow := !isRoot && len(n.keys) < t.minKeys()
		n.mu.Unlock()
		return true, underflow
	}

	idx := findChildIndex(n, t.cmp, key)
	child := n.children[idx]
	n.mu.Unlock() // descend before recursing; writeMu still serializes all writers

	found, childUnderflowed := t.deleteRecursive(h, child, key, false)
	if !found {
		return false, false
	}

	n.mu.Lock(h)
	if childUnderflowed {
		t.rebalance(h, n, idx)
	}
	underflow := !isRoot && len(n.keys) < t.minKeys()
	n.mu.Unlock()

	return true, underflow
}

func (t *ConcurrentBTree[K, V]) minKeys() int {
	return (t.nodeSize + 1) / 2
}

// rebalance is always called with n already locked by the caller. The two
// children it touches are siblings reachable only through n (no other
// path holds a reference to them without first locking n), so locking
// each sibling here before mutating it is sufficient to keep a
// concurrent locked reader of that sibling from observing a half-written
// node.
func (t *ConcurrentBTree[K, V]) rebalance(h *threadreg.Handle, n *node[K, V], idx int) {
	if idx > 0 && len(n.children[idx-1].keys) > t.minKeys() {
		t.borrowFromLeft(h, n, idx)
		return
	}
	if idx < len(n.children)-1 && len(n.children[idx+1].keys) > t.minKeys() {
		t.borrowFromRight(h, n, idx)
		return
	}

	if idx > 0 {
		t.mergeChildren(h, n, idx-1)
	} else {
		t.mergeChildren(h, n, idx)
	}
}

func (t *ConcurrentBTree[K, V]) borrowFromLeft(h *threadreg.Handle, n *node[K, V], idx int) {
	left, child := n.children[idx-1], n.children[idx]
	left.mu.Lock(h)
	defer left.mu.Unlock()
	child.mu.Lock(h)
	defer child.mu.Unlock()

	if child.isLeaf {
		borrowedKey := left.keys[len(left.keys)-1]
		borrowedVal := left.values[len(left.values)-1]
		left.keys, left.values = left.keys[:len(left.keys)-1], left.values[:len(left.values)-1]

		child.keys = insertAt(child.keys, 0, borrowedKey)
		child.values = insertAt(child.values, 0, borrowedVal)
		child.hasLow, child.lowKey = true, borrowedKey
		n.keys[idx-1] = borrowedKey
		left.hasHigh, left.highKey = true, borrowedKey
	} else {
		borrowedKey := left.keys[len(left.keys)-1]
		borrowedChild := left.children[len(left.children)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.children = left.children[:len(left.children)-1]

		child.keys = insertAt(child.keys, 0, n.keys[idx-1])
		child.children = insertAt(child.children, 0, borrowedChild)
		n.keys[idx-1] = borrowedKey
	}
	left.version.Add(1)
	child.version.Add(1)
}

func (t *ConcurrentBTree[K, V]) borrowFromRight(h *threadreg.Handle, n *node[K, V], idx int) {
	child, right := n.children[idx], n.children[idx+1]
	child.mu.Lock(h)
	defer child.mu.Unlock()
	right.mu.Lock(h)
	defer right.mu.Unlock()

	if child.isLeaf {
		borrowedKey := right.keys[0]
		borrowedVal := right.values[0]
		right.keys, right.values = right.keys[1:], right.values[1:]

		child.keys = append(child.keys, borrowedKey)
		child.values = append(child.values, borrowedVal)
		if len(right.keys) > 0 {
			child.hasHigh, child.highKey = true, right.keys[0]
			n.keys[idx] = right.keys[0]
		}
	} else {
		borrowedKey := right.keys[0]
		borrowedChild := right.children[0]
		right.keys = right.keys[1:]
		right.children = right.children[1:]

		child.keys = append(child.keys, n.keys[idx])
		child.children = append(child.children, borrowedChild)
		n.keys[idx] = borrowedKey
	}
	right.version.Add(1)
	child.version.Add(1)
}

func (t *ConcurrentBTree[K, V]) mergeChildren(h *threadreg.Handle, n *node[K, V], idx int) {
	left, right := n.children[idx], n.children[idx+1]
	left.mu.Lock(h)
	defer left.mu.Unlock()
	right.mu.Lock(h)
	defer right.mu.Unlock()

	if left.isLeaf {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.hasHigh, left.highKey = right.hasHigh, right.highKey
	} else {
		left.keys = append(left.keys, n.keys[idx])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
		left.hasHigh, left.highKey = right.hasHigh, right.highKey
	}
	left.version.Add(1)
	right.deleted.Store(true)

	n.keys = deleteAt(n.keys, idx)
	n.children = deleteAt(n.children, idx+1)
	n.version.Add(1)

	t.mergeCount.Add(1)
	t.nodeCount.Add(-1)
	t.em.RetireInNewEpoch(h, right)
}

// Ascend calls fn for every key in [from, to) in ascending order under a
// single epoch guard, stopping early if fn returns false. A nil bound is
// unbounded on that side. Because there is no sibling chain, advancing to
// the next leaf re-descends from the root using the current leaf's high
// bound.
func (t *ConcurrentBTree[K, V]) Ascend(h *threadreg.Handle, from, to *K, fn func(K, V) bool) {
	t.em.Enter(h)
	defer t.em.Exit(h)

	n := t.descendTo(h, from)
	for n != nil {
		n.mu.Lock(h)
		keys := append([]K(nil), n.keys...)
		vals := append([]V(nil), n.values...)
		hasHigh, highKey := n.hasHigh, n.highKey
		n.mu.Unlock()

		for i, k := range keys {
			if from != nil && t.cmp(k, *from) < 0 {
				continue
			}
			if to != nil && t.cmp(k, *to) >= 0 {
				return
			}
			if !fn(k, vals[i]) {
				return
			}
		}
		if to != nil && hasHigh && t.cmp(highKey, *to) >= 0 {
			return
		}
		if !hasHigh {
			return
		}
		n = t.descendTo(h, &highKey)
	}
}

func (t *ConcurrentBTree[K, V]) descendTo(h *threadreg.Handle, key *K) *node[K, V] {
	n := t.root.Load()
	for !n.isLeaf {
		n.mu.Lock(h)
		var idx int
		if key != nil {
			idx = findChildIndex(n, t.cmp, *key)
		}
		child := n.children[idx]
		n.mu.Unlock()
		n = child
	}
	return n
}

// descendToLeft is descendTo's mirror for backward traversal: it takes
// the child left of key rather than right of it, and with a nil key
// takes the rightmost path instead of the leftmost one.
func (t *ConcurrentBTree[K, V]) descendToLeft(h *threadreg.Handle, key *K) *node[K, V] {
	n := t.root.Load()
	for !n.isLeaf {
		n.mu.Lock(h)
		idx := len(n.children) - 1
		if key != nil {
			idx = findKeyPosition(n, t.cmp, *key)
		}
		child := n.children[idx]
		n.mu.Unlock()
		n = child
	}
	return n
}

// LowerBound returns the first key >= key, if one exists.
func (t *ConcurrentBTree[K, V]) LowerBound(h *threadreg.Handle, key K) (K, V, bool) {
	var rk K
	var rv V
	found := false
	t.Ascend(h, &key, nil, func(k K, v V) bool {
		rk, rv, found = k, v, true
		return false
	})
	return rk, rv, found
}

// UpperBound returns the first key > key, if one exists.
func (t *ConcurrentBTree[K, V]) UpperBound(h *threadreg.Handle, key K) (K, V, bool) {
	var rk K
	var rv V
	found := false
	t.Ascend(h, &key, nil, func(k K, v V) bool {
		if t.cmp(k, key) == 0 {
			return true
		}
		rk, rv, found = k, v, true
		return false
	})
	return rk, rv, found
}

// Descend calls fn for every key in (to, from] in descending order under
// a single epoch guard, stopping early if fn returns false. A nil bound
// is unbounded on that side.
func (t *ConcurrentBTree[K, V]) Descend(h *threadreg.Handle, from, to *K, fn func(K, V) bool) {
	t.em.Enter(h)
	defer t.em.Exit(h)

	n := t.descendToLeft(h, from)
	for n != nil {
		n.mu.Lock(h)
		keys := append([]K(nil), n.keys...)
		vals := append([]V(nil), n.values...)
		hasLow, lowKey := n.hasLow, n.lowKey
		n.mu.Unlock()

		for i := len(keys) - 1; i >= 0; i-- {
			k := keys[i]
			if from != nil && t.cmp(k, *from) > 0 {
				continue
			}
			if to != nil && t.cmp(k, *to) <= 0 {
				return
			}
			if !fn(k, vals[i]) {
				return
			}
		}
		if to != nil && hasLow && t.cmp(lowKey, *to) <= 0 {
			return
		}
		if !hasLow {
			return
		}
		n = t.descendToLeft(h, &lowKey)
	}
}

// Close marks the tree closed and reclaims every retired node across
// every registered thread. Further calls after Close are not safe.
func (t *ConcurrentBTree[K, V]) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	bptreeLog.Debug().Int64("nodes", t.nodeCount.Load()).Msg("closing tree, reclaiming retired nodes")
	t.em.ReclaimAll()
}
