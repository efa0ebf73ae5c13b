// Package parkinglot is an address-keyed wait/wake primitive, the Go
// analogue of Facebook Folly's ParkingLot (and of WebKit's
// WTF::ParkingLot): a futex emulated on top of a fixed number of buckets,
// each guarding a doubly linked list of waiters with its own mutex and
// condition variable.
//
// park's toPark callback runs under the bucket lock, so it can check
// "should I actually sleep" state atomically with respect to concurrent
// unpark calls; preWait then runs after the bucket lock is released,
// letting callers release some other lock at exactly the right time.
package parkinglot

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const numBuckets = 4096

// ParkResult is the outcome of a call to Park.
type ParkResult int

const (
	// Skip means toPark returned false; the caller never slept.
	Skip ParkResult = iota
	// Unpark means some unpark call woke this waiter.
	Unpark
	// Timeout means the deadline elapsed before a wakeup arrived.
	Timeout
)

// UnparkControl tells Unpark what to do with the waiter whose data was
// just inspected.
type UnparkControl int

const (
	RetainContinue UnparkControl = iota
	RemoveContinue
	RetainBreak
	RemoveBreak
)

type waitNode[D any] struct {
	key   uint64
	lotID uint64
	data  D

	prev, next *waitNode[D]

	mu       sync.Mutex
	signaled bool
	done     chan struct{}
}

func newWaitNode[D any](key, lotID uint64, data D) *waitNode[D] {
	return &waitNode[D]{key: key, lotID: lotID, data: data, done: make(chan struct{})}
}

// wait blocks until woken or, if deadline is non-zero, until it elapses.
// Returns true if the deadline elapsed without a wakeup.
func (n *waitNode[D]) wait(clk clock.Clock, deadline time.Time) (timedOut bool) {
	if deadline.IsZero() {
		<-n.done
		return false
	}

	remaining := deadline.Sub(clk.Now())
	if remaining <= 0 {
		return true
	}

	timer := clk.Timer(remaining)
	defer timer.Stop()

	select {
	case <-n.done:
		return false
	case <-timer.C:
		return true
	}
}

// wake marks the node signaled and unblocks wait. Safe to call at most
// once; Unpark only ever calls it for a waiter it has just unlinked.
func (n *waitNode[D]) wake() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.signaled {
		n.signaled = true
		close(n.done)
	}
}

func (n *waitNode[D]) isSignaled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signaled
}

type bucket[D any] struct {
	mu         sync.Mutex
	head, tail *waitNode[D]
	count      atomic.Int64
}

func (b *bucket[D]) pushBack(n *waitNode[D]) {
	if b.tail != nil {
		n.prev = b.tail
		b.tail.next = n
		b.tail = n
	} else {
		b.head, b.tail = n, n
	}
}

func (b *bucket[D]) erase(n *waitNode[D]) {
	switch {
	case b.head == n && b.tail == n:
		b.head, b.tail = nil, nil
	case b.head == n:
		b.head = n.next
		b.head.prev = nil
	case b.tail == n:
		b.tail = n.prev
		b.tail.next = nil
	default:
		n.next.prev = n.prev
		n.prev.next = n.next
	}
	n.prev, n.next = nil, nil
	b.count.Add(-1)
}

var (
	buckets     [numBuckets]bucket[any]
	idAllocator atomic.Uint64
	seed        = maphash.MakeSeed()
)

func bucketIndex(key uint64) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(key >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64() % numBuckets
}

// ParkingLot provides park/unpark keyed on a caller-chosen uint64 (almost
// always a memory address reinterpreted as uint64). All ParkingLot[D]
// instances share the same fixed bucket array to bound memory overhead;
// the lot id distinguishes one ParkingLot's waiters from another's within
// a shared bucket.
type ParkingLot[D any] struct {
	lotID uint64
	clk   clock.Clock
}

// New creates a ParkingLot using the real wall clock.
func New[D any]() *ParkingLot[D] {
	return &ParkingLot[D]{lotID: idAllocator.Add(1), clk: clock.New()}
}

// NewWithClock creates a ParkingLot backed by an injectable clock, for
// deterministic timeout tests.
func NewWithClock[D any](clk clock.Clock) *ParkingLot[D] {
	return &ParkingLot[D]{lotID: idAllocator.Add(1), clk: clk}
}

// Park evaluates toPark under the bucket lock; if it returns false, Park
// returns Skip immediately. Otherwise a waiter carrying data is enqueued,
// the bucket lock is released, preWait runs, and the calling goroutine
// blocks until woken by a matching Unpark.
func (p *ParkingLot[D]) Park(key uint64, data D, toPark func() bool, preWait func()) ParkResult {
	return p.ParkUntil(key, data, toPark, preWait, time.Time{})
}

// ParkFor is Park with a relative timeout.
func (p *ParkingLot[D]) ParkFor(key uint64, data D, toPark func() bool, preWait func(), timeout time.Duration) ParkResult {
	return p.ParkUntil(key, data, toPark, preWait, p.clk.Now().Add(timeout))
}

// ParkUntil is Park with an absolute deadline; a zero deadline means wait
// forever.
func (p *ParkingLot[D]) ParkUntil(key uint64, data D, toPark func() bool, preWait func(), deadline time.Time) ParkResult {
	b := &buckets[bucketIndex(key)]

	node := newWaitNode[any](key, p.lotID, data)

	b.count.Add(1)

	b.mu.Lock()
	if !toPark() {
		b.mu.Unlock()
		b.count.Add(-1)
		return Skip
	}
	b.pushBack(node)
	b.mu.Unlock()

	if preWait != nil {
		preWait()
	}

	timedOut := node.wait(p.clk, deadline)

	if timedOut {
		b.mu.Lock()
		if !node.isSignaled() {
			b.erase(node)
			b.mu.Unlock()
			return Timeout
		}
		b.mu.Unlock()
	}

	return Unpark
}

// Unpark walks the bucket matching key, invoking selector(data) for every
// waiter registered by this ParkingLot under that key. A Remove* result
// unlinks and wakes that waiter; a *Break result stops the walk.
func (p *ParkingLot[D]) Unpark(key uint64, selector func(D) UnparkControl) {
	b := &buckets[bucketIndex(key)]

	if b.count.Load() == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for n := b.head; n != nil; {
		next := n.next

		if n.key == key && n.lotID == p.lotID {
			data, _ := n.data.(D)
			result := selector(data)

			if result == RemoveBreak || result == RemoveContinue {
				b.erase(n)
				n.wake()
			}

			if result == RemoveBreak || result == RetainBreak {
				return
			}
		}

		n = next
	}
}
