// Package threadreg assigns dense, stable, bounded slot ids to participating
// threads (goroutines). The epoch manager and the mutex package index
// plain per-slot arrays by this id, which is what lets them avoid a hash
// map on their hot paths.
//
// Go has no portable, inspectable thread-local storage, so the registry
// returns an explicit Handle rather than stashing the id behind a
// goroutine-local lookup; callers thread the Handle through enter/exit
// epoch and lock calls the way a context.Context is threaded through a
// call chain. This is the idiomatic-Go substitute for the source's
// thread_local storage.
package threadreg

import (
	"container/heap"
	"sync"
)

// MaxThreads bounds the number of simultaneously registered threads.
// 2^16 mirrors the source library's default ceiling.
const MaxThreads = 1 << 16

// Handle is the token returned by Register. It carries the caller's dense
// slot id and must be presented to every subsequent call that needs it
// (epoch guards, mutex locks). A Handle must not be used concurrently by
// more than one goroutine, and must not be used after Unregister.
type Handle struct {
	id int
}

// ID returns the dense slot id in [0, MaxThreads).
func (h *Handle) ID() int {
	if h == nil {
		return -1
	}
	return h.id
}

type idHeap []int

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Registry maintains process-wide free/in-use thread id bookkeeping under
// a single mutex, plus the high watermark of in-use ids.
type Registry struct {
	mu        sync.Mutex
	free      idHeap
	inUse     map[int]struct{}
	maxInUse  int // -1 when nothing is registered
	nextFresh int // smallest id never yet handed out, used to grow free lazily
}

// NewRegistry creates an empty registry with capacity MaxThreads.
func NewRegistry() *Registry {
	return &Registry{
		inUse:    make(map[int]struct{}),
		maxInUse: -1,
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry shared by every concurrent
// index in this module, matching the source's single global thread
// registry used by all indexes.
func Default() *Registry { return defaultRegistry }

// Register allocates the smallest free id and returns a Handle bound to
// it. Returns ok=false only when MaxThreads ids are already in use.
func (r *Registry) Register() (h *Handle, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id int
	if len(r.free) > 0 {
		id = heap.Pop(&r.free).(int)
	} else if r.nextFresh < MaxThreads {
		id = r.nextFresh
		r.nextFresh++
	} else {
		return nil, false
	}

	r.inUse[id] = struct{}{}
	if id > r.maxInUse {
		r.maxInUse = id
	}

	return &Handle{id: id}, true
}

// Unregister releases h's id back to the free set and recomputes the
// high watermark.
func (r *Registry) Unregister(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, present := r.inUse[h.id]; !present {
		return
	}
	delete(r.inUse, h.id)
	heap.Push(&r.free, h.id)

	if h.id == r.maxInUse {
		r.maxInUse = -1
		for id := range r.inUse {
			if id > r.maxInUse {
				r.maxInUse = id
			}
		}
	}
}

// MaxThreadID returns the largest id currently in use, or -1 if no thread
// is registered. May be called without synchronizing with a concurrent
// Register/Unregister; the result is never larger than the true value at
// the moment of the call, but may be stale.
func (r *Registry) MaxThreadID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInUse
}

// NumRegisteredThreads returns the number of currently registered threads.
func (r *Registry) NumRegisteredThreads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inUse)
}
