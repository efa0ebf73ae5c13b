// Package epoch implements epoch-based safe memory reclamation (EBR): a
// global epoch counter, a per-thread local epoch recording which global
// epoch a thread last observed on entry to a protected region, and a
// per-thread retire list of values that became unreachable during some
// epoch but cannot be finalized until every thread has moved past it.
//
// Go's garbage collector already reclaims memory, so this package isn't
// needed to avoid use-after-free on plain heap objects. What it orders is
// the reclaim function passed to New: that function runs on a retired
// value only after every in-flight reader has finished. The concurrent
// B+Tree and ART in this module pass a no-op reclaim function, so for
// them the manager only tracks when retired nodes become unreachable.
package epoch

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"cindex/internal/threadreg"
)

// Quiescent is the sentinel local-epoch value for a thread that is not
// currently inside a protected region.
const Quiescent = ^uint64(0)

// DefaultReclamationThreshold mirrors the source library's default: a
// thread's retire list is only scanned for reclaimable entries once it
// has accumulated this many pending retirees.
const DefaultReclamationThreshold = 1000

type paddedEpoch struct {
	v atomic.Uint64
	_ cpu.CacheLinePad
}

type retiree[T any] struct {
	epoch uint64
	value T
}

type paddedRetireList[T any] struct {
	mu    sync.Mutex
	items []retiree[T]
	_     cpu.CacheLinePad
}

// Manager is an epoch-based reclaimer for values of type T. The zero
// value is not usable; construct with New.
type Manager[T any] struct {
	global       atomic.Uint64
	local        [threadreg.MaxThreads]paddedEpoch
	retireLists  [threadreg.MaxThreads]paddedRetireList[T]
	threshold    atomic.Int64
	reclaimFn    func(T)
}

// New creates a Manager that calls reclaimFn on each retired value once
// it is safe to do so (no thread can still be observing it).
func New[T any](reclaimFn func(T)) *Manager[T] {
	m := &Manager[T]{reclaimFn: reclaimFn}
	for i := range m.local {
		m.local[i].v.Store(Quiescent)
	}
	m.threshold.Store(DefaultReclamationThreshold)
	m.global.Store(0)
	return m
}

// SetReclamationThreshold changes how many pending retirees accumulate on
// a thread's list before a retire call runs DoReclaim on it. A direct
// DoReclaim call always scans, whatever the list length.
func (m *Manager[T]) SetReclamationThreshold(n int) {
	m.threshold.Store(int64(n))
}

// Now returns the current global epoch.
func (m *Manager[T]) Now() uint64 {
	return m.global.Load()
}

// MyEpoch returns h's recorded local epoch, or Quiescent if h is not
// currently inside a protected region.
func (m *Manager[T]) MyEpoch(h *threadreg.Handle) uint64 {
	return m.local[h.ID()].v.Load()
}

// Enter marks h as entering a protected region at the current global
// epoch. Every Enter must be paired with a later Exit.
func (m *Manager[T]) Enter(h *threadreg.Handle) {
	m.local[h.ID()].v.Store(m.global.Load())
}

// Exit marks h as having left its protected region.
func (m *Manager[T]) Exit(h *threadreg.Handle) {
	m.local[h.ID()].v.Store(Quiescent)
}

// Guard calls Enter, runs fn, then calls Exit, mirroring the RAII guard
// idiom of the source's EpochGuard.
func (m *Manager[T]) Guard(h *threadreg.Handle, fn func()) {
	m.Enter(h)
	defer m.Exit(h)
	fn()
}

// SwitchEpoch advances the global epoch by one and returns the new value.
// Callers that made a structural change visible should call this so that
// readers who observed the old structure can be distinguished from ones
// who will observe the new one.
func (m *Manager[T]) SwitchEpoch() uint64 {
	return m.global.Add(1)
}

// RetireInCurrentEpoch queues value for reclamation once every thread has
// advanced past the current global epoch.
func (m *Manager[T]) RetireInCurrentEpoch(h *threadreg.Handle, value T) {
	m.retire(h, m.global.Load(), value)
}

// RetireInNewEpoch advances the global epoch and queues value for
// reclamation once every thread has advanced past the new epoch.
func (m *Manager[T]) RetireInNewEpoch(h *threadreg.Handle, value T) {
	m.retire(h, m.SwitchEpoch(), value)
}

func (m *Manager[T]) retire(h *threadreg.Handle, epoch uint64, value T) {
	list := &m.retireLists[h.ID()]
	list.mu.Lock()
	list.items = append(list.items, retiree[T]{epoch: epoch, value: value})
	shouldScan := len(list.items) >= int(m.threshold.Load())
	list.mu.Unlock()

	if shouldScan {
		m.DoReclaim(h)
	}
}

// minLocalEpoch computes the minimum local epoch across every registered
// thread, treating Quiescent threads as not bounding reclamation.
func (m *Manager[T]) minLocalEpoch() (min uint64, any bool) {
	min = Quiescent
	for i := range m.local {
		e := m.local[i].v.Load()
		if e == Quiescent {
			continue
		}
		any = true
		if e < min {
			min = e
		}
	}
	return min, any
}

// DoReclaim scans h's own retire list and finalizes every entry retired
// at an epoch strictly older than the minimum epoch any thread is
// currently observing.
func (m *Manager[T]) DoReclaim(h *threadreg.Handle) {
	m.reclaimList(&m.retireLists[h.ID()])
}

// ReclaimAll scans every thread's retire list. Intended for use when a
// Manager is being torn down, or periodically by a maintenance goroutine.
func (m *Manager[T]) ReclaimAll() {
	for i := range m.retireLists {
		m.reclaimList(&m.retireLists[i])
	}
}

func (m *Manager[T]) reclaimList(list *paddedRetireList[T]) {
	safeEpoch, anyActive := m.minLocalEpoch()

	list.mu.Lock()
	if len(list.items) == 0 {
		list.mu.Unlock()
		return
	}

	var kept []retiree[T]
	var reclaimable []T
	for _, r := range list.items {
		if anyActive && r.epoch >= safeEpoch {
			kept = append(kept, r)
			continue
		}
		reclaimable = append(reclaimable, r.value)
	}
	list.items = kept
	list.mu.Unlock()

	if m.reclaimFn == nil {
		return
	}
	for _, v := range reclaimable {
		m.reclaimFn(v)
	}
}
