package hashmap

import (
	"sync/atomic"

	"cindex/internal/lockutil"
	"cindex/internal/threadreg"
)

// ErrRegistryExhausted is returned by NewHandle when the shared thread
// registry has no free slots left.
var ErrRegistryExhausted = errRegistryExhausted{}

type errRegistryExhausted struct{}

func (errRegistryExhausted) Error() string { return "hashmap: thread registry exhausted" }

// ConcurrentStats mirrors Stats with atomic-safe counters.
type ConcurrentStats struct {
	ValueCount     int64
	TombstoneCount int64
	Capacity       int64
	InsertCount    int64
	UpdateCount    int64
	DeleteCount    int64
	SearchCount    int64
	GrowCount      int64
}

type cslot[K any, V any] struct {
	hash    atomic.Uint64
	version atomic.Uint64
	key     K
	value   V
}

type ctable[K comparable, V any] struct {
	slots []cslot[K, V]
	mask  uint64
}

func newCtable[K comparable, V any](capacity int) *ctable[K, V] {
	return &ctable[K, V]{slots: make([]cslot[K, V], capacity), mask: uint64(capacity - 1)}
}

// migrateBatch is how many old-table slots a single writer call drains
// into the new table before doing its own work - small enough that no
// one caller pays for the whole rehash, large enough that migration
// finishes in a bounded number of writes rather than trickling forever.
const migrateBatch = 4

// ConcurrentMap is the concurrent hash table. Growth is cooperative: once
// the active table's load factor crosses maxLoadFactor, the writer that
// noticed allocates a fresh, larger table and publishes it as cur while
// keeping the old one reachable as old. Every subsequent write helps move
// a few entries from old into cur before doing its own insert/delete, so
// no single caller pays for rehashing the whole table, and reads consult
// both tables until old drains to nil.
//
// All mutation - a writer's own insert/delete and the migration helper
// work it does along the way - happens under a single tree-wide writeMu,
// the same pattern pkg/bptree.ConcurrentBTree and pkg/art.ConcurrentTree
// use for their structural writes. Reads take an optimistic, lock-free
// pass over a slot's fields guarded by a per-slot version counter, falling
// back to writeMu only if they observe the version change mid-read.
type ConcurrentMap[K comparable, V any] struct {
	cur atomic.Pointer[ctable[K, V]]
	old atomic.Pointer[ctable[K, V]]

	migrateCursor atomic.Int64
	writeMu       *lockutil.Mutex
	hasher        Hasher[K]

	valueCount     atomic.Int64
	tombstoneCount atomic.Int64
	insertCount    atomic.Int64
	updateCount    atomic.Int64
	deleteCount    atomic.Int64
	searchCount    atomic.Int64
	growCount      atomic.Int64
}

// NewConcurrent creates an empty concurrent hash table using hasher to
// hash keys.
func NewConcurrent[K comparable, V any](hasher Hasher[K]) *ConcurrentMap[K, V] {
	m := &ConcurrentMap[K, V]{writeMu: lockutil.New(), hasher: hasher}
	m.cur.Store(newCtable[K, V](defaultCapacity))
	return m
}

// NewHandle registers the calling goroutine with the shared thread
// registry, as pkg/bptree.NewHandle and pkg/art.NewHandle do.
func NewHandle() (*threadreg.Handle, error) {
	h, ok := threadreg.Default().Register()
	if !ok {
		return nil, ErrRegistryExhausted
	}
	return h, nil
}

func ReleaseHandle(h *threadreg.Handle) {
	threadreg.Default().Unregister(h)
}

func (m *ConcurrentMap[K, V]) Stats() ConcurrentStats {
	cur := m.cur.Load()
	return ConcurrentStats{
		ValueCount:     m.valueCount.Load(),
		TombstoneCount: m.tombstoneCount.Load(),
		Capacity:       int64(len(cur.slots)),
		InsertCount:    m.insertCount.Load(),
		UpdateCount:    m.updateCount.Load(),
		DeleteCount:    m.deleteCount.Load(),
		SearchCount:    m.searchCount.Load(),
		GrowCount:      m.growCount.Load(),
	}
}

// Search looks key up in the current table, then the table being
// migrated away from (if any), without taking writeMu: each slot read is
// an optimistic version-checked read that falls back to a writeMu-guarded
// re-read only if it raced a writer.
func (m *ConcurrentMap[K, V]) Search(h *threadreg.Handle, key K) (V, error) {
	m.searchCount.Add(1)
	hv := foldHash(m.hasher(key))

	if v, found := m.lookup(h, m.cur.Load(), hv, key); found {
		return v, nil
	}
	if old := m.old.Load(); old != nil {
		if v, found := m.lookup(h, old, hv, key); found {
			return v, nil
		}
	}
	var zero V
	return zero, ErrKeyNotFound
}

func (m *ConcurrentMap[K, V]) lookup(h *threadreg.Handle, tbl *ctable[K, V], hv uint64, key K) (V, bool) {
	start := hv & tbl.mask
	for i := uint64(0); i < maxProbeLen && i < uint64(len(tbl.slots)); i++ {
		idx := (start + i) & tbl.mask
		s := &tbl.slots[idx]

		v1 := s.version.Load()
		sHash := s.hash.Load()
		if sHash == hashEmpty {
			var zero V
			return zero, false
		}
		sKey, sVal := s.key, s.value
		v2 := s.version.Load()

		if v1 != v2 {
			// Raced a writer: fall back to a writeMu-guarded re-read of
			// just this slot.
			m.writeMu.Lock(h)
			sHash, sKey, sVal = s.hash.Load(), s.key, s.value
			m.writeMu.Unlock()
		}

		if sHash == hv && sKey == key {
			return sVal, true
		}
	}
	var zero V
	return zero, false
}

// Insert adds key/value, failing with ErrKeyExists if key is present.
// The presence check (against both the current table and, mid-migration,
// the old one) and the insert itself run under one writeMu critical
// section, so two concurrent Inserts of the same absent key can't both
// observe "not found" and both proceed to write.
func (m *ConcurrentMap[K, V]) Insert(h *threadreg.Handle, key K, value V) error {
	m.writeMu.Lock(h)
	defer m.writeMu.Unlock()

	m.helpMigrate(h)
	hv := foldHash(m.hasher(key))
	if _, found := m.findLocked(m.cur.Load(), hv, key); found {
		return ErrKeyExists
	}
	if old := m.old.Load(); old != nil {
		if _, found := m.findLocked(old, hv, key); found {
			return ErrKeyExists
		}
	}

	m.upsertLocked(h, key, value)
	m.insertCount.Add(1)
	return nil
}

func (m *ConcurrentMap[K, V]) Upsert(h *threadreg.Handle, key K, value V) {
	m.writeMu.Lock(h)
	defer m.writeMu.Unlock()
	m.upsertLocked(h, key, value)
}

func (m *ConcurrentMap[K, V]) Update(h *threadreg.Handle, key K, value V) error {
	m.writeMu.Lock(h)
	defer m.writeMu.Unlock()

	m.helpMigrate(h)
	tbl := m.cur.Load()
	hv := foldHash(m.hasher(key))
	idx, found := m.findLocked(tbl, hv, key)
	if !found {
		if old := m.old.Load(); old != nil {
			if oidx, ofound := m.findLocked(old, hv, key); ofound {
				old.slots[oidx].value = value
				old.slots[oidx].version.Add(1)
				m.updateCount.Add(1)
				return nil
			}
		}
		return ErrKeyNotFound
	}
	tbl.slots[idx].value = value
	tbl.slots[idx].version.Add(1)
	m.updateCount.Add(1)
	return nil
}

// upsertLocked performs the actual insert-or-overwrite. Caller must hold
// writeMu.
func (m *ConcurrentMap[K, V]) upsertLocked(h *threadreg.Handle, key K, value V) {
	m.helpMigrate(h)

	if m.loadFactorLocked() >= maxLoadFactor && m.old.Load() == nil {
		m.startMigrationLocked()
	}

	tbl := m.cur.Load()
	hv := foldHash(m.hasher(key))

	if m.writeLocked(tbl, hv, key, value) {
		return
	}

	// Every slot in cur is occupied or tombstoned with no match - finish
	// draining any migration already in progress first, since starting a
	// second one would overwrite the still-live old pointer and lose
	// whatever hasn't been moved over yet.
	if m.old.Load() != nil {
		m.helpMigrateAll(h)
	} else {
		m.startMigrationLocked()
	}
	tbl = m.cur.Load()
	if !m.writeLocked(tbl, hv, key, value) {
		m.startMigrationLocked()
		m.helpMigrateAll(h)
		m.writeLocked(m.cur.Load(), hv, key, value)
	}
}

// writeLocked writes key/value into tbl, returning false only if tbl has
// no room left for a new key (every slot occupied or tombstoned with no
// matching key) so the caller must grow.
func (m *ConcurrentMap[K, V]) writeLocked(tbl *ctable[K, V], hv uint64, key K, value V) bool {
	start := hv & tbl.mask
	firstTombstone := -1

	for i := uint64(0); i < uint64(len(tbl.slots)); i++ {
		idx := (start + i) & tbl.mask
		s := &tbl.slots[idx]
		sHash := s.hash.Load()

		if sHash == hv && s.key == key {
			s.value = value
			s.version.Add(1)
			return true
		}
		if sHash == hashTombstone && firstTombstone < 0 {
			firstTombstone = int(idx)
			continue
		}
		if sHash == hashEmpty {
			target := int(idx)
			if firstTombstone >= 0 {
				target = firstTombstone
				m.tombstoneCount.Add(-1)
			}
			ts := &tbl.slots[target]
			ts.key, ts.value = key, value
			ts.hash.Store(hv)
			ts.version.Add(1)
			m.valueCount.Add(1)
			return true
		}
	}
	return false
}

func (m *ConcurrentMap[K, V]) findLocked(tbl *ctable[K, V], hv uint64, key K) (int, bool) {
	start := hv & tbl.mask
	for i := uint64(0); i < uint64(len(tbl.slots)); i++ {
		idx := (start + i) & tbl.mask
		s := &tbl.slots[idx]
		sHash := s.hash.Load()
		if sHash == hashEmpty {
			return 0, false
		}
		if sHash == hv && s.key == key {
			return int(idx), true
		}
	}
	return 0, false
}

func (m *ConcurrentMap[K, V]) loadFactorLocked() float64 {
	tbl := m.cur.Load()
	return float64(m.valueCount.Load()+m.tombstoneCount.Load()) / float64(len(tbl.slots))
}

// LoadFactor returns the percentage of the current table's slots holding
// a live or tombstoned entry. valueCount/tombstoneCount/cur are all read
// through atomics, so this needs no writeMu.
func (m *ConcurrentMap[K, V]) LoadFactor() int {
	tbl := m.cur.Load()
	lf := float64(m.valueCount.Load()+m.tombstoneCount.Load()) / float64(len(tbl.slots))
	return int(lf * 100)
}

// startMigrationLocked allocates a table twice the size of cur, publishes
// it as the new cur, and demotes the previous cur to old so reads and
// migration helpers can still find entries not yet moved over. Caller
// must hold writeMu.
func (m *ConcurrentMap[K, V]) startMigrationLocked() {
	prev := m.cur.Load()
	next := newCtable[K, V](len(prev.slots) * 2)
	m.old.Store(prev)
	m.cur.Store(next)
	m.migrateCursor.Store(0)
	m.growCount.Add(1)
}

// helpMigrate drains up to migrateBatch slots from old into cur. Caller
// must hold writeMu.
func (m *ConcurrentMap[K, V]) helpMigrate(h *threadreg.Handle) {
	old := m.old.Load()
	if old == nil {
		return
	}
	m.drain(old, migrateBatch)
}

// helpMigrateAll drains every remaining slot from old, used when a write
// finds cur has no room and needs the migration finished immediately
// instead of a few slots at a time.
func (m *ConcurrentMap[K, V]) helpMigrateAll(h *threadreg.Handle) {
	old := m.old.Load()
	if old == nil {
		return
	}
	m.drain(old, len(old.slots))
}

func (m *ConcurrentMap[K, V]) drain(old *ctable[K, V], n int) {
	cur := m.cur.Load()
	for i := 0; i < n; i++ {
		idx := m.migrateCursor.Load()
		if int(idx) >= len(old.slots) {
			m.old.Store(nil)
			return
		}
		m.migrateCursor.Add(1)

		s := &old.slots[idx]
		if sHash := s.hash.Load(); sHash >= hashOccupiedMin {
			// The entry moves rather than being added, so the count that
			// writeLocked adds is taken back. An Upsert made during the
			// migration may already hold a newer value for this key in cur;
			// that value is kept.
			if _, found := m.findLocked(cur, sHash, s.key); !found {
				m.writeLocked(cur, sHash, s.key, s.value)
			}
			m.valueCount.Add(-1)
			s.hash.Store(hashTombstone)
			s.version.Add(1)
		} else if sHash == hashTombstone {
			// old is dropped once drained, so its tombstones stop counting.
			m.tombstoneCount.Add(-1)
		}
	}
	if int(m.migrateCursor.Load()) >= len(old.slots) {
		m.old.Store(nil)
	}
}

func (m *ConcurrentMap[K, V]) Delete(h *threadreg.Handle, key K) error {
	m.writeMu.Lock(h)
	defer m.writeMu.Unlock()

	m.helpMigrate(h)
	hv := foldHash(m.hasher(key))

	tbl := m.cur.Load()
	if idx, found := m.findLocked(tbl, hv, key); found {
		tbl.slots[idx].hash.Store(hashTombstone)
		tbl.slots[idx].version.Add(1)
		m.valueCount.Add(-1)
		m.tombstoneCount.Add(1)
		m.deleteCount.Add(1)
		return nil
	}
	if old := m.old.Load(); old != nil {
		if idx, found := m.findLocked(old, hv, key); found {
			old.slots[idx].hash.Store(hashTombstone)
			old.slots[idx].version.Add(1)
			m.valueCount.Add(-1)
			m.tombstoneCount.Add(1)
			m.deleteCount.Add(1)
			return nil
		}
	}
	return ErrKeyNotFound
}

// ForEach calls fn for every key/value pair across both the current and
// (if migration is in progress) the draining table, in unspecified order.
// Held writeMu for the whole scan: unlike Search's per-slot optimistic
// read, a full-table walk has no single version counter to fall back to,
// so it shares the mutex with writers for the duration instead.
func (m *ConcurrentMap[K, V]) ForEach(h *threadreg.Handle, fn func(K, V) bool) {
	m.writeMu.Lock(h)
	defer m.writeMu.Unlock()

	tbl := m.cur.Load()
	old := m.old.Load()

	for i := range tbl.slots {
		s := &tbl.slots[i]
		if s.hash.Load() >= hashOccupiedMin {
			if !fn(s.key, s.value) {
				return
			}
		}
	}
	if old == nil {
		return
	}
	for i := range old.slots {
		s := &old.slots[i]
		if s.hash.Load() >= hashOccupiedMin {
			if !fn(s.key, s.value) {
				return
			}
		}
	}
}
