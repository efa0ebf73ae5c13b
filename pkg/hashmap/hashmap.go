// Package hashmap implements an open-addressed hash table associative
// index, in both a single-threaded form (Map) and a concurrent form
// (ConcurrentMap) that grows via cooperative migration: once the load
// factor crosses its threshold, writers copy a few entries from the old,
// smaller table into the new one on every call until the old table is
// drained, instead of one writer stopping the world to rehash everything.
//
// Slots use two reserved hash sentinels, EMPTY and TOMBSTONE, instead of
// a separate per-slot state byte, so empty-slot and deleted-slot checks
// are a single integer comparison - the idiomatic-Go equivalent of the
// source library's packed state bits.
package hashmap

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrKeyNotFound is returned by Search, Update, and Delete when the
	// requested key isn't present.
	ErrKeyNotFound = errors.New("hashmap: key not found")
	// ErrKeyExists is returned by Insert (not Upsert) when the key is
	// already present.
	ErrKeyExists = errors.New("hashmap: key already exists")
)

const (
	hashEmpty     uint64 = 0
	hashTombstone uint64 = 1
	// hashOccupiedMin is the smallest hash value treated as "a real,
	// occupied slot": real hashes that collide with the two sentinels
	// are folded up into this range.
	hashOccupiedMin uint64 = 2
)

// Hasher computes a key's hash. Maps over built-in key types get one
// for free: StringHasher, Uint64Hasher, BytesHasher.
type Hasher[K any] func(K) uint64

// StringHasher hashes string keys with xxhash.
func StringHasher() Hasher[string] {
	return func(s string) uint64 { return foldHash(xxhash.Sum64String(s)) }
}

// BytesHasher hashes []byte keys with xxhash.
func BytesHasher() Hasher[[]byte] {
	return func(b []byte) uint64 { return foldHash(xxhash.Sum64(b)) }
}

// Uint64Hasher hashes uint64 keys by feeding their 8 big-endian bytes to
// xxhash, giving good avalanche behavior even for sequential keys.
func Uint64Hasher() Hasher[uint64] {
	return func(k uint64) uint64 {
		var b [8]byte
		for i := 7; i >= 0; i-- {
			b[i] = byte(k)
			k >>= 8
		}
		return foldHash(xxhash.Sum64(b[:]))
	}
}

func foldHash(h uint64) uint64 {
	if h < hashOccupiedMin {
		return h + hashOccupiedMin
	}
	return h
}

const (
	defaultCapacity = 16
	maxLoadFactor   = 0.75
	// maxProbeLen bounds how many slots a lookup scans past the ideal
	// bucket before concluding the key isn't present in this table;
	// insert uses the same bound to decide when it must grow instead of
	// probing further.
	maxProbeLen = 16
)

type slot[K any, V any] struct {
	hash  uint64
	key   K
	value V
}

func (s *slot[K, V]) empty() bool     { return s.hash == hashEmpty }
func (s *slot[K, V]) tombstone() bool { return s.hash == hashTombstone }
func (s *slot[K, V]) occupied() bool  { return s.hash >= hashOccupiedMin }

// Stats is a point-in-time snapshot of table activity.
type Stats struct {
	ValueCount     int64
	TombstoneCount int64
	Capacity       int64
	InsertCount    int64
	UpdateCount    int64
	DeleteCount    int64
	SearchCount    int64
	GrowCount      int64
}

// Map is the single-threaded reference hash table implementation.
type Map[K comparable, V any] struct {
	slots  []slot[K, V]
	hasher Hasher[K]
	stats  Stats
}

// New creates a single-threaded hash table using hasher to hash keys.
func New[K comparable, V any](hasher Hasher[K]) *Map[K, V] {
	return &Map[K, V]{
		slots:  make([]slot[K, V], defaultCapacity),
		hasher: hasher,
		stats:  Stats{Capacity: defaultCapacity},
	}
}

func (m *Map[K, V]) Stats() Stats { return m.stats }

// Search returns the value stored for key, or ErrKeyNotFound.
func (m *Map[K, V]) Search(key K) (V, error) {
	m.stats.SearchCount++
	var zero V

	idx, found := m.find(key)
	if !found {
		return zero, ErrKeyNotFound
	}
	return m.slots[idx].value, nil
}

// find returns the slot index holding key, and whether it was found.
func (m *Map[K, V]) find(key K) (int, bool) {
	mask := uint64(len(m.slots) - 1)
	h := foldHash(m.hasher(key))
	start := h & mask

	for i := uint64(0); i < maxProbeLen && i < uint64(len(m.slots)); i++ {
		idx := (start + i) & mask
		s := &m.slots[idx]
		if s.empty() {
			return 0, false
		}
		if s.occupied() && s.hash == h && s.key == key {
			return int(idx), true
		}
	}
	return 0, false
}

func (m *Map[K, V]) Insert(key K, value V) error {
	if _, found := m.find(key); found {
		return ErrKeyExists
	}
	m.upsert(key, value)
	m.stats.InsertCount++
	return nil
}

func (m *Map[K, V]) Upsert(key K, value V) {
	m.upsert(key, value)
}

func (m *Map[K, V]) Update(key K, value V) error {
	idx, found := m.find(key)
	if !found {
		return ErrKeyNotFound
	}
	m.slots[idx].value = value
	m.stats.UpdateCount++
	return nil
}

func (m *Map[K, V]) upsert(key K, value V) {
	if m.loadFactor() >= maxLoadFactor {
		m.grow()
	}

	mask := uint64(len(m.slots) - 1)
	h := foldHash(m.hasher(key))
	start := h & mask

	firstTombstone := -1
	for i := uint64(0); i < uint64(len(m.slots)); i++ {
		idx := (start + i) & mask
		s := &m.slots[idx]

		if s.occupied() && s.hash == h && s.key == key {
			s.value = value
			return
		}
		if s.tombstone() && firstTombstone < 0 {
			firstTombstone = int(idx)
			continue
		}
		if s.empty() {
			target := int(idx)
			if firstTombstone >= 0 {
				target = firstTombstone
				m.stats.TombstoneCount--
			}
			m.slots[target] = slot[K, V]{hash: h, key: key, value: value}
			m.stats.ValueCount++
			return
		}
	}

	// Table is full of occupied/tombstone slots with no match: grow and
	// retry, which always succeeds since growth halves the load factor.
	m.grow()
	m.upsert(key, value)
}

func (m *Map[K, V]) loadFactor() float64 {
	return float64(m.stats.ValueCount+m.stats.TombstoneCount) / float64(len(m.slots))
}

// LoadFactor returns the percentage of slots currently holding a live or
// tombstoned entry.
func (m *Map[K, V]) LoadFactor() int {
	return int(m.loadFactor() * 100)
}

func (m *Map[K, V]) grow() {
	old := m.slots
	m.slots = make([]slot[K, V], len(old)*2)
	m.stats.Capacity = int64(len(m.slots))
	m.stats.ValueCount, m.stats.TombstoneCount = 0, 0
	m.stats.GrowCount++

	for _, s := range old {
		if s.occupied() {
			m.rawInsert(s.hash, s.key, s.value)
		}
	}
}

// rawInsert places a key/value pair known not to be present yet,
// without touching stats other than ValueCount - used only while
// rehashing, where every source slot is already known-occupied.
func (m *Map[K, V]) rawInsert(hash uint64, key K, value V) {
	mask := uint64(len(m.slots) - 1)
	start := hash & mask
	for i := uint64(0); i < uint64(len(m.slots)); i++ {
		idx := (start + i) & mask
		if m.slots[idx].empty() {
			m.slots[idx] = slot[K, V]{hash: hash, key: key, value: value}
			m.stats.ValueCount++
			return
		}
	}
}

func (m *Map[K, V]) Delete(key K) error {
	idx, found := m.find(key)
	if !found {
		return ErrKeyNotFound
	}
	m.slots[idx] = slot[K, V]{hash: hashTombstone}
	m.stats.ValueCount--
	m.stats.TombstoneCount++
	m.stats.DeleteCount++
	return nil
}

// ForEach calls fn for every key/value pair in unspecified order, stopping
// early if fn returns false. Hash tables have no intrinsic ordering, so
// unlike bptree.Ascend and art.Ascend there's no Ascend here.
func (m *Map[K, V]) ForEach(fn func(K, V) bool) {
	for i := range m.slots {
		s := &m.slots[i]
		if s.occupied() {
			if !fn(s.key, s.value) {
				return
			}
		}
	}
}
