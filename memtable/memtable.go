// Package memtable provides the engine's in-memory, ordered key index: a
// skip list paired with a Bloom filter, the unit that is sealed, flushed to
// an SST, and replaced once it crosses its capacity threshold.
package memtable

import (
	"errors"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashkv/lsmkv/types"
)

var (
	// ErrKeyNotInMemtable is returned by Update (and, before Bloom gating
	// was relaxed, by Delete) when the Bloom filter proves the key was
	// never written to this memtable.
	ErrKeyNotInMemtable = errors.New("memtable: key not present")
	// ErrBiggestKeyIndexError mirrors the source's BiggestKeyIndexError:
	// Biggest was called against an empty memtable.
	ErrBiggestKeyIndexError = errors.New("memtable: no biggest key, memtable is empty")
	// ErrSealed is returned by mutating calls against a memtable that has
	// already been sealed for flush.
	ErrSealed = errors.New("memtable: sealed, read-only")
)

// entryOverhead is the fixed number of bytes accounted toward a memtable's
// size for every entry on top of its key length: 4 + 8 + 1 = 13.
const entryOverhead = 4 + 8 + 1

// IndexValue is what the skip list actually stores per key: a pointer into
// the value log plus enough metadata to answer Get without touching disk.
type IndexValue struct {
	Offset      uint64
	CreatedAt   uint64
	IsTombstone bool
}

// Memtable is a size-bounded, Bloom-gated ordered index. Zero value is not
// usable; construct with New.
type Memtable struct {
	mu       sync.RWMutex
	list     *skipList
	bloom    *bloom.BloomFilter
	size     int
	capacity int
	sealed   bool

	// Hotness counts successful lookups against this memtable. The
	// engine's Bloom-filter reorder uses sst.Table.Hotness, not this field.
	Hotness uint64
}

// New creates an empty memtable sized to capacity bytes, with a Bloom
// filter built for expectedKeys entries at the given false-positive rate.
func New(capacity int, expectedKeys uint, falsePositiveRate float64) *Memtable {
	return &Memtable{
		list:     newSkipList(),
		bloom:    bloom.NewWithEstimates(expectedKeys, falsePositiveRate),
		capacity: capacity,
	}
}

// Insert adds key to the Bloom filter unconditionally and writes the index
// entry, overwriting any prior value for key. It never fails on account of
// capacity — IsFull is the caller's signal to seal and roll over.
func (m *Memtable) Insert(key types.Key, value IndexValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return ErrSealed
	}

	m.bloom.Add(key)
	m.list.Put(string(key), value)
	m.size += len(key) + entryOverhead
	return nil
}

// Update overwrites an existing key's value. Unlike Insert, it fails with
// ErrKeyNotInMemtable when the Bloom filter proves the key was never
// written here — an update is only meaningful against a key that exists.
func (m *Memtable) Update(key types.Key, value IndexValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return ErrSealed
	}
	if !m.bloom.Test(key) {
		return ErrKeyNotInMemtable
	}

	m.list.Put(string(key), value)
	m.size += len(key) + entryOverhead
	return nil
}

// Delete writes a tombstone for key. Deleting a key this memtable has
// never seen is legal — it still records a tombstone — since a delete is a
// "no-match-but-record" operation, not conditioned on prior existence the
// way Update is.
func (m *Memtable) Delete(key types.Key, createdAt uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return ErrSealed
	}

	m.bloom.Add(key)
	m.list.Put(string(key), IndexValue{CreatedAt: createdAt, IsTombstone: true})
	m.size += len(key) + entryOverhead
	return nil
}

// Get looks up key, consulting the Bloom filter first. bloomHit is false when
// the Bloom filter rejects the key outright; found is false when the
// Bloom filter accepted it but the skip list holds no entry (a false
// positive).
func (m *Memtable) Get(key types.Key) (value IndexValue, bloomHit, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.bloom.Test(key) {
		return IndexValue{}, false, false
	}

	v, ok := m.list.Get(string(key))
	if !ok {
		return IndexValue{}, true, false
	}
	m.Hotness++
	return v, true, true
}

// IsFull reports whether inserting one more entry of the given key length
// would push the memtable past its capacity.
func (m *Memtable) IsFull(nextKeyLen int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size+nextKeyLen+entryOverhead > m.capacity
}

// Biggest returns the greatest key currently indexed.
func (m *Memtable) Biggest() (types.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.list.Last()
	if !ok {
		return nil, ErrBiggestKeyIndexError
	}
	return types.Key(k), nil
}

// Len reports the number of distinct keys indexed.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

// Size reports the accounted byte size used to drive IsFull, and doubles
// as the flusher's size hint when choosing which bucket a flushed table
// should land in.
func (m *Memtable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Seal marks the memtable read-only; subsequent Insert/Update/Delete calls
// fail with ErrSealed. Flushers call this before handing a memtable off.
func (m *Memtable) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

// Bloom exposes the memtable's Bloom filter so a flusher can clone its bit
// set directly into the SST it writes, rather than retesting every key.
func (m *Memtable) Bloom() *bloom.BloomFilter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bloom
}

// All iterates every entry in ascending key order. Callers must not mutate
// the memtable while iterating; in practice this is only called after Seal.
func (m *Memtable) All(yield func(key types.Key, value IndexValue) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for rec := range m.list.Iterator() {
		if !yield(types.Key(rec.key), rec.value) {
			return
		}
	}
}
