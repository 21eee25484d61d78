// Package keyrange maintains the smallest/biggest-key envelope of every
// live table, letting the engine prune tables out of a lookup or scan
// before ever touching a Bloom filter or opening a file.
package keyrange

import (
	"bytes"
	"sync"

	"github.com/flashkv/lsmkv/sst"
)

// Range is one table's key envelope.
type Range struct {
	Smallest []byte
	Biggest  []byte
	Table    *sst.Table
}

// Index is the shared, lock-guarded map of SST path to its key range —
// one of the independently-locked collections spec.md §5 names (bucket
// map, Bloom-filter list, KeyRange index, each under its own RWMutex).
type Index struct {
	mu     sync.RWMutex
	ranges map[string]Range
}

// New returns an empty Index.
func New() *Index {
	return &Index{ranges: make(map[string]Range)}
}

// Set records or replaces the range for the table at path.
func (idx *Index) Set(path string, smallest, biggest []byte, table *sst.Table) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ranges[path] = Range{Smallest: smallest, Biggest: biggest, Table: table}
}

// Remove drops path's entry, returning whether it was present.
func (idx *Index) Remove(path string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.ranges[path]
	delete(idx.ranges, path)
	return ok
}

// FilterByKey returns every table whose range could contain probe:
// smallest <= probe <= biggest. The source this is grounded on
// (key_range/range.rs) only checked the biggest-key bound — a table whose
// entire range sorted after probe would still pass — so it is corrected
// here to check both bounds, the fix spec.md §9 calls for.
func (idx *Index) FilterByKey(probe []byte) []*sst.Table {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []*sst.Table
	for _, r := range idx.ranges {
		if bytes.Compare(r.Smallest, probe) <= 0 && bytes.Compare(r.Biggest, probe) >= 0 {
			out = append(out, r.Table)
		}
	}
	return out
}

// RangeScan returns every range that overlaps [lo, hi]. The source this is
// grounded on ORed the two bound checks together, so a table that merely
// failed one of the two conditions (e.g. started before lo but also ended
// before hi) still matched; this uses true interval intersection —
// smallest <= hi AND biggest >= lo — the fix spec.md §9 calls for.
func (idx *Index) RangeScan(lo, hi []byte) []Range {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Range
	for _, r := range idx.ranges {
		if bytes.Compare(r.Smallest, hi) <= 0 && bytes.Compare(r.Biggest, lo) >= 0 {
			out = append(out, r)
		}
	}
	return out
}

// Len reports the number of tables currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ranges)
}

// Reset empties the index, part of the engine's full clear operation.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ranges = make(map[string]Range)
}
