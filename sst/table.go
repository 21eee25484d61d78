// Package sst implements the on-disk sorted-string table: an immutable,
// sorted key index paired with a Bloom filter, written once by a flush or
// compaction and read many times thereafter.
//
// # File layout
//
// Each table is a directory holding two files:
//
//	data.bin   sorted records: key_len(4) | key | value_offset(8) | created_at(8) | is_tombstone(1)
//	index.bin  sparse index, one entry every SparseIndexSampleRate records:
//	           key_len(4) | key | data_offset(8)
//
// The Bloom filter is held in memory only (built from the written keys by
// WriteTable at flush and compaction time) — spec.md's recovery protocol
// rebuilds it from the data file's keys, so it is never persisted as a
// third file.
package sst

import (
	"bytes"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// Table is a single immutable SST. One Table is owned by exactly one
// bucket and appears in exactly one KeyRange entry, per spec.md §3.
type Table struct {
	Dir       string
	DataPath  string
	IndexPath string
	Smallest  []byte
	Biggest   []byte
	Bloom     *bloom.BloomFilter
	Size      int64

	// Hotness counts successful Bloom hits during Get, driving the
	// descending-hotness reorder the flusher applies to the engine's
	// Bloom-filter list after every flush.
	Hotness atomic.Uint64

	index []indexEntry
}

type indexEntry struct {
	Key    []byte
	Offset int64
}

// Covers reports whether key falls within [Smallest, Biggest] inclusive.
func (t *Table) Covers(key []byte) bool {
	return bytes.Compare(key, t.Smallest) >= 0 && bytes.Compare(key, t.Biggest) <= 0
}
