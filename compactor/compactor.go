// Package compactor merges the tables within a size tier into fewer,
// larger tables, dropping tombstones past their GC grace period and
// TTL-expired entries along the way, and advances the value log's tail so
// space behind it becomes eligible for reclamation.
package compactor

import (
	"container/heap"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/flashkv/lsmkv/bloomindex"
	"github.com/flashkv/lsmkv/bucket"
	"github.com/flashkv/lsmkv/keyrange"
	"github.com/flashkv/lsmkv/sst"
	"github.com/flashkv/lsmkv/valuelog"
)

// Compactor owns no state beyond references to the engine's shared
// indices and the value log; RunCompaction is safe to call from the
// periodic ticker and the tombstone-ratio notice handler alike, the two
// triggers spec.md §4.6 names.
type Compactor struct {
	buckets *bucket.Map
	ranges  *keyrange.Index
	blooms  *bloomindex.Index
	vlog    *valuelog.VLog
	logger  *zap.Logger

	minTierTables          int
	bloomFalsePositiveRate float64
	sparseIndexSampleRate  int
	tombstoneGCGrace       time.Duration
	enableTTL              bool
	entryTTLMillis         int64
}

// New builds a Compactor wired to the engine's shared indices.
func New(
	buckets *bucket.Map,
	ranges *keyrange.Index,
	blooms *bloomindex.Index,
	vlog *valuelog.VLog,
	minTierTables int,
	bloomFalsePositiveRate float64,
	sparseIndexSampleRate int,
	tombstoneGCGrace time.Duration,
	enableTTL bool,
	entryTTLMillis int64,
	logger *zap.Logger,
) *Compactor {
	return &Compactor{
		buckets:                buckets,
		ranges:                 ranges,
		blooms:                 blooms,
		vlog:                   vlog,
		minTierTables:          minTierTables,
		bloomFalsePositiveRate: bloomFalsePositiveRate,
		sparseIndexSampleRate:  sparseIndexSampleRate,
		tombstoneGCGrace:       tombstoneGCGrace,
		enableTTL:              enableTTL,
		entryTTLMillis:         entryTTLMillis,
		logger:                 logger,
	}
}

// RunCompaction visits every bucket with at least minTierTables tables and
// merges them into one. Buckets are snapshotted up front so a long merge
// in one bucket never holds the bucket-map lock, per spec.md §5's
// fairness requirement.
func (c *Compactor) RunCompaction(now time.Time) error {
	buckets := c.buckets.Snapshot()

	var failures []error
	for _, b := range buckets {
		if len(b.Tables) < c.minTierTables {
			continue
		}
		if err := c.compactBucket(b, now); err != nil {
			c.logger.Warn("bucket compaction failed", zap.String("bucket", b.Dir), zap.Error(err))
			failures = append(failures, err)
		}
	}

	if len(failures) == 0 {
		return nil
	}
	if len(failures) == len(buckets) {
		return fmt.Errorf("compactor: compaction failed for every bucket: %w", failures[0])
	}
	return fmt.Errorf("compactor: compaction partially failed (%d/%d buckets): %w", len(failures), len(buckets), failures[0])
}

func (c *Compactor) compactBucket(b *bucket.Bucket, now time.Time) error {
	tables := make([]*sst.Table, len(b.Tables))
	copy(tables, b.Tables)

	merged := mergeTables(tables)
	nowMillis := uint64(now.UnixMilli())

	var minReferencedOffset *uint64
	var kept []sst.Entry
	for e := range merged {
		if c.shouldDrop(e, nowMillis) {
			continue
		}
		if !e.IsTombstone && (minReferencedOffset == nil || e.Offset < *minReferencedOffset) {
			off := e.Offset
			minReferencedOffset = &off
		}
		kept = append(kept, e)
	}

	if len(kept) == 0 {
		return fmt.Errorf("compactor: bucket %s is empty after dropping tombstones/expired entries", b.Dir)
	}

	mergedDir := filepath.Join(b.Dir, fmt.Sprintf("sstable-merged-%d", now.UnixNano()))
	newTable, err := sst.WriteTable(mergedDir, seqFromEntries(kept), uint(len(kept)), c.bloomFalsePositiveRate, c.sparseIndexSampleRate)
	if err != nil {
		return fmt.Errorf("compactor: merge bucket %s: %w", b.Dir, err)
	}

	for _, old := range tables {
		c.ranges.Remove(old.DataPath)
		c.blooms.Remove(old)
		c.buckets.RemoveTable(b.ID, old.DataPath)
	}
	c.buckets.AddTable(b.ID, newTable)
	c.ranges.Set(newTable.DataPath, newTable.Smallest, newTable.Biggest, newTable)
	c.blooms.Add(newTable)

	if c.vlog != nil {
		// Tail is the smallest offset referenced by any live table, so every
		// table outside this bucket is scanned as well.
		for _, t := range c.blooms.Snapshot() {
			t.All(func(e sst.Entry) bool {
				if !e.IsTombstone && (minReferencedOffset == nil || e.Offset < *minReferencedOffset) {
					off := e.Offset
					minReferencedOffset = &off
				}
				return true
			})
		}
		if minReferencedOffset != nil {
			c.vlog.SetTail(*minReferencedOffset)
		}
	}

	c.logger.Info("compacted bucket",
		zap.String("bucket", b.Dir),
		zap.Int("inputs", len(tables)),
		zap.String("output", newTable.DataPath),
	)
	return nil
}

func (c *Compactor) shouldDrop(e sst.Entry, nowMillis uint64) bool {
	if e.IsTombstone {
		age := time.Duration(nowMillis-e.CreatedAt) * time.Millisecond
		return age >= c.tombstoneGCGrace
	}
	if c.enableTTL && c.entryTTLMillis > 0 {
		return nowMillis-e.CreatedAt >= uint64(c.entryTTLMillis)
	}
	return false
}

func seqFromEntries(entries []sst.Entry) iter.Seq[sst.Entry] {
	return func(yield func(sst.Entry) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

type heapItem struct {
	entry     sst.Entry
	tableRank int
	next      func() (sst.Entry, bool)
	stop      func()
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if string(a.Key) != string(b.Key) {
		return string(a.Key) < string(b.Key)
	}
	// On a key tie, prefer the entry from the more recently written
	// table first so the merge can discard the older duplicate.
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return h[i].tableRank > h[j].tableRank
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeTables performs a k-way merge across tables' sorted entries,
// resolving duplicate keys by keeping only the most recently written
// version — the rank among tables written at the same instant breaks
// further ties, favoring the table later in the input slice (the one the
// caller considers newer).
func mergeTables(tables []*sst.Table) iter.Seq[sst.Entry] {
	return func(yield func(sst.Entry) bool) {
		h := &mergeHeap{}
		heap.Init(h)

		for rank, t := range tables {
			seq := func(y func(sst.Entry) bool) { t.All(y) }
			next, stop := iter.Pull(iter.Seq[sst.Entry](seq))
			defer stop()
			if e, ok := next(); ok {
				heap.Push(h, &heapItem{entry: e, tableRank: rank, next: next, stop: stop})
			}
		}

		var lastKey []byte
		haveLastKey := false

		for h.Len() > 0 {
			item := heap.Pop(h).(*heapItem)
			entry := item.entry

			isDuplicate := haveLastKey && string(entry.Key) == string(lastKey)
			if !isDuplicate {
				lastKey = entry.Key
				haveLastKey = true
				if !yield(entry) {
					return
				}
			}

			if next, ok := item.next(); ok {
				item.entry = next
				heap.Push(h, item)
			}
		}
	}
}
