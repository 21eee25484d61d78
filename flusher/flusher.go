// Package flusher drains sealed, read-only memtables into SSTs and wires
// the result into the engine's bucket map, KeyRange index, and Bloom-filter
// list — the three shared collections a successful flush must publish to
// atomically from the reader's point of view.
package flusher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/flashkv/lsmkv/bloomindex"
	"github.com/flashkv/lsmkv/bucket"
	"github.com/flashkv/lsmkv/keyrange"
	"github.com/flashkv/lsmkv/memtable"
	"github.com/flashkv/lsmkv/sst"
	"github.com/flashkv/lsmkv/types"
)

// Flusher owns no state of its own beyond references to the shared
// indices; it is safe to call FlushOne from more than one goroutine; the
// engine runs exactly one, matching spec.md §4.7's single flush consumer.
type Flusher struct {
	buckets *bucket.Map
	ranges  *keyrange.Index
	blooms  *bloomindex.Index
	logger  *zap.Logger

	bloomFalsePositiveRate float64
	sparseIndexSampleRate  int
	bucketLowRatio         float64
	bucketHighRatio        float64
}

// New builds a Flusher wired to the engine's shared indices.
func New(buckets *bucket.Map, ranges *keyrange.Index, blooms *bloomindex.Index, bloomFalsePositiveRate float64, sparseIndexSampleRate int, bucketLowRatio, bucketHighRatio float64, logger *zap.Logger) *Flusher {
	return &Flusher{
		buckets:                buckets,
		ranges:                 ranges,
		blooms:                 blooms,
		logger:                 logger,
		bloomFalsePositiveRate: bloomFalsePositiveRate,
		sparseIndexSampleRate:  sparseIndexSampleRate,
		bucketLowRatio:         bucketLowRatio,
		bucketHighRatio:        bucketHighRatio,
	}
}

// FlushOne seals mt (if not already sealed) and writes its contents out as
// a new table, publishing it to every shared index before returning. The
// returned ratio is the fraction of flushed entries that were tombstones,
// which the engine uses to decide whether to fire an out-of-band
// compaction notice.
func (f *Flusher) FlushOne(mt *memtable.Memtable) (tombstoneRatio float64, err error) {
	mt.Seal()

	approxSize := int64(mt.Size())
	expectedKeys := uint(mt.Len())
	if expectedKeys == 0 {
		return 0, fmt.Errorf("flusher: refusing to flush an empty memtable")
	}

	var tombstones int
	entries := entrySeqFromMemtable(mt, &tombstones)

	_, table, err := f.buckets.InsertTable(approxSize, f.bucketLowRatio, f.bucketHighRatio, func(dir string) (*sst.Table, error) {
		return sst.WriteTable(dir, entries, expectedKeys, f.bloomFalsePositiveRate, f.sparseIndexSampleRate)
	})
	if err != nil {
		return 0, fmt.Errorf("flusher: flush to disk: %w", err)
	}

	f.ranges.Set(table.DataPath, table.Smallest, table.Biggest, table)
	f.blooms.Add(table)
	f.blooms.SortByHotnessDescending()

	f.logger.Info("flushed memtable",
		zap.String("table", table.DataPath),
		zap.Int64("size", table.Size),
		zap.Int("keys", int(expectedKeys)),
	)
	return float64(tombstones) / float64(expectedKeys), nil
}

func entrySeqFromMemtable(mt *memtable.Memtable, tombstones *int) func(yield func(sst.Entry) bool) {
	return func(yield func(sst.Entry) bool) {
		mt.All(func(key types.Key, v memtable.IndexValue) bool {
			if v.IsTombstone {
				*tombstones++
			}
			return yield(sst.Entry{
				Key:         key,
				Offset:      v.Offset,
				CreatedAt:   v.CreatedAt,
				IsTombstone: v.IsTombstone,
			})
		})
	}
}
