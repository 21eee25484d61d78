// Package bucket groups tables of similar size into size-tiered buckets,
// each backed by its own UUID-named directory, generalizing the teacher's
// single rotating segment directory (segmentmanager/disk.go) into a map of
// many such directories keyed by bucket identity.
package bucket

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flashkv/lsmkv/sst"
)

const dirPrefix = "bucket"

var dirPattern = regexp.MustCompile(`^bucket([0-9a-fA-F-]{36})$`)

// Bucket is a size tier: a directory holding every table whose size
// landed within this bucket's running average window.
type Bucket struct {
	ID      uuid.UUID
	Dir     string
	AvgSize int64
	Tables  []*sst.Table
}

// Map is the shared, lock-guarded collection of buckets — one of the
// independently-locked resources spec.md §5 names.
type Map struct {
	mu      sync.RWMutex
	root    string
	buckets map[uuid.UUID]*Bucket
}

// NewMap returns an empty bucket map rooted at root.
func NewMap(root string) *Map {
	return &Map{root: root, buckets: make(map[uuid.UUID]*Bucket)}
}

func (m *Map) dirFor(id uuid.UUID) string {
	return filepath.Join(m.root, dirPrefix+id.String())
}

// InsertTable places one newly built table into a bucket whose running
// average size avg satisfies avg*lowRatio <= approxSize <= avg*highRatio,
// creating a new bucket when none qualifies. build is invoked with the table's final
// directory and must return the written table (sst.WriteTable is the
// expected caller). The bucket map lock is not held across build, so
// concurrent flushes targeting different buckets don't serialize on disk
// I/O; the bucket's own entry is updated only after build succeeds.
func (m *Map) InsertTable(approxSize int64, lowRatio, highRatio float64, build func(dir string) (*sst.Table, error)) (uuid.UUID, *sst.Table, error) {
	m.mu.Lock()
	target := m.pickBucketLocked(approxSize, lowRatio, highRatio)
	if target == nil {
		id := uuid.New()
		dir := m.dirFor(id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.mu.Unlock()
			return uuid.Nil, nil, fmt.Errorf("bucket: create %s: %w", dir, err)
		}
		target = &Bucket{ID: id, Dir: dir}
		m.buckets[id] = target
	}
	id, dir := target.ID, target.Dir
	m.mu.Unlock()

	tableDir := filepath.Join(dir, fmt.Sprintf("sstable-%d", time.Now().UnixNano()))
	table, err := build(tableDir)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("bucket: write table into %s: %w", tableDir, err)
	}

	m.mu.Lock()
	b := m.buckets[id]
	b.Tables = append(b.Tables, table)
	b.AvgSize = averageSize(b.Tables)
	m.mu.Unlock()

	return id, table, nil
}

func (m *Map) pickBucketLocked(approxSize int64, lowRatio, highRatio float64) *Bucket {
	for _, b := range m.buckets {
		if len(b.Tables) == 0 || b.AvgSize == 0 {
			continue
		}
		lo := float64(b.AvgSize) * lowRatio
		hi := float64(b.AvgSize) * highRatio
		if float64(approxSize) >= lo && float64(approxSize) <= hi {
			return b
		}
	}
	return nil
}

func averageSize(tables []*sst.Table) int64 {
	if len(tables) == 0 {
		return 0
	}
	var total int64
	for _, t := range tables {
		total += t.Size
	}
	return total / int64(len(tables))
}

// AddTable registers table (typically a compaction's merged output) into
// bucketID directly, without going through the size-tier selection.
func (m *Map) AddTable(bucketID uuid.UUID, table *sst.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucketID]
	if !ok {
		b = &Bucket{ID: bucketID, Dir: m.dirFor(bucketID)}
		m.buckets[bucketID] = b
	}
	b.Tables = append(b.Tables, table)
	b.AvgSize = averageSize(b.Tables)
}

// RemoveTable drops a table (by data path) from bucketID, typically once
// compaction has superseded it, and recomputes the bucket's running
// average. An empty bucket is left in place rather than deleted, since a
// future flush may land a table back into it.
func (m *Map) RemoveTable(bucketID uuid.UUID, dataPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucketID]
	if !ok {
		return
	}
	for i, t := range b.Tables {
		if t.DataPath == dataPath {
			b.Tables = append(b.Tables[:i], b.Tables[i+1:]...)
			break
		}
	}
	b.AvgSize = averageSize(b.Tables)
}

// Snapshot returns the current buckets as a slice, safe to range over
// without holding the map lock for the duration of a compaction pass —
// spec.md §5's fairness requirement that background work not monopolize a
// shared lock.
func (m *Map) Snapshot() []*Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b)
	}
	return out
}

// Reset removes every bucket directory from disk and empties the map,
// the bucket half of the engine's full clear operation.
func (m *Map) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.buckets {
		if err := os.RemoveAll(b.Dir); err != nil {
			return fmt.Errorf("bucket: remove %s: %w", b.Dir, err)
		}
	}
	m.buckets = make(map[uuid.UUID]*Bucket)
	return nil
}

// Load reconstructs a Map by scanning root for bucket<uuid> directories and
// opening every sstable-* subdirectory found inside each, rebuilding each
// table's Bloom filter and key envelope along the way (sst.Open does the
// per-table rebuild). This is the bucket half of the engine's recovery
// protocol.
func Load(root string, expectedKeys uint, falsePositiveRate float64) (*Map, error) {
	m := NewMap(root)

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bucket: read %s: %w", root, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := dirPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		id, err := uuid.Parse(match[1])
		if err != nil {
			return nil, fmt.Errorf("bucket: parse bucket UUID from %q: %w", entry.Name(), err)
		}

		bucketDir := filepath.Join(root, entry.Name())
		tableDirs, err := os.ReadDir(bucketDir)
		if err != nil {
			return nil, fmt.Errorf("bucket: read %s: %w", bucketDir, err)
		}

		b := &Bucket{ID: id, Dir: bucketDir}
		for _, td := range tableDirs {
			if !td.IsDir() {
				continue
			}
			table, err := sst.Open(filepath.Join(bucketDir, td.Name()), expectedKeys, falsePositiveRate)
			if err != nil {
				return nil, fmt.Errorf("bucket: open table %s: %w", td.Name(), err)
			}
			b.Tables = append(b.Tables, table)
		}
		b.AvgSize = averageSize(b.Tables)
		m.buckets[id] = b
	}

	return m, nil
}
