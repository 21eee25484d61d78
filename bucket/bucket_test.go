package bucket

import (
	"path/filepath"
	"testing"

	"github.com/flashkv/lsmkv/sst"
)

func fakeTable(dir string, size int64) (*sst.Table, error) {
	return &sst.Table{
		Dir:      dir,
		DataPath: filepath.Join(dir, "data.bin"),
		Smallest: []byte("a"),
		Biggest:  []byte("z"),
		Size:     size,
	}, nil
}

func TestInsertTableCreatesNewBucket(t *testing.T) {
	m := NewMap(t.TempDir())

	id, table, err := m.InsertTable(100, 0.5, 1.5, func(dir string) (*sst.Table, error) {
		return fakeTable(dir, 100)
	})
	if err != nil {
		t.Fatalf("InsertTable: %v", err)
	}
	if table.Size != 100 {
		t.Fatalf("table.Size = %d, want 100", table.Size)
	}

	buckets := m.Snapshot()
	if len(buckets) != 1 || buckets[0].ID != id {
		t.Fatalf("Snapshot() = %v, want one bucket with id %v", buckets, id)
	}
}

func TestInsertTableReusesSimilarSizedBucket(t *testing.T) {
	m := NewMap(t.TempDir())

	id1, _, err := m.InsertTable(100, 0.5, 1.5, func(dir string) (*sst.Table, error) {
		return fakeTable(dir, 100)
	})
	if err != nil {
		t.Fatalf("InsertTable 1: %v", err)
	}

	id2, _, err := m.InsertTable(110, 0.5, 1.5, func(dir string) (*sst.Table, error) {
		return fakeTable(dir, 110)
	})
	if err != nil {
		t.Fatalf("InsertTable 2: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("similarly sized tables landed in different buckets: %v != %v", id1, id2)
	}
	if len(m.Snapshot()) != 1 {
		t.Fatalf("Snapshot() has %d buckets, want 1", len(m.Snapshot()))
	}

	id3, _, err := m.InsertTable(100000, 0.5, 1.5, func(dir string) (*sst.Table, error) {
		return fakeTable(dir, 100000)
	})
	if err != nil {
		t.Fatalf("InsertTable 3: %v", err)
	}
	if id3 == id1 {
		t.Fatalf("wildly different sized table landed in the same bucket")
	}
}

func TestRemoveTableRecomputesAverage(t *testing.T) {
	m := NewMap(t.TempDir())
	id, table, err := m.InsertTable(100, 0.5, 1.5, func(dir string) (*sst.Table, error) {
		return fakeTable(dir, 100)
	})
	if err != nil {
		t.Fatalf("InsertTable: %v", err)
	}

	m.RemoveTable(id, table.DataPath)

	buckets := m.Snapshot()
	if len(buckets[0].Tables) != 0 {
		t.Fatalf("Tables after RemoveTable = %v, want empty", buckets[0].Tables)
	}
	if buckets[0].AvgSize != 0 {
		t.Fatalf("AvgSize after removing last table = %d, want 0", buckets[0].AvgSize)
	}
}
