package keyrange

import (
	"testing"

	"github.com/flashkv/lsmkv/sst"
)

func tableNamed(name string, smallest, biggest string) *sst.Table {
	return &sst.Table{Dir: name, Smallest: []byte(smallest), Biggest: []byte(biggest)}
}

func TestFilterByKeyChecksBothBounds(t *testing.T) {
	idx := New()
	idx.Set("t1", []byte("m"), []byte("z"), tableNamed("t1", "m", "z"))

	// A probe below the table's smallest key must be excluded — the bug
	// being fixed only checked the biggest-key bound.
	if got := idx.FilterByKey([]byte("a")); len(got) != 0 {
		t.Fatalf("FilterByKey(a) = %d tables, want 0", len(got))
	}

	if got := idx.FilterByKey([]byte("n")); len(got) != 1 {
		t.Fatalf("FilterByKey(n) = %d tables, want 1", len(got))
	}
}

func TestRangeScanUsesIntersectionNotUnion(t *testing.T) {
	idx := New()
	// Range entirely before the scan window.
	idx.Set("before", []byte("a"), []byte("b"), tableNamed("before", "a", "b"))
	// Range entirely after the scan window.
	idx.Set("after", []byte("y"), []byte("z"), tableNamed("after", "y", "z"))
	// Range overlapping the scan window.
	idx.Set("overlap", []byte("k"), []byte("p"), tableNamed("overlap", "k", "p"))

	got := idx.RangeScan([]byte("m"), []byte("n"))
	if len(got) != 1 || got[0].Table.Dir != "overlap" {
		t.Fatalf("RangeScan(m, n) = %v, want only the overlapping range", got)
	}
}

func TestRemove(t *testing.T) {
	idx := New()
	idx.Set("t1", []byte("a"), []byte("z"), tableNamed("t1", "a", "z"))

	if !idx.Remove("t1") {
		t.Fatalf("Remove(t1) = false, want true")
	}
	if idx.Remove("t1") {
		t.Fatalf("second Remove(t1) = true, want false")
	}
	if idx.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", idx.Len())
	}
}
