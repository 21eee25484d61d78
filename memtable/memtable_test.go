package memtable

import (
	"errors"
	"testing"
)

func TestInsertGet(t *testing.T) {
	m := New(4096, 100, 0.01)

	if err := m.Insert([]byte("a"), IndexValue{Offset: 10, CreatedAt: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v, bloomHit, found := m.Get([]byte("a"))
	if !bloomHit || !found {
		t.Fatalf("Get(a) = bloomHit=%v found=%v, want true,true", bloomHit, found)
	}
	if v.Offset != 10 {
		t.Fatalf("Get(a).Offset = %d, want 10", v.Offset)
	}

	if _, bloomHit, _ := m.Get([]byte("missing")); bloomHit {
		t.Fatalf("Get(missing) bloomHit = true, want false")
	}
}

func TestUpdateRequiresExistingKey(t *testing.T) {
	m := New(4096, 100, 0.01)

	if err := m.Update([]byte("a"), IndexValue{Offset: 1}); !errors.Is(err, ErrKeyNotInMemtable) {
		t.Fatalf("Update on unseen key = %v, want ErrKeyNotInMemtable", err)
	}

	if err := m.Insert([]byte("a"), IndexValue{Offset: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Update([]byte("a"), IndexValue{Offset: 2}); err != nil {
		t.Fatalf("Update on seen key: %v", err)
	}
}

func TestDeleteUnseenKeyIsLegal(t *testing.T) {
	m := New(4096, 100, 0.01)

	if err := m.Delete([]byte("never-inserted"), 42); err != nil {
		t.Fatalf("Delete on unseen key = %v, want nil", err)
	}

	v, bloomHit, found := m.Get([]byte("never-inserted"))
	if !bloomHit || !found || !v.IsTombstone {
		t.Fatalf("Get after Delete = %+v bloomHit=%v found=%v, want tombstone hit", v, bloomHit, found)
	}
}

func TestBiggestKeyIndexError(t *testing.T) {
	m := New(4096, 100, 0.01)

	if _, err := m.Biggest(); !errors.Is(err, ErrBiggestKeyIndexError) {
		t.Fatalf("Biggest on empty memtable = %v, want ErrBiggestKeyIndexError", err)
	}

	for _, k := range []string{"b", "a", "c"} {
		if err := m.Insert([]byte(k), IndexValue{}); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}

	biggest, err := m.Biggest()
	if err != nil {
		t.Fatalf("Biggest: %v", err)
	}
	if string(biggest) != "c" {
		t.Fatalf("Biggest = %q, want c", biggest)
	}
}

func TestIsFull(t *testing.T) {
	m := New(entryOverhead+1, 10, 0.01)

	if m.IsFull(1) {
		t.Fatalf("IsFull before any insert = true, want false")
	}
	if err := m.Insert([]byte("a"), IndexValue{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !m.IsFull(1) {
		t.Fatalf("IsFull after filling capacity = false, want true")
	}
}

func TestSealRejectsWrites(t *testing.T) {
	m := New(4096, 10, 0.01)
	m.Seal()

	if err := m.Insert([]byte("a"), IndexValue{}); !errors.Is(err, ErrSealed) {
		t.Fatalf("Insert after Seal = %v, want ErrSealed", err)
	}
}

func TestAllOrdersAscending(t *testing.T) {
	m := New(4096, 10, 0.01)
	for _, k := range []string{"banana", "apple", "cherry"} {
		if err := m.Insert([]byte(k), IndexValue{}); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}

	var got []string
	m.All(func(key []byte, _ IndexValue) bool {
		got = append(got, string(key))
		return true
	})

	want := []string{"apple", "banana", "cherry"}
	if len(got) != len(want) {
		t.Fatalf("All() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
