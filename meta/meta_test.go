package meta

import "testing"

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cp := Checkpoint{Head: 128, Tail: 16}
	if err := Write(dir, cp); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != cp {
		t.Fatalf("Read() = %+v, want %+v", got, cp)
	}
}

func TestReadMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read on missing checkpoint: %v", err)
	}
	if got != (Checkpoint{}) {
		t.Fatalf("Read() on missing file = %+v, want zero value", got)
	}
}
