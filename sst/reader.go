package sst

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
)

// ErrKeyNotFound is returned by Get when the table's sparse index and data
// scan both conclusively rule the key out.
var ErrKeyNotFound = errors.New("sst: key not found in table")

// Open loads an existing table directory: the sparse index is read fully
// into memory (it is sparse by construction, so this is cheap), and the
// data file is scanned once to rebuild the Bloom filter and the
// smallest/biggest key envelope — recovery's substitute for a persisted
// filter, per spec.md's recovery protocol.
func Open(dir string, expectedKeys uint, falsePositiveRate float64) (*Table, error) {
	dataPath := filepath.Join(dir, dataFileName)
	indexPath := filepath.Join(dir, indexFileName)

	index, err := loadIndex(indexPath)
	if err != nil {
		return nil, fmt.Errorf("sst: load index %s: %w", indexPath, err)
	}

	smallest, biggest, filter, size, err := scanForRecovery(dataPath, expectedKeys, falsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("sst: scan data %s: %w", dataPath, err)
	}

	return &Table{
		Dir:       dir,
		DataPath:  dataPath,
		IndexPath: indexPath,
		Smallest:  smallest,
		Biggest:   biggest,
		Bloom:     filter,
		Size:      size,
		index:     index,
	}, nil
}

func loadIndex(path string) ([]indexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []indexEntry
	for {
		var keyLen uint32
		if err := binary.Read(f, binary.LittleEndian, &keyLen); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(f, key); err != nil {
			return nil, err
		}

		var offset int64
		if err := binary.Read(f, binary.LittleEndian, &offset); err != nil {
			return nil, err
		}

		entries = append(entries, indexEntry{Key: key, Offset: offset})
	}
	return entries, nil
}

func scanForRecovery(path string, expectedKeys uint, falsePositiveRate float64) (smallest, biggest []byte, filter *bloom.BloomFilter, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	defer f.Close()

	filter = bloom.NewWithEstimates(expectedKeys, falsePositiveRate)

	var offset int64
	for {
		e, n, rerr := readDataRecord(f)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, nil, nil, 0, rerr
		}

		if smallest == nil {
			smallest = e.Key
		}
		biggest = e.Key
		filter.Add(e.Key)
		offset += int64(n)
	}

	return smallest, biggest, filter, offset, nil
}

func readDataRecord(r io.Reader) (Entry, int, error) {
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return Entry{}, 0, err
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Entry{}, 0, err
	}

	var offset, createdAt uint64
	var tombstone byte
	if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
		return Entry{}, 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &createdAt); err != nil {
		return Entry{}, 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &tombstone); err != nil {
		return Entry{}, 0, err
	}

	return Entry{Key: key, Offset: offset, CreatedAt: createdAt, IsTombstone: tombstone != 0}, 4 + len(key) + 8 + 8 + 1, nil
}

// lookupBlock does a binary search over the sparse index for the last
// entry whose key is <= probe, returning its data offset and the offset
// of the following entry (or file size) as a scan boundary.
func (t *Table) lookupBlock(probe []byte) (start int64, bound int64, ok bool) {
	if len(t.index) == 0 || bytes.Compare(probe, t.index[0].Key) < 0 {
		return 0, 0, false
	}

	lo, hi := 0, len(t.index)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(t.index[mid].Key, probe) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	start = t.index[best].Offset
	if best+1 < len(t.index) {
		bound = t.index[best+1].Offset
	} else {
		bound = t.Size
	}
	return start, bound, true
}

// Get scans the data block the sparse index points into, stopping as soon
// as sort order proves the key is absent. Each Table keeps no persistent
// file handle; reads are plain, independent os.Open calls, which keeps the
// table safe to query from any number of goroutines concurrently without
// its own locking (the file is immutable once published).
func (t *Table) Get(key []byte) (Entry, error) {
	if !t.Covers(key) {
		return Entry{}, ErrKeyNotFound
	}

	start, _, ok := t.lookupBlock(key)
	if !ok {
		return Entry{}, ErrKeyNotFound
	}

	f, err := os.Open(t.DataPath)
	if err != nil {
		return Entry{}, fmt.Errorf("sst: open %s: %w", t.DataPath, err)
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return Entry{}, fmt.Errorf("sst: seek %s: %w", t.DataPath, err)
	}

	// Scanning never needs to go further than the next sparse-index
	// boundary in practice, but ascending key order alone is a
	// sufficient and simpler stop condition: once a record's key sorts
	// after the probe, nothing further in the block can match.
	for {
		e, _, rerr := readDataRecord(f)
		if errors.Is(rerr, io.EOF) {
			return Entry{}, ErrKeyNotFound
		}
		if rerr != nil {
			return Entry{}, fmt.Errorf("sst: read %s: %w", t.DataPath, rerr)
		}

		cmp := bytes.Compare(e.Key, key)
		if cmp == 0 {
			return e, nil
		}
		if cmp > 0 {
			return Entry{}, ErrKeyNotFound
		}
	}
}

// All iterates every record in ascending key order, used by the
// compactor's k-way merge.
func (t *Table) All(yield func(Entry) bool) {
	f, err := os.Open(t.DataPath)
	if err != nil {
		return
	}
	defer f.Close()

	for {
		e, _, rerr := readDataRecord(f)
		if rerr != nil {
			return
		}
		if !yield(e) {
			return
		}
	}
}
