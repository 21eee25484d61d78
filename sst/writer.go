package sst

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	dataFileName  = "data.bin"
	indexFileName = "index.bin"
)

// Entry is one record handed to WriteTable, in ascending key order. The
// caller (flusher or compactor) is responsible for sort order; WriteTable
// trusts it and does not re-sort.
type Entry struct {
	Key         []byte
	Offset      uint64
	CreatedAt   uint64
	IsTombstone bool
}

// WriteTable writes entries into a new table directory at destDir,
// sampling a sparse index entry every sampleRate records, and returns the
// resulting Table. It follows the teacher's fsync-then-publish idiom:
// everything is written under destDir+".tmp" and only renamed into place
// once both files are fsynced, so a crash mid-write never leaves a
// half-written table at its real path.
func WriteTable(destDir string, entries iter.Seq[Entry], expectedKeys uint, falsePositiveRate float64, sampleRate int) (*Table, error) {
	tmpDir := destDir + ".tmp"
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("sst: create %s: %w", tmpDir, err)
	}

	dataPath := filepath.Join(tmpDir, dataFileName)
	indexPath := filepath.Join(tmpDir, indexFileName)

	dataFile, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("sst: create %s: %w", dataPath, err)
	}
	defer dataFile.Close()

	indexFile, err := os.Create(indexPath)
	if err != nil {
		return nil, fmt.Errorf("sst: create %s: %w", indexPath, err)
	}
	defer indexFile.Close()

	filter := bloom.NewWithEstimates(expectedKeys, falsePositiveRate)

	var (
		smallest, biggest []byte
		dataOffset        int64
		count             int
		index             []indexEntry
	)

	for e := range entries {
		if smallest == nil {
			smallest = append([]byte(nil), e.Key...)
		}
		biggest = append([]byte(nil), e.Key...)
		filter.Add(e.Key)

		if count%sampleRate == 0 {
			if err := writeIndexEntry(indexFile, e.Key, dataOffset); err != nil {
				return nil, err
			}
			index = append(index, indexEntry{Key: append([]byte(nil), e.Key...), Offset: dataOffset})
		}

		n, err := writeDataRecord(dataFile, e)
		if err != nil {
			return nil, err
		}
		dataOffset += int64(n)
		count++
	}

	if count == 0 {
		return nil, fmt.Errorf("sst: refusing to write an empty table")
	}

	if err := dataFile.Sync(); err != nil {
		return nil, fmt.Errorf("sst: fsync %s: %w", dataPath, err)
	}
	if err := indexFile.Sync(); err != nil {
		return nil, fmt.Errorf("sst: fsync %s: %w", indexPath, err)
	}

	if err := os.Rename(tmpDir, destDir); err != nil {
		return nil, fmt.Errorf("sst: publish %s: %w", destDir, err)
	}

	t := &Table{
		Dir:       destDir,
		DataPath:  filepath.Join(destDir, dataFileName),
		IndexPath: filepath.Join(destDir, indexFileName),
		Smallest:  smallest,
		Biggest:   biggest,
		Bloom:     filter,
		Size:      dataOffset,
		index:     index,
	}
	return t, nil
}

func writeDataRecord(w io.Writer, e Entry) (int, error) {
	keyLen := uint32(len(e.Key))
	var tombstone byte
	if e.IsTombstone {
		tombstone = 1
	}

	for _, field := range []any{keyLen} {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return 0, fmt.Errorf("sst: write data record: %w", err)
		}
	}
	if _, err := w.Write(e.Key); err != nil {
		return 0, fmt.Errorf("sst: write data record key: %w", err)
	}
	for _, field := range []any{e.Offset, e.CreatedAt, tombstone} {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return 0, fmt.Errorf("sst: write data record: %w", err)
		}
	}

	return 4 + len(e.Key) + 8 + 8 + 1, nil
}

func writeIndexEntry(w io.Writer, key []byte, offset int64) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(key))); err != nil {
		return fmt.Errorf("sst: write index entry: %w", err)
	}
	if _, err := w.Write(key); err != nil {
		return fmt.Errorf("sst: write index entry key: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, offset); err != nil {
		return fmt.Errorf("sst: write index entry offset: %w", err)
	}
	return nil
}
