// Package valuelog implements the append-only value log: the durable,
// sequential record store that the memtable's index points into by byte
// offset, keeping large values out of the LSM tree itself.
package valuelog

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"

	"github.com/flashkv/lsmkv/types"
)

// ErrNotFound is returned by Get when offset lands past the end of the
// file — the clean-EOF case, not a corruption.
var ErrNotFound = errors.New("valuelog: offset not found")

const fileName = "vlog.bin"

// VLog is the append-only log backing a single storage engine instance.
// Appends are serialized by mu; reads use a second, independently
// positioned file handle and ReadAt, so they never contend with a writer
// holding the seek cursor — the "lock-free reads" spec.md's concurrency
// model calls for.
type VLog struct {
	mu         sync.Mutex
	writeFile  *os.File
	readFile   *os.File
	size       int64
	compress   bool
	head, tail atomic.Uint64
}

// Open opens or creates the value log file at dir/vlog.bin.
func Open(dir string, compress bool) (*VLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("valuelog: create directory %s: %w", dir, err)
	}

	path := dirJoin(dir, fileName)

	wf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("valuelog: open %s: %w", path, err)
	}

	rf, err := os.Open(path)
	if err != nil {
		wf.Close()
		return nil, fmt.Errorf("valuelog: open %s for reading: %w", path, err)
	}

	info, err := wf.Stat()
	if err != nil {
		wf.Close()
		rf.Close()
		return nil, fmt.Errorf("valuelog: stat %s: %w", path, err)
	}

	return &VLog{writeFile: wf, readFile: rf, size: info.Size(), compress: compress}, nil
}

func dirJoin(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + string(os.PathSeparator) + name
}

// Append writes rec at the current end of the log and fsyncs before
// returning, so a caller's ack implies durability. It returns the byte
// offset the record was written at — the value the memtable index stores.
func (v *VLog) Append(key types.Key, value types.Value, createdAt uint64, tombstone bool) (uint64, error) {
	if v.compress && !tombstone && len(value) > 0 {
		value = snappy.Encode(nil, value)
	}

	rec := Record{Key: key, Value: value, CreatedAt: createdAt, IsTombstone: tombstone}

	v.mu.Lock()
	defer v.mu.Unlock()

	offset := uint64(v.size)

	n, err := encode(v.writeFile, rec)
	if err != nil {
		return 0, fmt.Errorf("valuelog: append: %w", err)
	}
	if err := v.writeFile.Sync(); err != nil {
		return 0, fmt.Errorf("valuelog: fsync: %w", err)
	}

	v.size += int64(n)
	v.head.Store(offset)
	return offset, nil
}

// Get reads and decodes the record at offset. Decompression of the value
// is applied transparently when the log was opened with compress=true.
func (v *VLog) Get(offset uint64) (Record, error) {
	header := make([]byte, 4+4+8+1)
	if _, err := v.readFile.ReadAt(header, int64(offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("valuelog: read header at %d: %w", offset, err)
	}

	keyLen := le32(header[0:4])
	valLen := le32(header[4:8])
	createdAt := le64(header[8:16])
	tombstone := header[16] != 0

	body := make([]byte, int(keyLen)+int(valLen))
	if _, err := v.readFile.ReadAt(body, int64(offset)+int64(len(header))); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, fmt.Errorf("%w: %v", ErrTornRecord, err)
		}
		return Record{}, fmt.Errorf("valuelog: read body at %d: %w", offset, err)
	}

	key := body[:keyLen]
	value := body[keyLen:]

	if v.compress && !tombstone && len(value) > 0 {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return Record{}, fmt.Errorf("valuelog: decompress value at %d: %w", offset, err)
		}
		value = decoded
	}

	return Record{Key: key, Value: value, CreatedAt: createdAt, IsTombstone: tombstone, Offset: offset}, nil
}

// Recover replays every record from fromOffset to the current end of the
// log, in write order. A torn tail record — an incomplete write left by a
// crash mid-append — ends the sequence without surfacing an error, since
// only fully fsynced records are ever acknowledged to callers.
func (v *VLog) Recover(fromOffset uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(v.readFile.Name())
		if err != nil {
			yield(Record{}, fmt.Errorf("valuelog: open for recovery: %w", err))
			return
		}
		defer f.Close()

		if _, err := f.Seek(int64(fromOffset), io.SeekStart); err != nil {
			yield(Record{}, fmt.Errorf("valuelog: seek to %d: %w", fromOffset, err))
			return
		}

		r := io.Reader(f)
		pos := int64(fromOffset)
		for {
			rec, err := decodeRecord(r)
			if errors.Is(err, io.EOF) || errors.Is(err, ErrTornRecord) {
				return
			}
			if err != nil {
				yield(Record{}, err)
				return
			}
			rec.Offset = uint64(pos)
			pos += 4 + 4 + 8 + 1 + int64(len(rec.Key)) + int64(len(rec.Value))
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Head returns the offset of the most recently durable append.
func (v *VLog) Head() uint64 { return v.head.Load() }

// Tail returns the oldest offset still referenced by a live SST, the
// low-water mark for reclamation.
func (v *VLog) Tail() uint64 { return v.tail.Load() }

// SetHead and SetTail are used by recovery and compaction respectively to
// restore or advance the bookkeeping pointers without appending a record.
func (v *VLog) SetHead(offset uint64) { v.head.Store(offset) }
func (v *VLog) SetTail(offset uint64) { v.tail.Store(offset) }

// Reset truncates the log to empty and zeroes the head/tail pointers,
// the value-log half of the engine's full clear operation.
func (v *VLog) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writeFile.Truncate(0); err != nil {
		return fmt.Errorf("valuelog: truncate: %w", err)
	}
	if _, err := v.writeFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("valuelog: seek: %w", err)
	}

	v.size = 0
	v.head.Store(0)
	v.tail.Store(0)
	return nil
}

// Size returns the current length of the log in bytes.
func (v *VLog) Size() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

func (v *VLog) Close() error {
	err1 := v.writeFile.Close()
	err2 := v.readFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
