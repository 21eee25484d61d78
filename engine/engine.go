// Package engine is the storage engine orchestrator: it owns the active
// and immutable memtables, the value log, and the bucket/KeyRange/Bloom
// indices, and wires the background flush and compaction goroutines
// together the way storage.rs's StorageEngine does, generalized from
// tokio tasks and channels to goroutines and Go channels.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashkv/lsmkv/bloomindex"
	"github.com/flashkv/lsmkv/bucket"
	"github.com/flashkv/lsmkv/compactor"
	"github.com/flashkv/lsmkv/config"
	"github.com/flashkv/lsmkv/flusher"
	"github.com/flashkv/lsmkv/keyrange"
	"github.com/flashkv/lsmkv/logging"
	"github.com/flashkv/lsmkv/memtable"
	"github.com/flashkv/lsmkv/meta"
	"github.com/flashkv/lsmkv/sst"
	"github.com/flashkv/lsmkv/types"
	"github.com/flashkv/lsmkv/valuelog"
)

const (
	bucketsSubdir = "buckets"
	vlogSubdir    = "vlog"

	// minExpectedKeys floors the Bloom filter sizing estimate so a tiny
	// configured memtable capacity never produces a degenerate filter.
	minExpectedKeys = 1024
	// averageEntrySizeGuess is used only to size new Bloom filters ahead
	// of time; being wrong just costs a few extra false positives.
	averageEntrySizeGuess = 64
)

type flushRequest struct {
	id string
	mt *memtable.Memtable
}

// Engine is the public storage engine handle. The zero value is not
// usable; construct with Open.
type Engine struct {
	mu             sync.RWMutex
	active         *memtable.Memtable
	immutable      map[string]*memtable.Memtable
	immutableOrder []string // oldest first
	closed         bool

	vlog       *valuelog.VLog
	vlogWriter *valuelog.Writer

	buckets *bucket.Map
	ranges  *keyrange.Index
	blooms  *bloomindex.Index

	flusher   *flusher.Flusher
	compactor *compactor.Compactor

	flushCh           chan flushRequest
	tombstoneNoticeCh chan struct{}
	closing           chan struct{}
	wg                sync.WaitGroup
	compactionMu      sync.Mutex

	dir              string
	cfg              *config.Config
	logger           *zap.Logger
	memtableCapBytes int
	expectedKeys     uint
}

// Open opens (or creates) a storage engine rooted at dir, replaying the
// value log and rebuilding every in-memory index before starting the
// background flush and compaction goroutines. It returns only once those
// goroutines have signaled they are running.
func Open(dir string, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := logging.NilSafe(cfg.Logger)

	vlogDir := filepath.Join(dir, vlogSubdir)
	bucketsDir := filepath.Join(dir, bucketsSubdir)

	capBytes := cfg.MemtableCapacity * int(cfg.MemtableSizeUnit)
	if capBytes <= 0 {
		capBytes = int(config.Megabytes)
	}
	expectedKeys := uint(capBytes / averageEntrySizeGuess)
	if expectedKeys < minExpectedKeys {
		expectedKeys = minExpectedKeys
	}

	vlog, err := valuelog.Open(vlogDir, cfg.CompressValues)
	if err != nil {
		return nil, fmt.Errorf("engine: open value log: %w", err)
	}

	buckets, err := bucket.Load(bucketsDir, expectedKeys, cfg.BloomFalsePositiveRate)
	if err != nil {
		vlog.Close()
		return nil, fmt.Errorf("engine: load buckets: %w", err)
	}

	ranges := keyrange.New()
	blooms := bloomindex.New()
	for _, b := range buckets.Snapshot() {
		for _, t := range b.Tables {
			ranges.Set(t.DataPath, t.Smallest, t.Biggest, t)
			blooms.Add(t)
		}
	}

	checkpoint, err := meta.Read(dir)
	if err != nil {
		vlog.Close()
		return nil, fmt.Errorf("engine: read checkpoint: %w", err)
	}
	vlog.SetHead(checkpoint.Head)
	vlog.SetTail(checkpoint.Tail)

	e := &Engine{
		active:            memtable.New(capBytes, expectedKeys, cfg.BloomFalsePositiveRate),
		immutable:         make(map[string]*memtable.Memtable),
		vlog:              vlog,
		vlogWriter:        valuelog.NewWriter(vlog, cfg.FlushQueueDepth),
		buckets:           buckets,
		ranges:            ranges,
		blooms:            blooms,
		flushCh:           make(chan flushRequest, cfg.FlushQueueDepth),
		tombstoneNoticeCh: make(chan struct{}, 1),
		closing:           make(chan struct{}),
		dir:               dir,
		cfg:               cfg,
		logger:            logger,
		memtableCapBytes:  capBytes,
		expectedKeys:      expectedKeys,
	}
	e.flusher = flusher.New(buckets, ranges, blooms, cfg.BloomFalsePositiveRate, cfg.SparseIndexSampleRate, cfg.BucketLowRatio, cfg.BucketHighRatio, logger)
	e.compactor = compactor.New(buckets, ranges, blooms, vlog, cfg.MinTierTables, cfg.BloomFalsePositiveRate, cfg.SparseIndexSampleRate, cfg.TombstoneGCGrace, cfg.EnableTTL, cfg.EntryTTLMillis, logger)

	// Replay from the checkpointed tail, not head: every key's newest
	// referenced offset sits at or after tail by construction (compaction
	// sets tail to the minimum offset any live SST still points at), so
	// anything written to the log after tail and not yet folded into an
	// SST — which is exactly what the lost active memtable held — is
	// guaranteed to be included. Replaying a few already-flushed records
	// redundantly is harmless; the newest CreatedAt wins on every lookup.
	// Tail stays 0 until the first compaction ever runs, so a restart
	// before then replays the whole log and re-flushes already-durable
	// records into fresh SSTs; bounded only once a first compaction has
	// advanced tail past the log's start.
	if err := e.recover(checkpoint.Tail); err != nil {
		vlog.Close()
		return nil, fmt.Errorf("engine: recover memtable from value log: %w", err)
	}

	e.triggerBackgroundTasks()
	return e, nil
}

// triggerBackgroundTasks starts the flush consumer and compaction
// goroutines and blocks until both have signaled readiness, mirroring
// the source's trigger_background_tasks confirmation rather than firing
// them blind.
func (e *Engine) triggerBackgroundTasks() {
	var ready sync.WaitGroup
	ready.Add(2)

	e.wg.Add(2)
	go e.flushLoop(&ready)
	go e.compactionLoop(&ready)

	ready.Wait()
}

func (e *Engine) flushLoop(ready *sync.WaitGroup) {
	defer e.wg.Done()
	ready.Done()

	for {
		select {
		case req := <-e.flushCh:
			e.handleFlush(req)
		case <-e.closing:
			for {
				select {
				case req := <-e.flushCh:
					e.handleFlush(req)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handleFlush(req flushRequest) {
	ratio, err := e.flusher.FlushOne(req.mt)
	if err != nil {
		e.logger.Error("flush failed", zap.String("memtable", req.id), zap.Error(err))
		return
	}

	e.mu.Lock()
	delete(e.immutable, req.id)
	e.removeFromOrderLocked(req.id)
	e.mu.Unlock()

	if err := e.checkpoint(); err != nil {
		e.logger.Warn("checkpoint after flush failed", zap.Error(err))
	}

	if ratio >= e.cfg.TombstoneRatioTrigger {
		select {
		case e.tombstoneNoticeCh <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) compactionLoop(ready *sync.WaitGroup) {
	defer e.wg.Done()
	ready.Done()

	ticker := time.NewTicker(e.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.RunCompaction(); err != nil {
				e.logger.Warn("periodic compaction failed", zap.Error(err))
			}
		case <-e.tombstoneNoticeCh:
			if err := e.RunCompaction(); err != nil {
				e.logger.Warn("tombstone-triggered compaction failed", zap.Error(err))
			}
		case <-e.closing:
			return
		}
	}
}

func (e *Engine) removeFromOrderLocked(id string) {
	for i, existing := range e.immutableOrder {
		if existing == id {
			e.immutableOrder = append(e.immutableOrder[:i], e.immutableOrder[i+1:]...)
			return
		}
	}
}

func (e *Engine) checkpoint() error {
	return meta.Write(e.dir, meta.Checkpoint{Head: e.vlog.Head(), Tail: e.vlog.Tail()})
}

// Put writes key/value durably to the value log and indexes it in the
// active memtable, sealing and queuing a rollover if the memtable is now
// full.
func (e *Engine) Put(key, value []byte) error {
	if types.IsReserved(key) {
		return ErrReservedKey
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	createdAt := nowMillis()
	offset, err := e.vlogWriter.Append(key, value, createdAt, false)
	if err != nil {
		return fmt.Errorf("engine: put: append to value log: %w", err)
	}

	return e.applyToActive(key, func(mt *memtable.Memtable) error {
		return mt.Insert(key, memtable.IndexValue{Offset: offset, CreatedAt: createdAt})
	})
}

// Update is equivalent to Put, per spec.md §4.8 ("update(key, value):
// equivalent to put"); the Bloom-gated existence requirement belongs to
// the memtable-level update in §4.1, not this engine-level one. The
// reserved-key check lives in Put.
func (e *Engine) Update(key, value []byte) error {
	return e.Put(key, value)
}

// Delete writes a tombstone for key. Deleting a key the engine has never
// seen is legal, per spec.md §9's resolution of Memtable.Delete's
// semantics — it still durably records the tombstone.
func (e *Engine) Delete(key []byte) error {
	if types.IsReserved(key) {
		return ErrReservedKey
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	createdAt := nowMillis()
	if _, err := e.vlogWriter.Append(key, nil, createdAt, true); err != nil {
		return fmt.Errorf("engine: delete: append to value log: %w", err)
	}

	return e.applyToActive(key, func(mt *memtable.Memtable) error {
		return mt.Delete(key, createdAt)
	})
}

// applyToActive runs apply against the current active memtable under the
// engine's write lock, rolling the memtable over to a fresh one if it
// crossed its capacity threshold as a result.
func (e *Engine) applyToActive(key types.Key, apply func(mt *memtable.Memtable) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	mt := e.active
	if err := apply(mt); err != nil {
		return err
	}

	if mt.IsFull(len(key)) {
		e.rolloverLocked()
	}
	return nil
}

// rolloverLocked seals the active memtable, queues it for flush, and
// installs a fresh active memtable. Callers must hold e.mu.
func (e *Engine) rolloverLocked() {
	sealed := e.active
	sealed.Seal()

	id := fmt.Sprintf("%d", time.Now().UnixNano())
	e.immutable[id] = sealed
	e.immutableOrder = append(e.immutableOrder, id)
	e.active = memtable.New(e.memtableCapBytes, e.expectedKeys, e.cfg.BloomFalsePositiveRate)

	select {
	case e.flushCh <- flushRequest{id: id, mt: sealed}:
	default:
		go func() {
			select {
			case e.flushCh <- flushRequest{id: id, mt: sealed}:
			case <-e.closing:
			}
		}()
	}
}

// Get resolves key through every tier in turn: the active memtable, then
// sealed immutable memtables newest first, then SSTs pruned by KeyRange
// and Bloom filter. A tombstone found at any tier is authoritative — it is
// always the most recent write for that key, since every earlier tier has
// already been checked.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if types.IsReserved(key) {
		return nil, ErrReservedKey
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}
	active := e.active
	immIDs := append([]string(nil), e.immutableOrder...)
	immutable := e.immutable
	e.mu.RUnlock()

	if iv, _, found := active.Get(key); found {
		return e.resolve(iv.Offset, iv.IsTombstone)
	}

	for i := len(immIDs) - 1; i >= 0; i-- {
		mt := immutable[immIDs[i]]
		if mt == nil {
			continue
		}
		if iv, _, found := mt.Get(key); found {
			return e.resolve(iv.Offset, iv.IsTombstone)
		}
	}

	candidates := e.ranges.FilterByKey(key)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNotFoundInDB, ErrKeyNotFoundInAnySSTable)
	}

	matched := e.blooms.CandidatesWithKey(candidates, key)
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNotFoundInDB, ErrKeyNotFoundInAnySSTable)
	}

	// More than one live SST can hold an entry for key (two flushes of the
	// same key with no compaction between them, say), and matched carries
	// no recency order of its own — FilterByKey and CandidatesWithKey both
	// range over maps/slices with no created_at ordering. So every
	// candidate must be checked and the entry with the greatest CreatedAt
	// kept, mirroring the source's scan that only ever overwrites its
	// running result when a later entry's created_at is newer.
	var (
		best     sst.Entry
		haveBest bool
	)
	for _, t := range matched {
		entry, err := t.Get(key)
		if errors.Is(err, sst.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			// Per spec.md §7: individual SST lookup errors are logged
			// and the read continues to the next candidate rather than
			// failing the whole Get.
			e.logger.Warn("sst lookup failed, continuing", zap.String("table", t.DataPath), zap.Error(err))
			continue
		}
		if !haveBest || entry.CreatedAt > best.CreatedAt {
			best = entry
			haveBest = true
		}
	}

	if !haveBest {
		return nil, fmt.Errorf("%w: %w", ErrNotFoundInDB, ErrKeyNotFoundInAnySSTable)
	}
	return e.resolve(best.Offset, best.IsTombstone)
}

func (e *Engine) resolve(offset uint64, tombstone bool) ([]byte, error) {
	if tombstone {
		return nil, ErrKeyDeleted
	}

	rec, err := e.vlog.Get(offset)
	if err != nil {
		return nil, fmt.Errorf("engine: read value log at %d: %w", offset, err)
	}
	if rec.IsTombstone {
		return nil, ErrKeyDeleted
	}
	return rec.Value, nil
}

// Clear truncates the active and immutable memtables, every on-disk
// bucket, and the value log itself, then reinitializes every in-memory
// index — the full wipe spec.md §4.8 defines ("truncate memtables,
// buckets, and value log; reinitialize"), mirroring the source's
// clear_all.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if err := e.buckets.Reset(); err != nil {
		return fmt.Errorf("engine: clear: reset buckets: %w", err)
	}
	e.ranges.Reset()
	e.blooms.Reset()
	if err := e.vlog.Reset(); err != nil {
		return fmt.Errorf("engine: clear: reset value log: %w", err)
	}

	e.active = memtable.New(e.memtableCapBytes, e.expectedKeys, e.cfg.BloomFalsePositiveRate)
	e.immutable = make(map[string]*memtable.Memtable)
	e.immutableOrder = nil

	return e.checkpoint()
}

// FlushAllMemtables seals the active memtable and flushes it, plus every
// already-sealed immutable memtable, sorting the Bloom-filter list by
// descending hotness afterward — the behavior spec.md §4.8 names.
func (e *Engine) FlushAllMemtables() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.active.Len() > 0 {
		e.rolloverLocked()
	}
	ids := append([]string(nil), e.immutableOrder...)
	e.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		e.mu.RLock()
		mt := e.immutable[id]
		e.mu.RUnlock()
		if mt == nil {
			continue
		}

		if _, err := e.flusher.FlushOne(mt); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		e.mu.Lock()
		delete(e.immutable, id)
		e.removeFromOrderLocked(id)
		e.mu.Unlock()
	}

	e.blooms.SortByHotnessDescending()

	if err := e.checkpoint(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RunCompaction runs one compaction pass over every bucket eligible for
// merging. It is safe to call concurrently with the background compaction
// goroutine; calls are serialized so a periodic tick and a tombstone
// notice never race on the same bucket.
func (e *Engine) RunCompaction() error {
	e.compactionMu.Lock()
	defer e.compactionMu.Unlock()

	if err := e.compactor.RunCompaction(time.Now()); err != nil {
		return err
	}
	return e.checkpoint()
}

// Close stops the background goroutines, flushes pending value-log
// writes, and closes the underlying files.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closing)
	e.wg.Wait()
	e.vlogWriter.Close()

	if err := e.checkpoint(); err != nil {
		e.logger.Warn("final checkpoint failed", zap.Error(err))
	}
	return e.vlog.Close()
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
