package engine

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/flashkv/lsmkv/memtable"
	"github.com/flashkv/lsmkv/types"
)

// recover replays the value log from fromOffset forward into the fresh
// active memtable created by Open, restoring whatever writes were lost
// when the active memtable's in-memory state vanished in a crash. Head
// and tail sentinel records are bookkeeping only and are not reinserted.
func (e *Engine) recover(fromOffset uint64) error {
	var replayed int
	for rec, err := range e.vlog.Recover(fromOffset) {
		if err != nil {
			return fmt.Errorf("decode record during replay: %w", err)
		}
		if isSentinelKey(rec.Key) {
			continue
		}

		value := memtable.IndexValue{
			Offset:      rec.Offset,
			CreatedAt:   rec.CreatedAt,
			IsTombstone: rec.IsTombstone,
		}
		if rec.IsTombstone {
			if err := e.active.Delete(rec.Key, rec.CreatedAt); err != nil {
				return fmt.Errorf("replay tombstone for %q: %w", rec.Key, err)
			}
		} else if err := e.active.Insert(rec.Key, value); err != nil {
			return fmt.Errorf("replay write for %q: %w", rec.Key, err)
		}
		replayed++

		if e.active.IsFull(len(rec.Key)) {
			e.mu.Lock()
			e.rolloverLocked()
			e.mu.Unlock()
		}
	}

	e.logger.Info("replayed value log", zap.Int("entries", replayed))
	return nil
}

func isSentinelKey(key types.Key) bool {
	return types.IsReserved(key) && (bytes.Equal(key, types.HeadKey) || bytes.Equal(key, types.TailKey))
}
