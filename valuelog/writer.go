package valuelog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/flashkv/lsmkv/types"
)

// ErrWriterClosed is returned by Append once Close has been called.
var ErrWriterClosed = os.ErrClosed

type appendRequest struct {
	key         types.Key
	value       types.Value
	createdAt   uint64
	isTombstone bool
	done        chan appendResult
}

type appendResult struct {
	offset uint64
	err    error
}

// Writer serializes appends to a VLog through a single background
// goroutine, the same request/done-channel hand-off shape the teacher
// uses for its WAL writer, generalized so Append blocks on its own done
// channel until the record is fsynced — the durability ack spec.md §4.2
// requires before a Put is considered committed.
type Writer struct {
	vlog   *VLog
	ch     chan *appendRequest
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewWriter starts the background append loop for vlog.
func NewWriter(vlog *VLog, bufferDepth int) *Writer {
	w := &Writer{
		vlog: vlog,
		ch:   make(chan *appendRequest, bufferDepth),
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Append enqueues a record and blocks until it has been durably written,
// returning the offset the memtable index should record.
func (w *Writer) Append(key types.Key, value types.Value, createdAt uint64, tombstone bool) (uint64, error) {
	req := &appendRequest{
		key:         key,
		value:       value,
		createdAt:   createdAt,
		isTombstone: tombstone,
		done:        make(chan appendResult, 1),
	}

	select {
	case w.ch <- req:
	case <-w.done:
		return 0, ErrWriterClosed
	}

	select {
	case res := <-req.done:
		return res.offset, res.err
	case <-w.done:
		return 0, ErrWriterClosed
	}
}

func (w *Writer) Close() {
	if w.closed.Swap(true) {
		return
	}
	close(w.done)
	w.wg.Wait()
}

func (w *Writer) loop() {
	defer w.wg.Done()

	for {
		select {
		case req := <-w.ch:
			w.handle(req)
		case <-w.done:
			// Drain whatever is already queued before exiting, same as
			// the teacher's WAL writer does on shutdown.
			for {
				select {
				case req := <-w.ch:
					w.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) handle(req *appendRequest) {
	offset, err := w.vlog.Append(req.key, req.value, req.createdAt, req.isTombstone)
	req.done <- appendResult{offset: offset, err: err}
}
