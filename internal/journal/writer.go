package journal

import (
	"database/sql"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// writer serializes SQLite writes through one goroutine behind a bounded
// queue. A full queue drops the write instead of blocking the tick; drops
// are counted and logged at powers of two to avoid spam.
type writer struct {
	db      *sql.DB
	ch      chan func(*sql.DB)
	wg      sync.WaitGroup
	dropped atomic.Uint64
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func newWriter(db *sql.DB, queueSize int, log *zap.Logger) *writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &writer{
		db:  db,
		ch:  make(chan func(*sql.DB), queueSize),
		log: log,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writer) run() {
	defer w.wg.Done()
	for fn := range w.ch {
		fn(w.db)
	}
}

func (w *writer) enqueue(fn func(*sql.DB)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop()
		return
	}
	select {
	case w.ch <- fn:
	default:
		w.drop()
	}
}

func (w *writer) drop() {
	count := w.dropped.Add(1)
	if count&(count-1) == 0 {
		w.log.Warn("journal writer dropping writes",
			zap.Uint64("total_dropped", count),
			zap.Int("queue_cap", cap(w.ch)))
	}
}

func (w *writer) droppedCount() uint64 {
	return w.dropped.Load()
}

// drain stops accepting writes, flushes the queue, and waits for the
// writer goroutine to exit. Safe to call once.
func (w *writer) drain() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}
