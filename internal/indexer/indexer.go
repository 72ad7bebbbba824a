// Package indexer implements the time-ordered index (spec §4.6): it
// drains the filter pool's output queue in batches and maintains a
// single sorted sequence of IndexEntry values, ready for range queries
// by the UI adapter.
package indexer

import (
	"log/slog"
	"sort"
	"sync"

	"procmon/internal/indexentry"
	"procmon/internal/logging"
)

const defaultBatchMax = 2048

// Config configures an Indexer.
type Config struct {
	// Queue is the filter pool's output; the indexer is its sole
	// consumer.
	Queue <-chan indexentry.IndexEntry

	// BatchMax caps how many entries a single merge pass accumulates
	// before sorting and splicing them into the index. Defaults to
	// 2048.
	BatchMax int

	// Logger for structured logging. If nil, logging is disabled. The
	// indexer scopes this logger with component="indexer".
	Logger *slog.Logger
}

// Indexer owns the single time-ordered IndexEntry sequence for one
// filter pool's output. Reads (Collect, Len) take a read lock; the
// drain loop takes the write lock only while splicing a batch in.
type Indexer struct {
	cfg Config

	mu      sync.RWMutex
	entries []indexentry.IndexEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an Indexer. Call Start to begin draining cfg.Queue.
func New(cfg Config) *Indexer {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = defaultBatchMax
	}
	return &Indexer{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: logging.Default(cfg.Logger).With(logging.ComponentKey, "indexer"),
	}
}

// Start launches the drain loop.
func (ix *Indexer) Start() {
	ix.wg.Add(1)
	go ix.run()
}

// Stop signals the drain loop to exit and waits for it to finish. It
// does not close the queue; the queue belongs to whoever created it
// (the controller).
func (ix *Indexer) Stop() {
	close(ix.stopCh)
	ix.wg.Wait()
}

func (ix *Indexer) run() {
	defer ix.wg.Done()

	batch := make([]indexentry.IndexEntry, 0, ix.cfg.BatchMax)

	for {
		select {
		case <-ix.stopCh:
			return
		case e, ok := <-ix.cfg.Queue:
			if !ok {
				return
			}
			batch = batch[:0]
			batch = append(batch, e)

		drain:
			for len(batch) < ix.cfg.BatchMax {
				select {
				case e2, ok := <-ix.cfg.Queue:
					if !ok {
						break drain
					}
					batch = append(batch, e2)
				default:
					break drain
				}
			}

			ix.merge(batch)
		}
	}
}

// merge stable-sorts batch by timestamp, then splices it into the
// existing sequence at the correct position and re-sorts only the
// affected tail. Ties preserve insertion order: first the entries
// already present, then the new batch in its arrival order.
func (ix *Indexer) merge(batch []indexentry.IndexEntry) {
	if len(batch) == 0 {
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].EventTimestamp < batch[j].EventTimestamp
	})
	earliest := batch[0].EventTimestamp

	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].EventTimestamp >= earliest
	})

	tail := make([]indexentry.IndexEntry, 0, len(ix.entries)-pos+len(batch))
	tail = append(tail, ix.entries[pos:]...)
	tail = append(tail, batch...)
	sort.SliceStable(tail, func(i, j int) bool {
		return tail[i].EventTimestamp < tail[j].EventTimestamp
	})

	ix.entries = append(ix.entries[:pos:pos], tail...)
	ix.logger.Debug("merged batch", "added", len(batch), "total", len(ix.entries))
}

// Len returns the number of entries currently indexed.
func (ix *Indexer) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Collect appends entries in [start, end) to out and returns the
// result. start and end are clamped to the current length; a
// clamped-empty range appends nothing.
func (ix *Indexer) Collect(start, end int, out []indexentry.IndexEntry) []indexentry.IndexEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if start < 0 {
		start = 0
	}
	if end > len(ix.entries) {
		end = len(ix.entries)
	}
	if start >= end {
		return out
	}
	return append(out, ix.entries[start:end]...)
}
