// Package storage implements the storage-writer worker pool (spec §4.3):
// it drains an MPSC channel fed by transport workers into the event log
// in small batches and notifies downstream consumers of growth.
package storage

import (
	"log/slog"
	"sync"

	"procmon/internal/eventlog"
	"procmon/internal/logging"
	"procmon/internal/notify"
	"procmon/internal/wire"
)

const defaultDrainLimit = 128

// Config configures a storage worker Pool.
type Config struct {
	Log   *eventlog.EventLog
	Bus   *notify.Bus
	Input <-chan wire.KmMessage

	// Workers is the number of storage worker goroutines. Should match
	// the transport worker count to avoid pipeline imbalance (spec §4.3).
	Workers int

	// DrainLimit caps how many additional messages a worker
	// opportunistically drains, non-blocking, after its first receive.
	// Defaults to 128.
	DrainLimit int

	// Logger for structured logging. If nil, logging is disabled.
	// The pool scopes this logger with component="storage".
	Logger *slog.Logger
}

// Pool is a set of independent storage workers. Ordering of events
// across workers is not guaranteed at storage time; the indexer imposes
// time order later.
type Pool struct {
	cfg    Config
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Pool. Call Start to launch its workers.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = defaultDrainLimit
	}
	return &Pool{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: logging.Default(cfg.Logger).With(logging.ComponentKey, "storage"),
	}
}

// Start launches cfg.Workers worker goroutines.
func (p *Pool) Start() {
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop signals all workers to exit and waits for them to finish. It does
// not close the input channel; the caller owns that.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	maxBatch := p.cfg.DrainLimit + 1
	if cs := p.cfg.Log.ChunkSize(); uint64(maxBatch) > cs { //nolint:gosec // G115: cs is a small configured chunk size
		maxBatch = int(cs) //nolint:gosec // G115: cs is a small configured chunk size
	}
	batch := make([]wire.KmMessage, 0, maxBatch)

	for {
		select {
		case <-p.stopCh:
			return
		case m, ok := <-p.cfg.Input:
			if !ok {
				return
			}
			batch = batch[:0]
			batch = append(batch, m)

		drain:
			for len(batch) < maxBatch {
				select {
				case m2, ok := <-p.cfg.Input:
					if !ok {
						break drain
					}
					batch = append(batch, m2)
				default:
					break drain
				}
			}

			if _, err := p.cfg.Log.ReserveAndFill(len(batch), func(k int) wire.KmMessage { return batch[k] }); err != nil {
				p.logger.Error("reserve_and_fill failed", "worker", id, "batch", len(batch), "error", err)
				continue
			}
			p.cfg.Bus.Notify()
		}
	}
}
