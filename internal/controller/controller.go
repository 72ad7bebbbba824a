// Package controller implements the IndexerController façade (spec
// §4.8): it owns the filter pool, index queue, and indexer lifetimes
// as one unit, rebuilding all three when the active filter set
// changes while leaving the EventLog untouched.
package controller

import (
	"log/slog"
	"sync"

	"procmon/internal/eventlog"
	"procmon/internal/filter"
	"procmon/internal/indexentry"
	"procmon/internal/indexer"
	"procmon/internal/logging"
	"procmon/internal/notify"
)

const defaultQueueCapacity = 8192

// Config configures a Controller. Log and Bus are shared with the
// storage pipeline and outlive any number of ChangeFilters calls.
type Config struct {
	Log *eventlog.EventLog
	Bus *notify.Bus

	// Filters is the initial filter set. MatchAll() if empty.
	Filters []filter.Predicate

	FilterWorkers int
	RangeChunk    int
	QueueCapacity int
	IndexBatchMax int

	// Logger for structured logging. If nil, logging is disabled. The
	// controller scopes this logger with component="controller".
	Logger *slog.Logger
}

// Controller composes a filter.Pool, its output queue, and an
// indexer.Indexer into a single downstream pipeline over a shared
// EventLog. ChangeFilters tears the current pipeline down and builds a
// fresh one in its place; NumEvents and Collect always read the
// currently-active indexer.
type Controller struct {
	cfg Config

	mu   sync.Mutex
	pool *filter.Pool
	idx  *indexer.Indexer

	logger *slog.Logger
}

// New creates a Controller and starts its initial filter pool and
// indexer.
func New(cfg Config) *Controller {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	c := &Controller{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With(logging.ComponentKey, "controller"),
	}
	c.mu.Lock()
	c.rebuildLocked(cfg.Filters)
	c.mu.Unlock()
	return c
}

// rebuildLocked starts a fresh queue, filter pool, and indexer. Caller
// must hold c.mu and must have already stopped any previous pipeline.
func (c *Controller) rebuildLocked(filters []filter.Predicate) {
	queue := make(chan indexentry.IndexEntry, c.cfg.QueueCapacity)

	idx := indexer.New(indexer.Config{
		Queue:    queue,
		BatchMax: c.cfg.IndexBatchMax,
		Logger:   c.cfg.Logger,
	})
	idx.Start()

	pool := filter.New(filter.Config{
		Log:        c.cfg.Log,
		Bus:        c.cfg.Bus,
		Queue:      queue,
		Filters:    filters,
		Workers:    c.cfg.FilterWorkers,
		RangeChunk: c.cfg.RangeChunk,
		Logger:     c.cfg.Logger,
	})
	pool.Start()

	c.pool = pool
	c.idx = idx
}

// NumEvents returns the number of events currently visible in the
// active indexer's view.
func (c *Controller) NumEvents() int {
	c.mu.Lock()
	idx := c.idx
	c.mu.Unlock()
	return idx.Len()
}

// Collect appends indexed entries in [start, end) to out, per the
// active indexer's current ordering.
func (c *Controller) Collect(start, end int, out []indexentry.IndexEntry) []indexentry.IndexEntry {
	c.mu.Lock()
	idx := c.idx
	c.mu.Unlock()
	return idx.Collect(start, end, out)
}

// ChangeFilters tears down the current filter pool and indexer and
// rebuilds them against the new filter set. The EventLog is untouched,
// so the new pipeline re-derives its view from scratch by re-scanning
// every committed event (spec §4.8).
func (c *Controller) ChangeFilters(filters []filter.Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pool.Stop()
	c.idx.Stop()
	c.logger.Info("rebuilding downstream pipeline for new filter set")
	c.rebuildLocked(filters)
}

// Stop tears down the active filter pool and indexer. The EventLog
// outlives the Controller.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Stop()
	c.idx.Stop()
}
