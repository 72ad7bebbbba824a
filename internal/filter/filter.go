// Package filter implements the filter pool → index queue stage (spec
// §4.5): on each growth notification it discovers the newly-committed
// event range, fans it out to a worker pool in fixed-size chunks, and
// pushes IndexEntry values for events matching the active filter set.
package filter

import (
	"log/slog"
	"sync"

	"procmon/internal/eventlog"
	"procmon/internal/indexentry"
	"procmon/internal/logging"
	"procmon/internal/notify"
	"procmon/internal/wire"
)

// Predicate is a single filter predicate over an event, e.g. pid == X.
type Predicate func(wire.KmMessage) bool

// PIDEquals returns a predicate matching events from the given pid.
func PIDEquals(pid uint64) Predicate {
	return func(m wire.KmMessage) bool { return m.Process.PID == pid }
}

// PIDAtMost returns a predicate matching events with pid <= the given pid.
func PIDAtMost(pid uint64) Predicate {
	return func(m wire.KmMessage) bool { return m.Process.PID <= pid }
}

// MatchAll is the identity filter set: every event matches.
func MatchAll() []Predicate { return nil }

const (
	defaultRangeChunk = 512
	defaultWorkers    = 4
)

// Config configures a filter Pool.
type Config struct {
	Log *eventlog.EventLog
	Bus *notify.Bus

	// Queue receives IndexEntry values for events matching all Filters.
	// A full queue blocks the filter worker that's pushing to it — this
	// is the pool's only back-pressure point (spec §4.5).
	Queue chan<- indexentry.IndexEntry

	// Filters is the conjunction of predicates applied to every event.
	// An event matches iff every predicate accepts it. Installed once at
	// pool construction and never mutated; reconfiguration means tearing
	// down this pool and building a new one (spec §4.5).
	Filters []Predicate

	// Workers is the number of fan-out worker goroutines.
	Workers int

	// RangeChunk caps how many indices a single fan-out task covers.
	// Defaults to 512.
	RangeChunk int

	// Logger for structured logging. If nil, logging is disabled.
	// The pool scopes this logger with component="filter".
	Logger *slog.Logger
}

type rangeTask struct {
	start, end uint64
}

// Pool is the filter fan-out worker pool.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	prevSize uint64

	sub    notify.Subscription
	tasks  chan rangeTask
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates a Pool. Call Start to subscribe to growth notifications
// and launch its workers.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RangeChunk <= 0 {
		cfg.RangeChunk = defaultRangeChunk
	}
	return &Pool{
		cfg:    cfg,
		tasks:  make(chan rangeTask, cfg.Workers*2),
		stopCh: make(chan struct{}),
		logger: logging.Default(cfg.Logger).With(logging.ComponentKey, "filter"),
	}
}

// Start launches the fan-out workers and subscribes to bus growth
// notifications, catching up on any events already committed.
func (p *Pool) Start() {
	for range p.cfg.Workers {
		p.wg.Add(1)
		go p.worker()
	}
	p.sub = p.cfg.Bus.Subscribe(p.onGrowth)
	p.onGrowth() // catch up on anything committed before Start
}

// Stop unsubscribes from the bus, signals the workers to exit, and
// waits for them to return. Range tasks still queued are dropped, and a
// worker part-way through a range stops at its next queue push.
func (p *Pool) Stop() {
	p.sub.Unsubscribe()
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) onGrowth() {
	p.mu.Lock()
	newSize := p.cfg.Log.Len()
	start := p.prevSize
	if newSize <= start {
		p.mu.Unlock()
		return
	}
	p.prevSize = newSize
	p.mu.Unlock()

	for s := start; s < newSize; s += uint64(p.cfg.RangeChunk) { //nolint:gosec // G115: RangeChunk is a small positive config value
		e := s + uint64(p.cfg.RangeChunk) //nolint:gosec // G115: RangeChunk is a small positive config value
		if e > newSize {
			e = newSize
		}
		select {
		case p.tasks <- rangeTask{start: s, end: e}:
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.tasks:
			p.processRange(t)
		}
	}
}

func (p *Pool) processRange(t rangeTask) {
	for i := t.start; i < t.end; i++ {
		m, ok := p.cfg.Log.Get(i)
		if !ok {
			continue
		}
		if !p.matches(m) {
			continue
		}
		entry := indexentry.IndexEntry{EventTimestamp: m.Event.Date, EventIndex: i}
		select {
		case p.cfg.Queue <- entry:
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) matches(m wire.KmMessage) bool {
	for _, f := range p.cfg.Filters {
		if !f(m) {
			return false
		}
	}
	return true
}
