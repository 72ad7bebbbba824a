// Package notify provides the coalescing pub/sub notification bus used
// to tell downstream consumers "the event log has grown" without
// storming them under high ingest: concurrent Notify() calls collapse
// to at most one pending dispatch.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"procmon/internal/logging"
)

// Config configures a Bus.
type Config struct {
	// Logger for structured logging. If nil, logging is disabled.
	// The bus scopes this logger with component="notify".
	Logger *slog.Logger
}

// Subscription is a handle returned by Subscribe. Call Unsubscribe to
// stop receiving notifications.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Unsubscribe removes the associated callback. Safe to call more than
// once; safe to call concurrently with dispatch.
func (s Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
}

// Bus is a coalescing pub/sub notification bus (spec §4.4). A boolean
// permit, acquired via CAS on Notify and released by the dispatcher
// just before invoking callbacks, guarantees every Notify() call that
// observes the permit free causes at least one subsequent dispatch that
// began after the call; a call that observed the permit busy is covered
// by the in-flight or next dispatch.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]func()
	nextID uint64

	permit atomic.Bool
	workCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates a Bus and starts its single dedicated dispatcher worker.
func New(cfg Config) *Bus {
	b := &Bus{
		subs:   make(map[uint64]func()),
		workCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		logger: logging.Default(cfg.Logger).With(logging.ComponentKey, "notify"),
	}
	b.permit.Store(true)

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// Subscribe registers cb to be invoked on every dispatch. Returns a
// handle that unregisters it on Unsubscribe.
func (b *Bus) Subscribe(cb func()) Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = cb
	b.mu.Unlock()
	return Subscription{bus: b, id: id}
}

// Notify schedules a dispatch if one isn't already pending or in-flight.
// Returns immediately in all cases.
func (b *Bus) Notify() {
	if b.permit.CompareAndSwap(true, false) {
		select {
		case b.workCh <- struct{}{}:
		case <-b.stopCh:
		}
	}
}

// Stop terminates the dispatcher worker. Safe to call once; further
// Notify calls become no-ops once the worker has exited.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.workCh:
			// Release the permit before invoking callbacks: any Notify()
			// racing with this dispatch observes a free permit and
			// schedules a fresh one, guaranteeing it sees state at least
			// as new as the state that triggered this dispatch.
			b.permit.Store(true)
			b.dispatch()
		}
	}
}

func (b *Bus) dispatch() {
	b.mu.Lock()
	cbs := make([]func(), 0, len(b.subs))
	for _, cb := range b.subs {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}
