// Package uiadapter defines the read-only contract the core exposes to
// any display layer (spec §4.9): row count, stable per-row access, and
// lazy process lookup. Column layout and formatting are a display
// concern and stay out of this package entirely.
package uiadapter

import (
	"procmon/internal/controller"
	"procmon/internal/eventlog"
	"procmon/internal/indexentry"
	"procmon/internal/processcache"
	"procmon/internal/wire"
)

// RowReader is invoked by ReadRow with a stable IndexEntry and the
// KmMessage it refers to.
type RowReader func(entry indexentry.IndexEntry, event *wire.KmMessage)

// UIAdapter is the interface a display layer programs against. Reader
// receives a stable event reference: the IndexEntry and KmMessage
// passed to it are snapshots, never mutated after ReadRow returns.
type UIAdapter interface {
	// RowCount returns the number of rows currently visible through
	// the active filter set.
	RowCount() int

	// ReadRow invokes reader with row i's IndexEntry and underlying
	// KmMessage. Returns false if i is out of range or the underlying
	// event was evicted from the log (never happens today; the log
	// never evicts, but the contract allows for it).
	ReadRow(i int, reader RowReader) bool

	// LookupProcess resolves uid through the process cache. A Miss
	// means the caller should render a loading placeholder and poll
	// again later.
	LookupProcess(uid uint64) (processcache.LookupState, *wire.ProcessInformation)
}

// Adapter is the default UIAdapter: a thin read-only view over an
// EventLog, an IndexerController, and a ProcessCache.
type Adapter struct {
	log   *eventlog.EventLog
	ctrl  *controller.Controller
	cache *processcache.Cache
}

var _ UIAdapter = (*Adapter)(nil)

// New creates an Adapter over the given core components. It does not
// own any of their lifetimes.
func New(log *eventlog.EventLog, ctrl *controller.Controller, cache *processcache.Cache) *Adapter {
	return &Adapter{log: log, ctrl: ctrl, cache: cache}
}

// RowCount returns the active indexer's current view length.
func (a *Adapter) RowCount() int {
	return a.ctrl.NumEvents()
}

// ReadRow fetches row i's IndexEntry from the controller and its
// KmMessage from the event log, then invokes reader with both. Both
// values are copies: safe to read after ReadRow returns, regardless of
// concurrent log growth or filter changes.
func (a *Adapter) ReadRow(i int, reader RowReader) bool {
	entries := a.ctrl.Collect(i, i+1, nil)
	if len(entries) == 0 {
		return false
	}
	entry := entries[0]

	event, ok := a.log.Get(entry.EventIndex)
	if !ok {
		return false
	}

	reader(entry, &event)
	return true
}

// LookupProcess delegates to the process cache.
func (a *Adapter) LookupProcess(uid uint64) (processcache.LookupState, *wire.ProcessInformation) {
	return a.cache.TryGet(uid)
}
