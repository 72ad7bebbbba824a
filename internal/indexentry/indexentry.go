// Package indexentry defines the weak-reference type the filter pool
// produces and the indexer consumes, per spec §3: IndexEntry never
// holds a pointer into the event log, only a position and a copy of
// the timestamp used to order it.
package indexentry

import "procmon/internal/wire"

// IndexEntry is a weak reference to an event already committed to the
// event log: a timestamp copy plus the event's position. The indexer
// exclusively owns the ordered sequence of these; the event log owns
// the events themselves.
type IndexEntry struct {
	EventTimestamp wire.FileTime
	EventIndex     uint64
}
