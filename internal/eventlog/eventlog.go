// Package eventlog implements the chunked, append-only event store: an
// unbounded sequence of wire.KmMessage values that tolerates many
// concurrent writers with wait-free read access. Chunks, once
// allocated, are never freed, moved, or reallocated, so once index i is
// committed every Get(i) returns a copy of the same value for the log's
// lifetime.
package eventlog

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"procmon/internal/logging"
	"procmon/internal/wire"
)

// ErrCountExceedsChunkSize is returned by ReserveAndFill when count is
// larger than the chunk size — the only way reservation can fail.
var ErrCountExceedsChunkSize = errors.New("eventlog: count exceeds chunk size")

const defaultChunkSize = 100_000

// Config configures an EventLog.
type Config struct {
	// ChunkSize is the number of events per chunk. Rounded up to the
	// next power of two. Defaults to 100000 (rounded up to 131072).
	ChunkSize int

	// Logger for structured logging. If nil, logging is disabled.
	// The log scopes this logger with component="eventlog".
	Logger *slog.Logger
}

type chunkBlock struct {
	slots []wire.KmMessage
}

// writePermit records a finished-but-unpublished write reservation,
// awaiting contiguous merge into the committed offset.
type writePermit struct {
	offset uint64
	size   uint64
}

// EventLog is the chunked append-only event store described in spec
// §4.1. Writers reserve slots with ReserveAndFill and may finish
// out of order; the committed offset advances only over contiguous,
// fully-initialized ranges (§4.1.1).
type EventLog struct {
	chunkSize uint64
	shift     uint
	mask      uint64

	reserved  atomic.Uint64
	committed atomic.Uint64

	growMu    sync.Mutex
	chunksPtr atomic.Pointer[[]*chunkBlock]

	permitMu sync.Mutex
	permits  []writePermit

	logger *slog.Logger
}

// New creates a ready-to-use EventLog.
func New(cfg Config) *EventLog {
	size := cfg.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	size = int(nextPowerOfTwo(uint64(size))) //nolint:gosec // G115: size is a small positive config value

	logger := logging.Default(cfg.Logger).With(logging.ComponentKey, "eventlog")

	shift := 0
	for uint64(1)<<uint(shift) < uint64(size) {
		shift++
	}

	l := &EventLog{
		chunkSize: uint64(size),
		shift:     uint(shift),
		mask:      uint64(size) - 1,
		logger:    logger,
	}
	chunks := make([]*chunkBlock, 0)
	l.chunksPtr.Store(&chunks)
	return l
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// ChunkSize returns the configured (rounded-up) chunk size C.
func (l *EventLog) ChunkSize() uint64 { return l.chunkSize }

// ReserveAndFill reserves a contiguous slot of count items, fills each
// with producer(k) for k in [0, count), and publishes the write via the
// contiguous-commit protocol. Fails only if count exceeds the chunk size.
func (l *EventLog) ReserveAndFill(count int, producer func(k int) wire.KmMessage) (uint64, error) {
	if count <= 0 {
		return 0, nil
	}
	if uint64(count) > l.chunkSize { //nolint:gosec // G115: count is caller-provided and validated
		return 0, ErrCountExceedsChunkSize
	}

	off := l.reserved.Add(uint64(count)) - uint64(count) //nolint:gosec // G115: count validated above

	l.ensureChunks(off + uint64(count)) //nolint:gosec // G115: count validated above

	chunks := *l.chunksPtr.Load()
	for k := range count {
		idx := off + uint64(k) //nolint:gosec // G115: k is a small non-negative loop index
		chunk := chunks[idx>>l.shift]
		chunk.slots[idx&l.mask] = producer(k)
	}

	l.publish(off, uint64(count)) //nolint:gosec // G115: count validated above
	return off, nil
}

// ensureChunks grows the chunk slice, under a mutex, so that index
// uptoIndex-1 is backed by an allocated chunk. An optimistic lock-free
// read short-circuits the common case where no growth is needed.
func (l *EventLog) ensureChunks(uptoIndex uint64) {
	neededChunkIdx := (uptoIndex - 1) >> l.shift

	chunks := *l.chunksPtr.Load()
	if uint64(len(chunks)) > neededChunkIdx {
		return
	}

	l.growMu.Lock()
	defer l.growMu.Unlock()

	chunks = *l.chunksPtr.Load()
	if uint64(len(chunks)) > neededChunkIdx {
		return
	}

	grown := make([]*chunkBlock, len(chunks))
	copy(grown, chunks)
	for uint64(len(grown)) <= neededChunkIdx {
		// Allocation failure here is fatal: there is no sensible recovery
		// for an out-of-memory event-log grow (spec §7).
		grown = append(grown, &chunkBlock{slots: make([]wire.KmMessage, l.chunkSize)})
	}

	l.logger.Debug("grew event log", "chunks", len(grown))
	l.chunksPtr.Store(&grown)
}

// publish implements the contiguous-commit protocol of spec §4.1.1.
func (l *EventLog) publish(offset, size uint64) {
	l.permitMu.Lock()
	defer l.permitMu.Unlock()

	idx := sort.Search(len(l.permits), func(i int) bool { return l.permits[i].offset >= offset })
	l.permits = append(l.permits, writePermit{})
	copy(l.permits[idx+1:], l.permits[idx:])
	l.permits[idx] = writePermit{offset: offset, size: size}

	committed := l.committed.Load()
	if l.permits[0].offset != committed {
		return
	}

	drained := 0
	for drained < len(l.permits) && l.permits[drained].offset == committed {
		committed += l.permits[drained].size
		drained++
	}
	if drained == 0 {
		return
	}
	l.permits = l.permits[drained:]
	l.committed.Store(committed)
}

// Get returns a stable copy of item i iff i < Len(). Otherwise ok is false.
func (l *EventLog) Get(i uint64) (wire.KmMessage, bool) {
	if i >= l.committed.Load() {
		return wire.KmMessage{}, false
	}
	chunks := *l.chunksPtr.Load()
	chunk := chunks[i>>l.shift]
	return chunk.slots[i&l.mask], true
}

// Len returns the committed count.
func (l *EventLog) Len() uint64 { return l.committed.Load() }

// Reserved returns the reserved offset (>= Len()).
func (l *EventLog) Reserved() uint64 { return l.reserved.Load() }

// ReverseFind scans indices [0, end) from high to low, returning the
// first index whose event matches predicate. end is clamped to Len().
func (l *EventLog) ReverseFind(end uint64, predicate func(wire.KmMessage) bool) (uint64, bool) {
	if committed := l.committed.Load(); end > committed {
		end = committed
	}
	chunks := *l.chunksPtr.Load()
	for i := end; i > 0; i-- {
		idx := i - 1
		chunk := chunks[idx>>l.shift]
		if predicate(chunk.slots[idx&l.mask]) {
			return idx, true
		}
	}
	return 0, false
}
