package eventlog

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmon/internal/wire"
)

const (
	assertEventuallyTimeout = time.Second
	assertEventuallyTick    = time.Millisecond
)

func msgWithDate(date uint64) wire.KmMessage {
	return wire.KmMessage{Event: wire.Event{Date: wire.FileTime(date)}}
}

// TestSingleWriterSequential covers scenario S1: a single writer appends
// 10000 events one at a time with increasing timestamps.
func TestSingleWriterSequential(t *testing.T) {
	l := New(Config{ChunkSize: 1024})

	for i := 1; i <= 10_000; i++ {
		ts := uint64(i) * 1000
		off, err := l.ReserveAndFill(1, func(int) wire.KmMessage { return msgWithDate(ts) })
		require.NoError(t, err)
		assert.Equal(t, uint64(i-1), off)
	}

	require.Equal(t, uint64(10_000), l.Len())
	for i := uint64(0); i < 10_000; i++ {
		m, ok := l.Get(i)
		require.True(t, ok)
		assert.Equal(t, (i+1)*1000, uint64(m.Event.Date))
	}
}

// TestConcurrentWriters covers scenario S2: 8 threads each append 1000
// events concurrently; the log must end up with exactly 8000 committed,
// contiguous entries covering every reserved index exactly once.
func TestConcurrentWriters(t *testing.T) {
	l := New(Config{ChunkSize: 4096})

	const writers = 8
	const perWriter = 1000

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWriter {
				ts := uint64(w*perWriter+i) + 1
				_, err := l.ReserveAndFill(1, func(int) wire.KmMessage { return msgWithDate(ts) })
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, uint64(writers*perWriter), l.Len())

	seen := make(map[uint64]bool)
	for i := uint64(0); i < uint64(writers*perWriter); i++ {
		m, ok := l.Get(i)
		require.True(t, ok)
		seen[uint64(m.Event.Date)] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

// TestReservationOrdering covers property 4: concurrent reservations
// produce disjoint, contiguous index ranges whose union is [0, reserved).
func TestReservationOrdering(t *testing.T) {
	l := New(Config{ChunkSize: 4096})

	const goroutines = 16
	const batch = 7

	offsets := make([]uint64, goroutines)
	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off, err := l.ReserveAndFill(batch, func(int) wire.KmMessage { return wire.KmMessage{} })
			require.NoError(t, err)
			offsets[i] = off
		}(i)
	}
	wg.Wait()

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for i, off := range offsets {
		assert.Equal(t, uint64(i*batch), off) //nolint:gosec // test
	}
	assert.Equal(t, uint64(goroutines*batch), l.Reserved())
	assert.Equal(t, uint64(goroutines*batch), l.Len())
}

// TestBatchReservationCrossesChunkBoundary exercises a reservation whose
// range spans two chunks.
func TestBatchReservationCrossesChunkBoundary(t *testing.T) {
	l := New(Config{ChunkSize: 8})

	off, err := l.ReserveAndFill(6, func(int) wire.KmMessage { return msgWithDate(1) })
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	off, err = l.ReserveAndFill(6, func(k int) wire.KmMessage { return msgWithDate(uint64(k) + 10) })
	require.NoError(t, err)
	assert.Equal(t, uint64(6), off)
	require.Equal(t, uint64(12), l.Len())

	for k := 0; k < 6; k++ {
		m, ok := l.Get(uint64(6 + k))
		require.True(t, ok)
		assert.Equal(t, uint64(k+10), uint64(m.Event.Date))
	}
}

func TestReserveAndFillRejectsOversizedBatch(t *testing.T) {
	l := New(Config{ChunkSize: 8})
	_, err := l.ReserveAndFill(9, func(int) wire.KmMessage { return wire.KmMessage{} })
	require.ErrorIs(t, err, ErrCountExceedsChunkSize)
}

func TestGetBeyondCommittedReturnsFalse(t *testing.T) {
	l := New(Config{ChunkSize: 8})
	_, ok := l.Get(0)
	assert.False(t, ok)

	_, err := l.ReserveAndFill(1, func(int) wire.KmMessage { return wire.KmMessage{} })
	require.NoError(t, err)
	_, ok = l.Get(1)
	assert.False(t, ok)
}

// TestOutOfOrderCompletionStillCommitsContiguously exercises the
// contiguous-commit protocol directly: a later reservation finishes
// before an earlier one, but Len() must not advance past the gap.
func TestOutOfOrderCompletionStillCommitsContiguously(t *testing.T) {
	l := New(Config{ChunkSize: 64})

	// Reserve two ranges manually by racing goroutines with a barrier so
	// the second reservation's fill completes (and publishes) first.
	var holdFirst = make(chan struct{})
	var firstStarted = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := l.ReserveAndFill(1, func(int) wire.KmMessage {
			close(firstStarted)
			<-holdFirst
			return msgWithDate(1)
		})
		require.NoError(t, err)
	}()

	<-firstStarted
	go func() {
		defer wg.Done()
		_, err := l.ReserveAndFill(1, func(int) wire.KmMessage { return msgWithDate(2) })
		require.NoError(t, err)
	}()

	// The second write is complete but cannot publish past index 0 while
	// the first is still in-flight.
	assert.Eventually(t, func() bool { return l.Reserved() == 2 }, assertEventuallyTimeout, assertEventuallyTick)
	assert.Equal(t, uint64(0), l.Len())

	close(holdFirst)
	wg.Wait()
	assert.Equal(t, uint64(2), l.Len())
}

func TestReverseFind(t *testing.T) {
	l := New(Config{ChunkSize: 64})
	for i := 0; i < 10; i++ {
		pid := uint64(i % 3)
		_, err := l.ReserveAndFill(1, func(int) wire.KmMessage {
			return wire.KmMessage{Process: wire.ProcessRef{PID: pid}}
		})
		require.NoError(t, err)
	}

	idx, ok := l.ReverseFind(l.Len(), func(m wire.KmMessage) bool { return m.Process.PID == 0 })
	require.True(t, ok)
	assert.Equal(t, uint64(9), idx)

	_, ok = l.ReverseFind(l.Len(), func(m wire.KmMessage) bool { return m.Process.PID == 99 })
	assert.False(t, ok)
}
