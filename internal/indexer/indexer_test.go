package indexer

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmon/internal/indexentry"
	"procmon/internal/wire"
)

const (
	assertEventuallyTimeout = time.Second
	assertEventuallyTick    = time.Millisecond
)

// TestIndexerOrdersByTimestamp covers property 5: after quiescence the
// indexed sequence is sorted by event timestamp regardless of arrival
// order.
func TestIndexerOrdersByTimestamp(t *testing.T) {
	queue := make(chan indexentry.IndexEntry, 1000)
	ix := New(Config{Queue: queue, BatchMax: 64})
	ix.Start()
	defer ix.Stop()

	// Arrival order is reversed relative to timestamp order.
	const n = 500
	for i := n; i > 0; i-- {
		queue <- indexentry.IndexEntry{
			EventTimestamp: wire.FileTime(i),
			EventIndex:     uint64(i), //nolint:gosec // G115: test fixture, i is small and positive
		}
	}

	require.Eventually(t, func() bool { return ix.Len() == n }, assertEventuallyTimeout, assertEventuallyTick)

	got := ix.Collect(0, n, nil)
	require.Len(t, got, n)
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		return got[i].EventTimestamp < got[j].EventTimestamp
	}))
}

// TestIndexerMergeAcrossBatches exercises the splice-and-resplice path
// by feeding entries in two separate merge rounds that interleave in
// timestamp order, confirming the second round's earlier-timestamp
// entries land before the first round's later ones.
func TestIndexerMergeAcrossBatches(t *testing.T) {
	queue := make(chan indexentry.IndexEntry, 100)
	ix := New(Config{Queue: queue, BatchMax: 10})
	ix.Start()
	defer ix.Stop()

	for _, ts := range []int{10, 20, 30} {
		queue <- indexentry.IndexEntry{EventTimestamp: wire.FileTime(ts), EventIndex: uint64(ts)} //nolint:gosec // G115: test fixture
	}
	require.Eventually(t, func() bool { return ix.Len() == 3 }, assertEventuallyTimeout, assertEventuallyTick)

	for _, ts := range []int{5, 15, 25} {
		queue <- indexentry.IndexEntry{EventTimestamp: wire.FileTime(ts), EventIndex: uint64(ts)} //nolint:gosec // G115: test fixture
	}
	require.Eventually(t, func() bool { return ix.Len() == 6 }, assertEventuallyTimeout, assertEventuallyTick)

	got := ix.Collect(0, 6, nil)
	want := []int{5, 10, 15, 20, 25, 30}
	for i, w := range want {
		assert.Equal(t, wire.FileTime(w), got[i].EventTimestamp)
	}
}

// TestIndexerTieBreakPreservesOrder covers the stable-sort tie-break
// requirement: entries with equal timestamps keep their relative
// arrival order — existing entries before a later merge's entries.
func TestIndexerTieBreakPreservesOrder(t *testing.T) {
	queue := make(chan indexentry.IndexEntry, 10)
	ix := New(Config{Queue: queue, BatchMax: 10})
	ix.Start()
	defer ix.Stop()

	queue <- indexentry.IndexEntry{EventTimestamp: 100, EventIndex: 1}
	queue <- indexentry.IndexEntry{EventTimestamp: 100, EventIndex: 2}
	require.Eventually(t, func() bool { return ix.Len() == 2 }, assertEventuallyTimeout, assertEventuallyTick)

	queue <- indexentry.IndexEntry{EventTimestamp: 100, EventIndex: 3}
	require.Eventually(t, func() bool { return ix.Len() == 3 }, assertEventuallyTimeout, assertEventuallyTick)

	got := ix.Collect(0, 3, nil)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].EventIndex, got[1].EventIndex, got[2].EventIndex})
}

// TestIndexerCollectClampsRange exercises out-of-range Collect calls.
func TestIndexerCollectClampsRange(t *testing.T) {
	queue := make(chan indexentry.IndexEntry, 10)
	ix := New(Config{Queue: queue})
	ix.Start()
	defer ix.Stop()

	queue <- indexentry.IndexEntry{EventTimestamp: 1, EventIndex: 0}
	require.Eventually(t, func() bool { return ix.Len() == 1 }, assertEventuallyTimeout, assertEventuallyTick)

	assert.Empty(t, ix.Collect(5, 10, nil))
	assert.Len(t, ix.Collect(-3, 100, nil), 1)
}

// TestIndexerStop confirms Stop halts the drain loop without consuming
// further entries.
func TestIndexerStop(t *testing.T) {
	queue := make(chan indexentry.IndexEntry, 10)
	ix := New(Config{Queue: queue})
	ix.Start()
	ix.Stop()

	queue <- indexentry.IndexEntry{EventTimestamp: 1, EventIndex: 0}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ix.Len())
}
