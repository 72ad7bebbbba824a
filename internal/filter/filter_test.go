package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmon/internal/eventlog"
	"procmon/internal/indexentry"
	"procmon/internal/notify"
	"procmon/internal/wire"
)

// TestFilterMatchAll covers property 6: under the match-all filter set,
// the multiset of event_index values in the view equals [0, len()) once
// quiescent.
func TestFilterMatchAll(t *testing.T) {
	log := eventlog.New(eventlog.Config{ChunkSize: 4096})
	bus := notify.New(notify.Config{})
	defer bus.Stop()

	queue := make(chan indexentry.IndexEntry, 10_000)
	pool := New(Config{Log: log, Bus: bus, Queue: queue, Filters: MatchAll(), Workers: 4})
	pool.Start()
	defer pool.Stop()

	const n = 1000
	for i := range n {
		_, err := log.ReserveAndFill(1, func(int) wire.KmMessage {
			return wire.KmMessage{Process: wire.ProcessRef{PID: uint64(i)}}
		})
		require.NoError(t, err)
		bus.Notify()
	}

	seen := make(map[uint64]bool)
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-queue:
				seen[e.EventIndex] = true
			default:
				return len(seen) == n
			}
		}
	}, 2*time.Second, time.Millisecond)

	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[i], "missing index %d", i)
	}
}

// TestFilterPIDEquals covers scenario S3: 1000 events with pid in
// [1,100] round robin, filtered to pid==42, expect 10 matches.
func TestFilterPIDEquals(t *testing.T) {
	log := eventlog.New(eventlog.Config{ChunkSize: 4096})
	bus := notify.New(notify.Config{})
	defer bus.Stop()

	queue := make(chan indexentry.IndexEntry, 10_000)
	pool := New(Config{
		Log:     log,
		Bus:     bus,
		Queue:   queue,
		Filters: []Predicate{PIDEquals(42)},
		Workers: 4,
	})
	pool.Start()
	defer pool.Stop()

	const n = 1000
	for i := range n {
		pid := uint64(i%100) + 1
		_, err := log.ReserveAndFill(1, func(int) wire.KmMessage {
			return wire.KmMessage{Process: wire.ProcessRef{PID: pid}}
		})
		require.NoError(t, err)
	}
	bus.Notify()

	var matched []indexentry.IndexEntry
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-queue:
				matched = append(matched, e)
			default:
				return len(matched) == 10
			}
		}
	}, 2*time.Second, time.Millisecond)

	for _, e := range matched {
		m, ok := log.Get(e.EventIndex)
		require.True(t, ok)
		assert.Equal(t, uint64(42), m.Process.PID)
	}
}
