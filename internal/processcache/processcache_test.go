package processcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procmon/internal/transport"
	"procmon/internal/wire"
)

const (
	assertEventuallyTimeout = time.Second
	assertEventuallyTick    = time.Millisecond
)

// TestTryGetMissThenHit covers scenario S4: a miss enqueues a fetch,
// the worker answers, and the cache converges to a stable Hit with no
// duplicate kernel requests for the same uid.
func TestTryGetMissThenHit(t *testing.T) {
	port := transport.NewFakePort(transport.Config{RequestTimeout: time.Second})
	defer port.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var requests atomic.Int64
	go autoRespond(ctx, port, func(req wire.UmSendMessage) wire.KmReplyMessage {
		requests.Add(1)
		return wire.KmReplyMessage{
			Kind: wire.ReplyProcessInfo,
			ProcessInfo: wire.ProcessInformation{
				UniqueID: req.UniqueID,
				Path:     wire.UTF16FromString("a.exe"),
			},
		}
	})

	c := New(Config{Port: port})
	c.Start()
	defer c.Stop()

	state, info := c.TryGet(9)
	assert.Equal(t, Miss, state)
	assert.Nil(t, info)

	require.Eventually(t, func() bool {
		state, _ := c.TryGet(9)
		return state == Hit
	}, assertEventuallyTimeout, assertEventuallyTick)

	state, info = c.TryGet(9)
	require.Equal(t, Hit, state)
	require.NotNil(t, info)
	assert.Equal(t, "a.exe", info.Path.String())

	// Repeated calls return the identical result with no further
	// kernel requests.
	for range 5 {
		s2, i2 := c.TryGet(9)
		assert.Equal(t, Hit, s2)
		assert.Equal(t, info, i2)
	}
	assert.Equal(t, int64(1), requests.Load(), "expected exactly one kernel request for uid 9")
}

// TestTryGetIdempotence covers property 8: after the first Hit, all
// later TryGet calls return the same value, including a negative
// result.
func TestTryGetIdempotence(t *testing.T) {
	port := transport.NewFakePort(transport.Config{RequestTimeout: time.Second})
	defer port.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go autoRespond(ctx, port, func(wire.UmSendMessage) wire.KmReplyMessage {
		return wire.KmReplyMessage{Kind: wire.ReplyExeName} // wrong variant -> negative cache
	})

	c := New(Config{Port: port})
	c.Start()
	defer c.Stop()

	_, _ = c.TryGet(42)
	require.Eventually(t, func() bool {
		state, _ := c.TryGet(42)
		return state == Hit
	}, assertEventuallyTimeout, assertEventuallyTick)

	state, info := c.TryGet(42)
	assert.Equal(t, Hit, state)
	assert.Nil(t, info)

	// Still negative and still Hit on later calls.
	state, info = c.TryGet(42)
	assert.Equal(t, Hit, state)
	assert.Nil(t, info)
}

// TestTryGetRepeatedMissesDeduped covers the duplicate-enqueue
// de-duplication requirement of spec §4.7: many TryGet calls for the
// same uid made before it resolves each enqueue it again, yet must
// still converge to exactly one kernel request.
func TestTryGetRepeatedMissesDeduped(t *testing.T) {
	port := transport.NewFakePort(transport.Config{RequestTimeout: time.Second})
	defer port.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var requests atomic.Int64
	go autoRespond(ctx, port, func(req wire.UmSendMessage) wire.KmReplyMessage {
		requests.Add(1)
		return wire.KmReplyMessage{Kind: wire.ReplyProcessInfo, ProcessInfo: wire.ProcessInformation{UniqueID: req.UniqueID}}
	})

	c := New(Config{Port: port})
	c.Start()
	defer c.Stop()

	for range 50 {
		c.TryGet(7)
	}

	require.Eventually(t, func() bool {
		state, _ := c.TryGet(7)
		return state == Hit
	}, assertEventuallyTimeout, assertEventuallyTick)

	assert.Equal(t, int64(1), requests.Load())
}

// autoRespond plays the kernel side of a FakePort until ctx is done:
// it watches for outstanding requests and answers each exactly once
// with answer(req).
func autoRespond(ctx context.Context, port *transport.FakePort, answer func(wire.UmSendMessage) wire.KmReplyMessage) {
	answered := make(map[string]bool)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pr := range port.PendingRequests() {
				key := pr.ID.String()
				if answered[key] {
					continue
				}
				answered[key] = true
				_ = port.Reply(pr.ID, answer(pr.Req))
			}
		}
	}
}
