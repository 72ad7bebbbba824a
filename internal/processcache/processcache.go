// Package processcache implements the lazy, asynchronous process
// metadata cache (spec §4.7): a non-blocking lookup by unique id that
// returns immediately, backed by a single worker draining a request
// queue over the transport port.
package processcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"procmon/internal/logging"
	"procmon/internal/transport"
	"procmon/internal/wire"
)

const (
	defaultBatchMax       = 128
	defaultQueueCapacity  = 4096
	defaultRequestTimeout = 2 * time.Second
)

// LookupState is the result of a TryGet call.
type LookupState int

const (
	// Miss means uid is unknown; a fetch has been enqueued and the
	// caller should treat this as "loading".
	Miss LookupState = iota
	// Hit means uid is known, positively or negatively; Info is nil
	// for a negative (failed or wrong-variant) result.
	Hit
)

// Config configures a Cache.
type Config struct {
	// Port is the transport used to issue GetProcessInfo requests.
	Port transport.Port

	// BatchMax caps how many queued ids a single drain round resolves
	// at once. Defaults to 128.
	BatchMax int

	// QueueCapacity sizes the request queue. A full queue silently
	// drops new enqueue attempts; a later TryGet for the same uid
	// will simply enqueue again. Defaults to 4096.
	QueueCapacity int

	// RequestTimeout bounds each SendRequest call. Defaults to 2s.
	RequestTimeout time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Cache is the process metadata cache. Once a uid is inserted its
// entry is never removed and never changes afterwards.
type Cache struct {
	cfg Config

	mu      sync.RWMutex
	entries map[uint64]*wire.ProcessInformation

	queue  chan uint64
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates a Cache. Call Start to launch its worker.
func New(cfg Config) *Cache {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = defaultBatchMax
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[uint64]*wire.ProcessInformation),
		queue:   make(chan uint64, cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
		logger:  logging.Default(cfg.Logger).With(logging.ComponentKey, "processcache"),
	}
}

// Start launches the single worker thread that drains the request
// queue.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.worker()
}

// Stop signals the worker to exit and waits for it.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// TryGet returns Hit with the cached info (nil on a negative result)
// if uid is known. Otherwise it enqueues uid for asynchronous fetch
// and returns Miss; the caller should display a loading state and
// poll again later.
func (c *Cache) TryGet(uid uint64) (LookupState, *wire.ProcessInformation) {
	c.mu.RLock()
	info, ok := c.entries[uid]
	c.mu.RUnlock()
	if ok {
		return Hit, info
	}

	select {
	case c.queue <- uid:
	default:
		c.logger.Debug("request queue full, dropping enqueue", "unique_id", uid)
	}
	return Miss, nil
}

func (c *Cache) worker() {
	defer c.wg.Done()

	batch := make([]uint64, 0, c.cfg.BatchMax)

	for {
		select {
		case <-c.stopCh:
			return
		case uid, ok := <-c.queue:
			if !ok {
				return
			}
			batch = batch[:0]
			batch = append(batch, uid)

		drain:
			for len(batch) < c.cfg.BatchMax {
				select {
				case u2, ok := <-c.queue:
					if !ok {
						break drain
					}
					batch = append(batch, u2)
				default:
					break drain
				}
			}

			c.resolveBatch(batch)
		}
	}
}

// resolveBatch de-duplicates batch, both against itself and against
// entries resolved since it was drained, then issues one request per
// still-unresolved uid (spec §4.7: "the worker must filter them
// against the cache before issuing the kernel request").
func (c *Cache) resolveBatch(batch []uint64) {
	seen := make(map[uint64]bool, len(batch))
	for _, uid := range batch {
		if seen[uid] {
			continue
		}
		seen[uid] = true

		c.mu.RLock()
		_, already := c.entries[uid]
		c.mu.RUnlock()
		if already {
			continue
		}

		info := c.fetch(uid)
		c.mu.Lock()
		c.entries[uid] = info
		c.mu.Unlock()
	}
}

// fetch issues a GetProcessInfo request and returns the decoded info,
// or nil on transport failure or an unexpected reply variant — both
// cached as a negative (None) result per spec §4.7.
func (c *Cache) fetch(uid uint64) *wire.ProcessInformation {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	reply, err := c.cfg.Port.SendRequest(ctx, wire.UmSendMessage{Kind: wire.MsgGetProcessInfo, UniqueID: uid})
	if err != nil {
		c.logger.Debug("process info request failed, caching negative result", "unique_id", uid, "error", err)
		return nil
	}
	if reply.Kind != wire.ReplyProcessInfo {
		c.logger.Warn("unexpected reply variant, caching negative result", "unique_id", uid, "kind", reply.Kind)
		return nil
	}

	info := reply.ProcessInfo
	return &info
}
