package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"procmon/internal/logging"
	"procmon/internal/wire"
)

// IngestConfig configures an IngestPool.
type IngestConfig struct {
	Port Port

	// Workers is the number of identical worker goroutines, each
	// owning its own long-lived ReceiveBatch loop (spec §4.2's
	// "N identical worker threads"). Capped at 32 by the CLI layer.
	Workers int

	// Out receives every successfully decoded kernel-origin message,
	// in per-batch order. Typically the storage pool's input channel.
	Out chan<- wire.KmMessage

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// IngestPool runs Workers identical goroutines, each looping
// ReceiveBatch → forward to Out, until the port disconnects or Stop is
// called. Per spec §4.2/§7: a worker that sees ErrPort terminates;
// its peers keep running (reconnection is out of scope).
type IngestPool struct {
	cfg    IngestConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewIngestPool creates an IngestPool. Call Start to launch its
// workers.
func NewIngestPool(cfg IngestConfig) *IngestPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IngestPool{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logging.Default(cfg.Logger).With(logging.ComponentKey, "transport", "role", "ingest"),
	}
}

// Start launches cfg.Workers worker goroutines.
func (p *IngestPool) Start() {
	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop cancels every worker's in-flight ReceiveBatch call and waits
// for all of them to exit. It does not stop the underlying Port; the
// caller owns that.
func (p *IngestPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *IngestPool) run(id int) {
	defer p.wg.Done()
	for {
		batch, err := p.cfg.Port.ReceiveBatch(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrPort) {
				p.logger.Warn("port disconnected, worker exiting", "worker", id)
				return
			}
			p.logger.Warn("receive_batch failed, retrying", "worker", id, "error", err)
			continue
		}

		for _, m := range batch {
			select {
			case p.cfg.Out <- m:
			case <-p.ctx.Done():
				return
			}
		}
	}
}
