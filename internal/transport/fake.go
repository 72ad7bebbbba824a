package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"procmon/internal/logging"
	"procmon/internal/wire"
)

// pendingRequest is an outstanding SendRequest call: the original
// request (so a test harness can answer it correctly) and the channel
// its caller is blocked reading.
type pendingRequest struct {
	req   wire.UmSendMessage
	reply chan wire.KmReplyMessage
}

// FakePort is a pure in-process Port: no encoding, no real I/O. Batches
// are delivered by calling PushBatch; requests are answered by calling
// Reply with the correlation id of an outstanding SendRequest, matched
// via an in-memory pending-waiters map (spec §4.2's request/reply,
// generalized per SPEC_FULL's DOMAIN STACK correlation-id design). This
// is the default communication kind, the one cmd/procmon wires up when
// --communication is not given.
type FakePort struct {
	cfg Config

	mu      sync.Mutex
	pending map[uuid.UUID]pendingRequest

	batches  chan []wire.KmMessage
	stopCh   chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// NewFakePort creates a FakePort. It needs no explicit Start: it is
// ready to receive PushBatch and SendRequest calls immediately.
func NewFakePort(cfg Config) *FakePort {
	return &FakePort{
		cfg:     cfg,
		pending: make(map[uuid.UUID]pendingRequest),
		batches: make(chan []wire.KmMessage, 64),
		stopCh:  make(chan struct{}),
		logger:  logging.Default(cfg.Logger).With(logging.ComponentKey, "transport", "kind", "fake"),
	}
}

// SendRequest registers a fresh correlation id as a pending waiter and
// blocks until Reply is called with it, ctx is done, or the port
// stops.
func (p *FakePort) SendRequest(ctx context.Context, req wire.UmSendMessage) (wire.KmReplyMessage, error) {
	id := uuid.New()
	replyCh := make(chan wire.KmReplyMessage, 1)

	p.mu.Lock()
	p.pending[id] = pendingRequest{req: req, reply: replyCh}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	reqCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}
	p.logger.Debug("send_request", "correlation_id", id, "kind", req.Kind, "unique_id", req.UniqueID)

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-reqCtx.Done():
		return wire.KmReplyMessage{}, fmt.Errorf("%w: %v", ErrTimeout, reqCtx.Err())
	case <-p.stopCh:
		return wire.KmReplyMessage{}, ErrPort
	}
}

// CorrelationIDs returns the correlation ids of all currently
// outstanding requests, oldest first is not guaranteed. Test-only: it
// lets a harness discover which id to Reply to without a side channel.
func (p *FakePort) CorrelationIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	return ids
}

// PendingRequest pairs an outstanding request's correlation id with
// the request itself, so a test harness can compute the right reply.
type PendingRequest struct {
	ID  uuid.UUID
	Req wire.UmSendMessage
}

// PendingRequests returns every currently outstanding request.
// Test-only.
func (p *FakePort) PendingRequests() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, 0, len(p.pending))
	for id, pr := range p.pending {
		out = append(out, PendingRequest{ID: id, Req: pr.req})
	}
	return out
}

// Reply delivers reply to the waiter registered under id. If no
// waiter is registered — the request already timed out, or id was
// never issued — the reply is logged and discarded, and ErrNoWaiter is
// returned to the caller of Reply only; no SendRequest caller ever
// sees it.
func (p *FakePort) Reply(id uuid.UUID, reply wire.KmReplyMessage) error {
	p.mu.Lock()
	pr, ok := p.pending[id]
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("reply for unknown request, discarding", "correlation_id", id)
		return ErrNoWaiter
	}
	select {
	case pr.reply <- reply:
	default:
	}
	return nil
}

// PushBatch enqueues a kernel-origin batch for the next ReceiveBatch
// call. Test-only: simulates the kernel's async ingest push.
func (p *FakePort) PushBatch(batch []wire.KmMessage) {
	select {
	case p.batches <- batch:
	case <-p.stopCh:
	}
}

// ReceiveBatch blocks for the next pushed batch, ctx cancellation, or
// Stop.
func (p *FakePort) ReceiveBatch(ctx context.Context) ([]wire.KmMessage, error) {
	select {
	case b, ok := <-p.batches:
		if !ok {
			return nil, ErrPort
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, ErrPort
	}
}

// Stop tears the port down. Safe to call more than once; any
// in-flight SendRequest or ReceiveBatch returns ErrPort.
func (p *FakePort) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
