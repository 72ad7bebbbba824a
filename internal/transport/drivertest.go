package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"procmon/internal/logging"
	"procmon/internal/wire"
)

// KernelResponder answers a decoded UmSendMessage the way the kernel
// would. Used only by DriverTestPort; nil defaults to an
// empty-payload reply of the request's own kind.
type KernelResponder func(wire.UmSendMessage) wire.KmReplyMessage

// DriverTestPort exercises the real wire codec end-to-end over two
// in-memory net.Pipe connections — one for async ingest batches, one
// for synchronous request/reply — with a companion goroutine playing
// the kernel side. Unlike FakePort it actually serializes and
// deserializes every message, catching framing regressions a pure
// in-process double would miss (spec §6.1's "self-delimiting when
// concatenated" contract).
type DriverTestPort struct {
	cfg Config

	ingestUser, ingestKernel net.Conn
	reqUser, reqKernel       net.Conn
	reqMu                    sync.Mutex // one request in flight, matching a single synchronous RPC channel

	responder KernelResponder

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *slog.Logger
}

// NewDriverTestPort creates a DriverTestPort and starts its companion
// kernel-side goroutine. A nil responder answers every request with a
// zero-value reply of the matching kind.
func NewDriverTestPort(cfg Config, responder KernelResponder) *DriverTestPort {
	if responder == nil {
		responder = func(req wire.UmSendMessage) wire.KmReplyMessage {
			switch req.Kind {
			case wire.MsgGetExeName:
				return wire.KmReplyMessage{Kind: wire.ReplyExeName}
			default:
				return wire.KmReplyMessage{Kind: wire.ReplyProcessInfo}
			}
		}
	}

	iu, ik := net.Pipe()
	ru, rk := net.Pipe()
	p := &DriverTestPort{
		cfg:          cfg,
		ingestUser:   iu,
		ingestKernel: ik,
		reqUser:      ru,
		reqKernel:    rk,
		responder:    responder,
		stopCh:       make(chan struct{}),
		logger:       logging.Default(cfg.Logger).With(logging.ComponentKey, "transport", "kind", "driver-test"),
	}
	p.wg.Add(1)
	go p.runKernel()
	return p
}

func (p *DriverTestPort) runKernel() {
	defer p.wg.Done()
	buf := make([]byte, wire.MaxRequestBytes)
	for {
		n, err := p.reqKernel.Read(buf)
		if err != nil {
			return
		}
		req, _, err := wire.DecodeUmSendMessage(buf[:n])
		if err != nil {
			p.logger.Warn("driver-test: malformed request, dropping", "error", err)
			continue
		}
		reply := p.responder(req)
		if _, err := p.reqKernel.Write(wire.EncodeKmReplyMessage(reply)); err != nil {
			return
		}
	}
}

// PushBatch encodes msgs and writes them as one kernel-origin batch.
// Test-only: simulates the kernel's async ingest push.
func (p *DriverTestPort) PushBatch(msgs []wire.KmMessage) error {
	buf := make([]byte, 0, 256)
	for _, m := range msgs {
		buf = append(buf, wire.EncodeKmMessage(m)...)
	}
	_, err := p.ingestKernel.Write(buf)
	return err
}

func withCtxDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) (restore func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// SendRequest encodes req, writes it on the request pipe, and blocks
// for the matching encoded reply. Only one request may be in flight at
// a time, matching the real port's single synchronous RPC channel.
func (p *DriverTestPort) SendRequest(ctx context.Context, req wire.UmSendMessage) (wire.KmReplyMessage, error) {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	correlationID := uuid.New()
	p.logger.Debug("send_request", "correlation_id", correlationID, "kind", req.Kind)

	stop := withCtxDeadline(ctx, p.reqUser, p.cfg.RequestTimeout)
	defer stop()
	defer func() { _ = p.reqUser.SetDeadline(time.Time{}) }()

	if _, err := p.reqUser.Write(wire.EncodeUmSendMessage(req)); err != nil {
		return wire.KmReplyMessage{}, deadlineOrPortErr(err)
	}

	buf := make([]byte, wire.MaxReplyBytes)
	n, err := p.reqUser.Read(buf)
	if err != nil {
		return wire.KmReplyMessage{}, deadlineOrPortErr(err)
	}

	reply, _, err := wire.DecodeKmReplyMessage(buf[:n])
	if err != nil {
		return wire.KmReplyMessage{}, fmt.Errorf("%w: %v", wire.ErrParse, err)
	}
	return reply, nil
}

// ReceiveBatch reads the next encoded batch off the ingest pipe and
// decodes it, isolating any trailing undecodable bytes per spec §4.2's
// "stop iterating that batch and continue with the next receive"
// contract.
func (p *DriverTestPort) ReceiveBatch(ctx context.Context) ([]wire.KmMessage, error) {
	stop := withCtxDeadline(ctx, p.ingestUser, 0)
	defer stop()
	defer func() { _ = p.ingestUser.SetDeadline(time.Time{}) }()

	buf := make([]byte, wire.MaxIngestBatchBytes)
	n, err := p.ingestUser.Read(buf)
	if err != nil {
		return nil, deadlineOrPortErr(err)
	}

	msgs, remaining := wire.DecodeKmMessageBatch(buf[:n])
	if len(remaining) > 0 {
		p.logger.Warn("receive_batch: malformed trailing record, dropping rest of batch", "bytes", len(remaining))
	}
	return msgs, nil
}

func deadlineOrPortErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrPort, err)
}

// Stop closes both pipes and waits for the kernel-side goroutine to
// exit. Safe to call more than once.
func (p *DriverTestPort) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		_ = p.ingestUser.Close()
		_ = p.ingestKernel.Close()
		_ = p.reqUser.Close()
		_ = p.reqKernel.Close()
	})
	p.wg.Wait()
}
