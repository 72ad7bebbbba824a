// Package transport implements the kernel↔user communication port
// (spec §4.2, §6.2): a single capability interface with three
// implementations selected at startup — a real driver (unavailable in
// this build), an in-process fake for unit tests, and a driver-test
// double that exercises the real wire codec over an in-memory pipe.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procmon/internal/wire"
)

// Sentinel errors, per spec §7.
var (
	// ErrPort covers connection failure, a disconnected port, or a
	// send/receive on a stopped port.
	ErrPort = errors.New("transport: port error")
	// ErrTimeout is returned when a request does not complete within
	// its deadline.
	ErrTimeout = errors.New("transport: request timed out")
	// ErrNoWaiter marks a reply delivered for a correlation id with no
	// registered waiter. It is never returned to a caller of
	// SendRequest — there is no one left to return it to — only
	// logged and returned to whoever attempted the delivery.
	ErrNoWaiter = errors.New("transport: reply for unknown request")
)

// Communication kinds, selected by --communication at startup (spec
// §6.3).
const (
	KindDriver     = "driver"
	KindFake       = "fake"
	KindDriverTest = "driver-test"
)

// Port is the capability interface every communication implementation
// satisfies: async batch ingest and synchronous request/reply over one
// logical channel, plus a way to tear it down (spec §4.2).
type Port interface {
	// SendRequest sends req and blocks for the matching reply, ctx
	// cancellation, or the port stopping, whichever comes first.
	SendRequest(ctx context.Context, req wire.UmSendMessage) (wire.KmReplyMessage, error)

	// ReceiveBatch blocks for the next batch of kernel-origin
	// messages, ctx cancellation, or the port stopping.
	ReceiveBatch(ctx context.Context) ([]wire.KmMessage, error)

	// Stop tears the port down. Safe to call more than once.
	Stop()
}

// Config configures a Port regardless of kind. Fields not meaningful
// to a given kind are ignored.
type Config struct {
	// Addr is the well-known port name (e.g. `\PROCMONPORT`), used by
	// the driver kind only.
	Addr string

	// Connect is the handshake message for the port-connect step
	// (spec §6.1). None of the ports in this package sends or reads it:
	// the fake and driver-test ports have no connect step, and the
	// driver kind is not available in this build.
	Connect wire.ClientConnectMessage

	// RequestTimeout bounds SendRequest when the caller's context
	// carries no deadline of its own. Zero means no default timeout.
	RequestTimeout time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewPort constructs a Port of the given kind. Unknown kinds fail with
// ErrPort.
func NewPort(kind string, cfg Config) (Port, error) {
	switch kind {
	case KindFake:
		return NewFakePort(cfg), nil
	case KindDriverTest:
		return NewDriverTestPort(cfg, nil), nil
	case KindDriver:
		return NewDriverPort(cfg)
	default:
		return nil, fmt.Errorf("transport: unknown communication kind %q: %w", kind, ErrPort)
	}
}
