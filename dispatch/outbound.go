package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360studio/gridflex/protocol"
)

// OutboundError is a locally generated protocol error bound for the
// counterparty whose document caused it.
type OutboundError struct {
	Envelope protocol.Envelope
	Type     protocol.DocumentType
	Sequence int64
	Period   protocol.Period
	Cause    error
}

// ErrorSender delivers one outbound protocol error in role-specific form.
type ErrorSender func(ctx context.Context, e OutboundError) error

// ErrorDispatcher mirrors the inbound Dispatcher for locally generated
// protocol errors: one sender per document type, unmatched types fall
// through to the default sender so no violation goes unanswered.
type ErrorDispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	senders  map[protocol.DocumentType]ErrorSender
	fallback ErrorSender

	routed  atomic.Int64
	dropped atomic.Int64
}

// NewErrorDispatcher creates an error dispatcher with a default sender.
func NewErrorDispatcher(logger *slog.Logger, fallback ErrorSender) *ErrorDispatcher {
	return &ErrorDispatcher{
		logger:   logger,
		senders:  make(map[protocol.DocumentType]ErrorSender),
		fallback: fallback,
	}
}

// SendWith registers a sender for errors concerning one document type.
// Later registrations for the same type replace earlier ones.
func (d *ErrorDispatcher) SendWith(docType protocol.DocumentType, s ErrorSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[docType] = s
}

// Route resolves the error's document type to a sender and invokes it.
// Errors nothing can carry are logged and counted, never silently dropped.
func (d *ErrorDispatcher) Route(ctx context.Context, e OutboundError) error {
	d.mu.RLock()
	sender, ok := d.senders[e.Type]
	if !ok {
		sender = d.fallback
	}
	d.mu.RUnlock()

	if sender == nil {
		d.dropped.Add(1)
		d.logger.Error("protocol error has no sender",
			"type", e.Type, "recipient", e.Envelope.SenderDomain, "cause", e.Cause)
		return fmt.Errorf("no error sender for type %s", e.Type)
	}
	if err := sender(ctx, e); err != nil {
		d.dropped.Add(1)
		d.logger.Warn("failed to deliver protocol error",
			"type", e.Type, "recipient", e.Envelope.SenderDomain, "error", err)
		return err
	}
	d.routed.Add(1)
	return nil
}

// ErrorCounts reports routed and dropped outbound error totals.
func (d *ErrorDispatcher) ErrorCounts() (routed, dropped int64) {
	return d.routed.Load(), d.dropped.Load()
}
