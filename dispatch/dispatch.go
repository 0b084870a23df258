// Package dispatch routes inbound wire messages to per-type handlers. A
// coordinator registers one handler per message type; unmatched types fall
// through to a default handler, and undecodable messages go to the
// dead-letter subject instead of poisoning the consumer.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/gridflex/protocol"
)

// Handler processes one raw message of a registered type.
type Handler func(ctx context.Context, subject string, data []byte) error

// DeadLetterFunc receives messages that could not be decoded or routed.
type DeadLetterFunc func(ctx context.Context, subject string, data []byte, reason error)

// Dispatcher routes messages by their wire type key.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	deadLetter DeadLetterFunc

	dispatched atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFallback sets the handler for types nothing else claims. Without one,
// unmatched messages are dead-lettered.
func WithFallback(h Handler) Option {
	return func(d *Dispatcher) { d.fallback = h }
}

// WithDeadLetter sets the sink for undecodable and unroutable messages.
func WithDeadLetter(f DeadLetterFunc) Option {
	return func(d *Dispatcher) { d.deadLetter = f }
}

// New creates a dispatcher.
func New(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers a handler for a message type. Later registrations for the
// same type replace earlier ones.
func (d *Dispatcher) Handle(msgType message.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType.Key()] = h
}

// Dispatch routes one raw message. Protocol validation failures are the
// handler's answer to the sender, not an infrastructure failure: they are
// counted and absorbed so the message is not redelivered. Technical errors
// propagate for redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, subject string, data []byte) error {
	baseMsg, err := protocol.DecodeBase(subject, data)
	if err != nil {
		d.failed.Add(1)
		d.sendToDeadLetter(ctx, subject, data, err)
		return nil
	}

	key := baseMsg.Type().Key()
	d.mu.RLock()
	handler, ok := d.handlers[key]
	if !ok {
		handler = d.fallback
	}
	d.mu.RUnlock()

	if handler == nil {
		d.failed.Add(1)
		d.sendToDeadLetter(ctx, subject, data,
			&protocol.DecodeError{Subject: subject, Cause: errors.New("no handler for type " + key)})
		return nil
	}

	err = handler(ctx, subject, data)
	switch {
	case err == nil:
		d.dispatched.Add(1)
		return nil
	case isProtocolError(err):
		d.rejected.Add(1)
		d.logger.Warn("message rejected by handler",
			"subject", subject, "type", key, "error", err)
		return nil
	default:
		var derr *protocol.DecodeError
		if errors.As(err, &derr) {
			d.failed.Add(1)
			d.sendToDeadLetter(ctx, subject, data, err)
			return nil
		}
		d.failed.Add(1)
		return err
	}
}

// HandleJetStreamMsg adapts Dispatch to a JetStream consumer callback,
// acking absorbed messages and naking those needing redelivery.
func (d *Dispatcher) HandleJetStreamMsg(ctx context.Context, msg jetstream.Msg) {
	if err := d.Dispatch(ctx, msg.Subject(), msg.Data()); err != nil {
		d.logger.Error("dispatch failed, requesting redelivery",
			"subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			d.logger.Error("failed to nak message", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		d.logger.Error("failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

// Counts reports dispatched, rejected, and failed message totals.
func (d *Dispatcher) Counts() (dispatched, rejected, failed int64) {
	return d.dispatched.Load(), d.rejected.Load(), d.failed.Load()
}

func (d *Dispatcher) sendToDeadLetter(ctx context.Context, subject string, data []byte, reason error) {
	d.logger.Warn("dead-lettering message", "subject", subject, "reason", reason)
	if d.deadLetter != nil {
		d.deadLetter(ctx, subject, data, reason)
	}
}

// isProtocolError reports whether err is a recoverable protocol-level
// failure already answered with a rejection.
func isProtocolError(err error) bool {
	var verr *protocol.ValidationError
	var sverr *protocol.SequenceViolationError
	var terr *protocol.IllegalTransitionError
	var cverr *protocol.NoContractError
	return errors.As(err, &verr) || errors.As(err, &sverr) ||
		errors.As(err, &terr) || errors.As(err, &cverr)
}
