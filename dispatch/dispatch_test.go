package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/gridflex/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encodedOffer(t *testing.T) []byte {
	t.Helper()
	offer := &protocol.FlexOffer{
		Envelope: protocol.NewEnvelope("agr.example.com", protocol.RoleAGR,
			"dso.example.com", protocol.RoleDSO, protocol.PrecedenceTransactional),
		SequenceNumber:  1,
		Period:          protocol.Period{Year: 2026, Month: time.April, Day: 1},
		ConnectionGroup: "cp-north",
		Slots:           []protocol.SlotValue{{Start: 1, Duration: 4, Power: -1_000_000}},
	}
	data, err := protocol.Encode(offer, "test")
	require.NoError(t, err)
	return data
}

func TestDispatcher_RoutesByType(t *testing.T) {
	d := New(testLogger())

	var gotSubject string
	d.Handle(protocol.FlexOfferType, func(_ context.Context, subject string, _ []byte) error {
		gotSubject = subject
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), "flex.in.dso-example-com.offer", encodedOffer(t)))
	assert.Equal(t, "flex.in.dso-example-com.offer", gotSubject)

	dispatched, rejected, failed := d.Counts()
	assert.Equal(t, int64(1), dispatched)
	assert.Zero(t, rejected)
	assert.Zero(t, failed)
}

func TestDispatcher_FallbackForUnmatchedType(t *testing.T) {
	fallbackHit := false
	d := New(testLogger(), WithFallback(func(context.Context, string, []byte) error {
		fallbackHit = true
		return nil
	}))

	require.NoError(t, d.Dispatch(context.Background(), "flex.in.x.offer", encodedOffer(t)))
	assert.True(t, fallbackHit)
}

func TestDispatcher_DeadLettersWithoutHandler(t *testing.T) {
	var dlqReason error
	d := New(testLogger(), WithDeadLetter(func(_ context.Context, _ string, _ []byte, reason error) {
		dlqReason = reason
	}))

	require.NoError(t, d.Dispatch(context.Background(), "flex.in.x.offer", encodedOffer(t)))
	require.Error(t, dlqReason)

	_, _, failed := d.Counts()
	assert.Equal(t, int64(1), failed)
}

func TestDispatcher_DeadLettersGarbage(t *testing.T) {
	dlqHit := false
	d := New(testLogger(), WithDeadLetter(func(_ context.Context, _ string, _ []byte, reason error) {
		dlqHit = true
		var derr *protocol.DecodeError
		assert.ErrorAs(t, reason, &derr)
	}))

	require.NoError(t, d.Dispatch(context.Background(), "flex.in.x.offer", []byte("not json")),
		"garbage is absorbed, never redelivered")
	assert.True(t, dlqHit)
}

func TestDispatcher_AbsorbsProtocolErrors(t *testing.T) {
	d := New(testLogger())
	d.Handle(protocol.FlexOfferType, func(context.Context, string, []byte) error {
		return &protocol.SequenceViolationError{
			Domain: "agr.example.com", Type: protocol.DocumentTypeFlexOffer, Got: 1, LastSeen: 5,
		}
	})

	require.NoError(t, d.Dispatch(context.Background(), "flex.in.x.offer", encodedOffer(t)),
		"protocol violations are answered, not redelivered")

	_, rejected, _ := d.Counts()
	assert.Equal(t, int64(1), rejected)
}

func TestDispatcher_PropagatesTechnicalErrors(t *testing.T) {
	boom := &protocol.TechnicalError{Op: "store document", Cause: errors.New("kv unavailable")}
	d := New(testLogger())
	d.Handle(protocol.FlexOfferType, func(context.Context, string, []byte) error {
		return boom
	})

	err := d.Dispatch(context.Background(), "flex.in.x.offer", encodedOffer(t))
	assert.ErrorIs(t, err, boom.Cause)
}

func outboundViolation() OutboundError {
	return OutboundError{
		Envelope: protocol.NewEnvelope("agr.example.com", protocol.RoleAGR,
			"dso.example.com", protocol.RoleDSO, protocol.PrecedenceTransactional),
		Type:     protocol.DocumentTypeFlexOffer,
		Sequence: 7,
		Period:   protocol.Period{Year: 2026, Month: time.April, Day: 1},
		Cause:    &protocol.ValidationError{Field: "period", Message: "gate closed"},
	}
}

func TestErrorDispatcher_RoutesByType(t *testing.T) {
	var fallbackHits int
	d := NewErrorDispatcher(testLogger(), func(context.Context, OutboundError) error {
		fallbackHits++
		return nil
	})

	var got OutboundError
	d.SendWith(protocol.DocumentTypeFlexOffer, func(_ context.Context, e OutboundError) error {
		got = e
		return nil
	})

	require.NoError(t, d.Route(context.Background(), outboundViolation()))
	assert.Equal(t, int64(7), got.Sequence)
	assert.Zero(t, fallbackHits)

	// An unregistered type falls through to the default sender.
	e := outboundViolation()
	e.Type = protocol.DocumentTypeSettlement
	require.NoError(t, d.Route(context.Background(), e))
	assert.Equal(t, 1, fallbackHits)

	routed, dropped := d.ErrorCounts()
	assert.Equal(t, int64(2), routed)
	assert.Zero(t, dropped)
}

func TestErrorDispatcher_CountsUndeliverable(t *testing.T) {
	d := NewErrorDispatcher(testLogger(), nil)
	assert.Error(t, d.Route(context.Background(), outboundViolation()))

	d = NewErrorDispatcher(testLogger(), func(context.Context, OutboundError) error {
		return errors.New("nats unavailable")
	})
	assert.Error(t, d.Route(context.Background(), outboundViolation()))

	_, dropped := d.ErrorCounts()
	assert.Equal(t, int64(1), dropped)
}
