package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/gridflex/dispatch"
	"github.com/c360studio/gridflex/metrics"
	"github.com/c360studio/gridflex/protocol"
)

// Inbound is the normalized view of a received document, fed through the
// shared admission chain before any role-specific handling runs.
type Inbound struct {
	Envelope        protocol.Envelope
	Type            protocol.DocumentType
	Sequence        int64
	Period          protocol.Period
	ConnectionGroup string
	Slots           []protocol.SlotValue
	Expiration      *time.Time
}

// Admit runs the admission chain for an inbound document: addressing,
// contract, gate, and sequence checks, then planboard storage as accepted,
// then the acceptance response. Any failure answers the sender with a
// rejection and returns the underlying protocol error; the caller stops
// there. The sequence high-water mark moves only after a successful store,
// so a storage failure leaves the number spendable on retransmission.
func (b *Base) Admit(ctx context.Context, in Inbound) (*protocol.Document, error) {
	if err := b.admissible(in); err != nil {
		b.reject(ctx, in, err)
		return nil, err
	}

	if err := b.Board.CheckInboundSequence(in.Envelope.SenderDomain, in.Type, in.Sequence); err != nil {
		b.reject(ctx, in, err)
		return nil, err
	}

	doc := &protocol.Document{
		Type:               in.Type,
		SequenceNumber:     in.Sequence,
		Period:             in.Period,
		CounterpartyDomain: in.Envelope.SenderDomain,
		CounterpartyRole:   in.Envelope.SenderRole,
		ConnectionGroup:    in.ConnectionGroup,
		Status:             protocol.StatusAccepted,
		ConversationID:     in.Envelope.ConversationID,
		ExpirationTime:     in.Expiration,
		Slots:              in.Slots,
	}
	if err := b.Board.Put(doc); err != nil {
		// Storage trouble is ours, not the sender's; let the message redeliver.
		return nil, &protocol.TechnicalError{Op: "store " + string(in.Type), Cause: err}
	}
	b.Board.MarkInboundSequence(in.Envelope.SenderDomain, in.Type, in.Sequence)

	metrics.RecordReceived(string(b.Role), string(in.Type), "accepted")
	if err := b.Respond(ctx, in.Envelope, in.Type, in.Sequence, in.Period, protocol.ResultAccepted, ""); err != nil {
		b.Logger.Warn("failed to send acceptance",
			"type", in.Type, "sequence", in.Sequence, "error", err)
	}
	return doc, nil
}

// admissible runs the checks that need no planboard state.
func (b *Base) admissible(in Inbound) error {
	if err := in.Envelope.Validate(); err != nil {
		return err
	}
	if in.Envelope.RecipientDomain != b.Domain {
		return &protocol.ValidationError{
			Field:   "recipient_domain",
			Message: fmt.Sprintf("document addressed to %s, this is %s", in.Envelope.RecipientDomain, b.Domain),
		}
	}
	if in.Envelope.RecipientRole != b.Role {
		return &protocol.ValidationError{
			Field:   "recipient_role",
			Message: fmt.Sprintf("document addressed to role %s, this is %s", in.Envelope.RecipientRole, b.Role),
		}
	}
	if err := b.Contracts.Check(in.Envelope.SenderDomain, in.Envelope.SenderRole, in.ConnectionGroup); err != nil {
		return err
	}

	now := b.now()
	if in.Envelope.ValidUntil != nil && now.After(*in.Envelope.ValidUntil) {
		return &protocol.ValidationError{
			Field:   "valid_until",
			Message: fmt.Sprintf("message expired at %s", in.Envelope.ValidUntil.Format(time.RFC3339)),
		}
	}

	// Trading documents must arrive before their earliest slot's gate closes.
	if gateChecked[in.Type] && len(in.Slots) > 0 {
		earliest := in.Slots[0].Start
		for _, v := range in.Slots[1:] {
			if v.Start < earliest {
				earliest = v.Start
			}
		}
		if b.Gate.SlotClosed(in.Period, earliest, now) {
			return &protocol.ValidationError{
				Field:   "period",
				Message: fmt.Sprintf("gate closed for slot %d of %s", earliest, in.Period),
			}
		}
	}
	return nil
}

// gateChecked lists the document types subject to the gate-closure rule.
// Settlements and revocations reference completed trading and arrive after
// the slots they touch.
var gateChecked = map[protocol.DocumentType]bool{
	protocol.DocumentTypeAPlan:       true,
	protocol.DocumentTypeDPrognosis:  true,
	protocol.DocumentTypeFlexRequest: true,
	protocol.DocumentTypeFlexOffer:   true,
	protocol.DocumentTypeFlexOrder:   true,
}

// reject routes an inadmissible document's error to its sender and counts it.
func (b *Base) reject(ctx context.Context, in Inbound, cause error) {
	metrics.RecordReceived(string(b.Role), string(in.Type), "rejected")
	if err := b.Errors.Route(ctx, dispatch.OutboundError{
		Envelope: in.Envelope,
		Type:     in.Type,
		Sequence: in.Sequence,
		Period:   in.Period,
		Cause:    cause,
	}); err != nil {
		b.Logger.Warn("failed to send rejection",
			"type", in.Type, "sequence", in.Sequence, "error", err)
	}
}

// HandleResponse resolves a received verdict against the matching sent
// document: accepted moves sent to accepted, rejected to rejected. Verdicts
// for unknown documents are logged and dropped; the counterparty may be
// answering something already expired.
func (b *Base) HandleResponse(resp *protocol.Response, group string) error {
	if resp.RecipientDomain != b.Domain {
		return &protocol.ValidationError{
			Field:   "recipient_domain",
			Message: "response addressed to " + resp.RecipientDomain,
		}
	}

	doc, ok := b.Board.FindBySequence(group, resp.Period, resp.Subject, resp.SenderDomain, resp.SubjectSequence)
	if !ok {
		b.Logger.Warn("verdict for unknown document",
			"subject", resp.Subject,
			"sequence", resp.SubjectSequence,
			"from", resp.SenderDomain)
		return nil
	}

	target := protocol.StatusAccepted
	if resp.Result == protocol.ResultRejected {
		target = protocol.StatusRejected
		b.Logger.Warn("document rejected by counterparty",
			"subject", resp.Subject,
			"sequence", resp.SubjectSequence,
			"reason", resp.Reason)
	}
	return b.Board.Transition(group, resp.Period, doc.ID, target)
}
