// Package protocol defines the document model, message envelope, and wire
// payloads for the GridFlex energy-flexibility trading protocol.
//
// Participants (grid operator, aggregator, balance-responsible party,
// meter-data company, common-reference operator) exchange typed documents —
// prognoses, flex requests, offers, orders, settlements — over NATS. Every
// document carries a sender-assigned sequence number and moves through a
// fixed status lifecycle, indexed by fixed-length time slots (PTUs) within
// a calendar day.
package protocol

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType identifies the protocol document kind.
type DocumentType string

const (
	// DocumentTypeAPlan is a balance-responsible party's energy plan for a period.
	DocumentTypeAPlan DocumentType = "a-plan"
	// DocumentTypeDPrognosis is an aggregator's demand/production forecast for a period.
	DocumentTypeDPrognosis DocumentType = "d-prognosis"
	// DocumentTypeFlexRequest asks an aggregator for a power change on given slots.
	DocumentTypeFlexRequest DocumentType = "flex-request"
	// DocumentTypeFlexOffer proposes a priced power change answering a request.
	DocumentTypeFlexOffer DocumentType = "flex-offer"
	// DocumentTypeFlexOrder commits to a previously offered power change.
	DocumentTypeFlexOrder DocumentType = "flex-order"
	// DocumentTypeFlexRevocation withdraws a previously accepted offer.
	DocumentTypeFlexRevocation DocumentType = "flex-revocation"
	// DocumentTypeSettlement settles ordered flexibility for a completed period.
	DocumentTypeSettlement DocumentType = "settlement"
	// DocumentTypeMeterDataQuery requests metered readings for a period.
	DocumentTypeMeterDataQuery DocumentType = "meter-data-query"
	// DocumentTypeCommonReferenceQuery requests participant registry data.
	DocumentTypeCommonReferenceQuery DocumentType = "common-reference-query"
)

// String returns the string representation of the document type.
func (t DocumentType) String() string {
	return string(t)
}

// IsValid returns true if the document type is known.
func (t DocumentType) IsValid() bool {
	switch t {
	case DocumentTypeAPlan, DocumentTypeDPrognosis, DocumentTypeFlexRequest,
		DocumentTypeFlexOffer, DocumentTypeFlexOrder, DocumentTypeFlexRevocation,
		DocumentTypeSettlement, DocumentTypeMeterDataQuery,
		DocumentTypeCommonReferenceQuery:
		return true
	default:
		return false
	}
}

// DocumentStatus represents the current state of a document in its lifecycle.
type DocumentStatus string

const (
	// StatusNew indicates the document exists locally but has not been sent or judged.
	StatusNew DocumentStatus = "new"
	// StatusSent indicates an outbound document awaiting the counterparty's verdict.
	StatusSent DocumentStatus = "sent"
	// StatusAccepted indicates the document passed validation.
	StatusAccepted DocumentStatus = "accepted"
	// StatusRejected indicates the document failed validation.
	StatusRejected DocumentStatus = "rejected"
	// StatusPendingFurtherAction indicates an accepted document awaiting follow-up work.
	StatusPendingFurtherAction DocumentStatus = "pending-further-action"
	// StatusProcessed indicates all follow-up work for the document completed.
	StatusProcessed DocumentStatus = "processed"
	// StatusExpired indicates the document's expiration time passed before processing.
	StatusExpired DocumentStatus = "expired"
	// StatusRevoked indicates the document was withdrawn by its sender.
	StatusRevoked DocumentStatus = "revoked"
)

// String returns the string representation of the status.
func (s DocumentStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known lifecycle state.
func (s DocumentStatus) IsValid() bool {
	switch s {
	case StatusNew, StatusSent, StatusAccepted, StatusRejected,
		StatusPendingFurtherAction, StatusProcessed, StatusExpired, StatusRevoked:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are allowed from this status.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusProcessed, StatusExpired, StatusRevoked:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status may legally move to target.
//
// The lifecycle is one-directional: new → sent (outbound) or new →
// accepted/rejected (inbound) → pending-further-action → processed, expired,
// or revoked. Expiration may strike any pre-terminal state. The only reverse
// move, processed → pending-further-action, is reserved for a later order
// superseding an already processed prognosis and must go through
// Planboard.Supersede rather than a plain transition.
func (s DocumentStatus) CanTransitionTo(target DocumentStatus) bool {
	switch s {
	case StatusNew:
		return target == StatusSent || target == StatusAccepted ||
			target == StatusRejected || target == StatusExpired
	case StatusSent:
		return target == StatusAccepted || target == StatusRejected ||
			target == StatusExpired
	case StatusAccepted:
		return target == StatusPendingFurtherAction || target == StatusProcessed ||
			target == StatusRevoked || target == StatusExpired
	case StatusPendingFurtherAction:
		return target == StatusProcessed || target == StatusExpired ||
			target == StatusRevoked
	case StatusRejected, StatusProcessed, StatusExpired, StatusRevoked:
		return false // Terminal states
	default:
		return false
	}
}

// Role identifies a participant's protocol role.
type Role string

const (
	// RoleDSO is the distribution system (grid) operator.
	RoleDSO Role = "dso"
	// RoleAGR is the aggregator.
	RoleAGR Role = "agr"
	// RoleBRP is the balance-responsible party.
	RoleBRP Role = "brp"
	// RoleMDC is the meter-data company.
	RoleMDC Role = "mdc"
	// RoleCRO is the common-reference operator.
	RoleCRO Role = "cro"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid returns true if the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleDSO, RoleAGR, RoleBRP, RoleMDC, RoleCRO:
		return true
	default:
		return false
	}
}

// SlotValue is one PTU's worth of document payload: a power disposition in
// watts and, for priced documents (offers, orders, settlements), a price.
type SlotValue struct {
	// Start is the first slot index this value applies to (1-based).
	Start int `json:"start"`

	// Duration is the number of consecutive slots covered (>= 1).
	Duration int `json:"duration"`

	// Power is the requested/offered/ordered power change in watts.
	// Positive means consumption increase (or production decrease).
	Power int64 `json:"power"`

	// Price is the price for the covered slots. Zero for unpriced documents.
	Price decimal.Decimal `json:"price"`
}

// LastSlot returns the final slot index covered by this value.
func (v SlotValue) LastSlot() int {
	return v.Start + v.Duration - 1
}

// Document is the planboard's unit of protocol state: the common fields every
// protocol document shares, plus its per-slot payload values.
type Document struct {
	// ID is the engine-local document identifier.
	ID string `json:"id"`

	// Type is the protocol document kind.
	Type DocumentType `json:"type"`

	// SequenceNumber is assigned by the sender; strictly increasing per
	// (sender domain, document type). A sequence at or below the last seen
	// one is a protocol violation, never a silent duplicate.
	SequenceNumber int64 `json:"sequence_number"`

	// Period is the calendar day the document concerns.
	Period Period `json:"period"`

	// CounterpartyDomain identifies the other party's internet domain.
	CounterpartyDomain string `json:"counterparty_domain"`

	// CounterpartyRole is the other party's protocol role.
	CounterpartyRole Role `json:"counterparty_role"`

	// ConnectionGroup is the congestion point or balancing-responsibility
	// identifier the document's slot values apply to.
	ConnectionGroup string `json:"connection_group"`

	// Status is the current lifecycle state.
	Status DocumentStatus `json:"status"`

	// ConversationID ties the document to its message conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// ExpirationTime is when the document stops being actionable, if set.
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`

	// Slots carries the per-PTU payload values. Empty for query documents.
	Slots []SlotValue `json:"slots,omitempty"`

	// CreatedAt is when the document was first stored locally.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the document last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate performs structural validation of the document's common fields.
func (d *Document) Validate() error {
	if !d.Type.IsValid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown document type %q", d.Type)}
	}
	if d.SequenceNumber <= 0 {
		return &ValidationError{Field: "sequence_number", Message: "sequence number must be positive"}
	}
	if d.Period.IsZero() {
		return &ValidationError{Field: "period", Message: "period is required"}
	}
	if d.CounterpartyDomain == "" {
		return &ValidationError{Field: "counterparty_domain", Message: "counterparty domain is required"}
	}
	if !d.CounterpartyRole.IsValid() {
		return &ValidationError{Field: "counterparty_role", Message: fmt.Sprintf("unknown role %q", d.CounterpartyRole)}
	}
	for i, v := range d.Slots {
		if v.Start < 1 {
			return &ValidationError{Field: "slots", Message: fmt.Sprintf("slot value %d: start index must be >= 1", i)}
		}
		if v.Duration < 1 {
			return &ValidationError{Field: "slots", Message: fmt.Sprintf("slot value %d: duration must be >= 1", i)}
		}
	}
	return nil
}

// Expired returns true if the document has an expiration time at or before now.
func (d *Document) Expired(now time.Time) bool {
	return d.ExpirationTime != nil && !now.Before(*d.ExpirationTime)
}

// EarliestSlot returns the lowest slot index any slot value covers, or 0 when
// the document carries no slot values.
func (d *Document) EarliestSlot() int {
	earliest := 0
	for _, v := range d.Slots {
		if earliest == 0 || v.Start < earliest {
			earliest = v.Start
		}
	}
	return earliest
}

// ValidationError represents a recoverable protocol validation failure. It is
// always answered with a rejection response to the sender and never crashes a
// coordinator.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
