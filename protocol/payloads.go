package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
)

// Message types for the flex trading documents.
var (
	// APlanType is the message type for balance-responsible party energy plans.
	APlanType = message.Type{Domain: "flex", Category: "a-plan", Version: "v1"}

	// DPrognosisType is the message type for aggregator prognoses.
	DPrognosisType = message.Type{Domain: "flex", Category: "d-prognosis", Version: "v1"}

	// FlexRequestType is the message type for flexibility requests.
	FlexRequestType = message.Type{Domain: "flex", Category: "request", Version: "v1"}

	// FlexOfferType is the message type for flexibility offers.
	FlexOfferType = message.Type{Domain: "flex", Category: "offer", Version: "v1"}

	// FlexOrderType is the message type for flexibility orders.
	FlexOrderType = message.Type{Domain: "flex", Category: "order", Version: "v1"}

	// FlexRevocationType is the message type for offer revocations.
	FlexRevocationType = message.Type{Domain: "flex", Category: "revocation", Version: "v1"}

	// SettlementType is the message type for period settlements.
	SettlementType = message.Type{Domain: "flex", Category: "settlement", Version: "v1"}

	// ResponseType is the message type for accept/reject verdicts.
	ResponseType = message.Type{Domain: "flex", Category: "response", Version: "v1"}
)

// Disposition is how a flex request qualifies a slot: a hard power limit the
// aggregator must respect, or an available band it may trade within.
type Disposition string

const (
	// DispositionRequested marks slots where a power change is wanted.
	DispositionRequested Disposition = "requested"
	// DispositionAvailable marks slots with headroom but no requested change.
	DispositionAvailable Disposition = "available"
)

// RequestSlot is one PTU range of a flex request.
type RequestSlot struct {
	Start       int         `json:"start"`
	Duration    int         `json:"duration"`
	Power       int64       `json:"power"`
	Disposition Disposition `json:"disposition"`
}

// APlan is a balance-responsible party's energy plan for a period, sent to
// the grid operator before gate closure.
type APlan struct {
	Envelope
	SequenceNumber  int64       `json:"sequence_number"`
	Period          Period      `json:"period"`
	ConnectionGroup string      `json:"connection_group"`
	Slots           []SlotValue `json:"slots"`
}

// Schema returns the message type.
func (p *APlan) Schema() message.Type { return APlanType }

// Validate validates the plan.
func (p *APlan) Validate() error {
	if err := p.Envelope.Validate(); err != nil {
		return err
	}
	return validateSequencedSlots(p.SequenceNumber, p.Period, p.Slots)
}

// MarshalJSON marshals the plan to JSON.
func (p *APlan) MarshalJSON() ([]byte, error) {
	type Alias APlan
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the plan from JSON.
func (p *APlan) UnmarshalJSON(data []byte) error {
	type Alias APlan
	return json.Unmarshal(data, (*Alias)(p))
}

// DPrognosis is an aggregator's forecast of consumption and production per
// slot on a congestion point, sent to the grid operator.
type DPrognosis struct {
	Envelope
	SequenceNumber  int64       `json:"sequence_number"`
	Period          Period      `json:"period"`
	ConnectionGroup string      `json:"connection_group"`
	Slots           []SlotValue `json:"slots"`

	// Updated is true when the prognosis revises an earlier one after an
	// ordered flex change.
	Updated bool `json:"updated,omitempty"`
}

// Schema returns the message type.
func (p *DPrognosis) Schema() message.Type { return DPrognosisType }

// Validate validates the prognosis.
func (p *DPrognosis) Validate() error {
	if err := p.Envelope.Validate(); err != nil {
		return err
	}
	return validateSequencedSlots(p.SequenceNumber, p.Period, p.Slots)
}

// MarshalJSON marshals the prognosis to JSON.
func (p *DPrognosis) MarshalJSON() ([]byte, error) {
	type Alias DPrognosis
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the prognosis from JSON.
func (p *DPrognosis) UnmarshalJSON(data []byte) error {
	type Alias DPrognosis
	return json.Unmarshal(data, (*Alias)(p))
}

// FlexRequest asks an aggregator for power changes on given slots of a
// congestion point.
type FlexRequest struct {
	Envelope
	SequenceNumber  int64         `json:"sequence_number"`
	Period          Period        `json:"period"`
	ConnectionGroup string        `json:"connection_group"`
	ExpirationTime  string        `json:"expiration_time,omitempty"`
	Slots           []RequestSlot `json:"slots"`
}

// Schema returns the message type.
func (r *FlexRequest) Schema() message.Type { return FlexRequestType }

// Validate validates the request. At least one slot must carry the requested
// disposition, otherwise there is nothing to answer.
func (r *FlexRequest) Validate() error {
	if err := r.Envelope.Validate(); err != nil {
		return err
	}
	if r.SequenceNumber <= 0 {
		return &ValidationError{Field: "sequence_number", Message: "sequence number must be positive"}
	}
	if r.Period.IsZero() {
		return &ValidationError{Field: "period", Message: "period is required"}
	}
	requested := false
	for i, s := range r.Slots {
		if s.Start < 1 || s.Duration < 1 {
			return &ValidationError{Field: "slots", Message: fmt.Sprintf("slot %d: invalid range", i)}
		}
		if s.Disposition == DispositionRequested {
			requested = true
		}
	}
	if !requested {
		return &ValidationError{Field: "slots", Message: "at least one slot must be requested"}
	}
	return nil
}

// MarshalJSON marshals the request to JSON.
func (r *FlexRequest) MarshalJSON() ([]byte, error) {
	type Alias FlexRequest
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON unmarshals the request from JSON.
func (r *FlexRequest) UnmarshalJSON(data []byte) error {
	type Alias FlexRequest
	return json.Unmarshal(data, (*Alias)(r))
}

// FlexOffer proposes a priced power change answering a flex request.
type FlexOffer struct {
	Envelope
	SequenceNumber  int64       `json:"sequence_number"`
	Period          Period      `json:"period"`
	ConnectionGroup string      `json:"connection_group"`
	ExpirationTime  string      `json:"expiration_time,omitempty"`
	Slots           []SlotValue `json:"slots"`

	// RequestSequence references the answered flex request, zero for an
	// unsolicited offer.
	RequestSequence int64 `json:"request_sequence,omitempty"`
}

// Schema returns the message type.
func (o *FlexOffer) Schema() message.Type { return FlexOfferType }

// Validate validates the offer.
func (o *FlexOffer) Validate() error {
	if err := o.Envelope.Validate(); err != nil {
		return err
	}
	return validateSequencedSlots(o.SequenceNumber, o.Period, o.Slots)
}

// MarshalJSON marshals the offer to JSON.
func (o *FlexOffer) MarshalJSON() ([]byte, error) {
	type Alias FlexOffer
	return json.Marshal((*Alias)(o))
}

// UnmarshalJSON unmarshals the offer from JSON.
func (o *FlexOffer) UnmarshalJSON(data []byte) error {
	type Alias FlexOffer
	return json.Unmarshal(data, (*Alias)(o))
}

// FlexOrder commits to a previously offered power change at its offered
// price.
type FlexOrder struct {
	Envelope
	SequenceNumber  int64       `json:"sequence_number"`
	Period          Period      `json:"period"`
	ConnectionGroup string      `json:"connection_group"`
	Slots           []SlotValue `json:"slots"`

	// OfferSequence references the accepted flex offer being ordered.
	OfferSequence int64 `json:"offer_sequence"`
}

// Schema returns the message type.
func (o *FlexOrder) Schema() message.Type { return FlexOrderType }

// Validate validates the order.
func (o *FlexOrder) Validate() error {
	if err := o.Envelope.Validate(); err != nil {
		return err
	}
	if o.OfferSequence <= 0 {
		return &ValidationError{Field: "offer_sequence", Message: "offer sequence is required"}
	}
	return validateSequencedSlots(o.SequenceNumber, o.Period, o.Slots)
}

// MarshalJSON marshals the order to JSON.
func (o *FlexOrder) MarshalJSON() ([]byte, error) {
	type Alias FlexOrder
	return json.Marshal((*Alias)(o))
}

// UnmarshalJSON unmarshals the order from JSON.
func (o *FlexOrder) UnmarshalJSON(data []byte) error {
	type Alias FlexOrder
	return json.Unmarshal(data, (*Alias)(o))
}

// FlexRevocation withdraws an accepted flex offer that has not been ordered.
type FlexRevocation struct {
	Envelope
	SequenceNumber int64  `json:"sequence_number"`
	Period         Period `json:"period"`

	// OfferSequence references the offer being withdrawn.
	OfferSequence int64 `json:"offer_sequence"`
}

// Schema returns the message type.
func (r *FlexRevocation) Schema() message.Type { return FlexRevocationType }

// Validate validates the revocation.
func (r *FlexRevocation) Validate() error {
	if err := r.Envelope.Validate(); err != nil {
		return err
	}
	if r.SequenceNumber <= 0 {
		return &ValidationError{Field: "sequence_number", Message: "sequence number must be positive"}
	}
	if r.OfferSequence <= 0 {
		return &ValidationError{Field: "offer_sequence", Message: "offer sequence is required"}
	}
	return nil
}

// MarshalJSON marshals the revocation to JSON.
func (r *FlexRevocation) MarshalJSON() ([]byte, error) {
	type Alias FlexRevocation
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON unmarshals the revocation from JSON.
func (r *FlexRevocation) UnmarshalJSON(data []byte) error {
	type Alias FlexRevocation
	return json.Unmarshal(data, (*Alias)(r))
}

// SettlementLine settles one ordered flex change for a completed period.
type SettlementLine struct {
	// OrderSequence references the settled flex order.
	OrderSequence int64 `json:"order_sequence"`

	// Slots carries settled power and price per PTU range.
	Slots []SlotValue `json:"slots"`
}

// Settlement settles all ordered flexibility between two parties for a
// completed period.
type Settlement struct {
	Envelope
	SequenceNumber int64            `json:"sequence_number"`
	Period         Period           `json:"period"`
	Lines          []SettlementLine `json:"lines"`
}

// Schema returns the message type.
func (s *Settlement) Schema() message.Type { return SettlementType }

// Validate validates the settlement.
func (s *Settlement) Validate() error {
	if err := s.Envelope.Validate(); err != nil {
		return err
	}
	if s.SequenceNumber <= 0 {
		return &ValidationError{Field: "sequence_number", Message: "sequence number must be positive"}
	}
	if s.Period.IsZero() {
		return &ValidationError{Field: "period", Message: "period is required"}
	}
	if len(s.Lines) == 0 {
		return &ValidationError{Field: "lines", Message: "at least one settlement line is required"}
	}
	for i, l := range s.Lines {
		if l.OrderSequence <= 0 {
			return &ValidationError{Field: "lines", Message: fmt.Sprintf("line %d: order sequence is required", i)}
		}
	}
	return nil
}

// MarshalJSON marshals the settlement to JSON.
func (s *Settlement) MarshalJSON() ([]byte, error) {
	type Alias Settlement
	return json.Marshal((*Alias)(s))
}

// UnmarshalJSON unmarshals the settlement from JSON.
func (s *Settlement) UnmarshalJSON(data []byte) error {
	type Alias Settlement
	return json.Unmarshal(data, (*Alias)(s))
}

// ResponseResult is the verdict carried by a document response.
type ResponseResult string

const (
	// ResultAccepted means the referenced document passed validation.
	ResultAccepted ResponseResult = "accepted"
	// ResultRejected means the referenced document failed validation.
	ResultRejected ResponseResult = "rejected"
)

// Response is the accept/reject verdict answering a received document.
type Response struct {
	Envelope

	// Subject is the document type being answered.
	Subject DocumentType `json:"subject"`

	// SubjectSequence is the answered document's sequence number.
	SubjectSequence int64 `json:"subject_sequence"`

	// Period is the answered document's period.
	Period Period `json:"period"`

	// Result is the verdict.
	Result ResponseResult `json:"result"`

	// Reason explains a rejection, empty on acceptance.
	Reason string `json:"reason,omitempty"`
}

// Schema returns the message type.
func (r *Response) Schema() message.Type { return ResponseType }

// Validate validates the response.
func (r *Response) Validate() error {
	if err := r.Envelope.Validate(); err != nil {
		return err
	}
	if !r.Subject.IsValid() {
		return &ValidationError{Field: "subject", Message: "unknown subject document type"}
	}
	if r.SubjectSequence <= 0 {
		return &ValidationError{Field: "subject_sequence", Message: "subject sequence is required"}
	}
	if r.Result != ResultAccepted && r.Result != ResultRejected {
		return &ValidationError{Field: "result", Message: "result must be accepted or rejected"}
	}
	if r.Result == ResultRejected && r.Reason == "" {
		return &ValidationError{Field: "reason", Message: "rejection requires a reason"}
	}
	return nil
}

// MarshalJSON marshals the response to JSON.
func (r *Response) MarshalJSON() ([]byte, error) {
	type Alias Response
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON unmarshals the response from JSON.
func (r *Response) UnmarshalJSON(data []byte) error {
	type Alias Response
	return json.Unmarshal(data, (*Alias)(r))
}

// ParseExpirationTime parses a payload's RFC 3339 expiration timestamp.
// The empty string means the document never expires.
func ParseExpirationTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &ValidationError{Field: "expiration_time",
			Message: "must be RFC 3339, got " + s}
	}
	return &t, nil
}

func validateSequencedSlots(seq int64, period Period, slots []SlotValue) error {
	if seq <= 0 {
		return &ValidationError{Field: "sequence_number", Message: "sequence number must be positive"}
	}
	if period.IsZero() {
		return &ValidationError{Field: "period", Message: "period is required"}
	}
	if len(slots) == 0 {
		return &ValidationError{Field: "slots", Message: "at least one slot value is required"}
	}
	for i, v := range slots {
		if v.Start < 1 || v.Duration < 1 {
			return &ValidationError{Field: "slots", Message: fmt.Sprintf("slot %d: invalid range", i)}
		}
	}
	return nil
}
