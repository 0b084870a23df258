package protocol

import (
	"encoding/json"

	"github.com/c360studio/semstreams/message"
)

// Message types for the meter-data and common-reference exchanges.
var (
	// MeterDataQueryType is the message type for metered-readings queries.
	MeterDataQueryType = message.Type{Domain: "meter", Category: "query", Version: "v1"}

	// MeterDataResultType is the message type for metered-readings results.
	MeterDataResultType = message.Type{Domain: "meter", Category: "readings", Version: "v1"}

	// CommonReferenceQueryType is the message type for registry queries.
	CommonReferenceQueryType = message.Type{Domain: "reference", Category: "query", Version: "v1"}

	// CommonReferenceResultType is the message type for registry results.
	CommonReferenceResultType = message.Type{Domain: "reference", Category: "entities", Version: "v1"}
)

// MeterDataQuery requests metered readings for a period and connection group,
// used by the grid operator to ground settlements in actuals.
type MeterDataQuery struct {
	Envelope
	Period          Period `json:"period"`
	ConnectionGroup string `json:"connection_group"`
}

// Schema returns the message type.
func (q *MeterDataQuery) Schema() message.Type { return MeterDataQueryType }

// Validate validates the query.
func (q *MeterDataQuery) Validate() error {
	if err := q.Envelope.Validate(); err != nil {
		return err
	}
	if q.Period.IsZero() {
		return &ValidationError{Field: "period", Message: "period is required"}
	}
	if q.ConnectionGroup == "" {
		return &ValidationError{Field: "connection_group", Message: "connection group is required"}
	}
	return nil
}

// MarshalJSON marshals the query to JSON.
func (q *MeterDataQuery) MarshalJSON() ([]byte, error) {
	type Alias MeterDataQuery
	return json.Marshal((*Alias)(q))
}

// UnmarshalJSON unmarshals the query from JSON.
func (q *MeterDataQuery) UnmarshalJSON(data []byte) error {
	type Alias MeterDataQuery
	return json.Unmarshal(data, (*Alias)(q))
}

// MeterReading is the metered energy for one slot of a connection.
type MeterReading struct {
	Slot       int    `json:"slot"`
	Connection string `json:"connection"`

	// Energy is the metered energy in watt-hours, signed like SlotValue.Power.
	Energy int64 `json:"energy"`
}

// MeterDataResult answers a meter-data query with per-slot readings.
type MeterDataResult struct {
	Envelope
	Period          Period         `json:"period"`
	ConnectionGroup string         `json:"connection_group"`
	Readings        []MeterReading `json:"readings"`

	// Incomplete is true when some connections had no readings for the period.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Schema returns the message type.
func (r *MeterDataResult) Schema() message.Type { return MeterDataResultType }

// Validate validates the result.
func (r *MeterDataResult) Validate() error {
	if err := r.Envelope.Validate(); err != nil {
		return err
	}
	if r.Period.IsZero() {
		return &ValidationError{Field: "period", Message: "period is required"}
	}
	return nil
}

// MarshalJSON marshals the result to JSON.
func (r *MeterDataResult) MarshalJSON() ([]byte, error) {
	type Alias MeterDataResult
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON unmarshals the result from JSON.
func (r *MeterDataResult) UnmarshalJSON(data []byte) error {
	type Alias MeterDataResult
	return json.Unmarshal(data, (*Alias)(r))
}

// CommonReferenceQuery requests the participants registered on a connection
// group from the common-reference operator.
type CommonReferenceQuery struct {
	Envelope
	ConnectionGroup string `json:"connection_group"`
}

// Schema returns the message type.
func (q *CommonReferenceQuery) Schema() message.Type { return CommonReferenceQueryType }

// Validate validates the query.
func (q *CommonReferenceQuery) Validate() error {
	if err := q.Envelope.Validate(); err != nil {
		return err
	}
	if q.ConnectionGroup == "" {
		return &ValidationError{Field: "connection_group", Message: "connection group is required"}
	}
	return nil
}

// MarshalJSON marshals the query to JSON.
func (q *CommonReferenceQuery) MarshalJSON() ([]byte, error) {
	type Alias CommonReferenceQuery
	return json.Marshal((*Alias)(q))
}

// UnmarshalJSON unmarshals the query from JSON.
func (q *CommonReferenceQuery) UnmarshalJSON(data []byte) error {
	type Alias CommonReferenceQuery
	return json.Unmarshal(data, (*Alias)(q))
}

// ReferenceEntry is one registered participant on a connection group.
type ReferenceEntry struct {
	Domain          string `json:"domain"`
	Role            Role   `json:"role"`
	ConnectionGroup string `json:"connection_group"`
}

// CommonReferenceResult answers a registry query with the registered
// participants.
type CommonReferenceResult struct {
	Envelope
	ConnectionGroup string           `json:"connection_group"`
	Entries         []ReferenceEntry `json:"entries"`
}

// Schema returns the message type.
func (r *CommonReferenceResult) Schema() message.Type { return CommonReferenceResultType }

// Validate validates the result.
func (r *CommonReferenceResult) Validate() error {
	return r.Envelope.Validate()
}

// MarshalJSON marshals the result to JSON.
func (r *CommonReferenceResult) MarshalJSON() ([]byte, error) {
	type Alias CommonReferenceResult
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON unmarshals the result from JSON.
func (r *CommonReferenceResult) UnmarshalJSON(data []byte) error {
	type Alias CommonReferenceResult
	return json.Unmarshal(data, (*Alias)(r))
}
