package protocol

import (
	"encoding/json"

	"github.com/c360studio/semstreams/message"
)

// ReoptimizeEventType is the message type for internal re-optimization
// triggers. These never leave the engine; they loop a coordinator back into
// its portfolio-optimization step.
var ReoptimizeEventType = message.Type{Domain: "flex", Category: "reoptimize", Version: "v1"}

// ReoptimizeTrigger names what caused a re-optimization.
type ReoptimizeTrigger string

const (
	// TriggerOrderAccepted fires after a flex order lands on the planboard.
	TriggerOrderAccepted ReoptimizeTrigger = "order-accepted"
	// TriggerForecastChanged fires when a portfolio forecast shifts materially.
	TriggerForecastChanged ReoptimizeTrigger = "forecast-changed"
	// TriggerScheduled fires from the periodic scheduler.
	TriggerScheduled ReoptimizeTrigger = "scheduled"
)

// ReoptimizeEvent asks the owning coordinator to re-run portfolio
// optimization for a period.
type ReoptimizeEvent struct {
	Period          Period            `json:"period"`
	ConnectionGroup string            `json:"connection_group,omitempty"`
	Trigger         ReoptimizeTrigger `json:"trigger"`
}

// Schema returns the message type.
func (e *ReoptimizeEvent) Schema() message.Type { return ReoptimizeEventType }

// Validate validates the event.
func (e *ReoptimizeEvent) Validate() error {
	if e.Period.IsZero() {
		return &ValidationError{Field: "period", Message: "period is required"}
	}
	if e.Trigger == "" {
		return &ValidationError{Field: "trigger", Message: "trigger is required"}
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *ReoptimizeEvent) MarshalJSON() ([]byte, error) {
	type Alias ReoptimizeEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *ReoptimizeEvent) UnmarshalJSON(data []byte) error {
	type Alias ReoptimizeEvent
	return json.Unmarshal(data, (*Alias)(e))
}
