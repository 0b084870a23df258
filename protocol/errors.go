package protocol

import "fmt"

// DecodeError indicates an inbound message could not be decoded into a known
// document. Decode failures are dead-lettered, never crash the receiver.
type DecodeError struct {
	Subject string
	Cause   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message on %s: %v", e.Subject, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// SequenceViolationError indicates a document arrived with a sequence number
// at or below the highest already seen for its (sender, type) pair.
type SequenceViolationError struct {
	Domain   string
	Type     DocumentType
	Got      int64
	LastSeen int64
}

func (e *SequenceViolationError) Error() string {
	return fmt.Sprintf("sequence violation from %s for %s: got %d, last seen %d",
		e.Domain, e.Type, e.Got, e.LastSeen)
}

// IllegalTransitionError indicates an attempted status change the lifecycle
// does not permit.
type IllegalTransitionError struct {
	DocumentID string
	From       DocumentStatus
	To         DocumentStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("document %s: illegal transition %s -> %s", e.DocumentID, e.From, e.To)
}

// NoContractError indicates a document referencing a counterparty or
// connection group outside the receiver's registered contracts.
type NoContractError struct {
	Domain          string
	ConnectionGroup string
}

func (e *NoContractError) Error() string {
	if e.ConnectionGroup != "" {
		return fmt.Sprintf("no contract with %s for connection group %s", e.Domain, e.ConnectionGroup)
	}
	return fmt.Sprintf("no contract with %s", e.Domain)
}

// TechnicalError wraps infrastructure failures (NATS, storage) that should be
// retried rather than answered with a protocol rejection.
type TechnicalError struct {
	Op    string
	Cause error
}

func (e *TechnicalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TechnicalError) Unwrap() error {
	return e.Cause
}
