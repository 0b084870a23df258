package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
)

// decoder is bound to the package catalog; constructed once so per-message
// decoding does not reallocate it.
var decoder = message.NewDecoder(catalog)

// DecodeBase unmarshals raw message bytes into a base message with its
// typed payload resolved against the protocol catalog.
func DecodeBase(subject string, data []byte) (*message.BaseMessage, error) {
	msg, err := decoder.Decode(data)
	if err != nil {
		return nil, &DecodeError{Subject: subject, Cause: err}
	}
	return msg, nil
}

// Decode unmarshals raw message bytes and extracts the payload as T. The
// registered payload factory gives the concrete type, so the payload is a
// direct type assertion away.
func Decode[T any](subject string, data []byte) (*T, error) {
	msg, err := DecodeBase(subject, data)
	if err != nil {
		return nil, err
	}
	payload, ok := msg.Payload().(*T)
	if !ok {
		return nil, &DecodeError{
			Subject: subject,
			Cause:   fmt.Errorf("unexpected payload type %T", msg.Payload()),
		}
	}
	return payload, nil
}

// Encode wraps a payload in a base message and marshals it for publishing.
func Encode(payload message.Payload, source string) ([]byte, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("validate payload: %w", err)
	}
	msg := message.NewBaseMessage(payload.Schema(), payload, source)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}
