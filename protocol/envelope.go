package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Precedence orders inbound message handling: routine traffic yields to
// transactional documents, which yield to critical operational messages.
type Precedence string

const (
	// PrecedenceRoutine covers prognoses and queries.
	PrecedenceRoutine Precedence = "routine"
	// PrecedenceTransactional covers the flex trading documents.
	PrecedenceTransactional Precedence = "transactional"
	// PrecedenceCritical covers revocations and settlement disputes.
	PrecedenceCritical Precedence = "critical"
)

// IsValid returns true if the precedence is known.
func (p Precedence) IsValid() bool {
	switch p {
	case PrecedenceRoutine, PrecedenceTransactional, PrecedenceCritical:
		return true
	default:
		return false
	}
}

// Envelope carries the addressing and conversation metadata shared by every
// wire payload. A new conversation starts with the initial document of each
// exchange; replies and responses keep the initiator's conversation ID.
type Envelope struct {
	// MessageID uniquely identifies this message.
	MessageID string `json:"message_id"`

	// ConversationID groups a request and everything answering it.
	ConversationID string `json:"conversation_id"`

	// SenderDomain is the sending participant's internet domain.
	SenderDomain string `json:"sender_domain"`

	// SenderRole is the sending participant's protocol role.
	SenderRole Role `json:"sender_role"`

	// RecipientDomain is the receiving participant's internet domain.
	RecipientDomain string `json:"recipient_domain"`

	// RecipientRole is the receiving participant's protocol role.
	RecipientRole Role `json:"recipient_role"`

	// Precedence hints handling priority at the receiver.
	Precedence Precedence `json:"precedence"`

	// Timestamp is when the sender created the message.
	Timestamp time.Time `json:"timestamp"`

	// ValidUntil, when set, is the instant after which the receiver must
	// discard the message instead of processing it.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// NewEnvelope creates an envelope opening a fresh conversation.
func NewEnvelope(senderDomain string, senderRole Role, recipientDomain string, recipientRole Role, precedence Precedence) Envelope {
	id := uuid.NewString()
	return Envelope{
		MessageID:       id,
		ConversationID:  id,
		SenderDomain:    senderDomain,
		SenderRole:      senderRole,
		RecipientDomain: recipientDomain,
		RecipientRole:   recipientRole,
		Precedence:      precedence,
		Timestamp:       time.Now().UTC(),
	}
}

// Reply returns an envelope answering e: addressing reversed, conversation
// preserved, a fresh message ID.
func (e Envelope) Reply() Envelope {
	return Envelope{
		MessageID:       uuid.NewString(),
		ConversationID:  e.ConversationID,
		SenderDomain:    e.RecipientDomain,
		SenderRole:      e.RecipientRole,
		RecipientDomain: e.SenderDomain,
		RecipientRole:   e.SenderRole,
		Precedence:      e.Precedence,
		Timestamp:       time.Now().UTC(),
	}
}

// Validate checks the envelope's addressing fields.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return &ValidationError{Field: "message_id", Message: "message ID is required"}
	}
	if e.ConversationID == "" {
		return &ValidationError{Field: "conversation_id", Message: "conversation ID is required"}
	}
	if e.SenderDomain == "" {
		return &ValidationError{Field: "sender_domain", Message: "sender domain is required"}
	}
	if !e.SenderRole.IsValid() {
		return &ValidationError{Field: "sender_role", Message: "unknown sender role"}
	}
	if e.RecipientDomain == "" {
		return &ValidationError{Field: "recipient_domain", Message: "recipient domain is required"}
	}
	if !e.RecipientRole.IsValid() {
		return &ValidationError{Field: "recipient_role", Message: "unknown recipient role"}
	}
	if !e.Precedence.IsValid() {
		return &ValidationError{Field: "precedence", Message: "unknown precedence"}
	}
	return nil
}
