package protocol

import "strings"

// Subject scheme for the flex message mesh. Every participant consumes
// flex.in.<its-domain-token>.> and publishes to the recipient's inbox, so a
// single JetStream stream carries all traffic between co-hosted
// coordinators.
const (
	// StreamName is the JetStream stream carrying all flex traffic.
	StreamName = "FLEX"

	// StreamSubjects is the subject space the stream captures.
	StreamSubjects = "flex.>"

	// DLQSubjectPrefix prefixes dead-lettered messages that failed decoding
	// or exhausted delivery attempts.
	DLQSubjectPrefix = "flex.dlq"
)

// DomainToken converts a participant domain into a NATS subject token.
// Dots would split subject levels, so they become dashes.
func DomainToken(domain string) string {
	return strings.ReplaceAll(strings.ToLower(domain), ".", "-")
}

// InboxSubject returns the subject a document for recipientDomain is
// published to.
func InboxSubject(recipientDomain, category string) string {
	return "flex.in." + DomainToken(recipientDomain) + "." + category
}

// InboxFilter returns the consumer filter capturing all of a participant's
// inbound traffic.
func InboxFilter(domain string) string {
	return "flex.in." + DomainToken(domain) + ".>"
}

// DLQSubject returns the dead-letter subject for a participant's failed
// inbound messages.
func DLQSubject(domain string) string {
	return DLQSubjectPrefix + "." + DomainToken(domain)
}
