package planboard

import (
	"sort"

	"github.com/c360studio/gridflex/metrics"
	"github.com/c360studio/gridflex/protocol"
)

// Filter narrows a planboard query. Zero-valued fields match everything.
type Filter struct {
	Type               protocol.DocumentType
	Status             protocol.DocumentStatus
	CounterpartyDomain string
}

func (f Filter) matches(doc *protocol.Document) bool {
	if f.Type != "" && doc.Type != f.Type {
		return false
	}
	if f.Status != "" && doc.Status != f.Status {
		return false
	}
	if f.CounterpartyDomain != "" && doc.CounterpartyDomain != f.CounterpartyDomain {
		return false
	}
	return true
}

// Query returns copies of the documents in one (group, period) partition
// matching the filter, ordered by sequence number. Documents past their
// expiration time are expired on the way out, so callers never see an
// actionable document that is no longer actionable.
func (p *Planboard) Query(group string, period protocol.Period, f Filter) []protocol.Document {
	part := p.partitionFor(group, period, false)
	if part == nil {
		return nil
	}

	part.mu.Lock()
	var out []protocol.Document
	for _, doc := range part.docs {
		p.expireLocked(doc)
		if f.matches(doc) {
			out = append(out, *doc)
		}
	}
	part.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceNumber != out[j].SequenceNumber {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Latest returns the highest-sequence document matching the filter, if any.
func (p *Planboard) Latest(group string, period protocol.Period, f Filter) (protocol.Document, bool) {
	docs := p.Query(group, period, f)
	if len(docs) == 0 {
		return protocol.Document{}, false
	}
	return docs[len(docs)-1], true
}

// FindBySequence returns the document of the given type and counterparty with
// the given sequence number.
func (p *Planboard) FindBySequence(group string, period protocol.Period, docType protocol.DocumentType, counterparty string, seq int64) (protocol.Document, bool) {
	for _, doc := range p.Query(group, period, Filter{Type: docType, CounterpartyDomain: counterparty}) {
		if doc.SequenceNumber == seq {
			return doc, true
		}
	}
	return protocol.Document{}, false
}

// Groups returns the connection groups holding documents for the period.
func (p *Planboard) Groups(period protocol.Period) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var groups []string
	for key := range p.partitions {
		if key.period.Equal(period) {
			groups = append(groups, key.group)
		}
	}
	sort.Strings(groups)
	return groups
}

// Sweep expires overdue documents across every partition and returns how
// many moved. The scheduler drives this periodically; reads also expire
// lazily, so a sweep is cleanup, not correctness.
func (p *Planboard) Sweep() int {
	p.mu.RLock()
	parts := make([]*partition, 0, len(p.partitions))
	for _, part := range p.partitions {
		parts = append(parts, part)
	}
	p.mu.RUnlock()

	expired := 0
	for _, part := range parts {
		part.mu.Lock()
		for _, doc := range part.docs {
			before := doc.Status
			p.expireLocked(doc)
			if doc.Status != before {
				expired++
			}
		}
		part.mu.Unlock()
	}
	metrics.RecordExpired(expired)
	return expired
}
