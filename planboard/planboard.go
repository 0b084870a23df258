// Package planboard maintains a participant's view of the flex trading
// state: every sent and received document, its lifecycle status, per-sender
// sequence bookkeeping, and the operating regime of every time slot on each
// congestion point.
//
// The planboard is the single source of truth a coordinator consults before
// acting. It is safe for concurrent use; state is partitioned per
// (connection group, period) so traffic on unrelated congestion points never
// contends.
package planboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/gridflex/protocol"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

type seqKey struct {
	domain  string
	docType protocol.DocumentType
}

type partitionKey struct {
	group  string
	period protocol.Period
}

// partition holds the documents of one (connection group, period) pair.
type partition struct {
	mu   sync.RWMutex
	docs map[string]*protocol.Document
}

// Planboard tracks documents, sequences, and regimes for one participant.
type Planboard struct {
	clock Clock

	mu         sync.RWMutex
	partitions map[partitionKey]*partition

	seqMu    sync.Mutex
	lastSeen map[seqKey]int64 // highest inbound sequence per (sender, type)
	nextOut  map[protocol.DocumentType]int64

	regimeMu   sync.RWMutex
	slotStates map[partitionKey][]RegimeState // 1-based slot at index slot-1

	// archive receives documents on every mutation when set.
	archive ArchiveSink
}

// ArchiveSink receives document snapshots for durable storage. Archive
// failures are the sink's problem; the planboard never blocks on it.
type ArchiveSink interface {
	Store(doc *protocol.Document)
}

// Option configures a Planboard.
type Option func(*Planboard)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(p *Planboard) { p.clock = c }
}

// WithArchive attaches a durable archive sink.
func WithArchive(a ArchiveSink) Option {
	return func(p *Planboard) { p.archive = a }
}

// New creates an empty planboard.
func New(opts ...Option) *Planboard {
	p := &Planboard{
		clock:      SystemClock{},
		partitions: make(map[partitionKey]*partition),
		lastSeen:   make(map[seqKey]int64),
		nextOut:    make(map[protocol.DocumentType]int64),
		slotStates: make(map[partitionKey][]RegimeState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planboard) partitionFor(group string, period protocol.Period, create bool) *partition {
	key := partitionKey{group: group, period: period}

	p.mu.RLock()
	part, ok := p.partitions[key]
	p.mu.RUnlock()
	if ok || !create {
		return part
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if part, ok = p.partitions[key]; ok {
		return part
	}
	part = &partition{docs: make(map[string]*protocol.Document)}
	p.partitions[key] = part
	return part
}

// NextSequence returns the next outbound sequence number for a document
// type. Sequences start at 1 and are strictly increasing for the lifetime of
// the planboard.
func (p *Planboard) NextSequence(docType protocol.DocumentType) int64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.nextOut[docType]++
	return p.nextOut[docType]
}

// CheckInboundSequence verifies a received document's sequence number is
// strictly greater than the highest seen from that sender for that type. It
// records nothing; the caller marks the sequence once the document is safely
// stored, so a failed store leaves the number spendable on retransmission.
func (p *Planboard) CheckInboundSequence(senderDomain string, docType protocol.DocumentType, seq int64) error {
	key := seqKey{domain: senderDomain, docType: docType}

	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	if last := p.lastSeen[key]; seq <= last {
		return &protocol.SequenceViolationError{
			Domain:   senderDomain,
			Type:     docType,
			Got:      seq,
			LastSeen: last,
		}
	}
	return nil
}

// MarkInboundSequence raises the high-water mark for a sender and type.
func (p *Planboard) MarkInboundSequence(senderDomain string, docType protocol.DocumentType, seq int64) {
	key := seqKey{domain: senderDomain, docType: docType}

	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	if seq > p.lastSeen[key] {
		p.lastSeen[key] = seq
	}
}

// Put stores a document on the planboard. A missing ID is assigned. The
// stored copy is owned by the planboard; callers must not mutate doc after
// handing it over.
func (p *Planboard) Put(doc *protocol.Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if !doc.Status.IsValid() {
		doc.Status = protocol.StatusNew
	}
	now := p.clock.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	part := p.partitionFor(doc.ConnectionGroup, doc.Period, true)
	part.mu.Lock()
	part.docs[doc.ID] = doc
	part.mu.Unlock()

	if p.archive != nil {
		p.archive.Store(doc)
	}
	return nil
}

// Get returns a copy of the document, expiring it first if its expiration
// time has passed. The boolean is false when no such document exists.
func (p *Planboard) Get(group string, period protocol.Period, id string) (protocol.Document, bool) {
	part := p.partitionFor(group, period, false)
	if part == nil {
		return protocol.Document{}, false
	}

	part.mu.Lock()
	defer part.mu.Unlock()
	doc, ok := part.docs[id]
	if !ok {
		return protocol.Document{}, false
	}
	p.expireLocked(doc)
	return *doc, true
}

// Transition moves a document to target status, enforcing the lifecycle.
func (p *Planboard) Transition(group string, period protocol.Period, id string, target protocol.DocumentStatus) error {
	part := p.partitionFor(group, period, false)
	if part == nil {
		return fmt.Errorf("transition document %s: not found", id)
	}

	part.mu.Lock()
	defer part.mu.Unlock()
	doc, ok := part.docs[id]
	if !ok {
		return fmt.Errorf("transition document %s: not found", id)
	}
	p.expireLocked(doc)
	if !doc.Status.CanTransitionTo(target) {
		return &protocol.IllegalTransitionError{DocumentID: id, From: doc.Status, To: target}
	}
	doc.Status = target
	doc.UpdatedAt = p.clock.Now()

	if p.archive != nil {
		p.archive.Store(doc)
	}
	return nil
}

// Supersede rolls a processed document back to pending-further-action. This
// is the lifecycle's only reverse move, used when a later order invalidates
// follow-up work already done for a prognosis.
func (p *Planboard) Supersede(group string, period protocol.Period, id string) error {
	part := p.partitionFor(group, period, false)
	if part == nil {
		return fmt.Errorf("supersede document %s: not found", id)
	}

	part.mu.Lock()
	defer part.mu.Unlock()
	doc, ok := part.docs[id]
	if !ok {
		return fmt.Errorf("supersede document %s: not found", id)
	}
	if doc.Status != protocol.StatusProcessed {
		return &protocol.IllegalTransitionError{
			DocumentID: id,
			From:       doc.Status,
			To:         protocol.StatusPendingFurtherAction,
		}
	}
	doc.Status = protocol.StatusPendingFurtherAction
	doc.UpdatedAt = p.clock.Now()

	if p.archive != nil {
		p.archive.Store(doc)
	}
	return nil
}

// expireLocked moves a document past its expiration time into the expired
// state. Caller holds the partition lock.
func (p *Planboard) expireLocked(doc *protocol.Document) {
	if doc.Status.IsTerminal() {
		return
	}
	if doc.Expired(p.clock.Now()) && doc.Status.CanTransitionTo(protocol.StatusExpired) {
		doc.Status = protocol.StatusExpired
		doc.UpdatedAt = p.clock.Now()
		if p.archive != nil {
			p.archive.Store(doc)
		}
	}
}
