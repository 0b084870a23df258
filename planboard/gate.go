package planboard

import (
	"time"

	"github.com/c360studio/gridflex/protocol"
)

// Gate decides when trading on a period or slot closes. Day-ahead documents
// stop at the period gate; intraday documents (requests, offers, orders)
// stop per slot, lead before the slot starts.
type Gate struct {
	clock *protocol.PTUClock
	lead  time.Duration
}

// NewGate returns a gate closing lead before the start of each period. A
// six-hour lead closes the gate for Tuesday at 18:00 Monday.
func NewGate(clock *protocol.PTUClock, lead time.Duration) *Gate {
	return &Gate{clock: clock, lead: lead}
}

// Lead returns the configured closure lead.
func (g *Gate) Lead() time.Duration {
	return g.lead
}

// ClosesAt returns the gate-closure instant for a period.
func (g *Gate) ClosesAt(p protocol.Period) time.Time {
	return p.Start(g.clock.Location()).Add(-g.lead)
}

// Closed reports whether the gate for p has closed at now.
func (g *Gate) Closed(p protocol.Period, now time.Time) bool {
	return !now.Before(g.ClosesAt(p))
}

// SlotClosed reports whether trading on the given slot of p has closed at
// now. A slot closes lead before it starts; a document targeting it after
// that is late.
func (g *Gate) SlotClosed(p protocol.Period, slot int, now time.Time) bool {
	return !now.Before(g.clock.SlotStart(p, slot).Add(-g.lead))
}
