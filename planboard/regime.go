package planboard

import (
	"fmt"

	"github.com/c360studio/gridflex/protocol"
)

// Regime is the operating mode of a congestion point's time slot. It decides
// which documents a grid operator sends for that slot: in the normal regime
// only prognoses flow; at congestion risk flex requests go out; with
// congestion active orders follow offers.
type Regime string

const (
	// RegimeNormal means no congestion is forecast; prognoses only.
	RegimeNormal Regime = "normal"
	// RegimeCongestionRisk means forecasts approach grid limits; requests
	// and offers flow but nothing is ordered yet.
	RegimeCongestionRisk Regime = "congestion-risk"
	// RegimeCongestionActive means limits would be breached without ordered
	// flexibility.
	RegimeCongestionActive Regime = "congestion-active"
)

// IsValid returns true if the regime is known.
func (r Regime) IsValid() bool {
	switch r {
	case RegimeNormal, RegimeCongestionRisk, RegimeCongestionActive:
		return true
	default:
		return false
	}
}

// severity orders regimes for summarizing a period.
func (r Regime) severity() int {
	switch r {
	case RegimeCongestionActive:
		return 2
	case RegimeCongestionRisk:
		return 1
	default:
		return 0
	}
}

// RegimeState is the operating state of one time slot on a congestion point:
// its regime plus, with congestion active, the power the grid can still
// carry there. A LimitedPower of zero means the contracted limit applies
// unchanged.
type RegimeState struct {
	Regime       Regime
	LimitedPower int64
}

// FindOrCreateSlots returns the per-slot regime states of a congestion point
// for one period, creating them in the normal regime on first use. Calling
// it again with the same arguments returns the same states; a larger slot
// count extends the day in place. The returned slice is a copy; mutate
// through SetSlotRegime.
func (p *Planboard) FindOrCreateSlots(group string, period protocol.Period, slots int) []RegimeState {
	key := partitionKey{group: group, period: period}
	p.regimeMu.Lock()
	defer p.regimeMu.Unlock()
	states := p.slotStates[key]
	for len(states) < slots {
		states = append(states, RegimeState{Regime: RegimeNormal})
	}
	p.slotStates[key] = states

	out := make([]RegimeState, len(states))
	copy(out, states)
	return out
}

// SlotRegime returns the state of one slot (1-based), normal for slots never
// colored.
func (p *Planboard) SlotRegime(group string, period protocol.Period, slot int) RegimeState {
	p.regimeMu.RLock()
	defer p.regimeMu.RUnlock()
	states := p.slotStates[partitionKey{group: group, period: period}]
	if slot < 1 || slot > len(states) {
		return RegimeState{Regime: RegimeNormal}
	}
	return states[slot-1]
}

// SetSlotRegime colors one slot (1-based). Slots between the known end of
// the day and the colored one are created in the normal regime.
func (p *Planboard) SetSlotRegime(group string, period protocol.Period, slot int, state RegimeState) error {
	if slot < 1 {
		return fmt.Errorf("slot %d out of range", slot)
	}
	if !state.Regime.IsValid() {
		return fmt.Errorf("unknown regime %q", state.Regime)
	}

	key := partitionKey{group: group, period: period}
	p.regimeMu.Lock()
	defer p.regimeMu.Unlock()
	states := p.slotStates[key]
	for len(states) < slot {
		states = append(states, RegimeState{Regime: RegimeNormal})
	}
	states[slot-1] = state
	p.slotStates[key] = states
	return nil
}

// Regime summarizes a congestion point for one period: the most severe
// regime any of its slots carries, normal when none were ever colored.
func (p *Planboard) Regime(group string, period protocol.Period) Regime {
	p.regimeMu.RLock()
	defer p.regimeMu.RUnlock()
	worst := RegimeNormal
	for _, s := range p.slotStates[partitionKey{group: group, period: period}] {
		if s.Regime.severity() > worst.severity() {
			worst = s.Regime
		}
	}
	return worst
}
