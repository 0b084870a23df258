package pbc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
)

// registerDefaults installs the reference strategy for every step and binds
// it. Operators swap strategies per step via the bindings file; these stay
// registered as the fallback.
func registerDefaults(e *Engine) {
	e.Register(StepOfferDetermination, DefaultImplementation,
		&MarginalPriceOffers{PricePerMWh: decimal.NewFromInt(55)})
	e.Register(StepPortfolioOptimization, DefaultImplementation,
		StepFunc(foldOrdersIntoBaseline))
	e.Register(StepPrognosisDetermination, DefaultImplementation,
		StepFunc(foldOrdersIntoBaseline))
	e.Register(StepSettlementValidation, DefaultImplementation,
		StepFunc(validateSettlementAgainstBoard))
	e.Register(StepGridForecastEvaluation, DefaultImplementation,
		&ThresholdForecastEvaluation{RiskFraction: decimal.RequireFromString("0.8")})
	e.Register(StepFlexRequestDetermination, DefaultImplementation,
		&ThresholdForecastEvaluation{RiskFraction: decimal.RequireFromString("0.8")})
	e.Register(StepOrderPlacement, DefaultImplementation,
		&CheapestFirstPlacement{})
	e.Register(StepSettlementDetermination, DefaultImplementation,
		StepFunc(settleOrderedValues))
	e.Register(StepPlanDetermination, DefaultImplementation,
		StepFunc(planFromBaseline))
}

// MarginalPriceOffers answers flex requests by offering exactly the
// requested power change at a flat energy price.
type MarginalPriceOffers struct {
	// PricePerMWh is the flat price applied to offered energy.
	PricePerMWh decimal.Decimal
}

// Run shapes the offer slots for the request in KeyFlexRequest.
func (m *MarginalPriceOffers) Run(_ context.Context, exec *Execution) error {
	req, ok := Value[*protocol.FlexRequest](exec, KeyFlexRequest)
	if !ok {
		return fmt.Errorf("missing %s input", KeyFlexRequest)
	}

	var slots []protocol.SlotValue
	for _, rs := range req.Slots {
		if rs.Disposition != protocol.DispositionRequested || rs.Power == 0 {
			continue
		}
		slots = append(slots, protocol.SlotValue{
			Start:    rs.Start,
			Duration: rs.Duration,
			Power:    rs.Power,
			Price:    m.price(exec.Clock, rs.Power, rs.Duration),
		})
	}
	exec.Set(KeyOfferSlots, slots)
	return nil
}

// price converts a power change over a slot range into an energy price.
func (m *MarginalPriceOffers) price(clock *protocol.PTUClock, power int64, duration int) decimal.Decimal {
	hours := decimal.NewFromFloat((clock.Duration() * time.Duration(duration)).Hours())
	megawatts := decimal.NewFromInt(power).Abs().Div(decimal.NewFromInt(1_000_000))
	return megawatts.Mul(hours).Mul(m.PricePerMWh).Round(2)
}

// foldOrdersIntoBaseline rebuilds prognosis slots as the baseline forecast
// plus every accepted or pending order's power per slot. Both portfolio
// optimization and prognosis determination reduce to this in the reference
// strategy.
func foldOrdersIntoBaseline(_ context.Context, exec *Execution) error {
	baseline, ok := Value[[]protocol.SlotValue](exec, KeyBaseline)
	if !ok {
		return fmt.Errorf("missing %s input", KeyBaseline)
	}

	adjust := make(map[int]int64)
	for _, status := range []protocol.DocumentStatus{
		protocol.StatusAccepted,
		protocol.StatusPendingFurtherAction,
		protocol.StatusProcessed,
	} {
		orders := exec.Board.Query(exec.ConnectionGroup, exec.Period, planboard.Filter{
			Type:   protocol.DocumentTypeFlexOrder,
			Status: status,
		})
		for _, order := range orders {
			for _, v := range order.Slots {
				for slot := v.Start; slot <= v.LastSlot(); slot++ {
					adjust[slot] += v.Power
				}
			}
		}
	}

	out := make([]protocol.SlotValue, 0, len(baseline))
	for _, v := range baseline {
		for slot := v.Start; slot <= v.LastSlot(); slot++ {
			out = append(out, protocol.SlotValue{
				Start:    slot,
				Duration: 1,
				Power:    v.Power + adjust[slot],
			})
		}
	}
	exec.Set(KeyPrognosisSlots, out)
	return nil
}

// validateSettlementAgainstBoard checks every settlement line against the
// planboard's record of the referenced order. A line whose settled power or
// price disagrees with what was ordered is disputed.
func validateSettlementAgainstBoard(_ context.Context, exec *Execution) error {
	settlement, ok := Value[*protocol.Settlement](exec, KeySettlement)
	if !ok {
		return fmt.Errorf("missing %s input", KeySettlement)
	}

	verdict := Verdict{Accepted: true}
	for _, line := range settlement.Lines {
		order, found := exec.Board.FindBySequence(exec.ConnectionGroup, settlement.Period,
			protocol.DocumentTypeFlexOrder, settlement.SenderDomain, line.OrderSequence)
		if !found {
			verdict.Accepted = false
			verdict.DisputedOrders = append(verdict.DisputedOrders, line.OrderSequence)
			verdict.Reason = "settled order not on planboard"
			continue
		}
		if !slotValuesMatch(order.Slots, line.Slots) {
			verdict.Accepted = false
			verdict.DisputedOrders = append(verdict.DisputedOrders, line.OrderSequence)
			verdict.Reason = "settled values disagree with ordered values"
		}
	}
	exec.Set(KeySettlementVerdict, verdict)
	return nil
}

func slotValuesMatch(ordered, settled []protocol.SlotValue) bool {
	if len(ordered) != len(settled) {
		return false
	}
	for i := range ordered {
		if ordered[i].Start != settled[i].Start ||
			ordered[i].Duration != settled[i].Duration ||
			ordered[i].Power != settled[i].Power ||
			!ordered[i].Price.Equal(settled[i].Price) {
			return false
		}
	}
	return true
}

// ThresholdForecastEvaluation grades congestion per slot against an absolute
// grid limit and shapes flex requests for the slots that breach it. It
// serves both the forecast-evaluation and request-determination steps.
type ThresholdForecastEvaluation struct {
	// RiskFraction of the grid limit above which a slot counts as at risk.
	RiskFraction decimal.Decimal
}

// Run grades KeyForecastSlots against KeyGridLimit, writing KeyRegime and,
// for breached slots, KeyRequestSlots.
func (t *ThresholdForecastEvaluation) Run(_ context.Context, exec *Execution) error {
	forecast, ok := Value[[]protocol.SlotValue](exec, KeyForecastSlots)
	if !ok {
		return fmt.Errorf("missing %s input", KeyForecastSlots)
	}
	limit, ok := Value[int64](exec, KeyGridLimit)
	if !ok || limit <= 0 {
		return fmt.Errorf("missing %s input", KeyGridLimit)
	}

	riskAt := t.RiskFraction.Mul(decimal.NewFromInt(limit)).IntPart()

	regime := planboard.RegimeNormal
	var requests []protocol.RequestSlot
	for _, v := range forecast {
		load := v.Power
		if load < 0 {
			load = -load
		}
		switch {
		case load > limit:
			regime = planboard.RegimeCongestionActive
			// Ask for enough reduction to come back under the limit.
			reduction := limit - load
			if v.Power < 0 {
				reduction = -reduction
			}
			requests = append(requests, protocol.RequestSlot{
				Start:       v.Start,
				Duration:    v.Duration,
				Power:       reduction,
				Disposition: protocol.DispositionRequested,
			})
		case load > riskAt:
			if regime == planboard.RegimeNormal {
				regime = planboard.RegimeCongestionRisk
			}
			requests = append(requests, protocol.RequestSlot{
				Start:       v.Start,
				Duration:    v.Duration,
				Power:       limit - load,
				Disposition: protocol.DispositionAvailable,
			})
		}
	}

	exec.Set(KeyRegime, regime)
	exec.Set(KeyRequestSlots, requests)
	return nil
}

// CheapestFirstPlacement selects accepted offers to order, cheapest energy
// first, until the required reduction is covered or offers run out.
type CheapestFirstPlacement struct {
	// MaxPricePerMWh caps what the operator will pay. Zero means no cap.
	MaxPricePerMWh decimal.Decimal
}

// Run selects from KeyCandidateOffers the offers covering the reduction the
// request slots in KeyRequestSlots call for, writing KeySelectedOffers.
func (c *CheapestFirstPlacement) Run(_ context.Context, exec *Execution) error {
	candidates, ok := Value[[]protocol.Document](exec, KeyCandidateOffers)
	if !ok {
		return fmt.Errorf("missing %s input", KeyCandidateOffers)
	}
	needed, ok := Value[[]protocol.RequestSlot](exec, KeyRequestSlots)
	if !ok {
		return fmt.Errorf("missing %s input", KeyRequestSlots)
	}

	var required int64
	for _, rs := range needed {
		if rs.Disposition != protocol.DispositionRequested {
			continue
		}
		if rs.Power < 0 {
			required += -rs.Power
		} else {
			required += rs.Power
		}
	}
	if required == 0 {
		exec.Set(KeySelectedOffers, []protocol.Document(nil))
		return nil
	}

	type priced struct {
		doc      protocol.Document
		perMWh   decimal.Decimal
		capacity int64
	}
	ranked := make([]priced, 0, len(candidates))
	for _, doc := range candidates {
		total := decimal.Zero
		energy := decimal.Zero
		var capacity int64
		for _, v := range doc.Slots {
			total = total.Add(v.Price)
			hours := decimal.NewFromFloat((exec.Clock.Duration() * time.Duration(v.Duration)).Hours())
			energy = energy.Add(decimal.NewFromInt(v.Power).Abs().Div(decimal.NewFromInt(1_000_000)).Mul(hours))
			if v.Power < 0 {
				capacity += -v.Power
			} else {
				capacity += v.Power
			}
		}
		if capacity == 0 {
			continue
		}
		perMWh := decimal.Zero
		if energy.IsPositive() {
			perMWh = total.Div(energy)
		}
		if !c.MaxPricePerMWh.IsZero() && perMWh.GreaterThan(c.MaxPricePerMWh) {
			continue
		}
		ranked = append(ranked, priced{doc: doc, perMWh: perMWh, capacity: capacity})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if !ranked[i].perMWh.Equal(ranked[j].perMWh) {
			return ranked[i].perMWh.LessThan(ranked[j].perMWh)
		}
		return ranked[i].doc.SequenceNumber < ranked[j].doc.SequenceNumber
	})

	var selected []protocol.Document
	var covered int64
	for _, p := range ranked {
		if covered >= required {
			break
		}
		selected = append(selected, p.doc)
		covered += p.capacity
	}
	exec.Set(KeySelectedOffers, selected)
	return nil
}

// settleOrderedValues settles each order of the period at exactly its
// ordered power and price. Meter readings, when present, must confirm
// delivery; undelivered orders settle at zero price for the shortfall slots.
func settleOrderedValues(_ context.Context, exec *Execution) error {
	var orders []protocol.Document
	for _, status := range []protocol.DocumentStatus{
		protocol.StatusAccepted,
		protocol.StatusPendingFurtherAction,
		protocol.StatusProcessed,
	} {
		orders = append(orders, exec.Board.Query(exec.ConnectionGroup, exec.Period, planboard.Filter{
			Type:   protocol.DocumentTypeFlexOrder,
			Status: status,
		})...)
	}

	readings, _ := Value[[]protocol.MeterReading](exec, KeyMeterReadings)
	delivered := make(map[int]bool)
	for _, r := range readings {
		delivered[r.Slot] = true
	}

	lines := make([]protocol.SettlementLine, 0, len(orders))
	for _, order := range orders {
		line := protocol.SettlementLine{OrderSequence: order.SequenceNumber}
		for _, v := range order.Slots {
			sv := v
			if len(readings) > 0 && !rangeDelivered(delivered, v) {
				sv.Price = decimal.Zero
			}
			line.Slots = append(line.Slots, sv)
		}
		lines = append(lines, line)
	}
	exec.Set(KeySettlementLines, lines)
	return nil
}

func rangeDelivered(delivered map[int]bool, v protocol.SlotValue) bool {
	for slot := v.Start; slot <= v.LastSlot(); slot++ {
		if !delivered[slot] {
			return false
		}
	}
	return true
}

// planFromBaseline turns the baseline forecast straight into plan slots.
func planFromBaseline(_ context.Context, exec *Execution) error {
	baseline, ok := Value[[]protocol.SlotValue](exec, KeyBaseline)
	if !ok {
		return fmt.Errorf("missing %s input", KeyBaseline)
	}
	out := make([]protocol.SlotValue, len(baseline))
	copy(out, baseline)
	exec.Set(KeyPlanSlots, out)
	return nil
}
