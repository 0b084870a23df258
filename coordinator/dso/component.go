// Package dso implements the grid operator coordinator: it collects plans
// and prognoses, grades the forecast load on each congestion point against
// its grid limit, procures flexibility through requests and orders when a
// limit is threatened, and settles the ordered flexibility after each period
// against metered readings.
package dso

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
	"github.com/c360studio/gridflex/metrics"
	"github.com/c360studio/gridflex/pbc"
	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
)

// Component implements the grid operator coordinator.
type Component struct {
	base   *coordinator.Base
	config Config

	settleMu sync.Mutex
	settled  map[settleKey]bool
	awaiting map[settleKey]bool // meter readings requested, result pending
}

type settleKey struct {
	group  string
	period protocol.Period
}

// NewComponent creates a new grid operator coordinator.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base, err := coordinator.NewBase("dso-coordinator", protocol.RoleDSO, config.CommonConfig, deps)
	if err != nil {
		return nil, err
	}

	// Rebind the default placement strategy to the configured price cap.
	if config.MaxOrderPricePerMWh != "" {
		priceCap, err := decimal.NewFromString(config.MaxOrderPricePerMWh)
		if err != nil {
			return nil, fmt.Errorf("parse max_order_price_per_mwh: %w", err)
		}
		base.Engine.Register(pbc.StepOrderPlacement, "capped-price",
			&pbc.CheapestFirstPlacement{MaxPricePerMWh: priceCap})
		if base.Engine.Bound(pbc.StepOrderPlacement) == pbc.DefaultImplementation {
			if err := base.Engine.Bind(pbc.StepOrderPlacement, "capped-price"); err != nil {
				return nil, err
			}
		}
	}

	return &Component{
		base:     base,
		config:   config,
		settled:  make(map[settleKey]bool),
		awaiting: make(map[settleKey]bool),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.base.Dispatcher.Handle(protocol.APlanType, c.handleAPlan)
	c.base.Dispatcher.Handle(protocol.DPrognosisType, c.handleDPrognosis)
	c.base.Dispatcher.Handle(protocol.FlexOfferType, c.handleFlexOffer)
	c.base.Dispatcher.Handle(protocol.FlexRevocationType, c.handleFlexRevocation)
	c.base.Dispatcher.Handle(protocol.ResponseType, c.handleResponse)
	c.base.Dispatcher.Handle(protocol.MeterDataResultType, c.handleMeterDataResult)

	c.base.Logger.Debug("Initialized dso-coordinator",
		"domain", c.base.Domain,
		"congestion_points", len(c.config.GridLimits))
	return nil
}

// Start begins consuming the inbox and schedules the recurring jobs.
func (c *Component) Start(ctx context.Context) error {
	runCtx, err := c.base.StartConsuming(ctx)
	if err != nil {
		return err
	}

	if err := c.base.Scheduler.Every(runCtx, "congestion-management", c.config.EvaluationInterval, c.evaluateGroups); err != nil {
		return err
	}
	if err := c.base.Scheduler.Every(runCtx, "settlement", c.config.SettlementInterval, c.settleCompletedPeriods); err != nil {
		return err
	}
	if err := c.base.Scheduler.Every(runCtx, "planboard-sweep", c.config.SweepInterval, c.sweep); err != nil {
		return err
	}
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.base.StopConsuming()
	return nil
}

// handleAPlan admits a balance-responsible party's energy plan. Plans feed
// the combined load picture; no trading follows from them directly.
func (c *Component) handleAPlan(ctx context.Context, subject string, data []byte) error {
	plan, err := protocol.Decode[protocol.APlan](subject, data)
	if err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	doc, err := c.base.Admit(ctx, coordinator.Inbound{
		Envelope:        plan.Envelope,
		Type:            protocol.DocumentTypeAPlan,
		Sequence:        plan.SequenceNumber,
		Period:          plan.Period,
		ConnectionGroup: plan.ConnectionGroup,
		Slots:           plan.Slots,
	})
	if err != nil {
		return err
	}
	return c.base.Board.Transition(plan.ConnectionGroup, plan.Period, doc.ID, protocol.StatusProcessed)
}

// handleDPrognosis admits an aggregator's prognosis. It stays accepted on
// the planboard; the next evaluation run folds the latest one per
// aggregator into the congestion picture.
func (c *Component) handleDPrognosis(ctx context.Context, subject string, data []byte) error {
	prognosis, err := protocol.Decode[protocol.DPrognosis](subject, data)
	if err != nil {
		return err
	}
	if err := prognosis.Validate(); err != nil {
		return err
	}

	_, err = c.base.Admit(ctx, coordinator.Inbound{
		Envelope:        prognosis.Envelope,
		Type:            protocol.DocumentTypeDPrognosis,
		Sequence:        prognosis.SequenceNumber,
		Period:          prognosis.Period,
		ConnectionGroup: prognosis.ConnectionGroup,
		Slots:           prognosis.Slots,
	})
	return err
}

// handleFlexOffer admits an offer answering one of our flex requests and
// marks the request answered.
func (c *Component) handleFlexOffer(ctx context.Context, subject string, data []byte) error {
	offer, err := protocol.Decode[protocol.FlexOffer](subject, data)
	if err != nil {
		return err
	}
	if err := offer.Validate(); err != nil {
		return err
	}
	expiration, err := protocol.ParseExpirationTime(offer.ExpirationTime)
	if err != nil {
		return err
	}

	_, err = c.base.Admit(ctx, coordinator.Inbound{
		Envelope:        offer.Envelope,
		Type:            protocol.DocumentTypeFlexOffer,
		Sequence:        offer.SequenceNumber,
		Period:          offer.Period,
		ConnectionGroup: offer.ConnectionGroup,
		Slots:           offer.Slots,
		Expiration:      expiration,
	})
	if err != nil {
		return err
	}

	if offer.RequestSequence > 0 {
		c.completeRequest(offer.ConnectionGroup, offer.Period, offer.SenderDomain, offer.RequestSequence)
	}

	c.base.Logger.Info("flex offer received",
		"sequence", offer.SequenceNumber,
		"from", offer.SenderDomain,
		"connection_group", offer.ConnectionGroup,
		"slots", len(offer.Slots))
	return nil
}

// completeRequest marks our sent flex request answered by an offer.
func (c *Component) completeRequest(group string, period protocol.Period, agrDomain string, requestSeq int64) {
	req, ok := c.base.Board.FindBySequence(group, period,
		protocol.DocumentTypeFlexRequest, agrDomain, requestSeq)
	if !ok || req.Status.IsTerminal() {
		return
	}
	if req.Status == protocol.StatusSent {
		if err := c.base.Board.Transition(group, period, req.ID, protocol.StatusAccepted); err != nil {
			c.base.Logger.Warn("failed to advance answered request", "request_id", req.ID, "error", err)
			return
		}
	}
	if err := c.base.Board.Transition(group, period, req.ID, protocol.StatusProcessed); err != nil {
		c.base.Logger.Warn("failed to complete answered request", "request_id", req.ID, "error", err)
	}
}

// handleFlexRevocation withdraws a received offer that has not been ordered.
// Revocations carry no connection group, so the offer is looked up across
// the period's groups.
func (c *Component) handleFlexRevocation(ctx context.Context, subject string, data []byte) error {
	rev, err := protocol.Decode[protocol.FlexRevocation](subject, data)
	if err != nil {
		return err
	}
	if err := rev.Validate(); err != nil {
		return err
	}

	offer, group, found := c.findOffer(rev.Period, rev.SenderDomain, rev.OfferSequence)
	if verr := revocable(rev, offer, found); verr != nil {
		// The revocation is unanswerable: reject without admitting it.
		if respErr := c.base.Respond(ctx, rev.Envelope, protocol.DocumentTypeFlexRevocation,
			rev.SequenceNumber, rev.Period, protocol.ResultRejected, verr.Error()); respErr != nil {
			c.base.Logger.Warn("failed to send revocation rejection", "error", respErr)
		}
		return verr
	}

	doc, err := c.base.Admit(ctx, coordinator.Inbound{
		Envelope:        rev.Envelope,
		Type:            protocol.DocumentTypeFlexRevocation,
		Sequence:        rev.SequenceNumber,
		Period:          rev.Period,
		ConnectionGroup: group,
	})
	if err != nil {
		return err
	}

	if err := c.base.Board.Transition(group, rev.Period, offer.ID, protocol.StatusRevoked); err != nil {
		return err
	}
	c.base.Logger.Info("flex offer revoked",
		"offer_sequence", rev.OfferSequence,
		"from", rev.SenderDomain,
		"connection_group", group)
	return c.base.Board.Transition(group, rev.Period, doc.ID, protocol.StatusProcessed)
}

func (c *Component) findOffer(period protocol.Period, agrDomain string, seq int64) (protocol.Document, string, bool) {
	for _, group := range c.base.Board.Groups(period) {
		if doc, ok := c.base.Board.FindBySequence(group, period,
			protocol.DocumentTypeFlexOffer, agrDomain, seq); ok {
			return doc, group, true
		}
	}
	return protocol.Document{}, "", false
}

// revocable checks a revocation references an offer still open to withdrawal.
func revocable(rev *protocol.FlexRevocation, offer protocol.Document, found bool) error {
	if !found {
		return &protocol.ValidationError{Field: "offer_sequence",
			Message: fmt.Sprintf("no offer with sequence %d", rev.OfferSequence)}
	}
	switch offer.Status {
	case protocol.StatusAccepted:
		return nil
	case protocol.StatusProcessed:
		return &protocol.ValidationError{Field: "offer_sequence", Message: "offer already ordered"}
	case protocol.StatusRevoked:
		return &protocol.ValidationError{Field: "offer_sequence", Message: "offer already revoked"}
	default:
		return &protocol.ValidationError{Field: "offer_sequence",
			Message: fmt.Sprintf("offer is %s", offer.Status)}
	}
}

// handleResponse resolves verdicts for our sent requests, orders, and
// settlements.
func (c *Component) handleResponse(_ context.Context, subject string, data []byte) error {
	resp, err := protocol.Decode[protocol.Response](subject, data)
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	for _, group := range c.base.Contracts.GroupsFor(resp.SenderDomain) {
		if err := c.base.HandleResponse(resp, group); err != nil {
			return err
		}
	}
	return nil
}

// evaluateGroups grades every limit-bearing congestion point for the next
// period and acts on the verdict. Failures on one group never stop the
// others.
func (c *Component) evaluateGroups(ctx context.Context) error {
	period := protocol.NewPeriod(time.Now().In(c.base.Clock.Location())).Next()
	for group, limit := range c.config.GridLimits {
		if err := c.evaluateGroup(ctx, period, group, limit); err != nil {
			c.base.Logger.Warn("congestion evaluation failed",
				"connection_group", group, "period", period, "error", err)
		}
	}
	return nil
}

// evaluateGroup runs the forecast evaluation for one congestion point and,
// when the limit is threatened, covers the shortfall: pending offers get
// ordered first, and a flex request goes out for what remains uncovered.
func (c *Component) evaluateGroup(ctx context.Context, period protocol.Period, group string, limit int64) error {
	forecast := c.combinedForecast(period, group)
	if len(forecast) == 0 {
		return nil
	}

	exec := pbc.NewExecution(period, group, c.base.Board, c.base.Clock)
	exec.Set(pbc.KeyForecastSlots, forecast)
	exec.Set(pbc.KeyGridLimit, limit)
	if err := c.base.RunStep(ctx, pbc.StepGridForecastEvaluation, exec); err != nil {
		return &protocol.TechnicalError{Op: "grid forecast evaluation", Cause: err}
	}

	regime, ok := pbc.Value[planboard.Regime](exec, pbc.KeyRegime)
	if !ok {
		return nil
	}
	needed, _ := pbc.Value[[]protocol.RequestSlot](exec, pbc.KeyRequestSlots)
	c.applyRegime(period, group, limit, regime, needed)
	if regime == planboard.RegimeNormal || len(needed) == 0 {
		return nil
	}

	placed, err := c.placeOrders(ctx, period, group, needed)
	if err != nil {
		return err
	}
	if placed {
		// Updated prognoses will reflect the orders; the next run re-grades.
		return nil
	}
	return c.requestFlex(ctx, period, group, needed)
}

// applyRegime colors the period's slots with the evaluation verdict: the
// breached slots carry the escalated regime and, with congestion active, the
// grid limit as the power still allowed there. Slots the verdict does not
// touch return to normal, so a congestion that clears de-escalates on the
// next run.
func (c *Component) applyRegime(period protocol.Period, group string, limit int64, regime planboard.Regime, breached []protocol.RequestSlot) {
	previous := c.base.Board.Regime(group, period)

	hot := make(map[int]bool)
	for _, rs := range breached {
		for slot := rs.Start; slot < rs.Start+rs.Duration; slot++ {
			hot[slot] = true
		}
	}

	slots := c.base.Clock.SlotsPerDay(period)
	c.base.Board.FindOrCreateSlots(group, period, slots)
	for slot := 1; slot <= slots; slot++ {
		state := planboard.RegimeState{Regime: planboard.RegimeNormal}
		if hot[slot] {
			state.Regime = regime
			if regime == planboard.RegimeCongestionActive {
				state.LimitedPower = limit
			}
		}
		if err := c.base.Board.SetSlotRegime(group, period, slot, state); err != nil {
			c.base.Logger.Warn("failed to record slot regime",
				"connection_group", group, "slot", slot, "error", err)
		}
	}

	if current := c.base.Board.Regime(group, period); current != previous {
		metrics.RecordRegimeChange(string(current))
		c.base.Logger.Info("congestion regime changed",
			"connection_group", group, "period", period, "from", previous, "to", current)
	}
}

// combinedForecast sums the latest accepted prognosis of every contracted
// aggregator into a per-slot load picture for the congestion point.
func (c *Component) combinedForecast(period protocol.Period, group string) []protocol.SlotValue {
	sums := make(map[int]int64)
	for _, agrDomain := range c.base.Contracts.Counterparties(protocol.RoleAGR) {
		prognosis, ok := c.base.Board.Latest(group, period, planboard.Filter{
			Type:               protocol.DocumentTypeDPrognosis,
			Status:             protocol.StatusAccepted,
			CounterpartyDomain: agrDomain,
		})
		if !ok {
			continue
		}
		for _, v := range prognosis.Slots {
			for slot := v.Start; slot <= v.LastSlot(); slot++ {
				sums[slot] += v.Power
			}
		}
	}
	if len(sums) == 0 {
		return nil
	}

	slots := make([]int, 0, len(sums))
	for slot := range sums {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	out := make([]protocol.SlotValue, len(slots))
	for i, slot := range slots {
		out[i] = protocol.SlotValue{Start: slot, Duration: 1, Power: sums[slot]}
	}
	return out
}

// placeOrders turns accepted offers into orders covering the needed
// reduction. It reports whether any order went out.
func (c *Component) placeOrders(ctx context.Context, period protocol.Period, group string, needed []protocol.RequestSlot) (bool, error) {
	candidates := c.base.Board.Query(group, period, planboard.Filter{
		Type:   protocol.DocumentTypeFlexOffer,
		Status: protocol.StatusAccepted,
	})
	if len(candidates) == 0 {
		return false, nil
	}

	exec := pbc.NewExecution(period, group, c.base.Board, c.base.Clock)
	exec.Set(pbc.KeyCandidateOffers, candidates)
	exec.Set(pbc.KeyRequestSlots, needed)
	if err := c.base.RunStep(ctx, pbc.StepOrderPlacement, exec); err != nil {
		return false, &protocol.TechnicalError{Op: "order placement", Cause: err}
	}

	selected, _ := pbc.Value[[]protocol.Document](exec, pbc.KeySelectedOffers)
	if len(selected) == 0 {
		return false, nil
	}
	for _, offer := range selected {
		if err := c.sendOrder(ctx, period, group, offer); err != nil {
			return true, err
		}
	}
	return true, nil
}

// sendOrder commits to one offer at its offered values.
func (c *Component) sendOrder(ctx context.Context, period protocol.Period, group string, offer protocol.Document) error {
	seq := c.base.Board.NextSequence(protocol.DocumentTypeFlexOrder)
	order := &protocol.FlexOrder{
		Envelope: protocol.NewEnvelope(c.base.Domain, protocol.RoleDSO,
			offer.CounterpartyDomain, protocol.RoleAGR, protocol.PrecedenceTransactional),
		SequenceNumber:  seq,
		Period:          period,
		ConnectionGroup: group,
		Slots:           offer.Slots,
		OfferSequence:   offer.SequenceNumber,
	}

	doc := &protocol.Document{
		Type:               protocol.DocumentTypeFlexOrder,
		SequenceNumber:     seq,
		Period:             period,
		CounterpartyDomain: offer.CounterpartyDomain,
		CounterpartyRole:   protocol.RoleAGR,
		ConnectionGroup:    group,
		Status:             protocol.StatusNew,
		ConversationID:     order.ConversationID,
		Slots:              offer.Slots,
	}
	if err := c.base.Board.Put(doc); err != nil {
		return &protocol.TechnicalError{Op: "store order", Cause: err}
	}

	if err := c.base.Publish(ctx, offer.CounterpartyDomain, "order", order); err != nil {
		return err
	}
	if err := c.base.Board.Transition(group, period, doc.ID, protocol.StatusSent); err != nil {
		return err
	}

	// The ordered offer is consumed.
	if err := c.base.Board.Transition(group, period, offer.ID, protocol.StatusProcessed); err != nil {
		return err
	}

	c.base.Logger.Info("flex order placed",
		"sequence", seq,
		"offer_sequence", offer.SequenceNumber,
		"to", offer.CounterpartyDomain,
		"connection_group", group)
	return nil
}

// requestFlex asks every aggregator on the group for the needed change. An
// open request is left to run its course; a fresh one goes out only after
// the previous expires unanswered.
func (c *Component) requestFlex(ctx context.Context, period protocol.Period, group string, needed []protocol.RequestSlot) error {
	for _, status := range []protocol.DocumentStatus{protocol.StatusSent, protocol.StatusAccepted} {
		if len(c.base.Board.Query(group, period, planboard.Filter{
			Type:   protocol.DocumentTypeFlexRequest,
			Status: status,
		})) > 0 {
			return nil
		}
	}

	for _, agrDomain := range c.aggregatorsFor(group) {
		if err := c.sendRequest(ctx, agrDomain, period, group, needed); err != nil {
			return err
		}
	}
	return nil
}

// sendRequest records and publishes one flex request.
func (c *Component) sendRequest(ctx context.Context, agrDomain string, period protocol.Period, group string, slots []protocol.RequestSlot) error {
	seq := c.base.Board.NextSequence(protocol.DocumentTypeFlexRequest)
	expiry := time.Now().Add(c.config.RequestExpiry)

	req := &protocol.FlexRequest{
		Envelope: protocol.NewEnvelope(c.base.Domain, protocol.RoleDSO,
			agrDomain, protocol.RoleAGR, protocol.PrecedenceTransactional),
		SequenceNumber:  seq,
		Period:          period,
		ConnectionGroup: group,
		ExpirationTime:  expiry.UTC().Format(time.RFC3339),
		Slots:           slots,
	}

	doc := &protocol.Document{
		Type:               protocol.DocumentTypeFlexRequest,
		SequenceNumber:     seq,
		Period:             period,
		CounterpartyDomain: agrDomain,
		CounterpartyRole:   protocol.RoleAGR,
		ConnectionGroup:    group,
		Status:             protocol.StatusNew,
		ConversationID:     req.ConversationID,
		ExpirationTime:     &expiry,
		Slots:              requestSlotValues(slots),
	}
	if err := c.base.Board.Put(doc); err != nil {
		return &protocol.TechnicalError{Op: "store request", Cause: err}
	}

	if err := c.base.Publish(ctx, agrDomain, "request", req); err != nil {
		return err
	}
	if err := c.base.Board.Transition(group, period, doc.ID, protocol.StatusSent); err != nil {
		return err
	}

	c.base.Logger.Info("flex request sent",
		"sequence", seq,
		"to", agrDomain,
		"connection_group", group,
		"slots", len(slots))
	return nil
}

// aggregatorsFor lists the contracted aggregators trading on a group.
func (c *Component) aggregatorsFor(group string) []string {
	var out []string
	for _, domain := range c.base.Contracts.Counterparties(protocol.RoleAGR) {
		if c.base.Contracts.Check(domain, protocol.RoleAGR, group) == nil {
			out = append(out, domain)
		}
	}
	return out
}

// settleCompletedPeriods settles yesterday's ordered flexibility on every
// limit-bearing group, once per group and period.
func (c *Component) settleCompletedPeriods(ctx context.Context) error {
	period := protocol.NewPeriod(time.Now().In(c.base.Clock.Location())).Prev()
	for group := range c.config.GridLimits {
		if err := c.settleGroup(ctx, period, group); err != nil {
			c.base.Logger.Warn("settlement failed",
				"connection_group", group, "period", period, "error", err)
		}
	}
	return nil
}

// settleGroup starts (or finishes) settlement for one group and period.
// With a metering company contracted, readings are queried first and the
// settlement goes out when they arrive; without one, it goes out ungrounded.
func (c *Component) settleGroup(ctx context.Context, period protocol.Period, group string) error {
	key := settleKey{group: group, period: period}

	c.settleMu.Lock()
	if c.settled[key] || c.awaiting[key] {
		c.settleMu.Unlock()
		return nil
	}
	if len(c.settleableOrders(group, period)) == 0 {
		c.settled[key] = true
		c.settleMu.Unlock()
		return nil
	}

	mdcDomain := c.meterDataDomain()
	if mdcDomain == "" {
		c.settleMu.Unlock()
		if err := c.issueSettlement(ctx, period, group, nil); err != nil {
			return err
		}
		c.markSettled(key)
		return nil
	}

	c.awaiting[key] = true
	c.settleMu.Unlock()

	query := &protocol.MeterDataQuery{
		Envelope: protocol.NewEnvelope(c.base.Domain, protocol.RoleDSO,
			mdcDomain, protocol.RoleMDC, protocol.PrecedenceRoutine),
		Period:          period,
		ConnectionGroup: group,
	}
	if err := c.base.Publish(ctx, mdcDomain, "query", query); err != nil {
		c.settleMu.Lock()
		delete(c.awaiting, key)
		c.settleMu.Unlock()
		return err
	}
	c.base.Logger.Info("meter readings requested",
		"mdc", mdcDomain, "period", period, "connection_group", group)
	return nil
}

// handleMeterDataResult finishes a settlement that was waiting for readings.
func (c *Component) handleMeterDataResult(ctx context.Context, subject string, data []byte) error {
	res, err := protocol.Decode[protocol.MeterDataResult](subject, data)
	if err != nil {
		return err
	}
	if err := res.Validate(); err != nil {
		return err
	}
	if res.RecipientDomain != c.base.Domain {
		return &protocol.ValidationError{Field: "recipient_domain",
			Message: "readings addressed to " + res.RecipientDomain}
	}

	key := settleKey{group: res.ConnectionGroup, period: res.Period}
	c.settleMu.Lock()
	waiting := c.awaiting[key]
	delete(c.awaiting, key)
	c.settleMu.Unlock()
	if !waiting {
		c.base.Logger.Debug("unsolicited meter readings dropped",
			"period", res.Period, "connection_group", res.ConnectionGroup)
		return nil
	}

	if res.Incomplete {
		c.base.Logger.Warn("meter readings incomplete, settling on what arrived",
			"period", res.Period, "connection_group", res.ConnectionGroup)
	}
	if err := c.issueSettlement(ctx, res.Period, res.ConnectionGroup, res.Readings); err != nil {
		// Not settled; the next settlement run queries again.
		return err
	}
	c.markSettled(key)
	return nil
}

// issueSettlement computes the settlement lines for a period and sends one
// settlement per aggregator holding settled orders.
func (c *Component) issueSettlement(ctx context.Context, period protocol.Period, group string, readings []protocol.MeterReading) error {
	exec := pbc.NewExecution(period, group, c.base.Board, c.base.Clock)
	if len(readings) > 0 {
		exec.Set(pbc.KeyMeterReadings, readings)
	}
	if err := c.base.RunStep(ctx, pbc.StepSettlementDetermination, exec); err != nil {
		return &protocol.TechnicalError{Op: "settlement determination", Cause: err}
	}

	lines, _ := pbc.Value[[]protocol.SettlementLine](exec, pbc.KeySettlementLines)
	if len(lines) == 0 {
		return nil
	}

	for _, agrDomain := range c.aggregatorsFor(group) {
		var agrLines []protocol.SettlementLine
		for _, line := range lines {
			if _, ok := c.base.Board.FindBySequence(group, period,
				protocol.DocumentTypeFlexOrder, agrDomain, line.OrderSequence); ok {
				agrLines = append(agrLines, line)
			}
		}
		if len(agrLines) == 0 {
			continue
		}
		if err := c.sendSettlement(ctx, agrDomain, period, group, agrLines); err != nil {
			return err
		}
	}
	return nil
}

// sendSettlement records and publishes one settlement, then closes out its
// settled orders.
func (c *Component) sendSettlement(ctx context.Context, agrDomain string, period protocol.Period, group string, lines []protocol.SettlementLine) error {
	seq := c.base.Board.NextSequence(protocol.DocumentTypeSettlement)
	settlement := &protocol.Settlement{
		Envelope: protocol.NewEnvelope(c.base.Domain, protocol.RoleDSO,
			agrDomain, protocol.RoleAGR, protocol.PrecedenceTransactional),
		SequenceNumber: seq,
		Period:         period,
		Lines:          lines,
	}

	doc := &protocol.Document{
		Type:               protocol.DocumentTypeSettlement,
		SequenceNumber:     seq,
		Period:             period,
		CounterpartyDomain: agrDomain,
		CounterpartyRole:   protocol.RoleAGR,
		ConnectionGroup:    group,
		Status:             protocol.StatusNew,
		ConversationID:     settlement.ConversationID,
	}
	if err := c.base.Board.Put(doc); err != nil {
		return &protocol.TechnicalError{Op: "store settlement", Cause: err}
	}
	if err := c.base.Publish(ctx, agrDomain, "settlement", settlement); err != nil {
		return err
	}
	if err := c.base.Board.Transition(group, period, doc.ID, protocol.StatusSent); err != nil {
		return err
	}

	for _, line := range lines {
		order, ok := c.base.Board.FindBySequence(group, period,
			protocol.DocumentTypeFlexOrder, agrDomain, line.OrderSequence)
		if !ok || order.Status.IsTerminal() {
			continue
		}
		if err := c.base.Board.Transition(group, period, order.ID, protocol.StatusProcessed); err != nil {
			c.base.Logger.Warn("failed to close settled order",
				"order_sequence", line.OrderSequence, "error", err)
		}
	}

	c.base.Logger.Info("settlement sent",
		"sequence", seq,
		"to", agrDomain,
		"period", period,
		"lines", len(lines))
	return nil
}

func (c *Component) settleableOrders(group string, period protocol.Period) []protocol.Document {
	var orders []protocol.Document
	for _, status := range []protocol.DocumentStatus{
		protocol.StatusAccepted,
		protocol.StatusPendingFurtherAction,
		protocol.StatusProcessed,
	} {
		orders = append(orders, c.base.Board.Query(group, period, planboard.Filter{
			Type:   protocol.DocumentTypeFlexOrder,
			Status: status,
		})...)
	}
	return orders
}

func (c *Component) meterDataDomain() string {
	if c.config.MeterDataDomain != "" {
		return c.config.MeterDataDomain
	}
	if mdcs := c.base.Contracts.Counterparties(protocol.RoleMDC); len(mdcs) > 0 {
		return mdcs[0]
	}
	return ""
}

func (c *Component) markSettled(key settleKey) {
	c.settleMu.Lock()
	c.settled[key] = true
	c.settleMu.Unlock()
}

// sweep expires overdue documents.
func (c *Component) sweep(context.Context) error {
	if n := c.base.Board.Sweep(); n > 0 {
		c.base.Logger.Info("expired documents swept", "count", n)
	}
	return nil
}

func requestSlotValues(slots []protocol.RequestSlot) []protocol.SlotValue {
	out := make([]protocol.SlotValue, len(slots))
	for i, s := range slots {
		out[i] = protocol.SlotValue{Start: s.Start, Duration: s.Duration, Power: s.Power}
	}
	return out
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "dso-coordinator",
		Type:        "coordinator",
		Description: "Grid operator: congestion management, flex procurement, settlement",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return coordinator.InputPortsFromConfig(c.config.Ports)
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return coordinator.OutputPortsFromConfig(c.config.Ports)
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return dsoSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	return c.base.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.base.DataFlow()
}
