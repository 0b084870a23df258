// Package agr implements the aggregator coordinator: it answers flexibility
// requests with priced offers, accepts orders against those offers, keeps
// prognoses current as orders land, and validates the settlements the grid
// operator sends after each period.
package agr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
	"github.com/c360studio/gridflex/pbc"
	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
)

// Component implements the aggregator coordinator.
type Component struct {
	base   *coordinator.Base
	config Config

	offerPrice decimal.Decimal

	registryMu sync.Mutex
	registry   map[string][]protocol.ReferenceEntry // per connection group
}

// NewComponent creates a new aggregator coordinator.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	price, err := decimal.NewFromString(config.OfferPricePerMWh)
	if err != nil {
		return nil, fmt.Errorf("parse offer_price_per_mwh: %w", err)
	}

	base, err := coordinator.NewBase("agr-coordinator", protocol.RoleAGR, config.CommonConfig, deps)
	if err != nil {
		return nil, err
	}

	// Rebind the default offer strategy to the configured price.
	base.Engine.Register(pbc.StepOfferDetermination, "configured-price",
		&pbc.MarginalPriceOffers{PricePerMWh: price})
	if base.Engine.Bound(pbc.StepOfferDetermination) == pbc.DefaultImplementation {
		if err := base.Engine.Bind(pbc.StepOfferDetermination, "configured-price"); err != nil {
			return nil, err
		}
	}

	return &Component{
		base:       base,
		config:     config,
		offerPrice: price,
		registry:   make(map[string][]protocol.ReferenceEntry),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.base.Dispatcher.Handle(protocol.FlexRequestType, c.handleFlexRequest)
	c.base.Dispatcher.Handle(protocol.FlexOrderType, c.handleFlexOrder)
	c.base.Dispatcher.Handle(protocol.SettlementType, c.handleSettlement)
	c.base.Dispatcher.Handle(protocol.ResponseType, c.handleResponse)
	c.base.Dispatcher.Handle(protocol.ReoptimizeEventType, c.handleReoptimize)
	c.base.Dispatcher.Handle(protocol.CommonReferenceResultType, c.handleReferenceResult)

	c.base.Logger.Debug("Initialized agr-coordinator",
		"domain", c.base.Domain,
		"offer_price_per_mwh", c.offerPrice,
		"offer_expiry", c.config.OfferExpiry)
	return nil
}

// Start begins consuming the inbox and schedules the recurring jobs.
func (c *Component) Start(ctx context.Context) error {
	runCtx, err := c.base.StartConsuming(ctx)
	if err != nil {
		return err
	}

	if err := c.base.Scheduler.Every(runCtx, "prognosis-submission", c.config.PrognosisInterval, c.submitPrognoses); err != nil {
		return err
	}
	if err := c.base.Scheduler.Every(runCtx, "planboard-sweep", c.config.SweepInterval, c.sweep); err != nil {
		return err
	}

	// Registry sync is best effort; trading works off contracts alone.
	if err := c.syncRegistry(runCtx); err != nil {
		c.base.Logger.Warn("common reference sync failed", "error", err)
	}
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.base.StopConsuming()
	return nil
}

// handleFlexRequest admits a flex request and answers it with an offer when
// the offer strategy produces one.
func (c *Component) handleFlexRequest(ctx context.Context, subject string, data []byte) error {
	req, err := protocol.Decode[protocol.FlexRequest](subject, data)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		c.base.Logger.Warn("invalid flex request", "subject", subject, "error", err)
		return err
	}

	expiration, err := protocol.ParseExpirationTime(req.ExpirationTime)
	if err != nil {
		return err
	}

	doc, err := c.base.Admit(ctx, coordinator.Inbound{
		Envelope:        req.Envelope,
		Type:            protocol.DocumentTypeFlexRequest,
		Sequence:        req.SequenceNumber,
		Period:          req.Period,
		ConnectionGroup: req.ConnectionGroup,
		Slots:           requestSlotValues(req.Slots),
		Expiration:      expiration,
	})
	if err != nil {
		return err
	}

	exec := pbc.NewExecution(req.Period, req.ConnectionGroup, c.base.Board, c.base.Clock)
	exec.Set(pbc.KeyFlexRequest, req)
	if err := c.base.RunStep(ctx, pbc.StepOfferDetermination, exec); err != nil {
		return &protocol.TechnicalError{Op: "offer determination", Cause: err}
	}

	slots, _ := pbc.Value[[]protocol.SlotValue](exec, pbc.KeyOfferSlots)
	if len(slots) == 0 {
		c.base.Logger.Info("declining flex request, no offerable slots",
			"request_sequence", req.SequenceNumber,
			"connection_group", req.ConnectionGroup)
		return c.base.Board.Transition(req.ConnectionGroup, req.Period, doc.ID, protocol.StatusProcessed)
	}

	if err := c.sendOffer(ctx, req, slots); err != nil {
		return err
	}
	return c.base.Board.Transition(req.ConnectionGroup, req.Period, doc.ID, protocol.StatusProcessed)
}

// sendOffer builds, records, and publishes an offer answering req.
func (c *Component) sendOffer(ctx context.Context, req *protocol.FlexRequest, slots []protocol.SlotValue) error {
	seq := c.base.Board.NextSequence(protocol.DocumentTypeFlexOffer)
	expiry := time.Now().Add(c.config.OfferExpiry)

	offer := &protocol.FlexOffer{
		Envelope:        req.Envelope.Reply(),
		SequenceNumber:  seq,
		Period:          req.Period,
		ConnectionGroup: req.ConnectionGroup,
		ExpirationTime:  expiry.UTC().Format(time.RFC3339),
		Slots:           slots,
		RequestSequence: req.SequenceNumber,
	}

	doc := &protocol.Document{
		Type:               protocol.DocumentTypeFlexOffer,
		SequenceNumber:     seq,
		Period:             req.Period,
		CounterpartyDomain: req.SenderDomain,
		CounterpartyRole:   req.SenderRole,
		ConnectionGroup:    req.ConnectionGroup,
		Status:             protocol.StatusNew,
		ConversationID:     offer.ConversationID,
		ExpirationTime:     &expiry,
		Slots:              slots,
	}
	if err := c.base.Board.Put(doc); err != nil {
		return &protocol.TechnicalError{Op: "store offer", Cause: err}
	}

	if err := c.base.Publish(ctx, req.SenderDomain, "offer", offer); err != nil {
		return err
	}
	if err := c.base.Board.Transition(req.ConnectionGroup, req.Period, doc.ID, protocol.StatusSent); err != nil {
		return err
	}

	c.base.Logger.Info("flex offer sent",
		"sequence", seq,
		"request_sequence", req.SequenceNumber,
		"connection_group", req.ConnectionGroup,
		"slots", len(slots))
	return nil
}

// handleFlexOrder admits an order, checks it references a live offer at the
// offered values, and kicks off re-optimization.
func (c *Component) handleFlexOrder(ctx context.Context, subject string, data []byte) error {
	order, err := protocol.Decode[protocol.FlexOrder](subject, data)
	if err != nil {
		return err
	}
	if err := order.Validate(); err != nil {
		return err
	}

	offer, ok := c.base.Board.FindBySequence(order.ConnectionGroup, order.Period,
		protocol.DocumentTypeFlexOffer, order.SenderDomain, order.OfferSequence)
	if verr := orderAgainstOffer(order, offer, ok); verr != nil {
		// The order is unanswerable: reject without admitting it.
		if respErr := c.base.Respond(ctx, order.Envelope, protocol.DocumentTypeFlexOrder,
			order.SequenceNumber, order.Period, protocol.ResultRejected, verr.Error()); respErr != nil {
			c.base.Logger.Warn("failed to send order rejection", "error", respErr)
		}
		return verr
	}

	doc, err := c.base.Admit(ctx, coordinator.Inbound{
		Envelope:        order.Envelope,
		Type:            protocol.DocumentTypeFlexOrder,
		Sequence:        order.SequenceNumber,
		Period:          order.Period,
		ConnectionGroup: order.ConnectionGroup,
		Slots:           order.Slots,
	})
	if err != nil {
		return err
	}

	// The ordered offer is consumed; the order itself waits for the updated
	// prognosis before counting as processed.
	if offer.Status == protocol.StatusSent {
		if err := c.base.Board.Transition(order.ConnectionGroup, order.Period, offer.ID, protocol.StatusAccepted); err != nil {
			return err
		}
	}
	if err := c.base.Board.Transition(order.ConnectionGroup, order.Period, offer.ID, protocol.StatusProcessed); err != nil {
		return err
	}
	if err := c.base.Board.Transition(order.ConnectionGroup, order.Period, doc.ID, protocol.StatusPendingFurtherAction); err != nil {
		return err
	}

	// An order whose power changes all lie in elapsed slots cannot move
	// anything still actionable; close it out without a recompute.
	if !orderStillActionable(c.base.Clock, c.base.Now(), order) {
		c.base.Logger.Debug("re-optimization skipped, order touches only elapsed slots",
			"order_sequence", order.SequenceNumber,
			"period", order.Period,
			"connection_group", order.ConnectionGroup)
		return c.base.Board.Transition(order.ConnectionGroup, order.Period, doc.ID, protocol.StatusProcessed)
	}

	// Prognoses already processed for this period are now stale.
	c.supersedeProcessedPrognoses(order.ConnectionGroup, order.Period)

	return c.publishReoptimize(ctx, order.Period, order.ConnectionGroup, protocol.TriggerOrderAccepted)
}

// orderStillActionable reports whether an accepted order can change anything
// still ahead: its period lies strictly in the future, or it is today's and
// some non-zero power change lands in a slot strictly after the current one.
func orderStillActionable(clock *protocol.PTUClock, now time.Time, order *protocol.FlexOrder) bool {
	today, current := clock.SlotAt(now)
	if today.Before(order.Period) {
		return true
	}
	if !order.Period.Equal(today) {
		return false
	}
	for _, v := range order.Slots {
		if v.Power != 0 && v.LastSlot() > current {
			return true
		}
	}
	return false
}

// orderAgainstOffer checks an order references a usable offer at its offered
// values.
func orderAgainstOffer(order *protocol.FlexOrder, offer protocol.Document, found bool) error {
	if !found {
		return &protocol.ValidationError{Field: "offer_sequence",
			Message: fmt.Sprintf("no offer with sequence %d", order.OfferSequence)}
	}
	switch offer.Status {
	case protocol.StatusSent, protocol.StatusAccepted:
		// Orderable.
	case protocol.StatusExpired:
		return &protocol.ValidationError{Field: "offer_sequence", Message: "offer has expired"}
	case protocol.StatusRevoked:
		return &protocol.ValidationError{Field: "offer_sequence", Message: "offer was revoked"}
	default:
		return &protocol.ValidationError{Field: "offer_sequence",
			Message: fmt.Sprintf("offer is %s", offer.Status)}
	}
	if len(order.Slots) != len(offer.Slots) {
		return &protocol.ValidationError{Field: "slots", Message: "ordered slots differ from offered slots"}
	}
	for i, v := range order.Slots {
		ov := offer.Slots[i]
		if v.Start != ov.Start || v.Duration != ov.Duration || v.Power != ov.Power || !v.Price.Equal(ov.Price) {
			return &protocol.ValidationError{Field: "slots",
				Message: fmt.Sprintf("slot %d ordered at values differing from the offer", i)}
		}
	}
	return nil
}

func (c *Component) supersedeProcessedPrognoses(group string, period protocol.Period) {
	stale := c.base.Board.Query(group, period, planboard.Filter{
		Type:   protocol.DocumentTypeDPrognosis,
		Status: protocol.StatusProcessed,
	})
	for _, prognosis := range stale {
		if err := c.base.Board.Supersede(group, period, prognosis.ID); err != nil {
			c.base.Logger.Warn("failed to supersede prognosis",
				"document_id", prognosis.ID, "error", err)
		}
	}
}

// handleSettlement validates a received settlement against the planboard
// and answers with acceptance or a dispute.
func (c *Component) handleSettlement(ctx context.Context, subject string, data []byte) error {
	settlement, err := protocol.Decode[protocol.Settlement](subject, data)
	if err != nil {
		return err
	}
	if err := settlement.Validate(); err != nil {
		return err
	}

	// Settlements cover a whole period; lines may span groups, so validate
	// per group the counterparty trades on.
	verdict := pbc.Verdict{Accepted: true}
	for _, group := range c.base.Contracts.GroupsFor(settlement.SenderDomain) {
		exec := pbc.NewExecution(settlement.Period, group, c.base.Board, c.base.Clock)
		exec.Set(pbc.KeySettlement, settlement)
		if err := c.base.RunStep(ctx, pbc.StepSettlementValidation, exec); err != nil {
			return &protocol.TechnicalError{Op: "settlement validation", Cause: err}
		}
		if v, ok := pbc.Value[pbc.Verdict](exec, pbc.KeySettlementVerdict); ok && v.Accepted {
			verdict = v
			break
		} else if ok {
			verdict = v
		}
	}

	if !verdict.Accepted {
		verr := &protocol.ValidationError{Field: "lines",
			Message: fmt.Sprintf("%s (orders %v)", verdict.Reason, verdict.DisputedOrders)}
		if err := c.base.Respond(ctx, settlement.Envelope, protocol.DocumentTypeSettlement,
			settlement.SequenceNumber, settlement.Period, protocol.ResultRejected, verr.Error()); err != nil {
			c.base.Logger.Warn("failed to send settlement dispute", "error", err)
		}
		c.base.Logger.Warn("settlement disputed",
			"sequence", settlement.SequenceNumber,
			"disputed_orders", verdict.DisputedOrders)
		return verr
	}

	if _, err := c.base.Admit(ctx, coordinator.Inbound{
		Envelope: settlement.Envelope,
		Type:     protocol.DocumentTypeSettlement,
		Sequence: settlement.SequenceNumber,
		Period:   settlement.Period,
	}); err != nil {
		return err
	}
	c.base.Logger.Info("settlement accepted",
		"sequence", settlement.SequenceNumber,
		"period", settlement.Period,
		"lines", len(settlement.Lines))
	return nil
}

// handleResponse resolves verdicts for our sent offers and prognoses.
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

// handleReoptimize runs portfolio optimization for the triggering scope and
// sends the updated prognosis.
func (c *Component) handleReoptimize(ctx context.Context, subject string, data []byte) error {
	event, err := protocol.Decode[protocol.ReoptimizeEvent](subject, data)
	if err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}

	return c.reoptimizeGroup(ctx, event.Period, event.ConnectionGroup, true)
}

// reoptimizeGroup recomputes the prognosis for one group and publishes it.
func (c *Component) reoptimizeGroup(ctx context.Context, period protocol.Period, group string, updated bool) error {
	exec := pbc.NewExecution(period, group, c.base.Board, c.base.Clock)
	exec.Set(pbc.KeyBaseline, c.baseline(period))

	step := pbc.StepPrognosisDetermination
	if updated {
		step = pbc.StepPortfolioOptimization
	}
	if err := c.base.RunStep(ctx, step, exec); err != nil {
		return &protocol.TechnicalError{Op: string(step), Cause: err}
	}

	slots, ok := pbc.Value[[]protocol.SlotValue](exec, pbc.KeyPrognosisSlots)
	if !ok || len(slots) == 0 {
		return nil
	}

	for _, dso := range c.base.Contracts.Counterparties(protocol.RoleDSO) {
		if err := c.sendPrognosis(ctx, dso, period, group, slots, updated); err != nil {
			return err
		}
	}

	if updated {
		c.completeOrderFollowUp(group, period)
	}
	return nil
}

// sendPrognosis records and publishes one prognosis document.
func (c *Component) sendPrognosis(ctx context.Context, dsoDomain string, period protocol.Period, group string, slots []protocol.SlotValue, updated bool) error {
	seq := c.base.Board.NextSequence(protocol.DocumentTypeDPrognosis)
	prognosis := &protocol.DPrognosis{
		Envelope: protocol.NewEnvelope(c.base.Domain, protocol.RoleAGR,
			dsoDomain, protocol.RoleDSO, protocol.PrecedenceRoutine),
		SequenceNumber:  seq,
		Period:          period,
		ConnectionGroup: group,
		Slots:           slots,
		Updated:         updated,
	}

	doc := &protocol.Document{
		Type:               protocol.DocumentTypeDPrognosis,
		SequenceNumber:     seq,
		Period:             period,
		CounterpartyDomain: dsoDomain,
		CounterpartyRole:   protocol.RoleDSO,
		ConnectionGroup:    group,
		Status:             protocol.StatusNew,
		ConversationID:     prognosis.ConversationID,
		Slots:              slots,
	}
	if err := c.base.Board.Put(doc); err != nil {
		return &protocol.TechnicalError{Op: "store prognosis", Cause: err}
	}
	if err := c.base.Publish(ctx, dsoDomain, "d-prognosis", prognosis); err != nil {
		return err
	}
	if err := c.base.Board.Transition(group, period, doc.ID, protocol.StatusSent); err != nil {
		return err
	}

	c.base.Logger.Info("prognosis sent",
		"sequence", seq,
		"period", period,
		"connection_group", group,
		"updated", updated)
	return nil
}

// completeOrderFollowUp marks pending orders and superseded prognoses
// processed once the updated prognosis is out.
func (c *Component) completeOrderFollowUp(group string, period protocol.Period) {
	for _, docType := range []protocol.DocumentType{
		protocol.DocumentTypeFlexOrder,
		protocol.DocumentTypeDPrognosis,
	} {
		pending := c.base.Board.Query(group, period, planboard.Filter{
			Type:   docType,
			Status: protocol.StatusPendingFurtherAction,
		})
		for _, doc := range pending {
			if err := c.base.Board.Transition(group, period, doc.ID, protocol.StatusProcessed); err != nil {
				c.base.Logger.Warn("failed to complete follow-up",
					"document_id", doc.ID, "error", err)
			}
		}
	}
}

// publishReoptimize loops a re-optimization trigger through our own inbox
// so it runs on the consumer, serialized with other traffic.
func (c *Component) publishReoptimize(ctx context.Context, period protocol.Period, group string, trigger protocol.ReoptimizeTrigger) error {
	event := &protocol.ReoptimizeEvent{
		Period:          period,
		ConnectionGroup: group,
		Trigger:         trigger,
	}
	return c.base.Publish(ctx, c.base.Domain, "reoptimize", event)
}

// submitPrognoses publishes fresh prognoses for the next period on every
// contracted group.
func (c *Component) submitPrognoses(ctx context.Context) error {
	period := protocol.NewPeriod(time.Now().In(c.base.Clock.Location())).Next()
	if c.base.Gate.Closed(period, time.Now()) {
		c.base.Logger.Debug("gate closed, skipping prognosis submission", "period", period)
		return nil
	}

	for _, group := range c.tradedGroups() {
		if err := c.reoptimizeGroup(ctx, period, group, false); err != nil {
			return err
		}
	}
	return nil
}

// tradedGroups returns the connection groups contracted with any grid
// operator, deduplicated.
func (c *Component) tradedGroups() []string {
	seen := make(map[string]bool)
	var groups []string
	for _, dso := range c.base.Contracts.Counterparties(protocol.RoleDSO) {
		for _, group := range c.base.Contracts.GroupsFor(dso) {
			if !seen[group] {
				seen[group] = true
				groups = append(groups, group)
			}
		}
	}
	return groups
}

// syncRegistry asks each contracted common reference operator for the
// participants registered on our traded groups.
func (c *Component) syncRegistry(ctx context.Context) error {
	cros := c.base.Contracts.Counterparties(protocol.RoleCRO)
	if len(cros) == 0 {
		return nil
	}
	for _, cro := range cros {
		for _, group := range c.tradedGroups() {
			query := &protocol.CommonReferenceQuery{
				Envelope: protocol.NewEnvelope(c.base.Domain, protocol.RoleAGR,
					cro, protocol.RoleCRO, protocol.PrecedenceRoutine),
				ConnectionGroup: group,
			}
			if err := c.base.Publish(ctx, cro, "query", query); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleReferenceResult stores the registry snapshot for a group and flags
// registered grid operators we hold no contract with.
func (c *Component) handleReferenceResult(_ context.Context, subject string, data []byte) error {
	result, err := protocol.Decode[protocol.CommonReferenceResult](subject, data)
	if err != nil {
		return err
	}
	if err := result.Validate(); err != nil {
		return err
	}
	if result.RecipientDomain != c.base.Domain {
		return nil
	}

	c.registryMu.Lock()
	c.registry[result.ConnectionGroup] = result.Entries
	c.registryMu.Unlock()

	for _, entry := range result.Entries {
		if entry.Role != protocol.RoleDSO {
			continue
		}
		if err := c.base.Contracts.Check(entry.Domain, entry.Role, entry.ConnectionGroup); err != nil {
			c.base.Logger.Warn("registered grid operator without contract",
				"domain", entry.Domain,
				"connection_group", entry.ConnectionGroup)
		}
	}

	c.base.Logger.Debug("common reference snapshot stored",
		"connection_group", result.ConnectionGroup,
		"entries", len(result.Entries))
	return nil
}

// sweep expires overdue documents.
func (c *Component) sweep(context.Context) error {
	if n := c.base.Board.Sweep(); n > 0 {
		c.base.Logger.Info("expired documents swept", "count", n)
	}
	return nil
}

// baseline builds the flat configured baseline across the period's slots.
func (c *Component) baseline(period protocol.Period) []protocol.SlotValue {
	return []protocol.SlotValue{{
		Start:    1,
		Duration: c.base.Clock.SlotsPerDay(period),
		Power:    c.config.BaselinePower,
	}}
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
		Name:        "agr-coordinator",
		Type:        "coordinator",
		Description: "Aggregator: offers, orders, prognoses, settlement validation",
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
	return agrSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	return c.base.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.base.DataFlow()
}
