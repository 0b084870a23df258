// Package brp implements the balance-responsible party coordinator: it
// determines an energy plan for each upcoming period and submits it to the
// grid operator before the day-ahead gate closes.
package brp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
	"github.com/c360studio/gridflex/pbc"
	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
)

// Component implements the balance-responsible party coordinator.
type Component struct {
	base   *coordinator.Base
	config Config
}

// NewComponent creates a new balance-responsible party coordinator.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base, err := coordinator.NewBase("brp-coordinator", protocol.RoleBRP, config.CommonConfig, deps)
	if err != nil {
		return nil, err
	}
	return &Component{base: base, config: config}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.base.Dispatcher.Handle(protocol.ResponseType, c.handleResponse)

	c.base.Logger.Debug("Initialized brp-coordinator",
		"domain", c.base.Domain,
		"plan_interval", c.config.PlanInterval)
	return nil
}

// Start begins consuming the inbox and schedules the recurring jobs.
func (c *Component) Start(ctx context.Context) error {
	runCtx, err := c.base.StartConsuming(ctx)
	if err != nil {
		return err
	}

	if err := c.base.Scheduler.Every(runCtx, "plan-submission", c.config.PlanInterval, c.submitPlans); err != nil {
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

// handleResponse resolves verdicts for our submitted plans.
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

// submitPlans determines and submits the next period's energy plan to every
// contracted grid operator while the gate is still open. A group already
// holding a live plan for the period is skipped.
func (c *Component) submitPlans(ctx context.Context) error {
	now := time.Now()
	period := protocol.NewPeriod(now.In(c.base.Clock.Location())).Next()
	if c.base.Gate.Closed(period, now) {
		c.base.Logger.Debug("gate closed, skipping plan submission", "period", period)
		return nil
	}

	for _, dsoDomain := range c.base.Contracts.Counterparties(protocol.RoleDSO) {
		for _, group := range c.base.Contracts.GroupsFor(dsoDomain) {
			if c.planOutstanding(group, period) {
				continue
			}
			if err := c.submitPlan(ctx, dsoDomain, period, group); err != nil {
				return err
			}
		}
	}
	return nil
}

// planOutstanding reports whether a live plan for the group and period is
// already out.
func (c *Component) planOutstanding(group string, period protocol.Period) bool {
	for _, status := range []protocol.DocumentStatus{
		protocol.StatusSent,
		protocol.StatusAccepted,
		protocol.StatusProcessed,
	} {
		if len(c.base.Board.Query(group, period, planboard.Filter{
			Type:   protocol.DocumentTypeAPlan,
			Status: status,
		})) > 0 {
			return true
		}
	}
	return false
}

// submitPlan determines, records, and publishes one energy plan.
func (c *Component) submitPlan(ctx context.Context, dsoDomain string, period protocol.Period, group string) error {
	exec := pbc.NewExecution(period, group, c.base.Board, c.base.Clock)
	exec.Set(pbc.KeyBaseline, c.baseline(period))
	if err := c.base.RunStep(ctx, pbc.StepPlanDetermination, exec); err != nil {
		return &protocol.TechnicalError{Op: "plan determination", Cause: err}
	}

	slots, ok := pbc.Value[[]protocol.SlotValue](exec, pbc.KeyPlanSlots)
	if !ok || len(slots) == 0 {
		c.base.Logger.Debug("plan determination produced no slots",
			"period", period, "connection_group", group)
		return nil
	}

	seq := c.base.Board.NextSequence(protocol.DocumentTypeAPlan)
	plan := &protocol.APlan{
		Envelope: protocol.NewEnvelope(c.base.Domain, protocol.RoleBRP,
			dsoDomain, protocol.RoleDSO, protocol.PrecedenceRoutine),
		SequenceNumber:  seq,
		Period:          period,
		ConnectionGroup: group,
		Slots:           slots,
	}

	doc := &protocol.Document{
		Type:               protocol.DocumentTypeAPlan,
		SequenceNumber:     seq,
		Period:             period,
		CounterpartyDomain: dsoDomain,
		CounterpartyRole:   protocol.RoleDSO,
		ConnectionGroup:    group,
		Status:             protocol.StatusNew,
		ConversationID:     plan.ConversationID,
		Slots:              slots,
	}
	if err := c.base.Board.Put(doc); err != nil {
		return &protocol.TechnicalError{Op: "store plan", Cause: err}
	}
	if err := c.base.Publish(ctx, dsoDomain, "a-plan", plan); err != nil {
		return err
	}
	if err := c.base.Board.Transition(group, period, doc.ID, protocol.StatusSent); err != nil {
		return err
	}

	c.base.Logger.Info("energy plan submitted",
		"sequence", seq,
		"to", dsoDomain,
		"period", period,
		"connection_group", group)
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

// sweep expires overdue documents.
func (c *Component) sweep(context.Context) error {
	if n := c.base.Board.Sweep(); n > 0 {
		c.base.Logger.Info("expired documents swept", "count", n)
	}
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "brp-coordinator",
		Type:        "coordinator",
		Description: "Balance-responsible party: energy plan submission",
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
	return brpSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	return c.base.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.base.DataFlow()
}
