// Package mdc implements the metering company coordinator: it answers
// meter-data queries with per-slot readings for every connection on the
// queried group. Without a metering backend wired, readings are synthesized
// deterministically so repeated queries for the same period agree.
package mdc

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
	"github.com/c360studio/gridflex/protocol"
)

// Component implements the metering company coordinator.
type Component struct {
	base   *coordinator.Base
	config Config
}

// NewComponent creates a new metering company coordinator.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base, err := coordinator.NewBase("mdc-coordinator", protocol.RoleMDC, config.CommonConfig, deps)
	if err != nil {
		return nil, err
	}
	return &Component{base: base, config: config}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.base.Dispatcher.Handle(protocol.MeterDataQueryType, c.handleQuery)

	c.base.Logger.Debug("Initialized mdc-coordinator",
		"domain", c.base.Domain,
		"connections", c.config.Connections)
	return nil
}

// Start begins consuming the inbox.
func (c *Component) Start(ctx context.Context) error {
	_, err := c.base.StartConsuming(ctx)
	return err
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.base.StopConsuming()
	return nil
}

// handleQuery answers one meter-data query with the period's readings.
func (c *Component) handleQuery(ctx context.Context, subject string, data []byte) error {
	query, err := protocol.Decode[protocol.MeterDataQuery](subject, data)
	if err != nil {
		return err
	}
	if err := query.Validate(); err != nil {
		return err
	}
	if query.RecipientDomain != c.base.Domain || query.RecipientRole != protocol.RoleMDC {
		return &protocol.ValidationError{Field: "recipient_domain",
			Message: "query addressed to " + query.RecipientDomain}
	}
	if err := c.base.Contracts.Check(query.SenderDomain, query.SenderRole, query.ConnectionGroup); err != nil {
		return err
	}

	result := &protocol.MeterDataResult{
		Envelope:        query.Reply(),
		Period:          query.Period,
		ConnectionGroup: query.ConnectionGroup,
		Readings:        c.readings(query.Period, query.ConnectionGroup),
	}
	if err := c.base.Publish(ctx, query.SenderDomain, "readings", result); err != nil {
		return err
	}

	c.base.Logger.Info("meter readings served",
		"to", query.SenderDomain,
		"period", query.Period,
		"connection_group", query.ConnectionGroup,
		"readings", len(result.Readings))
	return nil
}

// readings synthesizes the period's readings: one per connection and slot,
// the nominal energy shifted by a stable hash of its coordinates.
func (c *Component) readings(period protocol.Period, group string) []protocol.MeterReading {
	slots := c.base.Clock.SlotsPerDay(period)
	out := make([]protocol.MeterReading, 0, slots*c.config.Connections)
	for conn := 1; conn <= c.config.Connections; conn++ {
		connection := fmt.Sprintf("%s-ean-%03d", group, conn)
		for slot := 1; slot <= slots; slot++ {
			out = append(out, protocol.MeterReading{
				Slot:       slot,
				Connection: connection,
				Energy:     c.config.BaseEnergyWh + c.variation(period, connection, slot),
			})
		}
	}
	return out
}

// variation is a stable offset in [-SpreadWh/2, SpreadWh/2).
func (c *Component) variation(period protocol.Period, connection string, slot int) int64 {
	if c.config.SpreadWh == 0 {
		return 0
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", period, connection, slot)
	return int64(h.Sum64()%uint64(c.config.SpreadWh)) - c.config.SpreadWh/2
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "mdc-coordinator",
		Type:        "coordinator",
		Description: "Metering company: per-slot readings for settlement",
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
	return mdcSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	return c.base.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.base.DataFlow()
}
