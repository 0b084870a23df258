// Package cro implements the common reference operator coordinator: the
// registry of who trades on which connection group. Participants query it to
// discover their counterparties. The registry is open; any addressable
// participant may query, so no contract check applies here.
package cro

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
	"github.com/c360studio/gridflex/protocol"
)

// Component implements the common reference operator coordinator.
type Component struct {
	base   *coordinator.Base
	config Config

	byGroup map[string][]protocol.ReferenceEntry
}

// NewComponent creates a new common reference operator coordinator.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base, err := coordinator.NewBase("cro-coordinator", protocol.RoleCRO, config.CommonConfig, deps)
	if err != nil {
		return nil, err
	}

	byGroup := make(map[string][]protocol.ReferenceEntry)
	for _, e := range config.Entries {
		byGroup[e.ConnectionGroup] = append(byGroup[e.ConnectionGroup], e)
	}

	return &Component{base: base, config: config, byGroup: byGroup}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.base.Dispatcher.Handle(protocol.CommonReferenceQueryType, c.handleQuery)

	c.base.Logger.Debug("Initialized cro-coordinator",
		"domain", c.base.Domain,
		"entries", len(c.config.Entries),
		"groups", len(c.byGroup))
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

// handleQuery answers a registry query with the participants on the queried
// group. An unknown group answers with an empty registry, not an error.
func (c *Component) handleQuery(ctx context.Context, subject string, data []byte) error {
	query, err := protocol.Decode[protocol.CommonReferenceQuery](subject, data)
	if err != nil {
		return err
	}
	if err := query.Validate(); err != nil {
		return err
	}
	if query.RecipientDomain != c.base.Domain || query.RecipientRole != protocol.RoleCRO {
		return &protocol.ValidationError{Field: "recipient_domain",
			Message: "query addressed to " + query.RecipientDomain}
	}

	result := &protocol.CommonReferenceResult{
		Envelope:        query.Reply(),
		ConnectionGroup: query.ConnectionGroup,
		Entries:         c.byGroup[query.ConnectionGroup],
	}
	if err := c.base.Publish(ctx, query.SenderDomain, "entities", result); err != nil {
		return err
	}

	c.base.Logger.Info("reference entries served",
		"to", query.SenderDomain,
		"connection_group", query.ConnectionGroup,
		"entries", len(result.Entries))
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "cro-coordinator",
		Type:        "coordinator",
		Description: "Common reference operator: participant registry",
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
	return croSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	return c.base.Health()
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return c.base.DataFlow()
}
