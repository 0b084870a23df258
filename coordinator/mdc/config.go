package mdc

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
)

// mdcSchema defines the configuration schema.
var mdcSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the metering company coordinator.
type Config struct {
	coordinator.CommonConfig

	// Connections is how many metered connections each connection group
	// reports.
	Connections int `json:"connections,omitempty"`

	// BaseEnergyWh is the nominal metered energy per slot and connection in
	// watt-hours.
	BaseEnergyWh int64 `json:"base_energy_wh,omitempty"`

	// SpreadWh is the deterministic per-reading variation band in watt-hours.
	SpreadWh int64 `json:"spread_wh,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CommonConfig: coordinator.DefaultCommonConfig(),
		Connections:  3,
		BaseEnergyWh: 125_000,
		SpreadWh:     50_000,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	c.CommonConfig.ApplyDefaults()
	if c.Connections == 0 {
		c.Connections = defaults.Connections
	}
	if c.BaseEnergyWh == 0 {
		c.BaseEnergyWh = defaults.BaseEnergyWh
	}
	if c.SpreadWh == 0 {
		c.SpreadWh = defaults.SpreadWh
	}
	if c.Ports == nil {
		c.Ports = coordinator.DefaultPorts(c.ParticipantDomain)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.CommonConfig.Validate(); err != nil {
		return err
	}
	if c.Connections < 1 {
		return fmt.Errorf("connections must be at least 1")
	}
	if c.SpreadWh < 0 {
		return fmt.Errorf("spread_wh cannot be negative")
	}
	return nil
}
