package dso

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
)

// dsoSchema defines the configuration schema.
var dsoSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the grid operator coordinator.
type Config struct {
	coordinator.CommonConfig

	// GridLimits is the absolute power limit in watts per connection group.
	// Only listed groups are evaluated for congestion.
	GridLimits map[string]int64 `json:"grid_limits,omitempty"`

	// MaxOrderPricePerMWh caps what the operator pays when placing orders.
	// Empty means no cap.
	MaxOrderPricePerMWh string `json:"max_order_price_per_mwh,omitempty"`

	// RequestExpiry is how long a sent flex request stays answerable. A new
	// request goes out only after the previous one expires unanswered.
	RequestExpiry time.Duration `json:"request_expiry,omitempty"`

	// EvaluationInterval is how often grid forecasts are graded against the
	// limits and congestion is acted on.
	EvaluationInterval time.Duration `json:"evaluation_interval,omitempty"`

	// SettlementInterval is how often completed periods are checked for
	// outstanding settlements.
	SettlementInterval time.Duration `json:"settlement_interval,omitempty"`

	// MeterDataDomain is the metering company queried for settlement
	// readings. Empty falls back to the first contracted mdc counterparty;
	// with none, settlements go out ungrounded.
	MeterDataDomain string `json:"meter_data_domain,omitempty"`

	// SweepInterval is how often expired documents are swept.
	SweepInterval time.Duration `json:"sweep_interval,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CommonConfig:       coordinator.DefaultCommonConfig(),
		RequestExpiry:      1 * time.Hour,
		EvaluationInterval: 15 * time.Minute,
		SettlementInterval: 1 * time.Hour,
		SweepInterval:      5 * time.Minute,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	c.CommonConfig.ApplyDefaults()
	if c.RequestExpiry == 0 {
		c.RequestExpiry = defaults.RequestExpiry
	}
	if c.EvaluationInterval == 0 {
		c.EvaluationInterval = defaults.EvaluationInterval
	}
	if c.SettlementInterval == 0 {
		c.SettlementInterval = defaults.SettlementInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.SweepInterval
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
	for group, limit := range c.GridLimits {
		if limit <= 0 {
			return fmt.Errorf("grid limit for %s must be positive", group)
		}
	}
	if c.RequestExpiry <= 0 {
		return fmt.Errorf("request_expiry must be positive")
	}
	if c.EvaluationInterval <= 0 {
		return fmt.Errorf("evaluation_interval must be positive")
	}
	if c.SettlementInterval <= 0 {
		return fmt.Errorf("settlement_interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}
