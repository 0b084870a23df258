package brp

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
)

// brpSchema defines the configuration schema.
var brpSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the balance-responsible party coordinator.
type Config struct {
	coordinator.CommonConfig

	// BaselinePower is the flat per-slot portfolio baseline in watts used
	// when no forecast feed is wired.
	BaselinePower int64 `json:"baseline_power,omitempty"`

	// PlanInterval is how often outstanding energy plans are checked and
	// submitted.
	PlanInterval time.Duration `json:"plan_interval,omitempty"`

	// SweepInterval is how often expired documents are swept.
	SweepInterval time.Duration `json:"sweep_interval,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CommonConfig:  coordinator.DefaultCommonConfig(),
		BaselinePower: 800_000,
		PlanInterval:  6 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	c.CommonConfig.ApplyDefaults()
	if c.BaselinePower == 0 {
		c.BaselinePower = defaults.BaselinePower
	}
	if c.PlanInterval == 0 {
		c.PlanInterval = defaults.PlanInterval
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
	if c.PlanInterval <= 0 {
		return fmt.Errorf("plan_interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}
