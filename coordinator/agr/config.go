package agr

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
)

// agrSchema defines the configuration schema.
var agrSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the aggregator coordinator.
type Config struct {
	coordinator.CommonConfig

	// OfferPricePerMWh is the flat energy price quoted by the default offer
	// strategy.
	OfferPricePerMWh string `json:"offer_price_per_mwh,omitempty"`

	// OfferExpiry is how long an offer stays actionable after sending.
	OfferExpiry time.Duration `json:"offer_expiry,omitempty"`

	// BaselinePower is the flat per-slot portfolio baseline in watts used
	// when no forecast feed is wired.
	BaselinePower int64 `json:"baseline_power,omitempty"`

	// PrognosisInterval is how often prognoses for the next period go out.
	PrognosisInterval time.Duration `json:"prognosis_interval,omitempty"`

	// SweepInterval is how often expired documents are swept.
	SweepInterval time.Duration `json:"sweep_interval,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CommonConfig:      coordinator.DefaultCommonConfig(),
		OfferPricePerMWh:  "55",
		OfferExpiry:       2 * time.Hour,
		BaselinePower:     500_000,
		PrognosisInterval: 6 * time.Hour,
		SweepInterval:     5 * time.Minute,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	c.CommonConfig.ApplyDefaults()
	if c.OfferPricePerMWh == "" {
		c.OfferPricePerMWh = defaults.OfferPricePerMWh
	}
	if c.OfferExpiry == 0 {
		c.OfferExpiry = defaults.OfferExpiry
	}
	if c.BaselinePower == 0 {
		c.BaselinePower = defaults.BaselinePower
	}
	if c.PrognosisInterval == 0 {
		c.PrognosisInterval = defaults.PrognosisInterval
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
	if c.OfferExpiry <= 0 {
		return fmt.Errorf("offer_expiry must be positive")
	}
	if c.PrognosisInterval <= 0 {
		return fmt.Errorf("prognosis_interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}
