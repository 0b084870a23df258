package cro

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/coordinator"
	"github.com/c360studio/gridflex/protocol"
)

// croSchema defines the configuration schema.
var croSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the common reference operator coordinator.
type Config struct {
	coordinator.CommonConfig

	// Entries is the registry of participants per connection group served to
	// queriers.
	Entries []protocol.ReferenceEntry `json:"entries,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{CommonConfig: coordinator.DefaultCommonConfig()}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	c.CommonConfig.ApplyDefaults()
	if c.Ports == nil {
		c.Ports = coordinator.DefaultPorts(c.ParticipantDomain)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.CommonConfig.Validate(); err != nil {
		return err
	}
	for i, e := range c.Entries {
		if e.Domain == "" {
			return fmt.Errorf("entry %d: domain is required", i)
		}
		if !e.Role.IsValid() {
			return fmt.Errorf("entry %d: unknown role %q", i, e.Role)
		}
		if e.ConnectionGroup == "" {
			return fmt.Errorf("entry %d: connection group is required", i)
		}
	}
	return nil
}
