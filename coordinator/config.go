package coordinator

import (
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/protocol"
)

// CommonConfig holds the settings every coordinator role shares.
type CommonConfig struct {
	// ParticipantDomain is this participant's internet domain, the identity
	// documents are addressed to.
	ParticipantDomain string `json:"participant_domain"`

	// MarketTimeZone is the IANA zone slot arithmetic runs in.
	MarketTimeZone string `json:"market_time_zone"`

	// PTUDuration is the slot length; it must evenly divide an hour.
	PTUDuration time.Duration `json:"ptu_duration"`

	// GateClosureLead is how long before a period's start its day-ahead
	// gate closes.
	GateClosureLead time.Duration `json:"gate_closure_lead"`

	// Contracts lists the counterparties this participant trades with.
	Contracts []ContractConfig `json:"contracts,omitempty"`

	// BindingsPath points at the step bindings file, empty for defaults.
	BindingsPath string `json:"bindings_path,omitempty"`

	// TimeFactor compresses scheduled delays for simulation runs.
	TimeFactor float64 `json:"time_factor,omitempty"`

	// Bypass keeps schedules firing but skips job bodies, for drills.
	Bypass bool `json:"bypass,omitempty"`

	// MaxConcurrentJobs bounds scheduled job concurrency.
	MaxConcurrentJobs int `json:"max_concurrent_jobs,omitempty"`

	// ArchiveDocuments enables the KV document archive.
	ArchiveDocuments bool `json:"archive_documents,omitempty"`

	// MaxDeliver caps inbound redelivery attempts before dead-lettering.
	MaxDeliver int `json:"max_deliver,omitempty"`

	// AckWait is how long the consumer may hold a message unacked.
	AckWait time.Duration `json:"ack_wait,omitempty"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// ContractConfig registers one counterparty for one or more connection
// groups.
type ContractConfig struct {
	Domain           string        `json:"domain"`
	Role             protocol.Role `json:"role"`
	ConnectionGroups []string      `json:"connection_groups,omitempty"`
}

// DefaultCommonConfig returns the shared defaults.
func DefaultCommonConfig() CommonConfig {
	return CommonConfig{
		MarketTimeZone:    "Europe/Amsterdam",
		PTUDuration:       15 * time.Minute,
		GateClosureLead:   6 * time.Hour,
		TimeFactor:        1,
		MaxConcurrentJobs: 8,
		MaxDeliver:        5,
		AckWait:           30 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields from the shared defaults.
func (c *CommonConfig) ApplyDefaults() {
	defaults := DefaultCommonConfig()
	if c.MarketTimeZone == "" {
		c.MarketTimeZone = defaults.MarketTimeZone
	}
	if c.PTUDuration == 0 {
		c.PTUDuration = defaults.PTUDuration
	}
	if c.GateClosureLead == 0 {
		c.GateClosureLead = defaults.GateClosureLead
	}
	if c.TimeFactor == 0 {
		c.TimeFactor = defaults.TimeFactor
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = defaults.MaxDeliver
	}
	if c.AckWait == 0 {
		c.AckWait = defaults.AckWait
	}
}

// Validate checks the shared settings.
func (c *CommonConfig) Validate() error {
	if c.ParticipantDomain == "" {
		return fmt.Errorf("participant_domain is required")
	}
	if c.PTUDuration <= 0 {
		return fmt.Errorf("ptu_duration must be positive")
	}
	if time.Hour%c.PTUDuration != 0 {
		return fmt.Errorf("ptu_duration must evenly divide an hour")
	}
	if c.GateClosureLead < 0 {
		return fmt.Errorf("gate_closure_lead cannot be negative")
	}
	if c.TimeFactor < 1 {
		return fmt.Errorf("time_factor must be at least 1")
	}
	for i, contract := range c.Contracts {
		if contract.Domain == "" {
			return fmt.Errorf("contract %d: domain is required", i)
		}
		if !contract.Role.IsValid() {
			return fmt.Errorf("contract %d: unknown role %q", i, contract.Role)
		}
	}
	return nil
}

// InputPortsFromConfig converts configured input port definitions to the
// component port view.
func InputPortsFromConfig(ports *component.PortConfig) []component.Port {
	if ports == nil {
		return []component.Port{}
	}
	out := make([]component.Port, len(ports.Inputs))
	for i, portDef := range ports.Inputs {
		out[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return out
}

// OutputPortsFromConfig converts configured output port definitions to the
// component port view.
func OutputPortsFromConfig(ports *component.PortConfig) []component.Port {
	if ports == nil {
		return []component.Port{}
	}
	out := make([]component.Port, len(ports.Outputs))
	for i, portDef := range ports.Outputs {
		out[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return out
}

// DefaultPorts builds the standard inbox/outbox port definitions for a
// participant domain.
func DefaultPorts(domain string) *component.PortConfig {
	return &component.PortConfig{
		Inputs: []component.PortDefinition{
			{
				Name:        "inbox",
				Type:        "jetstream",
				Subject:     protocol.InboxFilter(domain),
				StreamName:  protocol.StreamName,
				Description: "Inbound protocol documents",
				Required:    true,
			},
		},
		Outputs: []component.PortDefinition{
			{
				Name:        "outbox",
				Type:        "jetstream",
				Subject:     "flex.in.>",
				StreamName:  protocol.StreamName,
				Description: "Outbound protocol documents to counterparty inboxes",
				Required:    true,
			},
			{
				Name:        "dead-letter",
				Type:        "jetstream",
				Subject:     protocol.DLQSubject(domain),
				StreamName:  protocol.StreamName,
				Description: "Undecodable or unroutable inbound messages",
				Required:    false,
			},
		},
	}
}
