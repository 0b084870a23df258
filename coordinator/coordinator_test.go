// Package coordinator tests cover the pure parts of the shared base:
// configuration, contracts, admission checks, and verdict handling. Paths
// that publish to NATS are exercised by the role components' integration
// tests against a real JetStream server.
package coordinator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/gridflex/dispatch"
	"github.com/c360studio/gridflex/pbc"
	"github.com/c360studio/gridflex/planboard"
	"github.com/c360studio/gridflex/protocol"
	"github.com/c360studio/gridflex/scheduler"
)

func testBase(t *testing.T) *Base {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock, err := protocol.NewPTUClock(15*time.Minute, time.UTC)
	require.NoError(t, err)

	b := &Base{
		Name:      "dso-coordinator",
		Role:      protocol.RoleDSO,
		Domain:    "dso.example.com",
		Logger:    logger,
		Board:     planboard.New(),
		Engine:    pbc.NewEngine(),
		Scheduler: scheduler.New(logger),
		Clock:     clock,
		Gate:      planboard.NewGate(clock, 6*time.Hour),
		Contracts: NewContractRegistry([]ContractConfig{
			{Domain: "agr.example.com", Role: protocol.RoleAGR, ConnectionGroups: []string{"cp-north"}},
			{Domain: "brp.example.com", Role: protocol.RoleBRP},
		}),
		Now: func() time.Time {
			return time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)
		},
	}
	b.Dispatcher = dispatch.New(logger)
	return b
}

func inboundPrognosis() Inbound {
	return Inbound{
		Envelope: protocol.NewEnvelope("agr.example.com", protocol.RoleAGR,
			"dso.example.com", protocol.RoleDSO, protocol.PrecedenceRoutine),
		Type:            protocol.DocumentTypeDPrognosis,
		Sequence:        1,
		Period:          protocol.Period{Year: 2026, Month: time.April, Day: 1},
		ConnectionGroup: "cp-north",
		Slots:           []protocol.SlotValue{{Start: 1, Duration: 96, Power: 250_000}},
	}
}

func TestCommonConfig_Defaults(t *testing.T) {
	cfg := CommonConfig{ParticipantDomain: "dso.example.com"}
	cfg.ApplyDefaults()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Europe/Amsterdam", cfg.MarketTimeZone)
	assert.Equal(t, 15*time.Minute, cfg.PTUDuration)
	assert.Equal(t, 6*time.Hour, cfg.GateClosureLead)
	assert.Equal(t, float64(1), cfg.TimeFactor)
}

func TestCommonConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CommonConfig)
	}{
		{"missing domain", func(c *CommonConfig) { c.ParticipantDomain = "" }},
		{"zero ptu", func(c *CommonConfig) { c.PTUDuration = 0 }},
		{"uneven ptu", func(c *CommonConfig) { c.PTUDuration = 25 * time.Minute }},
		{"negative gate lead", func(c *CommonConfig) { c.GateClosureLead = -time.Hour }},
		{"fractional time factor", func(c *CommonConfig) { c.TimeFactor = 0.5 }},
		{"contract without domain", func(c *CommonConfig) {
			c.Contracts = []ContractConfig{{Role: protocol.RoleAGR}}
		}},
		{"contract with unknown role", func(c *CommonConfig) {
			c.Contracts = []ContractConfig{{Domain: "x.example.com", Role: "broker"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := CommonConfig{ParticipantDomain: "dso.example.com"}
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestContractRegistry_Check(t *testing.T) {
	r := NewContractRegistry([]ContractConfig{
		{Domain: "agr.example.com", Role: protocol.RoleAGR, ConnectionGroups: []string{"cp-north"}},
		{Domain: "brp.example.com", Role: protocol.RoleBRP},
	})

	assert.NoError(t, r.Check("agr.example.com", protocol.RoleAGR, "cp-north"))
	assert.NoError(t, r.Check("agr.example.com", protocol.RoleAGR, ""), "empty group checks the party only")
	assert.NoError(t, r.Check("brp.example.com", protocol.RoleBRP, "cp-anything"),
		"contract without groups covers all groups")

	var cverr *protocol.NoContractError
	require.ErrorAs(t, r.Check("agr.example.com", protocol.RoleAGR, "cp-south"), &cverr)
	assert.Equal(t, "cp-south", cverr.ConnectionGroup)

	require.ErrorAs(t, r.Check("stranger.example.com", protocol.RoleAGR, "cp-north"), &cverr)
	require.ErrorAs(t, r.Check("agr.example.com", protocol.RoleBRP, "cp-north"), &cverr,
		"role mismatch is a contract violation")
}

func TestContractRegistry_AddAndLookup(t *testing.T) {
	r := NewContractRegistry(nil)
	assert.Error(t, r.Check("agr.example.com", protocol.RoleAGR, ""))

	r.Add("agr.example.com", protocol.RoleAGR, "cp-north")
	assert.NoError(t, r.Check("agr.example.com", protocol.RoleAGR, "cp-north"))

	// Adding groups extends the existing contract.
	r.Add("agr.example.com", protocol.RoleAGR, "cp-south")
	assert.NoError(t, r.Check("agr.example.com", protocol.RoleAGR, "cp-south"))

	assert.ElementsMatch(t, []string{"cp-north", "cp-south"}, r.GroupsFor("agr.example.com"))
	assert.Equal(t, []string{"agr.example.com"}, r.Counterparties(protocol.RoleAGR))
	assert.Empty(t, r.Counterparties(protocol.RoleBRP))
}

func TestBase_Admissible(t *testing.T) {
	b := testBase(t)

	t.Run("valid document admitted", func(t *testing.T) {
		assert.NoError(t, b.admissible(inboundPrognosis()))
	})

	t.Run("wrong recipient domain", func(t *testing.T) {
		in := inboundPrognosis()
		in.Envelope.RecipientDomain = "other.example.com"
		var verr *protocol.ValidationError
		require.ErrorAs(t, b.admissible(in), &verr)
		assert.Equal(t, "recipient_domain", verr.Field)
	})

	t.Run("wrong recipient role", func(t *testing.T) {
		in := inboundPrognosis()
		in.Envelope.RecipientRole = protocol.RoleBRP
		var verr *protocol.ValidationError
		require.ErrorAs(t, b.admissible(in), &verr)
		assert.Equal(t, "recipient_role", verr.Field)
	})

	t.Run("unknown counterparty", func(t *testing.T) {
		in := inboundPrognosis()
		in.Envelope.SenderDomain = "stranger.example.com"
		var cverr *protocol.NoContractError
		assert.ErrorAs(t, b.admissible(in), &cverr)
	})

	t.Run("uncontracted group", func(t *testing.T) {
		in := inboundPrognosis()
		in.ConnectionGroup = "cp-south"
		var cverr *protocol.NoContractError
		assert.ErrorAs(t, b.admissible(in), &cverr)
	})

	t.Run("expired message", func(t *testing.T) {
		in := inboundPrognosis()
		stale := b.Now().Add(-time.Hour)
		in.Envelope.ValidUntil = &stale
		var verr *protocol.ValidationError
		require.ErrorAs(t, b.admissible(in), &verr)
		assert.Equal(t, "valid_until", verr.Field)
	})

	t.Run("message still valid", func(t *testing.T) {
		in := inboundPrognosis()
		until := b.Now().Add(time.Hour)
		in.Envelope.ValidUntil = &until
		assert.NoError(t, b.admissible(in))
	})
}

func TestBase_AdmissibleGateClosure(t *testing.T) {
	b := testBase(t)
	b.Gate = planboard.NewGate(b.Clock, 15*time.Minute)
	// Midday on the trading day itself; slot 50 starts 12:15.
	b.Now = func() time.Time {
		return time.Date(2026, time.April, 1, 12, 10, 0, 0, time.UTC)
	}

	offer := func(startSlot int) Inbound {
		return Inbound{
			Envelope: protocol.NewEnvelope("agr.example.com", protocol.RoleAGR,
				"dso.example.com", protocol.RoleDSO, protocol.PrecedenceTransactional),
			Type:            protocol.DocumentTypeFlexOffer,
			Sequence:        1,
			Period:          protocol.Period{Year: 2026, Month: time.April, Day: 1},
			ConnectionGroup: "cp-north",
			Slots:           []protocol.SlotValue{{Start: startSlot, Duration: 2, Power: -500_000}},
		}
	}

	// Slot 50 starts in five minutes, inside the 15-minute lead: late.
	var verr *protocol.ValidationError
	require.ErrorAs(t, b.admissible(offer(50)), &verr)
	assert.Equal(t, "period", verr.Field)
	assert.Contains(t, verr.Message, "gate closed")

	// Slot 52 starts in 35 minutes, outside the lead: still tradeable.
	assert.NoError(t, b.admissible(offer(52)))

	// The earliest slot of the document decides, not the latest.
	late := offer(52)
	late.Slots = append(late.Slots, protocol.SlotValue{Start: 50, Duration: 1, Power: -250_000})
	require.ErrorAs(t, b.admissible(late), &verr)

	// Settlements cover completed slots and pass the gate untouched.
	settlement := offer(1)
	settlement.Type = protocol.DocumentTypeSettlement
	assert.NoError(t, b.admissible(settlement))
}

func TestBase_HandleResponse(t *testing.T) {
	b := testBase(t)
	period := protocol.Period{Year: 2026, Month: time.April, Day: 1}

	sent := &protocol.Document{
		Type:               protocol.DocumentTypeFlexRequest,
		SequenceNumber:     4,
		Period:             period,
		CounterpartyDomain: "agr.example.com",
		CounterpartyRole:   protocol.RoleAGR,
		ConnectionGroup:    "cp-north",
		Status:             protocol.StatusSent,
		Slots:              []protocol.SlotValue{{Start: 1, Duration: 4, Power: -1_000_000}},
	}
	require.NoError(t, b.Board.Put(sent))

	verdict := func(result protocol.ResponseResult, seq int64) *protocol.Response {
		return &protocol.Response{
			Envelope: protocol.NewEnvelope("agr.example.com", protocol.RoleAGR,
				"dso.example.com", protocol.RoleDSO, protocol.PrecedenceTransactional),
			Subject:         protocol.DocumentTypeFlexRequest,
			SubjectSequence: seq,
			Period:          period,
			Result:          result,
			Reason:          "because",
		}
	}

	require.NoError(t, b.HandleResponse(verdict(protocol.ResultAccepted, 4), "cp-north"))
	stored, _ := b.Board.Get("cp-north", period, sent.ID)
	assert.Equal(t, protocol.StatusAccepted, stored.Status)

	// A verdict for a document we never sent is dropped, not an error.
	require.NoError(t, b.HandleResponse(verdict(protocol.ResultRejected, 99), "cp-north"))

	// A misaddressed verdict is refused.
	bad := verdict(protocol.ResultAccepted, 4)
	bad.RecipientDomain = "other.example.com"
	assert.Error(t, b.HandleResponse(bad, "cp-north"))
}

func TestDefaultPorts(t *testing.T) {
	ports := DefaultPorts("dso.example.com")

	inputs := InputPortsFromConfig(ports)
	require.Len(t, inputs, 1)
	assert.Equal(t, "inbox", inputs[0].Name)

	outputs := OutputPortsFromConfig(ports)
	require.Len(t, outputs, 2)
	assert.Equal(t, "outbox", outputs[0].Name)
	assert.Equal(t, "dead-letter", outputs[1].Name)

	assert.Empty(t, InputPortsFromConfig(nil))
	assert.Empty(t, OutputPortsFromConfig(nil))
}
