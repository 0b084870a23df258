package cro

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/gridflex/protocol"
)

func TestNewComponent_InvalidConfig(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig json.RawMessage
	}{
		{"invalid JSON", json.RawMessage(`{not json}`)},
		{"missing participant domain", json.RawMessage(`{}`)},
		{"entry without domain", json.RawMessage(`{"participant_domain":"cro.example.com","entries":[{"role":"agr","connection_group":"cp-north"}]}`)},
		{"entry with unknown role", json.RawMessage(`{"participant_domain":"cro.example.com","entries":[{"domain":"x.example.com","role":"tso","connection_group":"cp-north"}]}`)},
		{"entry without group", json.RawMessage(`{"participant_domain":"cro.example.com","entries":[{"domain":"x.example.com","role":"agr"}]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewComponent(tt.rawConfig, component.Dependencies{})
			assert.Error(t, err)
		})
	}
}

func TestConfig_EntriesValidate(t *testing.T) {
	cfg := Config{
		Entries: []protocol.ReferenceEntry{
			{Domain: "agr.example.com", Role: protocol.RoleAGR, ConnectionGroup: "cp-north"},
			{Domain: "dso.example.com", Role: protocol.RoleDSO, ConnectionGroup: "cp-north"},
		},
	}
	cfg.ParticipantDomain = "cro.example.com"
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
}

func TestEntriesGroupedByConnectionGroup(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"participant_domain": "cro.example.com",
		"entries": []protocol.ReferenceEntry{
			{Domain: "agr.example.com", Role: protocol.RoleAGR, ConnectionGroup: "cp-north"},
			{Domain: "dso.example.com", Role: protocol.RoleDSO, ConnectionGroup: "cp-north"},
			{Domain: "agr2.example.com", Role: protocol.RoleAGR, ConnectionGroup: "cp-south"},
		},
	})
	require.NoError(t, err)

	discoverable, err := NewComponent(raw, component.Dependencies{})
	require.NoError(t, err)

	c, ok := discoverable.(*Component)
	require.True(t, ok)
	assert.Len(t, c.byGroup["cp-north"], 2)
	assert.Len(t, c.byGroup["cp-south"], 1)
	assert.Empty(t, c.byGroup["cp-unknown"])
}
