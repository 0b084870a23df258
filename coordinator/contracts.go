package coordinator

import (
	"sync"

	"github.com/c360studio/gridflex/protocol"
)

// ContractRegistry records which counterparties a participant trades with
// and on which connection groups. Documents from unregistered parties are
// contract violations and get rejected, never processed.
type ContractRegistry struct {
	mu        sync.RWMutex
	contracts map[string]*contract // keyed by counterparty domain
}

type contract struct {
	role   protocol.Role
	groups map[string]bool // empty means all groups
}

// NewContractRegistry builds a registry from configuration.
func NewContractRegistry(configs []ContractConfig) *ContractRegistry {
	r := &ContractRegistry{contracts: make(map[string]*contract)}
	for _, cfg := range configs {
		c := &contract{role: cfg.Role, groups: make(map[string]bool)}
		for _, g := range cfg.ConnectionGroups {
			c.groups[g] = true
		}
		r.contracts[cfg.Domain] = c
	}
	return r
}

// Add registers a counterparty at runtime, as learned from a common
// reference query.
func (r *ContractRegistry) Add(domain string, role protocol.Role, groups ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contracts[domain]
	if !ok {
		c = &contract{role: role, groups: make(map[string]bool)}
		r.contracts[domain] = c
	}
	for _, g := range groups {
		c.groups[g] = true
	}
}

// Check verifies a counterparty may send documents for a connection group.
// An empty group checks only the party itself.
func (r *ContractRegistry) Check(domain string, role protocol.Role, group string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contracts[domain]
	if !ok || c.role != role {
		return &protocol.NoContractError{Domain: domain}
	}
	if group == "" || len(c.groups) == 0 {
		return nil
	}
	if !c.groups[group] {
		return &protocol.NoContractError{Domain: domain, ConnectionGroup: group}
	}
	return nil
}

// Counterparties returns the registered domains for a role.
func (r *ContractRegistry) Counterparties(role protocol.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var domains []string
	for domain, c := range r.contracts {
		if c.role == role {
			domains = append(domains, domain)
		}
	}
	return domains
}

// GroupsFor returns the connection groups registered for a counterparty.
func (r *ContractRegistry) GroupsFor(domain string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[domain]
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	return groups
}
