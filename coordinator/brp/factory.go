package brp

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the balance-responsible party coordinator with the
// given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "brp-coordinator",
		Factory:     NewComponent,
		Schema:      brpSchema,
		Type:        "coordinator",
		Protocol:    "flex",
		Domain:      "trading",
		Description: "Balance-responsible party coordinator: energy plan submission",
		Version:     "0.1.0",
	})
}
