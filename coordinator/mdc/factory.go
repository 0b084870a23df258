package mdc

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the metering company coordinator with the given
// registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "mdc-coordinator",
		Factory:     NewComponent,
		Schema:      mdcSchema,
		Type:        "coordinator",
		Protocol:    "flex",
		Domain:      "trading",
		Description: "Metering company coordinator: per-slot readings for settlement",
		Version:     "0.1.0",
	})
}
