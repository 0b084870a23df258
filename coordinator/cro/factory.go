package cro

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the common reference operator coordinator with the
// given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "cro-coordinator",
		Factory:     NewComponent,
		Schema:      croSchema,
		Type:        "coordinator",
		Protocol:    "flex",
		Domain:      "trading",
		Description: "Common reference operator coordinator: participant registry",
		Version:     "0.1.0",
	})
}
