package dso

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the grid operator coordinator with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "dso-coordinator",
		Factory:     NewComponent,
		Schema:      dsoSchema,
		Type:        "coordinator",
		Protocol:    "flex",
		Domain:      "trading",
		Description: "Grid operator coordinator: congestion management, flex procurement, settlement",
		Version:     "0.1.0",
	})
}
