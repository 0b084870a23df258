package agr

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the aggregator coordinator with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "agr-coordinator",
		Factory:     NewComponent,
		Schema:      agrSchema,
		Type:        "coordinator",
		Protocol:    "flex",
		Domain:      "trading",
		Description: "Aggregator coordinator: offers, orders, prognoses, settlement validation",
		Version:     "0.1.0",
	})
}
