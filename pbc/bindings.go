package pbc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BindingsFile is the on-disk form of the step bindings: a map from step
// name to implementation name. Steps left out run their default.
//
//	steps:
//	  dso.flex-order-placement: cheapest-first-capped
//	  agr.flex-offer-determination: default
type BindingsFile struct {
	Steps map[string]string `yaml:"steps"`
}

// LoadBindings reads a bindings file and validates its step names against
// the known decision points. Implementation names are validated by the
// engine at rebind time.
func LoadBindings(path string) (map[StepName]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bindings file: %w", err)
	}

	var file BindingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse bindings file: %w", err)
	}

	known := make(map[StepName]bool, len(AllStepNames()))
	for _, name := range AllStepNames() {
		known[name] = true
	}

	bindings := make(map[StepName]string, len(file.Steps))
	for step, impl := range file.Steps {
		name := StepName(step)
		if !known[name] {
			return nil, fmt.Errorf("bindings file: unknown step %q", step)
		}
		if impl == "" {
			return nil, fmt.Errorf("bindings file: step %q has empty implementation", step)
		}
		bindings[name] = impl
	}
	return bindings, nil
}
