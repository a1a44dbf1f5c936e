package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentplan/engine"
)

// loadPlanFile reads a YAML plan request. Unknown keys are rejected so typos
// in step fields do not silently drop settings.
func loadPlanFile(path string) (engine.PlanRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.PlanRequest{}, fmt.Errorf("read plan: %w", err)
	}

	var req engine.PlanRequest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return engine.PlanRequest{}, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return req, nil
}
