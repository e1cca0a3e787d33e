// Copyright 2026 Conductor
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowModel is one generate-stage model in a workflow definition.
type WorkflowModel struct {
	// ID is the registered model identifier.
	ID string `yaml:"id" json:"id"`

	// Critical, when true, fails the whole job as soon as this model's
	// slot terminates in failure.
	Critical bool `yaml:"critical,omitempty" json:"critical,omitempty"`

	// Fallback names the model tried once if this one fails. Overrides
	// the engine's static fallback table for this slot.
	Fallback string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// WorkflowSynthesis configures the fan-in stage.
type WorkflowSynthesis struct {
	// Model is the synthesis model identifier. Required to run the
	// workflow; there is no fallback for synthesis.
	Model string `yaml:"model" json:"model"`

	// Prompt is the synthesis template, rendered against the workflow
	// variables plus results.<modelID> entries. Empty means the engine's
	// built-in synthesis prompt.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

// WorkflowDefinition is the provider-agnostic workflow shape: which
// models to fan out to, the prompt template, and how to synthesize.
type WorkflowDefinition struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`

	// Parallel selects fan-out mode. Defaults to true; set false to run
	// models strictly in listed order.
	Parallel *bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// Models is the ordered generate-stage fan-out list.
	Models []WorkflowModel `yaml:"models" json:"models"`

	// Prompt is the generate-stage template, rendered with ${{var}}
	// substitution against the input variables.
	Prompt string `yaml:"prompt" json:"prompt"`

	Synthesis WorkflowSynthesis `yaml:"synthesis" json:"synthesis"`

	// Variables are workflow-level defaults, overridden per run by the
	// caller's input variables.
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Timeout is the per-job wall-clock budget, e.g. "90s". Empty means
	// the engine default.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// IsParallel reports the fan-out mode, defaulting to parallel.
func (w *WorkflowDefinition) IsParallel() bool {
	return w.Parallel == nil || *w.Parallel
}

// ModelIDs returns the ordered model identifiers of the fan-out list.
func (w *WorkflowDefinition) ModelIDs() []string {
	ids := make([]string, 0, len(w.Models))
	for _, m := range w.Models {
		ids = append(ids, m.ID)
	}
	return ids
}

// CriticalModels returns the identifiers flagged critical.
func (w *WorkflowDefinition) CriticalModels() []string {
	var ids []string
	for _, m := range w.Models {
		if m.Critical {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Fallbacks returns the per-model fallback overrides.
func (w *WorkflowDefinition) Fallbacks() map[string]string {
	table := make(map[string]string)
	for _, m := range w.Models {
		if m.Fallback != "" {
			table[m.ID] = m.Fallback
		}
	}
	return table
}

// JobTimeout parses the workflow timeout, returning zero when unset.
func (w *WorkflowDefinition) JobTimeout() (time.Duration, error) {
	if w.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid workflow timeout %q: %w", w.Timeout, err)
	}
	return d, nil
}

// ParseWorkflow decodes a YAML workflow definition and checks the fields
// the engine cannot run without. Full schema validation is a transport
// concern and is not performed here.
func ParseWorkflow(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	if def.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(def.Models) == 0 {
		return nil, fmt.Errorf("workflow %q defines no models", def.Name)
	}
	seen := make(map[string]bool, len(def.Models))
	for _, m := range def.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("workflow %q has a model without an id", def.Name)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("workflow %q lists model %q twice", def.Name, m.ID)
		}
		seen[m.ID] = true
	}
	if def.Prompt == "" {
		return nil, fmt.Errorf("workflow %q has no prompt template", def.Name)
	}
	if def.Synthesis.Model == "" {
		return nil, fmt.Errorf("workflow %q has no synthesis model", def.Name)
	}
	if _, err := def.JobTimeout(); err != nil {
		return nil, err
	}
	return &def, nil
}
