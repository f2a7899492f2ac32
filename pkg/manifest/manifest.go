// Package manifest declares data sources, ETL operations and scheduled jobs in a
// YAML file and applies them through the services in dependency order.
package manifest

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

// Manifest is the decoded YAML document.
type Manifest struct {
	Sources    []Source    `yaml:"sources"`
	Operations []Operation `yaml:"operations"`
	Jobs       []Job       `yaml:"jobs"`
}

// Source registers one data source.
type Source struct {
	Name       string            `yaml:"name"`
	Type       models.SourceType `yaml:"type"`
	Descriptor map[string]any    `yaml:"descriptor"`
	// Load defaults to true.
	Load *bool `yaml:"load"`
}

// Operation creates an ETL operation. Inputs name sources declared in the same
// manifest or earlier operation outputs; both resolve to store table names.
type Operation struct {
	Name       string               `yaml:"name"`
	Type       models.OperationType `yaml:"type"`
	Inputs     []string             `yaml:"inputs"`
	Parameters map[string]any       `yaml:"parameters"`
	Output     string               `yaml:"output"`
	Execute    bool                 `yaml:"execute"`
}

// Job schedules periodic refreshes of manifest sources.
type Job struct {
	Name              string              `yaml:"name"`
	Schedule          models.ScheduleSpec `yaml:"schedule"`
	Sources           []string            `yaml:"sources"`
	Active            *bool               `yaml:"active"`
	MaxRetries        *int                `yaml:"max_retries"`
	RetryDelayMinutes *int                `yaml:"retry_delay_minutes"`
	FailureThreshold  *int                `yaml:"failure_threshold"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest YAML. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks names are unique and every reference resolves to an
// earlier declaration.
func (m *Manifest) Validate() error {
	sources := make(map[string]bool, len(m.Sources))
	for i, s := range m.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if sources[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		if !s.Type.IsValid() {
			return fmt.Errorf("source %q: unsupported type %q", s.Name, s.Type)
		}
		sources[s.Name] = true
	}

	tables := make(map[string]bool, len(sources)+len(m.Operations))
	for name := range sources {
		tables[name] = true
	}
	for i, op := range m.Operations {
		if op.Name == "" {
			return fmt.Errorf("operations[%d]: name is required", i)
		}
		if len(op.Inputs) == 0 {
			return fmt.Errorf("operation %q: at least one input is required", op.Name)
		}
		for _, in := range op.Inputs {
			if !tables[in] {
				return fmt.Errorf("operation %q: unknown input %q", op.Name, in)
			}
		}
		if op.Output != "" {
			if tables[op.Output] {
				return fmt.Errorf("operation %q: output %q is already declared", op.Name, op.Output)
			}
			tables[op.Output] = true
		}
	}

	for i, job := range m.Jobs {
		if job.Name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if len(job.Sources) == 0 {
			return fmt.Errorf("job %q: at least one source is required", job.Name)
		}
		for _, s := range job.Sources {
			if !sources[s] {
				return fmt.Errorf("job %q: unknown source %q", job.Name, s)
			}
		}
		if err := job.Schedule.Validate(); err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
	}
	return nil
}
