// Package spec defines the declarative YAML manifest consumed by
// brokerctl declare -f, as a convenience wrapper around one-at-a-time
// queue declaration over the control plane's JSON wire format.
package spec

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// QueueSpec defines the YAML specification for a single queue.
type QueueSpec struct {
	// API version for future compatibility.
	APIVersion string `yaml:"apiVersion,omitempty"`
	// Kind is always "Queue".
	Kind string `yaml:"kind,omitempty"`

	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable,omitempty"`
}

// MultiSpec holds multiple queue specs from a single file.
type MultiSpec struct {
	Queues []QueueSpec
}

// ParseFile parses a YAML file containing one or more queue specs.
func ParseFile(path string) (*MultiSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse parses YAML content containing one or more "---"-separated
// queue spec documents.
func Parse(r io.Reader) (*MultiSpec, error) {
	decoder := yaml.NewDecoder(r)
	var specs []QueueSpec

	for {
		var s QueueSpec
		err := decoder.Decode(&s)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}

		if s.Name == "" {
			continue
		}

		specs = append(specs, s)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no valid queue specs found")
	}

	return &MultiSpec{Queues: specs}, nil
}

// Validate validates a queue spec.
func (s *QueueSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// ExampleYAML returns an example YAML spec.
func ExampleYAML() string {
	return `apiVersion: broker/v1
kind: Queue

name: orders
durable: true
`
}
