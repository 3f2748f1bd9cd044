package autoflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusActive   DefinitionStatus = "active"
	DefinitionStatusInactive DefinitionStatus = "inactive"
	DefinitionStatusDraft    DefinitionStatus = "draft"
)

// Port describes one typed input or output of a node.
type Port struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Condition is the minimal predicate attached to a connection: an
// equality check or an existence check against the execution data bag.
// Unknown condition types evaluate to pass rather than failing the run.
type Condition struct {
	Type  string `json:"type" yaml:"type"`
	Field string `json:"field" yaml:"field"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Connection is an explicit edge from a node to a target node. A
// connection without a condition is an unconditional default and always
// passes.
type Connection struct {
	Target    string     `json:"target" yaml:"target"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Node is one unit of work in a workflow: a type key into the executor
// registry, its config, typed ports, and optional outgoing connections.
type Node struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs      []*Port        `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []*Port        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Connections []*Connection  `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Definition describes a workflow: a named, versioned graph of nodes
// plus the triggers that start it. Definitions are owned exclusively by
// the workflow registry once registered.
type Definition struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	OrganizationID string            `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	Version        int               `json:"version,omitempty" yaml:"version,omitempty"`
	Status         DefinitionStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	Triggers       []*TriggerConfig  `json:"triggers" yaml:"triggers"`
	Nodes          []*Node           `json:"nodes" yaml:"nodes"`
	Variables      map[string]any    `json:"variables,omitempty" yaml:"variables,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ValidationResult carries the outcome of definition or config
// validation. Errors holds every violation found, not just the first.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks the definition's invariants, collecting all violations
// before returning.
func (d *Definition) Validate() *ValidationResult {
	var violations []string
	if d.ID == "" {
		violations = append(violations, "Workflow ID is required")
	}
	if d.Name == "" {
		violations = append(violations, "Workflow name is required")
	}
	if len(d.Nodes) == 0 {
		violations = append(violations, "Workflow must have at least one node")
	}
	if len(d.Triggers) == 0 {
		violations = append(violations, "Workflow must have at least one trigger")
	}

	seen := make(map[string]bool, len(d.Nodes))
	for _, node := range d.Nodes {
		if node.ID == "" {
			violations = append(violations, "Node ID is required")
			continue
		}
		if seen[node.ID] {
			violations = append(violations, fmt.Sprintf("Duplicate node ID: %q", node.ID))
		}
		seen[node.ID] = true
		if node.Type == "" {
			violations = append(violations, fmt.Sprintf("Node %q: type is required", node.ID))
		}
	}
	for _, node := range d.Nodes {
		for _, conn := range node.Connections {
			if conn.Target == "" {
				violations = append(violations, fmt.Sprintf("Node %q: connection target is required", node.ID))
			} else if !seen[conn.Target] {
				violations = append(violations, fmt.Sprintf("Node %q: connection target %q not found", node.ID, conn.Target))
			}
		}
	}
	for i, trigger := range d.Triggers {
		violations = trigger.validate(i, violations)
	}

	return &ValidationResult{Valid: len(violations) == 0, Errors: violations}
}

// Node returns the node with the given ID, or nil.
func (d *Definition) Node(id string) *Node {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node
		}
	}
	return nil
}

// StartNode returns the node execution begins at: the node with type
// "start" if present, otherwise the first node in declaration order.
// Returns nil for an empty node list.
func (d *Definition) StartNode() *Node {
	for _, node := range d.Nodes {
		if node.Type == "start" {
			return node
		}
	}
	if len(d.Nodes) > 0 {
		return d.Nodes[0]
	}
	return nil
}

// LoadDefinitionFile loads a workflow definition from a YAML file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadDefinitionString(string(data))
}

// LoadDefinitionString loads a workflow definition from a YAML string.
func LoadDefinitionString(data string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	if def.Status == "" {
		def.Status = DefinitionStatusDraft
	}
	return &def, nil
}
