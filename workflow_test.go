package autoflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validDefinition() *Definition {
	return &Definition{
		ID:   "wf-1",
		Name: "Test Workflow",
		Triggers: []*TriggerConfig{
			{Type: TriggerTypeManual, Enabled: true},
		},
		Nodes: []*Node{
			{ID: "start", Type: "start", Connections: []*Connection{{Target: "work"}}},
			{ID: "work", Type: "print", Config: map[string]any{"message": "hi"}},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	t.Run("valid definition", func(t *testing.T) {
		result := validDefinition().Validate()
		require.True(t, result.Valid)
		require.Empty(t, result.Errors)
	})

	t.Run("collects all violations", func(t *testing.T) {
		result := (&Definition{}).Validate()
		require.False(t, result.Valid)
		require.Contains(t, result.Errors, "Workflow ID is required")
		require.Contains(t, result.Errors, "Workflow must have at least one node")
		require.Contains(t, result.Errors, "Workflow must have at least one trigger")
	})

	t.Run("duplicate node IDs", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = append(def.Nodes, &Node{ID: "work", Type: "print"})
		result := def.Validate()
		require.False(t, result.Valid)
		require.Contains(t, result.Errors, `Duplicate node ID: "work"`)
	})

	t.Run("dangling connection target", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[1].Connections = []*Connection{{Target: "missing"}}
		result := def.Validate()
		require.False(t, result.Valid)
		require.Contains(t, result.Errors, `Node "work": connection target "missing" not found`)
	})

	t.Run("webhook trigger needs a path", func(t *testing.T) {
		def := validDefinition()
		def.Triggers = []*TriggerConfig{
			{Type: TriggerTypeWebhook, Enabled: true, Webhook: &WebhookConfig{}},
		}
		result := def.Validate()
		require.False(t, result.Valid)
		require.Contains(t, result.Errors, "Trigger 0: webhook path is required")
	})

	t.Run("unknown trigger type", func(t *testing.T) {
		def := validDefinition()
		def.Triggers = []*TriggerConfig{{Type: "carrier-pigeon", Enabled: true}}
		result := def.Validate()
		require.False(t, result.Valid)
		require.Contains(t, result.Errors, `Trigger 0: unknown trigger type "carrier-pigeon"`)
	})
}

func TestStartNodeSelection(t *testing.T) {
	t.Run("node of type start wins", func(t *testing.T) {
		def := &Definition{Nodes: []*Node{
			{ID: "a", Type: "print"},
			{ID: "entry", Type: "start"},
		}}
		require.Equal(t, "entry", def.StartNode().ID)
	})

	t.Run("falls back to first node", func(t *testing.T) {
		def := &Definition{Nodes: []*Node{
			{ID: "a", Type: "print"},
			{ID: "b", Type: "print"},
		}}
		require.Equal(t, "a", def.StartNode().ID)
	})

	t.Run("nil for empty graphs", func(t *testing.T) {
		require.Nil(t, (&Definition{}).StartNode())
	})
}

func TestLoadDefinitionString(t *testing.T) {
	def, err := LoadDefinitionString(`
id: yaml-wf
name: From YAML
triggers:
  - type: manual
    enabled: true
nodes:
  - id: start
    type: start
    connections:
      - target: step
        condition:
          type: equals
          field: mode
          value: fast
  - id: step
    type: print
    config:
      message: hi
`)
	require.NoError(t, err)
	require.Equal(t, "yaml-wf", def.ID)
	require.Len(t, def.Nodes, 2)
	require.Equal(t, "step", def.Nodes[0].Connections[0].Target)
	require.Equal(t, "equals", def.Nodes[0].Connections[0].Condition.Type)
	require.True(t, def.Validate().Valid)
}
