package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"genchain.run",
		"genchain.status",
		"genchain.generation",
		"genchain.define",
		"genchain.sweep",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
		required    []string
	}{
		{"genchain.run", "Start a workflow execution from a registered template", []string{"template_id", "user_id"}},
		{"genchain.status", "Get a workflow execution with its generations and events", []string{"execution_id"}},
		{"genchain.generation", "Get one generation record", []string{"generation_id"}},
		{"genchain.define", "Register a workflow template", []string{"template"}},
		{"genchain.sweep", "Fail and refund generations stuck without a provider callback", nil},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
