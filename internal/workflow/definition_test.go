// ABOUTME: Tests for definition parsing and structural validation
// ABOUTME: Covers the JSON schema, seconds-based timeouts, and cycle detection

package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinition(t *testing.T) {
	raw := []byte(`{
		"workflow_id": "morning_routine",
		"name": "Morning routine",
		"timeout": 120,
		"steps": [
			{"step_id": "wake", "agent": "scheduler-agent", "tool": "calendar_manager"},
			{"step_id": "run", "agent": "fitness-agent", "tool": "workout_planner",
			 "parameters": {"days": 1}, "dependencies": ["wake"], "timeout": 1.5, "max_retries": -1}
		]
	}`)

	def, err := ParseDefinition(raw)
	require.NoError(t, err)
	assert.Equal(t, "morning_routine", def.ID)
	assert.Equal(t, 2*time.Minute, def.Timeout)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 1500*time.Millisecond, def.Steps[1].Timeout)
	assert.Equal(t, -1, def.Steps[1].MaxRetries)
	assert.Equal(t, []string{"wake"}, def.Steps[1].Dependencies)
}

func TestParseDefinition_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing steps", `{"name": "x"}`},
		{"empty steps", `{"name": "x", "steps": []}`},
		{"step without tool", `{"name": "x", "steps": [{"step_id": "a", "agent": "b"}]}`},
		{"unknown field", `{"name": "x", "steps": [{"step_id": "a", "agent": "b", "tool": "c", "retries": 2}]}`},
		{"negative timeout", `{"name": "x", "steps": [{"step_id": "a", "agent": "b", "tool": "c", "timeout": -5}]}`},
		{"bad id", `{"workflow_id": "has space", "name": "x", "steps": [{"step_id": "a", "agent": "b", "tool": "c"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestDefinition_JSONUsesSeconds(t *testing.T) {
	def := Definition{ID: "w", Name: "n", Timeout: 90 * time.Second, Steps: []Step{
		{ID: "a", Agent: "x", Tool: "t", Timeout: 30 * time.Second},
	}}
	raw, err := json.Marshal(def)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, 90.0, wire["timeout"])
	assert.Equal(t, 30.0, wire["steps"].([]any)[0].(map[string]any)["timeout"])
}

func TestValidateSteps_Dangling(t *testing.T) {
	dangling, err := validateSteps([]Step{
		{ID: "a", Agent: "x", Tool: "t", Dependencies: []string{"z"}},
		{ID: "b", Agent: "x", Tool: "t", Dependencies: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a→z"}, dangling)
}

func TestPhase_Transitions(t *testing.T) {
	assert.True(t, PhaseCreated.CanTransition(PhaseAnalyzing))
	assert.True(t, PhaseCreated.CanTransition(PhaseExecuting))
	assert.True(t, PhaseAnalyzing.CanTransition(PhaseCompleted))
	assert.False(t, PhaseAnalyzing.CanTransition(PhaseExecuting))
	assert.False(t, PhaseRouting.CanTransition(PhaseCompleted))
	assert.False(t, PhaseCompleted.CanTransition(PhaseFailed))
	assert.False(t, PhaseFailed.CanTransition(PhaseCreated))
}
