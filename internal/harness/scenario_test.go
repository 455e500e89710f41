package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "Minimal scenario"
assets:
  stylesheet: true
  script: true
registry:
  variants:
    - key: evolv_web_page
      timing: immediate
configuration: {}
allocations: []
steps:
  - advance: 100ms
  - set:
      state: TX
assertions:
  - type: run_level
    level: legacy
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.True(t, scenario.Assets.Stylesheet)
	require.Len(t, scenario.Registry.Variants, 1)
	assert.Equal(t, "immediate", scenario.Registry.Variants[0].Timing)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, "100ms", scenario.Steps[0].Advance)
	assert.Equal(t, "TX", scenario.Steps[1].Set["state"])
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "\nflow_token: abc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: x\nassertions:\n  - type: classes\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\nassertions:\n  - type: classes\n",
			wantErr: "description is required",
		},
		{
			name:    "bad version",
			content: "name: x\ndescription: x\nversion: 3\nassertions:\n  - type: classes\n",
			wantErr: "version must be 1 or 2",
		},
		{
			name:    "bad duration",
			content: "name: x\ndescription: x\ntimeout_threshold: soon\nassertions:\n  - type: classes\n",
			wantErr: "invalid duration",
		},
		{
			name: "duplicate variant",
			content: "name: x\ndescription: x\nregistry:\n  variants:\n    - key: a\n    - key: a\n" +
				"assertions:\n  - type: classes\n",
			wantErr: "duplicate key",
		},
		{
			name:    "unknown behavior",
			content: "name: x\ndescription: x\nregistry:\n  variants:\n    - key: a\n      behavior: explode\nassertions:\n  - type: classes\n",
			wantErr: "unknown behavior",
		},
		{
			name:    "unknown timing",
			content: "name: x\ndescription: x\nregistry:\n  variants:\n    - key: a\n      timing: later\nassertions:\n  - type: classes\n",
			wantErr: "unknown timing",
		},
		{
			name:    "two actions in one step",
			content: "name: x\ndescription: x\nsteps:\n  - advance: 1s\n    publish: true\nassertions:\n  - type: classes\n",
			wantErr: "exactly one action",
		},
		{
			name:    "local without set",
			content: "name: x\ndescription: x\nsteps:\n  - local: true\nassertions:\n  - type: classes\n",
			wantErr: "local applies to set steps only",
		},
		{
			name:    "unknown ready state",
			content: "name: x\ndescription: x\nsteps:\n  - ready_state: done\nassertions:\n  - type: classes\n",
			wantErr: "unknown ready_state",
		},
		{
			name:    "no assertions",
			content: "name: x\ndescription: x\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "value without key",
			content: "name: x\ndescription: x\nassertions:\n  - type: value\n",
			wantErr: "key is required for value",
		},
		{
			name:    "short trace order",
			content: "name: x\ndescription: x\nassertions:\n  - type: trace_order\n    events: [invoke]\n",
			wantErr: "at least two events",
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: x\nassertions:\n  - type: vibes\n",
			wantErr: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDescribeSteps(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{Step{Set: map[string]any{"state": "TX", "age": 30}}, "set age=30 state=TX"},
		{Step{Set: map[string]any{"state": "TX"}, Local: true}, "set local state=TX"},
		{Step{Remove: "state"}, "remove state"},
		{Step{ReadyState: "interactive"}, "ready_state interactive"},
		{Step{Advance: "1.5s"}, "advance 1.5s"},
		{Step{Publish: true}, "publish"},
		{Step{Resolve: "evolv_web"}, "resolve evolv_web"},
		{Step{Reject: "evolv_web"}, "reject evolv_web"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describe(tt.step))
	}
}
