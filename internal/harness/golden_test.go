package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_PredicatedButton(t *testing.T) {
	result, err := RunWithGolden(t, loadScenario(t, "predicated_button"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRunWithGolden_RegistryTimeout(t *testing.T) {
	result, err := RunWithGolden(t, loadScenario(t, "registry_timeout"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestMarshalTrace_OmitsIrrelevantFields(t *testing.T) {
	out, err := MarshalTrace("x", []TraceEvent{
		{Seq: 1, Type: EventConfirm, Key: "ignored", Run: 4},
		{Seq: 2, Type: EventActiveKeys},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"x","trace":[{"seq":1,"type":"confirm"},{"current":[],"previous":[],"seq":2,"type":"active_keys"}]}`,
		string(out))
}
