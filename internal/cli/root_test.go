package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "evolv", root.Use)
	assert.Contains(t, root.Long, "participant context")

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"evaluate", "simulate", "test", "validate", "run"})

	verbose := root.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "text", root.PersistentFlags().Lookup("format").DefValue)
}

func TestSubcommandFlagDefaults(t *testing.T) {
	tests := []struct {
		command string
		flag    string
		want    string
	}{
		{"evaluate", "prefix", "web"},
		{"evaluate", "uid", "cli-uid"},
		{"evaluate", "sid", "cli-sid"},
		{"evaluate", "watch", "false"},
		{"run", "db", ""},
		{"run", "confirm", "false"},
		{"run", "metrics", "false"},
		{"run", "timeout", "10s"},
		{"test", "update", "false"},
		{"test", "filter", ""},
	}
	root := NewRootCommand()
	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.flag, func(t *testing.T) {
			sub, _, err := root.Find([]string{tt.command})
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.want, f.DefValue)
		})
	}
}

func TestRejectsUnknownFormat(t *testing.T) {
	for _, format := range []string{"xml", "", "TEXT"} {
		assert.False(t, isValidFormat(format), format)
	}

	_, err := execute(t, "--format", "yaml", "validate", "options.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
