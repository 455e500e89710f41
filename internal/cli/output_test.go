package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestOutputFormatter_JSON(t *testing.T) {
	tests := []struct {
		name       string
		write      func(f *OutputFormatter) error
		wantStatus string
		wantCode   string
		wantData   bool
	}{
		{
			name:       "success",
			write:      func(f *OutputFormatter) error { return f.Success(map[string]any{"active_keys": []any{"web"}}) },
			wantStatus: "ok",
			wantData:   true,
		},
		{
			name:       "error",
			write:      func(f *OutputFormatter) error { return f.Error("E_FETCH", "fetch failed", nil) },
			wantStatus: "error",
			wantCode:   "E_FETCH",
		},
		{
			name: "failure keeps data",
			write: func(f *OutputFormatter) error {
				return f.Failure(TestResult{Failed: 1, Total: 1}, "E_TEST_FAILED", "1 failed")
			},
			wantStatus: "error",
			wantCode:   "E_TEST_FAILED",
			wantData:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			require.NoError(t, tt.write(&OutputFormatter{Format: "json", Writer: buf}))

			resp := decodeJSON(t, buf)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantData, resp.Data != nil)
			if tt.wantCode == "" {
				assert.Nil(t, resp.Error)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestOutputFormatter_ErrorDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Error(ErrCodeConfig, "invalid options", map[string]any{"field": "version"}))
	assert.Equal(t, map[string]any{"field": "version"}, decodeJSON(t, buf).Error.Details)

	buf.Reset()
	f = &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Error(ErrCodeConfig, "invalid options", "version"))
	assert.Equal(t, "Error [E_CONFIG]: invalid options\n", buf.String(), "details only in verbose mode")

	buf.Reset()
	f.Verbose = true
	require.NoError(t, f.Error(ErrCodeConfig, "invalid options", "version"))
	assert.Equal(t, "Error [E_CONFIG]: invalid options\nDetails: version\n", buf.String())
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success("Options valid"))
	require.NoError(t, f.Success(map[string]any{"b": 1, "a": []any{"x<y"}}))
	assert.Equal(t, "Options valid\n"+`{"a":["x<y"],"b":1}`+"\n", buf.String())
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	f.VerboseLog("fetching %s", "configuration")
	assert.Empty(t, diag.String())

	f.Verbose = true
	f.VerboseLog("fetching %s", "configuration")
	assert.Equal(t, "fetching configuration\n", diag.String())
	assert.Empty(t, out.String())

	f.ErrWriter = nil
	f.VerboseLog("fallback")
	assert.Equal(t, "fallback\n", out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "failed", assert.AnError)))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))

	err := WrapExitError(ExitCommandError, "failed to load", assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "failed to load: "+assert.AnError.Error(), err.Error())
}
