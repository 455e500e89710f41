package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/evolv/internal/harness"
)

// errGoldenMismatch marks a trace that differs from its golden file.
var errGoldenMismatch = errors.New("golden file mismatch (run with --update to regenerate)")

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool
	Filter string // glob matched against the scenario file name without extension
}

// ScenarioResult is the verdict for one scenario file.
type ScenarioResult struct {
	Name    string   `json:"name"`
	Pass    bool     `json:"pass"`
	Updated bool     `json:"updated,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// TestResult summarizes a test run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run every scenario in a directory",
		Long: `Run every scenario file in a directory, checking assertions and, when a
golden file exists, the exact trace.

Golden files live in a "golden" directory next to the scenarios directory:
testdata/scenarios/x.yaml is compared against testdata/golden/x.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing directory, bad filter)

Examples:
  evolv test ./testdata/scenarios
  evolv test ./testdata/scenarios --filter "registry_*"
  evolv test ./testdata/scenarios --update
  evolv test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); err != nil {
		return WrapExitError(ExitCommandError, "scenarios directory not readable", err)
	}
	files, err := scenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list scenarios", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	w := cmd.OutOrStdout()
	summary := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		res := checkScenario(file, opts.Update, logger)
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.Scenarios = append(summary.Scenarios, res)
		if opts.Format != "json" {
			printScenario(w, res)
		}
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: w, ErrWriter: cmd.ErrOrStderr()}
	if summary.Failed == 0 {
		if opts.Format == "json" {
			return formatter.Success(summary)
		}
		printSummary(w, summary)
		return nil
	}

	message := fmt.Sprintf("%d scenario(s) failed", summary.Failed)
	if opts.Format == "json" {
		if err := formatter.Failure(summary, "E_TEST_FAILED", message); err != nil {
			return err
		}
	} else {
		printSummary(w, summary)
	}
	return NewExitError(ExitFailure, message)
}

// scenarioFiles lists the YAML files under dir in lexical order.
func scenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// checkScenario loads, runs and checks one scenario file. Load and run
// failures are reported as a failed scenario, not a command error.
func checkScenario(file string, update bool, logger *slog.Logger) ScenarioResult {
	res := ScenarioResult{Name: strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))}
	fail := func(format string, args ...any) ScenarioResult {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
		return res
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail("load: %v", err)
	}
	res.Name = scenario.Name

	result, err := harness.RunWithLogger(scenario, logger)
	if err != nil {
		return fail("run: %v", err)
	}

	trace, err := harness.MarshalTrace(scenario.Name, result.Trace)
	if err != nil {
		return fail("marshal trace: %v", err)
	}
	golden := goldenFilePath(file)
	if update {
		if err := writeGolden(golden, trace); err != nil {
			return fail("update golden: %v", err)
		}
		res.Updated = true
	} else if err := compareGolden(golden, trace); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.Errors = append(res.Errors, result.Errors...)
	res.Pass = len(res.Errors) == 0
	return res
}

// goldenFilePath maps dir/scenarios/x.yaml to dir/golden/x.golden.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(filepath.Dir(scenarioFile)), "golden", name+".golden")
}

func writeGolden(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, trace, 0644)
}

// compareGolden checks trace against the golden file at path. A missing
// golden file is not an error: the scenario is then checked by its
// assertions alone.
func compareGolden(path string, trace []byte) error {
	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read golden: %w", err)
	}
	if !bytes.Equal(want, trace) {
		return errGoldenMismatch
	}
	return nil
}

func printScenario(w io.Writer, res ScenarioResult) {
	switch {
	case res.Pass && res.Updated:
		fmt.Fprintf(w, "✓ %s (golden updated)\n", res.Name)
	case res.Pass:
		fmt.Fprintf(w, "✓ %s\n", res.Name)
	default:
		fmt.Fprintf(w, "✗ %s\n", res.Name)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}

func printSummary(w io.Writer, summary TestResult) {
	if summary.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
}
