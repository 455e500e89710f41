package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/evolv/internal/harness"
)

// SimulateResult is the JSON payload of the simulate command.
type SimulateResult struct {
	Name   string               `json:"name"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace"`
	State  map[string]any       `json:"state"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run one page-view scenario and print its trace",
		Long: `Run a scenario file through the full runtime with a fake clock and print
every trace event followed by the final page state.

Exit codes:
  0 - All assertions held
  1 - One or more assertions failed
  2 - Command error (unreadable or invalid scenario)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runSimulate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	formatter.VerboseLog("Running scenario %s (%d steps)", scenario.Name, len(scenario.Steps))

	result, err := harness.RunWithLogger(scenario, newLogger(cmd.ErrOrStderr(), opts.Verbose))
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	if opts.Format == "json" {
		if err := formatter.Success(SimulateResult{
			Name:   scenario.Name,
			Pass:   result.Pass,
			Errors: result.Errors,
			Trace:  result.Trace,
			State:  result.State,
		}); err != nil {
			return err
		}
	} else {
		printTrace(formatter, scenario.Name, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("%d assertion(s) failed", len(result.Errors)))
	}
	return nil
}

func printTrace(f *OutputFormatter, name string, result *harness.Result) {
	w := f.Writer
	fmt.Fprintf(w, "Scenario: %s\n", name)
	for _, ev := range result.Trace {
		fmt.Fprintf(w, "%4d  %s\n", ev.Seq, describeEvent(ev))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run level:      %v\n", result.State["run_level"])
	fmt.Fprintf(w, "Classes:        %v\n", result.State["classes"])
	fmt.Fprintf(w, "Confirmations:  %v\n", result.State["confirmations"])
	fmt.Fprintf(w, "Contaminations: %v\n", result.State["contaminations"])
	if result.Pass {
		fmt.Fprintln(w, "✓ All assertions passed")
		return
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "✗ %s\n", e)
	}
}

func describeEvent(ev harness.TraceEvent) string {
	switch ev.Type {
	case harness.EventStep:
		return "step         " + ev.Step
	case harness.EventActiveKeys:
		return fmt.Sprintf("active_keys  %v (was %v)", ev.Current, ev.Previous)
	case harness.EventInvoke:
		return fmt.Sprintf("invoke       %s run=%d", ev.Key, ev.Run)
	case harness.EventSettle:
		return fmt.Sprintf("settle       %s %s", ev.Key, ev.Status)
	case harness.EventContaminate:
		return "contaminate  " + ev.Reason
	default:
		return ev.Type
	}
}
