package cli

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/evolv/internal/client"
	"github.com/roach88/evolv/internal/config"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config      string
	Environment string
	Endpoint    string
	Database    string
	Context     string
	Confirm     bool
	Metrics     bool
	Timeout     time.Duration

	// Deps overrides client collaborators (for testing).
	Deps client.Deps
}

// RunResult is the JSON payload of the run command.
type RunResult struct {
	Evaluation
	Confirmed []string           `json:"confirmed,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve a participant against a live environment",
		Long: `Fetch configuration and allocations for a participant from the
participant endpoint and print the active keys and effective genome.

The participant id is persisted in the configured storage, so repeated runs
against an SQLite database keep the same uid. With --confirm the active
allocations are confirmed and the beacon is flushed before exit. With
--metrics the fetch and beacon counters are printed after the result.

Examples:
  evolv run --environment abc123
  evolv run --config options.yaml --db ./evolv.db --confirm --metrics`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to options YAML")
	cmd.Flags().StringVar(&opts.Environment, "environment", "", "environment id (overrides options file)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "participant endpoint (overrides options file)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for identity and payload cache")
	cmd.Flags().StringVar(&opts.Context, "context", "", "path to context YAML/JSON")
	cmd.Flags().BoolVar(&opts.Confirm, "confirm", false, "confirm active allocations")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print fetch and beacon counters")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "time allowed for fetching")

	return cmd
}

func (o *RunOptions) options() (config.Options, error) {
	var options config.Options
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return options, err
		}
		options = loaded
	}
	if o.Environment != "" {
		options.Environment = o.Environment
	}
	if o.Endpoint != "" {
		options.Endpoint = o.Endpoint
	}
	if o.Database != "" {
		options.Storage = config.Storage{Kind: config.StorageSQLite, Path: o.Database}
	}
	if o.Confirm {
		options.Beacon.Enabled = true
	}
	options = options.WithDefaults()
	return options, options.Validate()
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	options, err := opts.options()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid options", err)
	}
	ctxFile, err := loadContextFile(opts.Context)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load context", err)
	}

	deps := opts.Deps
	if deps.Logger == nil {
		deps.Logger = logger
	}
	c, err := client.New(options, deps)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create client", err)
	}
	defer c.Destroy()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	formatter.VerboseLog("Fetching %s for environment %s", options.Endpoint, options.Environment)
	if err := c.Initialize(ctx, ctxFile.Remote, ctxFile.Local); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize client", err)
	}

	evaluation, err := evaluateOnce(ctx, c, options.ActiveKeyPrefix, opts.Timeout)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve", err)
	}

	result := RunResult{Evaluation: evaluation}
	if opts.Confirm {
		c.Confirm()
		result.Confirmed = c.Confirmations()
		formatter.VerboseLog("Confirmed %d experiment(s)", len(result.Confirmed))
	}
	if opts.Metrics {
		snap, err := c.Metrics().Snapshot()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to gather metrics", err)
		}
		result.Metrics = snap
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, evaluation.String())
	if opts.Confirm {
		fmt.Fprintf(formatter.Writer, "confirmed: %v\n", result.Confirmed)
	}
	if opts.Metrics {
		fmt.Fprintln(formatter.Writer, "metrics:")
		for _, name := range slices.Sorted(maps.Keys(result.Metrics)) {
			fmt.Fprintf(formatter.Writer, "  %s %g\n", name, result.Metrics[name])
		}
	}
	return nil
}
