package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/roach88/evolv/internal/beacon"
	"github.com/roach88/evolv/internal/client"
	"github.com/roach88/evolv/internal/config"
	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/remote"
	"github.com/roach88/evolv/internal/store"
)

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	*RootOptions
	Configuration string
	Allocations   string
	Context       string
	Prefix        string
	UID           string
	SID           string
	Watch         bool
	Timeout       time.Duration
}

// Evaluation is the resolved view of one participant.
type Evaluation struct {
	UID         string         `json:"uid"`
	SID         string         `json:"sid"`
	ActiveKeys  []string       `json:"active_keys"`
	EntryPoints []string       `json:"entry_points"`
	Genome      map[string]any `json:"genome"`
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Resolve active keys from local payloads",
		Long: `Resolve a configuration and allocations document against a participant
context and print the active keys and effective genome.

The context file is YAML or JSON with optional "remote" and "local" layers.
With --watch the context file is re-read on every write and the active keys
are printed whenever they change.

Examples:
  evolv evaluate --configuration config.json --allocations allocations.json
  evolv evaluate --configuration config.json --allocations allocations.json --context ctx.yaml --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Configuration, "configuration", "", "path to configuration JSON (required)")
	cmd.Flags().StringVar(&opts.Allocations, "allocations", "", "path to allocations JSON (required)")
	cmd.Flags().StringVar(&opts.Context, "context", "", "path to context YAML/JSON")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", config.DefaultActiveKeyPrefix, "active key prefix")
	cmd.Flags().StringVar(&opts.UID, "uid", "cli-uid", "participant uid")
	cmd.Flags().StringVar(&opts.SID, "sid", "cli-sid", "session id")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "re-evaluate when the context file changes")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "time allowed for resolution")
	_ = cmd.MarkFlagRequired("configuration")
	_ = cmd.MarkFlagRequired("allocations")

	return cmd
}

// contextFile is the on-disk form of a participant context.
type contextFile struct {
	Remote map[string]any `yaml:"remote"`
	Local  map[string]any `yaml:"local"`
}

func loadContextFile(path string) (contextFile, error) {
	var cf contextFile
	if path == "" {
		return cf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cf, fmt.Errorf("failed to read context file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return cf, fmt.Errorf("failed to parse context file: %w", err)
	}
	return cf, nil
}

func loadStaticFetcher(configPath, allocationsPath string) (*remote.StaticFetcher, error) {
	configJSON, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	allocationsJSON, err := os.ReadFile(allocationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read allocations: %w", err)
	}
	return remote.ParseStatic(configJSON, allocationsJSON)
}

func runEvaluate(opts *EvaluateOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	fetcher, err := loadStaticFetcher(opts.Configuration, opts.Allocations)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load payloads", err)
	}
	ctxFile, err := loadContextFile(opts.Context)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load context", err)
	}

	c, err := client.New(config.Options{
		Environment:     "local",
		UID:             opts.UID,
		SID:             opts.SID,
		ActiveKeyPrefix: opts.Prefix,
	}, client.Deps{
		Fetcher: fetcher,
		Emitter: beacon.Discard{},
		Logger:  logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid options", err)
	}
	defer c.Destroy()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	if err := c.Initialize(ctx, ctxFile.Remote, ctxFile.Local); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize client", err)
	}

	evaluation, err := evaluateOnce(ctx, c, opts.Prefix, opts.Timeout)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve", err)
	}
	if err := formatter.Success(evaluation); err != nil {
		return err
	}
	if !opts.Watch {
		return nil
	}
	if opts.Context == "" {
		return NewExitError(ExitCommandError, "--watch requires --context")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping watch", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return watchContext(ctx, c, opts, ctxFile, formatter)
}

// evaluateOnce waits for the prefix to load and snapshots the result.
func evaluateOnce(ctx context.Context, c *client.Client, prefix string, timeout time.Duration) (Evaluation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	keys, err := c.GetActiveKeys(prefix).Wait(waitCtx)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{
		UID:         c.UID(),
		SID:         c.SID(),
		ActiveKeys:  keys,
		EntryPoints: nonNilStrings(c.ActiveEntryPoints()),
		Genome:      c.Store().EffectiveGenome(),
	}, nil
}

// String renders an evaluation for text output.
func (e Evaluation) String() string {
	genome, err := keypath.MarshalCanonical(e.Genome)
	if err != nil {
		genome = []byte(err.Error())
	}
	return fmt.Sprintf("uid: %s\nsid: %s\nactive keys: %v\nentry points: %v\ngenome: %s",
		e.UID, e.SID, e.ActiveKeys, e.EntryPoints, genome)
}

// watchContext re-applies the context file on every write until ctx ends.
func watchContext(ctx context.Context, c *client.Client, opts *EvaluateOptions, current contextFile, formatter *OutputFormatter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create watcher", err)
	}
	defer watcher.Close()

	// Editors often replace files on save, so watch the directory.
	target := filepath.Clean(opts.Context)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch context file", err)
	}

	cancelListen := c.ListenActiveKeys(opts.Prefix, func(ch store.Change) {
		formatter.VerboseLog("active keys changed: %v -> %v", ch.Previous, ch.Current)
		_ = formatter.Success(map[string]any{
			"active_keys": toAnySlice(ch.Current),
			"previous":    toAnySlice(ch.Previous),
		})
	})
	defer cancelListen()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		// A closed watcher ends the command.
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				formatter.VerboseLog("watch error: %v", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				next, err := loadContextFile(target)
				if err != nil {
					formatter.VerboseLog("skipping context update: %v", err)
					continue
				}
				if err := applyContext(c, current, next); err != nil {
					formatter.VerboseLog("context update failed: %v", err)
					continue
				}
				current = next
			}
		}
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// applyContext moves the client context from prev to next: removed keys
// are deleted, everything else is set.
func applyContext(c *client.Client, prev, next contextFile) error {
	uctx := c.Context()
	layers := []struct {
		prev, next map[string]any
		local      bool
	}{
		{prev.Remote, next.Remote, false},
		{prev.Local, next.Local, true},
	}
	for _, layer := range layers {
		nextFlat := keypath.Flatten(layer.next)
		for key := range keypath.Flatten(layer.prev) {
			if _, ok := nextFlat[key]; !ok {
				if _, err := uctx.Remove(key); err != nil {
					return err
				}
			}
		}
		for _, key := range keypath.SortedKeys(nextFlat) {
			if _, err := uctx.Set(key, nextFlat[key], layer.local); err != nil {
				return err
			}
		}
	}
	return nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
