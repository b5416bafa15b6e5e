package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// cliOptions holds the persistent flags shared by every command.
type cliOptions struct {
	configPath string
	logLevel   string
	workers    int
	outDir     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "nmtaudit",
		Short: "Membership inference audit for sequence-to-sequence translation models",
		Long: `nmtaudit trains a target translation model and a fleet of shadow models
on a per-user parallel corpus, then measures how well an attacker can tell
which users' sentences were in the target's training data.

Typical flow:
  nmtaudit train-target --config exp.yaml
  nmtaudit train-shadows --config exp.yaml
  nmtaudit ranks --config exp.yaml
  nmtaudit attack --config exp.yaml
or all at once:
  nmtaudit run --config exp.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "experiment YAML file (built-in defaults when empty)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.IntVar(&opts.workers, "workers", 0, "parallel workers (0 keeps the config value)")
	pf.StringVar(&opts.outDir, "out", "", "output directory (overrides output.dir)")

	root.AddCommand(
		newTrainTargetCmd(opts),
		newTrainShadowsCmd(opts),
		newRanksCmd(opts),
		newAttackCmd(opts),
		newRunCmd(opts),
		newResultsCmd(opts),
		newROCCmd(opts),
		newFeaturesCmd(opts),
	)
	return root
}

// newLogger builds a text logger at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// config loads the experiment file and applies flag overrides.
func (o *cliOptions) config() (Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.workers > 0 {
		cfg.Compute.Workers = o.workers
	}
	if o.outDir != "" {
		cfg.Output.Dir = o.outDir
	}
	return cfg, cfg.Validate()
}

// withExperiment runs fn against a freshly opened experiment and closes it.
func (o *cliOptions) withExperiment(cmd *cobra.Command, fn func(context.Context, *Experiment) error) (err error) {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), o.logLevel)
	if err != nil {
		return err
	}
	e, err := NewExperiment(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.Close(context.WithoutCancel(cmd.Context())))
	}()
	return fn(cmd.Context(), e)
}

// withStore opens only the artifact store, for read-only commands.
func (o *cliOptions) withStore(fn func(*Store) error) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	store, err := OpenStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
