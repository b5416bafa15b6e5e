package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRanksCmd(opts *cliOptions) *cobra.Command {
	var rerun bool
	cmd := &cobra.Command{
		Use:   "ranks",
		Short: "Extract per-token ranks from the target and shadow models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExperiment(cmd, func(ctx context.Context, e *Experiment) error {
				return e.ExtractAllRanks(ctx, rerun)
			})
		},
	}
	cmd.Flags().BoolVar(&rerun, "rerun", false, "recompute ranks already in the store")
	return cmd
}

func newAttackCmd(opts *cliOptions) *cobra.Command {
	var attacks []string
	cmd := &cobra.Command{
		Use:   "attack",
		Short: "Run membership inference attacks on the stored ranks",
		Long: fmt.Sprintf(`Run membership inference attacks on the stored ranks.

Attacks: %v`, AllAttacks),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExperiment(cmd, func(ctx context.Context, e *Experiment) error {
				results, err := e.RunAttacks(ctx, attacks)
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), e.RunID, results)
			})
		},
	}
	cmd.Flags().StringSliceVar(&attacks, "attacks", nil, "attacks to run (default: attack.attacks from the config)")
	return cmd
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	var retrain bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Train, extract ranks and attack in one go",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExperiment(cmd, func(ctx context.Context, e *Experiment) error {
				e.Retrain = retrain
				results, err := e.Run(ctx)
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), e.RunID, results)
			})
		},
	}
	cmd.Flags().BoolVar(&retrain, "retrain", false, "retrain models and recompute ranks")
	return cmd
}

// printResults writes one row per attack.
func printResults(w io.Writer, runID string, results []Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s\n", runID)
	fmt.Fprintln(tw, "ATTACK\tACCURACY\tAUC\tPRECISION\tRECALL\tTRAIN\tTEST")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%.3f\t%d\t%d\n",
			r.Name, r.Accuracy, r.AUC, r.Precision, r.Recall, r.TrainSize, r.TestSize)
	}
	return tw.Flush()
}
