package main

import (
	"context"

	"github.com/spf13/cobra"
)

// ===========================================================================
// TRAINING COMMANDS
// ===========================================================================
//
// train-target   one model on the members' sentences; writes the model, the
//                source/target vocabularies and the member roster
// train-shadows  Shadow.Count models on samples of the attacker pool,
//                trained concurrently, sharing the target's vocabularies
//
// Existing checkpoints are kept unless --retrain is given, so an
// interrupted shadow run picks up where it stopped.
//
// ===========================================================================

func newTrainTargetCmd(opts *cliOptions) *cobra.Command {
	var retrain bool
	cmd := &cobra.Command{
		Use:   "train-target",
		Short: "Train the target translation model on member users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExperiment(cmd, func(ctx context.Context, e *Experiment) error {
				e.Retrain = retrain
				return e.TrainTarget(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&retrain, "retrain", false, "train even if the checkpoint exists")
	return cmd
}

func newTrainShadowsCmd(opts *cliOptions) *cobra.Command {
	var retrain bool
	cmd := &cobra.Command{
		Use:   "train-shadows",
		Short: "Train shadow models on samples of the attacker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExperiment(cmd, func(ctx context.Context, e *Experiment) error {
				e.Retrain = retrain
				return e.TrainShadows(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&retrain, "retrain", false, "train even if checkpoints exist")
	return cmd
}
