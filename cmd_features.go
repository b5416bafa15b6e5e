package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// ===========================================================================
// FEATURE PROJECTION
// ===========================================================================
//
// Projects the target users' rank-histogram features to 2D with PCA and
// writes user,member,x,y rows. If members and non-members already separate
// in two dimensions, the shadow classifier has an easy job.
//
// USAGE:
//   nmtaudit features --config exp.yaml -o projection.csv
//
// ===========================================================================

func newFeaturesCmd(opts *cliOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Write a PCA projection of the target users' attack features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withExperiment(cmd, func(ctx context.Context, e *Experiment) error {
				rows, users, labels, err := e.AttackFeatures(ctx)
				if err != nil {
					return err
				}
				points, err := ProjectFeatures(rows, users, labels)
				if err != nil {
					return fmt.Errorf("project features: %w", err)
				}
				if err := SaveProjectionCSV(output, points); err != nil {
					return err
				}
				e.Logger.Info("projection written", "path", output, "users", len(points))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "projection.csv", "output CSV path")
	return cmd
}
