package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// ===========================================================================
// RESULT INSPECTION
// ===========================================================================
//
// Both commands only read the artifact store; neither loads a model.
//
//   nmtaudit results [--run ID]
//   nmtaudit roc [--run ID] [--format ascii|csv|gnuplot] [--output FILE]
//
// The gnuplot output is a script; render it with `gnuplot roc.gp`.
//
// ===========================================================================

func newResultsCmd(opts *cliOptions) *cobra.Command {
	var (
		runID  string
		report bool
	)
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List stored attack results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(s *Store) error {
				stored, err := s.ListResults(cmd.Context(), runID)
				if err != nil {
					return err
				}
				return printStoredResults(cmd.OutOrStdout(), stored, report)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "only this run (default: all runs)")
	cmd.Flags().BoolVar(&report, "report", false, "print the per-class classification report")
	return cmd
}

func printStoredResults(w io.Writer, stored []StoredResult, report bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCREATED\tATTACK\tACCURACY\tAUC\tPRECISION\tRECALL")
	for _, r := range stored {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%.3f\t%.3f\t%.3f\n",
			r.RunID, r.CreatedAt.Local().Format(time.DateTime), r.Name, r.Accuracy, r.AUC, r.Precision, r.Recall)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if report {
		for _, r := range stored {
			fmt.Fprintf(w, "\n%s / %s\n%s", r.RunID, r.Name, r.Report)
		}
	}
	return nil
}

func newROCCmd(opts *cliOptions) *cobra.Command {
	var (
		runID  string
		output string
		vc     = DefaultVisualizationConfig()
	)
	cmd := &cobra.Command{
		Use:   "roc",
		Short: "Print or export the ROC curves of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(s *Store) error {
				results, err := loadRunResults(cmd.Context(), s, runID)
				if err != nil {
					return err
				}
				if output == "" {
					return GenerateVisualization(cmd.OutOrStdout(), results, vc)
				}
				return writeFile(output, func(w io.Writer) error {
					return GenerateVisualization(w, results, vc)
				})
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id (default: latest run)")
	cmd.Flags().StringVar(&vc.Format, "format", vc.Format, "ascii, csv or gnuplot")
	cmd.Flags().IntVar(&vc.Width, "width", vc.Width, "plot width in characters")
	cmd.Flags().IntVar(&vc.Height, "height", vc.Height, "plot height in characters")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// writeFile creates path, writes it through fn and reports the close error
// along with any write error.
func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return fn(f)
}

// loadRunResults returns the results of runID, or of the latest run.
func loadRunResults(ctx context.Context, s *Store, runID string) ([]Result, error) {
	if runID == "" {
		id, err := s.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		runID = id
	}
	stored, err := s.ListResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: %s has no results", ErrRunNotFound, runID)
	}
	results := make([]Result, len(stored))
	for i, r := range stored {
		results[i] = r.Result
	}
	return results, nil
}
