package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"finetune/internal/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded training runs, or the epochs of one run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		runID, _ := cmd.Flags().GetString("run")

		store, err := runlog.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()

		if runID != "" {
			if _, err := store.GetRun(cmd.Context(), runID); err != nil {
				return err
			}
			epochs, err := store.Epochs(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "EPOCH\tTRAIN\tLM\tCLF\tVAL\tACC\tLR\tTOOK\t")
			for _, m := range epochs {
				fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%.4f\t%s\t%s\t%.2e\t%s\t%s\n", m.Epoch, m.TrainLoss, m.LMLoss, m.ClfLoss,
					optional(m.ValLoss, "%.4f"), optional(m.ValAccuracy, "%.3f"), m.LearningRate,
					m.Duration.Round(time.Millisecond), marker(m.Improved))
			}
			return nil
		}

		runs, err := store.ListRuns(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "RUN\tKIND\tSTATUS\tSTARTED\tEXAMPLES\tBEST\tOUTPUT")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.Kind, r.Status, humanize.Time(r.StartedAt),
				r.Examples, r.BestEpoch, r.Output)
		}
		return nil
	},
}

func optional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func marker(improved bool) string {
	if improved {
		return "*"
	}
	return ""
}

func init() {
	runsCmd.Flags().String("db", "runs.db", "SQLite run registry")
	runsCmd.Flags().String("run", "", "show the epochs of this run")
	rootCmd.AddCommand(runsCmd)
}
