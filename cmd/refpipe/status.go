package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cmspricing/refpipe/internal/models"
)

var (
	statusLimit int
	statusDays  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent ingestion batches and aggregate statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp("", false)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Runs.GetRecentRuns(statusLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no ingestion runs recorded")
			return nil
		}

		fmt.Printf("%-36s  %-16s  %-22s  %-9s  %8s  %7s\n",
			"BATCH", "DATASET", "RELEASE", "STATUS", "RECORDS", "QUALITY")
		for _, b := range runs {
			status := string(b.Status)
			switch b.Status {
			case models.StatusSuccess:
				status = color.GreenString(status)
			case models.StatusFailed, models.StatusCancelled:
				status = color.RedString(status)
			case models.StatusPartial:
				status = color.YellowString(status)
			}
			fmt.Printf("%-36s  %-16s  %-22s  %-9s  %8d  %7.3f\n",
				b.BatchID, b.DatasetName, b.ReleaseID, status, b.OutputRecordCount, b.QualityScore)
		}

		stats, err := a.Runs.GetRunStatistics(statusDays)
		if err != nil {
			return err
		}
		fmt.Printf("\nlast %d days: %d runs, %.0f%% success, avg quality %.3f, rejection rate %.3f\n",
			stats.WindowDays, stats.TotalRuns, stats.SuccessRate*100,
			stats.AvgQualityScore, stats.RejectionRate)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of recent runs to show")
	statusCmd.Flags().IntVar(&statusDays, "days", 30, "Statistics window in days")
	rootCmd.AddCommand(statusCmd)
}
