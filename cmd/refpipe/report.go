package main

import (
	"fmt"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cmspricing/refpipe/internal/observability"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report <dataset>",
	Short: "Five-pillar observability report for a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp("", false)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Collector.Collect(args[0])
		if err != nil {
			return err
		}
		signals, err := a.Alerts.BuildSignals(args[0], report)
		if err != nil {
			return err
		}
		fired, err := a.Alerts.Check(args[0], signals)
		if err != nil {
			return err
		}
		report.Alerts = fired

		if reportJSON {
			blob, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(blob))
			return nil
		}

		fmt.Printf("dataset: %s\noverall health: %.3f\n\n", report.DatasetName, report.OverallHealthScore)
		for _, m := range report.Metrics {
			status := string(m.Status)
			switch m.Status {
			case observability.Healthy:
				status = color.GreenString(status)
			case observability.Warning:
				status = color.YellowString(status)
			case observability.Critical:
				status = color.RedString(status)
			}
			fmt.Printf("%-10s %-32s %6.3f (threshold %.2f) %s\n",
				m.Type, m.Name, m.Value, m.Threshold, status)
		}
		if len(report.Alerts) > 0 {
			fmt.Println("\nalerts fired:")
			for _, alert := range report.Alerts {
				fmt.Printf("  [%s] %s: %s\n", alert.Severity, alert.Title, alert.Description)
			}
		}
		if len(report.Recommendations) > 0 {
			fmt.Println("\nrecommendations:")
			for _, rec := range report.Recommendations {
				fmt.Println("  -", rec)
			}
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Emit the raw report JSON")
	rootCmd.AddCommand(reportCmd)
}
