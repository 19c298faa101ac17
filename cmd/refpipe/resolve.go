package main

import (
	"fmt"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cmspricing/refpipe/internal/resolver"
)

var (
	resolveUseNBER bool
	resolveRadius  float64
	resolveTrace   bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <zip>",
	Short: "Find the nearest non-PO-Box ZIP5 in the same state",
	Args:  cobra.ExactArgs(1),
	Example: `  refpipe resolve 94107
  refpipe resolve 94107-1234 --trace
  refpipe resolve 96150 --max-radius 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp("", false)
		if err != nil {
			return err
		}
		defer a.Close()

		// Flags left at their defaults defer to the config file.
		if !cmd.Flags().Changed("use-nber") {
			resolveUseNBER = a.Cfg.Resolver.UseNBER
		}
		if !cmd.Flags().Changed("max-radius") {
			resolveRadius = a.Cfg.Resolver.MaxRadiusMiles
		}

		result, err := a.Resolver.FindNearestZip(resolver.Request{
			Zip:            args[0],
			UseNBER:        resolveUseNBER,
			MaxRadiusMiles: resolveRadius,
			IncludeTrace:   resolveTrace,
		})
		if err != nil {
			return err
		}

		fmt.Printf("input:    %s\n", result.InputZip)
		fmt.Printf("nearest:  %s\n", color.GreenString(result.NearestZip))
		fmt.Printf("distance: %.2f miles\n", result.DistanceMiles)
		if resolveTrace && result.Trace != nil {
			blob, err := json.MarshalIndent(result.Trace, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(blob))
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveUseNBER, "use-nber", true, "Use the NBER distance fast path")
	resolveCmd.Flags().Float64Var(&resolveRadius, "max-radius", 100, "Maximum search radius in miles")
	resolveCmd.Flags().BoolVar(&resolveTrace, "trace", false, "Print the structured resolution trace")
	rootCmd.AddCommand(resolveCmd)
}
