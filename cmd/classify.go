package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/floodwatch/floodwatch-cli/internal/risk"
)

var classifyCity int64

var classifyCmd = &cobra.Command{
	Use:   "classify [mm...]",
	Short: "Classify a precipitation series",
	Long:  "Prints the maximum window sum and warning level for the given daily values (mm), or for a stored city series with --city.",
	Example: `  floodwatch classify 0 0 0 0 50
  floodwatch classify --city 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var values []float64
		if classifyCity != 0 {
			if len(args) > 0 {
				return eris.New("pass either values or --city, not both")
			}
			if err := cfg.Validate("migrate"); err != nil {
				return err
			}
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if values, err = st.SeriesFor(cmd.Context(), classifyCity); err != nil {
				return eris.Wrapf(err, "series for city %d", classifyCity)
			}
		} else {
			var err error
			if values, err = parseSeries(args); err != nil {
				return err
			}
		}

		printClassification(os.Stdout, cfg.Risk, values)
		return nil
	},
}

func init() {
	classifyCmd.Flags().Int64Var(&classifyCity, "city", 0, "classify the stored series of this city id")
	rootCmd.AddCommand(classifyCmd)
}

func parseSeries(args []string) ([]float64, error) {
	values := make([]float64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, eris.Errorf("invalid precipitation value %q", a)
		}
		values = append(values, v)
	}
	return values, nil
}

func printClassification(out io.Writer, t risk.Thresholds, values []float64) {
	sum := risk.MaxWindowSum(values, t.Window)
	_, _ = fmt.Fprintf(out, "values:      %v\n", values)
	_, _ = fmt.Fprintf(out, "max window:  %.2f mm\n", sum)
	_, _ = fmt.Fprintf(out, "level:       %s\n", t.Classify(values))
}
