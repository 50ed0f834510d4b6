package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/floodwatch/floodwatch-cli/internal/pipeline"
)

var updateJSON bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch forecasts, refresh stored precipitation and reclassify warnings",
	Long:  "Runs one pipeline update. Meant to be invoked daily by an external scheduler (cron, systemd timer, Kubernetes CronJob).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "update")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.Run(ctx)
		if err != nil {
			return err
		}

		if updateJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		formatReport(os.Stdout, report)
		return nil
	},
}

func init() {
	updateCmd.Flags().BoolVar(&updateJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(updateCmd)
}

// formatReport writes a human-readable run summary to out.
func formatReport(out io.Writer, r *pipeline.Report) {
	s := r.Stats
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", r.Duration().Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Cities attempted:\t%d\n", s.CitiesAttempted)
	_, _ = fmt.Fprintf(w, "  Succeeded:\t%d\n", s.CitiesSucceeded)
	_, _ = fmt.Fprintf(w, "  Empty:\t%d\n", s.CitiesEmpty)
	_, _ = fmt.Fprintf(w, "  Skipped:\t%d\n", s.CitiesSkipped)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", s.CitiesFailed)
	_, _ = fmt.Fprintf(w, "Records upserted:\t%d\n", s.RecordsUpserted)
	_, _ = fmt.Fprintf(w, "Records pruned:\t%d\n", s.RecordsPruned)
	_, _ = fmt.Fprintf(w, "Warning changes:\t%d cities, %d watersheds\n", s.CitiesChanged, s.WatershedsChanged)
	_ = w.Flush()

	if len(r.Changes) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tID\tNAME\tFROM\tTO")
	for _, c := range r.Changes {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", c.Kind, c.ID, c.Name, c.From, c.To)
	}
	_ = w.Flush()
}
