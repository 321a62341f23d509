package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackcoderx/forge/pkg/service"
)

var analyticsFlags struct {
	since time.Duration
	start string
	end   string
	json  bool
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics <request-id>",
	Short: "Show success rate and latency percentiles for a request",
	Long: `Show the rollup for a request over a time range. Results stored by earlier
runs are replayed first, so the numbers cover every execution within retention.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := analyticsRange()
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			if _, err := a.svc.Warm(ctx); err != nil {
				return err
			}
			r, err := a.svc.GetAnalytics(ctx, args[0], start, end)
			if err != nil {
				return err
			}
			if analyticsFlags.json {
				return printJSON(r)
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "# %s\n\n", args[0])
			fmt.Fprintf(&sb, "%s to %s\n\n", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
			sb.WriteString("| Count | Success | Failure | Success rate | p50 | p95 | p99 |\n|---|---|---|---|---|---|---|\n")
			fmt.Fprintf(&sb, "| %d | %d | %d | %.1f%% | %.0fms | %.0fms | %.0fms |\n",
				r.Count, r.SuccessCount, r.FailureCount, r.SuccessRate*100, r.P50, r.P95, r.P99)
			markdown(os.Stdout, sb.String())
			return nil
		})
	},
}

// analyticsRange resolves --start/--end, falling back to --since before now.
func analyticsRange() (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if analyticsFlags.end != "" {
		if end, err = time.Parse(time.RFC3339, analyticsFlags.end); err != nil {
			return start, end, fmt.Errorf("%w: --end: %v", service.ErrInvalidInput, err)
		}
	}
	if analyticsFlags.start != "" {
		if start, err = time.Parse(time.RFC3339, analyticsFlags.start); err != nil {
			return start, end, fmt.Errorf("%w: --start: %v", service.ErrInvalidInput, err)
		}
	} else if analyticsFlags.since > 0 {
		ref := end
		if ref.IsZero() {
			ref = time.Now()
		}
		start = ref.Add(-analyticsFlags.since)
	}
	return start, end, nil
}

func init() {
	analyticsCmd.Flags().DurationVar(&analyticsFlags.since, "since", 0, "range length before --end (default the analytics window)")
	analyticsCmd.Flags().StringVar(&analyticsFlags.start, "start", "", "range start (RFC3339)")
	analyticsCmd.Flags().StringVar(&analyticsFlags.end, "end", "", "range end (RFC3339, default now)")
	analyticsCmd.Flags().BoolVar(&analyticsFlags.json, "json", false, "print the rollup as JSON")
	rootCmd.AddCommand(analyticsCmd)
}
