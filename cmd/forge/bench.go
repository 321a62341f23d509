package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackcoderx/forge/pkg/service"
)

var benchFlags struct {
	duration time.Duration
	rps      int
	users    int
	rampUp   time.Duration
	timeout  time.Duration
	set      []string
	json     bool
}

var benchCmd = &cobra.Command{
	Use:   "bench <request-id>",
	Short: "Load test a saved request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := parseOverrides(benchFlags.set)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			if !benchFlags.json {
				fmt.Println(dimStyle.Render(fmt.Sprintf("running %s for %s at %d rps with %d users...",
					args[0], benchFlags.duration, benchFlags.rps, benchFlags.users)))
			}
			res, err := a.svc.Bench(ctx, service.BenchInput{
				RequestID: args[0],
				Overrides: overrides,
				Duration:  benchFlags.duration,
				RPS:       benchFlags.rps,
				Users:     benchFlags.users,
				RampUp:    benchFlags.rampUp,
				Timeout:   benchFlags.timeout,
			})
			if err != nil {
				return err
			}
			if benchFlags.json {
				return printJSON(res)
			}
			markdown(os.Stdout, benchMarkdown(args[0], res))
			return nil
		})
	},
}

func benchMarkdown(id string, r *service.BenchResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Load test: %s\n\n", id)
	fmt.Fprintf(&sb, "**Requests:** %d (%d ok, %d failed, %d network errors) in %s\n\n",
		r.Total, r.Succeeded, r.Failed, r.NetworkErrors, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&sb, "**Throughput:** %.1f req/s | **Error rate:** %.1f%%\n\n", r.Throughput, r.ErrorRate)

	sb.WriteString("| Min | Avg | p50 | p95 | p99 | Max |\n|---|---|---|---|---|---|\n")
	ms := func(d time.Duration) string { return d.Round(time.Millisecond).String() }
	fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %s |\n\n", ms(r.Min), ms(r.Avg), ms(r.P50), ms(r.P95), ms(r.P99), ms(r.Max))

	if len(r.StatusCodes) > 0 {
		codes := make([]int, 0, len(r.StatusCodes))
		for c := range r.StatusCodes {
			codes = append(codes, c)
		}
		sort.Ints(codes)
		sb.WriteString("| Status | Count |\n|---|---|\n")
		for _, c := range codes {
			fmt.Fprintf(&sb, "| %d | %d |\n", c, r.StatusCodes[c])
		}
	}
	return sb.String()
}

func init() {
	f := benchCmd.Flags()
	f.DurationVarP(&benchFlags.duration, "duration", "d", 10*time.Second, "test duration")
	f.IntVar(&benchFlags.rps, "rps", 10, "requests per second across all users")
	f.IntVarP(&benchFlags.users, "users", "u", 1, "concurrent users")
	f.DurationVar(&benchFlags.rampUp, "ramp-up", 0, "stagger user start over this period")
	f.DurationVar(&benchFlags.timeout, "timeout", 0, "per-request timeout (default from config)")
	f.StringArrayVar(&benchFlags.set, "set", nil, "override a variable (name=value), repeatable")
	f.BoolVar(&benchFlags.json, "json", false, "print the result as JSON")
	rootCmd.AddCommand(benchCmd)
}
