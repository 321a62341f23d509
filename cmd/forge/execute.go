package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackcoderx/forge/pkg/service"
)

var executeFlags struct {
	set     []string
	timeout time.Duration
	json    bool
}

var executeCmd = &cobra.Command{
	Use:   "execute <request-id>",
	Short: "Execute a saved request and check its assertions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := parseOverrides(executeFlags.set)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			out, err := a.svc.ExecuteRequest(ctx, service.ExecuteInput{
				RequestID: args[0],
				Overrides: overrides,
				Timeout:   executeFlags.timeout,
			})
			if err != nil {
				return err
			}
			if executeFlags.json {
				if err := printJSON(out); err != nil {
					return err
				}
			} else {
				markdown(os.Stdout, executeMarkdown(args[0], out))
			}
			if out.Failed() {
				return exitError{code: 1}
			}
			return nil
		})
	},
}

func init() {
	executeCmd.Flags().StringArrayVar(&executeFlags.set, "set", nil, "override a variable (name=value), repeatable")
	executeCmd.Flags().DurationVar(&executeFlags.timeout, "timeout", 0, "request timeout (default from config)")
	executeCmd.Flags().BoolVar(&executeFlags.json, "json", false, "print the raw result as JSON")
	rootCmd.AddCommand(executeCmd)
}

// parseOverrides turns name=value flags into a map.
func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --set %q (want name=value)", p)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

func executeMarkdown(id string, out *service.ExecuteOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", id)
	if out.ErrorKind != "" {
		fmt.Fprintf(&sb, "**Network error** `%s`: %s\n\n", out.ErrorKind, out.Error)
	} else {
		fmt.Fprintf(&sb, "**Status:** %d | **Latency:** %dms | **Size:** %d bytes\n\n", out.StatusCode, out.LatencyMs, out.Size)
	}
	fmt.Fprintf(&sb, "**Tests:** %s\n\n", out.TestStatus)

	if len(out.Assertions) > 0 {
		sb.WriteString("| Field | Operator | Expected | Actual | Result |\n|---|---|---|---|---|\n")
		for _, a := range out.Assertions {
			fmt.Fprintf(&sb, "| %s | %s | %v | %v | %s |\n", cell(a.Field), a.Operator, cellAny(a.Expected), cellAny(a.Actual), a.Outcome)
		}
		sb.WriteString("\n")
	}
	if out.Summary != "" {
		sb.WriteString("## Error summary\n\n" + codeBlock("", out.Summary))
	}
	if out.Body != "" {
		lang := ""
		if json.Valid([]byte(out.Body)) {
			lang = "json"
		}
		body := out.Body
		if len(body) > 4000 {
			body = body[:4000] + "\n..."
		}
		sb.WriteString("## Body\n\n" + codeBlock(lang, body))
		if out.Truncated {
			sb.WriteString("\n_body truncated_\n")
		}
	}
	fmt.Fprintf(&sb, "\n_correlation id %s_\n", out.CorrelationID)
	return sb.String()
}

func cell(s string) string { return strings.ReplaceAll(s, "|", "\\|") }

func cellAny(v any) string {
	if v == nil {
		return ""
	}
	return cell(fmt.Sprint(v))
}
