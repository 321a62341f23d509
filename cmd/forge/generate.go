package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/service"
)

var generateFlags struct {
	component string
	mode      string
	set       []string
	output    string
	json      bool
	verify    bool
}

var generateCmd = &cobra.Command{
	Use:   "generate <request-id> <language>",
	Short: "Generate code for a saved request",
	Long: `Generate source code that sends the saved request. Languages: curl, python,
javascript, go. Reference mode (default) reads variables from the environment
at runtime; literal mode embeds resolved values, secrets included.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := parseOverrides(generateFlags.set)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			out, err := a.svc.GenerateImplementation(ctx, service.GenerateInput{
				RequestID: args[0],
				Language:  args[1],
				Component: generateFlags.component,
				Mode:      model.Mode(generateFlags.mode),
				Overrides: overrides,
			})
			if err != nil {
				return err
			}

			if generateFlags.output != "" {
				if err := os.WriteFile(generateFlags.output, []byte(out.Source), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", generateFlags.output, err)
				}
			}

			var test *service.TestOutput
			if generateFlags.verify {
				test, err = a.svc.TestImplementation(ctx, service.TestInput{
					RequestID: args[0],
					Language:  args[1],
					Component: generateFlags.component,
					Overrides: overrides,
				})
				if err != nil {
					return err
				}
			}

			if generateFlags.json {
				return printJSON(map[string]any{"implementation": out, "test": test})
			}
			switch {
			case generateFlags.output != "":
				fmt.Println(dimStyle.Render("wrote " + generateFlags.output))
			default:
				markdown(os.Stdout, codeBlock(args[1], out.Source))
			}
			fmt.Printf("%s v%d  validation %s", accentStyle.Render(args[0]+"/"+args[1]+"/"+generateFlags.component), out.Version, badge(string(out.Validation)))
			if out.Reason != "" {
				fmt.Print(dimStyle.Render("  " + out.Reason))
			}
			fmt.Println()
			if test != nil {
				printTest(test)
				if test.TestStatus != model.HarnessPass {
					return exitError{code: 1}
				}
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <request-id> <language>",
	Short: "Replay a generated implementation in a sandbox and compare the request it sends",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := parseOverrides(generateFlags.set)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			out, err := a.svc.TestImplementation(ctx, service.TestInput{
				RequestID: args[0],
				Language:  args[1],
				Component: generateFlags.component,
				Overrides: overrides,
			})
			if err != nil {
				return err
			}
			if generateFlags.json {
				if err := printJSON(out); err != nil {
					return err
				}
			} else {
				printTest(out)
			}
			if out.TestStatus != model.HarnessPass {
				return exitError{code: 1}
			}
			return nil
		})
	},
}

func printTest(out *service.TestOutput) {
	fmt.Printf("harness %s", badge(string(out.TestStatus)))
	if out.Reason != "" {
		fmt.Print(dimStyle.Render("  " + out.Reason))
	}
	fmt.Println()
	if len(out.Mismatches) == 0 && out.Diff == "" {
		return
	}
	var sb strings.Builder
	for _, m := range out.Mismatches {
		fmt.Fprintf(&sb, "- **%s**: expected `%s`, captured `%s`\n", m.Field, m.Expected, m.Actual)
	}
	if out.Diff != "" {
		sb.WriteString("\n" + codeBlock("diff", out.Diff))
	}
	markdown(os.Stdout, sb.String())
}

func init() {
	for _, c := range []*cobra.Command{generateCmd, verifyCmd} {
		c.Flags().StringVarP(&generateFlags.component, "component", "c", "full", "template component (full or snippet)")
		c.Flags().StringArrayVar(&generateFlags.set, "set", nil, "override a variable (name=value), repeatable")
		c.Flags().BoolVar(&generateFlags.json, "json", false, "print the result as JSON")
		rootCmd.AddCommand(c)
	}
	generateCmd.Flags().StringVarP(&generateFlags.mode, "mode", "m", string(model.ModeReference), "variable mode (reference or literal)")
	generateCmd.Flags().StringVarP(&generateFlags.output, "output", "o", "", "write the source to a file")
	generateCmd.Flags().BoolVar(&generateFlags.verify, "verify", false, "replay the generated code in a sandbox")
}
