package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackcoderx/forge/pkg/config"
	"github.com/blackcoderx/forge/pkg/registry"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect code generation templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active template set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		var src registry.Source = registry.EmbeddedSource{}
		if cfg.TemplatesDir != "" {
			src = registry.DirSource{Dir: cfg.TemplatesDir}
		}
		set, err := registry.Load(src, nil)
		if err != nil {
			return err
		}
		printSet(set)
		return nil
	},
}

var templatesCheckCmd = &cobra.Command{
	Use:   "check <dir>",
	Short: "Validate a template directory before pointing templates.dir at it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := registry.Load(registry.DirSource{Dir: args[0]}, nil)
		if err != nil {
			return err
		}
		printSet(set)
		if len(set.Orphans()) > 0 {
			fmt.Println(warnStyle.Render("warning: ") + "files not referenced by the manifest: " + strings.Join(set.Orphans(), ", "))
		}
		fmt.Println(passStyle.Render("OK"))
		return nil
	},
}

func printSet(set *registry.Set) {
	fmt.Printf("%s %s\n", accentStyle.Render(set.Source), dimStyle.Render("v"+set.Version.String()))
	for _, t := range set.Templates() {
		line := fmt.Sprintf("  %-12s %-8s", t.Language, t.Component)
		if t.Description != "" {
			line += " " + dimStyle.Render(t.Description)
		}
		fmt.Println(line)
	}
}

func init() {
	templatesCmd.AddCommand(templatesListCmd, templatesCheckCmd)
	rootCmd.AddCommand(templatesCmd)
}
