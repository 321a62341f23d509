package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/blackcoderx/forge/pkg/config"
	"github.com/blackcoderx/forge/pkg/storage"
	"github.com/blackcoderx/forge/pkg/workspace"
)

var initFlags struct {
	yes     bool
	baseURL string
	example bool
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .forge workspace in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		opts := workspace.Options{
			Environment: cfg.Environment,
			BaseURL:     initFlags.baseURL,
			StoreDriver: cfg.Store.Driver,
			Example:     initFlags.example,
		}
		if !initFlags.yes {
			if err := askInit(&opts); err != nil {
				return err
			}
		}

		res, err := workspace.Init(cfg.Workspace, opts)
		if err != nil {
			return err
		}
		if res.Existed && len(res.Created) == 0 {
			fmt.Println(dimStyle.Render(cfg.Workspace + " is already initialized"))
			return nil
		}
		for _, path := range res.Created {
			fmt.Println(passStyle.Render("created ") + path)
		}
		fmt.Println()
		fmt.Println("Add requests under " + accentStyle.Render(cfg.Workspace+"/requests") + " and run " + accentStyle.Render("forge execute <id>"))
		return nil
	},
}

func askInit(opts *workspace.Options) error {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:3000"
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Environment name").
				Value(&opts.Environment).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("environment is required")
					}
					if s == storage.GlobalEnvironment {
						return errors.New(`"global" is reserved`)
					}
					return nil
				}),
			huh.NewInput().
				Title("Base URL of the API").
				Placeholder("http://localhost:3000").
				Value(&opts.BaseURL).
				Validate(func(s string) error {
					u, err := url.Parse(s)
					if err != nil || u.Scheme == "" || u.Host == "" {
						return errors.New("enter an absolute URL")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Where should implementations and results be stored?").
				Options(
					huh.NewOption("SQLite file in the workspace", "sqlite"),
					huh.NewOption("Redis", "redis"),
					huh.NewOption("Memory (lost on exit)", "memory"),
				).
				Value(&opts.StoreDriver),
			huh.NewConfirm().
				Title("Add an example request?").
				Value(&opts.Example),
		),
	)
	return form.Run()
}

func init() {
	initCmd.Flags().BoolVarP(&initFlags.yes, "yes", "y", false, "skip the prompts and use flags and defaults")
	initCmd.Flags().StringVar(&initFlags.baseURL, "base-url", "", "baseUrl for the new environment")
	initCmd.Flags().BoolVar(&initFlags.example, "example", true, "add an example request")
	rootCmd.AddCommand(initCmd)
}
