package main

import (
	"fmt"
	"os"

	"github.com/blang/semver"
	"github.com/charmbracelet/huh"
	"github.com/rhysd/go-github-selfupdate/selfupdate"
	"github.com/spf13/cobra"
)

const releaseRepo = "blackcoderx/forge"

func init() {
	updateCmd.Flags().BoolP("yes", "y", false, "update without asking")
	rootCmd.AddCommand(updateCmd)
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update forge to the latest release",
	RunE: func(cmd *cobra.Command, args []string) error {
		if version == "dev" {
			fmt.Println("You are running a development build of forge. Update is not supported.")
			return nil
		}
		current, err := semver.ParseTolerant(version)
		if err != nil {
			return fmt.Errorf("failed to parse current version %q: %w", version, err)
		}

		latest, found, err := selfupdate.DetectLatest(releaseRepo)
		if err != nil {
			return fmt.Errorf("failed to detect latest version: %w", err)
		}
		if !found || latest.Version.LTE(current) {
			fmt.Println("Current version is the latest")
			return nil
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			confirm := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Update from %s to %s?", current, latest.Version)).
				Value(&confirm).
				Run()
			if err != nil || !confirm {
				return err
			}
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("could not locate executable path: %w", err)
		}
		if err := selfupdate.UpdateTo(latest.AssetURL, exe); err != nil {
			return fmt.Errorf("failed to update binary: %w", err)
		}
		fmt.Println(passStyle.Render("Successfully updated to version " + latest.Version.String()))
		return nil
	},
}
