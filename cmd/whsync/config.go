package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/whsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{standalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "whsync.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s exists, use --force to overwrite", path)
		}
		if err := config.SaveExample(path); err != nil {
			return err
		}
		printSuccess("Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration without secrets",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{standalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		shown.GitHub.Token = mask(shown.GitHub.Token)
		shown.CloudSync.Gist.Token = mask(shown.CloudSync.Gist.Token)
		shown.CloudSync.Server.AuthValue = mask(shown.CloudSync.Server.AuthValue)

		if path := loader.Path(); path != "" && !jsonOutput {
			printInfo("# %s", path)
		}
		printJSON(shown)
		return nil
	},
}

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite an existing file")
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
