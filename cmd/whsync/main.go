package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/whsync/internal/client"
	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/events"
)

// Annotation marking commands that run without a wired client.
const standalone = "standalone"

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	loader    *config.Loader
	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "whsync",
	Short: "Sync warehouse capacity data with GitHub Projects, Gists or a custom server",
	Long: `whsync keeps the warehouse tracker data in sync across devices.

GitHub Projects acts as an entity store with background conflict
resolution; a Gist or a custom HTTP server holds full backups.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./whsync.yaml, ~/.config/whsync/whsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func setup(cmd *cobra.Command, args []string) error {
	loader = config.NewLoader(cfgFile)

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	if cmd.Annotations[standalone] != "" {
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !jsonOutput {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
