package main

import (
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/whsync/internal/github"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cloud sync and GitHub Projects status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cloud := apiClient.CloudSync.Status()
	gh := apiClient.Projects.Status()

	var views []github.View
	var viewsErr error
	if gh.Configured {
		ctx, cancel := signalContext()
		views, viewsErr = apiClient.Projects.Views(ctx)
		cancel()
	}

	if jsonOutput {
		out := map[string]interface{}{
			"cloud_sync": cloud,
			"activity":   apiClient.CloudSync.Activity(),
			"projects":   gh,
			"views":      views,
		}
		if viewsErr != nil {
			out["views_error"] = viewsErr.Error()
		}
		printJSON(out)
		return nil
	}

	bold := color.New(color.Bold)

	bold.Println("Cloud sync")
	printInfo("   Provider:    %s (configured: %t)", cloud.Provider, cloud.Configured)
	if !cloud.LastSync.IsZero() {
		printInfo("   Last sync:   %s %s (%s)", cloud.LastDirection, cloud.LastSyncStatus,
			cloud.LastSync.Local().Format(time.DateTime))
	} else {
		printInfo("   Last sync:   never")
	}
	printInfo("   Unsynced:    %d changes", cloud.Unsynced)
	for _, e := range cloud.RecentErrors {
		printWarning("   %s  %s", e.Timestamp.Local().Format(time.DateTime), e.Message)
	}

	bold.Println("GitHub Projects")
	printInfo("   Project:     %s/%d (configured: %t)", cfg.GitHub.Owner, cfg.GitHub.ProjectNumber, gh.Configured)
	printInfo("   Strategy:    %s", gh.Strategy)
	for _, v := range views {
		printInfo("   View #%d:     %s (%s)", v.Number, v.Name, strings.ToLower(strings.TrimSuffix(v.Layout, "_LAYOUT")))
	}
	if viewsErr != nil {
		printWarning("   Views unavailable: %v", viewsErr)
	}
	printInfo("   Rate limit:  %d/%d remaining", gh.RateLimit.Remaining, gh.RateLimit.Quota)
	return nil
}
