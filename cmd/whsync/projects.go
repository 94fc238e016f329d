package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/whsync/internal/broadcast"
	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/models"
)

var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"gh"},
	Short:   "Use a GitHub Project as the entity store",
}

var projectsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Load every section from the project into local data",
	Args:  cobra.NoArgs,
	RunE:  runProjectsPull,
}

var projectsPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Save local data to the project",
	Args:  cobra.NoArgs,
	RunE:  runProjectsPush,
}

var projectsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background conflict-resolving sync until interrupted",
	Long: `Watch runs one sync cycle immediately and then one per
background.interval. Changes to the config file are applied without
a restart.`,
	Args: cobra.NoArgs,
	RunE: runProjectsWatch,
}

var projectsConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Run one cycle in manual mode and list the conflicts found",
	Args:  cobra.NoArgs,
	RunE:  runProjectsConflicts,
}

var projectsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Detect conflicts and resolve them with the given strategy",
	Example: `  whsync projects resolve --strategy local-wins
  whsync projects resolve --index 0 --strategy manual --data '{"code":"M1","capacity":40}'`,
	Args: cobra.NoArgs,
	RunE: runProjectsResolve,
}

var projectsClearCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop cached sections in this and other connected processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiClient.Projects.ClearCache()
		printSuccess("Projects cache cleared")
		return nil
	},
}

var (
	resolveIndex    int
	resolveStrategy string
	resolveData     string
)

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsPullCmd, projectsPushCmd, projectsWatchCmd,
		projectsConflictsCmd, projectsResolveCmd, projectsClearCmd)

	projectsResolveCmd.Flags().IntVar(&resolveIndex, "index", -1,
		"Conflict to resolve (default: all)")
	projectsResolveCmd.Flags().StringVarP(&resolveStrategy, "strategy", "s", string(models.StrategyMerge),
		"local-wins, remote-wins, merge or manual (with --data)")
	projectsResolveCmd.Flags().StringVar(&resolveData, "data", "",
		"Replacement value as JSON for manual resolution")
}

func runProjectsPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	snap, err := apiClient.PullProjects(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "counts": snap.Counts()})
		return nil
	}
	printSuccess("Pulled %d sections", len(snap.Present()))
	printCounts(snap.Counts())
	return nil
}

func runProjectsPush(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	results, err := apiClient.PushProjects(ctx)
	if jsonOutput {
		out := map[string]interface{}{"success": err == nil, "results": results}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}
	if err != nil {
		return err
	}

	for t, r := range results {
		printInfo("   %-20s +%d ~%d -%d (=%d)", t, r.Created, r.Updated, r.Deleted, r.Unchanged)
	}
	printSuccess("Push completed")
	return nil
}

func runProjectsWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Broadcast.RelayURL != "" {
		if err := apiClient.ConnectRelay(ctx, cfg.Broadcast.RelayURL); err != nil {
			printWarning("Relay unavailable, continuing in-process: %v", err)
		}
	}

	observer := apiClient.Hub.Join(broadcast.ChannelProjects, "")
	defer observer.Close()
	observer.Subscribe(func(msg broadcast.Message) {
		stamp := time.Now().Format(time.Kitchen)
		switch msg.Type {
		case broadcast.BackgroundSyncComplete:
			var p broadcast.SyncCompletePayload
			if err := msg.Decode(&p); err != nil {
				return
			}
			printInfo("%s  cycle: %d conflicts, %d auto-resolved, %d pending",
				stamp, p.Conflicts.Total, p.Conflicts.AutoResolved, p.Conflicts.Pending)
			if p.Conflicts.Pending == 0 && p.Snapshot != nil {
				if err := apiClient.StoreSnapshot(p.Snapshot, "background sync"); err != nil {
					printWarning("Failed to store reconciled data: %v", err)
				}
			}
		case broadcast.BackgroundSyncError:
			var p broadcast.SyncErrorPayload
			if err := msg.Decode(&p); err == nil {
				printWarning("%s  cycle failed [%s]: %s", stamp, p.Code, p.Error)
			}
		case broadcast.ConflictsDetected:
			var p broadcast.ConflictsPayload
			if err := msg.Decode(&p); err == nil {
				printWarning("%s  %d conflicts need manual resolution", stamp, p.Count)
			}
		}
	})

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.WithError(err).Warn("Ignoring invalid config change")
			return
		}
		if next.GitHub != cfg.GitHub {
			apiClient.Projects.Reconfigure(next.GitHub)
		}
		if err := apiClient.Projects.SetStrategy(models.Strategy(next.Background.Strategy)); err != nil {
			logger.WithError(err).Warn("Ignoring invalid strategy")
		}
		cfg = next
		printInfo("Configuration reloaded")
	})

	if err := apiClient.PrimeProjects(ctx); err != nil {
		return err
	}
	if err := apiClient.Projects.StartBackground(ctx); err != nil {
		return err
	}
	printSuccess("Watching project %s/%d (strategy %s), Ctrl+C to stop",
		cfg.GitHub.Owner, cfg.GitHub.ProjectNumber, apiClient.Projects.Strategy())

	<-ctx.Done()
	apiClient.Projects.Stop()
	return nil
}

// detect runs one cycle against local data that queues every conflict.
func detect(ctx context.Context) ([]models.Conflict, error) {
	if err := apiClient.Projects.SetStrategy(models.StrategyManual); err != nil {
		return nil, err
	}
	if _, err := apiClient.Reconcile(ctx); err != nil {
		return nil, err
	}
	return apiClient.Projects.Pending(), nil
}

func runProjectsConflicts(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	pending, err := detect(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(pending)
		return nil
	}
	if len(pending) == 0 {
		printSuccess("No conflicts")
		return nil
	}
	for i, c := range pending {
		printInfo("[%d] %s %s/%s local=%s remote=%s", i, c.Type, c.DataType, c.Key,
			formatMillis(c.LocalTime), formatMillis(c.RemoteTime))
	}
	return nil
}

func runProjectsResolve(cmd *cobra.Command, args []string) error {
	strategy := models.Strategy(resolveStrategy)
	if !strategy.IsValid() {
		return fmt.Errorf("invalid strategy %q", resolveStrategy)
	}

	var custom interface{}
	if strategy == models.StrategyManual {
		if resolveData == "" {
			return fmt.Errorf("--data is required with the manual strategy")
		}
		if err := json.Unmarshal([]byte(resolveData), &custom); err != nil {
			return fmt.Errorf("parse --data: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	pending, err := detect(ctx)
	if err != nil {
		return err
	}

	resolved := 0
	if resolveIndex >= 0 {
		if err := apiClient.Projects.ResolveConflict(ctx, resolveIndex, strategy, custom); err != nil {
			return err
		}
		resolved = 1
	} else {
		for range pending {
			if err := apiClient.Projects.ResolveConflict(ctx, 0, strategy, custom); err != nil {
				return err
			}
			resolved++
		}
	}

	if len(apiClient.Projects.Pending()) == 0 {
		if _, err := apiClient.PullProjects(ctx); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"resolved": resolved,
			"pending":  len(apiClient.Projects.Pending()),
		})
		return nil
	}
	printSuccess("Resolved %d of %d conflicts with %s", resolved, len(pending), strategy)
	return nil
}

func printCounts(counts map[models.EntityType]int) {
	for _, t := range models.AllEntityTypes() {
		if n, ok := counts[t]; ok {
			printInfo("   %-20s %d", t, n)
		}
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
