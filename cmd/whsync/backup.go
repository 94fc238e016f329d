package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/whsync/internal/datamanager"
	"github.com/TheMichaelB/whsync/internal/models"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a checksummed backup of local data",
	Example: `  whsync export
  whsync export --keep 10
  whsync export --out backup.json`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Validate and import a backup",
	Long: `Import replaces the local sections present in the backup. Without
a file the newest backup in the backup directory is used. A failed write
restores the sections that were already replaced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List stored backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackups,
}

var (
	exportKeep int
	exportOut  string
	importDry  bool
)

func init() {
	rootCmd.AddCommand(exportCmd, importCmd, backupsCmd)

	exportCmd.Flags().IntVar(&exportKeep, "keep", 0,
		"Keep only the newest N backups (0 keeps all)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "",
		"Write to this file instead of the backup directory")
	importCmd.Flags().BoolVar(&importDry, "dry-run", false,
		"Validate only")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if exportOut != "" {
		backup, err := apiClient.Data.ExportAllData(ctx)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(backup, "", "  ")
		if err != nil {
			return fmt.Errorf("encode backup: %w", err)
		}
		if err := os.WriteFile(exportOut, data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", exportOut, err)
		}
		return reportExport(exportOut, int64(len(data)), backup)
	}

	name, backup, err := apiClient.ExportBackup(ctx, exportKeep)
	if err != nil {
		return err
	}
	var size int64
	if list, err := apiClient.Backups.List(); err == nil {
		for _, b := range list {
			if b.Name == name {
				size = b.Size
			}
		}
	}
	return reportExport(name, size, backup)
}

func reportExport(name string, size int64, backup *models.Backup) error {
	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"file":     name,
			"size":     size,
			"metadata": backup.Metadata,
		})
		return nil
	}
	printSuccess("Exported %s (%s)", name, formatBytes(size))
	printCounts(backup.Metadata.Counts)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var (
		raw    []byte
		source string
		err    error
	)
	if len(args) == 1 {
		source = args[0]
		if raw, err = os.ReadFile(source); err != nil {
			return fmt.Errorf("read %s: %w", source, err)
		}
	} else {
		var backup *models.Backup
		if backup, source, err = apiClient.Backups.Latest(); err != nil {
			return fmt.Errorf("latest backup: %w", err)
		}
		if raw, err = json.Marshal(backup); err != nil {
			return fmt.Errorf("encode backup: %w", err)
		}
	}

	check := apiClient.Data.ValidateBackup(raw)
	if !check.Valid || importDry {
		if jsonOutput {
			printJSON(check)
		} else if check.Valid {
			printSuccess("%s is valid (version %s, %s)", source, check.Info.Version, check.Info.Timestamp)
			printCounts(check.Info.Counts)
		}
		if !check.Valid {
			return fmt.Errorf("invalid backup %s: %s", source, check.Error)
		}
		return nil
	}

	backup, err := datamanager.ParseBackup(raw)
	if err != nil {
		return err
	}

	result, err := apiClient.Data.ImportAllData(ctx, backup)
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(result)
	}
	if !result.Success {
		if result.RollbackData != nil && !jsonOutput {
			printWarning("Import failed, previous data restored")
		}
		return fmt.Errorf("import %s: %s", source, result.Error)
	}

	for _, t := range result.Imported {
		if err := apiClient.CloudSync.TrackChange("imported from "+source, t); err != nil {
			logger.WithError(err).Warn("Failed to record change")
		}
	}
	if !jsonOutput {
		printSuccess("Imported %d sections from %s", len(result.Imported), source)
	}
	return nil
}

func runBackups(cmd *cobra.Command, args []string) error {
	list, err := apiClient.Backups.List()
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(list)
		return nil
	}
	if len(list) == 0 {
		printInfo("No backups in %s", cfg.Storage.BackupDir)
		return nil
	}
	for _, b := range list {
		printInfo("%s  %10s  %s", b.Created.Local().Format("2006-01-02 15:04:05"), formatBytes(b.Size), b.Name)
	}
	return nil
}
