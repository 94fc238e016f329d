package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/whsync/internal/config"
	"github.com/TheMichaelB/whsync/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload or download full backups through the cloud provider",
	Long: `Sync moves a complete backup of the local data to or from the
configured provider: a GitHub Gist or a custom HTTP server.`,
}

var syncUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Export local data and store it remotely",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(models.DirectionUpload)
	},
}

var syncDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Fetch the remote backup and import it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(models.DirectionDownload)
	},
}

var syncConfigureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Save the cloud provider settings in the state store",
	Example: `  whsync sync configure --provider gist
  whsync sync configure --provider server --upload-url https://host/up --download-url https://host/down`,
	Args: cobra.NoArgs,
	RunE: runSyncConfigure,
}

var syncClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the saved provider settings and sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.CloudSync.ClearConfiguration(); err != nil {
			return err
		}
		printSuccess("Cloud sync configuration cleared")
		return nil
	},
}

var (
	syncProvider    string
	syncToken       string
	syncGistID      string
	syncPublic      bool
	syncUploadURL   string
	syncDownloadURL string
	syncAuthHeader  string
	syncAuthValue   string
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncUploadCmd, syncDownloadCmd, syncConfigureCmd, syncClearCmd)

	f := syncConfigureCmd.Flags()
	f.StringVarP(&syncProvider, "provider", "p", config.ProviderGist,
		"Provider: gist or server")
	f.StringVar(&syncToken, "token", "",
		"Gist token (will prompt if not provided)")
	f.StringVar(&syncGistID, "gist-id", "",
		"Existing gist to use (created on first upload if empty)")
	f.BoolVar(&syncPublic, "public", false,
		"Create the gist as public")
	f.StringVar(&syncUploadURL, "upload-url", "", "Server upload URL")
	f.StringVar(&syncDownloadURL, "download-url", "", "Server download URL")
	f.StringVar(&syncAuthHeader, "auth-header", "", "Server auth header name")
	f.StringVar(&syncAuthValue, "auth-value", "", "Server auth header value")
}

func runSync(direction string) error {
	ctx, cancel := signalContext()
	defer cancel()

	result, err := apiClient.CloudSync.Sync(ctx, direction)
	if jsonOutput {
		out := map[string]interface{}{
			"success":   err == nil,
			"direction": direction,
		}
		if result != nil {
			out["result"] = result
		}
		if err != nil {
			out["error"] = err.Error()
			out["code"] = models.CodeOf(err)
		}
		printJSON(out)
		return err
	}
	if err != nil {
		return err
	}

	printSuccess("%s via %s completed in %s", direction, result.Provider, result.Duration.Round(time.Millisecond))
	for t, n := range result.Counts {
		printInfo("   %-20s %d", t, n)
	}
	if len(result.Imported) > 0 {
		printInfo("   Imported: %v", result.Imported)
	}
	return nil
}

func runSyncConfigure(cmd *cobra.Command, args []string) error {
	next := apiClient.CloudSync.Config()
	next.Enabled = true
	next.Provider = syncProvider

	switch syncProvider {
	case config.ProviderGist:
		if syncToken == "" {
			syncToken = next.Gist.Token
		}
		if syncToken == "" {
			var err error
			if syncToken, err = promptSecret("Gist token: "); err != nil {
				return fmt.Errorf("read token: %w", err)
			}
		}
		next.Gist.Token = syncToken
		if syncGistID != "" {
			next.Gist.GistID = syncGistID
		}
		if cmd.Flags().Changed("public") {
			next.Gist.Public = syncPublic
		}
	case config.ProviderServer:
		next.Server = config.ServerConfig{
			UploadURL:   syncUploadURL,
			DownloadURL: syncDownloadURL,
			AuthHeader:  syncAuthHeader,
			AuthValue:   syncAuthValue,
		}
	default:
		return fmt.Errorf("unknown provider %q", syncProvider)
	}

	if err := apiClient.CloudSync.Configure(next); err != nil {
		return err
	}
	printSuccess("Cloud sync configured for %s", syncProvider)
	return nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// signalContext is canceled on the first interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			printWarning("\nInterrupted, cancelling...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
