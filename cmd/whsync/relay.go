package main

import (
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/whsync/internal/broadcast"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the broadcast relay that connects whsync processes",
	Long: `Relay forwards sync notifications between processes joined to the
same channel so that a save in one process refreshes the others. Point
broadcast.relay_url at ws://<listen address>.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{standalone: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := relayAddr
		if addr == "" {
			addr = cfg.Broadcast.ListenAddr
		}

		ctx, cancel := signalContext()
		defer cancel()

		printInfo("Relay listening on %s", addr)
		return broadcast.NewRelayServer(logger).ListenAndServe(ctx, addr)
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringVar(&relayAddr, "listen", "",
		"Listen address (default: broadcast.listen_addr)")
}
