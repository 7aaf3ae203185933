package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/camuschat/camus-sub000/internal/ui"
	"github.com/camuschat/camus-sub000/internal/version"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "camus",
	Short: "Room-based peer-to-peer WebRTC sessions with a built-in signaling relay",
	Long: `Camus connects everyone in a room directly over WebRTC. A small relay
("ground control") passes signaling messages and room membership between
participants; media and data flow peer to peer.

Run a relay with "camus serve" and join rooms with "camus join".`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
