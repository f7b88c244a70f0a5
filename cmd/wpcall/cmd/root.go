package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagServer string

var rootCmd = &cobra.Command{
	Use:   "wpcall",
	Short: "1:1 video call rooms over WebRTC",
	Long: `wpcall runs a signaling relay for private two-person call rooms and
provides a headless endpoint that can create, inspect and join them.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "Relay server URL")
}
