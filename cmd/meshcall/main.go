// Command meshcall is a terminal client for the meshcall signaling server:
// it lists rooms and joins calls as a full mesh participant, negotiating a
// WebRTC connection with every other member.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagServer string

var rootCmd = &cobra.Command{
	Use:   "meshcall",
	Short: "Terminal client for meshcall video rooms",
	Long: `Meshcall connects to a meshcall signaling server, joins a room and
negotiates a WebRTC connection with every other participant. Media
handling is up to the embedding application; this client keeps the
mesh alive and prints room and transport events.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "Base URL of the signaling server")

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
