package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Per-user coordination service for code and research workers",
	Long: `courier queues each user's messages, keeps their conversation and any
pending proposal, and dispatches work to code, research and background workers.

Run "courier serve" to start the HTTP service; the other commands talk to a
running server.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultConfig := os.Getenv("COURIER_CONFIG")
	defaultServer := os.Getenv("COURIER_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:8080"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the JSON config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "base URL of a running courier server")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(usageCmd)
}
