// cmd/attest/main.go
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ErrMissingSubcommand is returned by group commands run without a subcommand.
var ErrMissingSubcommand = errors.New("must specify a subcommand")

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:          "attest",
	Short:        "Multi-worker verification coordinator",
	SilenceUsage: true,
}

func init() {
	cobra.EnablePrefixMatching = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ATTEST_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ATTEST_SERVER", "http://localhost:8080"), "coordinator base URL for client commands")
	rootCmd.AddCommand(serveCmd, submitCmd, statusCmd, workersCmd, feedbackCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "attest failed: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
