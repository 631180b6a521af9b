package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/cmd/modelmux/commands"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modelmux",
		Short: "Provider routing and resilience engine",
		Long: `modelmux routes inference requests across the providers bound to a
canonical model, with circuit-breaker health tracking, layered rate
limiting, and ordered failover.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	}

	rootCmd.PersistentFlags().StringP("config", "c", "config/config.yaml", "Path to configuration file")

	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewValidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
