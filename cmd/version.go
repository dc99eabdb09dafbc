package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tabletalk/internal/config"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "development"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and configuration information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(_ *cobra.Command, _ []string) error {
	fmt.Printf("Tabletalk %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("Configuration:")
	fmt.Printf("  Backend: %s\n", cfg.BackendURL)
	fmt.Printf("  Live channel: %s\n", cfg.LiveURL)
	fmt.Printf("  Persistence: %t\n", cfg.PersistenceEnabled)
	if cfg.PersistenceEnabled {
		fmt.Printf("  Postgres: %s:%d/%s\n", cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDBName)
	}
	fmt.Printf("  Export directory: %s\n", cfg.ExportDir)
	fmt.Printf("  Tracing: %t\n", cfg.Tracing.Enabled)
	return nil
}
