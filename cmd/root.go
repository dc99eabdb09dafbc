// Package cmd provides the tabletalk CLI commands.
//
// Commands:
//   - chat: interactive conversational analysis (default)
//   - sessions: list, show, rename, delete, export sessions
//   - serve: HTTP REST API server
//   - version: build and configuration information
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tabletalk/internal/log"
)

var debugMode bool

var rootCmd = &cobra.Command{
	Use:   "tabletalk",
	Short: "Conversational data analysis sessions from your terminal",
	Long: `Tabletalk manages conversational data-analysis sessions: ask questions
in plain language, get answers backed by query results, and keep every
conversation organized in switchable sessions.

Running tabletalk without a subcommand starts interactive chat mode.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// newLogger builds the process logger honoring the --debug flag.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debugMode || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}
