package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tabletalk/internal/app"
	"tabletalk/internal/config"
	"tabletalk/internal/export"
	"tabletalk/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage analysis sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return runSessionsList(a)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return runSessionsShow(a, args[0])
		})
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session-id> <title>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return runSessionsRename(ctx, a, args[0], args[1])
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return runSessionsDelete(ctx, a, args[0])
		})
	},
}

var exportFormat string

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session transcript to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return runSessionsExport(a, args[0])
		})
	},
}

func init() {
	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format (json, yaml, md)")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsRenameCmd, sessionsDeleteCmd, sessionsExportCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// withApp wires config, logger and the application container around one
// session operation.
func withApp(fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	return fn(ctx, a)
}

func parseSessionID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id: %s", raw)
	}
	return id, nil
}

func runSessionsList(a *app.App) error {
	sessions := a.Store.List()
	if len(sessions) == 0 {
		fmt.Println("No sessions yet.")
		return nil
	}

	current := a.Store.Current()
	for _, sess := range sessions {
		marker := " "
		if sess.ID == current {
			marker = "*"
		}
		fmt.Printf("%s %s  %-30s %3d messages  %s\n",
			marker, sess.ID, sess.Title, len(sess.Messages), formatTime(sess.CreatedAt))
	}
	return nil
}

func runSessionsShow(a *app.App, raw string) error {
	id, err := parseSessionID(raw)
	if err != nil {
		return err
	}
	sess, err := a.Store.Get(id)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}

	fmt.Printf("Title: %s\n", sess.Title)
	fmt.Printf("Created: %s\n", formatTime(sess.CreatedAt))
	if len(sess.Context) > 0 {
		fmt.Printf("Context: %v\n", sess.Context)
	}
	fmt.Printf("Messages: %d\n\n", len(sess.Messages))

	for _, msg := range sess.Messages {
		role := "You"
		if msg.Role != session.RoleUser {
			role = "Tabletalk"
		}
		fmt.Printf("%s> %s\n", role, msg.Content)
		if msg.Result != nil {
			printResult(msg.Result)
		}
		fmt.Println()
	}
	return nil
}

func runSessionsRename(ctx context.Context, a *app.App, raw, title string) error {
	id, err := parseSessionID(raw)
	if err != nil {
		return err
	}
	if err := a.Store.Rename(ctx, id, title); err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	fmt.Println("Renamed.")
	return nil
}

func runSessionsDelete(ctx context.Context, a *app.App, raw string) error {
	id, err := parseSessionID(raw)
	if err != nil {
		return err
	}
	if err := a.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	fmt.Println("Deleted.")
	return nil
}

func runSessionsExport(a *app.App, raw string) error {
	id, err := parseSessionID(raw)
	if err != nil {
		return err
	}
	exporter, err := export.NewExporter(exportFormat)
	if err != nil {
		return err
	}
	sess, err := a.Store.Get(id)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}

	path := filepath.Join(a.Config.ExportDir,
		fmt.Sprintf("session-%s.%s", sess.ID, exporter.Extension()))
	if err := export.WriteFile(export.Snapshot(sess), exporter, path); err != nil {
		return fmt.Errorf("exporting session: %w", err)
	}
	fmt.Printf("Exported to %s\n", path)
	return nil
}
