package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tabletalk/internal/app"
	"tabletalk/internal/config"
	"tabletalk/internal/export"
	"tabletalk/internal/history"
	"tabletalk/internal/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start interactive analysis chat",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(_ *cobra.Command, _ []string) error {
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

	// Make sure there is a session to talk to.
	if a.Store.Current() == uuid.Nil {
		sess := a.Store.Create(ctx, "")
		fmt.Printf("Started session %q\n", sess.Title)
	}

	fmt.Println("Tabletalk - ask questions about your data. Type /help for commands.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println("\nGoodbye!")
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if handleCommand(ctx, a, input) {
				break
			}
			continue
		}

		askAndRender(ctx, a, input)
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// askAndRender runs one round-trip on the current session and prints the
// messages it appended.
func askAndRender(ctx context.Context, a *app.App, text string) {
	id := a.Store.Current()
	before := messageCount(a, id)

	if err := a.Coordinator.Ask(ctx, id, text); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	sess, err := a.Store.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	for _, msg := range sess.Messages[min(before, len(sess.Messages)):] {
		if msg.Role == session.RoleUser {
			continue
		}
		printMessage(msg)
	}
}

func messageCount(a *app.App, id uuid.UUID) int {
	sess, err := a.Store.Get(id)
	if err != nil {
		return 0
	}
	return len(sess.Messages)
}

// handleCommand dispatches slash commands, returning true on exit.
func handleCommand(ctx context.Context, a *app.App, input string) bool {
	parts := strings.Fields(input)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/help":
		printChatHelp()

	case "/new":
		sess := a.Store.Create(ctx, strings.Join(args, " "))
		fmt.Printf("Created session %q (%s)\n", sess.Title, sess.ID)

	case "/sessions":
		current := a.Store.Current()
		for i, sess := range a.Store.List() {
			marker := " "
			if sess.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %d. %s (%s, %d messages, %s)\n",
				marker, i+1, sess.Title, sess.ID, len(sess.Messages), formatTime(sess.CreatedAt))
		}

	case "/switch":
		if len(args) != 1 {
			fmt.Println("Usage: /switch <session-id>")
			break
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			fmt.Printf("Invalid session id: %s\n", args[0])
			break
		}
		if _, err := a.Store.Get(id); err != nil {
			fmt.Printf("Unknown session: %s\n", args[0])
			break
		}
		a.Store.SwitchTo(id)
		fmt.Println("Switched.")

	case "/rename":
		if len(args) == 0 {
			fmt.Println("Usage: /rename <title>")
			break
		}
		if err := a.Store.Rename(ctx, a.Store.Current(), strings.Join(args, " ")); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}

	case "/clear":
		if err := a.Store.Clear(ctx, a.Store.Current()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			break
		}
		fmt.Println("Conversation cleared.")

	case "/context":
		if len(args) == 0 {
			sess, err := a.Store.Get(a.Store.Current())
			if err == nil {
				fmt.Printf("Context: %s\n", strings.Join(sess.Context, ", "))
			}
			break
		}
		targets := strings.Split(strings.Join(args, " "), ",")
		for i := range targets {
			targets[i] = strings.TrimSpace(targets[i])
		}
		if err := a.Store.SetContext(ctx, a.Store.Current(), targets); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			break
		}
		fmt.Printf("Context set to: %s\n", strings.Join(targets, ", "))

	case "/retry":
		id := a.Store.Current()
		before := messageCount(a, id)
		if err := a.Coordinator.RetryLast(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			break
		}
		sess, err := a.Store.Get(id)
		if err == nil {
			for _, msg := range sess.Messages[min(before, len(sess.Messages)):] {
				if msg.Role != session.RoleUser {
					printMessage(msg)
				}
			}
		}

	case "/stop":
		a.Coordinator.Stop(a.Store.Current())

	case "/prev", "/next":
		dir := history.Prev
		if cmd == "/next" {
			dir = history.Next
		}
		entry, ok := a.Navigator.Navigate(dir)
		if !ok {
			fmt.Println("No results recorded yet.")
			break
		}
		printResult(entry.Result)

	case "/export":
		format := "json"
		if len(args) > 0 {
			format = args[0]
		}
		exportCurrent(a, format)

	case "/exit", "/quit":
		fmt.Println("Goodbye!")
		return true

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		fmt.Println("Type /help to see available commands")
	}

	return false
}

func exportCurrent(a *app.App, format string) {
	exporter, err := export.NewExporter(format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	sess, err := a.Store.Get(a.Store.Current())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	name := fmt.Sprintf("session-%s.%s", sess.ID, exporter.Extension())
	path := filepath.Join(a.Config.ExportDir, name)
	if err := export.WriteFile(export.Snapshot(sess), exporter, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Printf("Exported to %s\n", path)
}

func printMessage(msg *session.Message) {
	if msg.Error {
		fmt.Printf("! %s\n", msg.Content)
		return
	}
	if msg.Content != "" {
		fmt.Println(msg.Content)
	}
	if msg.Result != nil {
		printResult(msg.Result)
	}
}

func printResult(result *session.AnalysisResult) {
	if result == nil {
		return
	}
	if result.Query != "" {
		fmt.Printf("  query: %s\n", result.Query)
	}
	if len(result.Columns) > 0 {
		fmt.Printf("  columns: %s\n", strings.Join(result.Columns, ", "))
	}
	if len(result.Data) > 0 {
		fmt.Printf("  rows: %d\n", len(result.Data))
	}
	if result.ReportText != "" {
		fmt.Println(result.ReportText)
	}
	if result.ErrorText != "" {
		fmt.Printf("  ! %s\n", result.ErrorText)
	}
}

func printChatHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new [title]        Create a session and switch to it")
	fmt.Println("  /sessions           List sessions (* marks current)")
	fmt.Println("  /switch <id>        Switch to a session")
	fmt.Println("  /rename <title>     Rename the current session")
	fmt.Println("  /clear              Clear the current conversation")
	fmt.Println("  /context [t1,t2]    Show or set the scoping context")
	fmt.Println("  /retry              Retry the last question")
	fmt.Println("  /stop               Cancel the in-flight question")
	fmt.Println("  /prev, /next        Navigate past results")
	fmt.Println("  /export [format]    Export the session (json, yaml, md)")
	fmt.Println("  /exit, /quit        Exit")
}

// formatTime renders timestamps relative to now for recent values.
func formatTime(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
