// cli.go holds the seshat CLI entrypoint (Main), default constants, and
// root command wiring.
package seshatcli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/seshatdb/seshat/libtracker"
	"github.com/spf13/cobra"
)

const (
	defaultLanguage = "english"
	defaultTimeout  = 5 * time.Minute
)

// Main runs the seshat CLI.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "seshat",
	Short: "Full-text search and event store for Matrix chat events.",
	Long: `Seshat manages an on-disk database of chat events with a derived
full-text index. Events live in SQLite; the index answers ranked term
queries with conversational context.

  Quickstart:
    seshat stats                      # show event and room counts
    seshat search "pizza recipe"      # ranked full-text search
    seshat checkpoints list           # crawler resume points
    seshat reindex                    # rebuild the index from the store

  The database directory is resolved from --db, then .seshat/config.yaml
  (cwd, then home). Encrypted databases need --passphrase or a
  passphrase_from_env entry in the config.`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("db", "", "Database directory (default: .seshat/db)")
	f.String("language", defaultLanguage, "Index analyzer language")
	f.String("passphrase", "", "Passphrase for an encrypted database")
	f.Duration("timeout", defaultTimeout, "Maximum execution time (e.g., 30s, 5m)")
	f.Bool("trace", false, "Enable operation telemetry on stderr")

	rootCmd.AddCommand(statsCmd, searchCmd, checkpointsCmd, reindexCmd, deleteCmd)
	rootCmd.InitDefaultHelpCmd()
}

// commandContext builds the command context: timeout, interrupt handling,
// and a request ID for the activity tracker.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Root().PersistentFlags().GetDuration("timeout")
	ctx := context.WithValue(context.Background(), libtracker.ContextKeyRequestID, uuid.New().String())
	ctx, cancel := context.WithTimeout(ctx, timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Warn("Received interrupt, shutting down...")
		cancel()
	}()
	return ctx, cancel
}
