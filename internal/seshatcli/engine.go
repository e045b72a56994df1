// engine.go opens the database for CLI commands.
package seshatcli

import (
	"context"
	"log/slog"
	"time"

	"github.com/seshatdb/seshat"
	"github.com/seshatdb/seshat/libroutine"
	"github.com/seshatdb/seshat/libtracker"
	"github.com/spf13/cobra"
)

// settingsFor loads the local config and merges the command's flags.
func settingsFor(cmd *cobra.Command) (effectiveSettings, error) {
	cfg, configPath, err := loadLocalConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return effectiveSettings{}, err
	}
	return resolveSettings(cfg, configPath, cmd.Root().PersistentFlags())
}

func databaseConfig(settings effectiveSettings) seshat.Config {
	cfg := seshat.Config{
		Language:       settings.Language,
		Passphrase:     settings.Passphrase,
		CommitInterval: settings.CommitInterval,
	}
	if settings.Tracing {
		cfg.Tracker = libtracker.NewLogActivityTracker(slog.Default())
	}
	return cfg
}

// openDatabase opens the database with a short retry, since another
// process may briefly hold the SQLite lock. Version mismatches are not
// retried; the caller gets them immediately with a reindex hint.
func openDatabase(ctx context.Context, settings effectiveSettings) (seshat.Database, error) {
	var db seshat.Database
	var mismatch error
	breaker := libroutine.NewRoutine(3, time.Second)
	err := breaker.ExecuteWithRetry(ctx, 250*time.Millisecond, 3, func(ctx context.Context) error {
		var openErr error
		db, openErr = seshat.Open(ctx, settings.DBPath, databaseConfig(settings))
		if seshat.IsIndexVersionMismatch(openErr) {
			mismatch = openErr
			return nil
		}
		return openErr
	})
	if mismatch != nil {
		slog.Error("Index format mismatch", "hint", "run 'seshat reindex' to rebuild the index", "db", settings.DBPath)
		return nil, mismatch
	}
	if err != nil {
		slog.Error("Failed to open database", "error", err, "db", settings.DBPath)
		return nil, err
	}
	return db, nil
}
