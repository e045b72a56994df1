// admin_cmd.go implements "seshat reindex" and "seshat delete".
package seshatcli

import (
	"fmt"
	"log/slog"

	"github.com/seshatdb/seshat"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the full-text index from the event store.",
	Long: `Rebuild the index from scratch by streaming every stored event back
through the analyzer. Run this after an index format mismatch or when the
index directory was damaged. The event store itself is not modified.`,
	RunE: runReindex,
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the database directory, events and index.",
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
}

func runReindex(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	settings, err := settingsFor(cmd)
	if err != nil {
		return err
	}
	rec, err := seshat.NewRecovery(ctx, settings.DBPath, databaseConfig(settings))
	if err != nil {
		slog.Error("Failed to open database for reindexing", "error", err, "db", settings.DBPath)
		return err
	}
	defer func() { _ = rec.Close() }()

	info := rec.Info()
	fmt.Printf("reindexing %d events in %s\n", info.Total, settings.DBPath)
	if err := rec.Reindex(ctx); err != nil {
		slog.Error("Reindex failed", "error", err)
		return err
	}
	info = rec.Info()
	fmt.Printf("done, %d events reindexed\n", info.Reindexed)
	return nil
}

func runDelete(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	settings, err := settingsFor(cmd)
	if err != nil {
		return err
	}
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		fmt.Printf("delete %s and all its contents? [y/N] ", settings.DBPath)
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}
	db, err := openDatabase(ctx, settings)
	if err != nil {
		return err
	}
	if err := db.Delete(ctx); err != nil {
		slog.Error("Failed to delete database", "error", err)
		return err
	}
	fmt.Printf("deleted %s\n", settings.DBPath)
	return nil
}
