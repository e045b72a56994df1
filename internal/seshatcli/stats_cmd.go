// stats_cmd.go implements "seshat stats".
package seshatcli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event and room counts plus the on-disk size.",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().Bool("json", false, "Print stats as JSON")
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	settings, err := settingsFor(cmd)
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, settings)
	if err != nil {
		return err
	}
	defer func() { _ = db.Shutdown(ctx) }()

	stats, err := db.GetStats(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		printJSON(stats)
		return nil
	}
	fmt.Printf("database: %s\n", settings.DBPath)
	fmt.Printf("events:   %d\n", stats.EventCount)
	fmt.Printf("rooms:    %d\n", stats.RoomCount)
	fmt.Printf("size:     %d bytes\n", stats.SizeBytes)
	return nil
}
