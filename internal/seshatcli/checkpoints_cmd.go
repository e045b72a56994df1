// checkpoints_cmd.go implements "seshat checkpoints" and its subcommands.
package seshatcli

import (
	"fmt"

	"github.com/seshatdb/seshat"
	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage crawler checkpoints.",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored crawler checkpoints.",
	RunE:  runCheckpointsList,
}

var checkpointsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a crawler checkpoint.",
	RunE:  runCheckpointsAdd,
}

var checkpointsRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete a crawler checkpoint.",
	RunE:  runCheckpointsRemove,
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsAddCmd, checkpointsRemoveCmd)
	checkpointsListCmd.Flags().Bool("json", false, "Print checkpoints as JSON")
	for _, c := range []*cobra.Command{checkpointsAddCmd, checkpointsRemoveCmd} {
		f := c.Flags()
		f.String("room", "", "Room ID the checkpoint belongs to")
		f.String("token", "", "Pagination token to resume from")
		f.String("direction", string(seshat.CheckpointBackwards), "Crawl direction (backwards or forwards)")
		f.Bool("full-crawl", false, "Mark the checkpoint as part of a full crawl")
		_ = c.MarkFlagRequired("room")
		_ = c.MarkFlagRequired("token")
	}
}

func checkpointFromFlags(cmd *cobra.Command) (seshat.CrawlerCheckpoint, error) {
	flags := cmd.Flags()
	room, _ := flags.GetString("room")
	token, _ := flags.GetString("token")
	direction, _ := flags.GetString("direction")
	fullCrawl, _ := flags.GetBool("full-crawl")
	switch seshat.CheckpointDirection(direction) {
	case seshat.CheckpointBackwards, seshat.CheckpointForwards:
	default:
		return seshat.CrawlerCheckpoint{}, fmt.Errorf("invalid direction %q", direction)
	}
	return seshat.CrawlerCheckpoint{
		RoomID:    room,
		Token:     token,
		FullCrawl: fullCrawl,
		Direction: seshat.CheckpointDirection(direction),
	}, nil
}

func runCheckpointsList(cmd *cobra.Command, _ []string) error {
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

	checkpoints, err := db.LoadCheckpoints(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		printJSON(checkpoints)
		return nil
	}
	if len(checkpoints) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, cp := range checkpoints {
		full := ""
		if cp.FullCrawl {
			full = " (full crawl)"
		}
		fmt.Printf("%s %s token=%s%s\n", cp.RoomID, cp.Direction, cp.Token, full)
	}
	return nil
}

func runCheckpointsAdd(cmd *cobra.Command, _ []string) error {
	cp, err := checkpointFromFlags(cmd)
	if err != nil {
		return err
	}
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

	return db.AddCrawlerCheckpoint(ctx, cp)
}

func runCheckpointsRemove(cmd *cobra.Command, _ []string) error {
	cp, err := checkpointFromFlags(cmd)
	if err != nil {
		return err
	}
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

	return db.RemoveCrawlerCheckpoint(ctx, cp)
}
