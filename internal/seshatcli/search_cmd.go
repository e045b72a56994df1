// search_cmd.go implements "seshat search".
package seshatcli

import (
	"fmt"
	"strings"

	"github.com/seshatdb/seshat"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <term>...",
	Short: "Run a ranked full-text query against the index.",
	Long: `Search the index for the given term. Multiple words are combined
into one query. Use --room to restrict to a room, --before/--after to
fetch surrounding context, and --next-batch to continue a paginated
listing.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.String("room", "", "Restrict results to this room ID")
	f.Int("limit", 10, "Maximum number of results per page")
	f.Int("before", 0, "Context events to load before each hit")
	f.Int("after", 0, "Context events to load after each hit")
	f.Bool("recency", false, "Order by timestamp instead of relevance")
	f.String("next-batch", "", "Pagination token from a previous search")
	f.Bool("json", false, "Print the raw result as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
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

	flags := cmd.Flags()
	room, _ := flags.GetString("room")
	limit, _ := flags.GetInt("limit")
	before, _ := flags.GetInt("before")
	after, _ := flags.GetInt("after")
	recency, _ := flags.GetBool("recency")
	nextBatch, _ := flags.GetString("next-batch")
	asJSON, _ := flags.GetBool("json")

	result, err := db.Search(ctx, seshat.SearchRequest{
		Term:           strings.Join(args, " "),
		Limit:          limit,
		BeforeLimit:    before,
		AfterLimit:     after,
		OrderByRecency: recency,
		RoomID:         room,
		NextBatch:      nextBatch,
	})
	if err != nil {
		return err
	}

	if asJSON {
		printJSON(result)
		return nil
	}
	fmt.Printf("%d matching events\n", result.Count)
	for i, item := range result.Results {
		fmt.Printf("%2d. [%.3f] %s %s\n", i+1, item.Score, item.Event.RoomID, item.Event.EventID)
		printEventLine("      ", item.Event, item.Context.Profiles)
		for _, ev := range item.Context.EventsBefore {
			printEventLine("      - ", ev, item.Context.Profiles)
		}
		for _, ev := range item.Context.EventsAfter {
			printEventLine("      + ", ev, item.Context.Profiles)
		}
	}
	if result.NextBatch != "" {
		fmt.Printf("more results: --next-batch %s\n", result.NextBatch)
	}
	return nil
}
