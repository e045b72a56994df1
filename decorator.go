package seshat

import (
	"context"

	"github.com/seshatdb/seshat/libtracker"
)

// activityTrackerDecorator implements Database with activity tracking
type activityTrackerDecorator struct {
	db      Database
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) AddEvent(ctx context.Context, event Event, profile Profile) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"add",
		"event",
		"event_id", event.EventID,
		"room_id", event.RoomID,
		"type", event.Type,
	)
	defer endFn()

	err := d.db.AddEvent(ctx, event, profile)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(event.EventID, map[string]interface{}{
			"room_id": event.RoomID,
			"sender":  event.Sender,
			"type":    event.Type,
		})
	}
	return err
}

func (d *activityTrackerDecorator) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"delete",
		"event",
		"event_id", eventID,
	)
	defer endFn()

	wasIndexed, err := d.db.DeleteEvent(ctx, eventID)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(eventID, map[string]interface{}{
			"was_indexed": wasIndexed,
		})
	}
	return wasIndexed, err
}

func (d *activityTrackerDecorator) Commit(ctx context.Context) (int64, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(ctx, "commit", "database")
	defer endFn()

	stamp, err := d.db.Commit(ctx)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn("commit", map[string]interface{}{
			"stamp": stamp,
		})
	}
	return stamp, err
}

func (d *activityTrackerDecorator) CommitDeferred(ctx context.Context) error {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "commit_deferred", "database")
	defer endFn()

	err := d.db.CommitDeferred(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return err
}

func (d *activityTrackerDecorator) Reload(ctx context.Context) error {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "reload", "index")
	defer endFn()

	err := d.db.Reload(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return err
}

func (d *activityTrackerDecorator) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"search",
		"index",
		"term", req.Term,
		"room_id", req.RoomID,
		"limit", req.Limit,
		"order_by_recency", req.OrderByRecency,
	)
	defer endFn()

	result, err := d.db.Search(ctx, req)
	if err != nil {
		reportErrFn(err)
	}
	return result, err
}

func (d *activityTrackerDecorator) AddHistoricEvents(ctx context.Context, entries []EventEntry, newCheckpoint, oldCheckpoint *CrawlerCheckpoint) (bool, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"add_historic",
		"events",
		"count", len(entries),
	)
	defer endFn()

	allPresent, err := d.db.AddHistoricEvents(ctx, entries, newCheckpoint, oldCheckpoint)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn("historic_batch", map[string]interface{}{
			"count":       len(entries),
			"all_present": allPresent,
		})
	}
	return allPresent, err
}

func (d *activityTrackerDecorator) AddCrawlerCheckpoint(ctx context.Context, checkpoint CrawlerCheckpoint) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"add",
		"checkpoint",
		"room_id", checkpoint.RoomID,
		"direction", string(checkpoint.Direction),
	)
	defer endFn()

	err := d.db.AddCrawlerCheckpoint(ctx, checkpoint)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(checkpoint.RoomID, map[string]interface{}{
			"token":     checkpoint.Token,
			"direction": string(checkpoint.Direction),
		})
	}
	return err
}

func (d *activityTrackerDecorator) RemoveCrawlerCheckpoint(ctx context.Context, checkpoint CrawlerCheckpoint) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"remove",
		"checkpoint",
		"room_id", checkpoint.RoomID,
		"direction", string(checkpoint.Direction),
	)
	defer endFn()

	err := d.db.RemoveCrawlerCheckpoint(ctx, checkpoint)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(checkpoint.RoomID, map[string]interface{}{
			"token":     checkpoint.Token,
			"direction": string(checkpoint.Direction),
		})
	}
	return err
}

func (d *activityTrackerDecorator) LoadCheckpoints(ctx context.Context) ([]CrawlerCheckpoint, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "list", "checkpoints")
	defer endFn()

	checkpoints, err := d.db.LoadCheckpoints(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return checkpoints, err
}

func (d *activityTrackerDecorator) GetSize(ctx context.Context) (int64, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "query", "size")
	defer endFn()

	size, err := d.db.GetSize(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return size, err
}

func (d *activityTrackerDecorator) GetStats(ctx context.Context) (*DatabaseStats, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "query", "stats")
	defer endFn()

	stats, err := d.db.GetStats(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return stats, err
}

func (d *activityTrackerDecorator) IsEmpty(ctx context.Context) (bool, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "query", "is_empty")
	defer endFn()

	empty, err := d.db.IsEmpty(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return empty, err
}

func (d *activityTrackerDecorator) IsRoomIndexed(ctx context.Context, roomID string) (bool, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"query",
		"is_room_indexed",
		"room_id", roomID,
	)
	defer endFn()

	indexed, err := d.db.IsRoomIndexed(ctx, roomID)
	if err != nil {
		reportErrFn(err)
	}
	return indexed, err
}

func (d *activityTrackerDecorator) LoadFileEvents(ctx context.Context, req LoadFileEventsRequest) ([]EventEntry, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"query",
		"file_events",
		"room_id", req.RoomID,
		"limit", req.Limit,
	)
	defer endFn()

	entries, err := d.db.LoadFileEvents(ctx, req)
	if err != nil {
		reportErrFn(err)
	}
	return entries, err
}

func (d *activityTrackerDecorator) ChangePassphrase(ctx context.Context, newPassphrase string) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(ctx, "rekey", "database")
	defer endFn()

	err := d.db.ChangePassphrase(ctx, newPassphrase)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn("rekey", map[string]interface{}{})
	}
	return err
}

func (d *activityTrackerDecorator) Shutdown(ctx context.Context) error {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "shutdown", "database")
	defer endFn()

	err := d.db.Shutdown(ctx)
	if err != nil {
		reportErrFn(err)
	}
	return err
}

func (d *activityTrackerDecorator) Delete(ctx context.Context) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(ctx, "delete", "database")
	defer endFn()

	err := d.db.Delete(ctx)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn("delete", map[string]interface{}{})
	}
	return err
}

// WithActivityTracker decorates a Database with activity tracking
func WithActivityTracker(db Database, tracker libtracker.ActivityTracker) Database {
	if db == nil {
		panic("database cannot be nil")
	}
	if tracker == nil {
		panic("tracker cannot be nil")
	}
	return &activityTrackerDecorator{
		db:      db,
		tracker: tracker,
	}
}
