package seshat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/seshatdb/seshat"
	"github.com/seshatdb/seshat/eventstore"
	"github.com/seshatdb/seshat/libbus"
	libdb "github.com/seshatdb/seshat/libdbexec"
	"github.com/seshatdb/seshat/libtracker"
	"github.com/stretchr/testify/require"
)

// hourly keeps the background flush out of the picture so tests control
// commit timing themselves.
const hourly = time.Hour

func setupDatabase(t *testing.T, cfg seshat.Config) (context.Context, seshat.Database, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	if cfg.CommitInterval == 0 {
		cfg.CommitInterval = hourly
	}
	db, err := seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Shutdown(context.Background()) })
	return ctx, db, dir
}

func strptr(s string) *string { return &s }

func msgEvent(id, room, sender, body string, ts int64) seshat.Event {
	content, _ := json.Marshal(map[string]any{"body": body, "msgtype": "m.text"})
	return seshat.Event{
		EventID:  id,
		Sender:   sender,
		RoomID:   room,
		ServerTS: ts,
		Type:     "m.room.message",
		Content:  content,
	}
}

func imageEvent(id, room, sender, url string, ts int64) seshat.Event {
	content, _ := json.Marshal(map[string]any{"body": "an image", "msgtype": "m.image", "url": url})
	return seshat.Event{
		EventID:  id,
		Sender:   sender,
		RoomID:   room,
		ServerTS: ts,
		Type:     "m.room.message",
		Content:  content,
	}
}

func aliceProfile() seshat.Profile {
	return seshat.Profile{Displayname: strptr("Alice"), AvatarURL: strptr("mxc://a/alice")}
}

func TestDatabase_AddCommitSearch(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	event := msgEvent("$1", "!room:test", "@alice:test", "hello world", 1000)
	require.NoError(t, db.AddEvent(ctx, event, aliceProfile()))

	// Not visible until a commit publishes a new snapshot.
	res, err := db.Search(ctx, seshat.SearchRequest{Term: "hello"})
	require.NoError(t, err)
	require.Equal(t, 0, res.Count)

	stamp, err := db.Commit(ctx)
	require.NoError(t, err)
	require.Positive(t, stamp)

	res, err = db.Search(ctx, seshat.SearchRequest{Term: "hello"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.Len(t, res.Results, 1)
	require.Equal(t, event, res.Results[0].Event)
	require.Positive(t, res.Results[0].Score)
}

func TestDatabase_CommitStampsAreMonotonic(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "first", 1000), aliceProfile()))
	s1, err := db.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, db.AddEvent(ctx, msgEvent("$2", "!r:t", "@a:t", "second", 2000), aliceProfile()))
	s2, err := db.Commit(ctx)
	require.NoError(t, err)
	require.Greater(t, s2, s1)

	// An empty commit changes nothing and reports the last stamp.
	s3, err := db.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, s2, s3)
}

func TestDatabase_ProfileHistory(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	sender := "@alice:test"
	early := seshat.Profile{Displayname: strptr("Alice"), AvatarURL: strptr("mxc://a/1")}
	late := seshat.Profile{Displayname: strptr("Alicia"), AvatarURL: strptr("mxc://a/2")}
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", sender, "the ocelot prowls", 1000), early))
	require.NoError(t, db.AddEvent(ctx, msgEvent("$2", "!r:t", sender, "the ocelot sleeps", 2000), late))
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	res, err := db.Search(ctx, seshat.SearchRequest{Term: "prowls"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	profile, ok := res.Results[0].Context.Profiles[sender]
	require.True(t, ok)
	require.Equal(t, "Alice", *profile.Displayname)

	res, err = db.Search(ctx, seshat.SearchRequest{Term: "sleeps"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	profile = res.Results[0].Context.Profiles[sender]
	require.Equal(t, "Alicia", *profile.Displayname)
}

func TestDatabase_RecencyOrderWithContext(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	words := []string{"one", "two", "three", "four", "five"}
	for i, word := range words {
		ev := msgEvent(fmt.Sprintf("$%d", i+1), "!r:t", "@a:t", "status update "+word, int64((i+1)*1000))
		require.NoError(t, db.AddEvent(ctx, ev, aliceProfile()))
	}
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	res, err := db.Search(ctx, seshat.SearchRequest{
		Term:           "update",
		Limit:          10,
		BeforeLimit:    2,
		AfterLimit:     2,
		OrderByRecency: true,
	})
	require.NoError(t, err)
	require.Equal(t, 5, res.Count)
	require.Len(t, res.Results, 5)

	newest := res.Results[0]
	require.Equal(t, "$5", newest.Event.EventID)
	require.Len(t, newest.Context.EventsBefore, 2)
	require.Equal(t, "$3", newest.Context.EventsBefore[0].EventID)
	require.Equal(t, "$4", newest.Context.EventsBefore[1].EventID)
	require.Empty(t, newest.Context.EventsAfter)

	middle := res.Results[2]
	require.Equal(t, "$3", middle.Event.EventID)
	require.Equal(t, []string{"$1", "$2"}, eventIDs(middle.Context.EventsBefore))
	require.Equal(t, []string{"$4", "$5"}, eventIDs(middle.Context.EventsAfter))
}

func eventIDs(events []seshat.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}
	return ids
}

func TestDatabase_SearchPagination(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	for i := 0; i < 25; i++ {
		ev := msgEvent(fmt.Sprintf("$%02d", i), "!r:t", "@a:t", "pagination fodder", int64((i+1)*100))
		require.NoError(t, db.AddEvent(ctx, ev, aliceProfile()))
	}
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		res, err := db.Search(ctx, seshat.SearchRequest{Term: "fodder", Limit: 10, NextBatch: cursor})
		require.NoError(t, err)
		require.Equal(t, 25, res.Count)
		for _, item := range res.Results {
			require.False(t, seen[item.Event.EventID])
			seen[item.Event.EventID] = true
		}
		pages++
		if res.NextBatch == "" {
			break
		}
		cursor = res.NextBatch
	}
	require.Equal(t, 3, pages)
	require.Len(t, seen, 25)
}

func TestDatabase_DeleteEvent(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{CommitInterval: 25 * time.Millisecond})

	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "ephemeral message", 1000), aliceProfile()))
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	wasIndexed, err := db.DeleteEvent(ctx, "$1")
	require.NoError(t, err)
	require.True(t, wasIndexed)

	res, err := db.Search(ctx, seshat.SearchRequest{Term: "ephemeral"})
	require.NoError(t, err)
	require.Equal(t, 0, res.Count)

	wasIndexed, err = db.DeleteEvent(ctx, "$unknown")
	require.NoError(t, err)
	require.False(t, wasIndexed)
}

func TestDatabase_ReAddAfterDelete(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{CommitInterval: 25 * time.Millisecond})

	event := msgEvent("$1", "!r:t", "@a:t", "phoenix message", 1000)
	require.NoError(t, db.AddEvent(ctx, event, aliceProfile()))
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	wasIndexed, err := db.DeleteEvent(ctx, "$1")
	require.NoError(t, err)
	require.True(t, wasIndexed)

	// Re-adding the deleted id makes the event live in both stores: the
	// hit count and the hydrated results must agree again.
	require.NoError(t, db.AddEvent(ctx, event, aliceProfile()))
	_, err = db.Commit(ctx)
	require.NoError(t, err)

	res, err := db.Search(ctx, seshat.SearchRequest{Term: "phoenix"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.Len(t, res.Results, 1)
	require.Equal(t, event, res.Results[0].Event)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.EventCount)
}

func TestDatabase_AddHistoricEventsIdempotence(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	entries := []seshat.EventEntry{
		{Event: msgEvent("$h1", "!r:t", "@a:t", "crawled alpha", 1000), Profile: aliceProfile()},
		{Event: msgEvent("$h2", "!r:t", "@a:t", "crawled beta", 2000), Profile: aliceProfile()},
	}
	first := seshat.CrawlerCheckpoint{RoomID: "!r:t", Token: "t1", Direction: seshat.CheckpointBackwards}
	second := seshat.CrawlerCheckpoint{RoomID: "!r:t", Token: "t2", Direction: seshat.CheckpointBackwards}

	allPresent, err := db.AddHistoricEvents(ctx, entries, &first, nil)
	require.NoError(t, err)
	require.False(t, allPresent)

	checkpoints, err := db.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []seshat.CrawlerCheckpoint{first}, checkpoints)

	// Historic batches commit immediately, no explicit Commit needed.
	res, err := db.Search(ctx, seshat.SearchRequest{Term: "crawled"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)

	// Replaying the same batch reports every event as already present and
	// swaps the checkpoint.
	allPresent, err = db.AddHistoricEvents(ctx, entries, &second, &first)
	require.NoError(t, err)
	require.True(t, allPresent)

	checkpoints, err = db.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []seshat.CrawlerCheckpoint{second}, checkpoints)
}

func TestDatabase_Checkpoints(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	cp := seshat.CrawlerCheckpoint{RoomID: "!r:t", Token: "tok", FullCrawl: true, Direction: seshat.CheckpointForwards}
	require.NoError(t, db.AddCrawlerCheckpoint(ctx, cp))

	checkpoints, err := db.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []seshat.CrawlerCheckpoint{cp}, checkpoints)

	require.NoError(t, db.RemoveCrawlerCheckpoint(ctx, cp))
	checkpoints, err = db.LoadCheckpoints(ctx)
	require.NoError(t, err)
	require.Empty(t, checkpoints)
}

func TestDatabase_StatsAndPredicates(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	empty, err := db.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!a:t", "@a:t", "hello", 1000), aliceProfile()))
	require.NoError(t, db.AddEvent(ctx, msgEvent("$2", "!b:t", "@a:t", "hello", 2000), aliceProfile()))
	_, err = db.Commit(ctx)
	require.NoError(t, err)

	empty, err = db.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	indexed, err := db.IsRoomIndexed(ctx, "!a:t")
	require.NoError(t, err)
	require.True(t, indexed)
	indexed, err = db.IsRoomIndexed(ctx, "!missing:t")
	require.NoError(t, err)
	require.False(t, indexed)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.EventCount)
	require.Equal(t, int64(2), stats.RoomCount)
	require.Positive(t, stats.SizeBytes)

	size, err := db.GetSize(ctx)
	require.NoError(t, err)
	require.Positive(t, size)
}

func TestDatabase_LoadFileEvents(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	require.NoError(t, db.AddEvent(ctx, imageEvent("$f1", "!r:t", "@a:t", "mxc://x/1", 1000), aliceProfile()))
	require.NoError(t, db.AddEvent(ctx, imageEvent("$f2", "!r:t", "@a:t", "mxc://x/2", 2000), aliceProfile()))
	require.NoError(t, db.AddEvent(ctx, imageEvent("$f3", "!r:t", "@a:t", "mxc://x/3", 3000), aliceProfile()))
	require.NoError(t, db.AddEvent(ctx, msgEvent("$t1", "!r:t", "@a:t", "no media here", 2500), aliceProfile()))
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	entries, err := db.LoadFileEvents(ctx, seshat.LoadFileEventsRequest{RoomID: "!r:t", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"$f3", "$f2", "$f1"}, entryIDs(entries))
	require.Equal(t, "Alice", *entries[0].Profile.Displayname)

	entries, err = db.LoadFileEvents(ctx, seshat.LoadFileEventsRequest{
		RoomID:    "!r:t",
		Limit:     10,
		FromEvent: "$f3",
		Direction: seshat.LoadBackwards,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"$f2", "$f1"}, entryIDs(entries))

	entries, err = db.LoadFileEvents(ctx, seshat.LoadFileEventsRequest{
		RoomID:    "!r:t",
		Limit:     10,
		FromEvent: "$f1",
		Direction: seshat.LoadForwards,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"$f2", "$f3"}, entryIDs(entries))
}

func entryIDs(entries []seshat.EventEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Event.EventID)
	}
	return ids
}

func TestDatabase_RejectsInvalidInput(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	missing := msgEvent("", "!r:t", "@a:t", "body", 1000)
	err := db.AddEvent(ctx, missing, aliceProfile())
	require.ErrorIs(t, err, seshat.ErrInvalidEvent)

	badContent := msgEvent("$1", "!r:t", "@a:t", "body", 1000)
	badContent.Content = json.RawMessage(`"not an object"`)
	err = db.AddEvent(ctx, badContent, aliceProfile())
	require.ErrorIs(t, err, seshat.ErrInvalidEvent)

	_, err = seshat.Open(ctx, t.TempDir(), seshat.Config{Language: "klingon"})
	require.ErrorIs(t, err, seshat.ErrInvalidConfig)
}

func TestDatabase_NonIndexableEventIsStoredOnly(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	content, _ := json.Marshal(map[string]any{"membership": "join"})
	ev := seshat.Event{
		EventID:  "$m1",
		Sender:   "@a:t",
		RoomID:   "!r:t",
		ServerTS: 1000,
		Type:     "m.room.member",
		Content:  content,
	}
	require.NoError(t, db.AddEvent(ctx, ev, aliceProfile()))
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	empty, err := db.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	res, err := db.Search(ctx, seshat.SearchRequest{Term: "join"})
	require.NoError(t, err)
	require.Equal(t, 0, res.Count)
}

func TestDatabase_ShutdownRejectsLaterOperations(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "closing time", 1000), aliceProfile()))
	require.NoError(t, db.Shutdown(ctx))

	err := db.AddEvent(ctx, msgEvent("$2", "!r:t", "@a:t", "too late", 2000), aliceProfile())
	require.ErrorIs(t, err, seshat.ErrShutdown)
	_, err = db.Search(ctx, seshat.SearchRequest{Term: "late"})
	require.ErrorIs(t, err, seshat.ErrShutdown)
}

func TestDatabase_ShutdownFlushesQueuedEvents(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := seshat.Config{CommitInterval: hourly}

	db, err := seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "durable words", 1000), aliceProfile()))
	require.NoError(t, db.Shutdown(ctx))

	db, err = seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	defer func() { _ = db.Shutdown(ctx) }()
	res, err := db.Search(ctx, seshat.SearchRequest{Term: "durable"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
}

func TestDatabase_ReopenPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := seshat.Config{CommitInterval: hourly}

	db, err := seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "persistent words", 1000), aliceProfile()))
	stamp, err := db.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Shutdown(ctx))

	db, err = seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	defer func() { _ = db.Shutdown(ctx) }()

	res, err := db.Search(ctx, seshat.SearchRequest{Term: "persistent"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	// Stamps continue from the persisted high-water mark.
	require.NoError(t, db.AddEvent(ctx, msgEvent("$2", "!r:t", "@a:t", "more words", 2000), aliceProfile()))
	next, err := db.Commit(ctx)
	require.NoError(t, err)
	require.Greater(t, next, stamp)
}

func TestDatabase_VersionMismatchAndRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := seshat.Config{CommitInterval: hourly}

	db, err := seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ev := msgEvent(fmt.Sprintf("$%d", i+1), "!r:t", "@a:t", "recoverable content", int64((i+1)*1000))
		require.NoError(t, db.AddEvent(ctx, ev, aliceProfile()))
	}
	_, err = db.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Shutdown(ctx))

	// Simulate a database written by a different index format.
	dbm, err := libdb.NewSQLiteDBManager(ctx, filepath.Join(dir, "events.db"), "")
	require.NoError(t, err)
	store := eventstore.New(dbm.WithoutTransaction())
	require.NoError(t, store.SetIndexVersion(ctx, 999))
	require.NoError(t, dbm.Close())

	_, err = seshat.Open(ctx, dir, cfg)
	require.Error(t, err)
	require.True(t, seshat.IsIndexVersionMismatch(err))

	rec, err := seshat.NewRecovery(ctx, dir, cfg)
	require.NoError(t, err)
	require.NoError(t, rec.Reindex(ctx))
	info := rec.Info()
	require.True(t, info.Done)
	require.Equal(t, int64(3), info.Reindexed)
	require.NoError(t, rec.Close())

	db, err = seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	defer func() { _ = db.Shutdown(ctx) }()
	res, err := db.Search(ctx, seshat.SearchRequest{Term: "recoverable"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
}

func TestDatabase_StaleIndexMarkerForcesRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := seshat.Config{CommitInterval: hourly}

	db, err := seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "stale marker", 1000), aliceProfile()))
	_, err = db.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Shutdown(ctx))

	// Version zero with stored events marks an interrupted index commit.
	dbm, err := libdb.NewSQLiteDBManager(ctx, filepath.Join(dir, "events.db"), "")
	require.NoError(t, err)
	store := eventstore.New(dbm.WithoutTransaction())
	require.NoError(t, store.SetIndexVersion(ctx, 0))
	require.NoError(t, dbm.Close())

	_, err = seshat.Open(ctx, dir, cfg)
	require.True(t, seshat.IsIndexVersionMismatch(err))
}

func TestDatabase_Encryption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := seshat.Config{Passphrase: "correct horse", CommitInterval: hourly}

	db, err := seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "classified material", 1000), aliceProfile()))
	_, err = db.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Shutdown(ctx))

	_, err = seshat.Open(ctx, dir, seshat.Config{CommitInterval: hourly})
	require.Error(t, err)

	_, err = seshat.Open(ctx, dir, seshat.Config{Passphrase: "wrong", CommitInterval: hourly})
	require.Error(t, err)

	db, err = seshat.Open(ctx, dir, cfg)
	require.NoError(t, err)
	defer func() { _ = db.Shutdown(ctx) }()
	res, err := db.Search(ctx, seshat.SearchRequest{Term: "classified"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.JSONEq(t,
		`{"body":"classified material","msgtype":"m.text"}`,
		string(res.Results[0].Event.Content),
	)
}

func TestDatabase_ChangePassphrase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := seshat.Open(ctx, dir, seshat.Config{Passphrase: "first", CommitInterval: hourly})
	require.NoError(t, err)
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "rekeyed content", 1000), aliceProfile()))
	require.NoError(t, db.ChangePassphrase(ctx, "second"))

	// The handle is closed after a rekey.
	err = db.AddEvent(ctx, msgEvent("$2", "!r:t", "@a:t", "too late", 2000), aliceProfile())
	require.ErrorIs(t, err, seshat.ErrShutdown)

	_, err = seshat.Open(ctx, dir, seshat.Config{Passphrase: "first", CommitInterval: hourly})
	require.Error(t, err)

	db, err = seshat.Open(ctx, dir, seshat.Config{Passphrase: "second", CommitInterval: hourly})
	require.NoError(t, err)
	defer func() { _ = db.Shutdown(ctx) }()
	res, err := db.Search(ctx, seshat.SearchRequest{Term: "rekeyed"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
}

func TestDatabase_ChangePassphraseRequiresEncryption(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{})

	err := db.ChangePassphrase(ctx, "anything")
	require.ErrorIs(t, err, seshat.ErrInvalidConfig)

	// The database stays usable after the rejected rekey.
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "still alive", 1000), aliceProfile()))
	_, err = db.Commit(ctx)
	require.NoError(t, err)
}

func TestDatabase_DeleteRemovesDirectory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "doomed")

	db, err := seshat.Open(ctx, dir, seshat.Config{CommitInterval: hourly})
	require.NoError(t, err)
	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "short lived", 1000), aliceProfile()))
	require.NoError(t, db.Delete(ctx))

	require.NoDirExists(t, dir)
}

func TestDatabase_BackgroundFlushCommits(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{CommitInterval: 25 * time.Millisecond})

	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "eventually durable", 1000), aliceProfile()))

	require.Eventually(t, func() bool {
		res, err := db.Search(ctx, seshat.SearchRequest{Term: "eventually"})
		return err == nil && res.Count == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDatabase_TrackedHandle(t *testing.T) {
	ctx, db, _ := setupDatabase(t, seshat.Config{Tracker: libtracker.NoopTracker{}})

	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "observed event", 1000), aliceProfile()))
	_, err := db.Commit(ctx)
	require.NoError(t, err)

	res, err := db.Search(ctx, seshat.SearchRequest{Term: "observed"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
}

func TestDatabase_CommitNotifications(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	messenger := libbus.NewInMem()
	t.Cleanup(func() { _ = messenger.Close() })
	notifications := make(chan []byte, 16)
	sub, err := messenger.Stream(ctx, seshat.SubjectCommit, notifications)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	db, err := seshat.Open(ctx, dir, seshat.Config{CommitInterval: hourly, Messenger: messenger})
	require.NoError(t, err)
	defer func() { _ = db.Shutdown(ctx) }()

	require.NoError(t, db.AddEvent(ctx, msgEvent("$1", "!r:t", "@a:t", "broadcast me", 1000), aliceProfile()))
	stamp, err := db.Commit(ctx)
	require.NoError(t, err)

	select {
	case payload := <-notifications:
		var note struct {
			Stamp int64 `json:"stamp"`
			Added int   `json:"added"`
		}
		require.NoError(t, json.Unmarshal(payload, &note))
		require.Equal(t, stamp, note.Stamp)
		require.Equal(t, 1, note.Added)
	case <-time.After(5 * time.Second):
		t.Fatal("no commit notification received")
	}
}
