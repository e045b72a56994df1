package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/seshatdb/seshat/libdbexec"
)

// MetaKeyIndexVersion is the meta row holding the index format version.
const MetaKeyIndexVersion = "index_version"

// MetaKeyLastStamp is the meta row holding the last committed stamp.
const MetaKeyLastStamp = "last_stamp"

// Store is the operation surface over the relational event store. All
// methods run on whichever executor the store was bound to, so a single
// Store value participates in a transaction when built from one.
type Store interface {
	// UpsertProfile returns the id of the profile row matching the tuple,
	// inserting it first if no such row exists.
	UpsertProfile(ctx context.Context, profile *Profile) (int64, error)
	// InsertEvent stores one event. It reports true when a live event with
	// the same id was already present, in which case nothing is written. A
	// tombstoned row with the same id is resurrected with the new content
	// and reported as not present.
	InsertEvent(ctx context.Context, event *Event, profileID int64, contentBlob []byte, mxcURL *string, stamp int64) (bool, error)
	// MarkEventDeleted tombstones an event, reporting whether it existed.
	MarkEventDeleted(ctx context.Context, eventID string) (bool, error)
	// EventsByIDs loads the given events preserving input order. Missing
	// or deleted ids are skipped.
	EventsByIDs(ctx context.Context, ids []string) ([]*EventRow, error)
	// EventsBefore returns up to limit events in the room with a strictly
	// smaller (ts, event_id) key, closest first.
	EventsBefore(ctx context.Context, roomID string, ts int64, eventID string, limit int) ([]*EventRow, error)
	// EventsAfter returns up to limit events in the room with a strictly
	// greater (ts, event_id) key, closest first.
	EventsAfter(ctx context.Context, roomID string, ts int64, eventID string, limit int) ([]*EventRow, error)
	// ProfileAt resolves the profile snapshot for a sender that was current
	// at ts: the latest profile row referenced by one of the sender's
	// events with ts' <= ts, falling back to the earliest known snapshot.
	ProfileAt(ctx context.Context, senderID string, ts int64) (*Profile, error)
	// UpsertCheckpoint stores a crawler checkpoint, deduplicating on the
	// full tuple.
	UpsertCheckpoint(ctx context.Context, checkpoint *CrawlerCheckpoint) error
	// DeleteCheckpoint removes a checkpoint. Missing checkpoints are not
	// an error.
	DeleteCheckpoint(ctx context.Context, checkpoint *CrawlerCheckpoint) error
	// ListCheckpoints enumerates all stored checkpoints.
	ListCheckpoints(ctx context.Context) ([]*CrawlerCheckpoint, error)
	// EventBatch returns up to limit non-deleted events with a rowid
	// greater than afterRowID, in insertion order. Used by recovery to
	// stream the whole store.
	EventBatch(ctx context.Context, afterRowID int64, limit int) ([]*EventRow, error)
	// FileEvents lists events carrying a media reference in a room,
	// paginated by (ts, event_id) from an optional reference event.
	FileEvents(ctx context.Context, roomID string, limit int, fromEventID string, direction LoadDirection) ([]*EventRow, error)
	// GetMeta reads a meta value; libdbexec.ErrNotFound when absent.
	GetMeta(ctx context.Context, key string) (string, error)
	// SetMeta writes a meta value, replacing any previous one.
	SetMeta(ctx context.Context, key string, value string) error
	// IndexVersion reads meta.index_version; 0 when unset.
	IndexVersion(ctx context.Context) (int, error)
	// SetIndexVersion writes meta.index_version.
	SetIndexVersion(ctx context.Context, version int) error
	// LastStamp reads the last committed stamp; 0 for a fresh store.
	LastStamp(ctx context.Context) (int64, error)
	// SetLastStamp records the last committed stamp.
	SetLastStamp(ctx context.Context, stamp int64) error
	// Stats counts non-deleted events and rooms.
	Stats(ctx context.Context) (*Stats, error)
	// IsEmpty reports whether the store holds no events at all.
	IsEmpty(ctx context.Context) (bool, error)
	// IsRoomIndexed reports whether the room has at least one non-deleted
	// event.
	IsRoomIndexed(ctx context.Context, roomID string) (bool, error)
}

type store struct {
	Exec libdbexec.Exec
}

var _ Store = (*store)(nil)

// New creates a store bound to the given executor.
func New(exec libdbexec.Exec) Store {
	return &store{Exec: exec}
}

func (s *store) UpsertProfile(ctx context.Context, profile *Profile) (int64, error) {
	var id int64
	// IS instead of = so NULL fields compare equal.
	err := s.Exec.QueryRowContext(ctx, `
		SELECT profile_id FROM profiles
		WHERE displayname IS $1 AND avatar_url IS $2`,
		profile.Displayname,
		profile.AvatarURL,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, libdbexec.ErrNotFound) {
		return 0, fmt.Errorf("failed to look up profile: %w", err)
	}
	result, err := s.Exec.ExecContext(ctx, `
		INSERT INTO profiles (displayname, avatar_url)
		VALUES ($1, $2)`,
		profile.Displayname,
		profile.AvatarURL,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert profile: %w", err)
	}
	id, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read profile id: %w", err)
	}
	return id, nil
}

func (s *store) InsertEvent(ctx context.Context, event *Event, profileID int64, contentBlob []byte, mxcURL *string, stamp int64) (bool, error) {
	if _, err := s.Exec.ExecContext(ctx, `
		INSERT OR IGNORE INTO rooms (room_id) VALUES ($1)`,
		event.RoomID,
	); err != nil {
		return false, fmt.Errorf("failed to ensure room: %w", err)
	}
	var msgtype *string
	if event.MsgType != "" {
		msgtype = &event.MsgType
	}
	_, err := s.Exec.ExecContext(ctx, `
		INSERT INTO events (event_id, room_id, sender_id, profile_id, ts, type, msgtype, mxc_url, content_blob, deleted, stamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)`,
		event.EventID,
		event.RoomID,
		event.Sender,
		profileID,
		event.ServerTS,
		event.Type,
		msgtype,
		mxcURL,
		contentBlob,
		stamp,
	)
	if err != nil {
		if errors.Is(err, libdbexec.ErrUniqueViolation) {
			return s.absorbDuplicate(ctx, event, profileID, contentBlob, mxcURL, stamp)
		}
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	if _, err := s.Exec.ExecContext(ctx, `
		UPDATE rooms SET event_count = event_count + 1 WHERE room_id = $1`,
		event.RoomID,
	); err != nil {
		return false, fmt.Errorf("failed to bump room counter: %w", err)
	}
	return false, nil
}

// absorbDuplicate handles an insert that hit the event_id UNIQUE
// constraint. A live row makes the add idempotent and nothing is written.
// A tombstoned row is resurrected in place with the fresh content and
// stamp, so re-adding a deleted event makes it live again instead of
// leaving the row dead while the index re-learns the document.
func (s *store) absorbDuplicate(ctx context.Context, event *Event, profileID int64, contentBlob []byte, mxcURL *string, stamp int64) (bool, error) {
	var msgtype *string
	if event.MsgType != "" {
		msgtype = &event.MsgType
	}
	result, err := s.Exec.ExecContext(ctx, `
		UPDATE events
		SET deleted = 0, profile_id = $2, ts = $3, type = $4, msgtype = $5,
			mxc_url = $6, content_blob = $7, stamp = $8
		WHERE event_id = $1 AND deleted = 1`,
		event.EventID,
		profileID,
		event.ServerTS,
		event.Type,
		msgtype,
		mxcURL,
		contentBlob,
		stamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resurrect event: %w", err)
	}
	resurrected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read resurrect count: %w", err)
	}
	if resurrected == 0 {
		return true, nil
	}
	if _, err := s.Exec.ExecContext(ctx, `
		UPDATE rooms SET event_count = event_count + 1
		WHERE room_id = (SELECT room_id FROM events WHERE event_id = $1)`,
		event.EventID,
	); err != nil {
		return false, fmt.Errorf("failed to bump room counter: %w", err)
	}
	return false, nil
}

func (s *store) MarkEventDeleted(ctx context.Context, eventID string) (bool, error) {
	var roomID string
	err := s.Exec.QueryRowContext(ctx, `
		SELECT room_id FROM events WHERE event_id = $1 AND deleted = 0`,
		eventID,
	).Scan(&roomID)
	if err != nil {
		if errors.Is(err, libdbexec.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up event for deletion: %w", err)
	}
	if _, err := s.Exec.ExecContext(ctx, `
		UPDATE events SET deleted = 1 WHERE event_id = $1`,
		eventID,
	); err != nil {
		return false, fmt.Errorf("failed to mark event deleted: %w", err)
	}
	if _, err := s.Exec.ExecContext(ctx, `
		UPDATE rooms SET event_count = event_count - 1 WHERE room_id = $1`,
		roomID,
	); err != nil {
		return false, fmt.Errorf("failed to drop room counter: %w", err)
	}
	return true, nil
}

const eventColumns = `rowid, event_id, room_id, sender_id, profile_id, ts, type, msgtype, mxc_url, content_blob, stamp`

func scanEventRows(rows *sql.Rows) ([]*EventRow, error) {
	var out []*EventRow
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(
			&row.RowID,
			&row.EventID,
			&row.RoomID,
			&row.SenderID,
			&row.ProfileID,
			&row.TS,
			&row.Type,
			&row.MsgType,
			&row.MXCURL,
			&row.ContentBlob,
			&row.Stamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *store) EventsByIDs(ctx context.Context, ids []string) ([]*EventRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}
	rows, err := s.Exec.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		WHERE event_id IN (%s) AND deleted = 0`,
		eventColumns, strings.Join(placeholders, ", ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by ids: %w", err)
	}
	defer rows.Close()
	loaded, err := scanEventRows(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*EventRow, len(loaded))
	for _, row := range loaded {
		byID[row.EventID] = row
	}
	ordered := make([]*EventRow, 0, len(loaded))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered, nil
}

func (s *store) EventsBefore(ctx context.Context, roomID string, ts int64, eventID string, limit int) ([]*EventRow, error) {
	rows, err := s.Exec.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		WHERE room_id = $1 AND deleted = 0
		  AND (ts < $2 OR (ts = $2 AND event_id < $3))
		ORDER BY ts DESC, event_id DESC
		LIMIT $4`, eventColumns),
		roomID, ts, eventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query context before: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *store) EventsAfter(ctx context.Context, roomID string, ts int64, eventID string, limit int) ([]*EventRow, error) {
	rows, err := s.Exec.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		WHERE room_id = $1 AND deleted = 0
		  AND (ts > $2 OR (ts = $2 AND event_id > $3))
		ORDER BY ts ASC, event_id ASC
		LIMIT $4`, eventColumns),
		roomID, ts, eventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query context after: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *store) ProfileAt(ctx context.Context, senderID string, ts int64) (*Profile, error) {
	var profile Profile
	err := s.Exec.QueryRowContext(ctx, `
		SELECT p.displayname, p.avatar_url
		FROM events e JOIN profiles p ON p.profile_id = e.profile_id
		WHERE e.sender_id = $1 AND e.ts <= $2
		ORDER BY e.ts DESC, e.event_id DESC
		LIMIT 1`,
		senderID, ts,
	).Scan(&profile.Displayname, &profile.AvatarURL)
	if err == nil {
		return &profile, nil
	}
	if !errors.Is(err, libdbexec.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve profile: %w", err)
	}
	// No snapshot precedes ts; fall back to the earliest known one.
	err = s.Exec.QueryRowContext(ctx, `
		SELECT p.displayname, p.avatar_url
		FROM events e JOIN profiles p ON p.profile_id = e.profile_id
		WHERE e.sender_id = $1
		ORDER BY e.ts ASC, e.event_id ASC
		LIMIT 1`,
		senderID,
	).Scan(&profile.Displayname, &profile.AvatarURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve earliest profile: %w", err)
	}
	return &profile, nil
}

func (s *store) UpsertCheckpoint(ctx context.Context, checkpoint *CrawlerCheckpoint) error {
	fullCrawl := 0
	if checkpoint.FullCrawl {
		fullCrawl = 1
	}
	_, err := s.Exec.ExecContext(ctx, `
		INSERT OR IGNORE INTO checkpoints (room_id, token, direction, full_crawl)
		VALUES ($1, $2, $3, $4)`,
		checkpoint.RoomID,
		checkpoint.Token,
		string(checkpoint.Direction),
		fullCrawl,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}
	return nil
}

func (s *store) DeleteCheckpoint(ctx context.Context, checkpoint *CrawlerCheckpoint) error {
	fullCrawl := 0
	if checkpoint.FullCrawl {
		fullCrawl = 1
	}
	_, err := s.Exec.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE room_id = $1 AND token = $2 AND direction = $3 AND full_crawl = $4`,
		checkpoint.RoomID,
		checkpoint.Token,
		string(checkpoint.Direction),
		fullCrawl,
	)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *store) ListCheckpoints(ctx context.Context) ([]*CrawlerCheckpoint, error) {
	rows, err := s.Exec.QueryContext(ctx, `
		SELECT room_id, token, direction, full_crawl
		FROM checkpoints
		ORDER BY room_id, token, direction`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*CrawlerCheckpoint
	for rows.Next() {
		var cp CrawlerCheckpoint
		var direction string
		var fullCrawl int
		if err := rows.Scan(&cp.RoomID, &cp.Token, &direction, &fullCrawl); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Direction = CheckpointDirection(direction)
		cp.FullCrawl = fullCrawl != 0
		checkpoints = append(checkpoints, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return checkpoints, nil
}

func (s *store) EventBatch(ctx context.Context, afterRowID int64, limit int) ([]*EventRow, error) {
	rows, err := s.Exec.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		WHERE rowid > $1 AND deleted = 0
		ORDER BY rowid ASC
		LIMIT $2`, eventColumns),
		afterRowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query event batch: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *store) FileEvents(ctx context.Context, roomID string, limit int, fromEventID string, direction LoadDirection) ([]*EventRow, error) {
	var refTS int64
	var haveRef bool
	if fromEventID != "" {
		err := s.Exec.QueryRowContext(ctx, `
			SELECT ts FROM events WHERE event_id = $1`,
			fromEventID,
		).Scan(&refTS)
		if err != nil {
			if errors.Is(err, libdbexec.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to resolve reference event: %w", err)
		}
		haveRef = true
	}

	var rowsQuery string
	args := []any{roomID}
	switch {
	case !haveRef:
		rowsQuery = fmt.Sprintf(`
			SELECT %s FROM events
			WHERE room_id = $1 AND deleted = 0 AND mxc_url IS NOT NULL
			ORDER BY ts DESC, event_id DESC
			LIMIT $2`, eventColumns)
		args = append(args, limit)
	case direction == LoadForwards:
		rowsQuery = fmt.Sprintf(`
			SELECT %s FROM events
			WHERE room_id = $1 AND deleted = 0 AND mxc_url IS NOT NULL
			  AND (ts > $2 OR (ts = $2 AND event_id > $3))
			ORDER BY ts ASC, event_id ASC
			LIMIT $4`, eventColumns)
		args = append(args, refTS, fromEventID, limit)
	default:
		rowsQuery = fmt.Sprintf(`
			SELECT %s FROM events
			WHERE room_id = $1 AND deleted = 0 AND mxc_url IS NOT NULL
			  AND (ts < $2 OR (ts = $2 AND event_id < $3))
			ORDER BY ts DESC, event_id DESC
			LIMIT $4`, eventColumns)
		args = append(args, refTS, fromEventID, limit)
	}
	rows, err := s.Exec.QueryContext(ctx, rowsQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file events: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.Exec.QueryRowContext(ctx, `
		SELECT value FROM meta WHERE key = $1`,
		key,
	).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *store) SetMeta(ctx context.Context, key string, value string) error {
	_, err := s.Exec.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ($1, $2)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set meta %q: %w", key, err)
	}
	return nil
}

func (s *store) IndexVersion(ctx context.Context) (int, error) {
	value, err := s.GetMeta(ctx, MetaKeyIndexVersion)
	if err != nil {
		if errors.Is(err, libdbexec.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read index version: %w", err)
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupted index version %q: %w", value, err)
	}
	return version, nil
}

func (s *store) SetIndexVersion(ctx context.Context, version int) error {
	return s.SetMeta(ctx, MetaKeyIndexVersion, strconv.Itoa(version))
}

func (s *store) LastStamp(ctx context.Context) (int64, error) {
	value, err := s.GetMeta(ctx, MetaKeyLastStamp)
	if err != nil {
		if errors.Is(err, libdbexec.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read last stamp: %w", err)
	}
	stamp, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupted last stamp %q: %w", value, err)
	}
	return stamp, nil
}

func (s *store) SetLastStamp(ctx context.Context, stamp int64) error {
	return s.SetMeta(ctx, MetaKeyLastStamp, strconv.FormatInt(stamp, 10))
}

func (s *store) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.Exec.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE deleted = 0`,
	).Scan(&stats.EventCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	err = s.Exec.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rooms WHERE event_count > 0`,
	).Scan(&stats.RoomCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count rooms: %w", err)
	}
	return &stats, nil
}

func (s *store) IsEmpty(ctx context.Context) (bool, error) {
	var count int64
	err := s.Exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count events: %w", err)
	}
	return count == 0, nil
}

func (s *store) IsRoomIndexed(ctx context.Context, roomID string) (bool, error) {
	var count int64
	err := s.Exec.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE room_id = $1 AND deleted = 0`,
		roomID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count room events: %w", err)
	}
	return count > 0, nil
}
