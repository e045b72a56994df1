// Package eventstore is the durable relational side of the database: it
// keeps the original event payloads, sender profile history, per-room
// counters, crawler checkpoints, and the meta row carrying the index
// format version. The full-text index is a derived view over this store.
package eventstore

import "encoding/json"

// CheckpointDirection tells a crawler which way a checkpoint points.
type CheckpointDirection string

const (
	CheckpointBackwards CheckpointDirection = "backwards"
	CheckpointForwards  CheckpointDirection = "forwards"
)

// LoadDirection selects which side of a reference event to load from.
type LoadDirection string

const (
	LoadBackwards LoadDirection = "backwards"
	LoadForwards  LoadDirection = "forwards"
)

// Event is a chat event as supplied by the caller. Content is kept as raw
// JSON so the stored payload round-trips byte-for-byte.
type Event struct {
	EventID  string          `json:"event_id"`
	Sender   string          `json:"sender"`
	RoomID   string          `json:"room_id"`
	ServerTS int64           `json:"origin_server_ts"`
	Type     string          `json:"type"`
	MsgType  string          `json:"msgtype,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// Profile is a sender profile snapshot. Profiles are append-only and
// deduplicated by the (displayname, avatar_url) tuple; nil means the field
// was unset at the time of the event.
type Profile struct {
	Displayname *string `json:"displayname"`
	AvatarURL   *string `json:"avatar_url"`
}

// CrawlerCheckpoint is a resumable position in a room's timeline.
// Checkpoints with identical tuples deduplicate.
type CrawlerCheckpoint struct {
	RoomID    string              `json:"room_id"`
	Token     string              `json:"token"`
	FullCrawl bool                `json:"full_crawl"`
	Direction CheckpointDirection `json:"direction"`
}

// EventEntry pairs an event with the sender profile that was current when
// the event was produced.
type EventEntry struct {
	Event   Event   `json:"event"`
	Profile Profile `json:"profile"`
}

// EventRow is one stored event as read back from the events table. The
// content blob is opaque to the store; callers serialize (and optionally
// seal) the event before insert and decode after load.
type EventRow struct {
	RowID       int64
	EventID     string
	RoomID      string
	SenderID    string
	ProfileID   int64
	TS          int64
	Type        string
	MsgType     *string
	MXCURL      *string
	ContentBlob []byte
	Stamp       int64
}

// Stats summarizes the store contents. Counts exclude deleted events.
type Stats struct {
	EventCount int64
	RoomCount  int64
}
