package eventstore

import (
	"context"

	"github.com/seshatdb/seshat/libdbexec"
)

// InitSchema creates the event store tables. Idempotent.
func InitSchema(ctx context.Context, exec libdbexec.Exec) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			profile_id INTEGER PRIMARY KEY AUTOINCREMENT,
			displayname TEXT,
			avatar_url TEXT,
			UNIQUE(displayname, avatar_url)
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			event_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(room_id),
			sender_id TEXT NOT NULL,
			profile_id INTEGER NOT NULL REFERENCES profiles(profile_id),
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			msgtype TEXT,
			mxc_url TEXT,
			content_blob BLOB NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			stamp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_room_ts ON events (room_id, ts, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_sender_ts ON events (sender_id, ts);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			room_id TEXT NOT NULL,
			token TEXT NOT NULL,
			direction TEXT NOT NULL,
			full_crawl INTEGER NOT NULL DEFAULT 0,
			UNIQUE(room_id, token, direction, full_crawl)
		);`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
