package seshat

import (
	"time"

	"github.com/seshatdb/seshat/libbus"
	"github.com/seshatdb/seshat/libtracker"
)

// Subjects the database publishes notifications on.
const (
	// SubjectCommit carries a JSON commitNotification after every commit
	// that changed state.
	SubjectCommit = "seshat.commit"
	// SubjectReindex carries JSON RecoveryInfo snapshots during a rebuild.
	SubjectReindex = "seshat.reindex"
)

// Config tunes an opened database. The zero value is usable: english
// analyzer, no encryption, 500ms commit interval, in-memory messenger,
// no activity tracking.
type Config struct {
	// Language selects the index analyzer. Validated against the
	// analyzer's supported set at open.
	Language string
	// Passphrase enables at-rest encryption of both stores when non-empty.
	Passphrase string
	// CommitInterval bounds the rate of non-forced commits and paces the
	// background flush loop.
	CommitInterval time.Duration
	// SegmentMergeThreshold is the live index segment count above which a
	// commit compacts.
	SegmentMergeThreshold int
	// Tracker observes every public operation when set.
	Tracker libtracker.ActivityTracker
	// Messenger receives commit and reindex notifications. Defaults to an
	// in-memory messenger; inject a NATS-backed one to fan out across
	// processes.
	Messenger libbus.Messenger
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "english"
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = 500 * time.Millisecond
	}
	if c.Messenger == nil {
		c.Messenger = libbus.NewInMem()
	}
	return c
}

// commitNotification is the JSON payload published on SubjectCommit.
type commitNotification struct {
	Stamp      int64 `json:"stamp"`
	Added      int   `json:"added"`
	Deleted    int   `json:"deleted"`
	Generation int64 `json:"generation"`
}
