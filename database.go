package seshat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/seshatdb/seshat/eventstore"
	"github.com/seshatdb/seshat/index"
	"github.com/seshatdb/seshat/libcipher"
	"github.com/seshatdb/seshat/libdbexec"
	"github.com/seshatdb/seshat/libroutine"
	"golang.org/x/time/rate"
)

// Database is the public surface of an opened Seshat database. Mutating
// operations go through the single background writer; Search and the
// writer never block each other beyond snapshot publication.
type Database interface {
	// AddEvent queues an event and its sender profile for the next commit.
	// Malformed events fail immediately; well-formed events without
	// indexable content are persisted but skipped by the index.
	AddEvent(ctx context.Context, event Event, profile Profile) error
	// DeleteEvent queues removal of an event. It resolves on the commit
	// that applies the tombstone, reporting whether the event was indexed.
	DeleteEvent(ctx context.Context, eventID string) (bool, error)
	// Commit forces a flush of all queued events and waits for both stores
	// to be durable. Returns the commit stamp.
	Commit(ctx context.Context) (int64, error)
	// CommitDeferred requests a rate-limited commit; it may coalesce with
	// the periodic flush and does not wait for durability.
	CommitDeferred(ctx context.Context) error
	// Reload swaps in the latest committed index state from disk.
	Reload(ctx context.Context) error
	// Search runs a ranked term query and hydrates hits with context and
	// historical profiles.
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
	// AddHistoricEvents commits a crawler batch as a single unit together
	// with its checkpoint changes. Reports whether every event in the
	// batch was already present.
	AddHistoricEvents(ctx context.Context, entries []EventEntry, newCheckpoint, oldCheckpoint *CrawlerCheckpoint) (bool, error)
	// AddCrawlerCheckpoint stores a checkpoint.
	AddCrawlerCheckpoint(ctx context.Context, checkpoint CrawlerCheckpoint) error
	// RemoveCrawlerCheckpoint deletes a checkpoint.
	RemoveCrawlerCheckpoint(ctx context.Context, checkpoint CrawlerCheckpoint) error
	// LoadCheckpoints enumerates all stored checkpoints.
	LoadCheckpoints(ctx context.Context) ([]CrawlerCheckpoint, error)
	// GetSize returns the database's on-disk footprint in bytes.
	GetSize(ctx context.Context) (int64, error)
	// GetStats returns event and room counts plus the on-disk size.
	GetStats(ctx context.Context) (*DatabaseStats, error)
	// IsEmpty reports whether the database holds no events.
	IsEmpty(ctx context.Context) (bool, error)
	// IsRoomIndexed reports whether the room has stored events.
	IsRoomIndexed(ctx context.Context, roomID string) (bool, error)
	// LoadFileEvents pages through events carrying media references.
	LoadFileEvents(ctx context.Context, req LoadFileEventsRequest) ([]EventEntry, error)
	// ChangePassphrase re-keys both stores under a new passphrase and
	// closes the database; reopen with the new passphrase.
	ChangePassphrase(ctx context.Context, newPassphrase string) error
	// Shutdown flushes queued events, closes both stores, and rejects all
	// later operations with a shutdown error.
	Shutdown(ctx context.Context) error
	// Delete shuts the database down and removes its directory.
	Delete(ctx context.Context) error
}

type db struct {
	path      string
	cfg       Config
	dbm       libdbexec.DBManager
	readStore eventstore.Store
	idx       *index.Index
	crypto    *cryptoState
	limiter   *rate.Limiter

	cmds chan command
	done chan struct{}

	poisoned  atomic.Bool
	stopFlush context.CancelFunc

	// Writer-owned state; only the worker goroutine touches these.
	stamp int64
	queue []queuedOp
}

var _ Database = (*db)(nil)

// Open opens or creates a database at path. When the stored index format
// version differs from the compiled one it fails with
// ErrIndexVersionMismatch; run Recovery and reopen.
func Open(ctx context.Context, path string, cfg Config) (Database, error) {
	cfg = cfg.withDefaults()
	if !index.ValidLanguage(cfg.Language) {
		return nil, fmt.Errorf("%w: unsupported language %q", ErrInvalidConfig, cfg.Language)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %w", ErrStoreFailure, err)
	}
	indexDir := filepath.Join(path, "index")
	crypto, err := openCrypto(indexDir, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	dbm, err := libdbexec.NewSQLiteDBManager(ctx, filepath.Join(path, "events.db"), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	exec := dbm.WithoutTransaction()
	if err := eventstore.InitSchema(ctx, exec); err != nil {
		_ = dbm.Close()
		return nil, fmt.Errorf("%w: initializing schema: %w", ErrStoreFailure, err)
	}
	store := eventstore.New(exec)
	version, err := store.IndexVersion(ctx)
	if err != nil {
		_ = dbm.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	switch version {
	case index.FormatVersion:
	case 0:
		// Fresh database, or one whose last index commit failed and was
		// marked stale. Either way the index directory contents are not
		// trustworthy for a version-0 store with events; a fresh store
		// just records the compiled version.
		empty, err := store.IsEmpty(ctx)
		if err != nil {
			_ = dbm.Close()
			return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		if !empty {
			_ = dbm.Close()
			return nil, fmt.Errorf("%w: index marked stale", ErrIndexVersionMismatch)
		}
		if err := store.SetIndexVersion(ctx, index.FormatVersion); err != nil {
			_ = dbm.Close()
			return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
	default:
		_ = dbm.Close()
		return nil, fmt.Errorf("%w: stored %d, compiled %d", ErrIndexVersionMismatch, version, index.FormatVersion)
	}

	var sealer = cryptoSealer(crypto)
	idx, err := index.Open(indexDir, index.Options{
		Language:       cfg.Language,
		Sealer:         sealer,
		MergeThreshold: cfg.SegmentMergeThreshold,
	})
	if err != nil {
		_ = dbm.Close()
		switch {
		case errors.Is(err, index.ErrVersionMismatch):
			return nil, fmt.Errorf("%w: %w", ErrIndexVersionMismatch, err)
		case errors.Is(err, index.ErrUnsupportedLanguage):
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrIndexFailure, err)
		}
	}
	stamp, err := store.LastStamp(ctx)
	if err != nil {
		_ = dbm.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}

	d := &db{
		path:      path,
		cfg:       cfg,
		dbm:       dbm,
		readStore: store,
		idx:       idx,
		crypto:    crypto,
		limiter:   rate.NewLimiter(rate.Every(cfg.CommitInterval), 1),
		cmds:      make(chan command),
		done:      make(chan struct{}),
		stamp:     stamp,
	}
	go d.worker()

	// Background flush so queued events become durable without explicit
	// commits. Guarded by a circuit breaker like every maintenance loop.
	flushCtx, cancel := context.WithCancel(context.Background())
	d.stopFlush = cancel
	flush := libroutine.NewRoutine(3, 4*cfg.CommitInterval)
	go flush.Loop(flushCtx, cfg.CommitInterval, make(chan struct{}), func(ctx context.Context) error {
		_, err := d.submit(ctx, command{kind: cmdCommit})
		if errors.Is(err, ErrShutdown) || errors.Is(err, ErrPoolPoisoned) {
			return nil
		}
		return err
	}, nil)

	var handle Database = d
	if cfg.Tracker != nil {
		handle = WithActivityTracker(d, cfg.Tracker)
	}
	return handle, nil
}

// IsIndexVersionMismatch reports whether an Open error asks for recovery.
func IsIndexVersionMismatch(err error) bool {
	return errors.Is(err, ErrIndexVersionMismatch)
}

func cryptoSealer(c *cryptoState) *libcipher.Sealer {
	if c == nil {
		return nil
	}
	return c.sealer
}

// submit hands a command to the writer and waits for its completion.
func (d *db) submit(ctx context.Context, cmd command) (commandResult, error) {
	if d.poisoned.Load() {
		return commandResult{}, ErrPoolPoisoned
	}
	cmd.reply = make(chan commandResult, 1)
	select {
	case d.cmds <- cmd:
	case <-d.done:
		return commandResult{}, ErrShutdown
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		// The command is already accepted and will still run; only the
		// caller's wait is cancelled.
		return commandResult{}, ctx.Err()
	}
}

func (d *db) AddEvent(ctx context.Context, event Event, profile Profile) error {
	validated, err := validateEvent(event)
	if err != nil {
		return err
	}
	_, err = d.submit(ctx, command{kind: cmdAddEvent, validated: validated, profile: profile})
	return err
}

func (d *db) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	res, err := d.submit(ctx, command{kind: cmdDeleteEvent, eventID: eventID})
	return res.ok, err
}

func (d *db) Commit(ctx context.Context) (int64, error) {
	res, err := d.submit(ctx, command{kind: cmdCommit, force: true})
	return res.stamp, err
}

func (d *db) CommitDeferred(ctx context.Context) error {
	_, err := d.submit(ctx, command{kind: cmdCommit})
	return err
}

func (d *db) Reload(ctx context.Context) error {
	_, err := d.submit(ctx, command{kind: cmdReload})
	return err
}

func (d *db) AddHistoricEvents(ctx context.Context, entries []EventEntry, newCheckpoint, oldCheckpoint *CrawlerCheckpoint) (bool, error) {
	validated := make([]*validatedEvent, 0, len(entries))
	profiles := make([]Profile, 0, len(entries))
	for i := range entries {
		ve, err := validateEvent(entries[i].Event)
		if err != nil {
			return false, err
		}
		validated = append(validated, ve)
		profiles = append(profiles, entries[i].Profile)
	}
	res, err := d.submit(ctx, command{
		kind:          cmdAddHistoric,
		historic:      validated,
		profiles:      profiles,
		newCheckpoint: newCheckpoint,
		oldCheckpoint: oldCheckpoint,
	})
	return res.ok, err
}

func (d *db) AddCrawlerCheckpoint(ctx context.Context, checkpoint CrawlerCheckpoint) error {
	_, err := d.submit(ctx, command{kind: cmdAddCheckpoint, checkpoint: checkpoint})
	return err
}

func (d *db) RemoveCrawlerCheckpoint(ctx context.Context, checkpoint CrawlerCheckpoint) error {
	_, err := d.submit(ctx, command{kind: cmdRemoveCheckpoint, checkpoint: checkpoint})
	return err
}

func (d *db) LoadCheckpoints(ctx context.Context) ([]CrawlerCheckpoint, error) {
	res, err := d.submit(ctx, command{kind: cmdLoadCheckpoints})
	return res.checkpoints, err
}

func (d *db) GetSize(ctx context.Context) (int64, error) {
	res, err := d.submit(ctx, command{kind: cmdGetSize})
	return res.size, err
}

func (d *db) GetStats(ctx context.Context) (*DatabaseStats, error) {
	res, err := d.submit(ctx, command{kind: cmdGetStats})
	return res.stats, err
}

func (d *db) IsEmpty(ctx context.Context) (bool, error) {
	res, err := d.submit(ctx, command{kind: cmdIsEmpty})
	return res.ok, err
}

func (d *db) IsRoomIndexed(ctx context.Context, roomID string) (bool, error) {
	res, err := d.submit(ctx, command{kind: cmdIsRoomIndexed, roomID: roomID})
	return res.ok, err
}

func (d *db) LoadFileEvents(ctx context.Context, req LoadFileEventsRequest) ([]EventEntry, error) {
	res, err := d.submit(ctx, command{kind: cmdLoadFileEvents, fileReq: req})
	return res.entries, err
}

func (d *db) ChangePassphrase(ctx context.Context, newPassphrase string) error {
	_, err := d.submit(ctx, command{kind: cmdChangePassphrase, passphrase: newPassphrase})
	return err
}

func (d *db) Shutdown(ctx context.Context) error {
	_, err := d.submit(ctx, command{kind: cmdShutdown})
	return err
}

func (d *db) Delete(ctx context.Context) error {
	_, err := d.submit(ctx, command{kind: cmdDelete})
	return err
}

// diskSize sums the sizes of every file under the database directory.
func diskSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: measuring database size: %w", ErrStoreFailure, err)
	}
	return total, nil
}
