package seshat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/seshatdb/seshat/eventstore"
	"github.com/seshatdb/seshat/index"
	"github.com/seshatdb/seshat/libdbexec"
)

const reindexBatchSize = 500

// RecoveryInfo is a progress snapshot of a running or finished rebuild,
// also published as JSON on SubjectReindex after every batch.
type RecoveryInfo struct {
	Total     int64 `json:"total"`
	Reindexed int64 `json:"reindexed"`
	Done      bool  `json:"done"`
}

// Recovery rebuilds the full-text index from the relational store. It is
// the answer to ErrIndexVersionMismatch: open a Recovery on the same path,
// run Reindex, then reopen the database normally. The event store is never
// modified beyond the version marker, so no data is lost even when the
// index directory is unreadable.
type Recovery struct {
	path   string
	cfg    Config
	dbm    libdbexec.DBManager
	store  eventstore.Store
	idx    *index.Index
	crypto *cryptoState

	total     atomic.Int64
	reindexed atomic.Int64
	done      atomic.Bool
}

// NewRecovery opens the event store at path and a fresh index, discarding
// whatever index state was on disk. The passphrase and language must match
// the ones the database was created with.
func NewRecovery(ctx context.Context, path string, cfg Config) (*Recovery, error) {
	cfg = cfg.withDefaults()
	if !index.ValidLanguage(cfg.Language) {
		return nil, fmt.Errorf("%w: unsupported language %q", ErrInvalidConfig, cfg.Language)
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
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	store := eventstore.New(exec)
	stats, err := store.Stats(ctx)
	if err != nil {
		_ = dbm.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	idx, err := index.Open(indexDir, index.Options{
		Language:       cfg.Language,
		Sealer:         cryptoSealer(crypto),
		MergeThreshold: cfg.SegmentMergeThreshold,
		Overwrite:      true,
	})
	if err != nil {
		_ = dbm.Close()
		return nil, fmt.Errorf("%w: %w", ErrIndexFailure, err)
	}
	r := &Recovery{
		path:   path,
		cfg:    cfg,
		dbm:    dbm,
		store:  store,
		idx:    idx,
		crypto: crypto,
	}
	r.total.Store(stats.EventCount)
	return r, nil
}

// Reindex streams every live event out of the store and back into the
// fresh index, then stamps the store with the compiled format version so
// the next Open succeeds.
func (r *Recovery) Reindex(ctx context.Context) error {
	var afterRowID int64
	for {
		rows, err := r.store.EventBatch(ctx, afterRowID, reindexBatchSize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		if len(rows) == 0 {
			break
		}
		batch := r.idx.NewBatch()
		for _, row := range rows {
			afterRowID = row.RowID
			event, err := decodeEventBlob(r.crypto, row.ContentBlob)
			if err != nil {
				return err
			}
			validated, err := validateEvent(event)
			if err != nil {
				return fmt.Errorf("%w: stored event %s: %w", ErrStoreFailure, row.EventID, err)
			}
			if !validated.indexable {
				continue
			}
			batch.Add(index.Document{
				EventID: event.EventID,
				Body:    validated.indexedText,
				RoomID:  event.RoomID,
				Sender:  event.Sender,
				Type:    event.Type,
				TS:      event.ServerTS,
			})
		}
		if _, err := r.idx.Commit(batch); err != nil {
			return fmt.Errorf("%w: %w", ErrIndexFailure, err)
		}
		r.reindexed.Add(int64(len(rows)))
		r.publish(ctx)
	}
	if err := r.store.SetIndexVersion(ctx, index.FormatVersion); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	r.done.Store(true)
	r.publish(ctx)
	return nil
}

// Info reports progress without blocking the rebuild.
func (r *Recovery) Info() RecoveryInfo {
	return RecoveryInfo{
		Total:     r.total.Load(),
		Reindexed: r.reindexed.Load(),
		Done:      r.done.Load(),
	}
}

func (r *Recovery) publish(ctx context.Context) {
	payload, err := json.Marshal(r.Info())
	if err != nil {
		return
	}
	_ = r.cfg.Messenger.Publish(ctx, SubjectReindex, payload)
}

// Close releases the store and index handles.
func (r *Recovery) Close() error {
	idxErr := r.idx.Close()
	if err := r.dbm.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	if idxErr != nil {
		return fmt.Errorf("%w: %w", ErrIndexFailure, idxErr)
	}
	return nil
}
