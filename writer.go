package seshat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seshatdb/seshat/eventstore"
	"github.com/seshatdb/seshat/index"
)

type commandKind int

const (
	cmdAddEvent commandKind = iota
	cmdDeleteEvent
	cmdCommit
	cmdReload
	cmdAddHistoric
	cmdAddCheckpoint
	cmdRemoveCheckpoint
	cmdLoadCheckpoints
	cmdGetSize
	cmdGetStats
	cmdIsEmpty
	cmdIsRoomIndexed
	cmdLoadFileEvents
	cmdChangePassphrase
	cmdShutdown
	cmdDelete
)

// command is one typed request for the writer. Commands are linearized by
// arrival on the channel; each carries its own buffered reply channel.
type command struct {
	kind          commandKind
	validated     *validatedEvent
	profile       Profile
	eventID       string
	historic      []*validatedEvent
	profiles      []Profile
	newCheckpoint *CrawlerCheckpoint
	oldCheckpoint *CrawlerCheckpoint
	checkpoint    CrawlerCheckpoint
	roomID        string
	force         bool
	fileReq       LoadFileEventsRequest
	passphrase    string
	reply         chan commandResult
}

type commandResult struct {
	err         error
	stamp       int64
	ok          bool
	size        int64
	stats       *DatabaseStats
	checkpoints []CrawlerCheckpoint
	entries     []EventEntry
}

// queuedOp is one uncommitted write, in arrival order. Exactly one of add
// or del is set. Delete replies are held until the commit that applies
// them.
type queuedOp struct {
	add        *validatedEvent
	addProfile Profile
	del        string
	delReply   chan commandResult
}

// worker is the single mutator of both stores. A panic poisons the handle
// rather than taking the process down.
func (d *db) worker() {
	var current *command
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		d.poisoned.Store(true)
		d.closeDown()
		poisonErr := fmt.Errorf("%w: %v", ErrPoolPoisoned, r)
		if current != nil {
			select {
			case current.reply <- commandResult{err: poisonErr}:
			default:
			}
		}
		d.failQueue(poisonErr)
		d.drainChannel(poisonErr)
	}()
	for {
		cmd := <-d.cmds
		current = &cmd
		stop := d.handle(&cmd)
		current = nil
		if stop {
			return
		}
	}
}

func (d *db) closeDown() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	if d.stopFlush != nil {
		d.stopFlush()
	}
}

// failQueue resolves every held delete reply with err and drops the queue.
func (d *db) failQueue(err error) {
	for _, op := range d.queue {
		if op.delReply != nil {
			op.delReply <- commandResult{err: err}
		}
	}
	d.queue = nil
}

// drainChannel answers commands that raced into the channel after the
// writer stopped serving.
func (d *db) drainChannel(err error) {
	for {
		select {
		case cmd := <-d.cmds:
			cmd.reply <- commandResult{err: err}
		default:
			return
		}
	}
}

func (d *db) handle(cmd *command) bool {
	ctx := context.Background()
	switch cmd.kind {
	case cmdAddEvent:
		d.queue = append(d.queue, queuedOp{add: cmd.validated, addProfile: cmd.profile})
		cmd.reply <- commandResult{}
	case cmdDeleteEvent:
		// Resolved by the commit that applies the tombstone.
		d.queue = append(d.queue, queuedOp{del: cmd.eventID, delReply: cmd.reply})
	case cmdCommit:
		stamp, err := d.commitQueued(ctx, cmd.force)
		cmd.reply <- commandResult{stamp: stamp, err: err}
	case cmdReload:
		err := d.idx.Reload()
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrIndexFailure, err)
		}
		cmd.reply <- commandResult{err: err}
	case cmdAddHistoric:
		ops := make([]queuedOp, 0, len(cmd.historic))
		for i, ve := range cmd.historic {
			ops = append(ops, queuedOp{add: ve, addProfile: cmd.profiles[i]})
		}
		_, allPresent, err := d.runCommit(ctx, ops, cmd.newCheckpoint, cmd.oldCheckpoint)
		cmd.reply <- commandResult{ok: allPresent, err: err}
	case cmdAddCheckpoint:
		err := d.readStore.UpsertCheckpoint(ctx, &cmd.checkpoint)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		cmd.reply <- commandResult{err: err}
	case cmdRemoveCheckpoint:
		err := d.readStore.DeleteCheckpoint(ctx, &cmd.checkpoint)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		cmd.reply <- commandResult{err: err}
	case cmdLoadCheckpoints:
		list, err := d.readStore.ListCheckpoints(ctx)
		if err != nil {
			cmd.reply <- commandResult{err: fmt.Errorf("%w: %w", ErrStoreFailure, err)}
			break
		}
		checkpoints := make([]CrawlerCheckpoint, 0, len(list))
		for _, cp := range list {
			checkpoints = append(checkpoints, *cp)
		}
		cmd.reply <- commandResult{checkpoints: checkpoints}
	case cmdGetSize:
		size, err := diskSize(d.path)
		cmd.reply <- commandResult{size: size, err: err}
	case cmdGetStats:
		stats, err := d.readStore.Stats(ctx)
		if err != nil {
			cmd.reply <- commandResult{err: fmt.Errorf("%w: %w", ErrStoreFailure, err)}
			break
		}
		size, err := diskSize(d.path)
		if err != nil {
			cmd.reply <- commandResult{err: err}
			break
		}
		cmd.reply <- commandResult{stats: &DatabaseStats{
			EventCount: stats.EventCount,
			RoomCount:  stats.RoomCount,
			SizeBytes:  size,
		}}
	case cmdIsEmpty:
		empty, err := d.readStore.IsEmpty(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		cmd.reply <- commandResult{ok: empty, err: err}
	case cmdIsRoomIndexed:
		indexed, err := d.readStore.IsRoomIndexed(ctx, cmd.roomID)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		cmd.reply <- commandResult{ok: indexed, err: err}
	case cmdLoadFileEvents:
		entries, err := d.loadFileEvents(ctx, cmd.fileReq)
		cmd.reply <- commandResult{entries: entries, err: err}
	case cmdChangePassphrase:
		if d.crypto == nil {
			cmd.reply <- commandResult{err: fmt.Errorf("%w: database is not encrypted", ErrInvalidConfig)}
			break
		}
		if cmd.passphrase == "" {
			cmd.reply <- commandResult{err: fmt.Errorf("%w: empty passphrase", ErrInvalidConfig)}
			break
		}
		err := d.changePassphrase(ctx, cmd.passphrase)
		closeErr := d.closeStores()
		if err == nil {
			err = closeErr
		}
		d.closeDown()
		cmd.reply <- commandResult{err: err}
		d.drainChannel(ErrShutdown)
		return true
	case cmdShutdown, cmdDelete:
		_, err := d.commitQueued(ctx, true)
		closeErr := d.closeStores()
		if err == nil {
			err = closeErr
		}
		if cmd.kind == cmdDelete {
			if removeErr := os.RemoveAll(d.path); removeErr != nil && err == nil {
				err = fmt.Errorf("%w: removing database directory: %w", ErrStoreFailure, removeErr)
			}
		}
		d.closeDown()
		cmd.reply <- commandResult{err: err}
		d.drainChannel(ErrShutdown)
		return true
	default:
		cmd.reply <- commandResult{err: fmt.Errorf("%w: unknown command %d", ErrPoolPoisoned, cmd.kind)}
	}
	return false
}

func (d *db) closeStores() error {
	idxErr := d.idx.Close()
	storeErr := d.dbm.Close()
	if storeErr != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailure, storeErr)
	}
	if idxErr != nil {
		return fmt.Errorf("%w: %w", ErrIndexFailure, idxErr)
	}
	return nil
}

func (d *db) changePassphrase(ctx context.Context, newPassphrase string) error {
	if _, err := d.commitQueued(ctx, true); err != nil {
		return err
	}
	return d.crypto.rewrap(indexDirOf(d.path), newPassphrase)
}

// commitQueued flushes the current queue. Non-forced commits are rate
// limited and coalesce: when the bucket is empty the queue simply stays
// for a later flush. Returns the stamp of the last successful commit.
func (d *db) commitQueued(ctx context.Context, force bool) (int64, error) {
	if len(d.queue) == 0 {
		return d.stamp, nil
	}
	if !force && !d.limiter.Allow() {
		return d.stamp, nil
	}
	ops := d.queue
	d.queue = nil
	stamp, _, err := d.runCommit(ctx, ops, nil, nil)
	return stamp, err
}

// runCommit applies one batch to both stores: an event store transaction
// and an index write batch, committed in that order. The relational store
// is authoritative; if the index commit fails after the transaction
// committed, the store is marked index-stale so the next open routes to
// recovery.
func (d *db) runCommit(ctx context.Context, ops []queuedOp, newCheckpoint, oldCheckpoint *CrawlerCheckpoint) (int64, bool, error) {
	if len(ops) == 0 && newCheckpoint == nil && oldCheckpoint == nil {
		return d.stamp, true, nil
	}
	exec, commitTx, release, err := d.dbm.WithTransaction(ctx)
	if err != nil {
		failErr := fmt.Errorf("%w: %w", ErrStoreFailure, err)
		failOps(ops, failErr)
		return d.stamp, false, failErr
	}
	defer func() { _ = release() }()
	store := eventstore.New(exec)
	stamp := d.stamp + 1
	batch := d.idx.NewBatch()
	reader := d.idx.Reader()

	// Net visibility per event id: the last queued op wins. The store sees
	// every op in arrival order; the index batch sees only the outcome.
	finalDeleted := make(map[string]bool)
	pendingIndexable := make(map[string]bool)
	allPresent := true
	type heldDelete struct {
		reply      chan commandResult
		wasIndexed bool
	}
	var deletes []heldDelete

	for _, op := range ops {
		if op.add != nil {
			profileID, err := store.UpsertProfile(ctx, &op.addProfile)
			if err != nil {
				return d.failCommit(ops, err)
			}
			blob, err := json.Marshal(&op.add.event)
			if err != nil {
				return d.failCommit(ops, err)
			}
			sealed, err := d.crypto.seal(blob)
			if err != nil {
				return d.failCommit(ops, err)
			}
			present, err := store.InsertEvent(ctx, &op.add.event, profileID, sealed, op.add.mxcURL, stamp)
			if err != nil {
				return d.failCommit(ops, err)
			}
			allPresent = allPresent && present
			finalDeleted[op.add.event.EventID] = false
			pendingIndexable[op.add.event.EventID] = op.add.indexable
			continue
		}
		if _, err := store.MarkEventDeleted(ctx, op.del); err != nil {
			return d.failCommit(ops, err)
		}
		wasIndexed := reader.Contains(op.del) || pendingIndexable[op.del]
		finalDeleted[op.del] = true
		pendingIndexable[op.del] = false
		deletes = append(deletes, heldDelete{reply: op.delReply, wasIndexed: wasIndexed})
	}
	for _, op := range ops {
		if op.add != nil && op.add.indexable && !finalDeleted[op.add.event.EventID] {
			batch.Add(index.Document{
				EventID: op.add.event.EventID,
				Body:    op.add.indexedText,
				RoomID:  op.add.event.RoomID,
				Sender:  op.add.event.Sender,
				Type:    op.add.event.Type,
				TS:      op.add.event.ServerTS,
			})
		}
	}
	for id, deleted := range finalDeleted {
		if deleted {
			batch.Delete(id)
		}
	}

	if newCheckpoint != nil {
		if err := store.UpsertCheckpoint(ctx, newCheckpoint); err != nil {
			return d.failCommit(ops, err)
		}
	}
	if oldCheckpoint != nil {
		if err := store.DeleteCheckpoint(ctx, oldCheckpoint); err != nil {
			return d.failCommit(ops, err)
		}
	}
	if err := store.SetLastStamp(ctx, stamp); err != nil {
		return d.failCommit(ops, err)
	}
	if err := commitTx(ctx); err != nil {
		return d.failCommit(ops, err)
	}

	generation, err := d.idx.Commit(batch)
	if err != nil {
		// The relational store already committed. Mark the index stale so
		// the next open routes to recovery instead of serving a diverged
		// view.
		_ = d.readStore.SetIndexVersion(ctx, 0)
		failErr := fmt.Errorf("%w: %w", ErrIndexFailure, err)
		for _, del := range deletes {
			if del.reply != nil {
				del.reply <- commandResult{err: failErr}
			}
		}
		return d.stamp, false, failErr
	}

	d.stamp = stamp
	for _, del := range deletes {
		if del.reply != nil {
			del.reply <- commandResult{ok: del.wasIndexed}
		}
	}
	d.publishCommit(ctx, stamp, generation, ops)
	return stamp, allPresent, nil
}

// failCommit reports a store failure to every waiter of the batch. Per the
// error contract partial progress is not exposed: the transaction rolls
// back and the batch is dropped, not re-queued.
func (d *db) failCommit(ops []queuedOp, cause error) (int64, bool, error) {
	failErr := fmt.Errorf("%w: %w", ErrStoreFailure, cause)
	failOps(ops, failErr)
	return d.stamp, false, failErr
}

func failOps(ops []queuedOp, err error) {
	for _, op := range ops {
		if op.delReply != nil {
			op.delReply <- commandResult{err: err}
		}
	}
}

func (d *db) publishCommit(ctx context.Context, stamp, generation int64, ops []queuedOp) {
	added, deleted := 0, 0
	for _, op := range ops {
		if op.add != nil {
			added++
		} else {
			deleted++
		}
	}
	payload, err := json.Marshal(commitNotification{
		Stamp:      stamp,
		Added:      added,
		Deleted:    deleted,
		Generation: generation,
	})
	if err != nil {
		return
	}
	_ = d.cfg.Messenger.Publish(ctx, SubjectCommit, payload)
}

func indexDirOf(path string) string {
	return filepath.Join(path, "index")
}
