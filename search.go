package seshat

import (
	"context"
	"errors"
	"fmt"

	"github.com/seshatdb/seshat/eventstore"
	"github.com/seshatdb/seshat/index"
	"github.com/seshatdb/seshat/libdbexec"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSearchLimit = 10
	defaultFileLimit   = 10
	hydrationWorkers   = 4
)

// Search runs on the caller's goroutine against the latest published index
// snapshot; it never enters the writer queue. Hits are hydrated from the
// relational store with surrounding context and the sender profiles that
// were current at each event's timestamp.
func (d *db) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if d.poisoned.Load() {
		return nil, ErrPoolPoisoned
	}
	select {
	case <-d.done:
		return nil, ErrShutdown
	default:
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}

	reader := d.idx.Reader()
	ranked, err := reader.Search(index.SearchRequest{
		Term:           req.Term,
		Limit:          req.Limit,
		OrderByRecency: req.OrderByRecency,
		RoomID:         req.RoomID,
		NextBatch:      req.NextBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexFailure, err)
	}

	ids := make([]string, 0, len(ranked.Hits))
	for _, hit := range ranked.Hits {
		ids = append(ids, hit.EventID)
	}
	rows, err := d.readStore.EventsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	scores := make(map[string]float64, len(ranked.Hits))
	for _, hit := range ranked.Hits {
		scores[hit.EventID] = hit.Score
	}

	// Index and store can briefly disagree between a store commit and the
	// matching snapshot swap; hits without a stored row are dropped rather
	// than surfaced half-hydrated.
	results := make([]SearchResultItem, len(rows))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(hydrationWorkers)
	for i, row := range rows {
		group.Go(func() error {
			item, err := d.hydrateHit(groupCtx, row, scores[row.EventID], req.BeforeLimit, req.AfterLimit)
			if err != nil {
				return err
			}
			results[i] = item
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return &SearchResult{
		Count:     ranked.Count,
		Results:   results,
		NextBatch: ranked.NextBatch,
	}, nil
}

func (d *db) hydrateHit(ctx context.Context, row *eventstore.EventRow, score float64, beforeLimit, afterLimit int) (SearchResultItem, error) {
	event, err := decodeEventBlob(d.crypto, row.ContentBlob)
	if err != nil {
		return SearchResultItem{}, err
	}
	item := SearchResultItem{
		Score: score,
		Event: event,
		Context: SearchContext{
			EventsBefore: []Event{},
			EventsAfter:  []Event{},
			Profiles:     map[string]Profile{},
		},
	}
	if err := d.resolveProfile(ctx, item.Context.Profiles, row.SenderID, row.TS); err != nil {
		return SearchResultItem{}, err
	}
	if beforeLimit > 0 {
		before, err := d.readStore.EventsBefore(ctx, row.RoomID, row.TS, row.EventID, beforeLimit)
		if err != nil {
			return SearchResultItem{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		// Closest-first from the store; present oldest-first.
		for i := len(before) - 1; i >= 0; i-- {
			ev, err := d.contextEvent(ctx, item.Context.Profiles, before[i])
			if err != nil {
				return SearchResultItem{}, err
			}
			item.Context.EventsBefore = append(item.Context.EventsBefore, ev)
		}
	}
	if afterLimit > 0 {
		after, err := d.readStore.EventsAfter(ctx, row.RoomID, row.TS, row.EventID, afterLimit)
		if err != nil {
			return SearchResultItem{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		for _, ctxRow := range after {
			ev, err := d.contextEvent(ctx, item.Context.Profiles, ctxRow)
			if err != nil {
				return SearchResultItem{}, err
			}
			item.Context.EventsAfter = append(item.Context.EventsAfter, ev)
		}
	}
	return item, nil
}

func (d *db) contextEvent(ctx context.Context, profiles map[string]Profile, row *eventstore.EventRow) (Event, error) {
	event, err := decodeEventBlob(d.crypto, row.ContentBlob)
	if err != nil {
		return Event{}, err
	}
	if err := d.resolveProfile(ctx, profiles, row.SenderID, row.TS); err != nil {
		return Event{}, err
	}
	return event, nil
}

// resolveProfile records the sender's profile as of ts, first occurrence
// per sender winning so the hit's own timestamp anchors the snapshot.
func (d *db) resolveProfile(ctx context.Context, profiles map[string]Profile, senderID string, ts int64) error {
	if _, ok := profiles[senderID]; ok {
		return nil
	}
	profile, err := d.readStore.ProfileAt(ctx, senderID, ts)
	if err != nil {
		if errors.Is(err, libdbexec.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	profiles[senderID] = *profile
	return nil
}

// loadFileEvents runs inside the writer so pagination observes a settled
// store.
func (d *db) loadFileEvents(ctx context.Context, req LoadFileEventsRequest) ([]EventEntry, error) {
	if req.RoomID == "" {
		return nil, fmt.Errorf("%w: missing room_id", ErrInvalidConfig)
	}
	if req.Limit <= 0 {
		req.Limit = defaultFileLimit
	}
	direction := req.Direction
	if direction == "" {
		direction = LoadBackwards
	}
	rows, err := d.readStore.FileEvents(ctx, req.RoomID, req.Limit, req.FromEvent, direction)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	entries := make([]EventEntry, 0, len(rows))
	for _, row := range rows {
		event, err := decodeEventBlob(d.crypto, row.ContentBlob)
		if err != nil {
			return nil, err
		}
		profile, err := d.readStore.ProfileAt(ctx, row.SenderID, row.TS)
		if err != nil && !errors.Is(err, libdbexec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
		entry := EventEntry{Event: event}
		if profile != nil {
			entry.Profile = *profile
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
