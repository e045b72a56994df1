// Package seshat is an embeddable full-text search and event store for
// Matrix-family chat events. It binds a relational event store (SQLite) to
// a derived full-text index, funnels all mutations through one background
// writer that assigns monotonically increasing commit stamps, and answers
// ranked term queries enriched with conversational context and historical
// sender profiles.
package seshat

import (
	"github.com/seshatdb/seshat/eventstore"
)

// Domain types are shared with the relational store package.
type (
	// Event is a single chat event; Content round-trips byte-for-byte.
	Event = eventstore.Event
	// Profile is an append-only sender profile snapshot.
	Profile = eventstore.Profile
	// CrawlerCheckpoint is a resumable position in a room's timeline.
	CrawlerCheckpoint = eventstore.CrawlerCheckpoint
	// CheckpointDirection tells a crawler which way a checkpoint points.
	CheckpointDirection = eventstore.CheckpointDirection
	// EventEntry pairs an event with the sender profile at its time.
	EventEntry = eventstore.EventEntry
	// LoadDirection selects which side of a reference event to load from.
	LoadDirection = eventstore.LoadDirection
)

const (
	CheckpointBackwards = eventstore.CheckpointBackwards
	CheckpointForwards  = eventstore.CheckpointForwards
	LoadBackwards       = eventstore.LoadBackwards
	LoadForwards        = eventstore.LoadForwards
)

// SearchRequest is a ranked term query with optional per-room filtering
// and surrounding-context limits.
type SearchRequest struct {
	Term           string
	Limit          int
	BeforeLimit    int
	AfterLimit     int
	OrderByRecency bool
	RoomID         string
	NextBatch      string
}

// SearchContext is the conversational context around one hit. Profiles
// maps each sender appearing in the hit or its context to the profile
// snapshot that was current at the time.
type SearchContext struct {
	EventsBefore []Event            `json:"events_before"`
	EventsAfter  []Event            `json:"events_after"`
	Profiles     map[string]Profile `json:"profile_info"`
}

// SearchResultItem is one ranked hit with its original event and context.
type SearchResultItem struct {
	Score   float64       `json:"rank"`
	Event   Event         `json:"result"`
	Context SearchContext `json:"context"`
}

// SearchResult is the hydrated answer to a search request. Count is the
// total number of matches; NextBatch continues the listing when non-empty.
type SearchResult struct {
	Count     int                `json:"count"`
	Results   []SearchResultItem `json:"results"`
	NextBatch string             `json:"next_batch,omitempty"`
}

// DatabaseStats summarizes the database contents and on-disk footprint.
type DatabaseStats struct {
	EventCount int64 `json:"event_count"`
	RoomCount  int64 `json:"room_count"`
	SizeBytes  int64 `json:"size"`
}

// LoadFileEventsRequest pages through events carrying a media reference in
// one room, newest first, from an optional reference event.
type LoadFileEventsRequest struct {
	RoomID    string
	Limit     int
	FromEvent string
	Direction LoadDirection
}
