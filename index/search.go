package index

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// ErrBadCursor is returned when a pagination cursor is malformed or was
// issued for a different query.
var ErrBadCursor = errors.New("index: invalid pagination cursor")

// SearchRequest is a term query with optional conjunctive exact-match
// filters and an optional continuation cursor from a previous result.
type SearchRequest struct {
	Term           string
	Limit          int
	OrderByRecency bool
	RoomID         string
	Sender         string
	EventType      string
	NextBatch      string
}

// Hit is one ranked result.
type Hit struct {
	EventID string
	Score   float64
}

// SearchResult carries the total match count, up to Limit hits, and a
// cursor when more results remain.
type SearchResult struct {
	Count     int
	Hits      []Hit
	NextBatch string
}

// docRef locates a document inside a snapshot: segment position within the
// snapshot's segment slice plus local doc id.
type docRef struct {
	seg int
	doc uint32
}

// Reader is an immutable snapshot of the committed index. Readers acquired
// before a commit keep serving the old view.
type Reader struct {
	generation int64
	segments   []*segment
	analyzer   *analyzer
	winners    map[string]docRef
	totalLen   uint64
}

// findWinners resolves each event id to its single visible document: the
// copy in the latest segment, unless a tombstone at or after that segment
// kills it.
func findWinners(segments []*segment, tombstones map[string]int64) map[string]docRef {
	winners := make(map[string]docRef)
	for si, seg := range segments {
		for local := range seg.docs {
			winners[seg.docs[local].EventID] = docRef{seg: si, doc: uint32(local)}
		}
	}
	for id, asOf := range tombstones {
		if ref, ok := winners[id]; ok && segments[ref.seg].id <= asOf {
			delete(winners, id)
		}
	}
	return winners
}

func buildReader(generation int64, segments []*segment, tombstones map[string]int64, an *analyzer) *Reader {
	winners := findWinners(segments, tombstones)
	var totalLen uint64
	for _, ref := range winners {
		totalLen += uint64(segments[ref.seg].docs[ref.doc].Length)
	}
	return &Reader{
		generation: generation,
		segments:   segments,
		analyzer:   an,
		winners:    winners,
		totalLen:   totalLen,
	}
}

// Generation returns the commit generation this snapshot was taken at.
func (r *Reader) Generation() int64 {
	return r.generation
}

// DocCount returns the number of visible documents.
func (r *Reader) DocCount() int {
	return len(r.winners)
}

// Contains reports whether a document for the event id is visible.
func (r *Reader) Contains(eventID string) bool {
	_, ok := r.winners[eventID]
	return ok
}

// scored is an internal match with its full ordering key.
type scored struct {
	EventID string
	Score   float64
	TS      int64
}

// Search runs a term query against the snapshot. Multiple terms combine
// with OR semantics; scores are summed BM25 contributions.
func (r *Reader) Search(req SearchRequest) (*SearchResult, error) {
	terms := dedupe(r.analyzer.Tokens(req.Term))
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	hash := r.queryHash(terms, req)
	var after *cursorPayload
	if req.NextBatch != "" {
		cursor, err := decodeCursor(req.NextBatch)
		if err != nil {
			return nil, err
		}
		if cursor.Hash != hash {
			return nil, fmt.Errorf("%w: cursor issued for a different query", ErrBadCursor)
		}
		after = cursor
	}
	if len(terms) == 0 {
		return &SearchResult{}, nil
	}

	matches := make(map[string]*scored)
	docCount := float64(len(r.winners))
	avgLen := 1.0
	if len(r.winners) > 0 {
		avgLen = float64(r.totalLen) / docCount
		if avgLen == 0 {
			avgLen = 1.0
		}
	}
	for _, term := range terms {
		type occurrence struct {
			entry *docEntry
			freq  uint32
		}
		var occurrences []occurrence
		for si, seg := range r.segments {
			plist := seg.postings[term]
			if len(plist) == 0 {
				continue
			}
			filter, restricted := seg.filterBitmap(req.RoomID, req.Sender, req.EventType)
			for i := range plist {
				p := plist[i]
				if restricted && !filter.Contains(p.Doc) {
					continue
				}
				entry := &seg.docs[p.Doc]
				if r.winners[entry.EventID] != (docRef{seg: si, doc: p.Doc}) {
					continue
				}
				occurrences = append(occurrences, occurrence{entry: entry, freq: p.Freq})
			}
		}
		if len(occurrences) == 0 {
			continue
		}
		df := float64(len(occurrences))
		idf := math.Log(1 + (docCount-df+0.5)/(df+0.5))
		for _, occ := range occurrences {
			tf := float64(occ.freq)
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(occ.entry.Length)/avgLen))
			m, ok := matches[occ.entry.EventID]
			if !ok {
				m = &scored{EventID: occ.entry.EventID, TS: occ.entry.TS}
				matches[occ.entry.EventID] = m
			}
			m.Score += idf * norm
		}
	}

	ranked := make([]scored, 0, len(matches))
	for _, m := range matches {
		ranked = append(ranked, *m)
	}
	sortRanked(ranked, req.OrderByRecency)

	start := 0
	if after != nil {
		start = len(ranked)
		for i := range ranked {
			if rankedLess(after.asScored(), ranked[i], req.OrderByRecency) {
				start = i
				break
			}
		}
	}
	end := start + limit
	if end > len(ranked) {
		end = len(ranked)
	}
	result := &SearchResult{Count: len(ranked)}
	for _, m := range ranked[start:end] {
		result.Hits = append(result.Hits, Hit{EventID: m.EventID, Score: m.Score})
	}
	if end < len(ranked) {
		last := ranked[end-1]
		cursor, err := encodeCursor(&cursorPayload{
			Hash:    hash,
			Score:   last.Score,
			TS:      last.TS,
			EventID: last.EventID,
		})
		if err != nil {
			return nil, err
		}
		result.NextBatch = cursor
	}
	return result, nil
}

func dedupe(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, term := range terms {
		if !seen[term] {
			seen[term] = true
			out = append(out, term)
		}
	}
	return out
}

// sortRanked orders matches. Relevance: score desc, ts desc, event id asc.
// Recency: ts desc, score desc, event id asc.
func sortRanked(ranked []scored, byRecency bool) {
	sort.Slice(ranked, func(i, j int) bool {
		return rankedLess(ranked[i], ranked[j], byRecency)
	})
}

// rankedLess reports whether a sorts before b in result order.
func rankedLess(a, b scored, byRecency bool) bool {
	if byRecency {
		if a.TS != b.TS {
			return a.TS > b.TS
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
	} else {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.TS != b.TS {
			return a.TS > b.TS
		}
	}
	return a.EventID < b.EventID
}

// cursorPayload is the decoded pagination cursor: a fingerprint of the
// query plus the full ordering key of the last returned hit.
type cursorPayload struct {
	Hash    uint64
	Score   float64
	TS      int64
	EventID string
}

func (c *cursorPayload) asScored() scored {
	return scored{EventID: c.EventID, Score: c.Score, TS: c.TS}
}

func (r *Reader) queryHash(terms []string, req SearchRequest) uint64 {
	h := fnv.New64a()
	for _, term := range terms {
		_, _ = h.Write([]byte(term))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte(req.RoomID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(req.Sender))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(req.EventType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatBool(req.OrderByRecency)))
	return h.Sum64()
}

func encodeCursor(c *cursorPayload) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("index: encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeCursor(raw string) (*cursorPayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c cursorPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return &c, nil
}
