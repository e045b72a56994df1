package index

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// Document is one indexable event as handed to the index. Body carries the
// free text; RoomID, Sender, and Type are exact-match fields; TS is the
// event's origin server timestamp in milliseconds.
type Document struct {
	EventID string
	Body    string
	RoomID  string
	Sender  string
	Type    string
	TS      int64
}

// docEntry is the stored form of a document inside a segment. Its local id
// is its position in the segment's doc table.
type docEntry struct {
	EventID string
	RoomID  string
	Sender  string
	Type    string
	TS      int64
	Length  uint32
}

// posting is one (document, term frequency) pair. Postings lists are
// sorted by local doc id.
type posting struct {
	Doc  uint32
	Freq uint32
}

// segmentPayload is the gob-encoded on-disk form of a segment. The
// exact-match field bitmaps are serialized roaring bitmaps keyed by field
// value.
type segmentPayload struct {
	ID       int64
	Docs     []docEntry
	Postings map[string][]posting
	Rooms    map[string][]byte
	Senders  map[string][]byte
	Types    map[string][]byte
}

// segment is an immutable in-memory segment.
type segment struct {
	id       int64
	docs     []docEntry
	postings map[string][]posting
	rooms    map[string]*roaring.Bitmap
	senders  map[string]*roaring.Bitmap
	types    map[string]*roaring.Bitmap
}

// buildSegment analyzes a batch of documents into a segment. Duplicate
// event ids within the batch keep only the last occurrence.
func buildSegment(id int64, docs []Document, an *analyzer) *segment {
	last := make(map[string]int, len(docs))
	for i, doc := range docs {
		last[doc.EventID] = i
	}
	seg := &segment{
		id:       id,
		postings: make(map[string][]posting),
		rooms:    make(map[string]*roaring.Bitmap),
		senders:  make(map[string]*roaring.Bitmap),
		types:    make(map[string]*roaring.Bitmap),
	}
	for i, doc := range docs {
		if last[doc.EventID] != i {
			continue
		}
		local := uint32(len(seg.docs))
		tokens := an.Tokens(doc.Body)
		seg.docs = append(seg.docs, docEntry{
			EventID: doc.EventID,
			RoomID:  doc.RoomID,
			Sender:  doc.Sender,
			Type:    doc.Type,
			TS:      doc.TS,
			Length:  uint32(len(tokens)),
		})
		freqs := make(map[string]uint32, len(tokens))
		for _, token := range tokens {
			freqs[token]++
		}
		for term, freq := range freqs {
			seg.postings[term] = append(seg.postings[term], posting{Doc: local, Freq: freq})
		}
		addToFieldBitmap(seg.rooms, doc.RoomID, local)
		addToFieldBitmap(seg.senders, doc.Sender, local)
		addToFieldBitmap(seg.types, doc.Type, local)
	}
	return seg
}

func addToFieldBitmap(field map[string]*roaring.Bitmap, value string, local uint32) {
	if value == "" {
		return
	}
	bm, ok := field[value]
	if !ok {
		bm = roaring.New()
		field[value] = bm
	}
	bm.Add(local)
}

func (s *segment) payload() (*segmentPayload, error) {
	p := &segmentPayload{
		ID:       s.id,
		Docs:     s.docs,
		Postings: s.postings,
	}
	var err error
	if p.Rooms, err = marshalFieldBitmaps(s.rooms); err != nil {
		return nil, err
	}
	if p.Senders, err = marshalFieldBitmaps(s.senders); err != nil {
		return nil, err
	}
	if p.Types, err = marshalFieldBitmaps(s.types); err != nil {
		return nil, err
	}
	return p, nil
}

func segmentFromPayload(p *segmentPayload) (*segment, error) {
	seg := &segment{
		id:       p.ID,
		docs:     p.Docs,
		postings: p.Postings,
	}
	if seg.postings == nil {
		seg.postings = make(map[string][]posting)
	}
	var err error
	if seg.rooms, err = unmarshalFieldBitmaps(p.Rooms); err != nil {
		return nil, err
	}
	if seg.senders, err = unmarshalFieldBitmaps(p.Senders); err != nil {
		return nil, err
	}
	if seg.types, err = unmarshalFieldBitmaps(p.Types); err != nil {
		return nil, err
	}
	return seg, nil
}

func marshalFieldBitmaps(field map[string]*roaring.Bitmap) (map[string][]byte, error) {
	out := make(map[string][]byte, len(field))
	for value, bm := range field {
		data, err := bm.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("index: serializing field bitmap: %w", err)
		}
		out[value] = data
	}
	return out, nil
}

func unmarshalFieldBitmaps(raw map[string][]byte) (map[string]*roaring.Bitmap, error) {
	out := make(map[string]*roaring.Bitmap, len(raw))
	for value, data := range raw {
		bm := roaring.New()
		if _, err := bm.FromBuffer(data); err != nil {
			return nil, fmt.Errorf("%w: field bitmap for %q: %v", ErrCorrupt, value, err)
		}
		out[value] = bm
	}
	return out, nil
}

// filterBitmap intersects the requested exact-match filters. It returns
// nil when no filter is set, meaning every local doc is a candidate.
func (s *segment) filterBitmap(roomID, sender, eventType string) (*roaring.Bitmap, bool) {
	var result *roaring.Bitmap
	apply := func(field map[string]*roaring.Bitmap, value string) bool {
		if value == "" {
			return true
		}
		bm, ok := field[value]
		if !ok {
			return false
		}
		if result == nil {
			result = bm.Clone()
		} else {
			result.And(bm)
		}
		return true
	}
	if !apply(s.rooms, roomID) || !apply(s.senders, sender) || !apply(s.types, eventType) {
		return roaring.New(), true
	}
	if result == nil {
		return nil, false
	}
	return result, true
}
