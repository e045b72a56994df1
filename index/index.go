package index

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/seshatdb/seshat/libcipher"
)

// FormatVersion is the compiled index format version. A database whose
// stored version differs cannot be opened and must go through recovery.
const FormatVersion = 1

const (
	versionFileName  = "version"
	manifestFileName = "manifest"
	segmentFilePat   = "seg-%08d.seg"
)

// ErrVersionMismatch is returned by Open when the on-disk format version
// differs from FormatVersion.
var ErrVersionMismatch = errors.New("index: format version mismatch")

// manifestPayload records the committed state of the index: the reader
// generation, live segments in creation order, and tombstones. A tombstone
// maps an event id to the highest segment id it applies to; documents for
// that id in later segments are re-adds and stay visible.
type manifestPayload struct {
	Generation int64
	NextSegID  int64
	Segments   []int64
	Tombstones map[string]int64
}

// Options configures Open.
type Options struct {
	// Language selects the analyzer; must be in SupportedLanguages.
	Language string
	// Sealer, when set, encrypts every segment and manifest payload.
	Sealer *libcipher.Sealer
	// MergeThreshold is the live segment count above which a commit folds
	// all segments into one. Zero means the default of 8.
	MergeThreshold int
	// Overwrite wipes any existing segments and manifest and rewrites the
	// version file. Used by recovery.
	Overwrite bool
}

// Index is a segment-based inverted index. Commits are serialized by an
// internal mutex; readers take immutable snapshots and never block commits.
type Index struct {
	mu             sync.Mutex
	path           string
	analyzer       *analyzer
	sealer         *libcipher.Sealer
	mergeThreshold int
	manifest       manifestPayload
	segments       []*segment
	snapshot       atomic.Pointer[Reader]
}

// Open opens or creates an index directory.
func Open(path string, opts Options) (*Index, error) {
	an, err := newAnalyzer(opts.Language)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("index: creating directory: %w", err)
	}
	mergeThreshold := opts.MergeThreshold
	if mergeThreshold <= 0 {
		mergeThreshold = 8
	}
	ix := &Index{
		path:           path,
		analyzer:       an,
		sealer:         opts.Sealer,
		mergeThreshold: mergeThreshold,
	}
	stored, err := readVersionFile(path)
	if err != nil {
		return nil, err
	}
	switch {
	case stored == 0 || opts.Overwrite:
		if err := ix.wipeLocked(); err != nil {
			return nil, err
		}
		if err := writeVersionFile(path, FormatVersion); err != nil {
			return nil, err
		}
	case stored != FormatVersion:
		return nil, fmt.Errorf("%w: stored %d, compiled %d", ErrVersionMismatch, stored, FormatVersion)
	}
	if err := ix.loadLocked(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Destroy removes an index directory entirely, including key material.
func Destroy(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("index: destroying directory: %w", err)
	}
	return nil
}

func readVersionFile(path string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(path, versionFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("index: reading version file: %w", err)
	}
	version, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, fmt.Errorf("%w: version file %q", ErrCorrupt, raw)
	}
	return version, nil
}

func writeVersionFile(path string, version int) error {
	return writeFileAtomic(filepath.Join(path, versionFileName), []byte(strconv.Itoa(version)))
}

func (ix *Index) segmentPath(id int64) string {
	return filepath.Join(ix.path, fmt.Sprintf(segmentFilePat, id))
}

// loadLocked reads the manifest and all live segments from disk and
// installs a fresh snapshot.
func (ix *Index) loadLocked() error {
	manifest := manifestPayload{NextSegID: 1, Tombstones: map[string]int64{}}
	manifestPath := filepath.Join(ix.path, manifestFileName)
	if _, err := os.Stat(manifestPath); err == nil {
		if err := readPayloadFile(manifestPath, manifestMagic, &manifest, ix.sealer); err != nil {
			return err
		}
		if manifest.Tombstones == nil {
			manifest.Tombstones = map[string]int64{}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("index: probing manifest: %w", err)
	}
	segments := make([]*segment, 0, len(manifest.Segments))
	for _, id := range manifest.Segments {
		var payload segmentPayload
		if err := readPayloadFile(ix.segmentPath(id), segmentMagic, &payload, ix.sealer); err != nil {
			return err
		}
		seg, err := segmentFromPayload(&payload)
		if err != nil {
			return err
		}
		segments = append(segments, seg)
	}
	ix.manifest = manifest
	ix.segments = segments
	ix.snapshot.Store(buildReader(manifest.Generation, segments, manifest.Tombstones, ix.analyzer))
	return nil
}

// wipeLocked removes all segment files and the manifest, keeping the
// version and keyfile untouched.
func (ix *Index) wipeLocked() error {
	entries, err := os.ReadDir(ix.path)
	if err != nil {
		return fmt.Errorf("index: listing directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == manifestFileName || filepath.Ext(name) == ".seg" {
			if err := os.Remove(filepath.Join(ix.path, name)); err != nil {
				return fmt.Errorf("index: removing %s: %w", name, err)
			}
		}
	}
	ix.manifest = manifestPayload{NextSegID: 1, Tombstones: map[string]int64{}}
	ix.segments = nil
	ix.snapshot.Store(buildReader(0, nil, nil, ix.analyzer))
	return nil
}

// Batch accumulates adds and deletes for one commit.
type Batch struct {
	adds    []Document
	deletes []string
}

// NewBatch opens an empty write batch.
func (ix *Index) NewBatch() *Batch {
	return &Batch{}
}

// Add queues a document; re-adding an event id replaces its document.
func (b *Batch) Add(doc Document) {
	b.adds = append(b.adds, doc)
}

// Delete queues removal of the document with the given event id.
func (b *Batch) Delete(eventID string) {
	b.deletes = append(b.deletes, eventID)
}

// Empty reports whether the batch holds no work.
func (b *Batch) Empty() bool {
	return len(b.adds) == 0 && len(b.deletes) == 0
}

// Commit applies a batch: it writes at most one new segment, updates
// tombstones, persists the manifest, advances the generation, and installs
// a fresh reader snapshot. Returns the new generation. An empty batch is a
// no-op returning the current generation.
func (ix *Index) Commit(b *Batch) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if b.Empty() {
		return ix.manifest.Generation, nil
	}

	manifest := manifestPayload{
		Generation: ix.manifest.Generation + 1,
		NextSegID:  ix.manifest.NextSegID,
		Segments:   append([]int64(nil), ix.manifest.Segments...),
		Tombstones: make(map[string]int64, len(ix.manifest.Tombstones)+len(b.deletes)),
	}
	for id, asOf := range ix.manifest.Tombstones {
		manifest.Tombstones[id] = asOf
	}
	segments := append([]*segment(nil), ix.segments...)
	var obsolete []int64

	// Deletes apply to everything committed so far; a re-add in the same
	// batch lands in the new segment, which outranks the tombstone.
	for _, id := range b.deletes {
		manifest.Tombstones[id] = manifest.NextSegID - 1
	}

	var newFiles []string
	if len(b.adds) > 0 {
		seg := buildSegment(manifest.NextSegID, b.adds, ix.analyzer)
		manifest.NextSegID++
		payload, err := seg.payload()
		if err != nil {
			return 0, err
		}
		path := ix.segmentPath(seg.id)
		if err := writePayloadFile(path, segmentMagic, payload, ix.sealer); err != nil {
			return 0, err
		}
		newFiles = append(newFiles, path)
		manifest.Segments = append(manifest.Segments, seg.id)
		segments = append(segments, seg)
	}

	if len(segments) > ix.mergeThreshold {
		merged := mergeSegments(manifest.NextSegID, segments, manifest.Tombstones)
		manifest.NextSegID++
		payload, err := merged.payload()
		if err != nil {
			removeFiles(newFiles)
			return 0, err
		}
		path := ix.segmentPath(merged.id)
		if err := writePayloadFile(path, segmentMagic, payload, ix.sealer); err != nil {
			removeFiles(newFiles)
			return 0, err
		}
		newFiles = append(newFiles, path)
		obsolete = manifest.Segments
		manifest.Segments = []int64{merged.id}
		manifest.Tombstones = map[string]int64{}
		segments = []*segment{merged}
	}

	if err := writePayloadFile(filepath.Join(ix.path, manifestFileName), manifestMagic, &manifest, ix.sealer); err != nil {
		removeFiles(newFiles)
		return 0, err
	}
	for _, id := range obsolete {
		_ = os.Remove(ix.segmentPath(id))
	}

	ix.manifest = manifest
	ix.segments = segments
	ix.snapshot.Store(buildReader(manifest.Generation, segments, manifest.Tombstones, ix.analyzer))
	return manifest.Generation, nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// mergeSegments folds all live documents into one segment, dropping
// tombstoned and superseded copies. Local ids are reassigned in segment
// order, which keeps every merged postings list sorted.
func mergeSegments(id int64, segments []*segment, tombstones map[string]int64) *segment {
	winners := findWinners(segments, tombstones)
	merged := &segment{
		id:       id,
		postings: make(map[string][]posting),
		rooms:    make(map[string]*roaring.Bitmap),
		senders:  make(map[string]*roaring.Bitmap),
		types:    make(map[string]*roaring.Bitmap),
	}
	remap := make([][]int64, len(segments))
	for si, seg := range segments {
		remap[si] = make([]int64, len(seg.docs))
		for local, doc := range seg.docs {
			if winners[doc.EventID] != (docRef{seg: si, doc: uint32(local)}) {
				remap[si][local] = -1
				continue
			}
			newLocal := uint32(len(merged.docs))
			remap[si][local] = int64(newLocal)
			merged.docs = append(merged.docs, doc)
			addToFieldBitmap(merged.rooms, doc.RoomID, newLocal)
			addToFieldBitmap(merged.senders, doc.Sender, newLocal)
			addToFieldBitmap(merged.types, doc.Type, newLocal)
		}
	}
	for si, seg := range segments {
		for term, plist := range seg.postings {
			for _, p := range plist {
				if newLocal := remap[si][p.Doc]; newLocal >= 0 {
					merged.postings[term] = append(merged.postings[term], posting{Doc: uint32(newLocal), Freq: p.Freq})
				}
			}
		}
	}
	return merged
}

// Reader returns the current committed snapshot. Snapshots stay valid and
// self-consistent across later commits.
func (ix *Index) Reader() *Reader {
	return ix.snapshot.Load()
}

// Reload re-reads the manifest and segments from disk and swaps the
// snapshot. Used when another handle on the same files has committed.
func (ix *Index) Reload() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.loadLocked()
}

// DeleteAll drops every document and persisted segment but keeps the
// directory, version file, and key material in place.
func (ix *Index) DeleteAll() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.wipeLocked()
}

// Close releases the index handle. Segment files are immutable and not
// held open, so this only invalidates the handle.
func (ix *Index) Close() error {
	return nil
}
