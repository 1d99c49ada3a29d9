package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/seshat-labs/seshat/src/memory/filter"
	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/schema"
)

// LocalStore is the embedded backend. Collections live in memory and persist
// as one JSON file per collection under the root directory; Flush writes
// through a temp file and rename so a crash never leaves a half-written
// collection on disk.
//
// Search is a brute-force scan with squared-L2 ranking. That is adequate for
// the single-agent deployments this backend targets; larger installs should
// run the Milvus or Postgres backend instead.
type LocalStore struct {
	root string

	mu        sync.RWMutex
	connected bool
	cols      map[string]*localCollection
}

type localCollection struct {
	Schema  schema.Collection    `json:"schema"`
	NextID  int64                `json:"next_id"`
	Records []model.MemoryRecord `json:"records"`

	dirty bool
}

const (
	collectionFileName = "collection.json"
	manifestFileName   = "manifest.json"
)

type localManifest struct {
	Collections []string `json:"collections"`
}

// NewLocalStore creates an embedded store rooted at path. The directory is
// created on Connect.
func NewLocalStore(path string) *LocalStore {
	if path == "" {
		path = "seshat_data"
	}
	return &LocalStore{root: path, cols: map[string]*localCollection{}}
}

// Connect loads every collection found under the root directory. Unreadable
// or corrupt collection files are skipped with a warning rather than failing
// the whole store; losing one collection should not take memory offline.
func (ls *LocalStore) Connect(ctx context.Context) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.connected {
		return nil
	}
	if err := os.MkdirAll(ls.root, 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %v", ErrBackendUnavailable, err)
	}
	ls.cols = map[string]*localCollection{}
	for _, name := range ls.collectionNames() {
		col, err := ls.loadCollection(name)
		if err != nil {
			slog.Warn("skipping unreadable collection", "collection", name, "err", err)
			continue
		}
		ls.cols[name] = col
	}
	ls.connected = true
	return nil
}

// collectionNames prefers the manifest and falls back to a directory scan
// when the manifest is missing or unreadable.
func (ls *LocalStore) collectionNames() []string {
	if data, err := os.ReadFile(filepath.Join(ls.root, manifestFileName)); err == nil {
		var m localManifest
		if err := json.Unmarshal(data, &m); err == nil {
			return m.Collections
		}
		slog.Warn("unreadable manifest, scanning data dir", "path", ls.root)
	}
	entries, err := os.ReadDir(ls.root)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// writeManifestLocked records the current collection set. Callers hold the
// write lock.
func (ls *LocalStore) writeManifestLocked() error {
	m := localManifest{Collections: make([]string, 0, len(ls.cols))}
	for name := range ls.cols {
		m.Collections = append(m.Collections, name)
	}
	sort.Strings(m.Collections)
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	final := filepath.Join(ls.root, manifestFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Join(fmt.Errorf("persist manifest: %w", err), os.Remove(tmp))
	}
	return nil
}

func (ls *LocalStore) loadCollection(name string) (*localCollection, error) {
	data, err := os.ReadFile(filepath.Join(ls.root, name, collectionFileName))
	if err != nil {
		return nil, err
	}
	var col localCollection
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collectionFileName, err)
	}
	if col.Schema.Name == "" {
		col.Schema.Name = name
	}
	return &col, nil
}

// IsConnected reports whether Connect has succeeded.
func (ls *LocalStore) IsConnected(ctx context.Context) bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.connected
}

// Close flushes dirty collections and marks the store disconnected.
func (ls *LocalStore) Close(ctx context.Context) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.connected {
		return nil
	}
	var firstErr error
	for name, col := range ls.cols {
		if col.dirty {
			if err := ls.persistLocked(name, col); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	ls.connected = false
	return firstErr
}

// EnsureCollection creates or validates a collection. Index parameters are
// accepted for interface parity; brute-force search needs no index.
func (ls *LocalStore) EnsureCollection(ctx context.Context, col schema.Collection, idx schema.IndexParams) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.connected {
		return ErrBackendUnavailable
	}
	if existing, ok := ls.cols[col.Name]; ok {
		consistent, warnings := schema.CheckConsistency(existing.Schema, col)
		for _, w := range warnings {
			slog.Warn("collection schema drift", "collection", col.Name, "detail", w)
		}
		if !consistent {
			return fmt.Errorf("%w: collection %q", ErrSchemaInconsistent, col.Name)
		}
		return nil
	}
	nc := &localCollection{Schema: col, NextID: 1, dirty: true}
	ls.cols[col.Name] = nc
	if err := ls.persistLocked(col.Name, nc); err != nil {
		return err
	}
	return ls.writeManifestLocked()
}

// HasCollection reports whether the collection is loaded.
func (ls *LocalStore) HasCollection(ctx context.Context, name string) (bool, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.connected {
		return false, ErrBackendUnavailable
	}
	_, ok := ls.cols[name]
	return ok, nil
}

// DescribeCollection returns the stored schema.
func (ls *LocalStore) DescribeCollection(ctx context.Context, name string) (schema.Collection, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.connected {
		return schema.Collection{}, ErrBackendUnavailable
	}
	col, ok := ls.cols[name]
	if !ok {
		return schema.Collection{}, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return col.Schema, nil
}

// ListCollections returns collection names in sorted order.
func (ls *LocalStore) ListCollections(ctx context.Context) ([]string, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.connected {
		return nil, ErrBackendUnavailable
	}
	names := make([]string, 0, len(ls.cols))
	for name := range ls.cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DropCollection removes the collection from memory and disk.
func (ls *LocalStore) DropCollection(ctx context.Context, name string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.connected {
		return ErrBackendUnavailable
	}
	if _, ok := ls.cols[name]; !ok {
		return nil
	}
	delete(ls.cols, name)
	if err := os.RemoveAll(filepath.Join(ls.root, name)); err != nil {
		return fmt.Errorf("drop collection %q: %w", name, err)
	}
	return ls.writeManifestLocked()
}

// Insert validates each record against the schema, assigns ids, and stamps
// the insert time on records whose CreateTime is unset.
func (ls *LocalStore) Insert(ctx context.Context, collection string, recs []model.MemoryRecord) ([]int64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.connected {
		return nil, ErrBackendUnavailable
	}
	col, ok := ls.cols[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, collection)
	}
	now := time.Now().Unix()
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		if err := col.Schema.ValidateRecord(rec); err != nil {
			return nil, err
		}
		rec.ID = col.NextID
		col.NextID++
		if rec.CreateTime <= 0 {
			rec.CreateTime = now
		}
		rec.Embedding = model.CloneVector(rec.Embedding)
		col.Records = append(col.Records, rec)
		ids = append(ids, rec.ID)
	}
	col.dirty = true
	return ids, nil
}

// Search filters first, then ranks the survivors by squared L2 distance.
// Ties break on ascending id so repeated searches return a stable order.
func (ls *LocalStore) Search(ctx context.Context, req SearchRequest) ([]model.SearchHit, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.connected {
		return nil, ErrBackendUnavailable
	}
	col, ok := ls.cols[req.Collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, req.Collection)
	}
	pred, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hits := make([]model.SearchHit, 0, req.Limit)
	for _, rec := range col.Records {
		if !pred.Match(rec) {
			continue
		}
		hits = append(hits, model.SearchHit{
			Record:   projectRecord(rec, req.OutputFields),
			Distance: model.L2Distance(req.Vector, rec.Embedding),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if req.Limit > 0 && len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

// Query returns matching records in id order, newest first when OrderDesc.
func (ls *LocalStore) Query(ctx context.Context, req QueryRequest) ([]model.MemoryRecord, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.connected {
		return nil, ErrBackendUnavailable
	}
	col, ok := ls.cols[req.Collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, req.Collection)
	}
	pred, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	out := make([]model.MemoryRecord, 0)
	for _, rec := range col.Records {
		if pred.Match(rec) {
			out = append(out, projectRecord(rec, req.OutputFields))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if req.OrderDesc {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if req.Offset > 0 {
		if req.Offset >= len(out) {
			return nil, nil
		}
		out = out[req.Offset:]
	}
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// Delete removes matching records and persists immediately, so a deletion
// survives a crash even without an explicit Flush.
func (ls *LocalStore) Delete(ctx context.Context, collection, filterExpr string) (int64, error) {
	if filterExpr == "" {
		return 0, fmt.Errorf("%w: delete requires a filter", ErrInvalidFilter)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.connected {
		return 0, ErrBackendUnavailable
	}
	col, ok := ls.cols[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrCollectionNotFound, collection)
	}
	pred, err := filter.Parse(filterExpr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	kept := col.Records[:0]
	var removed int64
	for _, rec := range col.Records {
		if pred.Match(rec) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	if removed == 0 {
		return 0, nil
	}
	col.Records = kept
	col.dirty = true
	if err := ls.persistLocked(collection, col); err != nil {
		return removed, err
	}
	return removed, nil
}

// Flush writes the collection to disk if it has unsaved changes.
func (ls *LocalStore) Flush(ctx context.Context, collection string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.connected {
		return ErrBackendUnavailable
	}
	col, ok := ls.cols[collection]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, collection)
	}
	if !col.dirty {
		return nil
	}
	return ls.persistLocked(collection, col)
}

// persistLocked writes collection.json via temp file and rename. Callers hold
// the write lock.
func (ls *LocalStore) persistLocked(name string, col *localCollection) error {
	dir := filepath.Join(ls.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist collection %q: %w", name, err)
	}
	data, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("encode collection %q: %w", name, err)
	}
	final := filepath.Join(dir, collectionFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persist collection %q: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Join(fmt.Errorf("persist collection %q: %w", name, err), os.Remove(tmp))
	}
	col.dirty = false
	return nil
}

// projectRecord copies rec keeping only the requested output fields. The
// primary key always survives projection. An empty field list returns the
// full record minus the embedding, which callers rarely want back.
func projectRecord(rec model.MemoryRecord, fields []string) model.MemoryRecord {
	if len(fields) == 0 {
		rec.Embedding = nil
		return rec
	}
	out := model.MemoryRecord{ID: rec.ID}
	for _, f := range fields {
		switch f {
		case model.FieldPersonalityID:
			out.PersonalityID = rec.PersonalityID
		case model.FieldSessionID:
			out.SessionID = rec.SessionID
		case model.FieldContent:
			out.Content = rec.Content
		case model.FieldCreateTime:
			out.CreateTime = rec.CreateTime
		case model.FieldEmbedding:
			out.Embedding = model.CloneVector(rec.Embedding)
		}
	}
	return out
}
