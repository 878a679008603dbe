// Package engine implements the mutable segment: one write-ahead log, one
// HNSW index, and one field cache per schema field, behind a single writer
// lock.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/heroiclabs/vectorbase/internal/arena"
	"github.com/heroiclabs/vectorbase/internal/fieldcache"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
	"github.com/heroiclabs/vectorbase/internal/model"
	"github.com/heroiclabs/vectorbase/internal/walog"
)

// ErrWalOverflow signals that the next Add would not fit in this engine's
// WAL. The Collection handles it by flushing this engine to disk and
// swapping in a fresh one; it is never surfaced past the Collection.
var ErrWalOverflow = errors.New("engine: wal overflow")

// Tokenizer splits a string field's text into terms. The store treats
// tokenization as an external black box; callers supply one.
type Tokenizer func(string) []string

// Engine is one segment's mutable state.
type Engine struct {
	schema    model.Schema
	tokenizer Tokenizer

	wal    *walog.WAL
	index  *hnsw.Index
	arena  *arena.Arena
	fields []*fieldcache.Cache // parallel to schema.Fields, indexed by FieldID

	mu        sync.Mutex
	docOffset []int64
	wg        sync.WaitGroup
}

func newFields(schema model.Schema, a *arena.Arena) []*fieldcache.Cache {
	fields := make([]*fieldcache.Cache, len(schema.Fields))
	for i := range fields {
		fields[i] = fieldcache.New(a)
	}
	return fields
}

// New creates a fresh, empty engine over a newly created WAL file.
func New(schema model.Schema, tokenizer Tokenizer, walPath string, walSize int64, hnswCfg hnsw.Config, metric hnsw.Metric, rngSeed int64) (*Engine, error) {
	w, err := walog.Create(walPath, walSize)
	if err != nil {
		return nil, err
	}
	a := arena.New()
	return &Engine{
		schema:    schema,
		tokenizer: tokenizer,
		wal:       w,
		index:     hnsw.New(hnswCfg, metric, rngSeed),
		arena:     a,
		fields:    newFields(schema, a),
	}, nil
}

// Open recovers an engine from an existing WAL file: every durable record
// is replayed through a "quick add" that performs the HNSW insert and
// field-cache updates but skips the WAL write (the bytes are already
// durable on disk).
func Open(schema model.Schema, tokenizer Tokenizer, walPath string, hnswCfg hnsw.Config, metric hnsw.Metric, rngSeed int64) (*Engine, error) {
	w, records, err := walog.Open(walPath)
	if err != nil {
		return nil, err
	}
	a := arena.New()
	e := &Engine{
		schema:    schema,
		tokenizer: tokenizer,
		wal:       w,
		index:     hnsw.New(hnswCfg, metric, rngSeed),
		arena:     a,
		fields:    newFields(schema, a),
	}
	for _, rec := range records {
		r, err := model.ReadRecord(bytes.NewReader(rec.Payload))
		if err != nil {
			return nil, fmt.Errorf("engine: replay record at wal offset %d: %w", rec.Offset, err)
		}
		e.quickAdd(r, rec.Offset)
	}
	return e, nil
}

// Add appends v's vector and payload: writes it to the WAL, inserts it
// into the HNSW graph, updates every field cache, and commits them. It
// returns the assigned doc id, or ErrWalOverflow if the WAL has no room.
func (e *Engine) Add(r model.Record) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.wal.CheckHasRoom(r.Size()) {
		return 0, ErrWalOverflow
	}
	offset, err := e.wal.Append(r.Bytes())
	if err != nil {
		return 0, err
	}
	docID := e.quickAdd(r, offset)
	if err := e.wal.Flush(); err != nil {
		return 0, err
	}
	return docID, nil
}

// quickAdd performs the HNSW insert and field cache updates for a record
// already durable at the given WAL offset. Not safe for concurrent use;
// Add holds the writer lock around it, and Open/replay runs single
// threaded before the engine is exposed to callers.
func (e *Engine) quickAdd(r model.Record, offset int64) uint32 {
	expected := uint32(len(e.docOffset))
	docID := e.index.Insert(r.Vector)
	if docID != expected {
		panic(fmt.Sprintf("engine: hnsw assigned doc id %d, expected %d", docID, expected))
	}
	e.docOffset = append(e.docOffset, offset)

	for _, fv := range r.Payload.Fields {
		cache := e.fields[fv.FieldID]
		if fv.Value.Kind == model.KindString && e.tokenizer != nil {
			for _, term := range e.tokenizer(fv.Value.String()) {
				cache.Add(docID, []byte(term))
			}
			continue
		}
		cache.Add(docID, fv.Value.Term())
	}
	for _, c := range e.fields {
		c.Commit()
	}
	return docID
}

// Schema returns the engine's schema.
func (e *Engine) Schema() model.Schema { return e.schema }

// DocCount returns the number of documents committed to this engine.
func (e *Engine) DocCount() int { return len(e.docOffset) }

// WAL returns the engine's backing WAL, for the Collection's
// flush-and-swap bookkeeping (rename, reopen).
func (e *Engine) WAL() *walog.WAL { return e.wal }

// HNSW returns the engine's vector index.
func (e *Engine) HNSW() *hnsw.Index { return e.index }

// FieldCache returns the field cache for the given schema field id.
func (e *Engine) FieldCache(fieldID uint32) *fieldcache.Cache { return e.fields[fieldID] }

// DocOffsets returns the WAL byte offset of every committed doc, indexed
// by doc id.
func (e *Engine) DocOffsets() []int64 { return e.docOffset }

// Reader is a read-only handle on an Engine's committed state. Acquiring
// one takes a worker token on the engine's wait-group; Release drops it.
// A frozen engine already flushed to disk is only destroyed once every
// acquired Reader has been released.
type Reader struct {
	e *Engine
}

// Reader acquires a worker token and returns a Reader.
func (e *Engine) Reader() *Reader {
	e.wg.Add(1)
	return &Reader{e: e}
}

// Wait blocks until every Reader acquired so far has called Release.
func (e *Engine) Wait() { e.wg.Wait() }

// Release drops this reader's worker token.
func (r *Reader) Release() { r.e.wg.Done() }

// Len returns the number of documents visible to this reader.
func (r *Reader) Len() int { return r.e.index.Len() }

// Query runs a k-nearest-neighbour search over the engine's HNSW index.
func (r *Reader) Query(q []float32, k int, prioritizer hnsw.Prioritizer, filter hnsw.Filter) []hnsw.Result {
	return r.e.index.QueryResults(q, k, prioritizer, filter)
}

// Vector returns the raw vector stored for docID.
func (r *Reader) Vector(docID uint32) []float32 { return r.e.index.Vector(docID) }

// FieldReader returns a reader over one field's committed postings, or nil
// if fieldID is out of range.
func (r *Reader) FieldReader(fieldID uint32) *fieldcache.Reader {
	if int(fieldID) >= len(r.e.fields) {
		return nil
	}
	return r.e.fields[fieldID].Reader()
}

// Payload reconstructs the document payload stored for docID by reading
// its serialized record back from the WAL at its recorded offset.
func (r *Reader) Payload(docID uint32) (model.Record, error) {
	if int(docID) >= len(r.e.docOffset) {
		return model.Record{}, fmt.Errorf("engine: doc id %d out of range", docID)
	}
	raw, err := r.e.wal.ReadAt(r.e.docOffset[docID])
	if err != nil {
		return model.Record{}, err
	}
	return model.ReadRecord(bytes.NewReader(raw))
}

// Close releases the engine's WAL file handle.
func (e *Engine) Close() error { return e.wal.Close() }

// Finalize hands this engine's WAL off to a disk segment writer: the WAL
// file is renamed to dataPath and returned as a plain file handle
// positioned after the doc block it already holds, ready for the writer to
// append the HNSW and field blocks directly. The engine must not be used
// again after this call.
func (e *Engine) Finalize(dataPath string) (*os.File, int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wal.Finalize(dataPath)
}
