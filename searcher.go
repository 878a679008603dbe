package vectorbase

import (
	"container/heap"

	"github.com/heroiclabs/vectorbase/internal/diskseg"
	"github.com/heroiclabs/vectorbase/internal/engine"
	"github.com/heroiclabs/vectorbase/internal/fieldcache"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
	"github.com/heroiclabs/vectorbase/internal/model"
)

// postingIterator re-encodes a block's committed (doc_id, freq) pairs for
// one term. Both fieldcache.PostingIterator and diskseg.PostingIterator
// already satisfy this shape; no adapter type is needed for them.
type postingIterator interface {
	Next() (docID uint32, freq uint32, ok bool, err error)
}

// fieldLookup resolves a term to a postingIterator within one block's
// dictionary for one schema field.
type fieldLookup interface {
	Get(term []byte) postingIterator
}

// blockReader is the Searcher's narrow view of one queryable unit --
// mem, imm, or a disk segment. Every blockReader wraps a concrete
// reader's worker token; Release drops it.
type blockReader interface {
	Query(q []float32, k int, prioritizer hnsw.Prioritizer, filter hnsw.Filter) []hnsw.Result
	Vector(docID uint32) []float32
	Payload(docID uint32) (model.Record, error)
	Field(fieldID uint32) fieldLookup
	Release()
}

// engineBlock adapts an *engine.Reader (the mem or imm segment) to
// blockReader.
type engineBlock struct{ r *engine.Reader }

func (b engineBlock) Query(q []float32, k int, p hnsw.Prioritizer, f hnsw.Filter) []hnsw.Result {
	return b.r.Query(q, k, p, f)
}
func (b engineBlock) Vector(docID uint32) []float32                  { return b.r.Vector(docID) }
func (b engineBlock) Payload(docID uint32) (model.Record, error)     { return b.r.Payload(docID) }
func (b engineBlock) Release()                                       { b.r.Release() }
func (b engineBlock) Field(fieldID uint32) fieldLookup {
	fr := b.r.FieldReader(fieldID)
	if fr == nil {
		return nil
	}
	return engineField{fr}
}

type engineField struct{ fr *fieldcache.Reader }

func (f engineField) Get(term []byte) postingIterator {
	it := f.fr.Get(term)
	if it == nil {
		return nil
	}
	return it
}

// diskBlock adapts a *diskseg.Reader (one disk segment) to blockReader.
type diskBlock struct{ r *diskseg.Reader }

func (b diskBlock) Query(q []float32, k int, p hnsw.Prioritizer, f hnsw.Filter) []hnsw.Result {
	return b.r.Query(q, k, p, f)
}
func (b diskBlock) Vector(docID uint32) []float32              { return b.r.Vector(docID) }
func (b diskBlock) Payload(docID uint32) (model.Record, error) { return b.r.Payload(docID) }
func (b diskBlock) Release()                                   { b.r.Release() }
func (b diskBlock) Field(fieldID uint32) fieldLookup {
	fr := b.r.FieldReader(fieldID)
	if fr == nil {
		return nil
	}
	return diskField{fr}
}

type diskField struct{ fr *diskseg.FieldReader }

func (f diskField) Get(term []byte) postingIterator {
	it := f.fr.Get(term)
	if it == nil {
		return nil
	}
	return it
}

// DocRef locates one document within a Searcher snapshot: the index of
// the owning block plus its doc id within that block. Two blocks may
// legitimately share the same _id during the brief window between an imm
// freeze and its disk replacement; callers that must dedupe do so on the
// _id field, not on DocRef.
type DocRef struct {
	BlockID int
	DocID   uint32
}

// SearchHit is one result of Searcher.Search: the posting's frequency and
// the block/doc id it came from. Duplicates are possible across blocks;
// callers disambiguate by BlockID.
type SearchHit struct {
	DocRef
	Freq uint32
}

// QueryHit is one result of Searcher.Query: a k-NN neighbour tagged with
// its origin block so the caller can resolve it through Vector/Payload.
type QueryHit struct {
	DocRef
	Distance float32
}

// Searcher is a point-in-time snapshot over mem, an optional imm, and
// every disk segment live when it was constructed. Every
// wrapped block reader holds a worker token on its segment; Close
// releases all of them. A Searcher remains valid to query even after its
// owning Collection has moved segments around underneath it.
type Searcher struct {
	blocks []blockReader
}

// newSearcher wraps an already-acquired slice of block readers, in scan
// order: mem, imm, disk[newest..oldest].
func newSearcher(blocks []blockReader) *Searcher {
	return &Searcher{blocks: blocks}
}

// Close releases every block reader's worker token. Must be called
// exactly once per Searcher.
func (s *Searcher) Close() {
	for _, b := range s.blocks {
		b.Release()
	}
}

// Search returns every occurrence of term in fieldID across every block,
// in block scan order. The result is a union: the same logical document
// can appear under more than one block.
func (s *Searcher) Search(fieldID uint32, term []byte) []SearchHit {
	var out []SearchHit
	for i, b := range s.blocks {
		fl := b.Field(fieldID)
		if fl == nil {
			continue
		}
		it := fl.Get(term)
		if it == nil {
			continue
		}
		for {
			docID, freq, ok, err := it.Next()
			if err != nil || !ok {
				break
			}
			out = append(out, SearchHit{DocRef: DocRef{BlockID: i, DocID: docID}, Freq: freq})
		}
	}
	return out
}

// queryHeapItem is a QueryHit ordered by distance, farthest-first so a
// bounded max-heap of size k keeps the k smallest.
type queryHeapItem QueryHit

type queryHeap []queryHeapItem

func (h queryHeap) Len() int            { return len(h) }
func (h queryHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h queryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *queryHeap) Push(x interface{}) { *h = append(*h, x.(queryHeapItem)) }
func (h *queryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Query fans out q to every block, collects all neighbours into a bounded
// max-heap of size k, and returns the k nearest sorted near-first, each
// tagged with its origin block.
func (s *Searcher) Query(q []float32, k int, prioritizer hnsw.Prioritizer, filter hnsw.Filter) []QueryHit {
	h := &queryHeap{}
	heap.Init(h)
	for i, b := range s.blocks {
		for _, n := range b.Query(q, k, prioritizer, filter) {
			heap.Push(h, queryHeapItem{DocRef: DocRef{BlockID: i, DocID: n.ID}, Distance: n.Distance})
			for h.Len() > k {
				heap.Pop(h)
			}
		}
	}

	out := make([]QueryHit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = QueryHit(heap.Pop(h).(queryHeapItem))
	}
	return out
}

// Vector resolves ref to its stored vector through the owning block.
func (s *Searcher) Vector(ref DocRef) []float32 {
	return s.blocks[ref.BlockID].Vector(ref.DocID)
}

// Payload resolves ref to its stored document payload through the owning
// block.
func (s *Searcher) Payload(ref DocRef) (model.Record, error) {
	return s.blocks[ref.BlockID].Payload(ref.DocID)
}
