// Package fieldcache implements the per-field in-memory inverted index: an
// ordered term->Posting map backed by a byte-block arena, with staged
// commit visibility. Adds before the next Commit are invisible to any
// Reader snapshot taken from the Cache.
package fieldcache

import (
	"github.com/heroiclabs/vectorbase/internal/arena"
	"github.com/heroiclabs/vectorbase/internal/codec"
	"github.com/heroiclabs/vectorbase/internal/skiplist"
)

// Posting is the mutable per-(field,term) state: an arena chain of
// committed (doc_delta, freq) pairs plus the bookkeeping needed to
// delta-encode the next entry and stage an uncommitted write.
type Posting struct {
	Term []byte

	cursor    arena.Cursor
	docCount  uint32
	lastDocID uint32

	pendingDocID uint32
	pendingFreq  uint32
	hasPending   bool

	queued bool
}

// Head is the immutable arena address of this posting's chain (byte_start).
func (p *Posting) Head() uint32 { return p.cursor.Head }

// Len is the number of committed payload bytes in the chain (byte_end).
func (p *Posting) Len() uint32 { return p.cursor.Len }

// DocCount is the number of distinct documents committed into the chain.
func (p *Posting) DocCount() uint32 { return p.docCount }

// Cache is one schema field's term -> Posting map.
type Cache struct {
	arena *arena.Arena
	terms *skiplist.SkipList

	commitBuffer []*Posting
	termCount    int
}

// New returns an empty field cache backed by a, which may be shared with
// the sibling field caches of the same segment.
func New(a *arena.Arena) *Cache {
	return &Cache{arena: a, terms: skiplist.New()}
}

// TermCount returns the number of distinct terms ever added.
func (c *Cache) TermCount() int { return c.termCount }

func (c *Cache) lookup(term []byte) *Posting {
	e := c.terms.Find(term)
	if e == nil {
		return nil
	}
	return e.Value.(*Posting)
}

// Add records one occurrence of term in docID. docID must be
// non-decreasing across calls for a given term (the Engine's single writer
// and monotonic doc-id assignment guarantee this).
func (c *Cache) Add(docID uint32, term []byte) {
	p := c.lookup(term)
	if p == nil {
		p = &Posting{Term: append([]byte(nil), term...), cursor: c.arena.NewCursor()}
		c.terms.Insert(p.Term, p)
		c.termCount++
	}

	if p.hasPending && p.pendingDocID == docID {
		p.pendingFreq++
	} else {
		if p.hasPending {
			c.flushPending(p)
		}
		p.pendingDocID = docID
		p.pendingFreq = 1
		p.hasPending = true
	}

	if !p.queued {
		p.queued = true
		c.commitBuffer = append(c.commitBuffer, p)
	}
}

func (c *Cache) flushPending(p *Posting) {
	delta := p.pendingDocID - p.lastDocID
	var tmp [2 * codec.MaxVarintLen]byte
	buf := codec.EncodeDocFreq(tmp[:0], delta, p.pendingFreq)
	c.arena.Append(&p.cursor, buf)
	p.lastDocID = p.pendingDocID
	p.docCount++
	p.hasPending = false
}

// Commit flushes every pending (doc_delta, freq) pair staged since the
// last Commit. The Engine calls Commit after every successful add.
func (c *Cache) Commit() {
	for _, p := range c.commitBuffer {
		if p.hasPending {
			c.flushPending(p)
		}
		p.queued = false
	}
	c.commitBuffer = c.commitBuffer[:0]
}

// Reader is a read handle on a Cache's committed postings. It is not a
// frozen snapshot: each Get sees what is committed at the time of that
// call, not at the time the Reader was created. It may be used concurrently
// with further Adds to the same Cache: committed chain bytes are never
// rewritten once written, only extended.
type Reader struct {
	cache *Cache
}

// Reader returns a reader over the Cache's committed state.
func (c *Cache) Reader() *Reader { return &Reader{cache: c} }

// ChainReader returns a raw byte reader over p's committed arena chain: the
// exact delta+freq-collapsed encoding diskseg's persist path copies
// verbatim into a segment's posting block, without decode/re-encode.
func (c *Cache) ChainReader(p *Posting) *arena.Reader {
	return c.arena.NewReader(p.cursor.Head, p.cursor.Len)
}

// Get returns a lazy iterator over every committed (doc_id, freq) pair for
// term, or nil if term has no committed postings.
func (r *Reader) Get(term []byte) *PostingIterator {
	p := r.cache.lookup(term)
	if p == nil || p.docCount == 0 {
		return nil
	}
	return &PostingIterator{
		r:         r.cache.arena.NewReader(p.cursor.Head, p.cursor.Len),
		remaining: p.docCount,
	}
}

// PostingIterator re-encodes delta-compressed arena bytes back into
// absolute doc ids, one (doc_id, freq) pair per Next call.
type PostingIterator struct {
	r         *arena.Reader
	runningID uint32
	remaining uint32
}

// Next returns the next (doc_id, freq) pair, or ok == false once exhausted.
func (it *PostingIterator) Next() (docID uint32, freq uint32, ok bool, err error) {
	if it.remaining == 0 {
		return 0, 0, false, nil
	}
	delta, f, err := codec.DecodeDocFreq(it.r)
	if err != nil {
		return 0, 0, false, err
	}
	it.runningID += delta
	it.remaining--
	return it.runningID, f, true, nil
}

// TermIterator walks a Cache's terms in lexicographic order, the order
// diskseg's persist path needs to build a field's FST term dictionary.
type TermIterator struct {
	e *skiplist.Element
}

// Iterate returns a TermIterator starting at the lexicographically first
// term.
func (c *Cache) Iterate() *TermIterator {
	return &TermIterator{e: c.terms.Front()}
}

// Next returns the next posting in term order, or ok == false once
// exhausted.
func (it *TermIterator) Next() (*Posting, bool) {
	if it.e == nil {
		return nil, false
	}
	p := it.e.Value.(*Posting)
	it.e = it.e.Next()
	return p, true
}
