// Package fstdict implements the per-field term dictionary: an FST mapping
// lexicographically ordered term bytes to a posting-block file offset, and a
// bloom filter accelerating negative lookups so a query for a term never
// present in a segment never pays for an FST traversal.
package fstdict

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/blevesearch/vellum"
)

// falsePositiveRate is the bloom filter's target false-positive rate.
const falsePositiveRate = 0.001

// Builder accumulates terms in strictly increasing lexicographic order and
// produces a serialized FST plus a bloom filter sized to the term count
// observed.
type Builder struct {
	buf     bytes.Buffer
	fst     *vellum.Builder
	filter  *bloom.BloomFilter
	last    []byte
	hasLast bool
	n       int
}

// NewBuilder starts a dictionary builder for a field expected to contain
// approximately termEstimate distinct terms.
func NewBuilder(termEstimate int) (*Builder, error) {
	if termEstimate < 1 {
		termEstimate = 1
	}
	b := &Builder{filter: bloom.NewWithEstimates(uint(termEstimate), falsePositiveRate)}
	fst, err := vellum.New(&b.buf, nil)
	if err != nil {
		return nil, fmt.Errorf("fstdict: new builder: %w", err)
	}
	b.fst = fst
	return b, nil
}

// Insert adds term -> offset. Terms must be inserted in strictly increasing
// lexicographic order, matching the FST's streaming-builder contract.
func (b *Builder) Insert(term []byte, offset uint64) error {
	if b.hasLast && bytes.Compare(b.last, term) >= 0 {
		return fmt.Errorf("fstdict: terms must be inserted in increasing order, got %q after %q", term, b.last)
	}
	if err := b.fst.Insert(term, offset); err != nil {
		return fmt.Errorf("fstdict: insert %q: %w", term, err)
	}
	b.filter.Add(term)
	b.last = append(b.last[:0], term...)
	b.hasLast = true
	b.n++
	return nil
}

// Len reports the number of terms inserted so far.
func (b *Builder) Len() int { return b.n }

// Close finalizes the FST and returns the serialized FST bytes and the
// bloom filter, ready to be written to a segment.
func (b *Builder) Close() ([]byte, *bloom.BloomFilter, error) {
	if err := b.fst.Close(); err != nil {
		return nil, nil, fmt.Errorf("fstdict: close: %w", err)
	}
	return b.buf.Bytes(), b.filter, nil
}

// Dict is a read-only view over a serialized FST plus its bloom filter,
// used to resolve a term to its posting-block file offset.
type Dict struct {
	fst    *vellum.FST
	filter *bloom.BloomFilter
}

// Open wraps fstBytes (an mmap view is fine: the FST never copies it) and
// filter into a queryable dictionary.
func Open(fstBytes []byte, filter *bloom.BloomFilter) (*Dict, error) {
	fst, err := vellum.Load(fstBytes)
	if err != nil {
		return nil, fmt.Errorf("fstdict: corrupt fst: %w", err)
	}
	return &Dict{fst: fst, filter: filter}, nil
}

// ErrTermNotFound names the term-absent case. Lookup does not return it:
// it reports an absent term as found == false with a nil error.
var ErrTermNotFound = fmt.Errorf("fstdict: term not found")

// Lookup resolves term to its posting-block offset. The bloom filter is
// checked first so a term never inserted into this dictionary never
// triggers an FST traversal or, transitively, a posting-block read.
func (d *Dict) Lookup(term []byte) (offset uint64, found bool, err error) {
	if d.filter != nil && !d.filter.Test(term) {
		return 0, false, nil
	}
	v, exists, err := d.fst.Get(term)
	if err != nil {
		return 0, false, fmt.Errorf("fstdict: lookup %q: %w", term, err)
	}
	return v, exists, nil
}

// Iterator walks dictionary entries in lexicographic order over [start, end).
// A nil end means unbounded.
func (d *Dict) Iterator(start, end []byte) (*Iterator, error) {
	it, err := d.fst.Iterator(start, end)
	if err == vellum.ErrIteratorDone {
		return &Iterator{done: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fstdict: iterator: %w", err)
	}
	return &Iterator{it: it}, nil
}

// Iterator enumerates (term, offset) pairs in lexicographic order.
type Iterator struct {
	it   *vellum.FSTIterator
	done bool
}

// Term and Offset return the iterator's current position. Valid only when
// Next (or the iterator's construction) last reported more data.
func (i *Iterator) Term() []byte {
	if i.done {
		return nil
	}
	t, _ := i.it.Current()
	return t
}

func (i *Iterator) Offset() uint64 {
	if i.done {
		return 0
	}
	_, v := i.it.Current()
	return v
}

// Valid reports whether the iterator is positioned at an entry.
func (i *Iterator) Valid() bool { return !i.done }

// Next advances the iterator, returning false once exhausted.
func (i *Iterator) Next() bool {
	if i.done {
		return false
	}
	if err := i.it.Next(); err != nil {
		i.done = true
		return false
	}
	return true
}

// Close releases the underlying FST resources held open by lookups.
func (d *Dict) Close() error {
	if d.fst == nil {
		return nil
	}
	return d.fst.Close()
}
