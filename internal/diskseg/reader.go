package diskseg

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/atomic"

	"github.com/heroiclabs/vectorbase/internal/codec"
	"github.com/heroiclabs/vectorbase/internal/fstdict"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
	"github.com/heroiclabs/vectorbase/internal/model"
)

type fieldDict struct {
	dict      *fstdict.Dict
	termCount int
}

// Segment is one immutable on-disk segment, opened over a memory-mapped
// data file with its directory blocks eagerly parsed. Every acquired
// Reader holds a wait-group token; Close should only be called once Wait
// returns.
type Segment struct {
	dir string
	f   *os.File
	mm  mmap.MMap
	ft  footer

	index      *hnsw.Index
	fields     []fieldDict
	docOffsets []uint64
	meta       Meta

	// postingReads counts posting-block reads actually performed, so a
	// caller can observe that a bloom/FST-negative term lookup never
	// touched the posting region.
	postingReads atomic.Uint64

	wg sync.WaitGroup
}

// Open mmaps dir/data.gy, verifies and parses its footer, eagerly parses
// doc_meta and field_meta, loads each field's bloom filter and FST, and
// deserializes the HNSW block (vectors are decoded into freshly allocated
// slices; they are not views over the mmap).
func Open(dir string, metric hnsw.Metric, vc hnsw.VectorCodec, rngSeed int64) (*Segment, error) {
	dataPath := filepath.Join(dir, DataFileName)
	f, err := os.OpenFile(dataPath, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskseg: open %s: %w", dataPath, err)
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskseg: mmap %s: %w", dataPath, err)
	}

	seg, err := openFromMap(dir, f, mm, metric, vc, rngSeed)
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, err
	}
	return seg, nil
}

func openFromMap(dir string, f *os.File, mm mmap.MMap, metric hnsw.Metric, vc hnsw.VectorCodec, rngSeed int64) (*Segment, error) {
	if int64(len(mm)) < FooterSize {
		return nil, fmt.Errorf("%w: file too small", ErrBadFooter)
	}
	ft, err := decodeFooter(mm[len(mm)-FooterSize:])
	if err != nil {
		return nil, err
	}

	meta, err := LoadMeta(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, err
	}

	docOffsets, err := readDocMeta(mm, ft.docMetaBH)
	if err != nil {
		return nil, fmt.Errorf("%w: doc_meta: %v", ErrBadFooter, err)
	}
	handles, err := readFieldMeta(mm, ft.fieldMetaBH)
	if err != nil {
		return nil, fmt.Errorf("%w: field_meta: %v", ErrBadFooter, err)
	}

	fields := make([]fieldDict, len(handles))
	for i, h := range handles {
		filter := &bloom.BloomFilter{}
		if _, err := filter.ReadFrom(bytes.NewReader(mm[h.BloomBH.Offset : h.BloomBH.Offset+h.BloomBH.Size])); err != nil {
			return nil, fmt.Errorf("diskseg: corrupt bloom for field %d: %w", i, err)
		}
		fstBytes := mm[h.FSTBH.Offset : h.FSTBH.Offset+h.FSTBH.Size]
		dict, err := fstdict.Open(fstBytes, filter)
		if err != nil {
			return nil, fmt.Errorf("diskseg: corrupt fst for field %d: %w", i, err)
		}
		fields[i] = fieldDict{dict: dict, termCount: h.TermCount}
	}

	idx, err := hnsw.Load(mm[ft.vectorBH.Offset:ft.vectorBH.Offset+ft.vectorBH.Size], metric, vc, rngSeed)
	if err != nil {
		return nil, fmt.Errorf("diskseg: load hnsw block: %w", err)
	}

	return &Segment{
		dir:        dir,
		f:          f,
		mm:         mm,
		ft:         ft,
		index:      idx,
		fields:     fields,
		docOffsets: docOffsets,
		meta:       meta,
	}, nil
}

func readDocMeta(mm mmap.MMap, bh codec.BlockHandle) ([]uint64, error) {
	r := bytes.NewReader(mm[bh.Offset : bh.Offset+bh.Size])
	n, err := codec.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		v, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readFieldMeta(mm mmap.MMap, bh codec.BlockHandle) ([]FieldHandle, error) {
	r := bytes.NewReader(mm[bh.Offset : bh.Offset+bh.Size])
	n, err := codec.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]FieldHandle, n)
	for i := range out {
		tc, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		fstBH, err := codec.ReadBlockHandle(r)
		if err != nil {
			return nil, err
		}
		bloomBH, err := codec.ReadBlockHandle(r)
		if err != nil {
			return nil, err
		}
		out[i] = FieldHandle{TermCount: int(tc), FSTBH: fstBH, BloomBH: bloomBH}
	}
	return out, nil
}

// readPostingRecord parses the posting record at offset: varint(doc_count)
// varint(payload_len) payload[payload_len].
func readPostingRecord(data []byte, offset uint64) (docCount uint64, payload []byte, err error) {
	r := bytes.NewReader(data[offset:])
	docCount, err = codec.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	payloadLen, err := codec.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	consumed := len(data[offset:]) - r.Len()
	start := offset + uint64(consumed)
	end := start + payloadLen
	if end > uint64(len(data)) {
		return 0, nil, fmt.Errorf("diskseg: truncated posting record at offset %d", offset)
	}
	return docCount, data[start:end], nil
}

// Dir returns the segment's directory.
func (s *Segment) Dir() string { return s.dir }

// DocCount returns the number of documents in this segment.
func (s *Segment) DocCount() int { return len(s.docOffsets) }

// Meta returns the segment's sidecar metadata.
func (s *Segment) Meta() Meta { return s.meta }

// Level returns the segment's tiered-compaction level.
func (s *Segment) Level() int { return s.meta.Level }

// FileSize returns the segment's on-disk byte size, used by the
// compaction coordinator to pick the smallest-by-bytes segments at a level
// for the next merge.
func (s *Segment) FileSize() int64 { return s.meta.FileSize }

// PostingReads returns the number of posting-block reads served so far.
func (s *Segment) PostingReads() uint64 { return s.postingReads.Load() }

// Reader is a read-only handle on a Segment, carrying a wait-group worker
// token so a concurrent merge's deletion of this segment's files waits for
// every outstanding reader to Release.
type Reader struct {
	s *Segment
}

// Reader acquires a worker token and returns a Reader.
func (s *Segment) Reader() *Reader {
	s.wg.Add(1)
	return &Reader{s: s}
}

// Wait blocks until every Reader acquired so far has called Release.
func (s *Segment) Wait() { s.wg.Wait() }

// Release drops this reader's worker token.
func (r *Reader) Release() { r.s.wg.Done() }

// Query runs a k-nearest-neighbour search over the segment's HNSW index.
func (r *Reader) Query(q []float32, k int, prioritizer hnsw.Prioritizer, filter hnsw.Filter) []hnsw.Result {
	return r.s.index.QueryResults(q, k, prioritizer, filter)
}

// Vector returns the vector stored for docID. It is the copy decoded when
// the segment was opened; it does not alias the mmap.
func (r *Reader) Vector(docID uint32) []float32 { return r.s.index.Vector(docID) }

// Payload reconstructs the document payload stored for docID by reading
// its serialized record directly out of the mmap.
func (r *Reader) Payload(docID uint32) (model.Record, error) {
	if int(docID) >= len(r.s.docOffsets) {
		return model.Record{}, fmt.Errorf("diskseg: doc id %d out of range", docID)
	}
	// Each doc-block entry is a WAL record: a 4-byte big-endian length
	// prefix followed by the serialized record.
	off := r.s.docOffsets[docID]
	return model.ReadRecord(bytes.NewReader(r.s.mm[off+4:]))
}

// FieldReader returns a handle for resolving terms in one schema field's
// dictionary, or nil if fieldID is out of range.
func (r *Reader) FieldReader(fieldID uint32) *FieldReader {
	if int(fieldID) >= len(r.s.fields) {
		return nil
	}
	return &FieldReader{s: r.s, dict: r.s.fields[fieldID].dict}
}

// FieldReader resolves terms within one field's FST/bloom dictionary to a
// posting iterator over this segment's mmap.
type FieldReader struct {
	s    *Segment
	dict *fstdict.Dict
}

// Get returns a lazy iterator over every committed (doc_id, freq) pair for
// term, or nil if the bloom filter or FST report term absent.
func (fr *FieldReader) Get(term []byte) *PostingIterator {
	offset, found, err := fr.dict.Lookup(term)
	if err != nil || !found {
		return nil
	}
	fr.s.postingReads.Inc()
	docCount, payload, err := readPostingRecord(fr.s.mm, offset)
	if err != nil {
		return nil
	}
	return &PostingIterator{r: bytes.NewReader(payload), remaining: docCount}
}

// PostingIterator re-encodes a segment's delta-compressed posting record
// back into absolute doc ids, one (doc_id, freq) pair per Next call.
type PostingIterator struct {
	r         *bytes.Reader
	runningID uint32
	remaining uint64
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

// Close releases the segment's mmap, file handle and FST resources. Callers
// must first Wait for every outstanding Reader to Release. Closing an
// already-closed segment is a no-op.
func (s *Segment) Close() error {
	if s.f == nil {
		return nil
	}
	for i, fd := range s.fields {
		if err := fd.dict.Close(); err != nil {
			return fmt.Errorf("diskseg: close field %d dict: %w", i, err)
		}
	}
	if err := s.mm.Unmap(); err != nil {
		return err
	}
	f := s.f
	s.f = nil
	return f.Close()
}

// Remove closes the segment then deletes its directory, used once a merge
// has produced a replacement and no reader holds a handle.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}
