package diskseg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/heroiclabs/vectorbase/internal/codec"
	"github.com/heroiclabs/vectorbase/internal/engine"
	"github.com/heroiclabs/vectorbase/internal/fieldcache"
	"github.com/heroiclabs/vectorbase/internal/fstdict"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
)

// FieldHandle locates one field's dictionary blocks within a segment file.
type FieldHandle struct {
	TermCount int
	FSTBH     codec.BlockHandle
	BloomBH   codec.BlockHandle
}

// countingWriter wraps an io.Writer and tracks the absolute file offset
// written so far, seeded from the caller's current file position.
type countingWriter struct {
	w   io.Writer
	pos uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.pos += uint64(n)
	return n, err
}

// Persist writes e's committed content into a brand-new segment file,
// consuming e's WAL in place: the WAL file is renamed to dataPath and kept
// as the segment's doc block, then the HNSW block, per-field
// posting/bloom/FST blocks, doc_meta, field_meta and footer are appended
// directly after it. The engine must not accept further adds after this
// call.
func Persist(e *engine.Engine, vc hnsw.VectorCodec, dataPath string) (docNum int, fieldRanges []FieldRange, err error) {
	schema := e.Schema()
	f, docEnd, err := e.Finalize(dataPath)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw := &countingWriter{w: bw, pos: uint64(docEnd)}

	vectorOffset := cw.pos
	vecN, err := e.HNSW().WriteTo(cw, vc)
	if err != nil {
		return 0, nil, fmt.Errorf("diskseg: write hnsw block: %w", err)
	}
	vectorBH := codec.BlockHandle{Offset: vectorOffset, Size: uint64(vecN)}

	fieldHandles := make([]FieldHandle, len(schema.Fields))
	fieldRanges = make([]FieldRange, len(schema.Fields))
	for _, fe := range schema.Fields {
		fh, fr, ferr := writeField(cw, e.FieldCache(fe.FieldID))
		if ferr != nil {
			return 0, nil, fmt.Errorf("diskseg: write field %q: %w", fe.Name, ferr)
		}
		fieldHandles[fe.FieldID] = fh
		fieldRanges[fe.FieldID] = fr
	}

	docOffsets := e.DocOffsets()
	docMetaOffset := cw.pos
	if err := writeDocMeta(cw, docOffsets); err != nil {
		return 0, nil, fmt.Errorf("diskseg: write doc_meta: %w", err)
	}
	docMetaBH := codec.BlockHandle{Offset: docMetaOffset, Size: cw.pos - docMetaOffset}

	fieldMetaOffset := cw.pos
	if err := writeFieldMeta(cw, fieldHandles); err != nil {
		return 0, nil, fmt.Errorf("diskseg: write field_meta: %w", err)
	}
	fieldMetaBH := codec.BlockHandle{Offset: fieldMetaOffset, Size: cw.pos - fieldMetaOffset}

	ft := footer{docEnd: uint64(docEnd), docMetaBH: docMetaBH, fieldMetaBH: fieldMetaBH, vectorBH: vectorBH}
	encoded, err := ft.encode()
	if err != nil {
		return 0, nil, err
	}
	if _, err := cw.Write(encoded); err != nil {
		return 0, nil, fmt.Errorf("diskseg: write footer: %w", err)
	}

	if err := bw.Flush(); err != nil {
		return 0, nil, fmt.Errorf("diskseg: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, nil, fmt.Errorf("diskseg: sync: %w", err)
	}
	return len(docOffsets), fieldRanges, nil
}

// writeField walks cache in term order, copying each term's committed
// arena chain verbatim into the posting block (the chain bytes are already
// in the delta+freq-collapsed wire encoding a posting record needs), while
// feeding an FST builder and a bloom filter sized to the field's term count.
func writeField(cw *countingWriter, cache *fieldcache.Cache) (FieldHandle, FieldRange, error) {
	builder, err := fstdict.NewBuilder(cache.TermCount())
	if err != nil {
		return FieldHandle{}, FieldRange{}, err
	}

	var rng FieldRange
	it := cache.Iterate()
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		offset := cw.pos

		var hdr bytes.Buffer
		if err := codec.WriteUvarint(&hdr, uint64(p.DocCount())); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if err := codec.WriteUvarint(&hdr, uint64(p.Len())); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if _, err := cw.Write(hdr.Bytes()); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if _, err := io.Copy(cw, cache.ChainReader(p)); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}

		if err := builder.Insert(p.Term, offset); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if rng.Min == nil {
			rng.Min = append([]byte(nil), p.Term...)
		}
		rng.Max = append([]byte(nil), p.Term...)
	}

	fstBytes, filter, err := builder.Close()
	if err != nil {
		return FieldHandle{}, FieldRange{}, err
	}

	bloomOffset := cw.pos
	bloomN, err := filter.WriteTo(cw)
	if err != nil {
		return FieldHandle{}, FieldRange{}, fmt.Errorf("write bloom: %w", err)
	}
	bloomBH := codec.BlockHandle{Offset: bloomOffset, Size: uint64(bloomN)}

	fstOffset := cw.pos
	if _, err := cw.Write(fstBytes); err != nil {
		return FieldHandle{}, FieldRange{}, err
	}
	fstBH := codec.BlockHandle{Offset: fstOffset, Size: uint64(len(fstBytes))}

	return FieldHandle{TermCount: cache.TermCount(), FSTBH: fstBH, BloomBH: bloomBH}, rng, nil
}

func writeDocMeta(cw *countingWriter, offsets []int64) error {
	if err := codec.WriteUvarint(cw, uint64(len(offsets))); err != nil {
		return err
	}
	for _, o := range offsets {
		if err := codec.WriteUvarint(cw, uint64(o)); err != nil {
			return err
		}
	}
	return nil
}

func writeFieldMeta(cw *countingWriter, handles []FieldHandle) error {
	if err := codec.WriteUvarint(cw, uint64(len(handles))); err != nil {
		return err
	}
	for _, h := range handles {
		if err := codec.WriteUvarint(cw, uint64(h.TermCount)); err != nil {
			return err
		}
		if err := h.FSTBH.WriteTo(cw); err != nil {
			return err
		}
		if err := h.BloomBH.WriteTo(cw); err != nil {
			return err
		}
	}
	return nil
}
