package diskseg

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/heroiclabs/vectorbase/internal/codec"
	"github.com/heroiclabs/vectorbase/internal/fstdict"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
	"github.com/heroiclabs/vectorbase/internal/model"
)

// Merge combines inputs (already-open segments, oldest/lowest doc-id-range
// first) into a brand-new segment written atomically at outDir: doc blocks
// concatenated verbatim, HNSWes merged by full re-insertion, and per-field
// posting streams k-way merged on lexicographic term order with doc ids
// re-offset into the combined space. Merge writes to outDir+".tmp" and
// renames it into place on success; outDir's parent must already exist.
func Merge(inputs []*Segment, schema model.Schema, vc hnsw.VectorCodec, metric hnsw.Metric, rngSeed int64, outDir string, level int, collectionName string) (*Meta, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("diskseg: merge requires at least one input segment")
	}

	tmpDir := outDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(tmpDir)
		}
	}()

	docIDOffsets := make([]uint32, len(inputs))
	docBlockBase := make([]uint64, len(inputs))
	var total uint32
	var totalBytes uint64
	for i, seg := range inputs {
		docIDOffsets[i] = total
		docBlockBase[i] = totalBytes
		total += uint32(seg.DocCount())
		totalBytes += seg.ft.docEnd
	}

	dataPath := filepath.Join(tmpDir, DataFileName)
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskseg: create %s: %w", dataPath, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw := &countingWriter{w: bw}

	for _, seg := range inputs {
		if _, err := cw.Write(seg.mm[:seg.ft.docEnd]); err != nil {
			return nil, fmt.Errorf("diskseg: merge doc block: %w", err)
		}
	}
	docEnd := cw.pos

	merged := inputs[0].index
	for _, seg := range inputs[1:] {
		merged = hnsw.Merge(merged, seg.index, rngSeed)
	}
	vectorOffset := cw.pos
	vecN, err := merged.WriteTo(cw, vc)
	if err != nil {
		return nil, fmt.Errorf("diskseg: merge write hnsw: %w", err)
	}
	vectorBH := codec.BlockHandle{Offset: vectorOffset, Size: uint64(vecN)}

	fieldHandles := make([]FieldHandle, len(schema.Fields))
	fieldRanges := make([]FieldRange, len(schema.Fields))
	for _, fe := range schema.Fields {
		fh, fr, merr := mergeField(cw, inputs, fe.FieldID, docIDOffsets)
		if merr != nil {
			return nil, fmt.Errorf("diskseg: merge field %q: %w", fe.Name, merr)
		}
		fieldHandles[fe.FieldID] = fh
		fieldRanges[fe.FieldID] = fr
	}

	docMetaOffset := cw.pos
	docOffsets := make([]int64, 0, total)
	for i, seg := range inputs {
		base := docBlockBase[i]
		for _, off := range seg.docOffsets {
			docOffsets = append(docOffsets, int64(base+off))
		}
	}
	if err := writeDocMeta(cw, docOffsets); err != nil {
		return nil, fmt.Errorf("diskseg: merge write doc_meta: %w", err)
	}
	docMetaBH := codec.BlockHandle{Offset: docMetaOffset, Size: cw.pos - docMetaOffset}

	fieldMetaOffset := cw.pos
	if err := writeFieldMeta(cw, fieldHandles); err != nil {
		return nil, fmt.Errorf("diskseg: merge write field_meta: %w", err)
	}
	fieldMetaBH := codec.BlockHandle{Offset: fieldMetaOffset, Size: cw.pos - fieldMetaOffset}

	ft := footer{docEnd: docEnd, docMetaBH: docMetaBH, fieldMetaBH: fieldMetaBH, vectorBH: vectorBH}
	encoded, err := ft.encode()
	if err != nil {
		return nil, err
	}
	if _, err := cw.Write(encoded); err != nil {
		return nil, fmt.Errorf("diskseg: merge write footer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	fi, err := os.Stat(dataPath)
	if err != nil {
		return nil, err
	}

	parents := make([]string, 0, len(inputs))
	for _, seg := range inputs {
		parents = append(parents, filepath.Base(seg.Dir()))
	}
	meta := Meta{
		Schema:         schema,
		CollectionName: collectionName,
		Parent:         parents,
		FieldRanges:    fieldRanges,
		FileSize:       fi.Size(),
		DocNum:         int(total),
		Level:          level,
	}
	if err := meta.Save(filepath.Join(tmpDir, MetaFileName)); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(outDir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDir, outDir); err != nil {
		return nil, fmt.Errorf("diskseg: merge rename %s -> %s: %w", tmpDir, outDir, err)
	}
	published = true

	return &meta, nil
}

// mergeField performs a k-way outer-merge of one field's term dictionaries
// across inputs: for each lexicographic term present in any input, it
// concatenates the matching posting streams after re-offsetting each
// input's doc ids by docIDOffsets[i] and re-delta-encoding the combined,
// still-monotonic stream (inputs are processed in the same fixed order
// docIDOffsets was computed in, so global ids never decrease within a term).
func mergeField(cw *countingWriter, inputs []*Segment, fieldID uint32, docIDOffsets []uint32) (FieldHandle, FieldRange, error) {
	iters := make([]*fstdict.Iterator, len(inputs))
	totalTerms := 0
	for i, seg := range inputs {
		fd := seg.fields[fieldID]
		it, err := fd.dict.Iterator(nil, nil)
		if err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		iters[i] = it
		totalTerms += fd.termCount
	}

	builder, err := fstdict.NewBuilder(totalTerms)
	if err != nil {
		return FieldHandle{}, FieldRange{}, err
	}

	var rng FieldRange
	for {
		var smallest []byte
		for _, it := range iters {
			if !it.Valid() {
				continue
			}
			t := it.Term()
			if smallest == nil || bytes.Compare(t, smallest) < 0 {
				smallest = append([]byte(nil), t...)
			}
		}
		if smallest == nil {
			break
		}

		var merged bytes.Buffer
		var docCount uint64
		var lastID uint32
		haveLast := false
		for i, it := range iters {
			if !it.Valid() || !bytes.Equal(it.Term(), smallest) {
				continue
			}
			offset := it.Offset()
			dc, payload, err := readPostingRecord(inputs[i].mm, offset)
			if err != nil {
				return FieldHandle{}, FieldRange{}, err
			}
			r := bytes.NewReader(payload)
			var localID uint32
			for n := uint64(0); n < dc; n++ {
				delta, freq, err := codec.DecodeDocFreq(r)
				if err != nil {
					return FieldHandle{}, FieldRange{}, err
				}
				localID += delta
				globalID := localID + docIDOffsets[i]
				var d uint32
				if haveLast {
					d = globalID - lastID
				} else {
					d = globalID
				}
				var tmp [2 * codec.MaxVarintLen]byte
				merged.Write(codec.EncodeDocFreq(tmp[:0], d, freq))
				lastID = globalID
				haveLast = true
				docCount++
			}
			it.Next()
		}

		offset := cw.pos
		var hdr bytes.Buffer
		if err := codec.WriteUvarint(&hdr, docCount); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if err := codec.WriteUvarint(&hdr, uint64(merged.Len())); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if _, err := cw.Write(hdr.Bytes()); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if _, err := cw.Write(merged.Bytes()); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}

		if err := builder.Insert(smallest, offset); err != nil {
			return FieldHandle{}, FieldRange{}, err
		}
		if rng.Min == nil {
			rng.Min = append([]byte(nil), smallest...)
		}
		rng.Max = append([]byte(nil), smallest...)
	}

	fstBytes, filter, err := builder.Close()
	if err != nil {
		return FieldHandle{}, FieldRange{}, err
	}

	bloomOffset := cw.pos
	bloomN, err := filter.WriteTo(cw)
	if err != nil {
		return FieldHandle{}, FieldRange{}, err
	}
	bloomBH := codec.BlockHandle{Offset: bloomOffset, Size: uint64(bloomN)}

	fstOffset := cw.pos
	if _, err := cw.Write(fstBytes); err != nil {
		return FieldHandle{}, FieldRange{}, err
	}
	fstBH := codec.BlockHandle{Offset: fstOffset, Size: uint64(len(fstBytes))}

	return FieldHandle{TermCount: builder.Len(), FSTBH: fstBH, BloomBH: bloomBH}, rng, nil
}
