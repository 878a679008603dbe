package diskseg

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heroiclabs/vectorbase/internal/engine"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
	"github.com/heroiclabs/vectorbase/internal/model"
	"github.com/heroiclabs/vectorbase/internal/walog"
)

func euclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func tokenize(s string) []string { return strings.Fields(strings.ToLower(s)) }

func testSchema() model.Schema {
	return model.Schema{
		Fields: []model.FieldEntry{
			{Name: "color", FieldID: 0, Type: model.KindString},
			{Name: "count", FieldID: 1, Type: model.KindU32},
		},
		Vector: model.VectorEntry{Name: "v", Tensor: model.TensorEntry{NDims: 1, Dims: [4]uint32{4}, DType: model.DTypeF32}},
	}
}

var testCodec = hnsw.F32Codec{Dims: 4}

// persistSegment builds an engine from records, persists it into a fresh
// segment directory under root, and returns the opened segment.
func persistSegment(t *testing.T, root string, name string, records []model.Record, level int) *Segment {
	t.Helper()
	schema := testSchema()
	e, err := engine.New(schema, tokenize, filepath.Join(root, name+".wal"), walog.DefaultSize, hnsw.DefaultConfig(8), euclidean, 1)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	for _, r := range records {
		_, err := e.Add(r)
		require.NoError(t, err)
	}

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	dataPath := filepath.Join(dir, DataFileName)
	docNum, fieldRanges, err := Persist(e, testCodec, dataPath)
	require.NoError(t, err)
	require.Equal(t, len(records), docNum)

	fi, err := os.Stat(dataPath)
	require.NoError(t, err)
	meta := Meta{
		Schema:      schema,
		FieldRanges: fieldRanges,
		FileSize:    fi.Size(),
		DocNum:      docNum,
		Level:       level,
	}
	require.NoError(t, meta.Save(filepath.Join(dir, MetaFileName)))

	seg, err := Open(dir, euclidean, testCodec, 1)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func record(v []float32, color string, count uint32) model.Record {
	return model.Record{
		Vector: v,
		Payload: model.Document{Fields: []model.FieldValue{
			{FieldID: 0, Value: model.StringValue(color)},
			{FieldID: 1, Value: model.U32Value(count)},
		}},
	}
}

func collect(t *testing.T, it *PostingIterator) []uint32 {
	t.Helper()
	var docs []uint32
	if it == nil {
		return docs
	}
	for {
		doc, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return docs
		}
		docs = append(docs, doc)
	}
}

func TestPersistThenOpenRoundTrip(t *testing.T) {
	root := t.TempDir()
	records := []model.Record{
		record([]float32{0, 0, 1, 1}, "red", 7),
		record([]float32{1, 0, 0, 0}, "blue", 8),
		record([]float32{0, 1, 0, 0}, "red green", 7),
		record([]float32{1, 1, 1, 1}, "yellow", 9),
	}
	seg := persistSegment(t, root, "seg0", records, 0)

	require.Equal(t, len(records), seg.DocCount())

	r := seg.Reader()
	defer r.Release()

	// Every doc comes back in insertion order with an identical payload.
	for i, want := range records {
		got, err := r.Payload(uint32(i))
		require.NoError(t, err)
		require.Equal(t, want.Vector, got.Vector)
		require.True(t, want.Payload.Equal(got.Payload), "doc %d payload", i)
	}

	// Vector queries resolve through the deserialized HNSW block.
	for i, want := range records {
		results := r.Query(want.Vector, 1, nil, nil)
		require.Len(t, results, 1)
		require.Equal(t, uint32(i), results[0].ID)
		require.Equal(t, float32(0), results[0].Distance)
	}

	// Term lookups through bloom -> fst -> posting stream.
	require.Equal(t, []uint32{0, 2}, collect(t, r.FieldReader(0).Get([]byte("red"))))
	require.Equal(t, []uint32{2}, collect(t, r.FieldReader(0).Get([]byte("green"))))
	require.Equal(t, []uint32{3}, collect(t, r.FieldReader(0).Get([]byte("yellow"))))

	// Non-string values are indexed under their big-endian term bytes.
	sevenTerm := model.U32Value(7).Term()
	require.Equal(t, []uint32{0, 2}, collect(t, r.FieldReader(1).Get(sevenTerm)))
}

func TestNegativeLookupPerformsNoPostingReads(t *testing.T) {
	root := t.TempDir()
	seg := persistSegment(t, root, "seg0", []model.Record{
		record([]float32{0, 0, 1, 1}, "red", 1),
	}, 0)

	r := seg.Reader()
	defer r.Release()

	require.Nil(t, r.FieldReader(0).Get([]byte("never-inserted-term")))
	require.Zero(t, seg.PostingReads())

	require.NotNil(t, r.FieldReader(0).Get([]byte("red")))
	require.Equal(t, uint64(1), seg.PostingReads())
}

func TestOpenRejectsCorruptFooter(t *testing.T) {
	root := t.TempDir()
	seg := persistSegment(t, root, "seg0", []model.Record{
		record([]float32{0, 0, 1, 1}, "red", 1),
	}, 0)
	dir := seg.Dir()
	require.NoError(t, seg.Close())

	dataPath := filepath.Join(dir, DataFileName)
	data, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	// Stamp over the magic number.
	copy(data[len(data)-8:], []byte("garbage!"))
	require.NoError(t, os.WriteFile(dataPath, data, 0o644))

	_, err = Open(dir, euclidean, testCodec, 1)
	require.ErrorIs(t, err, ErrBadMagicNumber)
}

func TestMergeCombinesSegments(t *testing.T) {
	root := t.TempDir()
	a := persistSegment(t, root, "a", []model.Record{
		record([]float32{0, 0, 0, 1}, "red", 1),
		record([]float32{0, 0, 1, 0}, "blue", 2),
	}, 0)
	b := persistSegment(t, root, "b", []model.Record{
		record([]float32{0, 1, 0, 0}, "red", 3),
		record([]float32{1, 0, 0, 0}, "green", 4),
	}, 0)

	outDir := filepath.Join(root, "merged")
	meta, err := Merge([]*Segment{a, b}, testSchema(), testCodec, euclidean, 1, outDir, 1, "test")
	require.NoError(t, err)
	require.Equal(t, 4, meta.DocNum)
	require.Equal(t, 1, meta.Level)
	require.Equal(t, []string{"a", "b"}, meta.Parent)

	merged, err := Open(outDir, euclidean, testCodec, 1)
	require.NoError(t, err)
	defer merged.Close()
	require.Equal(t, 1, merged.Level())

	r := merged.Reader()
	defer r.Release()

	// Doc ids are re-based: a's docs keep [0,2), b's shift to [2,4).
	require.Equal(t, []uint32{0, 2}, collect(t, r.FieldReader(0).Get([]byte("red"))))
	require.Equal(t, []uint32{1}, collect(t, r.FieldReader(0).Get([]byte("blue"))))
	require.Equal(t, []uint32{3}, collect(t, r.FieldReader(0).Get([]byte("green"))))

	// Payloads survive the doc-block concatenation with their new ids.
	got, err := r.Payload(3)
	require.NoError(t, err)
	v, ok := got.Payload.Get(0)
	require.True(t, ok)
	require.Equal(t, "green", v.String())

	// The rebuilt HNSW answers for every input vector.
	for i, vec := range [][]float32{{0, 0, 0, 1}, {0, 0, 1, 0}, {0, 1, 0, 0}, {1, 0, 0, 0}} {
		results := r.Query(vec, 1, nil, nil)
		require.Len(t, results, 1)
		require.Equal(t, uint32(i), results[0].ID)
		require.Equal(t, float32(0), results[0].Distance)
	}

	// No .tmp directory is left behind.
	_, err = os.Stat(outDir + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestMergeMatchesPreMergeSearchResults(t *testing.T) {
	root := t.TempDir()
	var segs []*Segment
	for i := 0; i < 3; i++ {
		segs = append(segs, persistSegment(t, root, fmt.Sprintf("s%d", i), []model.Record{
			record([]float32{float32(i), 0, 0, 0}, fmt.Sprintf("term%d shared", i), uint32(i)),
		}, 0))
	}

	// Pre-merge: gather (segment-relative) results for "shared".
	var preTotal int
	for _, s := range segs {
		r := s.Reader()
		preTotal += len(collect(t, r.FieldReader(0).Get([]byte("shared"))))
		r.Release()
	}
	require.Equal(t, 3, preTotal)

	outDir := filepath.Join(root, "merged")
	_, err := Merge(segs, testSchema(), testCodec, euclidean, 1, outDir, 1, "test")
	require.NoError(t, err)

	merged, err := Open(outDir, euclidean, testCodec, 1)
	require.NoError(t, err)
	defer merged.Close()

	r := merged.Reader()
	defer r.Release()
	require.Equal(t, []uint32{0, 1, 2}, collect(t, r.FieldReader(0).Get([]byte("shared"))))
	for i := 0; i < 3; i++ {
		require.Equal(t, []uint32{uint32(i)}, collect(t, r.FieldReader(0).Get([]byte(fmt.Sprintf("term%d", i)))))
	}
}
