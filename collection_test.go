package vectorbase

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heroiclabs/vectorbase/internal/compaction"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewConfig()
	cfg.DataPath = t.TempDir()
	cfg.CollectionName = "test"
	cfg.HNSWM = 8
	return cfg
}

func testSchema() Schema {
	s := NewSchema("v", TensorEntry{NDims: 1, Dims: [4]uint32{4}, DType: DTypeF32})
	s = s.WithField("color", KindString)
	s = s.WithField("title", KindString)
	return s
}

func openTestCollection(t *testing.T, cfg *Config) *Collection {
	t.Helper()
	c, err := Open(cfg, testSchema(), DefaultTokenizer, DefaultMetric, zap.NewNop())
	require.NoError(t, err)
	return c
}

func colorDoc(color string) Document {
	return Document{Fields: []FieldValue{{FieldID: 0, Value: StringValue(color)}}}
}

func titleDoc(title string) Document {
	return Document{Fields: []FieldValue{{FieldID: 1, Value: StringValue(title)}}}
}

// flushToDisk forces a flush-and-swap: the mem segment is frozen into
// imm and synchronously persisted to a level-0 disk segment.
func flushToDisk(t *testing.T, c *Collection) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.rotateMem())
	require.NoError(t, c.coord.FlushImm())
}

func searchHits(t *testing.T, c *Collection, fieldID uint32, term string) []SearchHit {
	t.Helper()
	s := c.Searcher()
	defer s.Close()
	return s.Search(fieldID, []byte(term))
}

func TestSingleAddThenQuerySelf(t *testing.T) {
	c := openTestCollection(t, testConfig(t))
	defer c.Close()

	id, err := c.Add(Vector{Vector: []float32{0, 0, 1, 1}, Payload: colorDoc("red")})
	require.NoError(t, err)
	require.Len(t, id, 20)

	s := c.Searcher()
	defer s.Close()

	hits := s.Query([]float32{0, 0, 1, 1}, 1, nil, nil)
	require.Len(t, hits, 1)
	require.Equal(t, float32(0), hits[0].Distance)

	rec, err := s.Payload(hits[0].DocRef)
	require.NoError(t, err)
	color, ok := rec.Payload.Get(0)
	require.True(t, ok)
	require.Equal(t, "red", color.String())

	sysID, ok := rec.Payload.Get(c.idField)
	require.True(t, ok)
	require.Equal(t, id, sysID.String())
}

func TestTermMatchAcrossSegments(t *testing.T) {
	c := openTestCollection(t, testConfig(t))
	defer c.Close()

	for i, color := range []string{"red", "blue", "red", "yellow"} {
		_, err := c.Add(Vector{Vector: []float32{float32(i), 0, 1, 1}, Payload: colorDoc(color)})
		require.NoError(t, err)
	}
	flushToDisk(t, c)

	for i, title := range []string{"cc", "aa", "ff", "gg"} {
		_, err := c.Add(Vector{Vector: []float32{float32(i), 1, 0, 0}, Payload: titleDoc(title)})
		require.NoError(t, err)
	}

	redHits := searchHits(t, c, 0, "red")
	require.Len(t, redHits, 2)
	for _, h := range redHits {
		// Block 0 is mem; the red docs live in the flushed disk segment.
		require.NotZero(t, h.BlockID)
	}

	aaHits := searchHits(t, c, 1, "aa")
	require.Len(t, aaHits, 1)
	require.Zero(t, aaHits[0].BlockID)
}

func TestQueryMergesResultsAcrossBlocks(t *testing.T) {
	c := openTestCollection(t, testConfig(t))
	defer c.Close()

	_, err := c.Add(Vector{Vector: []float32{0, 0, 0, 0}, Payload: colorDoc("disk")})
	require.NoError(t, err)
	flushToDisk(t, c)
	_, err = c.Add(Vector{Vector: []float32{0.1, 0, 0, 0}, Payload: colorDoc("mem")})
	require.NoError(t, err)

	s := c.Searcher()
	defer s.Close()

	hits := s.Query([]float32{0, 0, 0, 0}, 2, nil, nil)
	require.Len(t, hits, 2)
	require.Equal(t, float32(0), hits[0].Distance)
	require.LessOrEqual(t, hits[0].Distance, hits[1].Distance)

	// Each hit resolves through its own block.
	for _, h := range hits {
		rec, err := s.Payload(h.DocRef)
		require.NoError(t, err)
		_, ok := rec.Payload.Get(0)
		require.True(t, ok)
	}
}

func TestReopenReplaysWal(t *testing.T) {
	cfg := testConfig(t)
	c := openTestCollection(t, cfg)

	vectors := make([][]float32, 10)
	for i := range vectors {
		vectors[i] = []float32{float32(i), float32(i % 3), 0, 1}
		_, err := c.Add(Vector{Vector: vectors[i], Payload: colorDoc(fmt.Sprintf("c%d", i))})
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	reopened := openTestCollection(t, cfg)
	defer reopened.Close()

	s := reopened.Searcher()
	defer s.Close()
	for _, v := range vectors {
		hits := s.Query(v, 1, nil, nil)
		require.Len(t, hits, 1)
		require.Equal(t, float32(0), hits[0].Distance)
	}
	for i := range vectors {
		require.Len(t, searchHits(t, reopened, 0, fmt.Sprintf("c%d", i)), 1)
	}
}

func TestReopenRecoversDiskAndMemSegments(t *testing.T) {
	cfg := testConfig(t)
	c := openTestCollection(t, cfg)

	_, err := c.Add(Vector{Vector: []float32{1, 0, 0, 0}, Payload: colorDoc("flushed")})
	require.NoError(t, err)
	flushToDisk(t, c)
	_, err = c.Add(Vector{Vector: []float32{0, 1, 0, 0}, Payload: colorDoc("fresh")})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened := openTestCollection(t, cfg)
	defer reopened.Close()

	require.Len(t, searchHits(t, reopened, 0, "flushed"), 1)
	require.Len(t, searchHits(t, reopened, 0, "fresh"), 1)
}

func TestWalOverflowTriggersTransparentRotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.WalFileSize = 1024
	c := openTestCollection(t, cfg)
	defer c.Close()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := c.Add(Vector{Vector: []float32{float32(i), 0, 0, 0}, Payload: colorDoc(fmt.Sprintf("u%d", i))})
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		require.Len(t, searchHits(t, c, 0, fmt.Sprintf("u%d", i)), 1, "term u%d", i)
	}

	c.mu.RLock()
	diskCount := len(c.disk)
	c.mu.RUnlock()
	require.NotZero(t, diskCount)
}

func levelCounts(c *Collection) [compaction.MaxLevel + 1]int {
	var counts [compaction.MaxLevel + 1]int
	for _, s := range c.Segments() {
		counts[s.Level()]++
	}
	return counts
}

func TestCompactionConvergesAndKeepsEveryDocSearchable(t *testing.T) {
	c := openTestCollection(t, testConfig(t))
	defer c.Close()

	const n = 9
	for i := 0; i < n; i++ {
		_, err := c.Add(Vector{Vector: []float32{float32(i), 0, 0, 1}, Payload: colorDoc(fmt.Sprintf("seg%d", i))})
		require.NoError(t, err)
		flushToDisk(t, c)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		counts := levelCounts(c)
		within := true
		for l, cnt := range counts {
			if cnt > compaction.LevelFileCaps[l] {
				within = false
			}
		}
		if within {
			break
		}
		require.True(t, time.Now().Before(deadline), "compaction did not converge: %v", counts)
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < n; i++ {
		require.Len(t, searchHits(t, c, 0, fmt.Sprintf("seg%d", i)), 1, "term seg%d", i)
	}
}

func TestSearcherSnapshotSurvivesCompaction(t *testing.T) {
	c := openTestCollection(t, testConfig(t))
	defer c.Close()

	_, err := c.Add(Vector{Vector: []float32{1, 2, 3, 4}, Payload: colorDoc("pinned")})
	require.NoError(t, err)
	flushToDisk(t, c)

	// Snapshot before further flushes churn the stack.
	s := c.Searcher()
	defer s.Close()

	for i := 0; i < 4; i++ {
		_, err := c.Add(Vector{Vector: []float32{float32(i), 0, 0, 0}, Payload: colorDoc(fmt.Sprintf("later%d", i))})
		require.NoError(t, err)
		flushToDisk(t, c)
	}

	// The old snapshot still resolves its pinned doc.
	hits := s.Search(0, []byte("pinned"))
	require.Len(t, hits, 1)
	rec, err := s.Payload(hits[0].DocRef)
	require.NoError(t, err)
	v, ok := rec.Payload.Get(0)
	require.True(t, ok)
	require.Equal(t, "pinned", v.String())
}

func TestOpenRejectsMismatchedSchema(t *testing.T) {
	cfg := testConfig(t)
	c := openTestCollection(t, cfg)
	require.NoError(t, c.Close())

	conflicting := NewSchema("v", TensorEntry{NDims: 1, Dims: [4]uint32{4}, DType: DTypeF32})
	conflicting = conflicting.WithField("color", KindU64) // same id, different type

	_, err := Open(cfg, conflicting, DefaultTokenizer, DefaultMetric, zap.NewNop())
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestVectorDimensionMismatchIsRejected(t *testing.T) {
	c := openTestCollection(t, testConfig(t))
	defer c.Close()

	_, err := c.Add(Vector{Vector: []float32{1, 2}, Payload: colorDoc("short")})
	require.Error(t, err)
}
