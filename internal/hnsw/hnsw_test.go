package hnsw

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func euclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func randomVectors(n, dims int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for j := range v {
			v[j] = r.Float32()
		}
		out[i] = v
	}
	return out
}

func TestEmptyIndexQueryReturnsNothing(t *testing.T) {
	idx := New(DefaultConfig(8), euclidean, 1)
	require.Empty(t, idx.Query([]float32{1, 2, 3}, 5, nil, nil))
}

func TestEveryInsertedVectorIsItsOwnNearestNeighbour(t *testing.T) {
	idx := New(DefaultConfig(8), euclidean, 1)
	vectors := randomVectors(200, 8, 42)
	for i, v := range vectors {
		require.Equal(t, uint32(i), idx.Insert(v))
	}

	for i, v := range vectors {
		results := idx.Query(v, 1, nil, nil)
		require.Len(t, results, 1)
		require.Equal(t, uint32(i), results[0].id)
		require.Equal(t, float32(0), results[0].dist)
	}
}

func TestQueryResultsAreSortedNearFirst(t *testing.T) {
	idx := New(DefaultConfig(8), euclidean, 1)
	for _, v := range randomVectors(100, 4, 7) {
		idx.Insert(v)
	}

	results := idx.Query([]float32{0.5, 0.5, 0.5, 0.5}, 10, nil, nil)
	require.Len(t, results, 10)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i-1].dist, results[i].dist)
	}
}

func TestDeterminismUnderFixedSeed(t *testing.T) {
	vectors := randomVectors(150, 6, 99)
	queries := randomVectors(10, 6, 100)

	build := func() *Index {
		idx := New(DefaultConfig(8), euclidean, 3)
		for _, v := range vectors {
			idx.Insert(v)
		}
		return idx
	}
	a, b := build(), build()

	require.Equal(t, a.entryPoint, b.entryPoint)
	require.Equal(t, a.maxLayer, b.maxLayer)
	require.Equal(t, len(a.nodes), len(b.nodes))
	for i := range a.nodes {
		require.Equal(t, a.nodes[i].level, b.nodes[i].level, "node %d level", i)
		require.Equal(t, a.nodes[i].neighbors, b.nodes[i].neighbors, "node %d adjacency", i)
	}
	for _, q := range queries {
		require.Equal(t, a.QueryResults(q, 5, nil, nil), b.QueryResults(q, 5, nil, nil))
	}
}

func TestEdgesNeverPointAboveANodesLevel(t *testing.T) {
	idx := New(DefaultConfig(4), euclidean, 5)
	for _, v := range randomVectors(300, 4, 11) {
		idx.Insert(v)
	}

	require.GreaterOrEqual(t, idx.nodes[idx.entryPoint].level, idx.maxLayer)
	for id, n := range idx.nodes {
		require.LessOrEqual(t, len(n.neighbors), n.level+1, "node %d has adjacency above its level", id)
		for level, adj := range n.neighbors {
			for _, nb := range adj {
				require.Greater(t, len(idx.nodes[nb].neighbors), level,
					"edge (%d,%d) at layer %d but %d does not exist there", id, nb, level, nb)
			}
		}
	}
}

func TestPruneHeuristicPrefersDiverseNeighbours(t *testing.T) {
	// Pruning around q = origin. Candidates 0 and 1 sit in the same
	// region; 2 covers a distinct one. 0 is admitted first, 1 is rejected
	// because it lies closer to 0 than to q, and 2 is admitted despite
	// being the farthest.
	idx := New(DefaultConfig(8), euclidean, 1)
	idx.vectors = [][]float32{{1, 0}, {1.1, 0}, {0, 5}}
	q := []float32{0, 0}
	candidates := []neighbor{
		{id: 0, dist: euclidean(idx.vectors[0], q)},
		{id: 1, dist: euclidean(idx.vectors[1], q)},
		{id: 2, dist: euclidean(idx.vectors[2], q)},
	}

	out := idx.pruneHeuristic(candidates, 2)
	require.Len(t, out, 2)
	require.Equal(t, uint32(0), out[0].id)
	require.Equal(t, uint32(2), out[1].id)
}

func TestPruneHeuristicBackfillsUpToK(t *testing.T) {
	idx := New(DefaultConfig(8), euclidean, 1)
	idx.vectors = [][]float32{{1, 0}, {1.1, 0}, {0, 5}}
	q := []float32{0, 0}
	candidates := []neighbor{
		{id: 0, dist: euclidean(idx.vectors[0], q)},
		{id: 1, dist: euclidean(idx.vectors[1], q)},
		{id: 2, dist: euclidean(idx.vectors[2], q)},
	}

	// With k = 3 the rejected candidate 1 is backfilled nearest-first.
	out := idx.pruneHeuristic(candidates, 3)
	require.Len(t, out, 3)
	require.Equal(t, uint32(1), out[2].id)
}

func TestFilterExcludesMatchingIDs(t *testing.T) {
	idx := New(DefaultConfig(8), euclidean, 1)
	vectors := randomVectors(50, 4, 21)
	for _, v := range vectors {
		idx.Insert(v)
	}

	target := vectors[10]
	blocked := func(id uint32) bool { return id == 10 }
	results := idx.Query(target, 5, nil, blocked)
	for _, r := range results {
		require.NotEqual(t, uint32(10), r.id)
	}
}

func TestPrioritizerBoostsMarkedIDs(t *testing.T) {
	// A fixed two-node graph so the entry point is known: search starts at
	// node 0 and discovers node 1, whose computed distance must come back
	// multiplied by 0.7.
	idx := New(DefaultConfig(8), euclidean, 1)
	idx.vectors = [][]float32{{0, 0, 0, 0}, {1, 1, 1, 1}}
	idx.nodes = []node{
		{level: 0, neighbors: [][]uint32{{1}}},
		{level: 0, neighbors: [][]uint32{{0}}},
	}
	idx.entryPoint = 0
	idx.maxLayer = 0

	q := []float32{0.1, 0.1, 0.1, 0.1}
	boost := func(id uint32) bool { return id == 1 }
	results := idx.Query(q, 2, boost, nil)
	require.Len(t, results, 2)
	raw := euclidean([]float32{1, 1, 1, 1}, q)
	require.Equal(t, uint32(1), results[1].id)
	require.InDelta(t, raw*0.7, results[1].dist, 1e-5)
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	dims := 6
	idx := New(DefaultConfig(8), euclidean, 17)
	vectors := randomVectors(120, dims, 31)
	for _, v := range vectors {
		idx.Insert(v)
	}

	vc := F32Codec{Dims: dims}
	var buf bytes.Buffer
	n, err := idx.WriteTo(&buf, vc)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	loaded, err := Load(buf.Bytes(), euclidean, vc, 17)
	require.NoError(t, err)

	require.Equal(t, idx.cfg, loaded.cfg)
	require.Equal(t, idx.entryPoint, loaded.entryPoint)
	require.Equal(t, idx.maxLayer, loaded.maxLayer)
	require.Equal(t, len(idx.nodes), len(loaded.nodes))
	for i := range idx.nodes {
		require.Equal(t, idx.nodes[i].level, loaded.nodes[i].level)
		// WriteTo encodes nil and empty adjacency identically.
		require.Equal(t, len(idx.nodes[i].neighbors), len(loaded.nodes[i].neighbors))
		for l := range idx.nodes[i].neighbors {
			require.ElementsMatch(t, idx.nodes[i].neighbors[l], loaded.nodes[i].neighbors[l])
		}
		require.Equal(t, idx.vectors[i], loaded.vectors[i])
	}

	for _, q := range randomVectors(5, dims, 32) {
		require.Equal(t, idx.QueryResults(q, 3, nil, nil), loaded.QueryResults(q, 3, nil, nil))
	}
}

func TestMergeContainsEveryVectorFromBothInputs(t *testing.T) {
	a := New(DefaultConfig(8), euclidean, 1)
	b := New(DefaultConfig(8), euclidean, 2)
	va := randomVectors(40, 4, 51)
	vb := randomVectors(40, 4, 52)
	for _, v := range va {
		a.Insert(v)
	}
	for _, v := range vb {
		b.Insert(v)
	}

	merged := Merge(a, b, 3)
	require.Equal(t, len(va)+len(vb), merged.Len())
	for i, v := range va {
		require.Equal(t, v, merged.Vector(uint32(i)))
	}
	for i, v := range vb {
		require.Equal(t, v, merged.Vector(uint32(len(va)+i)))
	}

	results := merged.Query(va[0], 1, nil, nil)
	require.Len(t, results, 1)
	require.Equal(t, float32(0), results[0].dist)
}
