// Package hnsw implements the Hierarchical Navigable Small World
// approximate-nearest-neighbour graph index: insertion, bounded-width layer
// search, heuristic neighbour pruning, k-NN query, merge, and a
// memory-mappable on-disk serialization.
//
// Distance is a black-box metric supplied by the caller (the tensor/SIMD
// math library is out of scope for this package); hnsw only ever calls it
// with two equal-length float32 slices.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
)

// Metric computes the distance between two vectors of the index's fixed
// dimensionality. Smaller is closer.
type Metric func(a, b []float32) float32

// Config holds the tuning parameters fixed at index construction.
type Config struct {
	M              int
	M0             int
	EfConstruction int
	LevelMult      float64
}

// DefaultConfig derives the remaining parameters from M:
// M0 = 2*M, EfConstruction = 400, LevelMult = 1/ln(M).
func DefaultConfig(m int) Config {
	return Config{
		M:              m,
		M0:             2 * m,
		EfConstruction: 400,
		LevelMult:      1 / math.Log(float64(m)),
	}
}

type node struct {
	level     int
	neighbors [][]uint32 // neighbors[L] is the adjacency at layer L, L in [0, level]
}

// Index is a single HNSW graph over fixed-dimensionality float32 vectors.
// Not safe for concurrent Insert calls; Query may run concurrently with
// other Query calls but not with an in-flight Insert (the caller's writer
// lock is expected to enforce this, matching the engine's single-writer
// contract).
type Index struct {
	cfg        Config
	metric     Metric
	rng        *rand.Rand
	entryPoint uint32
	maxLayer   int
	nodes      []node
	vectors    [][]float32
}

// New returns an empty index. rngSeed fixes the random layer assignment so
// that two indexes built from the same insertion order and seed produce
// identical graphs (S4: determinism under a fixed seed).
func New(cfg Config, metric Metric, rngSeed int64) *Index {
	return &Index{
		cfg:    cfg,
		metric: metric,
		rng:    newRand(rngSeed),
	}
}

func newRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

// Len returns the number of vectors held in the index.
func (idx *Index) Len() int { return len(idx.vectors) }

// Config returns the index's tuning parameters, for a persisting caller
// that needs M/M0/ef_construction without re-deriving them from a schema.
func (idx *Index) Config() Config { return idx.cfg }

// Vector returns the raw vector stored for id.
func (idx *Index) Vector(id uint32) []float32 { return idx.vectors[id] }

func (idx *Index) randomLevel() int {
	x := idx.rng.Float64()
	for x == 0 {
		x = idx.rng.Float64()
	}
	return int(math.Floor(-math.Log(x) * idx.cfg.LevelMult))
}

// Insert adds q to the graph and returns its assigned node id. Ids are
// dense and monotonic starting at 0, matching a segment's DocId space.
func (idx *Index) Insert(q []float32) uint32 {
	curLevel := idx.randomLevel()
	newID := uint32(len(idx.nodes))

	if len(idx.nodes) == 0 {
		idx.nodes = append(idx.nodes, node{level: curLevel, neighbors: make([][]uint32, curLevel+1)})
		idx.vectors = append(idx.vectors, q)
		idx.entryPoint = newID
		idx.maxLayer = curLevel
		return newID
	}

	ep := neighbor{id: idx.entryPoint, dist: idx.metric(idx.vectors[idx.entryPoint], q)}

	for level := idx.maxLayer; level > curLevel; level-- {
		changed := true
		for changed {
			changed = false
			for _, i := range idx.neighborsAt(ep.id, level) {
				d := idx.metric(idx.vectors[i], q)
				if d < ep.dist {
					ep = neighbor{id: i, dist: d}
					changed = true
				}
			}
		}
	}

	idx.nodes = append(idx.nodes, node{level: curLevel, neighbors: make([][]uint32, curLevel+1)})
	idx.vectors = append(idx.vectors, q)

	top := curLevel
	if idx.maxLayer < top {
		top = idx.maxLayer
	}
	for level := top; level >= 0; level-- {
		candidates := idx.searchLayer(q, ep, level, idx.cfg.EfConstruction, nil, nil)
		idx.connectNeighbours(newID, candidates, level)
	}

	if curLevel > idx.maxLayer {
		idx.maxLayer = curLevel
		idx.entryPoint = newID
	}
	return newID
}

func (idx *Index) neighborsAt(id uint32, level int) []uint32 {
	n := &idx.nodes[id]
	if level >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[level]
}

// connectNeighbours wires newID's adjacency at level to candidates (sorted
// nearest-first) and adds the back-edge at each chosen neighbour, pruning
// that neighbour's adjacency with the diversity heuristic if it now
// exceeds the layer's degree cap.
func (idx *Index) connectNeighbours(newID uint32, candidates []neighbor, level int) {
	degreeCap := idx.cfg.M
	if level == 0 {
		degreeCap = idx.cfg.M0
	}

	adj := make([]uint32, len(candidates))
	for i, c := range candidates {
		adj[i] = c.id
	}
	idx.nodes[newID].neighbors[level] = adj

	for _, c := range candidates {
		n := &idx.nodes[c.id]
		for len(n.neighbors) <= level {
			n.neighbors = append(n.neighbors, nil)
		}
		n.neighbors[level] = append(n.neighbors[level], newID)

		if len(n.neighbors[level]) > degreeCap {
			pv := idx.vectors[c.id]
			ranked := make([]neighbor, len(n.neighbors[level]))
			for j, nb := range n.neighbors[level] {
				ranked[j] = neighbor{id: nb, dist: idx.metric(idx.vectors[nb], pv)}
			}
			pruned := idx.pruneHeuristic(ranked, degreeCap)
			ids := make([]uint32, len(pruned))
			for j, p := range pruned {
				ids[j] = p.id
			}
			n.neighbors[level] = ids
		}
	}
}

// pruneHeuristic is the diversity-preference pruning: nearest-first, a
// candidate e is admitted only if it sits closer to the pruned point than
// to every already-admitted neighbour, keeping edges that reach distinct
// regions instead of densely packing one. Rejected candidates backfill
// nearest-first if fewer than k survive. Each candidate's dist is its
// distance to the point being pruned.
func (idx *Index) pruneHeuristic(candidates []neighbor, k int) []neighbor {
	sorted := append([]neighbor(nil), candidates...)
	sortNeighbors(sorted)

	var admitted, rejected []neighbor
	for _, e := range sorted {
		if len(admitted) >= k {
			rejected = append(rejected, e)
			continue
		}
		ok := true
		for _, r := range admitted {
			if e.dist >= idx.metric(idx.vectors[e.id], idx.vectors[r.id]) {
				ok = false
				break
			}
		}
		if ok {
			admitted = append(admitted, e)
		} else {
			rejected = append(rejected, e)
		}
	}
	for _, e := range rejected {
		if len(admitted) >= k {
			break
		}
		admitted = append(admitted, e)
	}
	return admitted
}

func sortNeighbors(ns []neighbor) {
	// insertion sort: candidate lists are small (bounded by ef/degree caps)
	for i := 1; i < len(ns); i++ {
		for j := i; j > 0 && less(ns[j], ns[j-1]); j-- {
			ns[j], ns[j-1] = ns[j-1], ns[j]
		}
	}
}

// Prioritizer marks ids that should be boosted (their computed distance is
// multiplied by 0.7) into the result heap during search.
type Prioritizer func(id uint32) bool

// Filter marks ids that must be skipped entirely during search.
type Filter func(id uint32) bool

// searchLayer is the classic HNSW bounded-width layer search: a visited
// set, a min-heap of candidates, and a max-heap of results bounded to ef.
// Returns the bounded result set sorted nearest-first.
func (idx *Index) searchLayer(q []float32, ep neighbor, level, ef int, prioritizer Prioritizer, filter Filter) []neighbor {
	visited := map[uint32]bool{ep.id: true}

	candidates := &minHeap{ep}
	results := &maxHeap{}
	if filter == nil || !filter(ep.id) {
		*results = append(*results, ep)
	}
	heap.Init(candidates)
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(neighbor)
		if results.Len() > 0 && c.dist > (*results)[0].dist {
			break
		}
		if level >= len(idx.nodes[c.id].neighbors) {
			continue
		}
		for _, i := range idx.nodes[c.id].neighbors[level] {
			if visited[i] {
				continue
			}
			visited[i] = true
			if filter != nil && filter(i) {
				continue
			}
			d := idx.metric(idx.vectors[i], q)
			if prioritizer != nil && prioritizer(i) {
				d *= 0.7
			}
			cand := neighbor{id: i, dist: d}
			if results.Len() < ef {
				heap.Push(candidates, cand)
				heap.Push(results, cand)
			} else if d < (*results)[0].dist {
				heap.Push(candidates, cand)
				heap.Push(results, cand)
				heap.Pop(results)
			}
		}
	}

	out := make([]neighbor, len(*results))
	copy(out, *results)
	sortNeighbors(out)
	return out
}

// Query returns the k nearest neighbours of q, nearest first. prioritizer
// and filter may be nil.
func (idx *Index) Query(q []float32, k int, prioritizer Prioritizer, filter Filter) []neighbor {
	if len(idx.nodes) == 0 {
		return nil
	}
	ep := neighbor{id: idx.entryPoint, dist: idx.metric(idx.vectors[idx.entryPoint], q)}

	for level := idx.maxLayer - 1; level >= 0; level-- {
		changed := true
		for changed {
			changed = false
			for _, i := range idx.neighborsAt(ep.id, level) {
				d := idx.metric(idx.vectors[i], q)
				if d < ep.dist {
					ep = neighbor{id: i, dist: d}
					changed = true
				}
			}
		}
	}

	results := idx.searchLayer(q, ep, 0, idx.cfg.EfConstruction, prioritizer, filter)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Result is the public shape of a query hit.
type Result struct {
	ID       uint32
	Distance float32
}

// QueryResults runs Query and returns the results in the public Result
// shape, sorted nearest-first.
func (idx *Index) QueryResults(q []float32, k int, prioritizer Prioritizer, filter Filter) []Result {
	ns := idx.Query(q, k, prioritizer, filter)
	out := make([]Result, len(ns))
	for i, n := range ns {
		out[i] = Result{ID: n.id, Distance: n.dist}
	}
	return out
}

// Merge re-inserts every vector of a then every vector of b into a fresh
// index built with a's configuration, in insertion order. This rebuilds
// the full graph rather than splicing adjacency lists.
func Merge(a, b *Index, rngSeed int64) *Index {
	out := New(a.cfg, a.metric, rngSeed)
	for _, v := range a.vectors {
		out.Insert(v)
	}
	for _, v := range b.vectors {
		out.Insert(v)
	}
	return out
}
