package vectorbase

import (
	"strings"

	"github.com/heroiclabs/vectorbase/internal/engine"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
)

// Tokenizer splits a string field's text into terms. The store treats
// tokenization as an external black box; DefaultTokenizer is a minimal
// stand-in a caller is free to replace with a real one.
type Tokenizer = engine.Tokenizer

// Metric computes the distance between two equal-length vectors; smaller
// is closer. The vector math behind it is an external collaborator;
// DefaultMetric is a plain Euclidean distance for callers who don't bring
// their own.
type Metric = hnsw.Metric

// Prioritizer and Filter steer a Query: Prioritizer marks ids to boost
// into the result heap, Filter marks ids to skip outright.
type (
	Prioritizer = hnsw.Prioritizer
	Filter      = hnsw.Filter
)

// Result is one k-NN query hit.
type Result = hnsw.Result

// DefaultTokenizer lower-cases and splits on whitespace; the store itself
// assumes nothing about a tokenizer beyond "string in, terms out".
func DefaultTokenizer(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// DefaultMetric is squared Euclidean distance, monotonic with Euclidean
// distance and cheaper (no square root) for ranking purposes.
func DefaultMetric(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
