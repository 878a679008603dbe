// Command vectorbase-example opens a collection, loads a handful of
// colour-tagged vectors, and runs one nearest-neighbour query plus one term
// search against it, exercising the whole write and read path end to end.
package main

import (
	"os"

	uuid "github.com/gofrs/uuid"
	"go.uber.org/zap"

	vectorbase "github.com/heroiclabs/vectorbase"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	instanceID := uuid.Must(uuid.NewV4())
	logger = logger.With(zap.String("instance", instanceID.String()))

	config := vectorbase.ParseArgs(logger, os.Args)
	if err := config.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	schema := vectorbase.NewSchema("v", vectorbase.TensorEntry{
		NDims: 1,
		Dims:  [4]uint32{4},
		DType: vectorbase.DTypeF32,
	})
	schema = schema.WithField("color", vectorbase.KindString)

	collection, err := vectorbase.Open(config, schema, vectorbase.DefaultTokenizer, vectorbase.DefaultMetric, logger)
	if err != nil {
		logger.Fatal("could not open collection", zap.Error(err))
	}
	defer collection.Close()

	colorField, _ := collection.Schema().FieldID("color")

	docs := []struct {
		vector []float32
		color  string
	}{
		{[]float32{0, 0, 1, 1}, "red"},
		{[]float32{0, 1, 0, 1}, "blue"},
		{[]float32{1, 0, 0, 1}, "red"},
		{[]float32{1, 1, 0, 0}, "yellow"},
	}
	for _, d := range docs {
		id, err := collection.Add(vectorbase.Vector{
			Vector: d.vector,
			Payload: vectorbase.Document{Fields: []vectorbase.FieldValue{
				{FieldID: colorField, Value: vectorbase.StringValue(d.color)},
			}},
		})
		if err != nil {
			logger.Fatal("add failed", zap.String("color", d.color), zap.Error(err))
		}
		logger.Info("added document", zap.String("id", id), zap.String("color", d.color))
	}

	searcher := collection.Searcher()
	defer searcher.Close()

	for _, hit := range searcher.Query([]float32{0, 0, 1, 1}, 2, nil, nil) {
		record, err := searcher.Payload(hit.DocRef)
		if err != nil {
			logger.Error("resolve query hit", zap.Error(err))
			continue
		}
		color, _ := record.Payload.Get(colorField)
		logger.Info("query hit",
			zap.Int("block", hit.BlockID),
			zap.Uint32("doc", hit.DocID),
			zap.Float32("distance", hit.Distance),
			zap.String("color", color.String()))
	}

	for _, hit := range searcher.Search(colorField, []byte("red")) {
		logger.Info("term hit",
			zap.Int("block", hit.BlockID),
			zap.Uint32("doc", hit.DocID),
			zap.Uint32("freq", hit.Freq))
	}
}
