package hnsw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/heroiclabs/vectorbase/internal/codec"
)

// VectorCodec converts between the index's in-memory []float32 vectors and
// the fixed-size raw byte representation used on disk.
type VectorCodec interface {
	// Size is the fixed number of bytes one vector occupies on disk.
	Size() int
	// Encode writes exactly Size() bytes to out.
	Encode(v []float32, out []byte)
	// Decode reads exactly Size() bytes from b. The returned slice may
	// alias b (a zero-copy view for F32 data over an mmap).
	Decode(b []byte) []float32
}

// F32Codec is the VectorCodec for float32 tensors: each element is stored
// as its 4 IEEE-754 bytes in big-endian order, and Decode returns a freshly
// allocated slice rather than a view over the backing buffer.
type F32Codec struct{ Dims int }

func (c F32Codec) Size() int { return c.Dims * 4 }

func (c F32Codec) Encode(v []float32, out []byte) {
	for i, f := range v {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
}

func (c F32Codec) Decode(b []byte) []float32 {
	out := make([]float32, c.Dims)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return out
}

// WriteTo serializes the index: header scalars, then per-node level and
// adjacency lists, padded to a 32-byte boundary, then the raw vector bytes
// in node-id order.
func (idx *Index) WriteTo(w io.Writer, vc VectorCodec) (int64, error) {
	var buf bytes.Buffer

	if err := codec.WriteUvarint(&buf, uint64(idx.cfg.M)); err != nil {
		return 0, err
	}
	if err := codec.WriteUvarint(&buf, uint64(idx.cfg.M0)); err != nil {
		return 0, err
	}
	if err := codec.WriteUvarint(&buf, uint64(idx.cfg.EfConstruction)); err != nil {
		return 0, err
	}
	if err := binary.Write(&buf, binary.BigEndian, idx.cfg.LevelMult); err != nil {
		return 0, err
	}
	if err := codec.WriteUvarint(&buf, uint64(idx.maxLayer)); err != nil {
		return 0, err
	}
	if err := codec.WriteUvarint(&buf, uint64(idx.entryPoint)); err != nil {
		return 0, err
	}
	if err := codec.WriteUvarint(&buf, uint64(len(idx.nodes))); err != nil {
		return 0, err
	}

	for _, n := range idx.nodes {
		if err := codec.WriteUvarint(&buf, uint64(n.level)); err != nil {
			return 0, err
		}
		if err := codec.WriteUvarint(&buf, uint64(len(n.neighbors))); err != nil {
			return 0, err
		}
		for _, adj := range n.neighbors {
			if err := codec.WriteUint32Seq(&buf, adj); err != nil {
				return 0, err
			}
		}
	}

	if pad := codec.Pad32(int64(buf.Len())); pad > 0 {
		buf.Write(make([]byte, pad))
	}

	n1, err := w.Write(buf.Bytes())
	if err != nil {
		return int64(n1), err
	}

	vecBuf := make([]byte, vc.Size())
	total := int64(n1)
	for _, v := range idx.vectors {
		vc.Encode(v, vecBuf)
		n2, err := w.Write(vecBuf)
		total += int64(n2)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Load deserializes an index previously written by WriteTo. data is
// typically an mmap view: node/adjacency state is parsed eagerly, but the
// vectors stay as slices aliasing data (zero-copy) whenever vc.Decode
// supports that.
func Load(data []byte, metric Metric, vc VectorCodec, rngSeed int64) (*Index, error) {
	r := bytes.NewReader(data)
	read := func() (uint64, error) { return codec.ReadUvarint(r) }

	m, err := read()
	if err != nil {
		return nil, fmt.Errorf("hnsw: load M: %w", err)
	}
	m0, err := read()
	if err != nil {
		return nil, fmt.Errorf("hnsw: load M0: %w", err)
	}
	ef, err := read()
	if err != nil {
		return nil, fmt.Errorf("hnsw: load ef: %w", err)
	}
	var levelMult float64
	if err := binary.Read(r, binary.BigEndian, &levelMult); err != nil {
		return nil, fmt.Errorf("hnsw: load level_mult: %w", err)
	}
	maxLayer, err := read()
	if err != nil {
		return nil, fmt.Errorf("hnsw: load max_layer: %w", err)
	}
	entryPoint, err := read()
	if err != nil {
		return nil, fmt.Errorf("hnsw: load entry_point: %w", err)
	}
	nodeCount, err := read()
	if err != nil {
		return nil, fmt.Errorf("hnsw: load node_count: %w", err)
	}

	nodes := make([]node, nodeCount)
	for i := range nodes {
		level, err := read()
		if err != nil {
			return nil, fmt.Errorf("hnsw: load node %d level: %w", i, err)
		}
		layerCount, err := read()
		if err != nil {
			return nil, fmt.Errorf("hnsw: load node %d layer count: %w", i, err)
		}
		neighbors := make([][]uint32, layerCount)
		for l := range neighbors {
			adj, err := codec.ReadUint32Seq(r)
			if err != nil {
				return nil, fmt.Errorf("hnsw: load node %d layer %d adjacency: %w", i, l, err)
			}
			neighbors[l] = adj
		}
		nodes[i] = node{level: int(level), neighbors: neighbors}
	}

	consumed := len(data) - r.Len()
	if pad := codec.Pad32(int64(consumed)); pad > 0 {
		consumed += int(pad)
	}

	vecSize := vc.Size()
	vectors := make([][]float32, nodeCount)
	for i := range vectors {
		start := consumed + i*vecSize
		end := start + vecSize
		if end > len(data) {
			return nil, fmt.Errorf("hnsw: truncated vector block for node %d", i)
		}
		vectors[i] = vc.Decode(data[start:end])
	}

	return &Index{
		cfg: Config{
			M:              int(m),
			M0:             int(m0),
			EfConstruction: int(ef),
			LevelMult:      levelMult,
		},
		metric:     metric,
		rng:        newRand(rngSeed),
		entryPoint: uint32(entryPoint),
		maxLayer:   int(maxLayer),
		nodes:      nodes,
		vectors:    vectors,
	}, nil
}
