package model

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/heroiclabs/vectorbase/internal/codec"
)

// Record is one {vector, payload} pair: the unit written to the WAL and
// concatenated into a segment's doc block.
type Record struct {
	Vector  []float32
	Payload Document
}

func (r Record) WriteTo(w io.Writer) error {
	if err := codec.WriteUvarint(w, uint64(len(r.Vector))); err != nil {
		return err
	}
	var buf [4]byte
	for _, f := range r.Vector {
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(f))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return r.Payload.WriteTo(w)
}

func ReadRecord(r codec.Reader) (Record, error) {
	n, err := codec.ReadUvarint(r)
	if err != nil {
		return Record{}, err
	}
	vec := make([]float32, n)
	var buf [4]byte
	for i := range vec {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Record{}, err
		}
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[:]))
	}
	payload, err := ReadDocument(r)
	if err != nil {
		return Record{}, err
	}
	return Record{Vector: vec, Payload: payload}, nil
}

// Size returns the exact serialized byte length, used to size-check room
// in the WAL before writing.
func (r Record) Size() int {
	var buf bytes.Buffer
	_ = r.WriteTo(&buf)
	return buf.Len()
}

// Bytes serializes the record to a standalone byte slice (the form the WAL
// and doc block store).
func (r Record) Bytes() []byte {
	var buf bytes.Buffer
	_ = r.WriteTo(&buf)
	return buf.Bytes()
}
