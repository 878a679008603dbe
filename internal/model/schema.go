package model

import (
	"fmt"
	"sort"
)

// DType is a tensor's element type. Only DTypeF32 is implemented
// end-to-end by this package's HNSW wiring; the other two are recognized
// schema values for forward compatibility.
type DType uint8

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
)

// TensorEntry describes one collection's fixed vector shape.
type TensorEntry struct {
	NDims uint32
	Dims  [4]uint32
	DType DType
}

// Elems returns the number of scalar elements in one vector of this shape.
func (t TensorEntry) Elems() int {
	n := 1
	for i := uint32(0); i < t.NDims; i++ {
		n *= int(t.Dims[i])
	}
	return n
}

// NBytes returns the on-disk size of one vector of this shape.
func (t TensorEntry) NBytes() int {
	n := t.Elems()
	switch t.DType {
	case DTypeF16:
		return n * 2
	default:
		return n * 4
	}
}

// VectorEntry is the schema's single dense-vector field.
type VectorEntry struct {
	Name   string
	Tensor TensorEntry
}

// FieldEntry is one scalar/text schema field; FieldID is its index in the
// schema's Fields slice at the time it was appended.
type FieldEntry struct {
	Name    string
	FieldID uint32
	Type    ValueKind
}

// Schema is a collection's field list plus its vector entry. Field
// addition is append-only; no other schema evolution is supported.
type Schema struct {
	Fields []FieldEntry
	Vector VectorEntry
}

// FieldID looks up a field's id by name.
func (s Schema) FieldID(name string) (uint32, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.FieldID, true
		}
	}
	return 0, false
}

// WithField returns a copy of s with a new field appended, assigned the
// next field id.
func (s Schema) WithField(name string, kind ValueKind) Schema {
	out := Schema{Fields: append(append([]FieldEntry(nil), s.Fields...), FieldEntry{
		Name:    name,
		FieldID: uint32(len(s.Fields)),
		Type:    kind,
	}), Vector: s.Vector}
	return out
}

// Merge unions two schemas by field id, ascending. Fields sharing an id
// must match exactly (name and type).
func (s Schema) Merge(o Schema) (Schema, error) {
	byID := make(map[uint32]FieldEntry, len(s.Fields)+len(o.Fields))
	for _, f := range s.Fields {
		byID[f.FieldID] = f
	}
	for _, f := range o.Fields {
		if existing, ok := byID[f.FieldID]; ok {
			if existing != f {
				return Schema{}, fmt.Errorf("model: schema field id %d mismatch: %+v vs %+v", f.FieldID, existing, f)
			}
			continue
		}
		byID[f.FieldID] = f
	}
	merged := make([]FieldEntry, 0, len(byID))
	for _, f := range byID {
		merged = append(merged, f)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].FieldID < merged[j].FieldID })
	return Schema{Fields: merged, Vector: s.Vector}, nil
}
