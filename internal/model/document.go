package model

import (
	"io"

	"github.com/heroiclabs/vectorbase/internal/codec"
)

// FieldValue is one (field id, value) pair within a Document.
type FieldValue struct {
	FieldID uint32
	Value   Value
}

func (fv FieldValue) WriteTo(w io.Writer) error {
	if err := codec.WriteUvarint(w, uint64(fv.FieldID)); err != nil {
		return err
	}
	return fv.Value.WriteTo(w)
}

func ReadFieldValue(r codec.Reader) (FieldValue, error) {
	id, err := codec.ReadUvarint(r)
	if err != nil {
		return FieldValue{}, err
	}
	v, err := ReadValue(r)
	if err != nil {
		return FieldValue{}, err
	}
	return FieldValue{FieldID: uint32(id), Value: v}, nil
}

// Document is an ordered sequence of field values.
type Document struct {
	Fields []FieldValue
}

// Get returns the value stored for fieldID, or ok == false if absent.
func (d Document) Get(fieldID uint32) (Value, bool) {
	for _, fv := range d.Fields {
		if fv.FieldID == fieldID {
			return fv.Value, true
		}
	}
	return Value{}, false
}

// Equal reports whether d and o hold the same fields in the same order.
func (d Document) Equal(o Document) bool {
	if len(d.Fields) != len(o.Fields) {
		return false
	}
	for i, fv := range d.Fields {
		if fv.FieldID != o.Fields[i].FieldID || !fv.Value.Equal(o.Fields[i].Value) {
			return false
		}
	}
	return true
}

func (d Document) WriteTo(w io.Writer) error {
	if err := codec.WriteUvarint(w, uint64(len(d.Fields))); err != nil {
		return err
	}
	for _, fv := range d.Fields {
		if err := fv.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

func ReadDocument(r codec.Reader) (Document, error) {
	n, err := codec.ReadUvarint(r)
	if err != nil {
		return Document{}, err
	}
	fields := make([]FieldValue, n)
	for i := range fields {
		fv, err := ReadFieldValue(r)
		if err != nil {
			return Document{}, err
		}
		fields[i] = fv
	}
	return Document{Fields: fields}, nil
}
