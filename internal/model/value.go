// Package model holds the store's wire data model (Value, Document,
// Schema, TensorEntry, Record) shared between the engine, the disk segment
// writer/reader, and the public vectorbase package.
package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/heroiclabs/vectorbase/internal/codec"
)

// ValueKind tags a Value's variant; the numeric codes are part of the
// wire format and must never be reordered.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindI64
	KindU64
	KindI32
	KindU32
	KindF32
	KindF64
	KindDate
	KindBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindI64:
		return "I64"
	case KindU64:
		return "U64"
	case KindI32:
		return "I32"
	case KindU32:
		return "U32"
	case KindF32:
		return "F32"
	case KindF64:
		return "F64"
	case KindDate:
		return "Date"
	case KindBytes:
		return "Bytes"
	default:
		return fmt.Sprintf("ValueKind(%d)", uint8(k))
	}
}

// Value is one typed scalar/text field value. Exactly one of its payload
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	str   string
	i64   int64
	u64   uint64
	i32   int32
	u32   uint32
	f32   float32
	f64   float64
	date  int64
	bytes []byte
}

func StringValue(s string) Value  { return Value{Kind: KindString, str: s} }
func I64Value(v int64) Value      { return Value{Kind: KindI64, i64: v} }
func U64Value(v uint64) Value     { return Value{Kind: KindU64, u64: v} }
func I32Value(v int32) Value      { return Value{Kind: KindI32, i32: v} }
func U32Value(v uint32) Value     { return Value{Kind: KindU32, u32: v} }
func F32Value(v float32) Value    { return Value{Kind: KindF32, f32: v} }
func F64Value(v float64) Value    { return Value{Kind: KindF64, f64: v} }
func DateValue(nanos int64) Value { return Value{Kind: KindDate, date: nanos} }
func BytesValue(b []byte) Value   { return Value{Kind: KindBytes, bytes: append([]byte(nil), b...)} }

func (v Value) String() string { return v.str }
func (v Value) I64() int64     { return v.i64 }
func (v Value) U64() uint64    { return v.u64 }
func (v Value) I32() int32     { return v.i32 }
func (v Value) U32() uint32    { return v.u32 }
func (v Value) F32() float32   { return v.f32 }
func (v Value) F64() float64   { return v.f64 }
func (v Value) Date() int64    { return v.date }
func (v Value) Bytes() []byte  { return v.bytes }

// Equal reports deep equality between two Values of possibly different
// kinds (always false across kinds).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.str == o.str
	case KindI64:
		return v.i64 == o.i64
	case KindU64:
		return v.u64 == o.u64
	case KindI32:
		return v.i32 == o.i32
	case KindU32:
		return v.u32 == o.u32
	case KindF32:
		return v.f32 == o.f32
	case KindF64:
		return v.f64 == o.f64
	case KindDate:
		return v.date == o.date
	case KindBytes:
		return bytes.Equal(v.bytes, o.bytes)
	default:
		return false
	}
}

// Term returns the raw term bytes the field cache indexes this value
// under: the tokenizer's output for strings (handled by the caller), or
// this value's own big-endian encoding for every other kind, which yields
// a single term per non-string value.
func (v Value) Term() []byte {
	switch v.Kind {
	case KindString:
		return []byte(v.str)
	case KindBytes:
		return v.bytes
	case KindI64:
		return beBytes(uint64(v.i64), 8)
	case KindU64:
		return beBytes(v.u64, 8)
	case KindI32:
		return beBytes(uint64(uint32(v.i32)), 4)
	case KindU32:
		return beBytes(uint64(v.u32), 4)
	case KindF32:
		return beBytes(uint64(math.Float32bits(v.f32)), 4)
	case KindF64:
		return beBytes(math.Float64bits(v.f64), 8)
	case KindDate:
		return beBytes(uint64(v.date), 8)
	default:
		return nil
	}
}

func beBytes(v uint64, n int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	out := make([]byte, n)
	copy(out, buf[8-n:])
	return out
}

func writeBE(w io.Writer, v uint64, n int) error {
	_, err := w.Write(beBytes(v, n))
	return err
}

func readBE(r io.Reader, n int) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[8-n:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteTo serializes the 1-byte type tag followed by this value's payload.
func (v Value) WriteTo(w io.Writer) error {
	if _, err := w.Write([]byte{byte(v.Kind)}); err != nil {
		return err
	}
	switch v.Kind {
	case KindString:
		return codec.WriteBytes(w, []byte(v.str))
	case KindBytes:
		return codec.WriteBytes(w, v.bytes)
	case KindI64:
		return writeBE(w, uint64(v.i64), 8)
	case KindU64:
		return writeBE(w, v.u64, 8)
	case KindI32:
		return writeBE(w, uint64(uint32(v.i32)), 4)
	case KindU32:
		return writeBE(w, uint64(v.u32), 4)
	case KindF32:
		return writeBE(w, uint64(math.Float32bits(v.f32)), 4)
	case KindF64:
		return writeBE(w, math.Float64bits(v.f64), 8)
	case KindDate:
		return writeBE(w, uint64(v.date), 8)
	default:
		return fmt.Errorf("model: write unknown value kind %d", v.Kind)
	}
}

// ReadValue deserializes one Value written by Value.WriteTo.
func ReadValue(r codec.Reader) (Value, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Value{}, err
	}
	kind := ValueKind(tagBuf[0])
	switch kind {
	case KindString:
		b, err := codec.ReadBytes(r)
		if err != nil {
			return Value{}, err
		}
		return StringValue(string(b)), nil
	case KindBytes:
		b, err := codec.ReadBytes(r)
		if err != nil {
			return Value{}, err
		}
		return BytesValue(b), nil
	case KindI64:
		v, err := readBE(r, 8)
		return I64Value(int64(v)), err
	case KindU64:
		v, err := readBE(r, 8)
		return U64Value(v), err
	case KindI32:
		v, err := readBE(r, 4)
		return I32Value(int32(uint32(v))), err
	case KindU32:
		v, err := readBE(r, 4)
		return U32Value(uint32(v)), err
	case KindF32:
		v, err := readBE(r, 4)
		return F32Value(math.Float32frombits(uint32(v))), err
	case KindF64:
		v, err := readBE(r, 8)
		return F64Value(math.Float64frombits(v)), err
	case KindDate:
		v, err := readBE(r, 8)
		return DateValue(int64(v)), err
	default:
		return Value{}, fmt.Errorf("model: invalid value type tag %d", kind)
	}
}
