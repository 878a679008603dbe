package vectorbase

import "github.com/heroiclabs/vectorbase/internal/model"

// Public data-model aliases. The wire format and equality/
// serialization logic live in internal/model, shared with the engine and
// diskseg packages; this package only re-exports the caller-facing shapes.
type (
	Document    = model.Document
	FieldValue  = model.FieldValue
	Value       = model.Value
	ValueKind   = model.ValueKind
	Schema      = model.Schema
	FieldEntry  = model.FieldEntry
	VectorEntry = model.VectorEntry
	TensorEntry = model.TensorEntry
	DType       = model.DType

	// Vector is one {vector, payload} record as accepted by Add: a fixed-
	// dimensionality dense vector plus its typed field payload.
	Vector = model.Record
)

// Value kind tags, re-exported.
const (
	KindString = model.KindString
	KindI64    = model.KindI64
	KindU64    = model.KindU64
	KindI32    = model.KindI32
	KindU32    = model.KindU32
	KindF32    = model.KindF32
	KindF64    = model.KindF64
	KindDate   = model.KindDate
	KindBytes  = model.KindBytes
)

// Tensor element types.
const (
	DTypeF32 = model.DTypeF32
	DTypeF16 = model.DTypeF16
	DTypeI32 = model.DTypeI32
)

// Value constructors, re-exported.
var (
	StringValue = model.StringValue
	I64Value    = model.I64Value
	U64Value    = model.U64Value
	I32Value    = model.I32Value
	U32Value    = model.U32Value
	F32Value    = model.F32Value
	F64Value    = model.F64Value
	DateValue   = model.DateValue
	BytesValue  = model.BytesValue
)

// NewSchema starts an empty schema over the given vector field.
func NewSchema(vectorName string, tensor TensorEntry) Schema {
	return Schema{Vector: VectorEntry{Name: vectorName, Tensor: tensor}}
}
