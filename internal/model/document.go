// Package model defines Prism's core data model: documents, schemas, field
// types and the internal doc-id scheme shared by the text and vector
// backends (spec §3).
package model

import (
	"fmt"
	"time"
)

// FieldKind is the type tag of a schema field.
type FieldKind string

const (
	KindText   FieldKind = "text"   // tokenized
	KindString FieldKind = "string" // exact
	KindI64    FieldKind = "i64"
	KindU64    FieldKind = "u64"
	KindF64    FieldKind = "f64"
	KindBool   FieldKind = "bool"
	KindDate   FieldKind = "date" // UTC instant
	KindBytes  FieldKind = "bytes"
	KindVector FieldKind = "vector" // fixed-length f32 array
)

// Value is a typed field value. Exactly one of the typed members is set,
// selected by Kind; this mirrors a tagged union without resorting to `any`
// everywhere a field is read.
type Value struct {
	Kind   FieldKind
	Text   string
	I64    int64
	U64    uint64
	F64    float64
	Bool   bool
	Date   time.Time
	Bytes  []byte
	Vector []float32
}

func TextValue(s string) Value   { return Value{Kind: KindText, Text: s} }
func StringValue(s string) Value { return Value{Kind: KindString, Text: s} }
func I64Value(v int64) Value     { return Value{Kind: KindI64, I64: v} }
func U64Value(v uint64) Value    { return Value{Kind: KindU64, U64: v} }
func F64Value(v float64) Value   { return Value{Kind: KindF64, F64: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func DateValue(t time.Time) Value {
	return Value{Kind: KindDate, Date: t.UTC()}
}
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func VectorValue(v []float32) Value {
	return Value{Kind: KindVector, Vector: v}
}

// String renders the value for stored-field text reconstruction / logging.
func (v Value) String() string {
	switch v.Kind {
	case KindText, KindString:
		return v.Text
	case KindI64:
		return fmt.Sprintf("%d", v.I64)
	case KindU64:
		return fmt.Sprintf("%d", v.U64)
	case KindF64:
		return fmt.Sprintf("%g", v.F64)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindDate:
		return v.Date.Format(time.RFC3339)
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.Bytes))
	case KindVector:
		return fmt.Sprintf("<vector[%d]>", len(v.Vector))
	default:
		return ""
	}
}

// Document is a single unit of indexable data: a unique id plus a mapping
// from field name to typed value. A document may additionally carry a
// precomputed vector for the schema's embedding field.
type Document struct {
	ID              string
	Fields          map[string]Value
	PrecomputedVec  []float32 // set when the caller supplies the embedding directly
}

// Clone deep-copies a Document so callers can mutate the original safely
// after handing it to a pipeline.
func (d Document) Clone() Document {
	fields := make(map[string]Value, len(d.Fields))
	for k, v := range d.Fields {
		cv := v
		if len(v.Bytes) > 0 {
			cv.Bytes = append([]byte(nil), v.Bytes...)
		}
		if len(v.Vector) > 0 {
			cv.Vector = append([]float32(nil), v.Vector...)
		}
		fields[k] = cv
	}
	var vec []float32
	if len(d.PrecomputedVec) > 0 {
		vec = append([]float32(nil), d.PrecomputedVec...)
	}
	return Document{ID: d.ID, Fields: fields, PrecomputedVec: vec}
}

// InternalID is the 64-bit composite (segment_id, local_ord) doc-id used
// internally by the text and vector backends to address a document version.
type InternalID struct {
	SegmentID uint32
	LocalOrd  uint32
}

// Pack encodes the composite id into a single uint64 for use as a map key
// or postings-list payload.
func (id InternalID) Pack() uint64 {
	return uint64(id.SegmentID)<<32 | uint64(id.LocalOrd)
}

// UnpackInternalID reverses Pack.
func UnpackInternalID(packed uint64) InternalID {
	return InternalID{
		SegmentID: uint32(packed >> 32),
		LocalOrd:  uint32(packed),
	}
}
