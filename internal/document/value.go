package document

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type carried by a Value.
type Kind int

const (
	KindString Kind = iota
	KindInt64
	KindFloat64
	KindBool
	KindInstant
	KindNode
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindInstant:
		return "instant"
	case KindNode:
		return "node"
	default:
		return "unknown"
	}
}

// Value is a single scalar field value. Exactly one of the typed fields
// is meaningful, selected by Kind; Node values carry an arbitrary
// JSON-like structure (map[string]interface{} / []interface{} / scalars).
type Value struct {
	Kind    Kind
	Str     string
	I64     int64
	F64     float64
	Boolean bool
	Instant time.Time
	Node    interface{}
}

func StringValue(s string) Value     { return Value{Kind: KindString, Str: s} }
func Int64Value(i int64) Value       { return Value{Kind: KindInt64, I64: i} }
func Float64Value(f float64) Value   { return Value{Kind: KindFloat64, F64: f} }
func BoolValue(b bool) Value         { return Value{Kind: KindBool, Boolean: b} }
func InstantValue(t time.Time) Value { return Value{Kind: KindInstant, Instant: t} }
func NodeValue(v interface{}) Value  { return Value{Kind: KindNode, Node: v} }

// Raw returns the Go value underlying v, suitable for JSON marshaling.
func (v Value) Raw() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt64:
		return v.I64
	case KindFloat64:
		return v.F64
	case KindBool:
		return v.Boolean
	case KindInstant:
		return v.Instant.UTC().Format(time.RFC3339Nano)
	case KindNode:
		return v.Node
	default:
		return nil
	}
}

// MarshalJSON encodes a Value as its raw underlying representation.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Raw())
}

// ErrKindMismatch is returned by typed getters when a field exists with
// a different Kind than requested.
type ErrKindMismatch struct {
	Field string
	Want  Kind
	Got   Kind
}

func (e *ErrKindMismatch) Error() string {
	return fmt.Sprintf("field %q is %s, not %s", e.Field, e.Got, e.Want)
}
