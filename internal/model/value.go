package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/kiroku/internal/codec"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindEmpty ValueKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindSlice
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindSlice:
		return "slice"
	case KindMap:
		return "map"
	default:
		return "empty"
	}
}

// Value is a structured attribute value: a number, string, boolean, sequence
// or nested map. The zero Value is empty and serializes as null.
type Value struct {
	kind  ValueKind
	num   uint64
	str   string
	slice []Value
	attrs []Attr
}

// Attr is a single key/value attribute.
type Attr struct {
	Key   string
	Value Value
}

// Bool returns a boolean Value.
func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Int64 returns an integer Value.
func Int64(v int64) Value { return Value{kind: KindInt64, num: uint64(v)} } //nolint:gosec // bit-preserving

// Int returns an integer Value.
func Int(v int) Value { return Int64(int64(v)) }

// Float64 returns a floating point Value.
func Float64(v float64) Value { return Value{kind: KindFloat64, num: math.Float64bits(v)} }

// String returns a string Value.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Slice returns a sequence Value.
func Slice(vs ...Value) Value { return Value{kind: KindSlice, slice: vs} }

// Map returns a nested map Value. Key order is preserved.
func Map(attrs ...Attr) Value { return Value{kind: KindMap, attrs: attrs} }

// KV is shorthand for constructing an Attr from an arbitrary Go value.
func KV(key string, v any) Attr { return Attr{Key: key, Value: Any(v)} }

// Any converts a Go value into a Value. Numbers, strings, booleans, slices,
// arrays and string-keyed maps convert structurally; errors and Stringers use
// their string form; everything else is formatted with %v.
func Any(v any) Value {
	switch x := v.(type) {
	case nil:
		return Value{}
	case Value:
		return x
	case bool:
		return Bool(x)
	case int:
		return Int64(int64(x))
	case int8:
		return Int64(int64(x))
	case int16:
		return Int64(int64(x))
	case int32:
		return Int64(int64(x))
	case int64:
		return Int64(x)
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return Int64(int64(x))
	case uint16:
		return Int64(int64(x))
	case uint32:
		return Int64(int64(x))
	case uint64:
		return uintValue(x)
	case float32:
		return Float64(float64(x))
	case float64:
		return Float64(x)
	case string:
		return String(x)
	case []byte:
		return String(string(x))
	case []any:
		vs := make([]Value, len(x))
		for i, e := range x {
			vs[i] = Any(e)
		}
		return Slice(vs...)
	case []string:
		vs := make([]Value, len(x))
		for i, e := range x {
			vs[i] = String(e)
		}
		return Slice(vs...)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]Attr, len(keys))
		for i, k := range keys {
			attrs[i] = Attr{Key: k, Value: Any(x[k])}
		}
		return Map(attrs...)
	case error:
		return String(x.Error())
	case fmt.Stringer:
		return String(x.String())
	}
	return reflectValue(reflect.ValueOf(v))
}

func uintValue(n uint64) Value {
	if n > math.MaxInt64 {
		return String(strconv.FormatUint(n, 10))
	}
	return Int64(int64(n))
}

func reflectValue(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		vs := make([]Value, rv.Len())
		for i := range vs {
			vs[i] = Any(rv.Index(i).Interface())
		}
		return Slice(vs...)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		attrs := make([]Attr, len(keys))
		for i, k := range keys {
			attrs[i] = Attr{Key: k, Value: Any(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())}
		}
		return Map(attrs...)
	case reflect.Pointer:
		if rv.IsNil() {
			return Value{}
		}
		return Any(rv.Elem().Interface())
	}
	return String(fmt.Sprintf("%v", rv.Interface()))
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// AsBool returns the boolean held by v; false for other kinds.
func (v Value) AsBool() bool { return v.kind == KindBool && v.num == 1 }

// AsInt64 returns the integer held by v; 0 for other kinds.
func (v Value) AsInt64() int64 {
	if v.kind != KindInt64 {
		return 0
	}
	return int64(v.num) //nolint:gosec // bit-preserving
}

// AsFloat64 returns the float held by v; integers are converted.
func (v Value) AsFloat64() float64 {
	switch v.kind {
	case KindFloat64:
		return math.Float64frombits(v.num)
	case KindInt64:
		return float64(v.AsInt64())
	}
	return 0
}

// AsString returns the string held by v; empty for other kinds.
func (v Value) AsString() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// AsSlice returns the elements of a sequence Value.
func (v Value) AsSlice() []Value {
	if v.kind != KindSlice {
		return nil
	}
	return v.slice
}

// AsMap returns the entries of a map Value in insertion order.
func (v Value) AsMap() []Attr {
	if v.kind != KindMap {
		return nil
	}
	return v.attrs
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindEmpty:
		return true
	case KindBool, KindInt64, KindFloat64:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindSlice:
		if len(v.slice) != len(o.slice) {
			return false
		}
		for i := range v.slice {
			if !v.slice[i].Equal(o.slice[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.attrs) != len(o.attrs) {
			return false
		}
		for i := range v.attrs {
			if v.attrs[i].Key != o.attrs[i].Key || !v.attrs[i].Value.Equal(o.attrs[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts v back to plain Go values: nil, bool, int64, float64,
// string, []any or map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.AsBool()
	case KindInt64:
		return v.AsInt64()
	case KindFloat64:
		return v.AsFloat64()
	case KindString:
		return v.str
	case KindSlice:
		out := make([]any, len(v.slice))
		for i, e := range v.slice {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.attrs))
		for _, a := range v.attrs {
			out[a.Key] = a.Value.Interface()
		}
		return out
	}
	return nil
}

// String renders v for message templates: strings verbatim, scalars in their
// natural form and composites as JSON.
func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return "None"
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt64:
		return strconv.FormatInt(v.AsInt64(), 10)
	case KindFloat64:
		return strconv.FormatFloat(v.AsFloat64(), 'g', -1, 64)
	case KindString:
		return v.str
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unrenderable %s>", v.kind)
	}
	return string(b)
}

// MarshalJSON encodes v as JSON, preserving map key order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindEmpty:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.AsBool()))
	case KindInt64:
		buf.WriteString(strconv.FormatInt(v.AsInt64(), 10))
	case KindFloat64:
		f := v.AsFloat64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON has no representation for these; carry them as strings.
			b, _ := json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
			buf.Write(b)
			return nil
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindSlice:
		buf.WriteByte('[')
		for i, e := range v.slice {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		return writeAttrsJSON(buf, v.attrs)
	}
	return nil
}

func writeAttrsJSON(buf *bytes.Buffer, attrs []Attr) error {
	buf.WriteByte('{')
	for i, a := range attrs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(a.Key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		if err := a.Value.writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON decodes any JSON document into v. Whole numbers become
// integers, other numbers floats; object key order is preserved.
func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	out, err := decodeJSONValue(dec)
	if err != nil {
		return fmt.Errorf("model: decode value: %w", err)
	}
	*v = out
	return nil
}

func decodeJSONValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Int64(n), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float64(f), nil
	case json.Delim:
		switch t {
		case '[':
			var vs []Value
			for dec.More() {
				e, err := decodeJSONValue(dec)
				if err != nil {
					return Value{}, err
				}
				vs = append(vs, e)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Slice(vs...), nil
		case '{':
			var attrs []Attr
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("unexpected object key %v", kt)
				}
				e, err := decodeJSONValue(dec)
				if err != nil {
					return Value{}, err
				}
				attrs = append(attrs, Attr{Key: key, Value: e})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Map(attrs...), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// cborValue is the fixed-position wire form of a Value. Maps travel as
// ordered pair lists so key order survives a round trip.
type cborValue struct {
	_     struct{} `cbor:",toarray"`
	Kind  ValueKind
	Num   uint64
	Str   string
	Slice []Value
	Attrs []cborAttr
}

type cborAttr struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value Value
}

// MarshalCBOR encodes v in its tagged wire form.
func (v Value) MarshalCBOR() ([]byte, error) {
	w := cborValue{Kind: v.kind, Num: v.num, Str: v.str, Slice: v.slice}
	for _, a := range v.attrs {
		w.Attrs = append(w.Attrs, cborAttr{Key: a.Key, Value: a.Value})
	}
	return codec.Marshal(w)
}

// UnmarshalCBOR decodes the form produced by MarshalCBOR.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var w cborValue
	if err := codec.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("model: decode value: %w", err)
	}
	if w.Kind > KindMap {
		return fmt.Errorf("model: decode value: unknown kind %d", w.Kind)
	}
	out := Value{kind: w.Kind, num: w.Num, str: w.Str, slice: w.Slice}
	for _, a := range w.Attrs {
		out.attrs = append(out.attrs, Attr{Key: a.Key, Value: a.Value})
	}
	*v = out
	return nil
}

// ReservedPrefix marks attribute keys owned by the recording core. User
// attributes may not use it.
const ReservedPrefix = "kiroku."

// IsReservedKey reports whether key lies in the core's namespace.
func IsReservedKey(key string) bool { return strings.HasPrefix(key, ReservedPrefix) }

// Attributes is an ordered attribute list with set semantics.
type Attributes []Attr

// Get returns the value stored under key.
func (as Attributes) Get(key string) (Value, bool) {
	for _, a := range as {
		if a.Key == key {
			return a.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value under key in place or appends a new entry.
func (as *Attributes) Set(key string, v Value) {
	for i := range *as {
		if (*as)[i].Key == key {
			(*as)[i].Value = v
			return
		}
	}
	*as = append(*as, Attr{Key: key, Value: v})
}

// Clone returns a copy that shares no backing array with as.
func (as Attributes) Clone() Attributes {
	if as == nil {
		return nil
	}
	out := make(Attributes, len(as))
	copy(out, as)
	return out
}

// Map converts the attributes to a plain Go map.
func (as Attributes) Map() map[string]any {
	out := make(map[string]any, len(as))
	for _, a := range as {
		out[a.Key] = a.Value.Interface()
	}
	return out
}

// AttributesFromMap builds attributes from a plain map in sorted key order.
func AttributesFromMap(m map[string]any) Attributes {
	if len(m) == 0 {
		return nil
	}
	return Attributes(Any(m).AsMap())
}

// MarshalJSON encodes the attributes as a JSON object in insertion order.
func (as Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeAttrsJSON(&buf, as); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (as *Attributes) UnmarshalJSON(b []byte) error {
	var v Value
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	if v.Kind() == KindEmpty {
		*as = nil
		return nil
	}
	if v.Kind() != KindMap {
		return fmt.Errorf("model: attributes must be a JSON object, got %s", v.Kind())
	}
	*as = Attributes(v.AsMap())
	return nil
}
