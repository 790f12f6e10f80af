// ABOUTME: Typed value union stored in every protocol-store namespace
// ABOUTME: One total encode/decode pair; binary round-trips through base64

package protostore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/2389/sigbot/internal/apperr"
)

// Kind identifies which member of the Value union is set.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindString
	KindBinary
	KindInt
	KindBool
	KindList
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// binaryTag marks an encoded binary buffer. Records may not use it as a field name.
const binaryTag = "$bin"

// Value is an immutable store value. The zero Value is null.
type Value struct {
	kind   Kind
	str    string
	bin    []byte
	num    int64
	flag   bool
	list   []Value
	fields map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Binary wraps a copy of b.
func Binary(b []byte) Value {
	return Value{kind: KindBinary, bin: bytes.Clone(nonNil(b))}
}

// Int wraps an integer.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// List wraps the given items.
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value{}, items...)}
}

// Record wraps a copy of fields.
func Record(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindRecord, fields: cp}
}

// Kind reports which member is set.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string member.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsBinary returns a copy of the binary member.
func (v Value) AsBinary() ([]byte, bool) {
	if v.kind != KindBinary {
		return nil, false
	}
	return bytes.Clone(v.bin), true
}

// AsInt returns the integer member.
func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInt }

// AsBool returns the boolean member.
func (v Value) AsBool() (bool, bool) { return v.flag, v.kind == KindBool }

// Items returns the list members.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value{}, v.list...)
}

// Field returns a record member.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindRecord {
		return Value{}, false
	}
	f, ok := v.fields[name]
	return f, ok
}

// FieldNames returns the record's field names in sorted order.
func (v Value) FieldNames() []string {
	names := make([]string, 0, len(v.fields))
	for k := range v.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindBinary:
		return bytes.Equal(v.bin, o.bin)
	case KindInt:
		return v.num == o.num
	case KindBool:
		return v.flag == o.flag
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for k, f := range v.fields {
			g, ok := o.fields[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	}
	return false
}

// FromAny converts a plain Go value into a Value. Supported inputs are nil,
// Value, string, []byte, bool, signed and unsigned integers, []any, []Value,
// map[string]any and map[string]Value. Anything else is a serialization error.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case []Value:
		return List(t...), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]Value:
		return Record(t), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Value{kind: KindRecord, fields: fields}, nil
	default:
		return Value{}, apperr.Errorf(apperr.ErrSerialization, "protostore.FromAny", "unsupported type %T", x)
	}
}

// Encode renders v as JSON.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeInto(&buf, v); err != nil {
		return nil, apperr.E(apperr.ErrSerialization, "protostore.Encode", err)
	}
	return buf.Bytes(), nil
}

func encodeInto(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBinary:
		buf.WriteString(`{"` + binaryTag + `":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(v.bin))
		buf.WriteString(`"}`)
	case KindInt:
		fmt.Fprintf(buf, "%d", v.num)
	case KindBool:
		if v.flag {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeInto(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindRecord:
		if _, ok := v.fields[binaryTag]; ok {
			return fmt.Errorf("record field %q is reserved", binaryTag)
		}
		buf.WriteByte('{')
		for i, name := range v.FieldNames() {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(name)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := encodeInto(buf, v.fields[name]); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown kind %s", v.kind)
	}
	return nil
}

// Decode parses JSON produced by Encode.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, apperr.E(apperr.ErrSerialization, "protostore.Decode", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, apperr.Errorf(apperr.ErrSerialization, "protostore.Decode", "trailing data after value")
	}

	v, err := fromJSON(raw)
	if err != nil {
		return Value{}, apperr.E(apperr.ErrSerialization, "protostore.Decode", err)
	}
	return v, nil
}

func fromJSON(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("non-integer number %s", t)
		}
		return Int(n), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := fromJSON(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		if enc, ok := t[binaryTag]; ok {
			s, isString := enc.(string)
			if !isString || len(t) != 1 {
				return Value{}, fmt.Errorf("malformed binary value")
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return Value{}, fmt.Errorf("decoding binary value: %w", err)
			}
			return Value{kind: KindBinary, bin: b}, nil
		}
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromJSON(item)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = v
		}
		return Value{kind: KindRecord, fields: fields}, nil
	default:
		return Value{}, fmt.Errorf("unexpected JSON type %T", raw)
	}
}

// MarshalJSON lets a Value travel inside larger JSON documents.
func (v Value) MarshalJSON() ([]byte, error) { return Encode(v) }

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
