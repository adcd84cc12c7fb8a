// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package changestream defines the shared row/event/batch vocabulary
// used by every stage of the synchronization pipeline: the upstream
// connector, the decoder, the consolidator, and both sink adapters.
package changestream

import (
	"fmt"
	"time"
)

// Kind discriminates the dynamic type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindNested
)

// Value is a tagged-variant scalar matching one upstream column. Using
// an explicit tag instead of a bare interface{} keeps type assertions
// in sink shaping code exhaustive and lets the decoder reject
// unparseable values with a named error instead of a panic.
type Value struct {
	kind   Kind
	str    string
	num    float64
	i      int64
	b      bool
	t      time.Time
	nested map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func StringValue(s string) Value { return Value{kind: KindString, str: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, num: f} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, b: b} }
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t} }
func NestedValue(m map[string]Value) Value {
	return Value{kind: KindNested, nested: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// String renders the value for use as a stringified key or log field.
// It never fails: unrepresentable kinds fall back to fmt.Sprint.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString:
		return v.str
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.num)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v.nested)
	}
}

// Interface returns the underlying Go value, shaped the way a JSON
// encoder or document shaper expects it: timestamps as RFC3339 UTC
// strings (spec requirement for the search sink), nested values as
// map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindInt:
		return v.i
	case KindFloat:
		return v.num
	case KindBool:
		return v.b
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindNested:
		out := make(map[string]interface{}, len(v.nested))
		for k, nv := range v.nested {
			out[k] = nv.Interface()
		}
		return out
	default:
		return nil
	}
}

// AsInt64 returns the value as an int64 when the kind supports it.
func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.num), true
	default:
		return 0, false
	}
}

// AsString returns the raw string payload without the formatting
// applied by String() (e.g. no timestamp conversion). Callers that
// need the key column's identity value should use this.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}
