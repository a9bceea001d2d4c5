// Copyright 2025 Edgeo SCADA
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

package tagbus

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a typed tag value. The zero Value has no kind and compares
// unequal to every typed value.
type Value struct {
	kind Kind
	b    bool
	i    int32
	f    float32
}

// Bool returns a boolean value.
func Bool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// Int16 returns a 16-bit integer value.
func Int16(v int16) Value {
	return Value{kind: KindInt16, i: int32(v)}
}

// Int32 returns a 32-bit integer value.
func Int32(v int32) Value {
	return Value{kind: KindInt32, i: v}
}

// Float32 returns a 32-bit float value.
func Float32(v float32) Value {
	return Value{kind: KindFloat32, f: v}
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// AsBool returns the boolean value. The second result is false when the
// value is not a bool.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsInt16 returns the 16-bit integer value.
func (v Value) AsInt16() (int16, bool) {
	return int16(v.i), v.kind == KindInt16
}

// AsInt32 returns the 32-bit integer value.
func (v Value) AsInt32() (int32, bool) {
	return v.i, v.kind == KindInt32
}

// AsFloat32 returns the 32-bit float value.
func (v Value) AsFloat32() (float32, bool) {
	return v.f, v.kind == KindFloat32
}

// String formats the value for display.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt16, KindInt32:
		return strconv.FormatInt(int64(v.i), 10)
	case KindFloat32:
		return strconv.FormatFloat(float64(v.f), 'g', -1, 32)
	default:
		return "<unset>"
	}
}

// Equal reports whether two values have the same kind and payload. Float
// values compare bit-for-bit, so NaN equals NaN of the same bit pattern.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == other.b
	case KindInt16, KindInt32:
		return v.i == other.i
	case KindFloat32:
		return math.Float32bits(v.f) == math.Float32bits(other.f)
	default:
		return true
	}
}

// ParseValue parses the string form of a value of the given kind. Booleans
// accept true/false, 1/0, and on/off.
func ParseValue(kind Kind, s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch kind {
	case KindBool:
		switch strings.ToLower(s) {
		case "true", "1", "on":
			return Bool(true), nil
		case "false", "0", "off":
			return Bool(false), nil
		default:
			return Value{}, fmt.Errorf("tagbus: invalid bool value %q", s)
		}
	case KindInt16:
		n, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return Value{}, fmt.Errorf("tagbus: invalid int16 value %q", s)
		}
		return Int16(int16(n)), nil
	case KindInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("tagbus: invalid int32 value %q", s)
		}
		return Int32(int32(n)), nil
	case KindFloat32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, fmt.Errorf("tagbus: invalid float32 value %q", s)
		}
		return Float32(float32(f)), nil
	default:
		return Value{}, fmt.Errorf("tagbus: cannot parse value of kind %s", kind)
	}
}
