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
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueConstructors(t *testing.T) {
	v := Bool(true)
	assert.Equal(t, KindBool, v.Kind())
	b, ok := v.AsBool()
	assert.True(t, ok)
	assert.True(t, b)

	v = Int16(-42)
	assert.Equal(t, KindInt16, v.Kind())
	n16, ok := v.AsInt16()
	assert.True(t, ok)
	assert.Equal(t, int16(-42), n16)

	v = Int32(100000)
	assert.Equal(t, KindInt32, v.Kind())
	n32, ok := v.AsInt32()
	assert.True(t, ok)
	assert.Equal(t, int32(100000), n32)

	v = Float32(2.5)
	assert.Equal(t, KindFloat32, v.Kind())
	f, ok := v.AsFloat32()
	assert.True(t, ok)
	assert.Equal(t, float32(2.5), f)
}

func TestValueWrongKindAccess(t *testing.T) {
	v := Int16(3)

	_, ok := v.AsBool()
	assert.False(t, ok)
	_, ok = v.AsInt32()
	assert.False(t, ok)
	_, ok = v.AsFloat32()
	assert.False(t, ok)

	// The matching accessor still works.
	_, ok = v.AsInt16()
	assert.True(t, ok)
}

func TestValueZero(t *testing.T) {
	var v Value

	assert.Equal(t, Kind(0), v.Kind())
	assert.Equal(t, "<unset>", v.String())

	_, ok := v.AsBool()
	assert.False(t, ok)

	// A zero value never equals a typed one.
	assert.False(t, v.Equal(Bool(false)))
	assert.False(t, Int32(0).Equal(v))
	assert.True(t, v.Equal(Value{}))
}

func TestValueString(t *testing.T) {
	tests := []struct {
		value Value
		want  string
	}{
		{Bool(true), "true"},
		{Bool(false), "false"},
		{Int16(42), "42"},
		{Int16(-7), "-7"},
		{Int32(1234567), "1234567"},
		{Float32(2.5), "2.5"},
		{Float32(3.14), "3.14"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.value.String())
		})
	}
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Bool(true).Equal(Bool(true)))
	assert.False(t, Bool(true).Equal(Bool(false)))

	assert.True(t, Int16(5).Equal(Int16(5)))
	assert.False(t, Int16(5).Equal(Int16(6)))

	// Same payload, different kind.
	assert.False(t, Int16(1).Equal(Int32(1)))
	assert.False(t, Bool(true).Equal(Int16(1)))

	// Floats compare bit-for-bit.
	nan := Float32(float32(math.NaN()))
	assert.True(t, nan.Equal(nan))
	assert.False(t, Float32(0).Equal(Float32(float32(math.Copysign(0, -1)))))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		input string
		want  Value
	}{
		{"bool true", KindBool, "true", Bool(true)},
		{"bool one", KindBool, "1", Bool(true)},
		{"bool on", KindBool, "on", Bool(true)},
		{"bool uppercase", KindBool, "TRUE", Bool(true)},
		{"bool false", KindBool, "false", Bool(false)},
		{"bool zero", KindBool, "0", Bool(false)},
		{"bool off", KindBool, "off", Bool(false)},
		{"int16", KindInt16, "123", Int16(123)},
		{"int16 negative", KindInt16, "-32768", Int16(-32768)},
		{"int16 padded", KindInt16, " 42 ", Int16(42)},
		{"int32", KindInt32, "70000", Int32(70000)},
		{"float32", KindFloat32, "2.5", Float32(2.5)},
		{"float32 negative", KindFloat32, "-0.125", Float32(-0.125)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue(tt.kind, tt.input)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmp.Comparer(Value.Equal)); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseValueErrors(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		input string
	}{
		{"bool invalid", KindBool, "yes"},
		{"int16 not a number", KindInt16, "abc"},
		{"int16 out of range", KindInt16, "32768"},
		{"int32 out of range", KindInt32, "3000000000"},
		{"float32 invalid", KindFloat32, "fast"},
		{"unset kind", Kind(0), "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseValue(tt.kind, tt.input)
			assert.Error(t, err)
		})
	}
}
