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

package modbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Handler = (*RegisterStore)(nil)

func TestBank(t *testing.T) {
	tests := []struct {
		bank     Bank
		name     string
		bits     bool
		writable bool
	}{
		{BankCoil, "coil", true, true},
		{BankDiscreteInput, "discrete_input", true, false},
		{BankHolding, "holding", false, true},
		{BankInput, "input", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.bank.String())
			assert.Equal(t, tt.bits, tt.bank.Bits())
			assert.Equal(t, tt.writable, tt.bank.Writable())
		})
	}

	assert.Equal(t, "unknown", Bank(42).String())
}

func TestParseBank(t *testing.T) {
	tests := []struct {
		in   string
		want Bank
	}{
		{"coil", BankCoil},
		{"coils", BankCoil},
		{"discrete_input", BankDiscreteInput},
		{"discrete_inputs", BankDiscreteInput},
		{"discrete", BankDiscreteInput},
		{"holding", BankHolding},
		{"holding_register", BankHolding},
		{"holding_registers", BankHolding},
		{"input", BankInput},
		{"input_register", BankInput},
		{"input_registers", BankInput},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			bank, err := ParseBank(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, bank)
		})
	}

	_, err := ParseBank("register")
	assert.Error(t, err)
}

func TestRegisterStore_Bits(t *testing.T) {
	store := NewRegisterStore(64, 64)

	values := []bool{true, false, true, true}
	require.NoError(t, store.WriteBits(BankCoil, 10, values))

	got, err := store.ReadBits(BankCoil, 10, 4)
	require.NoError(t, err)
	if diff := cmp.Diff(values, got); diff != "" {
		t.Errorf("coils mismatch (-want +got):\n%s", diff)
	}

	// Neighbouring coils stay untouched.
	edge, err := store.ReadBits(BankCoil, 9, 1)
	require.NoError(t, err)
	assert.False(t, edge[0])
}

func TestRegisterStore_Words(t *testing.T) {
	store := NewRegisterStore(64, 64)

	values := []uint16{0xBEEF, 0xCAFE, 0x0001}
	require.NoError(t, store.WriteWords(BankHolding, 5, values))

	got, err := store.ReadWords(BankHolding, 5, 3)
	require.NoError(t, err)
	if diff := cmp.Diff(values, got); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterStore_BankRules(t *testing.T) {
	store := NewRegisterStore(16, 16)

	// Writes are only defined for coils and holding registers.
	err := store.WriteBits(BankDiscreteInput, 0, []bool{true})
	assert.True(t, IsIllegalFunction(err), "write to discrete inputs: got %v", err)

	err = store.WriteWords(BankInput, 0, []uint16{1})
	assert.True(t, IsIllegalFunction(err), "write to input registers: got %v", err)

	// Bit reads on register banks and vice versa are malformed requests.
	_, err = store.ReadBits(BankHolding, 0, 1)
	assert.True(t, IsIllegalFunction(err), "bit read on holding bank: got %v", err)

	_, err = store.ReadWords(BankCoil, 0, 1)
	assert.True(t, IsIllegalFunction(err), "word read on coil bank: got %v", err)
}

func TestRegisterStore_RangeChecks(t *testing.T) {
	store := NewRegisterStore(8, 8)

	_, err := store.ReadBits(BankCoil, 6, 3)
	assert.True(t, IsIllegalDataAddress(err), "read past end: got %v", err)

	_, err = store.ReadWords(BankHolding, 8, 1)
	assert.True(t, IsIllegalDataAddress(err), "read at end: got %v", err)

	err = store.WriteBits(BankCoil, 7, []bool{true, true})
	assert.True(t, IsIllegalDataAddress(err), "write past end: got %v", err)

	err = store.WriteWords(BankHolding, 7, []uint16{1, 2})
	assert.True(t, IsIllegalDataAddress(err), "write past end: got %v", err)

	// The last element is still addressable.
	require.NoError(t, store.WriteBits(BankCoil, 7, []bool{true}))
	require.NoError(t, store.WriteWords(BankHolding, 7, []uint16{1}))
}

func TestRegisterStore_HandlerServesAnyUnit(t *testing.T) {
	store := NewRegisterStore(16, 16)

	// The store keeps one set of banks regardless of unit ID.
	require.NoError(t, store.WriteSingleRegister(1, 0, 1234))

	regs, err := store.ReadHoldingRegisters(99, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), regs[0])

	require.NoError(t, store.WriteSingleCoil(1, 3, true))
	coils, err := store.ReadCoils(7, 3, 1)
	require.NoError(t, err)
	assert.True(t, coils[0])

	require.NoError(t, store.WriteMultipleCoils(1, 4, []bool{true, true}))
	require.NoError(t, store.WriteMultipleRegisters(1, 4, []uint16{44, 55}))
}

type writeEvent struct {
	bank  Bank
	addr  uint16
	count int
}

func TestRegisterStore_OnWrite(t *testing.T) {
	store := NewRegisterStore(64, 64)

	var events []writeEvent
	store.OnWrite(func(bank Bank, addr uint16, count int) {
		events = append(events, writeEvent{bank, addr, count})
	})

	require.NoError(t, store.WriteBits(BankCoil, 3, []bool{true, false}))
	require.NoError(t, store.WriteWords(BankHolding, 10, []uint16{1, 2, 3}))

	// Rejected writes and direct setters must not fire the hook.
	_ = store.WriteBits(BankDiscreteInput, 0, []bool{true})
	_ = store.WriteWords(BankHolding, 63, []uint16{1, 2})
	store.SetCoil(5, true)
	store.SetDiscreteInput(0, true)
	store.SetHoldingRegister(20, 7)
	store.SetInputRegister(0, 9)

	want := []writeEvent{
		{BankCoil, 3, 2},
		{BankHolding, 10, 3},
	}
	if diff := cmp.Diff(want, events, cmp.AllowUnexported(writeEvent{})); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterStore_DirectSetters(t *testing.T) {
	store := NewRegisterStore(8, 8)

	// Direct setters reach the read-only banks the protocol cannot write.
	store.SetDiscreteInput(2, true)
	store.SetInputRegister(3, 777)

	bits, err := store.ReadBits(BankDiscreteInput, 2, 1)
	require.NoError(t, err)
	assert.True(t, bits[0])

	regs, err := store.ReadWords(BankInput, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(777), regs[0])

	// Out-of-range setters are silently dropped.
	store.SetCoil(100, true)
	store.SetDiscreteInput(100, true)
	store.SetHoldingRegister(100, 1)
	store.SetInputRegister(100, 1)
}

func TestRegisterStore_AtomicPairWrites(t *testing.T) {
	store := NewRegisterStore(4, 4)
	require.NoError(t, store.WriteWords(BankHolding, 0, []uint16{0, 0}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			v := uint16(i)
			_ = store.WriteWords(BankHolding, 0, []uint16{v, v})
		}
	}()

	// A multi-register write must never be observable half-applied.
	for {
		regs, err := store.ReadWords(BankHolding, 0, 2)
		require.NoError(t, err)
		require.Equal(t, regs[0], regs[1], "pair observed half-applied")

		select {
		case <-done:
			return
		default:
		}
	}
}
