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
	"fmt"
	"sync"
)

// Bank identifies one of the four Modbus data banks.
type Bank int

const (
	BankCoil Bank = iota
	BankDiscreteInput
	BankHolding
	BankInput
)

// String returns the string representation of the bank.
func (b Bank) String() string {
	switch b {
	case BankCoil:
		return "coil"
	case BankDiscreteInput:
		return "discrete_input"
	case BankHolding:
		return "holding"
	case BankInput:
		return "input"
	default:
		return "unknown"
	}
}

// Bits reports whether the bank holds single-bit values.
func (b Bank) Bits() bool {
	return b == BankCoil || b == BankDiscreteInput
}

// Writable reports whether the protocol defines write operations for the
// bank. Discrete inputs and input registers are read-only by definition.
func (b Bank) Writable() bool {
	return b == BankCoil || b == BankHolding
}

// ParseBank parses a bank name as used in configuration files.
func ParseBank(s string) (Bank, error) {
	switch s {
	case "coil", "coils":
		return BankCoil, nil
	case "discrete_input", "discrete_inputs", "discrete":
		return BankDiscreteInput, nil
	case "holding", "holding_register", "holding_registers":
		return BankHolding, nil
	case "input", "input_register", "input_registers":
		return BankInput, nil
	}
	return 0, fmt.Errorf("modbus: unknown bank %q", s)
}

func (b Bank) readFunction() FunctionCode {
	switch b {
	case BankCoil:
		return FuncReadCoils
	case BankDiscreteInput:
		return FuncReadDiscreteInputs
	case BankHolding:
		return FuncReadHoldingRegisters
	default:
		return FuncReadInputRegisters
	}
}

// RegisterStore is an in-memory implementation of Handler backed by four
// fixed-size banks sized at construction. It serves every unit ID from the
// same banks. All operations are atomic with respect to each other: a
// multi-register write is never observable half-applied by a concurrent
// read.
type RegisterStore struct {
	mu             sync.RWMutex
	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16
	onWrite        func(bank Bank, addr uint16, count int)
}

// NewRegisterStore creates a store with bitSize coils and discrete inputs
// and regSize holding and input registers.
func NewRegisterStore(bitSize, regSize int) *RegisterStore {
	return &RegisterStore{
		coils:          make([]bool, bitSize),
		discreteInputs: make([]bool, bitSize),
		holdingRegs:    make([]uint16, regSize),
		inputRegs:      make([]uint16, regSize),
	}
}

// OnWrite registers a hook invoked after every successful protocol write
// with the bank, start address and element count. Direct setters do not
// trigger it.
func (s *RegisterStore) OnWrite(fn func(bank Bank, addr uint16, count int)) {
	s.mu.Lock()
	s.onWrite = fn
	s.mu.Unlock()
}

func (s *RegisterStore) notifyLocked(bank Bank, addr uint16, count int) func() {
	fn := s.onWrite
	if fn == nil {
		return nil
	}
	return func() { fn(bank, addr, count) }
}

// ReadBits reads from a bit bank (coils or discrete inputs).
func (s *RegisterStore) ReadBits(bank Bank, addr, qty uint16) ([]bool, error) {
	if !bank.Bits() {
		return nil, NewModbusError(bank.readFunction(), ExceptionIllegalFunction)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.coils
	if bank == BankDiscreteInput {
		src = s.discreteInputs
	}
	if int(addr)+int(qty) > len(src) {
		return nil, NewModbusError(bank.readFunction(), ExceptionIllegalDataAddress)
	}

	result := make([]bool, qty)
	copy(result, src[addr:int(addr)+int(qty)])
	return result, nil
}

// WriteBits writes to a bit bank. Only coils accept writes; a write aimed at
// discrete inputs is rejected with an illegal function exception.
func (s *RegisterStore) WriteBits(bank Bank, addr uint16, values []bool) error {
	if bank != BankCoil {
		return NewModbusError(bank.readFunction(), ExceptionIllegalFunction)
	}

	s.mu.Lock()
	if int(addr)+len(values) > len(s.coils) {
		s.mu.Unlock()
		return NewModbusError(FuncWriteMultipleCoils, ExceptionIllegalDataAddress)
	}
	copy(s.coils[addr:], values)
	notify := s.notifyLocked(bank, addr, len(values))
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// ReadWords reads from a register bank (holding or input registers).
func (s *RegisterStore) ReadWords(bank Bank, addr, qty uint16) ([]uint16, error) {
	if bank.Bits() {
		return nil, NewModbusError(bank.readFunction(), ExceptionIllegalFunction)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.holdingRegs
	if bank == BankInput {
		src = s.inputRegs
	}
	if int(addr)+int(qty) > len(src) {
		return nil, NewModbusError(bank.readFunction(), ExceptionIllegalDataAddress)
	}

	result := make([]uint16, qty)
	copy(result, src[addr:int(addr)+int(qty)])
	return result, nil
}

// WriteWords writes to a register bank. Only holding registers accept
// writes; a write aimed at input registers is rejected with an illegal
// function exception.
func (s *RegisterStore) WriteWords(bank Bank, addr uint16, values []uint16) error {
	if bank != BankHolding {
		return NewModbusError(bank.readFunction(), ExceptionIllegalFunction)
	}

	s.mu.Lock()
	if int(addr)+len(values) > len(s.holdingRegs) {
		s.mu.Unlock()
		return NewModbusError(FuncWriteMultipleRegisters, ExceptionIllegalDataAddress)
	}
	copy(s.holdingRegs[addr:], values)
	notify := s.notifyLocked(bank, addr, len(values))
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Handler implementation. The unit ID is accepted for interface
// compatibility; the store answers every unit from the same banks.

func (s *RegisterStore) ReadCoils(_ UnitID, addr, qty uint16) ([]bool, error) {
	return s.ReadBits(BankCoil, addr, qty)
}

func (s *RegisterStore) ReadDiscreteInputs(_ UnitID, addr, qty uint16) ([]bool, error) {
	return s.ReadBits(BankDiscreteInput, addr, qty)
}

func (s *RegisterStore) WriteSingleCoil(_ UnitID, addr uint16, value bool) error {
	return s.WriteBits(BankCoil, addr, []bool{value})
}

func (s *RegisterStore) WriteMultipleCoils(_ UnitID, addr uint16, values []bool) error {
	return s.WriteBits(BankCoil, addr, values)
}

func (s *RegisterStore) ReadHoldingRegisters(_ UnitID, addr, qty uint16) ([]uint16, error) {
	return s.ReadWords(BankHolding, addr, qty)
}

func (s *RegisterStore) ReadInputRegisters(_ UnitID, addr, qty uint16) ([]uint16, error) {
	return s.ReadWords(BankInput, addr, qty)
}

func (s *RegisterStore) WriteSingleRegister(_ UnitID, addr, value uint16) error {
	return s.WriteWords(BankHolding, addr, []uint16{value})
}

func (s *RegisterStore) WriteMultipleRegisters(_ UnitID, addr uint16, values []uint16) error {
	return s.WriteWords(BankHolding, addr, values)
}

// Direct setters for seeding state. They bypass the protocol write rules so
// read-only banks can be populated, and they do not trigger the OnWrite
// hook.

// SetCoil sets a coil value directly.
func (s *RegisterStore) SetCoil(addr uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) < len(s.coils) {
		s.coils[addr] = value
	}
}

// SetDiscreteInput sets a discrete input value directly.
func (s *RegisterStore) SetDiscreteInput(addr uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) < len(s.discreteInputs) {
		s.discreteInputs[addr] = value
	}
}

// SetHoldingRegister sets a holding register value directly.
func (s *RegisterStore) SetHoldingRegister(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) < len(s.holdingRegs) {
		s.holdingRegs[addr] = value
	}
}

// SetInputRegister sets an input register value directly.
func (s *RegisterStore) SetInputRegister(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) < len(s.inputRegs) {
		s.inputRegs[addr] = value
	}
}
