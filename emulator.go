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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/edgeo-scada/tagbus/modbus"
	"github.com/edgeo-scada/tagbus/words"
)

// Emulator serves a tag table from in-memory register banks. It stands in
// for the real device in development and tests: clients connect to it like
// to any Modbus TCP server, and the owning process inspects and mutates
// tag values directly.
type Emulator struct {
	table  *Table
	store  *modbus.RegisterStore
	server *modbus.Server
	logger *slog.Logger
	opts   *emulatorOptions
}

// NewEmulator creates an emulator for the given tag table. Banks are
// sized to the configured bank size, grown as needed to fit the table.
func NewEmulator(table *Table, opts ...EmulatorOption) (*Emulator, error) {
	if table == nil {
		return nil, errors.New("tagbus: nil tag table")
	}

	options := defaultEmulatorOptions()
	for _, opt := range opts {
		opt(options)
	}

	bitSize := max(options.bankSize, table.extent(modbus.BankCoil), table.extent(modbus.BankDiscreteInput))
	regSize := max(options.bankSize, table.extent(modbus.BankHolding), table.extent(modbus.BankInput))

	e := &Emulator{
		table:  table,
		store:  modbus.NewRegisterStore(bitSize, regSize),
		logger: options.logger,
		opts:   options,
	}
	e.store.OnWrite(e.handleWrite)
	e.server = modbus.NewServer(e.store, options.serverOpts...)

	return e, nil
}

// handleWrite maps a protocol-level write back to the tags it touched.
func (e *Emulator) handleWrite(bank modbus.Bank, addr uint16, count int) {
	lo := uint32(addr)
	hi := lo + uint32(count)

	for _, tag := range e.table.Tags() {
		if tag.Bank != bank {
			continue
		}
		tagLo := uint32(tag.Address)
		tagHi := tagLo + uint32(tag.Width())
		if lo >= tagHi || tagLo >= hi {
			continue
		}

		value, err := e.GetTag(tag.Name)
		if err != nil {
			continue
		}
		e.logger.Info("tag_written",
			slog.String("tag", tag.Name),
			slog.String("value", value.String()))
		if e.opts.onWrite != nil {
			e.opts.onWrite(tag.Name, value)
		}
	}
}

// GetTag returns the current value of the named tag.
func (e *Emulator) GetTag(name string) (Value, error) {
	tag, ok := e.table.Get(name)
	if !ok {
		return Value{}, fmt.Errorf("get tag %q: %w", name, ErrUnknownTag)
	}

	if tag.Bank.Bits() {
		bits, err := e.store.ReadBits(tag.Bank, tag.Address, 1)
		if err != nil {
			return Value{}, fmt.Errorf("get tag %q: %w", name, err)
		}
		return Bool(bits[0]), nil
	}

	regs, err := e.store.ReadWords(tag.Bank, tag.Address, tag.Width())
	if err != nil {
		return Value{}, fmt.Errorf("get tag %q: %w", name, err)
	}
	value, err := decodeRegisters(tag, regs)
	if err != nil {
		return Value{}, fmt.Errorf("get tag %q: %w", name, err)
	}
	return value, nil
}

// SetTag sets the value of the named tag directly, bypassing the protocol
// write rules so tags in read-only banks can be populated. The OnWrite
// callback does not fire.
func (e *Emulator) SetTag(name string, value Value) error {
	tag, ok := e.table.Get(name)
	if !ok {
		return fmt.Errorf("set tag %q: %w", name, ErrUnknownTag)
	}
	if value.Kind() != tag.Kind {
		return fmt.Errorf("set tag %q: %w", name, ErrTypeMismatch)
	}

	switch tag.Kind {
	case KindBool:
		b, _ := value.AsBool()
		if tag.Bank == modbus.BankCoil {
			e.store.SetCoil(tag.Address, b)
		} else {
			e.store.SetDiscreteInput(tag.Address, b)
		}

	case KindInt16:
		n, _ := value.AsInt16()
		e.setRegister(tag.Bank, tag.Address, words.FromInt16(n))

	case KindInt32:
		n, _ := value.AsInt32()
		hi, lo := words.FromInt32(n)
		w0, w1 := orderedWords(tag.WordOrder, hi, lo)
		e.setRegister(tag.Bank, tag.Address, w0)
		e.setRegister(tag.Bank, tag.Address+1, w1)

	case KindFloat32:
		f, _ := value.AsFloat32()
		hi, lo := words.FromFloat32(f)
		w0, w1 := orderedWords(tag.WordOrder, hi, lo)
		e.setRegister(tag.Bank, tag.Address, w0)
		e.setRegister(tag.Bank, tag.Address+1, w1)
	}

	return nil
}

func (e *Emulator) setRegister(bank modbus.Bank, addr, value uint16) {
	if bank == modbus.BankHolding {
		e.store.SetHoldingRegister(addr, value)
	} else {
		e.store.SetInputRegister(addr, value)
	}
}

// Seed sets several tags at once.
func (e *Emulator) Seed(values map[string]Value) error {
	for name, value := range values {
		if err := e.SetTag(name, value); err != nil {
			return err
		}
	}
	return nil
}

// DefaultSeed returns the initial state of the drawer unit served by
// DefaultTable: idle, with the delivery flag raised and the drawer at
// slot 7, position 3.
func DefaultSeed() map[string]Value {
	return map[string]Value{
		"ativar":         Bool(false),
		"entregar":       Bool(true),
		"gaveta":         Int16(7),
		"posicao_gaveta": Int32(3),
	}
}

// Table returns the emulator's tag table.
func (e *Emulator) Table() *Table {
	return e.table
}

// Store returns the underlying register store for raw access.
func (e *Emulator) Store() *modbus.RegisterStore {
	return e.store
}

// Server returns the underlying Modbus server.
func (e *Emulator) Server() *modbus.Server {
	return e.server
}

// Addr returns the listening address, or nil before ListenAndServe.
func (e *Emulator) Addr() net.Addr {
	return e.server.Addr()
}

// ListenAndServe starts serving on the given address and blocks.
func (e *Emulator) ListenAndServe(addr string) error {
	return e.server.ListenAndServe(addr)
}

// ListenAndServeContext serves until ctx is cancelled.
func (e *Emulator) ListenAndServeContext(ctx context.Context, addr string) error {
	return e.server.ListenAndServeContext(ctx, addr)
}

// Serve serves connections from the given listener.
func (e *Emulator) Serve(listener net.Listener) error {
	return e.server.Serve(listener)
}

// Close shuts the emulator down.
func (e *Emulator) Close() error {
	return e.server.Close()
}
