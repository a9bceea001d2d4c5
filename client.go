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

	"github.com/edgeo-scada/tagbus/modbus"
	"github.com/edgeo-scada/tagbus/words"
)

// Client reads and writes tags by name over a single Modbus TCP
// connection. All methods are safe for concurrent use; transactions are
// serialized on the wire.
type Client struct {
	mc     *modbus.Client
	table  *Table
	logger *slog.Logger
}

// NewClient creates a client for the given server address and tag table.
// The connection is established on the first operation.
func NewClient(addr string, table *Table, opts ...Option) (*Client, error) {
	if table == nil {
		return nil, errors.New("tagbus: nil tag table")
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	mc, err := modbus.NewClient(addr, options.clientOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		mc:     mc,
		table:  table,
		logger: options.logger,
	}, nil
}

// Connect establishes the connection eagerly. Calling it is optional.
func (c *Client) Connect(ctx context.Context) error {
	return c.mc.Connect(ctx)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.mc.Close()
}

// Table returns the tag table the client was built with.
func (c *Client) Table() *Table {
	return c.table
}

// State returns the state of the underlying connection.
func (c *Client) State() modbus.ConnectionState {
	return c.mc.State()
}

// Metrics returns the metrics of the underlying Modbus client.
func (c *Client) Metrics() *modbus.Metrics {
	return c.mc.Metrics()
}

// Modbus returns the underlying Modbus client for raw register access.
func (c *Client) Modbus() *modbus.Client {
	return c.mc
}

// ReadTag reads the named tag and returns its typed value.
func (c *Client) ReadTag(ctx context.Context, name string) (Value, error) {
	tag, ok := c.table.Get(name)
	if !ok {
		return Value{}, fmt.Errorf("read tag %q: %w", name, ErrUnknownTag)
	}

	value, err := c.readTag(ctx, tag)
	if err != nil {
		return Value{}, fmt.Errorf("read tag %q: %w", name, err)
	}
	return value, nil
}

func (c *Client) readTag(ctx context.Context, tag Tag) (Value, error) {
	switch tag.Bank {
	case modbus.BankCoil:
		bits, err := c.mc.ReadCoils(ctx, tag.Address, 1)
		if err != nil {
			return Value{}, err
		}
		return Bool(bits[0]), nil

	case modbus.BankDiscreteInput:
		bits, err := c.mc.ReadDiscreteInputs(ctx, tag.Address, 1)
		if err != nil {
			return Value{}, err
		}
		return Bool(bits[0]), nil
	}

	read := c.mc.ReadHoldingRegisters
	if tag.Bank == modbus.BankInput {
		read = c.mc.ReadInputRegisters
	}
	regs, err := read(ctx, tag.Address, tag.Width())
	if err != nil {
		return Value{}, err
	}
	return decodeRegisters(tag, regs)
}

func decodeRegisters(tag Tag, regs []uint16) (Value, error) {
	switch tag.Kind {
	case KindInt16:
		return Int16(words.Int16(regs[0])), nil
	case KindInt32:
		hi, lo := orderedWords(tag.WordOrder, regs[0], regs[1])
		return Int32(words.Int32(hi, lo)), nil
	case KindFloat32:
		hi, lo := orderedWords(tag.WordOrder, regs[0], regs[1])
		return Float32(words.Float32(hi, lo)), nil
	default:
		return Value{}, fmt.Errorf("tagbus: tag %q has unsupported type %s", tag.Name, tag.Kind)
	}
}

// orderedWords swaps a register pair for little word order. The swap is
// its own inverse, so the same helper serves encode and decode.
func orderedWords(order WordOrder, a, b uint16) (uint16, uint16) {
	if order == WordOrderLittle {
		return b, a
	}
	return a, b
}

// WriteTag writes a typed value to the named tag. The value's kind must
// match the tag's declared type and the tag must live in a writable bank;
// violations are rejected before anything reaches the wire.
func (c *Client) WriteTag(ctx context.Context, name string, value Value) error {
	tag, ok := c.table.Get(name)
	if !ok {
		return fmt.Errorf("write tag %q: %w", name, ErrUnknownTag)
	}
	if err := c.checkWrite(tag, value); err != nil {
		return fmt.Errorf("write tag %q: %w", name, err)
	}
	if err := c.writeTag(ctx, tag, value); err != nil {
		return fmt.Errorf("write tag %q: %w", name, err)
	}
	return nil
}

func (c *Client) checkWrite(tag Tag, value Value) error {
	if value.Kind() != tag.Kind {
		c.logger.Warn("write_rejected",
			slog.String("tag", tag.Name),
			slog.String("reason", "type mismatch"),
			slog.String("tag_type", tag.Kind.String()),
			slog.String("value_type", value.Kind().String()))
		return ErrTypeMismatch
	}
	if !tag.Writable() {
		c.logger.Warn("write_rejected",
			slog.String("tag", tag.Name),
			slog.String("reason", "read-only bank"),
			slog.String("bank", tag.Bank.String()))
		return ErrReadOnly
	}
	return nil
}

func (c *Client) writeTag(ctx context.Context, tag Tag, value Value) error {
	switch tag.Kind {
	case KindBool:
		b, _ := value.AsBool()
		return c.mc.WriteSingleCoil(ctx, tag.Address, b)

	case KindInt16:
		n, _ := value.AsInt16()
		return c.mc.WriteSingleRegister(ctx, tag.Address, words.FromInt16(n))

	case KindInt32:
		n, _ := value.AsInt32()
		hi, lo := words.FromInt32(n)
		w0, w1 := orderedWords(tag.WordOrder, hi, lo)
		return c.mc.WriteMultipleRegisters(ctx, tag.Address, []uint16{w0, w1})

	case KindFloat32:
		f, _ := value.AsFloat32()
		hi, lo := words.FromFloat32(f)
		w0, w1 := orderedWords(tag.WordOrder, hi, lo)
		return c.mc.WriteMultipleRegisters(ctx, tag.Address, []uint16{w0, w1})

	default:
		return fmt.Errorf("tagbus: tag %q has unsupported type %s", tag.Name, tag.Kind)
	}
}

// ReadAll reads every tag in the table in definition order. Tags the
// server rejects with a Modbus exception are skipped and their errors
// joined into the returned error; a transport failure aborts the pass.
// The returned map holds the tags that were read, even on error.
func (c *Client) ReadAll(ctx context.Context) (map[string]Value, error) {
	values := make(map[string]Value, c.table.Len())
	var errs []error

	for _, name := range c.table.Names() {
		value, err := c.ReadTag(ctx, name)
		if err != nil {
			var mbErr *modbus.ModbusError
			if errors.As(err, &mbErr) {
				errs = append(errs, err)
				continue
			}
			return values, err
		}
		values[name] = value
	}

	return values, errors.Join(errs...)
}

// WriteTags writes several tags. Every entry is validated against the
// table before the first write; once writing starts, the first failure
// stops the batch. Writes happen one tag at a time in table order.
func (c *Client) WriteTags(ctx context.Context, values map[string]Value) error {
	for name, value := range values {
		tag, ok := c.table.Get(name)
		if !ok {
			return fmt.Errorf("write tag %q: %w", name, ErrUnknownTag)
		}
		if err := c.checkWrite(tag, value); err != nil {
			return fmt.Errorf("write tag %q: %w", name, err)
		}
	}

	for _, name := range c.table.Names() {
		value, ok := values[name]
		if !ok {
			continue
		}
		tag, _ := c.table.Get(name)
		if err := c.writeTag(ctx, tag, value); err != nil {
			return fmt.Errorf("write tag %q: %w", name, err)
		}
	}
	return nil
}
