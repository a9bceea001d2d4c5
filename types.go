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

// Package tagbus maps named, typed tags onto Modbus TCP coils and
// registers. A Table describes where each tag lives, Client reads and
// writes tags by name over a shared connection, and Emulator serves a
// table-backed register bank for development and tests.
package tagbus

import (
	"fmt"
	"strings"

	"github.com/edgeo-scada/tagbus/modbus"
)

// Kind identifies the value type of a tag.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt16
	KindInt32
	KindFloat32
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindFloat32:
		return "float32"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Width returns the number of registers a value of this kind occupies.
// Bit-bank kinds occupy a single coil or discrete input.
func (k Kind) Width() uint16 {
	switch k {
	case KindInt32, KindFloat32:
		return 2
	default:
		return 1
	}
}

// ParseKind parses a kind name as used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean", "bit":
		return KindBool, nil
	case "int16", "short":
		return KindInt16, nil
	case "int32", "int", "long":
		return KindInt32, nil
	case "float32", "float", "real":
		return KindFloat32, nil
	default:
		return 0, fmt.Errorf("tagbus: unknown tag type %q", s)
	}
}

// WordOrder controls how the two registers of a 32-bit value are ordered
// on the wire. The zero value is big-endian word order (high word first),
// which is what most devices use.
type WordOrder uint8

const (
	WordOrderBig WordOrder = iota
	WordOrderLittle
)

// String returns the configuration name of the word order.
func (o WordOrder) String() string {
	if o == WordOrderLittle {
		return "little"
	}
	return "big"
}

// ParseWordOrder parses a word order name. The empty string selects the
// big-endian default.
func ParseWordOrder(s string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "big", "big_endian", "abcd":
		return WordOrderBig, nil
	case "little", "little_endian", "cdab":
		return WordOrderLittle, nil
	default:
		return 0, fmt.Errorf("tagbus: unknown word order %q", s)
	}
}

// Tag is one named point in the register map.
type Tag struct {
	Name      string
	Bank      modbus.Bank
	Address   uint16
	Kind      Kind
	WordOrder WordOrder
}

// Width returns the number of addresses the tag occupies in its bank.
func (t Tag) Width() uint16 {
	if t.Bank.Bits() {
		return 1
	}
	return t.Kind.Width()
}

// Writable reports whether the tag lives in a bank that accepts writes.
func (t Tag) Writable() bool {
	return t.Bank.Writable()
}

// TagDef is the configuration-file form of a tag, decoded from the "tags"
// key of a config file.
type TagDef struct {
	Name      string `mapstructure:"name"`
	Bank      string `mapstructure:"bank"`
	Address   uint16 `mapstructure:"address"`
	Type      string `mapstructure:"type"`
	WordOrder string `mapstructure:"word_order"`
}

// Table is an immutable set of tags, addressable by name. Iteration order
// follows definition order.
type Table struct {
	tags  map[string]Tag
	order []string
}

// NewTable builds a table from tag definitions. It rejects duplicate
// names, type/bank mismatches, and tags whose register spans overlap.
func NewTable(defs []TagDef) (*Table, error) {
	t := &Table{tags: make(map[string]Tag, len(defs))}

	for _, def := range defs {
		tag, err := def.tag()
		if err != nil {
			return nil, err
		}
		if _, exists := t.tags[tag.Name]; exists {
			return nil, fmt.Errorf("tagbus: duplicate tag %q", tag.Name)
		}
		t.tags[tag.Name] = tag
		t.order = append(t.order, tag.Name)
	}

	if err := t.checkOverlap(); err != nil {
		return nil, err
	}
	return t, nil
}

func (d TagDef) tag() (Tag, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return Tag{}, fmt.Errorf("tagbus: tag with empty name")
	}

	bank, err := modbus.ParseBank(d.Bank)
	if err != nil {
		return Tag{}, fmt.Errorf("tagbus: tag %q: %w", name, err)
	}

	kind, err := ParseKind(d.Type)
	if err != nil {
		return Tag{}, fmt.Errorf("tagbus: tag %q: %w", name, err)
	}

	order, err := ParseWordOrder(d.WordOrder)
	if err != nil {
		return Tag{}, fmt.Errorf("tagbus: tag %q: %w", name, err)
	}

	if bank.Bits() != (kind == KindBool) {
		return Tag{}, fmt.Errorf("tagbus: tag %q: type %s cannot live in %s bank", name, kind, bank)
	}

	tag := Tag{Name: name, Bank: bank, Address: d.Address, Kind: kind, WordOrder: order}
	if uint32(tag.Address)+uint32(tag.Width()) > 65536 {
		return Tag{}, fmt.Errorf("tagbus: tag %q: address %d out of range", name, tag.Address)
	}
	return tag, nil
}

// checkOverlap rejects tables where two tags claim the same address in
// the same bank, counting the full register span of 32-bit tags.
func (t *Table) checkOverlap() error {
	type span struct {
		name string
		lo   uint32
		hi   uint32 // exclusive
	}
	banks := make(map[modbus.Bank][]span)

	for _, name := range t.order {
		tag := t.tags[name]
		s := span{name: name, lo: uint32(tag.Address), hi: uint32(tag.Address) + uint32(tag.Width())}
		for _, other := range banks[tag.Bank] {
			if s.lo < other.hi && other.lo < s.hi {
				return fmt.Errorf("tagbus: tags %q and %q overlap in %s bank", other.name, s.name, tag.Bank)
			}
		}
		banks[tag.Bank] = append(banks[tag.Bank], s)
	}
	return nil
}

// Get returns the tag with the given name.
func (t *Table) Get(name string) (Tag, bool) {
	tag, ok := t.tags[name]
	return tag, ok
}

// Names returns the tag names in definition order.
func (t *Table) Names() []string {
	names := make([]string, len(t.order))
	copy(names, t.order)
	return names
}

// Tags returns the tags in definition order.
func (t *Table) Tags() []Tag {
	tags := make([]Tag, 0, len(t.order))
	for _, name := range t.order {
		tags = append(tags, t.tags[name])
	}
	return tags
}

// Len returns the number of tags in the table.
func (t *Table) Len() int {
	return len(t.order)
}

// extent returns the minimal bank length that covers every tag of the
// given bank.
func (t *Table) extent(bank modbus.Bank) int {
	var max uint32
	for _, tag := range t.tags {
		if tag.Bank != bank {
			continue
		}
		if end := uint32(tag.Address) + uint32(tag.Width()); end > max {
			max = end
		}
	}
	return int(max)
}

// DefaultTable returns the drawer-unit tag map used by the examples and
// as the fallback when no configuration defines tags.
func DefaultTable() *Table {
	table, err := NewTable([]TagDef{
		{Name: "ativar", Bank: "coil", Address: 0, Type: "bool"},
		{Name: "entregar", Bank: "coil", Address: 1, Type: "bool"},
		{Name: "gaveta", Bank: "holding", Address: 2, Type: "int16"},
		{Name: "posicao_gaveta", Bank: "holding", Address: 3, Type: "int32"},
	})
	if err != nil {
		panic(err)
	}
	return table
}
