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
	"io"
	"log/slog"
	"time"

	"github.com/edgeo-scada/tagbus/modbus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	clientOpts []modbus.ClientOption
}

func defaultOptions() *options {
	return &options{logger: discardLogger()}
}

// WithLogger sets the logger for the client and the underlying connection.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
			o.clientOpts = append(o.clientOpts, modbus.WithLogger(logger))
		}
	}
}

// WithUnitID sets the unit identifier used for all requests.
func WithUnitID(id modbus.UnitID) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, modbus.WithUnitID(id))
	}
}

// WithTimeout sets the per-attempt response timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, modbus.WithTimeout(d))
	}
}

// WithClientOptions passes options through to the underlying Modbus client.
func WithClientOptions(opts ...modbus.ClientOption) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// EmulatorOption configures an Emulator.
type EmulatorOption func(*emulatorOptions)

type emulatorOptions struct {
	logger     *slog.Logger
	bankSize   int
	onWrite    func(name string, value Value)
	serverOpts []modbus.ServerOption
}

func defaultEmulatorOptions() *emulatorOptions {
	return &emulatorOptions{
		logger:   discardLogger(),
		bankSize: 100,
	}
}

// WithEmulatorLogger sets the logger for the emulator and its server.
func WithEmulatorLogger(logger *slog.Logger) EmulatorOption {
	return func(o *emulatorOptions) {
		if logger != nil {
			o.logger = logger
			o.serverOpts = append(o.serverOpts, modbus.WithServerLogger(logger))
		}
	}
}

// WithBankSize sets the minimum number of addresses allocated per bank.
// Banks grow beyond this when the tag table needs more room.
func WithBankSize(n int) EmulatorOption {
	return func(o *emulatorOptions) {
		if n > 0 {
			o.bankSize = n
		}
	}
}

// WithOnWrite sets a callback invoked whenever a client write lands on a
// tag. The callback sees the tag's value after the write.
func WithOnWrite(fn func(name string, value Value)) EmulatorOption {
	return func(o *emulatorOptions) {
		o.onWrite = fn
	}
}

// WithServerOptions passes options through to the underlying Modbus server.
func WithServerOptions(opts ...modbus.ServerOption) EmulatorOption {
	return func(o *emulatorOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}
