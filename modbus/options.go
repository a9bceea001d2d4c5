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
	"io"
	"log/slog"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clientOptions holds configuration for a Client.
type clientOptions struct {
	unitID       UnitID
	timeout      time.Duration
	logger       *slog.Logger
	onConnect    func()
	onDisconnect func(error)
}

func defaultClientOptions() *clientOptions {
	return &clientOptions{
		unitID:  1,
		timeout: DefaultTimeout,
		logger:  discardLogger(),
	}
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithUnitID sets the default unit identifier for requests.
func WithUnitID(id UnitID) ClientOption {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout sets the per-attempt response timeout. A transaction that is
// retried after a reconnect gets a fresh timeout for the second attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOnConnect sets a callback invoked after a connection is established.
func WithOnConnect(fn func()) ClientOption {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback invoked when the connection is lost.
// The error that caused the disconnect is passed to the callback; it is
// nil when the client was closed deliberately.
func WithOnDisconnect(fn func(error)) ClientOption {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// serverOptions holds configuration for a Server.
type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	readTimeout time.Duration
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      discardLogger(),
		maxConns:    100,
		readTimeout: 30 * time.Second,
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithReadTimeout sets the per-connection read timeout. Connections idle
// for longer than this are dropped. Zero disables the timeout.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// poolOptions holds configuration for a Pool.
type poolOptions struct {
	size        int
	maxIdleTime time.Duration
	clientOpts  []ClientOption
}

func defaultPoolOptions() *poolOptions {
	return &poolOptions{
		size:        5,
		maxIdleTime: 5 * time.Minute,
	}
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

// WithPoolSize sets the maximum number of clients in the pool.
func WithPoolSize(n int) PoolOption {
	return func(o *poolOptions) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithMaxIdleTime sets how long an idle pooled client is kept before it is
// closed on the next Get. Zero disables idle pruning.
func WithMaxIdleTime(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.maxIdleTime = d
	}
}

// WithClientOptions sets the options applied to every client the pool
// creates.
func WithClientOptions(opts ...ClientOption) PoolOption {
	return func(o *poolOptions) {
		o.clientOpts = opts
	}
}
