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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/edgeo-scada/tagbus/modbus/internal/transport"
)

// Client is a Modbus TCP client. It owns one TCP session and runs one
// transaction at a time on it. A session that loses its connection is
// re-established transparently: the failed transaction is retried exactly
// once after a single reconnect attempt, and if that also fails the error
// surfaces to the caller.
type Client struct {
	addr   string
	unitID UnitID
	opts   *clientOptions

	transport *transport.TCPTransport
	txIDGen   TransactionIDGenerator

	// sendMu serializes transactions so at most one is in flight.
	sendMu sync.Mutex

	mu      sync.Mutex
	state   ConnectionState
	closed  bool
	metrics *Metrics
	logger  *slog.Logger
}

// NewClient creates a new Modbus TCP client. The client connects lazily on
// the first request; use Connect to establish the session eagerly.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}

	options := defaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		addr:      addr,
		unitID:    options.unitID,
		opts:      options,
		transport: transport.NewTCPTransport(addr, options.timeout),
		state:     StateDisconnected,
		metrics:   NewMetrics(),
		logger:    options.logger,
	}

	return c, nil
}

// Connect establishes a connection to the Modbus server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Debug("connecting", slog.String("addr", c.addr))

	if err := c.transport.Connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.metrics.ActiveConns.Add(1)
	c.mu.Unlock()

	c.logger.Info("connection_established", slog.String("addr", c.addr))

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}

	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.state != StateDisconnected && c.state != StateConnecting
	c.state = StateDisconnected
	if wasConnected {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.logger.Debug("closing connection", slog.String("addr", c.addr))
	err := c.transport.Close()

	if wasConnected && c.opts.onDisconnect != nil {
		c.opts.onDisconnect(nil)
	}
	return err
}

// State returns the current session state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client has an established session.
func (c *Client) IsConnected() bool {
	s := c.State()
	return s == StateIdle || s == StateAwaitingResponse
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// SetUnitID sets the default unit ID for subsequent requests.
func (c *Client) SetUnitID(id UnitID) {
	c.mu.Lock()
	c.unitID = id
	c.mu.Unlock()
}

// UnitID returns the current default unit ID.
func (c *Client) UnitID() UnitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitID
}

// Address returns the server address.
func (c *Client) Address() string {
	return c.addr
}

// send sends a PDU and receives the matching response.
func (c *Client) send(ctx context.Context, pdu []byte) ([]byte, error) {
	c.mu.Lock()
	unitID := c.unitID
	c.mu.Unlock()

	return c.sendWithUnit(ctx, unitID, pdu)
}

func (c *Client) sendWithUnit(ctx context.Context, unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 || len(pdu) > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU size %d", ErrInvalidFrame, len(pdu))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrConnectionClosed
	}

	resp, err := c.attempt(ctx, unitID, pdu)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil || !isRetryableError(err) {
		return nil, classifyError(err)
	}

	// The session tore down on an I/O failure or timeout. Reconnect once
	// and retry the transaction a single time; a reconnect failure or a
	// second transaction failure is final.
	c.logger.Debug("retrying after reconnect",
		slog.String("addr", c.addr),
		slog.String("cause", err.Error()))
	c.metrics.Reconnections.Add(1)

	if cerr := c.Connect(ctx); cerr != nil {
		return nil, cerr
	}

	resp, err = c.attempt(ctx, unitID, pdu)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

// attempt runs a single transaction, connecting first if the session is
// down. Each attempt gets its own deadline so a retry after a timeout is
// not stillborn.
func (c *Client) attempt(ctx context.Context, unitID UnitID, pdu []byte) ([]byte, error) {
	if c.State() == StateDisconnected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	actx := ctx
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	c.setState(StateAwaitingResponse)

	resp, err := c.transact(actx, unitID, pdu)
	if err != nil {
		if sessionError(err) {
			c.teardown(err)
		} else {
			c.setState(StateIdle)
		}
		return nil, err
	}

	c.setState(StateIdle)
	return resp, nil
}

// transact performs one request/response exchange on the wire.
func (c *Client) transact(ctx context.Context, unitID UnitID, pdu []byte) (_ []byte, err error) {
	start := time.Now()
	c.metrics.RequestsTotal.Add(1)

	fm := c.metrics.ForFunction(FunctionCode(pdu[0]))
	fm.Requests.Add(1)
	defer func() {
		if err != nil {
			fm.Errors.Add(1)
		}
	}()

	txID := c.txIDGen.Next()
	frame := Frame{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        unitID,
		},
		PDU: pdu,
	}

	expectedFC := FunctionCode(pdu[0])

	c.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", expectedFC.String()))

	if err := c.transport.Send(ctx, frame.Encode()); err != nil {
		c.metrics.RequestsErrors.Add(1)
		return nil, c.wrapTimeout(err, txID)
	}

	// Read until the response for this transaction arrives. Responses
	// with a different transaction ID belong to abandoned transactions
	// on an earlier incarnation of the session; they are dropped without
	// failing the in-flight request. The deadline bounds the whole wait.
	var respFrame Frame
	for {
		respData, err := c.transport.Receive(ctx)
		if err != nil {
			c.metrics.RequestsErrors.Add(1)
			return nil, c.wrapTimeout(err, txID)
		}

		if err := respFrame.Decode(respData); err != nil {
			c.metrics.RequestsErrors.Add(1)
			return nil, err
		}

		if respFrame.Header.ProtocolID != ProtocolID {
			c.metrics.RequestsErrors.Add(1)
			return nil, fmt.Errorf("%w: protocol ID %d", ErrProtocolMismatch, respFrame.Header.ProtocolID)
		}

		if respFrame.Header.TransactionID != txID {
			c.metrics.StaleResponses.Add(1)
			c.logger.Warn("stale_response_discarded",
				slog.Uint64("got_tx_id", uint64(respFrame.Header.TransactionID)),
				slog.Uint64("want_tx_id", uint64(txID)))
			continue
		}
		break
	}

	if respFrame.Header.UnitID != unitID {
		c.metrics.RequestsErrors.Add(1)
		return nil, fmt.Errorf("%w: unit ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, unitID, respFrame.Header.UnitID)
	}

	if IsExceptionResponse(respFrame.PDU) {
		c.metrics.RequestsErrors.Add(1)
		if mbErr := ParseExceptionResponse(respFrame.PDU); mbErr != nil {
			return nil, mbErr
		}
		return nil, fmt.Errorf("%w: truncated exception response", ErrInvalidResponse)
	}

	if respFC := FunctionCode(respFrame.PDU[0]); respFC != expectedFC {
		c.metrics.RequestsErrors.Add(1)
		if !knownFunction(respFC) {
			return nil, fmt.Errorf("%w: %02X", ErrUnknownFunction, uint8(respFC))
		}
		return nil, fmt.Errorf("%w: function code mismatch (expected %02X, got %02X)",
			ErrInvalidResponse, uint8(expectedFC), respFrame.PDU[0])
	}

	duration := time.Since(start)
	c.metrics.RequestsSuccess.Add(1)
	c.metrics.Latency.Observe(duration)
	fm.Latency.Observe(duration)

	c.logger.Debug("received response",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Duration("duration", duration))

	return respFrame.PDU, nil
}

// wrapTimeout classifies deadline expiry as ErrTimeout and logs it; other
// errors pass through unchanged.
func (c *Client) wrapTimeout(err error, txID uint16) error {
	if isTimeoutError(err) {
		c.logger.Warn("transaction_timeout",
			slog.Uint64("tx_id", uint64(txID)),
			slog.String("addr", c.addr))
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// teardown drops the session after a transaction failure. The socket is
// closed so a late response to the abandoned transaction can never be
// consumed by a later one.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	wasConnected := c.state != StateDisconnected && c.state != StateConnecting
	c.state = StateDisconnected
	if wasConnected {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.transport.Close()

	c.logger.Warn("connection_lost",
		slog.String("addr", c.addr),
		slog.String("error", err.Error()))

	if c.opts.onDisconnect != nil {
		c.opts.onDisconnect(err)
	}
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// sessionError reports whether err invalidates the session. Exception
// responses and semantic mismatches arrive on an intact stream, so the
// connection stays up for those.
func sessionError(err error) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return false
	}
	return !errors.Is(err, ErrInvalidResponse)
}

// isRetryableError reports whether the one-shot reconnect-and-retry applies.
// Only connection-level I/O failures and timeouts qualify; protocol errors
// and cancellations are final.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrConnectionClosed) {
		return false
	}
	if errors.Is(err, ErrInvalidResponse) || errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrTruncated) || errors.Is(err, ErrProtocolMismatch) ||
		errors.Is(err, ErrUnknownFunction) {
		return false
	}
	return true
}

// classifyError maps raw transport errors onto the exported error kinds.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrConnection),
		errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrInvalidFrame), errors.Is(err, ErrTruncated),
		errors.Is(err, ErrProtocolMismatch), errors.Is(err, ErrUnknownFunction):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case isTimeoutError(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ReadCoils reads coils from the server (FC01).
func (c *Client) ReadCoils(ctx context.Context, addr, qty uint16) ([]bool, error) {
	pdu, err := BuildReadCoilsPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	return ParseCoilsResponse(resp, qty)
}

// ReadDiscreteInputs reads discrete inputs from the server (FC02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, qty uint16) ([]bool, error) {
	pdu, err := BuildReadDiscreteInputsPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	return ParseCoilsResponse(resp, qty)
}

// ReadHoldingRegisters reads holding registers from the server (FC03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	pdu, err := BuildReadHoldingRegistersPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(resp, qty)
}

// ReadInputRegisters reads input registers from the server (FC04).
func (c *Client) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	pdu, err := BuildReadInputRegistersPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(resp, qty)
}

// WriteSingleCoil writes a single coil (FC05).
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	pdu := BuildWriteSingleCoilPDU(addr, value)
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return err
	}
	expectedValue := CoilOff
	if value {
		expectedValue = CoilOn
	}
	return ParseWriteResponse(resp, addr, expectedValue)
}

// WriteSingleRegister writes a single register (FC06).
func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	pdu := BuildWriteSingleRegisterPDU(addr, value)
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return err
	}
	return ParseWriteResponse(resp, addr, value)
}

// WriteMultipleCoils writes multiple coils (FC15).
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	if len(values) == 0 {
		return ErrInvalidQuantity
	}
	pdu, err := BuildWriteMultipleCoilsPDU(addr, values)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return err
	}
	return ParseWriteMultipleResponse(resp, addr, uint16(len(values)))
}

// WriteMultipleRegisters writes multiple registers (FC16). The registers are
// carried in one request, so the server applies them as a unit.
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	if len(values) == 0 {
		return ErrInvalidQuantity
	}
	pdu, err := BuildWriteMultipleRegistersPDU(addr, values)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return err
	}
	return ParseWriteMultipleResponse(resp, addr, uint16(len(values)))
}

// ReadCoilsWithUnit reads coils using a specific unit ID.
func (c *Client) ReadCoilsWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error) {
	pdu, err := BuildReadCoilsPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return nil, err
	}
	return ParseCoilsResponse(resp, qty)
}

// ReadDiscreteInputsWithUnit reads discrete inputs using a specific unit ID.
func (c *Client) ReadDiscreteInputsWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]bool, error) {
	pdu, err := BuildReadDiscreteInputsPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return nil, err
	}
	return ParseCoilsResponse(resp, qty)
}

// ReadHoldingRegistersWithUnit reads holding registers using a specific unit ID.
func (c *Client) ReadHoldingRegistersWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error) {
	pdu, err := BuildReadHoldingRegistersPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(resp, qty)
}

// ReadInputRegistersWithUnit reads input registers using a specific unit ID.
func (c *Client) ReadInputRegistersWithUnit(ctx context.Context, unitID UnitID, addr, qty uint16) ([]uint16, error) {
	pdu, err := BuildReadInputRegistersPDU(addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(resp, qty)
}

// WriteSingleCoilWithUnit writes a single coil using a specific unit ID.
func (c *Client) WriteSingleCoilWithUnit(ctx context.Context, unitID UnitID, addr uint16, value bool) error {
	pdu := BuildWriteSingleCoilPDU(addr, value)
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return err
	}
	expectedValue := CoilOff
	if value {
		expectedValue = CoilOn
	}
	return ParseWriteResponse(resp, addr, expectedValue)
}

// WriteSingleRegisterWithUnit writes a single register using a specific unit ID.
func (c *Client) WriteSingleRegisterWithUnit(ctx context.Context, unitID UnitID, addr, value uint16) error {
	pdu := BuildWriteSingleRegisterPDU(addr, value)
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return err
	}
	return ParseWriteResponse(resp, addr, value)
}

// WriteMultipleCoilsWithUnit writes multiple coils using a specific unit ID.
func (c *Client) WriteMultipleCoilsWithUnit(ctx context.Context, unitID UnitID, addr uint16, values []bool) error {
	if len(values) == 0 {
		return ErrInvalidQuantity
	}
	pdu, err := BuildWriteMultipleCoilsPDU(addr, values)
	if err != nil {
		return err
	}
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return err
	}
	return ParseWriteMultipleResponse(resp, addr, uint16(len(values)))
}

// WriteMultipleRegistersWithUnit writes multiple registers using a specific unit ID.
func (c *Client) WriteMultipleRegistersWithUnit(ctx context.Context, unitID UnitID, addr uint16, values []uint16) error {
	if len(values) == 0 {
		return ErrInvalidQuantity
	}
	pdu, err := BuildWriteMultipleRegistersPDU(addr, values)
	if err != nil {
		return err
	}
	resp, err := c.sendWithUnit(ctx, unitID, pdu)
	if err != nil {
		return err
	}
	return ParseWriteMultipleResponse(resp, addr, uint16(len(values)))
}
