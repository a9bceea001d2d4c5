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
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/tagbus/words"
)

// Server is a Modbus TCP server. Each accepted connection is served by its
// own goroutine; requests on one connection are answered in order.
type Server struct {
	handler Handler
	opts    *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	ActiveConns     Counter
	TotalConns      Counter
}

// NewServer creates a new Modbus TCP server.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Server{
		handler: handler,
		opts:    options,
		conns:   make(map[net.Conn]struct{}),
		metrics: &ServerMetrics{},
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeContext starts the server and shuts it down when ctx is
// cancelled.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.Serve(listener)
}

// Serve starts serving connections on the given listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.mu.Unlock()

		// Configure TCP options
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close shuts down the server gracefully.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		s.wg.Done()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
	}()

	s.opts.logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()))

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		// A frame that cannot be decoded leaves the stream position
		// unknown, so the connection is dropped rather than resynced.
		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&s.closed) == 0 {
				// Don't log timeout errors as they're expected for idle connections
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					s.opts.logger.Debug("dropping connection after decode error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		s.metrics.RequestsTotal.Add(1)
		response := s.processRequest(frame)

		// Set write deadline
		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}

		if _, err := conn.Write(response.Encode()); err != nil {
			s.metrics.RequestsErrors.Add(1)
			s.opts.logger.Debug("write error",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}

		s.metrics.RequestsSuccess.Add(1)
	}
}

func (s *Server) processRequest(req *Frame) *Frame {
	resp := &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
	}

	if len(req.PDU) < 1 {
		resp.PDU = s.buildException(0, ExceptionIllegalFunction)
		return resp
	}

	fc := FunctionCode(req.PDU[0])
	unitID := req.Header.UnitID

	s.opts.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	var pdu []byte
	var err error

	switch fc {
	case FuncReadCoils:
		pdu, err = s.handleReadCoils(unitID, req.PDU)
	case FuncReadDiscreteInputs:
		pdu, err = s.handleReadDiscreteInputs(unitID, req.PDU)
	case FuncReadHoldingRegisters:
		pdu, err = s.handleReadHoldingRegisters(unitID, req.PDU)
	case FuncReadInputRegisters:
		pdu, err = s.handleReadInputRegisters(unitID, req.PDU)
	case FuncWriteSingleCoil:
		pdu, err = s.handleWriteSingleCoil(unitID, req.PDU)
	case FuncWriteSingleRegister:
		pdu, err = s.handleWriteSingleRegister(unitID, req.PDU)
	case FuncWriteMultipleCoils:
		pdu, err = s.handleWriteMultipleCoils(unitID, req.PDU)
	case FuncWriteMultipleRegisters:
		pdu, err = s.handleWriteMultipleRegisters(unitID, req.PDU)
	default:
		// Well-formed frame, unsupported function: answer with an
		// exception instead of dropping the connection.
		s.opts.logger.Debug("unsupported function code",
			slog.Uint64("func", uint64(fc)))
		pdu = s.buildException(fc, ExceptionIllegalFunction)
	}

	if err != nil {
		pdu = s.handleError(fc, err)
	}

	if fc.IsWrite() && IsExceptionResponse(pdu) {
		s.opts.logger.Warn("write_rejected",
			slog.String("func", fc.String()),
			slog.String("exception", ExceptionCode(pdu[1]).String()),
			slog.Uint64("unit_id", uint64(unitID)))
	}

	resp.PDU = pdu
	return resp
}

func (s *Server) buildException(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

func (s *Server) handleError(fc FunctionCode, err error) []byte {
	if modbusErr, ok := err.(*ModbusError); ok {
		return s.buildException(fc, modbusErr.ExceptionCode)
	}
	s.opts.logger.Error("handler error",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
	return s.buildException(fc, ExceptionServerDeviceFailure)
}

func (s *Server) handleReadCoils(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return s.buildException(FuncReadCoils, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityCoils {
		return s.buildException(FuncReadCoils, ExceptionIllegalDataValue), nil
	}

	// Check for address overflow
	if uint32(addr)+uint32(qty) > 65536 {
		return s.buildException(FuncReadCoils, ExceptionIllegalDataAddress), nil
	}

	values, err := s.handler.ReadCoils(unitID, addr, qty)
	if err != nil {
		return nil, err
	}

	// Validate handler returned correct number of values
	if uint16(len(values)) != qty {
		return s.buildException(FuncReadCoils, ExceptionServerDeviceFailure), nil
	}

	byteCount := (qty + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(FuncReadCoils)
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp, nil
}

func (s *Server) handleReadDiscreteInputs(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return s.buildException(FuncReadDiscreteInputs, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityDiscreteInputs {
		return s.buildException(FuncReadDiscreteInputs, ExceptionIllegalDataValue), nil
	}

	if uint32(addr)+uint32(qty) > 65536 {
		return s.buildException(FuncReadDiscreteInputs, ExceptionIllegalDataAddress), nil
	}

	values, err := s.handler.ReadDiscreteInputs(unitID, addr, qty)
	if err != nil {
		return nil, err
	}

	if uint16(len(values)) != qty {
		return s.buildException(FuncReadDiscreteInputs, ExceptionServerDeviceFailure), nil
	}

	byteCount := (qty + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(FuncReadDiscreteInputs)
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp, nil
}

func (s *Server) handleReadHoldingRegisters(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return s.buildException(FuncReadHoldingRegisters, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityRegisters {
		return s.buildException(FuncReadHoldingRegisters, ExceptionIllegalDataValue), nil
	}

	if uint32(addr)+uint32(qty) > 65536 {
		return s.buildException(FuncReadHoldingRegisters, ExceptionIllegalDataAddress), nil
	}

	values, err := s.handler.ReadHoldingRegisters(unitID, addr, qty)
	if err != nil {
		return nil, err
	}

	if uint16(len(values)) != qty {
		return s.buildException(FuncReadHoldingRegisters, ExceptionServerDeviceFailure), nil
	}

	byteCount := qty * 2
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(FuncReadHoldingRegisters)
	resp[1] = byte(byteCount)
	copy(resp[2:], words.Pack(values))
	return resp, nil
}

func (s *Server) handleReadInputRegisters(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return s.buildException(FuncReadInputRegisters, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityRegisters {
		return s.buildException(FuncReadInputRegisters, ExceptionIllegalDataValue), nil
	}

	if uint32(addr)+uint32(qty) > 65536 {
		return s.buildException(FuncReadInputRegisters, ExceptionIllegalDataAddress), nil
	}

	values, err := s.handler.ReadInputRegisters(unitID, addr, qty)
	if err != nil {
		return nil, err
	}

	if uint16(len(values)) != qty {
		return s.buildException(FuncReadInputRegisters, ExceptionServerDeviceFailure), nil
	}

	byteCount := qty * 2
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(FuncReadInputRegisters)
	resp[1] = byte(byteCount)
	copy(resp[2:], words.Pack(values))
	return resp, nil
}

func (s *Server) handleWriteSingleCoil(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return s.buildException(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	var boolValue bool
	if value == CoilOn {
		boolValue = true
	} else if value != CoilOff {
		return s.buildException(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}

	if err := s.handler.WriteSingleCoil(unitID, addr, boolValue); err != nil {
		return nil, err
	}

	// Echo request as response (copy to avoid sharing slice)
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteSingleRegister(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return s.buildException(FuncWriteSingleRegister, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if err := s.handler.WriteSingleRegister(unitID, addr, value); err != nil {
		return nil, err
	}

	// Echo request as response (copy to avoid sharing slice)
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteMultipleCoils(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return s.buildException(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if qty < 1 || qty > MaxQuantityCoils {
		return s.buildException(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}

	if uint32(addr)+uint32(qty) > 65536 {
		return s.buildException(FuncWriteMultipleCoils, ExceptionIllegalDataAddress), nil
	}

	expectedBytes := int((qty + 7) / 8)
	if byteCount != expectedBytes || len(pdu) < 6+byteCount {
		return s.buildException(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}

	values := make([]bool, qty)
	for i := uint16(0); i < qty; i++ {
		values[i] = (pdu[6+i/8] & (1 << (i % 8))) != 0
	}

	if err := s.handler.WriteMultipleCoils(unitID, addr, values); err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	resp[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}

func (s *Server) handleWriteMultipleRegisters(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return s.buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if qty < 1 || qty > MaxQuantityWriteRegisters {
		return s.buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}

	if uint32(addr)+uint32(qty) > 65536 {
		return s.buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataAddress), nil
	}

	expectedBytes := int(qty * 2)
	if byteCount != expectedBytes || len(pdu) < 6+byteCount {
		return s.buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}

	values := words.Unpack(pdu[6 : 6+byteCount])

	if err := s.handler.WriteMultipleRegisters(unitID, addr, values); err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	resp[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}

// timeNow is a variable for testing
var timeNow = time.Now
