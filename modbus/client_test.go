package modbus

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer runs a Modbus server over a fresh RegisterStore and
// returns its address. The server is shut down when the test ends.
func startTestServer(t *testing.T) (string, *RegisterStore, *Server) {
	t.Helper()

	store := NewRegisterStore(1024, 1024)
	server := NewServer(store)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	return listener.Addr().String(), store, server
}

// startRawServer runs fn once per accepted connection. It exists for tests
// that need to misbehave in ways a real server never would.
func startRawServer(t *testing.T, fn func(conn net.Conn)) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fn(conn)
			}()
		}
	}()

	return listener.Addr().String()
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("localhost:502")
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, client.IsConnected())
	assert.Equal(t, "localhost:502", client.Address())
	assert.Equal(t, UnitID(1), client.UnitID())

	_, err = NewClient("")
	assert.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	client, err := NewClient("localhost:502",
		WithUnitID(5),
		WithTimeout(10*time.Second))
	require.NoError(t, err)

	assert.Equal(t, UnitID(5), client.UnitID())
	assert.Equal(t, 10*time.Second, client.opts.timeout)
}

func TestClientSetUnitID(t *testing.T) {
	client, err := NewClient("localhost:502")
	require.NoError(t, err)

	client.SetUnitID(32)
	assert.Equal(t, UnitID(32), client.UnitID())
}

func TestClientConnectError(t *testing.T) {
	// Grab a port that nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	client, err := NewClient(addr)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientClosedRejects(t *testing.T) {
	client, err := NewClient("localhost:502")
	require.NoError(t, err)
	require.NoError(t, client.Close())

	ctx := context.Background()
	assert.ErrorIs(t, client.Connect(ctx), ErrConnectionClosed)

	_, err = client.ReadCoils(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// Double close is safe.
	require.NoError(t, client.Close())
}

func TestClientMetricsInitial(t *testing.T) {
	client, err := NewClient("localhost:502")
	require.NoError(t, err)

	collected := client.Metrics().Collect()
	assert.Equal(t, int64(0), collected["requests_total"])
	assert.Contains(t, collected, "stale_responses")
	assert.Contains(t, collected, "reconnections")

	_, hasFuncs := collected["functions"]
	assert.False(t, hasFuncs)
}

func TestClientIntegration(t *testing.T) {
	addr, store, _ := startTestServer(t)
	store.SetCoil(0, true)
	store.SetCoil(2, true)
	store.SetDiscreteInput(1, true)
	store.SetHoldingRegister(0, 1234)
	store.SetHoldingRegister(1, 5678)
	store.SetInputRegister(3, 0xBEEF)

	client, err := NewClient(addr, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	t.Run("read coils", func(t *testing.T) {
		coils, err := client.ReadCoils(ctx, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, false, true}, coils)
	})

	t.Run("read discrete inputs", func(t *testing.T) {
		inputs, err := client.ReadDiscreteInputs(ctx, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, []bool{false, true}, inputs)
	})

	t.Run("read holding registers", func(t *testing.T) {
		regs, err := client.ReadHoldingRegisters(ctx, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, []uint16{1234, 5678}, regs)
	})

	t.Run("read input registers", func(t *testing.T) {
		regs, err := client.ReadInputRegisters(ctx, 3, 1)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0xBEEF}, regs)
	})

	t.Run("write single coil", func(t *testing.T) {
		require.NoError(t, client.WriteSingleCoil(ctx, 10, true))
		coils, err := client.ReadCoils(ctx, 10, 1)
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, coils)
	})

	t.Run("write single register", func(t *testing.T) {
		require.NoError(t, client.WriteSingleRegister(ctx, 20, 0xABCD))
		regs, err := client.ReadHoldingRegisters(ctx, 20, 1)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0xABCD}, regs)
	})

	t.Run("write multiple coils", func(t *testing.T) {
		pattern := []bool{true, false, true, true, false, false, true, true, true, false}
		require.NoError(t, client.WriteMultipleCoils(ctx, 30, pattern))
		coils, err := client.ReadCoils(ctx, 30, uint16(len(pattern)))
		require.NoError(t, err)
		assert.Equal(t, pattern, coils)
	})

	t.Run("write multiple registers", func(t *testing.T) {
		values := []uint16{0x000A, 0x0102, 0xFFFF}
		require.NoError(t, client.WriteMultipleRegisters(ctx, 40, values))
		regs, err := client.ReadHoldingRegisters(ctx, 40, uint16(len(values)))
		require.NoError(t, err)
		assert.Equal(t, values, regs)
	})

	t.Run("explicit unit id", func(t *testing.T) {
		// The store serves any unit, and the server echoes it back.
		regs, err := client.ReadHoldingRegistersWithUnit(ctx, 7, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, []uint16{1234, 5678}, regs)
	})

	assert.True(t, client.IsConnected())
	assert.Equal(t, int64(0), client.Metrics().RequestsErrors.Value())
	assert.Greater(t, client.Metrics().RequestsSuccess.Value(), int64(0))
}

func TestClientLazyConnect(t *testing.T) {
	addr, store, _ := startTestServer(t)
	store.SetHoldingRegister(0, 42)

	client, err := NewClient(addr)
	require.NoError(t, err)
	defer client.Close()

	assert.False(t, client.IsConnected())

	regs, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, regs)
	assert.True(t, client.IsConnected())
}

func TestClientExceptionKeepsSession(t *testing.T) {
	addr, store, server := startTestServer(t)
	store.SetHoldingRegister(0, 42)

	client, err := NewClient(addr, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	// The store is 1024 registers, so this read misses the bank.
	_, err = client.ReadHoldingRegisters(ctx, 2000, 1)
	require.Error(t, err)
	assert.True(t, IsIllegalDataAddress(err))

	var mbErr *ModbusError
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, FuncReadHoldingRegisters, mbErr.FunctionCode)

	// An exception response arrives on an intact stream.
	assert.Equal(t, StateIdle, client.State())

	regs, err := client.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, regs)

	assert.Equal(t, int64(0), client.Metrics().Reconnections.Value())
	assert.Equal(t, int64(1), server.Metrics().TotalConns.Value())
}

func TestClientTimeout(t *testing.T) {
	// Accept connections and read requests, but never reply.
	addr := startRawServer(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	client, err := NewClient(addr, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	start := time.Now()
	_, err = client.ReadCoils(ctx, 0, 1)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, int64(1), client.Metrics().Reconnections.Value())

	// Both the original attempt and the retry get a full deadline each.
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestClientStaleResponseDiscarded(t *testing.T) {
	// Answer every request with a frame for some other transaction first.
	addr := startRawServer(t, func(conn net.Conn) {
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return
			}
			stale := Frame{
				Header: MBAPHeader{
					TransactionID: frame.Header.TransactionID + 100,
					ProtocolID:    ProtocolID,
					UnitID:        frame.Header.UnitID,
				},
				PDU: []byte{0x01, 0x01, 0x00},
			}
			good := Frame{
				Header: MBAPHeader{
					TransactionID: frame.Header.TransactionID,
					ProtocolID:    ProtocolID,
					UnitID:        frame.Header.UnitID,
				},
				PDU: []byte{0x01, 0x01, 0x01},
			}
			conn.Write(stale.Encode())
			conn.Write(good.Encode())
		}
	})

	client, err := NewClient(addr, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer client.Close()

	coils, err := client.ReadCoils(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, coils)
	assert.Equal(t, int64(1), client.Metrics().StaleResponses.Value())
	assert.Equal(t, int64(1), client.Metrics().RequestsSuccess.Value())
}

func TestClientReconnectRetry(t *testing.T) {
	var conns int32
	addr := startRawServer(t, func(conn net.Conn) {
		if atomic.AddInt32(&conns, 1) == 1 {
			// Read the request, then drop the connection mid-transaction.
			ReadFrame(conn)
			return
		}
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return
			}
			resp := Frame{
				Header: MBAPHeader{
					TransactionID: frame.Header.TransactionID,
					ProtocolID:    ProtocolID,
					UnitID:        frame.Header.UnitID,
				},
				PDU: []byte{0x03, 0x02, 0x00, 0x2A},
			}
			conn.Write(resp.Encode())
		}
	})

	lostErrs := make(chan error, 4)
	client, err := NewClient(addr,
		WithTimeout(2*time.Second),
		WithOnDisconnect(func(err error) { lostErrs <- err }))
	require.NoError(t, err)
	defer client.Close()

	regs, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, regs)

	m := client.Metrics()
	assert.Equal(t, int64(1), m.Reconnections.Value())
	assert.Equal(t, int64(2), m.RequestsTotal.Value())
	assert.Equal(t, int64(1), m.RequestsErrors.Value())
	assert.Equal(t, int64(1), m.RequestsSuccess.Value())

	// The dropped session reported a cause.
	select {
	case err := <-lostErrs:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("onDisconnect not called for lost connection")
	}
}

func TestClientUnitMismatchKeepsSession(t *testing.T) {
	var replies int32
	addr := startRawServer(t, func(conn net.Conn) {
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return
			}
			unit := frame.Header.UnitID
			if atomic.AddInt32(&replies, 1) == 1 {
				unit++
			}
			resp := Frame{
				Header: MBAPHeader{
					TransactionID: frame.Header.TransactionID,
					ProtocolID:    ProtocolID,
					UnitID:        unit,
				},
				PDU: []byte{0x03, 0x02, 0x00, 0x2A},
			}
			conn.Write(resp.Encode())
		}
	})

	client, err := NewClient(addr, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	_, err = client.ReadHoldingRegisters(ctx, 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, StateIdle, client.State())

	// The next transaction runs on the same connection.
	regs, err := client.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, regs)
	assert.Equal(t, int64(0), client.Metrics().Reconnections.Value())
}

func TestClientCallbacks(t *testing.T) {
	addr, _, _ := startTestServer(t)

	connected := make(chan struct{}, 1)
	disconnected := make(chan error, 1)
	client, err := NewClient(addr,
		WithOnConnect(func() { connected <- struct{}{} }),
		WithOnDisconnect(func(err error) { disconnected <- err }))
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("onConnect not called")
	}

	require.NoError(t, client.Close())
	select {
	case err := <-disconnected:
		// A deliberate close reports no error.
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("onDisconnect not called")
	}
}
