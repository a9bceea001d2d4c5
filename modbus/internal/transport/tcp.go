package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Transport-level errors.
var (
	// ErrNotConnected indicates there is no open connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrFrameLength indicates a response frame declared a length outside 2..254.
	ErrFrameLength = errors.New("transport: frame length out of range")
)

// aLongTimeAgo is a non-zero past time used to force pending reads to fail.
var aLongTimeAgo = time.Unix(1, 0)

// TCPTransport implements a TCP transport for Modbus TCP.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport(addr string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
	}
}

// Connect establishes a TCP connection.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil // Already connected
	}

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second, // Enable TCP keep-alive for industrial reliability
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}

	// Configure TCP options for industrial use
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true) // Disable Nagle's algorithm for low latency
	}

	t.conn = conn
	return nil
}

// Close closes the TCP connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected returns true if the transport is connected.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes a complete request frame. The connection is closed on any
// write error so the next transaction starts from a clean socket.
func (t *TCPTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	written := 0
	for written < len(data) {
		n, err := t.conn.Write(data[written:])
		if err != nil {
			t.closeConnLocked()
			return fmt.Errorf("write: %w", err)
		}
		written += n
	}
	return nil
}

// Receive reads one complete response frame (MBAP header plus PDU) and
// returns its raw bytes. Header fields beyond the length are left for the
// caller to validate. Cancelling ctx interrupts a pending read; any read
// error closes the connection.
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := t.conn.SetReadDeadline(t.deadline(ctx)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	conn := t.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	// Read MBAP header (7 bytes)
	header := make([]byte, 7)
	if err := t.readFullLocked(header); err != nil {
		t.closeConnLocked()
		return nil, fmt.Errorf("read header: %w", err)
	}

	// Parse length from header (bytes 4-5)
	length := int(header[4])<<8 | int(header[5])
	if length < 2 || length > 254 {
		t.closeConnLocked()
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, length)
	}

	// Read PDU (length - 1 for unit ID which is in the header)
	pduLen := length - 1
	response := make([]byte, 7+pduLen)
	copy(response, header)
	if err := t.readFullLocked(response[7:]); err != nil {
		t.closeConnLocked()
		return nil, fmt.Errorf("read pdu: %w", err)
	}

	return response, nil
}

// deadline resolves the transaction deadline from the context, falling back
// to the configured timeout.
func (t *TCPTransport) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(t.timeout)
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (t *TCPTransport) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// readFullLocked reads exactly len(buf) bytes.
// Must be called with mu held.
func (t *TCPTransport) readFullLocked(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := t.conn.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}
