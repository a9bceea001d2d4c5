package modbus

import (
	"errors"
	"fmt"
	"testing"
)

func TestExceptionCodeString(t *testing.T) {
	tests := []struct {
		code     ExceptionCode
		expected string
	}{
		{ExceptionIllegalFunction, "illegal function"},
		{ExceptionIllegalDataAddress, "illegal data address"},
		{ExceptionIllegalDataValue, "illegal data value"},
		{ExceptionServerDeviceFailure, "server device failure"},
		{ExceptionAcknowledge, "acknowledge"},
		{ExceptionServerDeviceBusy, "server device busy"},
		{ExceptionMemoryParityError, "memory parity error"},
		{ExceptionGatewayPathUnavailable, "gateway path unavailable"},
		{ExceptionGatewayTargetDeviceFailedToRespond, "gateway target device failed to respond"},
		{ExceptionCode(0xFF), "unknown exception (0xFF)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.code.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.code.String())
			}
		})
	}
}

func TestModbusError(t *testing.T) {
	err := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)

	if err.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("FunctionCode: expected %d, got %d", FuncReadHoldingRegisters, err.FunctionCode)
	}
	if err.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode: expected %d, got %d", ExceptionIllegalDataAddress, err.ExceptionCode)
	}

	want := "modbus: exception illegal data address (FC=03)"
	if err.Error() != want {
		t.Errorf("Error(): expected %q, got %q", want, err.Error())
	}

	busy := NewModbusError(FuncWriteMultipleRegisters, ExceptionServerDeviceBusy)
	want = "modbus: exception server device busy (FC=10)"
	if busy.Error() != want {
		t.Errorf("Error(): expected %q, got %q", want, busy.Error())
	}
}

func TestModbusError_Is(t *testing.T) {
	err1 := NewModbusError(FuncReadCoils, ExceptionIllegalFunction)
	err2 := NewModbusError(FuncWriteSingleCoil, ExceptionIllegalFunction)
	err3 := NewModbusError(FuncReadCoils, ExceptionIllegalDataAddress)

	// Matching is by exception code; the function code only records which
	// request triggered it.
	if !errors.Is(err1, err2) {
		t.Error("errors with the same exception code should match")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different exception codes should not match")
	}
}

func TestIsException(t *testing.T) {
	err := NewModbusError(FuncReadCoils, ExceptionIllegalFunction)

	if !IsException(err, ExceptionIllegalFunction) {
		t.Error("IsException should match the exception code")
	}
	if IsException(err, ExceptionIllegalDataAddress) {
		t.Error("IsException should reject a different exception code")
	}
	if !IsException(fmt.Errorf("read tag: %w", err), ExceptionIllegalFunction) {
		t.Error("IsException should see through wrapping")
	}
	if IsException(errors.New("other error"), ExceptionIllegalFunction) {
		t.Error("IsException should reject non-Modbus errors")
	}
}

func TestExceptionPredicates(t *testing.T) {
	illegalFn := NewModbusError(FuncReadCoils, ExceptionIllegalFunction)
	illegalAddr := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	illegalVal := NewModbusError(FuncWriteSingleRegister, ExceptionIllegalDataValue)
	deviceFail := NewModbusError(FuncReadCoils, ExceptionServerDeviceFailure)

	tests := []struct {
		name string
		pred func(error) bool
		err  error
		want bool
	}{
		{"illegal function", IsIllegalFunction, illegalFn, true},
		{"illegal function mismatch", IsIllegalFunction, illegalAddr, false},
		{"illegal data address", IsIllegalDataAddress, illegalAddr, true},
		{"illegal data address wrapped", IsIllegalDataAddress, fmt.Errorf("read: %w", illegalAddr), true},
		{"illegal data value", IsIllegalDataValue, illegalVal, true},
		{"server device failure", IsServerDeviceFailure, deviceFail, true},
		{"plain error", IsServerDeviceFailure, errors.New("boom"), false},
		{"nil error", IsIllegalFunction, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSentinelWrapping(t *testing.T) {
	for _, sentinel := range []error{ErrTruncated, ErrProtocolMismatch, ErrUnknownFunction} {
		wrapped := fmt.Errorf("decode frame: %w", sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("wrapped %v should match its sentinel", sentinel)
		}
	}

	if errors.Is(fmt.Errorf("decode frame: %w", ErrTruncated), ErrProtocolMismatch) {
		t.Error("ErrTruncated should not match ErrProtocolMismatch")
	}
	if errors.Is(NewModbusError(FuncReadCoils, ExceptionIllegalFunction), ErrInvalidResponse) {
		t.Error("an exception response should not match ErrInvalidResponse")
	}
}
