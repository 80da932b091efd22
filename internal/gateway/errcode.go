// internal/gateway/errcode.go
package gateway

import (
	"errors"
	"syscall"

	"github.com/goburrow/modbus"
)

// ErrorCode extracts a best-effort uint16 code from an error without assuming concrete types.
// Modbus exceptions give their exception code, socket failures their errno.
// If the error does not expose a code, returns 1 (generic error).
func ErrorCode(err error) uint16 {
	if err == nil {
		return 0
	}

	var me *modbus.ModbusError
	if errors.As(err, &me) {
		return uint16(me.ExceptionCode)
	}

	type coderA interface{ Code() uint16 }
	type coderB interface{ ErrorCode() uint16 }

	var a coderA
	if errors.As(err, &a) {
		return a.Code()
	}
	var b coderB
	if errors.As(err, &b) {
		return b.ErrorCode()
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 && errno <= 0xFFFF {
		return uint16(errno)
	}

	return 1
}
