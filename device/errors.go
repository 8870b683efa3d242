package device

import (
	"errors"
	"fmt"
)

// Rejected-command kinds. Every error returned by the register protocol and
// the completion channels wraps exactly one of these.
var (
	ErrBusy               = errors.New("device busy")
	ErrUnreadableRegister = errors.New("unreadable register")
	ErrInvalidRegister    = errors.New("invalid register")
	ErrInvalidOpcode      = errors.New("invalid opcode")
	ErrInvalidShape       = errors.New("invalid shape")
	ErrUnexpectedTransfer = errors.New("unexpected transfer completion")
	ErrTransferAborted    = errors.New("transfer aborted")
	ErrDoubleRelease      = errors.New("buffers already released")
)

// RegisterError describes a rejected register access.
type RegisterError struct {
	Op    string // "read" or "write"
	Index Register
	Value uint64
	Err   error
}

func (e *RegisterError) Error() string {
	if e.Op == "write" {
		return fmt.Sprintf("write %#x -> %s: %v", e.Value, e.Index, e.Err)
	}
	return fmt.Sprintf("read %s: %v", e.Index, e.Err)
}

func (e *RegisterError) Unwrap() error {
	return e.Err
}
