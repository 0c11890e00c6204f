package hardware

import (
	"errors"
)

var (
	ErrNotConnected   = errors.New("camera not connected")
	ErrNotInitialized = errors.New("turntable not initialized")
	ErrDevice         = errors.New("device error")
)

// Error is returned by every Camera and Turntable operation. Err wraps one of
// ErrNotConnected, ErrNotInitialized, ErrDevice or a transport error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
