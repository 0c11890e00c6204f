package model

import (
	"errors"
)

var (
	ErrUnsafePath   = errors.New("unsafe path segment")
	ErrInvalidValue = errors.New("invalid value")
)
