package ir

import (
	"errors"
)

var (
	errInternal = errors.New("internal error")

	ErrParse       = errors.New("parse error")
	ErrInvalidPath = errors.New("invalid path")
	ErrInvalidKey  = errors.New("invalid key")
)
