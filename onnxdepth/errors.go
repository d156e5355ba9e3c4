package onnxdepth

import "errors"

var (
	// ErrCGORequired is returned when depth estimation is attempted without CGO support.
	ErrCGORequired = errors.New("onnxdepth requires CGO support; rebuild with CGO_ENABLED=1")
	ErrClosed      = errors.New("onnxdepth: provider is closed")
)
