package protocol

import (
	"errors"
	"fmt"
)

// errors for parsing and response building
var (
	ErrInvalid   = errors.New("invalid request")
	ErrInternal  = errors.New("unreachable parser state")
	ErrWriteFull = errors.New("write buffer full")

	// request can never complete inside the read buffer
	ErrTooLarge = fmt.Errorf("%w: request does not fit read buffer", ErrInvalid)
)
