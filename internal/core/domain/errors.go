package domain

import "errors"

var (
	ErrUnknownSession         = errors.New("unknown session")
	ErrUnknownChannel         = errors.New("unknown channel")
	ErrUnknownCommand         = errors.New("unknown command")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrInvalidParameters      = errors.New("invalid parameters")
	ErrTimeout                = errors.New("timeout")
	ErrTransportFailure       = errors.New("transport failure")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
)
