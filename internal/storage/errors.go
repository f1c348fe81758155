package storage

import "errors"

var (
	// ErrConfiguration indicates a memory was constructed with an unsupported bound.
	ErrConfiguration = errors.New("invalid memory configuration")
	// ErrInsufficientTransitions indicates a distinct batch larger than the memory was requested.
	ErrInsufficientTransitions = errors.New("not enough transitions to sample")
	// ErrEmptyMemory indicates an operation that needs at least one stored transition.
	ErrEmptyMemory = errors.New("memory is empty")
	// ErrInvalidArgument indicates a malformed argument such as a negative batch size.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCorruptSnapshot indicates snapshot bytes could not be decoded.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)
