package status

import (
	"errors"
	"fmt"
)

const (
	// NotFound indicates that the object wasn't found in the catalog
	NotFound Type = 1

	// Internal indicates some generic internal error
	Internal Type = 2

	// InvalidArgument indicates some generic invalid argument error
	InvalidArgument Type = 3

	// AlreadyStarted indicates that a single-use loader was started a second time
	AlreadyStarted Type = 4

	// Transport indicates a manifest or asset transfer failure
	Transport Type = 5
)

// Type is a type of the Error
type Type int32

// Error is an internal error
type Error struct {
	ErrorType Type
	Message   string
}

// Type returns the Type of the error
func (e *Error) Type() Type {
	return e.ErrorType
}

// Error is an error string
func (e *Error) Error() string {
	return e.Message
}

// Errorf returns Error(ErrorType, fmt.Sprintf(format, a...)).
func Errorf(errorType Type, format string, a ...interface{}) error {
	return &Error{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, a...),
	}
}

// FromError returns Error, true if the provided error is of type of Error. nil, false otherwise
func FromError(err error) (s *Error, ok bool) {
	if err == nil {
		return nil, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// NewUpdateNotFoundError creates a new Error with NotFound type for a missing update
func NewUpdateNotFoundError(updateID string) error {
	return Errorf(NotFound, "update: %s not found", updateID)
}

// NewAssetNotFoundError creates a new Error with NotFound type for a missing asset
func NewAssetNotFoundError(key string) error {
	return Errorf(NotFound, "asset: %s not found", key)
}
