package model

import (
	"errors"
	"fmt"
)

// ErrUnknownType is matched by every *UnknownTypeError.
var ErrUnknownType = errors.New("unknown type")

// ErrNotSupported is returned by Resource methods that make no sense for the
// underlying object, such as opening a byte stream on a mailbox folder.
var ErrNotSupported = errors.New("operation not supported by resource")

// UnknownTypeError is returned when a serialised Source or Handle carries a
// type label that no package has registered.
type UnknownTypeError struct{ Label string }

func (e *UnknownTypeError) Error() string { return fmt.Sprintf("Unknown scheme '%s'", e.Label) }

func (e *UnknownTypeError) Is(target error) bool { return target == ErrUnknownType }

// DeserialisationError is returned when a required property of a serialised
// object is missing or nonsensical.
type DeserialisationError struct {
	Kind  string
	Field string
	Err   error
}

func (e *DeserialisationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deserialising %s: field %q: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("deserialising %s: missing or invalid field %q", e.Kind, e.Field)
}

func (e *DeserialisationError) Unwrap() error { return e.Err }

// HandleError reports a failure tied to one Handle during exploration. It does
// not end the exploration of the surrounding Source.
type HandleError struct {
	Handle Handle
	Err    error
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("exploring %s: %v", e.Handle.RelativePath(), e.Err)
}

func (e *HandleError) Unwrap() error { return e.Err }
