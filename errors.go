package ecsviewer

import (
	"errors"
	"fmt"
)

// ErrMalformedSnapshot is returned when a delivered snapshot fails structural
// validation. The snapshot is dropped and the previous state stays current.
type ErrMalformedSnapshot struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ErrMalformedSnapshot) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ecsviewer: malformed snapshot: %s: %s: %v", e.Field, e.Reason, e.Cause)
	}
	return fmt.Sprintf("ecsviewer: malformed snapshot: %s: %s", e.Field, e.Reason)
}

func (e *ErrMalformedSnapshot) Unwrap() error { return e.Cause }

func malformed(field, reason string) error {
	return &ErrMalformedSnapshot{Field: field, Reason: reason}
}

// IsMalformed reports whether err is (or wraps) an ErrMalformedSnapshot.
func IsMalformed(err error) bool {
	var m *ErrMalformedSnapshot
	return errors.As(err, &m)
}

// ErrInvalidOption describes a configuration value that was replaced by its
// default during Normalize.
type ErrInvalidOption struct {
	Option string
	Value  any
	Used   any
}

func (e *ErrInvalidOption) Error() string {
	return fmt.Sprintf("ecsviewer: invalid option %s=%v, using %v", e.Option, e.Value, e.Used)
}

// ErrOutOfOrderSample is returned by SampleBuffer.Append when the timestamp
// is older than the newest retained sample.
var ErrOutOfOrderSample = errors.New("ecsviewer: sample timestamp is older than the newest sample")

var errNoSnapshot = errors.New("ecsviewer: no snapshot processed yet")
