package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventType is reported for events whose type is outside the taxonomy.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrEmptyInput is returned when a turn is requested with blank text.
	ErrEmptyInput = errors.New("empty input")
	// ErrNoFile is returned when an upload is requested without a file.
	ErrNoFile = errors.New("no file provided")
	// ErrUploadUnsupported is returned by backends that have no single-shot upload call.
	ErrUploadUnsupported = errors.New("upload is not supported by this backend")
)

// TransportError is a connection or HTTP failure before or during streaming.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status code %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed or unrecognized event payload. It is logged and skipped, never fatal.
type ProtocolError struct {
	EventType string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on event %q: %v", e.EventType, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
