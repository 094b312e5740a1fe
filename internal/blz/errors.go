package blz

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptFrame marks frames with bad delimiters, stuffing or CRC.
	ErrCorruptFrame = errors.New("blz: corrupt frame")
	// ErrUnknownCommand is returned for ids or names outside the command table.
	ErrUnknownCommand = errors.New("blz: unknown command")
	// ErrSchemaMismatch is returned when values do not fit a descriptor.
	ErrSchemaMismatch = errors.New("blz: schema mismatch")
	// ErrTruncatedPayload is returned when a payload ends before its last field.
	ErrTruncatedPayload = errors.New("blz: truncated payload")
)

// CorruptFrameError describes why a frame was rejected.
type CorruptFrameError struct {
	Reason string
	Raw    []byte
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("blz: corrupt frame: %s", e.Reason)
}

func (e *CorruptFrameError) Unwrap() error { return ErrCorruptFrame }

func corrupt(raw []byte, format string, args ...any) error {
	return &CorruptFrameError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// StatusError is returned when the device answers with a non-success status.
type StatusError struct {
	Command CommandID
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blz: %s: status %s", e.Command, e.Status)
}
