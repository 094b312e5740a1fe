package ncp

import (
	"errors"
	"fmt"

	"blz-host/internal/blz"
)

var (
	// ErrNotConnected is returned when no transport is open.
	ErrNotConnected = errors.New("ncp: not connected")
	// ErrTransportLost is passed to OnClose handlers when the port drops.
	ErrTransportLost = errors.New("ncp: transport lost")
)

// TransportWriteError is returned when a request could not be written. The
// queue keeps serving later requests.
type TransportWriteError struct {
	Command blz.CommandID
	Err     error
}

func (e *TransportWriteError) Error() string {
	return fmt.Sprintf("ncp: write %s: %v", e.Command, e.Err)
}

func (e *TransportWriteError) Unwrap() error { return e.Err }
