package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport matches every failure of the channel itself, as opposed
	// to failures reported by the worker.
	ErrTransport = errors.New("ipc transport failure")

	// ErrClosed is returned once the client or transport has been closed.
	ErrClosed = errors.New("ipc channel closed")

	// ErrCallInFlight rejects a second concurrent call for one execution id.
	ErrCallInFlight = errors.New("a call is already in flight for this execution")

	// ErrFrameTooLarge rejects frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("ipc frame too large")
)

// TransportError reports that the channel to the worker failed. Once a client
// sees one, every pending and later call fails with it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsTransport reports whether err is a channel failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
