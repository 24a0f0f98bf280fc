package types

import (
	"errors"
	"fmt"
)

// Kind classifies automation failures.
type Kind string

const (
	KindTransport   Kind = "transport"   // channel to the worker failed
	KindStartup     Kind = "startup"     // browser could not be launched
	KindNavigation  Kind = "navigation"  // page could not be loaded
	KindInteraction Kind = "interaction" // an interaction step failed
	KindOutput      Kind = "output"      // output capture failed
	KindCleanup     Kind = "cleanup"     // page or browser close failed
	KindAccounting  Kind = "accounting"  // usage report failed
	KindNoSession   Kind = "no_session"  // no live session for the execution id
	KindBusy        Kind = "busy"        // an exec is already running for the execution id
	KindConflict    Kind = "conflict"    // launch options differ from the live session
	KindInvalid     Kind = "invalid"     // malformed request
)

// AutomationError is the error type returned by the worker and propagated
// to callers.
type AutomationError struct {
	Kind       Kind
	Message    string
	URL        string
	StatusCode int
	Headers    map[string]string
	Err        error
}

// NewError creates an AutomationError of the given kind.
func NewError(kind Kind, format string, args ...interface{}) *AutomationError {
	return &AutomationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err as an AutomationError of the given kind.
func WrapError(kind Kind, err error, message string) *AutomationError {
	return &AutomationError{Kind: kind, Message: message, Err: err}
}

func (e *AutomationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.URL != "" {
		return fmt.Sprintf("%s error (%s): %s", e.Kind, e.URL, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *AutomationError) Unwrap() error {
	return e.Err
}

// Record converts the error into the record returned under continue-on-fail.
func (e *AutomationError) Record() *ErrorRecord {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return &ErrorRecord{
		Error:      msg,
		URL:        e.URL,
		StatusCode: e.StatusCode,
		Headers:    e.Headers,
	}
}

// KindOf returns the Kind of err, or the empty Kind when err is not an
// AutomationError.
func KindOf(err error) Kind {
	var ae *AutomationError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsExecution reports whether err is a failure of the automation itself
// (navigation, interaction or output), which continue-on-fail may recover.
func IsExecution(err error) bool {
	switch KindOf(err) {
	case KindNavigation, KindInteraction, KindOutput:
		return true
	}
	return false
}
