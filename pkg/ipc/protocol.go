// Package ipc carries launch, exec and check commands between the caller
// process and the automation worker.
//
// Every request is an Envelope with a per-call nonce. The worker answers
// each request with exactly one reply envelope bearing the same nonce.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/entrhq/browserstep/pkg/types"
)

// Command names a worker operation.
type Command string

const (
	CommandLaunch Command = "launch"
	CommandExec   Command = "exec"
	CommandCheck  Command = "check"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CommandLaunch, CommandExec, CommandCheck:
		return true
	}
	return false
}

// Envelope is the unit of exchange on a Transport.
type Envelope struct {
	// ID is the per-call nonce used to correlate the reply.
	ID string `json:"id"`

	Command     Command           `json:"command"`
	ExecutionID types.ExecutionID `json:"execution_id,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`

	// ReplyTo names the list a reply is pushed to. Only used by the Redis
	// transport.
	ReplyTo string `json:"reply_to,omitempty"`

	// Reply is set on responses.
	Reply  bool            `json:"reply,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// LaunchPayload is the payload of a launch request.
type LaunchPayload struct {
	GlobalOptions types.GlobalOptions `json:"globalOptions"`
}

// ExecPayload is the payload of an exec request.
type ExecPayload struct {
	NodeParameters types.NodeParameters `json:"nodeParameters"`
	ContinueOnFail bool                 `json:"continueOnFail"`
}

// CheckPayload is the payload of a check request.
type CheckPayload struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// RemoteError is a failure reported by the worker.
type RemoteError struct {
	Kind       types.Kind        `json:"kind,omitempty"`
	Message    string            `json:"message"`
	URL        string            `json:"url,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// NewRemoteError flattens err for the wire.
func NewRemoteError(err error) *RemoteError {
	var ae *types.AutomationError
	if errors.As(err, &ae) {
		return &RemoteError{
			Kind:       ae.Kind,
			Message:    ae.Record().Error,
			URL:        ae.URL,
			StatusCode: ae.StatusCode,
			Headers:    ae.Headers,
		}
	}
	return &RemoteError{Message: err.Error()}
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("worker error: %s", e.Message)
	}
	return fmt.Sprintf("worker %s error: %s", e.Kind, e.Message)
}

// AutomationError converts the remote failure back into the error type the
// worker raised.
func (e *RemoteError) AutomationError() *types.AutomationError {
	return &types.AutomationError{
		Kind:       e.Kind,
		Message:    e.Message,
		URL:        e.URL,
		StatusCode: e.StatusCode,
		Headers:    e.Headers,
	}
}

// err returns the caller-facing error: an AutomationError when the worker
// classified the failure, the RemoteError itself otherwise.
func (e *RemoteError) err() error {
	if e.Kind == "" {
		return e
	}
	return e.AutomationError()
}
