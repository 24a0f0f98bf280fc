package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/entrhq/browserstep/pkg/logging"
	"github.com/entrhq/browserstep/pkg/types"
)

var debugLog = logging.NewLogger("ipc")

// Client sends requests over a Transport and matches replies by nonce.
// At most one call per execution id may be in flight at a time.
type Client struct {
	transport Transport

	mu       sync.Mutex
	pending  map[string]chan *Envelope
	inflight map[types.ExecutionID]string
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient starts reading replies from t.
func NewClient(t Transport) *Client {
	c := &Client{
		transport: t,
		pending:   make(map[string]chan *Envelope),
		inflight:  make(map[types.ExecutionID]string),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends command with payload for id and decodes the worker's result
// into out. It returns a *TransportError if the channel fails, the worker's
// error if it rejected the request, or ctx's error if ctx ends first.
func (c *Client) Call(ctx context.Context, command Command, id types.ExecutionID, payload, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", command, err)
	}

	nonce := uuid.NewString()
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if id != "" {
		if _, busy := c.inflight[id]; busy {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s %s", ErrCallInFlight, command, id)
		}
		c.inflight[id] = nonce
	}
	c.pending[nonce] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		if id != "" && c.inflight[id] == nonce {
			delete(c.inflight, id)
		}
		c.mu.Unlock()
	}()

	env := &Envelope{ID: nonce, Command: command, ExecutionID: id, Payload: raw}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.transport.Send(ctx, env); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		terr := &TransportError{Op: "send", Err: err}
		c.fail(terr)
		return c.Err()
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply.Error.err()
		}
		if out != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", command, err)
			}
		}
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		debugLog.Debugf("Abandoned %s call %s for %s: %v", command, nonce, id, ctx.Err())
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		env, err := c.transport.Recv(ctx)
		if err != nil {
			c.fail(&TransportError{Op: "receive", Err: err})
			return
		}
		if !env.Reply {
			debugLog.Warnf("Ignoring non-reply envelope %s (%s)", env.ID, env.Command)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if !ok {
			debugLog.Debugf("Dropping reply %s for %s: no pending call", env.ID, env.ExecutionID)
			continue
		}
		select {
		case ch <- env:
		default:
			debugLog.Warnf("Dropping duplicate reply %s", env.ID)
		}
	}
}

// fail records the first terminal error and wakes every pending call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
	if len(c.pending) > 0 {
		debugLog.Errorf("Failing %d pending calls: %v", len(c.pending), err)
	}
}

// Err returns the terminal error, or nil while the client is usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the client can no longer make calls.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close fails pending calls with ErrClosed and closes the transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(&TransportError{Op: "close", Err: ErrClosed})
		err = c.transport.Close()
	})
	return err
}
