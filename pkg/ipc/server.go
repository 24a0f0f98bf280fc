package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/entrhq/browserstep/pkg/types"
)

// replyTimeout bounds writing one reply.
const replyTimeout = 30 * time.Second

// Handler executes one worker command. The returned value is encoded as
// the reply result.
type Handler interface {
	Handle(ctx context.Context, command Command, id types.ExecutionID, payload json.RawMessage) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, command Command, id types.ExecutionID, payload json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, command Command, id types.ExecutionID, payload json.RawMessage) (interface{}, error) {
	return f(ctx, command, id, payload)
}

// Server answers requests read from a Transport.
type Server struct {
	handler Handler
}

// NewServer creates a server dispatching to h.
func NewServer(h Handler) *Server {
	return &Server{handler: h}
}

// Serve reads requests from t and runs each in its own goroutine. It returns
// nil when ctx ends or the peer closes the stream, after every in-flight
// request has been answered. Serve does not close t.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	type received struct {
		env *Envelope
		err error
	}
	incoming := make(chan received)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			env, err := t.Recv(ctx)
			select {
			case incoming <- received{env, err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	// Requests already accepted run to completion during shutdown.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			debugLog.Infof("Server stopping: %v", ctx.Err())
			return nil
		case r := <-incoming:
			if r.err != nil {
				if ctx.Err() != nil || errors.Is(r.err, io.EOF) || errors.Is(r.err, ErrClosed) {
					debugLog.Infof("Server stream ended: %v", r.err)
					return nil
				}
				return fmt.Errorf("receive request: %w", r.err)
			}
			if r.env.Reply {
				debugLog.Warnf("Ignoring reply envelope %s", r.env.ID)
				continue
			}
			wg.Add(1)
			go func(env *Envelope) {
				defer wg.Done()
				s.handle(handlerCtx, t, env)
			}(r.env)
		}
	}
}

func (s *Server) handle(ctx context.Context, t Transport, req *Envelope) {
	start := time.Now()
	reply := &Envelope{
		ID:          req.ID,
		Command:     req.Command,
		ExecutionID: req.ExecutionID,
		ReplyTo:     req.ReplyTo,
		Reply:       true,
	}

	result, err := s.call(ctx, req)
	if err != nil {
		reply.Error = NewRemoteError(err)
	} else {
		reply.Result = result
	}

	debugLog.Infow("Handled request",
		"command", req.Command,
		"execution_id", req.ExecutionID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", reply.Error != nil,
	)

	sendCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	err = t.Send(sendCtx, reply)
	if errors.Is(err, ErrFrameTooLarge) {
		debugLog.Warnf("Reply to %s for %s too large, sending error instead: %v", req.Command, req.ExecutionID, err)
		reply.Result = nil
		reply.Error = NewRemoteError(types.NewError(types.KindOutput, "result exceeds %d bytes", MaxFrameSize))
		err = t.Send(sendCtx, reply)
	}
	if err != nil {
		debugLog.Errorf("Failed to send %s reply for %s: %v", req.Command, req.ExecutionID, err)
	}
}

// call runs the handler and encodes its result. A panicking handler fails
// the request instead of the process.
func (s *Server) call(ctx context.Context, req *Envelope) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			debugLog.Errorw("Handler panicked",
				"command", req.Command,
				"execution_id", req.ExecutionID,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			result, err = nil, fmt.Errorf("worker panicked handling %s: %v", req.Command, p)
		}
	}()

	if !req.Command.Valid() {
		return nil, types.NewError(types.KindInvalid, "unknown command %q", req.Command)
	}
	value, err := s.handler.Handle(ctx, req.Command, req.ExecutionID, req.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}
