// Package role decides, once at startup, whether this process is the
// automation worker or a caller of it, and wires the matching end of the
// IPC channel.
package role

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/entrhq/browserstep/pkg/ipc"
	"github.com/entrhq/browserstep/pkg/logging"
)

var debugLog = logging.NewLogger("role")

// ErrHandshake is returned when a process is asked to serve on stdio without
// having been spawned as a worker.
var ErrHandshake = errors.New("not started as a worker: missing " + ipc.HandshakeKey)

// ErrNotWorker is returned by Serve on a caller role.
var ErrNotWorker = errors.New("process is not the worker")

// Kind is the role of the process.
type Kind int

const (
	Caller Kind = iota
	Worker
)

func (k Kind) String() string {
	if k == Worker {
		return "worker"
	}
	return "caller"
}

// Options select the role.
type Options struct {
	// Worker makes this process the worker, serving on stdio unless Channel
	// is set.
	Worker bool

	// Channel is an injected transport. Setting it makes this process the
	// worker serving on it.
	Channel ipc.Transport

	// Handler serves worker commands. Required for the worker role and for
	// InProcess callers.
	Handler ipc.Handler

	// InProcess hosts the worker inside a caller process instead of
	// spawning a child.
	InProcess bool

	// Remote connects a caller to a worker already serving on this
	// transport, such as the Redis request queue.
	Remote ipc.Transport

	// Spawn describes the worker child of a caller.
	Spawn ipc.SpawnOptions

	// Force serves on stdio without the spawn handshake.
	Force bool

	// Stdin and Stdout default to the process's standard streams.
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

// Role is the selected end of the channel.
type Role struct {
	kind Kind

	// worker side
	transport ipc.Transport
	handler   ipc.Handler

	// caller side
	client  *ipc.WorkerClient
	process *ipc.Process
	stop    context.CancelFunc
	served  chan error

	closeOnce sync.Once
	closeErr  error
}

// Select picks the role described by opts. Caller roles are connected to a
// running worker when Select returns.
func Select(ctx context.Context, opts Options) (*Role, error) {
	if opts.Worker || opts.Channel != nil {
		return selectWorker(opts)
	}
	if opts.InProcess {
		return inProcess(opts)
	}
	if opts.Remote != nil {
		debugLog.Infof("Connecting to remote worker")
		return &Role{kind: Caller, client: ipc.NewWorkerClient(ipc.NewClient(opts.Remote))}, nil
	}

	proc, err := ipc.Spawn(ctx, opts.Spawn)
	if err != nil {
		return nil, err
	}
	debugLog.Infof("Spawned worker process")
	return &Role{kind: Caller, client: proc.Client(), process: proc}, nil
}

func selectWorker(opts Options) (*Role, error) {
	if opts.Handler == nil {
		return nil, errors.New("worker role requires a handler")
	}

	t := opts.Channel
	if t == nil {
		if !ipc.IsSpawnedWorker() && !opts.Force {
			return nil, ErrHandshake
		}
		stdin, stdout := opts.Stdin, opts.Stdout
		if stdin == nil {
			stdin = os.Stdin
		}
		if stdout == nil {
			stdout = os.Stdout
		}
		t = ipc.NewStreamTransport(ipc.Pipe(stdin, stdout))
	}
	return &Role{kind: Worker, transport: t, handler: opts.Handler}, nil
}

// inProcess runs the worker's server on one end of a net.Pipe and returns a
// caller on the other.
func inProcess(opts Options) (*Role, error) {
	if opts.Handler == nil {
		return nil, errors.New("in-process worker requires a handler")
	}

	callerConn, workerConn := net.Pipe()
	serverSide := ipc.NewStreamTransport(workerConn)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- ipc.NewServer(opts.Handler).Serve(ctx, serverSide)
		_ = serverSide.Close()
	}()

	client := ipc.NewWorkerClient(ipc.NewClient(ipc.NewStreamTransport(callerConn)))
	debugLog.Infof("Hosting worker in process")
	return &Role{kind: Caller, client: client, stop: cancel, served: served}, nil
}

// Kind returns the selected role.
func (r *Role) Kind() Kind {
	return r.kind
}

// IsWorker reports whether this process is the worker.
func (r *Role) IsWorker() bool {
	return r.kind == Worker
}

// Client returns the caller's connection to the worker, or nil on the
// worker.
func (r *Role) Client() *ipc.WorkerClient {
	return r.client
}

// Serve answers requests on the worker's channel until ctx ends or the
// channel closes.
func (r *Role) Serve(ctx context.Context) error {
	if r.kind != Worker {
		return ErrNotWorker
	}
	debugLog.Infof("Serving worker commands")
	return ipc.NewServer(r.handler).Serve(ctx, r.transport)
}

// Close releases the channel and, for callers, stops the worker.
func (r *Role) Close() error {
	r.closeOnce.Do(func() {
		switch {
		case r.kind == Worker:
			r.closeErr = r.transport.Close()
		case r.process != nil:
			r.closeErr = r.process.Close()
		case r.served == nil:
			r.closeErr = r.client.Close()
		default:
			r.closeErr = r.client.Close()
			r.stop()
			if err := <-r.served; err != nil {
				r.closeErr = errors.Join(r.closeErr, fmt.Errorf("in-process worker: %w", err))
			}
		}
	})
	if errors.Is(r.closeErr, ipc.ErrClosed) {
		return nil
	}
	return r.closeErr
}
