package ipc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/entrhq/browserstep/pkg/logging"
)

const (
	// HandshakeKey is the environment variable a spawned worker checks before
	// serving on its stdio.
	HandshakeKey = "BROWSERSTEP_WORKER"

	// HandshakeValue is the expected value of HandshakeKey.
	HandshakeValue = "browserstep-worker-v1"
)

const (
	// stopTimeout is how long a worker gets to exit after its stdin closes.
	stopTimeout = 10 * time.Second

	// stderrGrace bounds draining the worker's stderr once stdout is done.
	// Browser processes the worker started may hold it open.
	stderrGrace = 2 * time.Second
)

var workerLog = logging.NewLogger("worker-process")

// SpawnOptions describe the worker child process.
type SpawnOptions struct {
	// Path is the worker executable. Defaults to the running binary.
	Path string

	// Args follow the "worker" subcommand.
	Args []string

	// Env is appended to the parent's environment.
	Env []string
}

// Process is a worker child serving on its stdin and stdout.
type Process struct {
	cmd    *exec.Cmd
	client *WorkerClient

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// IsSpawnedWorker reports whether the current process was started by Spawn.
func IsSpawnedWorker() bool {
	return os.Getenv(HandshakeKey) == HandshakeValue
}

// Spawn starts the worker and connects a client to it. ctx bounds only the
// start; the child lives until Close.
func Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := opts.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		path = self
	}

	cmd := exec.Command(path, append([]string{"worker"}, opts.Args...)...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, HandshakeKey+"="+HandshakeValue)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", path, err)
	}
	workerLog.Infof("Started worker pid %d", cmd.Process.Pid)

	p := &Process{cmd: cmd, exited: make(chan struct{})}
	transport := NewStreamTransport(Pipe(stdout, stdin))
	p.client = NewWorkerClient(NewClient(transport))

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		forwardStderr(stderr)
	}()
	go func() {
		// Wait closes the pipes, so it runs only after the client has read
		// the last reply.
		<-p.client.Done()
		select {
		case <-stderrDone:
		case <-time.After(stderrGrace):
		}
		p.waitErr = cmd.Wait()
		workerLog.Infof("Worker pid %d exited: %v", cmd.Process.Pid, p.waitErr)
		close(p.exited)
	}()
	return p, nil
}

func forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		workerLog.Infof("%s", scanner.Text())
	}
}

// Client returns the client connected to the child.
func (p *Process) Client() *WorkerClient {
	return p.client
}

// Exited is closed when the child has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Close closes the channel, which makes the worker shut down, and kills
// the child if it does not exit in time.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.client.Close()
		select {
		case <-p.exited:
		case <-time.After(stopTimeout):
			workerLog.Warnf("Worker pid %d did not exit, killing it", p.cmd.Process.Pid)
			if err := p.cmd.Process.Kill(); err != nil {
				p.closeErr = fmt.Errorf("failed to kill worker: %w", err)
				return
			}
			<-p.exited
		}
	})
	return p.closeErr
}
