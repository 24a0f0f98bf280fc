package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single encoded envelope.
const MaxFrameSize = 64 << 20

// Transport moves envelopes between the caller and the worker.
type Transport interface {
	// Send writes one envelope.
	Send(ctx context.Context, env *Envelope) error

	// Recv blocks until the next envelope arrives, the transport is closed
	// or ctx ends.
	Recv(ctx context.Context) (*Envelope, error)

	Close() error
}

// WriteFrame writes env as a 4-byte big-endian length followed by its JSON
// encoding.
func WriteFrame(w io.Writer, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, int(length))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// StreamTransport frames envelopes over a byte stream such as a child's
// stdio pipes, a unix socket or net.Pipe.
type StreamTransport struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*StreamTransport)(nil)

// NewStreamTransport wraps rwc. Closing the transport closes rwc.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		rwc:    rwc,
		r:      bufio.NewReader(rwc),
		closed: make(chan struct{}),
	}
}

// Send writes env. Concurrent sends are serialized so frames never
// interleave.
func (t *StreamTransport) Send(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteFrame(t.rwc, env)
}

// Recv reads the next envelope. A read in progress is unblocked by Close,
// not by ctx; callers run Recv from a dedicated loop.
func (t *StreamTransport) Recv(ctx context.Context) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := ReadFrame(t.r)
	if err != nil {
		select {
		case <-t.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return env, nil
}

// Close closes the underlying stream.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.rwc.Close()
	})
	return err
}

// Pipe joins a read side and a write side into one stream. Closing it
// closes both.
func Pipe(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &pipe{ReadCloser: r, w: w}
}

type pipe struct {
	io.ReadCloser
	w io.WriteCloser
}

func (p *pipe) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

func (p *pipe) Close() error {
	return errors.Join(p.w.Close(), p.ReadCloser.Close())
}
