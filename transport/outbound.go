// Package transport owns the single outbound stream into the supervised child process.
//
// Every handler, and the operator console forwarder, shares one Outbound. The write lock
// guarantees each command reaches the child as one whole line:
//
//	handler-1 ──Write("say pong")──────┐
//	handler-2 ──Write("function ...")──┼──→ child stdin
//	console   ──Write("list")──────────┘
package transport

import (
	"errors"
	"io"
	"sync"

	"datapack-rpc/protocol"
)

var ErrClosed = errors.New("transport: outbound channel closed")

// Outbound serializes line commands onto a writer.
type Outbound struct {
	mu     sync.Mutex // Held for a whole command so lines never interleave
	w      io.Writer
	closed bool
	count  uint64
}

func NewOutbound(w io.Writer) *Outbound {
	return &Outbound{w: w}
}

// Write appends command and a line terminator to the stream. It is fire-and-forget:
// nothing is read back from the child.
func (o *Outbound) Write(command string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if err := protocol.Encode(o.w, command); err != nil {
		return err
	}
	o.count++
	return nil
}

// Count returns the number of commands written so far.
func (o *Outbound) Count() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Close marks the channel closed and closes the underlying writer if it is an io.Closer.
// Safe to call multiple times.
func (o *Outbound) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	if c, ok := o.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
