// SPDX-License-Identifier: MPL-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultCapacity is the per-direction buffer size used when NewPair is
// called with a non-positive capacity.
const DefaultCapacity = 64

const (
	// SignalNone marks an ordinary data message.
	SignalNone Signal = iota
	// SignalTerminate asks the receiving worker to stop at its next safe point.
	SignalTerminate
)

var (
	// ErrClosed is returned when sending on a closed send half, sending to a
	// peer whose receive half was dropped, or receiving after end-of-stream
	// has already been reported.
	ErrClosed = errors.New("channel closed")

	// ErrFull is returned by Send when the peer's buffer is at capacity.
	ErrFull = errors.New("channel full")

	// ErrEmpty is returned by TryReceive when no message is ready.
	ErrEmpty = errors.New("channel empty")
)

type (
	// Signal distinguishes control messages from data messages.
	Signal uint8

	// Message is one unit travelling through a pipe.
	Message struct {
		// Signal is SignalNone for data messages.
		Signal Signal
		// Data is the opaque payload. It is nil for control messages.
		Data []byte
	}

	// Endpoint is one side of a duplex channel. It is safe for concurrent use,
	// though each direction is expected to have a single receiver.
	Endpoint struct {
		in  *pipe
		out *pipe
	}

	// pipe is one direction of a duplex channel.
	pipe struct {
		mu       sync.Mutex
		buf      []Message
		capacity int

		// sendClosed is set when the writing endpoint closes its send half.
		sendClosed bool
		// recvClosed is set when the reading endpoint drops its receive half.
		recvClosed bool
		// eofReported guarantees a single io.EOF per pipe.
		eofReported bool

		// notify wakes the receiver; capacity 1 so signals coalesce.
		notify chan struct{}
	}
)

// String returns a human-readable name for the signal.
func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

// IsControl reports whether the message carries a control signal.
func (m Message) IsControl() bool {
	return m.Signal != SignalNone
}

// NewPair creates two connected endpoints. Messages sent on a are received on
// b and vice versa. capacity bounds each direction independently.
func NewPair(capacity int) (a, b *Endpoint) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ab := newPipe(capacity)
	ba := newPipe(capacity)
	return &Endpoint{in: ba, out: ab}, &Endpoint{in: ab, out: ba}
}

func newPipe(capacity int) *pipe {
	return &pipe{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Send enqueues a copy of payload for the peer without blocking.
func (e *Endpoint) Send(payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	return e.out.push(Message{Data: data})
}

// SendSignal enqueues a control signal for the peer. Control signals are
// ordered with data messages and count against the buffer capacity.
func (e *Endpoint) SendSignal(sig Signal) error {
	if sig == SignalNone {
		return fmt.Errorf("send signal: %s is not a control signal", sig)
	}
	return e.out.push(Message{Signal: sig})
}

// Receive waits for the next message from the peer.
//
// When the peer has closed its send half and every earlier message has been
// delivered, Receive returns io.EOF once; subsequent calls return ErrClosed.
// If ctx is done first, ctx.Err() is returned and no message is consumed.
func (e *Endpoint) Receive(ctx context.Context) (Message, error) {
	for {
		msg, err := e.in.pop()
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}
		select {
		case <-e.in.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryReceive returns the next message if one is ready. It returns ErrEmpty
// when the receiver would have to wait, and follows the same end-of-stream
// rules as Receive.
func (e *Endpoint) TryReceive() (Message, error) {
	return e.in.pop()
}

// Ready returns a channel that is signalled whenever a message or
// end-of-stream may be available. Wakeups coalesce and may be spurious;
// callers must follow up with TryReceive.
func (e *Endpoint) Ready() <-chan struct{} {
	return e.in.notify
}

// Pending returns the number of buffered messages waiting to be received on
// this endpoint.
func (e *Endpoint) Pending() int {
	e.in.mu.Lock()
	defer e.in.mu.Unlock()
	return len(e.in.buf)
}

// CloseSend closes only the send half. The peer drains buffered messages and
// then observes io.EOF. Idempotent.
func (e *Endpoint) CloseSend() {
	e.out.closeSend()
}

// Close closes both halves of the endpoint. Buffered inbound messages are
// discarded, the peer's subsequent sends fail with ErrClosed, and the peer's
// receiver observes end-of-stream. Idempotent; always returns nil.
func (e *Endpoint) Close() error {
	e.out.closeSend()
	e.in.closeRecv()
	return nil
}

// Closed reports whether both halves of this endpoint are closed.
func (e *Endpoint) Closed() bool {
	e.out.mu.Lock()
	sendClosed := e.out.sendClosed
	e.out.mu.Unlock()

	e.in.mu.Lock()
	recvClosed := e.in.recvClosed
	e.in.mu.Unlock()

	return sendClosed && recvClosed
}

func (p *pipe) push(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sendClosed || p.recvClosed {
		return ErrClosed
	}
	if len(p.buf) >= p.capacity {
		return ErrFull
	}
	p.buf = append(p.buf, msg)
	p.wake()
	return nil
}

func (p *pipe) pop() (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recvClosed {
		return Message{}, ErrClosed
	}
	if len(p.buf) > 0 {
		msg := p.buf[0]
		p.buf[0] = Message{}
		p.buf = p.buf[1:]
		// Another waiter may still have work to pick up.
		if len(p.buf) > 0 || p.sendClosed {
			p.wake()
		}
		return msg, nil
	}
	if p.sendClosed {
		if p.eofReported {
			return Message{}, ErrClosed
		}
		p.eofReported = true
		return Message{}, io.EOF
	}
	return Message{}, ErrEmpty
}

func (p *pipe) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sendClosed {
		return
	}
	p.sendClosed = true
	p.wake()
}

func (p *pipe) closeRecv() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recvClosed {
		return
	}
	p.recvClosed = true
	p.buf = nil
	p.wake()
}

// wake must be called with p.mu held.
func (p *pipe) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
