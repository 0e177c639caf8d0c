// SPDX-License-Identifier: MPL-2.0

package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type (
	// Machine tracks one task's lifecycle. A Machine is single-use: once it
	// reaches a terminal state it never changes again.
	Machine struct {
		state atomic.Int32

		mu      sync.Mutex
		lastErr error

		startedCh chan struct{}
		doneCh    chan struct{}

		onTransition func(from, to State)
	}

	// Option configures a Machine.
	Option func(*Machine)
)

// WithOnTransition registers fn to observe every successful transition.
// fn runs synchronously on the goroutine that made the transition.
func WithOnTransition(fn func(from, to State)) Option {
	return func(m *Machine) {
		m.onTransition = fn
	}
}

// New creates a Machine in StateCreated.
func New(opts ...Option) *Machine {
	m := &Machine{
		startedCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.state.Store(int32(StateCreated))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state (atomic, lock-free read).
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Start moves Created to Running. It returns false when the machine already
// started or finished.
func (m *Machine) Start() bool {
	if !m.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return false
	}
	close(m.startedCh)
	m.notify(StateCreated, StateRunning)
	return true
}

// Finish moves the machine to the terminal state to, recording err. Only the
// first call wins; later calls return false and leave the outcome untouched.
// Finish panics if to is not terminal.
func (m *Machine) Finish(to State, err error) bool {
	if !to.IsTerminal() {
		panic(fmt.Sprintf("lifecycle: Finish called with non-terminal state %s", to))
	}
	for {
		from := State(m.state.Load())
		if from.IsTerminal() {
			return false
		}

		m.mu.Lock()
		if !m.state.CompareAndSwap(int32(from), int32(to)) {
			m.mu.Unlock()
			continue // State changed, retry
		}
		m.lastErr = err
		m.mu.Unlock()

		if from == StateCreated {
			close(m.startedCh)
		}
		close(m.doneCh)
		m.notify(from, to)
		return true
	}
}

// Err returns the error recorded by Finish, or nil.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Done returns a channel closed when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} {
	return m.doneCh
}

// Started returns a channel closed when the machine leaves StateCreated.
func (m *Machine) Started() <-chan struct{} {
	return m.startedCh
}

// Wait blocks until the machine is terminal or ctx is done, returning the
// recorded error in the first case.
func (m *Machine) Wait(ctx context.Context) error {
	select {
	case <-m.doneCh:
		return m.Err()
	case <-ctx.Done():
		return fmt.Errorf("waiting for task: %w", ctx.Err())
	}
}

func (m *Machine) notify(from, to State) {
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}
