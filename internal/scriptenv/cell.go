// SPDX-License-Identifier: MPL-2.0

package scriptenv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type (
	// Cell owns an Environment and hands out at most one Guard at a time.
	Cell struct {
		// slot is a one-token semaphore; holding the token means holding the guard.
		slot chan struct{}
		env  Environment

		mu             sync.Mutex
		discarded      bool
		discardPending bool
		closeErr       error

		acquisitions atomic.Uint64
	}

	// Guard grants exclusive access to a Cell's Environment until Release.
	Guard struct {
		cell     *Cell
		released atomic.Bool
	}
)

// NewCell wraps env. The caller must not use env directly afterwards.
func NewCell(env Environment) *Cell {
	c := &Cell{
		slot: make(chan struct{}, 1),
		env:  env,
	}
	c.slot <- struct{}{}
	return c
}

// Acquire waits until the environment is free or ctx is done.
func (c *Cell) Acquire(ctx context.Context) (*Guard, error) {
	select {
	case <-c.slot:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire environment: %w", ctx.Err())
	}
	return c.grant()
}

// TryAcquire returns a guard only if the environment is free right now.
// It returns ErrDiscarded when the environment is gone, and a nil guard with
// a nil error when another guard is outstanding.
func (c *Cell) TryAcquire() (*Guard, error) {
	select {
	case <-c.slot:
	default:
		return nil, nil
	}
	return c.grant()
}

func (c *Cell) grant() (*Guard, error) {
	c.mu.Lock()
	discarded := c.discarded
	c.mu.Unlock()
	if discarded {
		c.slot <- struct{}{}
		return nil, ErrDiscarded
	}
	c.acquisitions.Add(1)
	return &Guard{cell: c}, nil
}

// Held reports whether a guard is currently outstanding.
func (c *Cell) Held() bool {
	return len(c.slot) == 0
}

// Acquisitions returns how many guards have been granted so far.
func (c *Cell) Acquisitions() uint64 {
	return c.acquisitions.Load()
}

// Discarded reports whether the environment has been closed by Discard.
func (c *Cell) Discarded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}

// Discard closes the environment as soon as no guard is held: immediately
// when the cell is idle, otherwise when the outstanding guard is released.
// Later acquisitions fail with ErrDiscarded. Idempotent.
func (c *Cell) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discarded || c.discardPending {
		return
	}
	c.discardPending = true

	// Taking the token under mu orders this against Release: either the
	// holder sees discardPending, or the token is already back in the slot.
	select {
	case <-c.slot:
		c.closeEnvLocked()
		c.slot <- struct{}{}
	default:
		// The guard holder closes the environment on release.
	}
}

// CloseErr returns the error reported by the environment's Close, if any.
func (c *Cell) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// closeEnvLocked must be called while holding mu and the slot token.
func (c *Cell) closeEnvLocked() {
	if c.discarded {
		return
	}
	c.discarded = true
	c.closeErr = c.env.Close()
}

// Env returns the guarded environment. It panics if the guard was released,
// since that would break the single-accessor rule.
func (g *Guard) Env() Environment {
	if g.released.Load() {
		panic("scriptenv: environment used after guard release")
	}
	return g.cell.env
}

// Release returns exclusive access to the cell. Idempotent.
func (g *Guard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	c := g.cell
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discardPending {
		c.closeEnvLocked()
	}
	c.slot <- struct{}{}
}
