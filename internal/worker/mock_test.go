// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/invowk/vworker/internal/ops"
	"github.com/invowk/vworker/internal/scriptenv"
)

// mockEnv records how it is used and detects concurrent access.
type mockEnv struct {
	mu      sync.Mutex
	ops     []string
	queue   []scriptenv.Job
	ran     []scriptenv.Job
	pending scriptenv.Pending

	failRegisterAt int
	runErr         error
	block          bool
	entered        chan struct{}

	runs     atomic.Int32
	inFlight atomic.Int32
	overlaps atomic.Int32
	closed   atomic.Int32
}

func newMockEnv() *mockEnv {
	return &mockEnv{entered: make(chan struct{}, 1)}
}

func (e *mockEnv) factory() scriptenv.Factory {
	return func(string, scriptenv.Bootstrap) (scriptenv.Environment, error) {
		return e, nil
	}
}

func (e *mockEnv) Register(op scriptenv.Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failRegisterAt > 0 && len(e.ops)+1 == e.failRegisterAt {
		return fmt.Errorf("cannot install %s", op.Name())
	}
	e.ops = append(e.ops, op.Name())
	return nil
}

func (e *mockEnv) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *mockEnv) Enqueue(job scriptenv.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, job)
}

func (e *mockEnv) RunPending(ctx context.Context, stop func() bool) error {
	if e.inFlight.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	defer e.inFlight.Add(-1)
	e.runs.Add(1)

	select {
	case e.entered <- struct{}{}:
	default:
	}

	if e.block {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			break
		}
		e.ran = append(e.ran, e.queue[0])
		e.queue = e.queue[1:]
		e.mu.Unlock()
		if stop != nil && stop() {
			break
		}
	}

	time.Sleep(20 * time.Microsecond)
	return e.runErr
}

func (e *mockEnv) Pending() scriptenv.Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *mockEnv) Close() error {
	e.closed.Add(1)
	return nil
}

func (e *mockEnv) ranJobs() []scriptenv.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]scriptenv.Job(nil), e.ran...)
}

// namedOp is an op that does nothing, or panics when asked to.
type namedOp struct {
	name    string
	explode bool
}

func (o namedOp) Name() string { return o.name }

func (o namedOp) Run(context.Context, []string) error {
	if o.explode {
		panic(errors.New(o.name + " exploded"))
	}
	return nil
}

func staticGroup(name string, opNames ...string) ops.Group {
	return ops.Group{
		Name: name,
		Build: func(ops.Host) []scriptenv.Op {
			built := make([]scriptenv.Op, len(opNames))
			for i, n := range opNames {
				built[i] = namedOp{name: n}
			}
			return built
		},
	}
}
