// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/core/lifecycle"
	"github.com/invowk/vworker/internal/coreutils"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/state"
)

// Worker is the generic execution unit. It is safe for concurrent use; the
// environment inside is only reached through its cell's guard.
type Worker struct {
	id       string
	name     string
	depth    int
	variant  string
	parentID string

	shared *state.Shared
	port   *channel.Endpoint
	cell   *scriptenv.Cell
	clock  scriptenv.Clock
	logger *log.Logger

	machine *lifecycle.Machine
	inbox   *inbox

	closeRequested atomic.Bool
	// nextTimer is the earliest timer deadline in unix nanoseconds, 0 if none.
	nextTimer atomic.Int64

	// parentClosed and backlog are only touched while holding the guard.
	parentClosed bool
	// backlog holds parent messages collected mid-step for the next step.
	backlog []scriptenv.Job
	// announced is set once the worker counts as started in metrics.
	announced bool

	mu            sync.Mutex
	stepCancel    context.CancelFunc
	terminalHooks []func()
}

// New creates a worker named name whose environment is built from boot. The
// worker retains shared until it is terminal and owns port from then on. No
// script code runs until the first Step.
func New(name string, boot scriptenv.Bootstrap, shared *state.Shared, port *channel.Endpoint, opts ...Option) (*Worker, error) {
	w, err := newWorker(name, boot, shared, port, opts...)
	if err != nil {
		return nil, err
	}
	w.announce()
	return w, nil
}

func newWorker(name string, boot scriptenv.Bootstrap, shared *state.Shared, port *channel.Endpoint, opts ...Option) (*Worker, error) {
	if shared == nil {
		return nil, errors.New("worker: shared state is required")
	}
	if port == nil {
		return nil, errors.New("worker: channel endpoint is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		shellOpts := scriptenv.ShellOptions{
			Stdin:     o.stdin,
			Stdout:    o.stdout,
			Stderr:    o.stderr,
			AllowExec: shared.Permissions().AllowExec,
			Clock:     o.clock,
		}
		if shared.Settings().Coreutils {
			shellOpts.LookupCommand = coreutils.Lookup
		}
		o.factory = scriptenv.NewShellFactory(shellOpts)
	}
	if o.logger == nil {
		o.logger = shared.Logger()
	}

	if err := shared.Retain(); err != nil {
		return nil, &EnvironmentInitError{Worker: name, Err: err}
	}
	env, err := o.factory(name, boot)
	if err != nil {
		shared.Release()
		return nil, &EnvironmentInitError{Worker: name, Err: err}
	}

	w := &Worker{
		id:       uuid.NewString(),
		name:     name,
		depth:    o.depth,
		variant:  o.variant,
		parentID: o.parentID,
		shared:   shared,
		port:     port,
		cell:     scriptenv.NewCell(env),
		clock:    o.clock,
		inbox:    newInbox(),
	}
	w.logger = o.logger.With("worker", name, "id", w.id)
	w.machine = lifecycle.New(lifecycle.WithOnTransition(w.observeTransition))
	return w, nil
}

// announce counts the worker as started. It must run before the worker is
// handed out.
func (w *Worker) announce() {
	w.announced = true
	metrics := w.shared.Metrics()
	metrics.WorkersStarted.WithLabelValues(w.variant).Inc()
	metrics.WorkersActive.Inc()
	w.logger.Debug("worker created", "variant", w.variant, "depth", w.depth, "parent", w.parentID)
}

// ID returns the process-unique worker ID.
func (w *Worker) ID() string { return w.id }

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Depth returns the nesting depth; the root worker has depth 0.
func (w *Worker) Depth() int { return w.depth }

// Variant returns the variant name the worker was built as.
func (w *Worker) Variant() string { return w.variant }

// Port returns the worker's endpoint towards its creator.
func (w *Worker) Port() *channel.Endpoint { return w.port }

// Shared returns the shared runtime state.
func (w *Worker) Shared() *state.Shared { return w.shared }

// Logger returns the worker's logger.
func (w *Worker) Logger() *log.Logger { return w.logger }

// State returns the lifecycle state.
func (w *Worker) State() lifecycle.State { return w.machine.State() }

// Done returns a channel closed when the worker is terminal.
func (w *Worker) Done() <-chan struct{} { return w.machine.Done() }

// Err returns the terminal result; nil while running or after a clean finish.
func (w *Worker) Err() error { return w.machine.Err() }

// Ops returns the names of the installed ops, reading them under the guard.
func (w *Worker) Ops(ctx context.Context) ([]string, error) {
	g, err := w.cell.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	return g.Env().Ops(), nil
}

// Post queues job for the next step and wakes the worker.
func (w *Worker) Post(job scriptenv.Job) {
	w.inbox.post(job)
}

// Hold keeps the event loop alive until the returned release is called.
func (w *Worker) Hold() func() {
	return w.inbox.hold()
}

// RequestClose makes the worker finish cleanly after the current job.
func (w *Worker) RequestClose() {
	w.closeRequested.Store(true)
	w.inbox.signal()
}

// OnTerminal registers fn to run once the worker is terminal. If it already
// is, fn runs immediately.
func (w *Worker) OnTerminal(fn func()) {
	w.mu.Lock()
	if !w.machine.State().IsTerminal() {
		w.terminalHooks = append(w.terminalHooks, fn)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	fn()
}

// Step performs one drive step. See the package documentation.
func (w *Worker) Step(ctx context.Context) (Status, error) {
	if w.machine.State().IsTerminal() {
		return StatusReady, w.machine.Err()
	}

	g, err := w.cell.Acquire(ctx)
	if err != nil {
		if errors.Is(err, scriptenv.ErrDiscarded) {
			<-w.machine.Done()
			return StatusReady, w.machine.Err()
		}
		return StatusPending, err
	}
	defer g.Release()

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.setStepCancel(cancel)
	defer w.setStepCancel(nil)

	// Close may have finished the worker while this step waited for the guard.
	if w.machine.State().IsTerminal() {
		return StatusReady, w.machine.Err()
	}
	w.machine.Start()

	started := time.Now()
	next, result := w.drive(stepCtx, g.Env())
	metrics := w.shared.Metrics()
	metrics.Steps.Inc()
	metrics.StepDuration.Observe(time.Since(started).Seconds())

	if next == lifecycle.StateRunning {
		return StatusPending, nil
	}
	w.finish(next, result)
	return StatusReady, w.machine.Err()
}

// Run drives the worker to completion. Cancelling ctx closes the worker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		status, err := w.Step(ctx)
		if status == StatusReady {
			return err
		}
		if err == nil {
			err = w.wait(ctx)
		}
		if err != nil {
			_ = w.Close()
			return w.machine.Err()
		}
	}
}

// Close aborts the worker. It is idempotent and safe to call concurrently
// with Step; it never blocks on the guard.
func (w *Worker) Close() error {
	w.finish(lifecycle.StateAborted, ErrAborted)

	w.mu.Lock()
	cancel := w.stepCancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// drive runs one bounded unit of work on env and returns the next state:
// StateRunning to keep going, or a terminal state with its result.
func (w *Worker) drive(ctx context.Context, env scriptenv.Environment) (next lifecycle.State, result error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recovered panic in drive step", "panic", r)
			next = lifecycle.StateFaulted
			result = &ExecutionFault{Worker: w.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	for _, job := range w.backlog {
		env.Enqueue(job)
	}
	w.backlog = nil
	if w.collectPort(env.Enqueue) {
		w.logger.Debug("terminate signal received")
		return lifecycle.StateTerminated, nil
	}
	for _, job := range w.inbox.take() {
		env.Enqueue(job)
	}

	// Between jobs, stop on a close request or a terminate signal. Messages
	// arriving meanwhile wait in the backlog for the next step.
	var terminated bool
	stop := func() bool {
		if w.closeRequested.Load() {
			return true
		}
		terminated = w.collectPort(w.deferJob)
		return terminated
	}

	if err := env.RunPending(ctx, stop); err != nil {
		if ctx.Err() != nil {
			return lifecycle.StateAborted, ErrAborted
		}
		fault := &ExecutionFault{Worker: w.name, Err: err}
		var jobErr *scriptenv.JobError
		if errors.As(err, &jobErr) {
			fault.Status = jobErr.Status
		}
		return lifecycle.StateFaulted, fault
	}

	if terminated {
		w.logger.Debug("terminate signal received")
		return lifecycle.StateTerminated, nil
	}
	if w.closeRequested.Load() {
		return lifecycle.StateCompleted, nil
	}

	p := env.Pending()
	if p.Exited {
		return lifecycle.StateCompleted, nil
	}
	if p.NextTimer.IsZero() {
		w.nextTimer.Store(0)
	} else {
		w.nextTimer.Store(p.NextTimer.UnixNano())
	}
	if len(w.backlog) > 0 {
		// The port is already drained; make sure the next wait does not block.
		w.inbox.signal()
	}
	if p.Jobs > 0 || p.Timers > 0 || len(w.backlog) > 0 || w.inbox.busy() || (p.Listening && !w.parentClosed) {
		return lifecycle.StateRunning, nil
	}
	return lifecycle.StateCompleted, nil
}

// collectPort hands every ready parent message to enqueue as an onmessage
// job. It reports whether a terminate signal arrived; messages after it are
// not delivered.
func (w *Worker) collectPort(enqueue func(scriptenv.Job)) bool {
	if w.parentClosed {
		return false
	}
	for {
		msg, err := w.port.TryReceive()
		switch {
		case err == nil:
			if msg.Signal == channel.SignalTerminate {
				return true
			}
			if msg.IsControl() {
				continue
			}
			enqueue(scriptenv.Job{
				Kind:     scriptenv.JobCall,
				Func:     scriptenv.HandlerMessage,
				Args:     []string{string(msg.Data)},
				Optional: true,
			})
		case errors.Is(err, channel.ErrEmpty):
			return false
		default:
			// io.EOF or ErrClosed: the parent will send nothing more.
			w.parentClosed = true
			return false
		}
	}
}

func (w *Worker) deferJob(job scriptenv.Job) {
	w.backlog = append(w.backlog, job)
}

// wait blocks until something may have made the worker runnable.
func (w *Worker) wait(ctx context.Context) error {
	var deadline <-chan time.Time
	if due := w.nextTimer.Load(); due != 0 {
		timer := time.NewTimer(max(time.Unix(0, due).Sub(w.clock.Now()), 0))
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.machine.Done():
	case <-w.port.Ready():
	case <-w.inbox.wake:
	case <-deadline:
	}
	return nil
}

// finish records the terminal outcome once and tears the worker down:
// endpoint closed, terminal hooks run, environment discarded (now, or when
// the current guard is released) and the shared state released.
func (w *Worker) finish(to lifecycle.State, result error) {
	if !w.machine.Finish(to, result) {
		return
	}

	_ = w.port.Close()

	w.mu.Lock()
	hooks := w.terminalHooks
	w.terminalHooks = nil
	w.mu.Unlock()
	for _, fn := range slices.Backward(hooks) {
		fn()
	}

	w.inbox.close()
	w.cell.Discard()
	w.shared.Release()
}

// abandon discards a worker that never became observable. The endpoint is
// left to the creator.
func (w *Worker) abandon(cause error) {
	if !w.machine.Finish(lifecycle.StateAborted, cause) {
		return
	}
	w.inbox.close()
	w.cell.Discard()
	w.shared.Release()
}

func (w *Worker) setStepCancel(cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stepCancel = cancel
}

func (w *Worker) observeTransition(from, to lifecycle.State) {
	if !to.IsTerminal() {
		w.logger.Debug("worker started")
		return
	}

	if w.announced {
		metrics := w.shared.Metrics()
		metrics.WorkersActive.Dec()
		metrics.WorkersFinished.WithLabelValues(to.String()).Inc()
	}

	switch to {
	case lifecycle.StateFaulted:
		w.logger.Warn("worker faulted", "from", from, "err", w.machine.Err())
	default:
		w.logger.Debug("worker finished", "state", to, "from", from)
	}
}
