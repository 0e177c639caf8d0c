// SPDX-License-Identifier: MPL-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/invowk/vworker/internal/state"
	"github.com/invowk/vworker/internal/worker"
)

// DefaultGracePeriod is how long Run waits for nested workers to wind down
// after the root finished before aborting them.
const DefaultGracePeriod = 5 * time.Second

var (
	// ErrWorkerLimit is returned when starting a task would exceed the
	// MaxWorkers setting.
	ErrWorkerLimit = errors.New("worker limit reached")

	// ErrShutdown is returned when starting a task on a scheduler that is
	// shutting down.
	ErrShutdown = errors.New("scheduler is shutting down")
)

type (
	// Option configures a Scheduler.
	Option func(*Scheduler)

	// Scheduler runs worker tasks concurrently and implements state.Spawner.
	Scheduler struct {
		shared     *state.Shared
		logger     *log.Logger
		workerOpts []worker.Option
		grace      time.Duration

		ctx    context.Context
		cancel context.CancelFunc
		group  errgroup.Group

		mu       sync.Mutex
		tasks    map[string]worker.Task
		shutdown bool
	}
)

var _ state.Spawner = (*Scheduler)(nil)

// WithWorkerOptions sets options applied to every nested worker the
// scheduler constructs, such as stdio and clock.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(s *Scheduler) { s.workerOpts = append(s.workerOpts, opts...) }
}

// WithGracePeriod sets how long Run waits for nested workers after the root
// finished. Zero aborts them right away.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithLogger sets the scheduler's logger. Defaults to the shared state's.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler and installs it as the spawner of shared. Tasks
// run under ctx; cancelling it aborts them all.
func New(ctx context.Context, shared *state.Shared, opts ...Option) *Scheduler {
	s := &Scheduler{
		shared: shared,
		grace:  DefaultGracePeriod,
		tasks:  make(map[string]worker.Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = shared.Logger()
	}
	s.logger = s.logger.WithPrefix("scheduler")
	s.ctx, s.cancel = context.WithCancel(ctx)

	limit := shared.Settings().MaxWorkers
	if limit <= 0 {
		limit = -1
	}
	s.group.SetLimit(limit)
	shared.SetSpawner(s)
	return s
}

// Spawn constructs a nested worker for req and starts driving it. It
// implements state.Spawner.
func (s *Scheduler) Spawn(_ context.Context, req state.SpawnRequest) error {
	if s.isShutdown() {
		return ErrShutdown
	}

	opts := append([]worker.Option{}, s.workerOpts...)
	opts = append(opts, worker.WithDepth(req.Depth), worker.WithParentID(req.ParentID))
	w, err := worker.NewNested(req.Name, req.Bootstrap, s.shared, req.Port, opts...)
	if err != nil {
		return err
	}
	return s.Go(w, req.OnExit)
}

// Go starts driving task on its own goroutine. onExit, if non-nil, receives
// the task's result. When the task cannot be started it is closed, onExit is
// not called and ErrWorkerLimit or ErrShutdown is returned.
func (s *Scheduler) Go(task worker.Task, onExit func(error)) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = task.Close()
		return ErrShutdown
	}
	s.tasks[task.ID()] = task
	s.mu.Unlock()

	started := s.group.TryGo(func() error {
		defer s.untrack(task)
		err := task.Run(s.ctx)
		if onExit != nil {
			onExit(err)
		}
		return nil
	})
	if !started {
		s.untrack(task)
		_ = task.Close()
		s.shared.Metrics().SpawnRejected.Inc()
		s.logger.Warn("task refused", "task", task.Name(), "limit", s.shared.Settings().MaxWorkers)
		return fmt.Errorf("%w (max %d)", ErrWorkerLimit, s.shared.Settings().MaxWorkers)
	}
	return nil
}

// Run drives root until it is terminal and returns its result. Nested
// workers still alive afterwards get the grace period to finish before they
// are aborted. Cancelling ctx aborts everything.
func (s *Scheduler) Run(ctx context.Context, root worker.Task) error {
	var rootErr error
	if err := s.Go(root, func(err error) { rootErr = err }); err != nil {
		return err
	}

	select {
	case <-root.Done():
	case <-ctx.Done():
		s.Shutdown()
	}

	drained := make(chan struct{})
	go func() {
		s.Wait()
		close(drained)
	}()

	var grace <-chan time.Time
	if s.grace > 0 {
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		grace = timer.C
	} else {
		s.Shutdown()
	}

	select {
	case <-drained:
	case <-grace:
		s.logger.Warn("nested workers outlived the grace period", "active", s.Active())
		s.Shutdown()
		<-drained
	}
	return rootErr
}

// Shutdown refuses new tasks and aborts every running one. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	tasks := make([]worker.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	s.cancel()
	for _, t := range tasks {
		_ = t.Close()
	}
}

// Wait blocks until every started task has returned.
func (s *Scheduler) Wait() {
	_ = s.group.Wait()
}

// Active returns the number of tasks currently being driven.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) untrack(task worker.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, task.ID())
}

func (s *Scheduler) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
