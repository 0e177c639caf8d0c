// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/telemetry"
)

var (
	// ErrNoSpawner is returned when a worker asks to spawn but no spawning
	// facility was installed.
	ErrNoSpawner = errors.New("no spawner installed")

	// ErrReleased is returned by Retain after the last reference was dropped.
	ErrReleased = errors.New("shared state already released")
)

type (
	// Settings are runtime tunables read by workers and ops.
	Settings struct {
		// ChannelCapacity bounds each direction of a parent/child channel.
		ChannelCapacity int
		// MaxWorkers bounds concurrently driven workers.
		MaxWorkers int
		// Coreutils makes the built-in file utilities (cat, ls, cp, ...)
		// available to scripts without running host binaries.
		Coreutils bool
	}

	// Permissions gate what script code may do.
	Permissions struct {
		// AllowSpawn permits worker_create.
		AllowSpawn bool
		// AllowExec permits running host binaries that are not registered ops.
		AllowExec bool
		// MaxDepth bounds nesting: a root worker has depth 0 and may create
		// children only while their depth stays at or below MaxDepth.
		MaxDepth int
	}

	// SpawnRequest asks the spawning facility to construct and drive a nested
	// worker.
	SpawnRequest struct {
		// Name is the child name, unique among the parent's live children.
		Name string
		// ParentID identifies the requesting worker in logs.
		ParentID string
		// Depth is the child's nesting depth.
		Depth int
		// Bootstrap is the child's startup script.
		Bootstrap scriptenv.Bootstrap
		// Port is the child's channel endpoint. The parent keeps the peer.
		Port *channel.Endpoint
		// OnExit is called once with the child's task result after it ends.
		OnExit func(err error)
	}

	// Spawner constructs nested workers and schedules them for driving.
	// Spawn returns once the child is constructed and scheduled; construction
	// errors are returned synchronously and OnExit is then never called.
	Spawner interface {
		Spawn(ctx context.Context, req SpawnRequest) error
	}

	// Shared is the process-wide runtime state.
	Shared struct {
		refs atomic.Int64

		mu       sync.RWMutex
		settings Settings
		perms    Permissions
		spawner  Spawner
		stores   map[string]*Store

		hooksMu sync.Mutex
		hooks   []func()

		metrics *telemetry.Metrics
		logger  *log.Logger
	}

	// Option configures a Shared value.
	Option func(*Shared)
)

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		ChannelCapacity: channel.DefaultCapacity,
		MaxWorkers:      64,
		Coreutils:       true,
	}
}

// DefaultPermissions returns the permissions used when none are configured.
func DefaultPermissions() Permissions {
	return Permissions{
		AllowSpawn: true,
		MaxDepth:   8,
	}
}

// WithSettings sets the initial settings.
func WithSettings(s Settings) Option {
	return func(sh *Shared) { sh.settings = s }
}

// WithPermissions sets the initial permissions.
func WithPermissions(p Permissions) Option {
	return func(sh *Shared) { sh.perms = p }
}

// WithSpawner installs the spawning facility.
func WithSpawner(sp Spawner) Option {
	return func(sh *Shared) { sh.spawner = sp }
}

// WithMetrics sets the metrics sink. Defaults to a fresh registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(sh *Shared) { sh.metrics = m }
}

// WithLogger sets the root logger. Defaults to a discarding logger.
func WithLogger(l *log.Logger) Option {
	return func(sh *Shared) { sh.logger = l }
}

// New creates a Shared value holding one reference, owned by the caller.
func New(opts ...Option) *Shared {
	sh := &Shared{
		settings: DefaultSettings(),
		perms:    DefaultPermissions(),
		stores:   make(map[string]*Store),
	}
	for _, opt := range opts {
		opt(sh)
	}
	if sh.metrics == nil {
		sh.metrics = telemetry.NewMetrics()
	}
	if sh.logger == nil {
		sh.logger = telemetry.Discard()
	}
	if sh.settings.ChannelCapacity <= 0 {
		sh.settings.ChannelCapacity = channel.DefaultCapacity
	}
	sh.refs.Store(1)
	return sh
}

// Retain adds a reference. It fails once the state has been fully released.
func (sh *Shared) Retain() error {
	for {
		n := sh.refs.Load()
		if n <= 0 {
			return ErrReleased
		}
		if sh.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference. The last release runs the release hooks in
// reverse registration order. Releasing more times than retained panics.
func (sh *Shared) Release() {
	n := sh.refs.Add(-1)
	if n < 0 {
		panic("state: Shared released more times than retained")
	}
	if n > 0 {
		return
	}

	sh.hooksMu.Lock()
	hooks := sh.hooks
	sh.hooks = nil
	sh.hooksMu.Unlock()

	for _, hook := range slices.Backward(hooks) {
		hook()
	}
}

// Refs returns the current reference count.
func (sh *Shared) Refs() int64 {
	return sh.refs.Load()
}

// OnRelease registers fn to run when the last reference is released.
func (sh *Shared) OnRelease(fn func()) {
	sh.hooksMu.Lock()
	defer sh.hooksMu.Unlock()
	sh.hooks = append(sh.hooks, fn)
}

// Settings returns a snapshot of the settings.
func (sh *Shared) Settings() Settings {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.settings
}

// UpdateSettings applies fn to a copy of the settings and stores the result
// atomically.
func (sh *Shared) UpdateSettings(fn func(*Settings)) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	next := sh.settings
	fn(&next)
	sh.settings = next
}

// Permissions returns a snapshot of the permission flags.
func (sh *Shared) Permissions() Permissions {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.perms
}

// UpdatePermissions applies fn to a copy of the permissions and stores the
// result atomically.
func (sh *Shared) UpdatePermissions(fn func(*Permissions)) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	next := sh.perms
	fn(&next)
	sh.perms = next
}

// SetSpawner installs or replaces the spawning facility.
func (sh *Shared) SetSpawner(sp Spawner) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.spawner = sp
}

// Spawn forwards req to the installed spawner.
func (sh *Shared) Spawn(ctx context.Context, req SpawnRequest) error {
	sh.mu.RLock()
	sp := sh.spawner
	sh.mu.RUnlock()
	if sp == nil {
		return ErrNoSpawner
	}
	if err := sp.Spawn(ctx, req); err != nil {
		return fmt.Errorf("spawn %s: %w", req.Name, err)
	}
	return nil
}

// Store returns the named store, creating it on first use.
func (sh *Shared) Store(name string) *Store {
	sh.mu.RLock()
	st, ok := sh.stores[name]
	sh.mu.RUnlock()
	if ok {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok = sh.stores[name]; ok {
		return st
	}
	st = newStore()
	sh.stores[name] = st
	return st
}

// StoreNames returns the names of all stores created so far, sorted.
func (sh *Shared) StoreNames() []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	names := make([]string, 0, len(sh.stores))
	for name := range sh.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Metrics returns the metrics sink.
func (sh *Shared) Metrics() *telemetry.Metrics {
	return sh.metrics
}

// Logger returns the root logger.
func (sh *Shared) Logger() *log.Logger {
	return sh.logger
}
