// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/core/lifecycle"
	"github.com/invowk/vworker/internal/ops"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/state"
)

// Variant names, used as metric labels.
const (
	VariantGeneric = "generic"
	VariantNested  = "nested"
	VariantHost    = "host"
)

var (
	// NestedGroups are installed into nested workers: they can talk to their
	// parent and create workers of their own.
	NestedGroups = []string{ops.GroupMessaging, ops.GroupHost, ops.GroupStore}

	// HostGroups are installed into the root worker, which has no parent to
	// talk to.
	HostGroups = []string{ops.GroupHost, ops.GroupStore}

	errEnvironmentBusy = errors.New("environment is busy")
	errAlreadyStarted  = errors.New("worker already started")
	errEmptyOpName     = errors.New("op name is empty")
)

type (
	// NestedWorker is a worker created by another worker.
	NestedWorker struct {
		*Worker
	}

	// HostWorker is the root of a worker hierarchy.
	HostWorker struct {
		*Worker
	}
)

// NewNested creates a nested worker with the messaging, host and store groups.
func NewNested(name string, boot scriptenv.Bootstrap, shared *state.Shared, port *channel.Endpoint, opts ...Option) (*NestedWorker, error) {
	groups, err := ops.DefaultRegistry.Resolve(NestedGroups...)
	if err != nil {
		return nil, &RegistrationError{Worker: name, Err: err}
	}
	w, err := NewVariant(VariantNested, groups, name, boot, shared, port, opts...)
	if err != nil {
		return nil, err
	}
	return &NestedWorker{Worker: w}, nil
}

// NewHost creates a root worker with the host and store groups.
func NewHost(name string, boot scriptenv.Bootstrap, shared *state.Shared, port *channel.Endpoint, opts ...Option) (*HostWorker, error) {
	groups, err := ops.DefaultRegistry.Resolve(HostGroups...)
	if err != nil {
		return nil, &RegistrationError{Worker: name, Err: err}
	}
	w, err := NewVariant(VariantHost, groups, name, boot, shared, port, opts...)
	if err != nil {
		return nil, err
	}
	return &HostWorker{Worker: w}, nil
}

// NewVariant creates a worker and installs groups into its environment, in
// order, before any script code runs. On failure the environment is
// discarded and no worker is returned.
func NewVariant(variant string, groups []ops.Group, name string, boot scriptenv.Bootstrap, shared *state.Shared, port *channel.Endpoint, opts ...Option) (*Worker, error) {
	w, err := newWorker(name, boot, shared, port, append(opts, withVariant(variant))...)
	if err != nil {
		return nil, err
	}
	if err := w.install(groups); err != nil {
		w.abandon(err)
		return nil, err
	}
	w.announce()
	return w, nil
}

// install registers every op of groups under the guard. All names are
// validated before the first registration.
func (w *Worker) install(groups []ops.Group) error {
	g, err := w.cell.TryAcquire()
	if err != nil {
		return &RegistrationError{Worker: w.name, Err: err}
	}
	if g == nil {
		return &RegistrationError{Worker: w.name, Err: errEnvironmentBusy}
	}
	defer g.Release()

	if w.machine.State() != lifecycle.StateCreated {
		return &RegistrationError{Worker: w.name, Err: errAlreadyStarted}
	}

	type entry struct {
		group string
		op    scriptenv.Op
	}
	var entries []entry
	owner := make(map[string]string)
	for _, group := range groups {
		for _, op := range group.Build(w) {
			name := op.Name()
			if strings.TrimSpace(name) == "" {
				return &RegistrationError{Worker: w.name, Group: group.Name, Err: errEmptyOpName}
			}
			if prev, dup := owner[name]; dup {
				return &RegistrationError{
					Worker: w.name,
					Group:  group.Name,
					Op:     name,
					Err:    fmt.Errorf("%w (also in %s)", scriptenv.ErrDuplicateOp, prev),
				}
			}
			owner[name] = group.Name
			entries = append(entries, entry{group: group.Name, op: op})
		}
	}

	env := g.Env()
	for _, e := range entries {
		if err := env.Register(e.op); err != nil {
			return &RegistrationError{Worker: w.name, Group: e.group, Op: e.op.Name(), Err: err}
		}
	}
	w.logger.Debug("ops installed", "count", len(entries))
	return nil
}
