// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"context"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/ops"
)

const (
	// StatusPending means the task has outstanding work or may receive more.
	StatusPending Status = iota
	// StatusReady means the task is terminal; the accompanying error is its result.
	StatusReady
)

type (
	// Status is the outcome of one drive step.
	Status int

	// Task is the drivable surface shared by Worker and every variant.
	Task interface {
		ID() string
		Name() string
		Port() *channel.Endpoint
		Step(ctx context.Context) (Status, error)
		Run(ctx context.Context) error
		Close() error
		Done() <-chan struct{}
		Err() error
	}
)

var (
	_ Task     = (*Worker)(nil)
	_ Task     = (*NestedWorker)(nil)
	_ Task     = (*HostWorker)(nil)
	_ ops.Host = (*Worker)(nil)
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}
