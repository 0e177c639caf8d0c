// SPDX-License-Identifier: MPL-2.0

package ops

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/state"
	"github.com/invowk/vworker/internal/telemetry"
)

// Worker-host op names.
const (
	OpWorkerCreate    = "worker_create"
	OpWorkerPost      = "worker_post"
	OpWorkerTerminate = "worker_terminate"
	OpWorkerList      = "worker_list"
)

var (
	// ErrSpawnDenied is returned when permissions forbid creating workers.
	ErrSpawnDenied = errors.New("spawning workers is not permitted")

	// ErrDepthExceeded is returned when a child would nest too deeply.
	ErrDepthExceeded = errors.New("worker nesting depth exceeded")

	// ErrDuplicateChild is returned when a live sibling already has the name.
	ErrDuplicateChild = errors.New("a live child already has this name")

	// ErrUnknownChild is returned when no live child has the given name.
	ErrUnknownChild = errors.New("no live child with this name")

	// ErrShuttingDown is returned when creating children of a terminal worker.
	ErrShuttingDown = errors.New("worker is shutting down")
)

const createUsage = OpWorkerCreate + " NAME FILE [ARGS...] | " + OpWorkerCreate + " NAME -c SOURCE [ARGS...]"

type (
	// children is one worker's table of live nested workers.
	children struct {
		host Host

		hookOnce sync.Once

		mu      sync.Mutex
		live    map[string]*child
		closing bool
	}

	child struct {
		name string
		port *channel.Endpoint
		exit chan error
	}
)

// HostGroup lets script code create and manage nested workers. Child
// messages arrive as "onworkermessage NAME DATA" calls and child termination
// as "onworkerexit NAME STATUS". Each live child keeps its parent's event
// loop alive. When the parent ends, every live child is sent a terminate
// signal and its channel is closed.
func HostGroup() Group {
	return Group{
		Name: GroupHost,
		Build: func(h Host) []scriptenv.Op {
			c := &children{host: h, live: make(map[string]*child)}
			return []scriptenv.Op{
				NewFunc(OpWorkerCreate, c.create),
				NewFunc(OpWorkerPost, c.post),
				NewFunc(OpWorkerTerminate, c.terminate),
				NewFunc(OpWorkerList, c.list),
			}
		},
	}
}

// create implements: worker_create NAME FILE [ARGS...] | worker_create NAME -c SOURCE [ARGS...]
func (c *children) create(ctx context.Context, hc *HandlerContext, args []string) error {
	if len(args) < 3 || args[1] == "" {
		return &UsageError{Usage: createUsage}
	}
	name := args[1]

	shared := c.host.Shared()
	perms := shared.Permissions()
	if !perms.AllowSpawn {
		return ErrSpawnDenied
	}
	depth := c.host.Depth() + 1
	if depth > perms.MaxDepth {
		return fmt.Errorf("%w: depth %d, limit %d", ErrDepthExceeded, depth, perms.MaxDepth)
	}

	boot, err := loadBootstrap(hc, name, args[2:])
	if err != nil {
		return err
	}

	parentEnd, childEnd := channel.NewPair(shared.Settings().ChannelCapacity)
	ch := &child{name: name, port: parentEnd, exit: make(chan error, 1)}

	if err := c.reserve(ch); err != nil {
		return err
	}
	c.hookOnce.Do(func() { c.host.OnTerminal(c.shutdown) })

	release := c.host.Hold()
	err = shared.Spawn(ctx, state.SpawnRequest{
		Name:      name,
		ParentID:  c.host.ID(),
		Depth:     depth,
		Bootstrap: boot,
		Port:      childEnd,
		OnExit:    func(err error) { ch.exit <- err },
	})
	if err != nil {
		c.remove(ch)
		parentEnd.Close()
		childEnd.Close()
		release()
		return err
	}

	c.host.Logger().Debug("child created", "child", name, "depth", depth)
	go c.forward(ch, release)
	return nil
}

// post implements: worker_post NAME [DATA...]
func (c *children) post(_ context.Context, hc *HandlerContext, args []string) error {
	if len(args) < 2 {
		return &UsageError{Usage: OpWorkerPost + " NAME [DATA...]"}
	}
	ch, err := c.lookup(args[1])
	if err != nil {
		return err
	}
	data, err := payload(hc, args[2:])
	if err != nil {
		return err
	}
	metrics := c.host.Shared().Metrics()
	if err := ch.port.Send(data); err != nil {
		metrics.SendFailures.WithLabelValues(sendFailureReason(err)).Inc()
		return fmt.Errorf("post to %s: %w", ch.name, err)
	}
	metrics.Messages.WithLabelValues(telemetry.DirectionDown).Inc()
	return nil
}

// terminate implements: worker_terminate NAME
func (c *children) terminate(_ context.Context, _ *HandlerContext, args []string) error {
	if len(args) != 2 {
		return &UsageError{Usage: OpWorkerTerminate + " NAME"}
	}
	ch, err := c.lookup(args[1])
	if err != nil {
		return err
	}
	if err := ch.port.SendSignal(channel.SignalTerminate); err != nil {
		return fmt.Errorf("terminate %s: %w", ch.name, err)
	}
	return nil
}

// list implements: worker_list
func (c *children) list(_ context.Context, hc *HandlerContext, args []string) error {
	if len(args) > 1 {
		return &UsageError{Usage: OpWorkerList}
	}
	c.mu.Lock()
	names := slices.Sorted(maps.Keys(c.live))
	c.mu.Unlock()
	for _, name := range names {
		fmt.Fprintln(hc.Stdout, name)
	}
	return nil
}

func (c *children) reserve(ch *child) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrShuttingDown
	}
	if _, exists := c.live[ch.name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateChild, ch.name)
	}
	c.live[ch.name] = ch
	return nil
}

func (c *children) remove(ch *child) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[ch.name] == ch {
		delete(c.live, ch.name)
	}
}

func (c *children) lookup(name string) (*child, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.live[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChild, name)
	}
	return ch, nil
}

// forward relays a child's messages into the parent's event loop until the
// child's channel ends, then reports the child's exit status.
func (c *children) forward(ch *child, release func()) {
	defer release()

	for {
		msg, err := ch.port.Receive(context.Background())
		if err != nil {
			break
		}
		if msg.IsControl() {
			continue
		}
		c.host.Post(scriptenv.Job{
			Kind:     scriptenv.JobCall,
			Func:     scriptenv.HandlerWorkerMessage,
			Args:     []string{ch.name, string(msg.Data)},
			Optional: true,
		})
	}

	err := <-ch.exit
	c.remove(ch)
	ch.port.Close()

	code := ExitCode(err)
	c.host.Logger().Debug("child exited", "child", ch.name, "status", code, "err", err)
	c.host.Post(scriptenv.Job{
		Kind:     scriptenv.JobCall,
		Func:     scriptenv.HandlerWorkerExit,
		Args:     []string{ch.name, strconv.Itoa(code)},
		Optional: true,
	})
}

// shutdown runs when the parent is terminal.
func (c *children) shutdown() {
	c.mu.Lock()
	c.closing = true
	live := slices.Collect(maps.Values(c.live))
	c.mu.Unlock()

	for _, ch := range live {
		_ = ch.port.SendSignal(channel.SignalTerminate)
		ch.port.Close()
	}
}

// loadBootstrap parses "FILE [ARGS...]" or "-c SOURCE [ARGS...]".
func loadBootstrap(hc *HandlerContext, name string, args []string) (scriptenv.Bootstrap, error) {
	if args[0] == "-c" {
		if len(args) < 2 {
			return scriptenv.Bootstrap{}, &UsageError{Usage: createUsage}
		}
		return scriptenv.Bootstrap{
			Source:   []byte(args[1]),
			Filename: name,
			Args:     args[2:],
			Dir:      hc.Dir,
		}, nil
	}

	path := args[0]
	if !filepath.IsAbs(path) && hc.Dir != "" {
		path = filepath.Join(hc.Dir, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return scriptenv.Bootstrap{}, fmt.Errorf("read worker script: %w", err)
	}
	return scriptenv.Bootstrap{
		Source:   src,
		Filename: args[0],
		Args:     args[1:],
		Dir:      hc.Dir,
	}, nil
}
