// SPDX-License-Identifier: MPL-2.0

package ops

import (
	"fmt"
	"slices"
	"sync"

	"github.com/invowk/vworker/internal/scriptenv"
)

// Group names.
const (
	GroupMessaging = "worker-messaging"
	GroupHost      = "worker-host"
	GroupStore     = "shared-store"
)

// DefaultRegistry holds the built-in groups.
var DefaultRegistry = NewRegistry()

type (
	// Group is a named op set. Build returns fresh ops bound to h and must not
	// call h: hosts are only used once the ops run.
	Group struct {
		Name  string
		Build func(h Host) []scriptenv.Op
	}

	// Registry maps group names to groups. It is safe for concurrent use.
	Registry struct {
		mu     sync.RWMutex
		groups map[string]Group
	}
)

func init() {
	DefaultRegistry.Register(MessagingGroup())
	DefaultRegistry.Register(HostGroup())
	DefaultRegistry.Register(StoreGroup())
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]Group)}
}

// Register adds g. It panics on an empty or duplicate name, or a nil Build.
func (r *Registry) Register(g Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.Name == "" {
		panic("ops: cannot register group with empty name")
	}
	if g.Build == nil {
		panic(fmt.Sprintf("ops: group %q has no Build function", g.Name))
	}
	if _, exists := r.groups[g.Name]; exists {
		panic(fmt.Sprintf("ops: group %q already registered", g.Name))
	}
	r.groups[g.Name] = g
}

// Lookup retrieves a group by name.
func (r *Registry) Lookup(name string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	return g, ok
}

// Names returns the registered group names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve returns the named groups in the given order.
func (r *Registry) Resolve(names ...string) ([]Group, error) {
	groups := make([]Group, 0, len(names))
	for _, name := range names {
		g, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown op group %q", name)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// OpNames lists the op names g installs, in installation order.
func (g Group) OpNames() []string {
	built := g.Build(nil)
	names := make([]string, len(built))
	for i, op := range built {
		names[i] = op.Name()
	}
	return names
}
