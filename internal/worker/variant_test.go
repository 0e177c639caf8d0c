// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/core/lifecycle"
	"github.com/invowk/vworker/internal/ops"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/state"
	testhelp "github.com/invowk/vworker/internal/testutil"
)

func TestNewVariant_OpsInstalledBeforeFirstStep(t *testing.T) {
	t.Parallel()

	env := newMockEnv()
	port, _ := channel.NewPair(1)
	w, err := NewVariant("test", []ops.Group{staticGroup("alpha", "first_op", "second_op")},
		"v", boot("unused"), state.New(), port, WithFactory(env.factory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	names, err := w.Ops(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"first_op", "second_op"}, names)
	assert.Zero(t, env.runs.Load(), "no script code may run during construction")
	assert.Equal(t, lifecycle.StateCreated, w.State())
	assert.Equal(t, "test", w.Variant())
}

func TestNewVariant_RegistrationFailureDiscardsEnvironment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		groups    []ops.Group
		failAt    int
		wantGroup string
		wantOp    string
		wantIs    error
		installed []string
	}{
		{
			name:      "environment rejects second op",
			groups:    []ops.Group{staticGroup("alpha", "first_op", "second_op")},
			failAt:    2,
			wantGroup: "alpha",
			wantOp:    "second_op",
			installed: []string{"first_op"},
		},
		{
			name:      "duplicate name across groups",
			groups:    []ops.Group{staticGroup("alpha", "dup"), staticGroup("beta", "dup")},
			wantGroup: "beta",
			wantOp:    "dup",
			wantIs:    scriptenv.ErrDuplicateOp,
		},
		{
			name:      "empty op name",
			groups:    []ops.Group{staticGroup("alpha", "ok"), staticGroup("beta", " ")},
			wantGroup: "beta",
			wantIs:    errEmptyOpName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newMockEnv()
			env.failRegisterAt = tt.failAt
			shared := state.New()
			port, parent := channel.NewPair(1)

			w, err := NewVariant("test", tt.groups, "v", boot("unused"), shared, port, WithFactory(env.factory()))
			require.Nil(t, w)
			require.ErrorIs(t, err, ErrRegistration)
			if tt.wantIs != nil {
				require.ErrorIs(t, err, tt.wantIs)
			}

			var regErr *RegistrationError
			require.ErrorAs(t, err, &regErr)
			assert.Equal(t, tt.wantGroup, regErr.Group)
			assert.Equal(t, tt.wantOp, regErr.Op)

			assert.Equal(t, int32(1), env.closed.Load(), "environment must be discarded")
			assert.Equal(t, tt.installed, env.Ops())
			assert.Zero(t, env.runs.Load())
			assert.Equal(t, int64(1), shared.Refs())

			metrics := shared.Metrics()
			assert.Zero(t, testutil.CollectAndCount(metrics.WorkersStarted), "rejected worker counted as started")
			assert.Zero(t, testutil.CollectAndCount(metrics.WorkersFinished))
			assert.InDelta(t, 0, testutil.ToFloat64(metrics.WorkersActive), 0)

			// The endpoint still belongs to the creator.
			assert.False(t, port.Closed())
			require.NoError(t, parent.Send([]byte("still open")))
		})
	}
}

func TestInstall_AfterStartIsRejected(t *testing.T) {
	t.Parallel()

	sw := newShellWorker(t, "onmessage() { :; }")
	status, err := sw.w.Step(t.Context())
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	err = sw.w.install([]ops.Group{staticGroup("late", "late_op")})
	require.ErrorIs(t, err, ErrRegistration)
	require.ErrorIs(t, err, errAlreadyStarted)
}

func TestNewNested_PingPong(t *testing.T) {
	t.Parallel()

	stdout := &testhelp.SyncBuffer{}
	port, parent := channel.NewPair(4)
	w, err := NewNested("a", boot(`
onmessage() { echo "got $1"; close; }
postmessage ping
`), state.New(), port, WithStdio(nil, stdout, nil), WithDepth(1))
	require.NoError(t, err)
	done := runAsync(t.Context(), w.Worker)

	msg, err := parent.Receive(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg.Data))
	require.NoError(t, parent.Send([]byte("pong")))

	require.NoError(t, awaitResult(t, done))
	assert.Equal(t, []string{"got pong"}, stdout.Lines())
	assert.Equal(t, lifecycle.StateCompleted, w.State())
	assert.Equal(t, 1, w.Depth())
	assert.Equal(t, VariantNested, w.Variant())
}

func TestNewNested_InstalledOps(t *testing.T) {
	t.Parallel()

	port, _ := channel.NewPair(1)
	w, err := NewNested("a", boot("true"), state.New(), port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	names, err := w.Ops(t.Context())
	require.NoError(t, err)

	var want []string
	for _, g := range NestedGroups {
		group, ok := ops.DefaultRegistry.Lookup(g)
		require.True(t, ok)
		want = append(want, group.OpNames()...)
	}
	assert.Equal(t, want, names)
	assert.Contains(t, names, ops.OpPostMessage)
	assert.Contains(t, names, ops.OpWorkerCreate)
}

func TestNewHost_HasNoParentMessaging(t *testing.T) {
	t.Parallel()

	stdout := &testhelp.SyncBuffer{}
	stderr := &testhelp.SyncBuffer{}
	port, _ := channel.NewPair(1)
	w, err := NewHost("root", boot(`
postmessage hello
shared_set greeting hi there
shared_get greeting
`), state.New(), port, WithStdio(nil, stdout, stderr))
	require.NoError(t, err)

	names, err := w.Ops(t.Context())
	require.NoError(t, err)
	assert.NotContains(t, names, ops.OpPostMessage)
	assert.Contains(t, names, ops.OpSharedSet)

	require.NoError(t, w.Run(t.Context()))
	assert.Contains(t, stderr.String(), "postmessage: command not found")
	assert.Equal(t, []string{"hi there"}, stdout.Lines())
	assert.Equal(t, VariantHost, w.Variant())
}

func TestCloseOp_CompletesWorker(t *testing.T) {
	t.Parallel()

	stdout := &testhelp.SyncBuffer{}
	port, _ := channel.NewPair(1)
	w, err := NewNested("a", boot(`
onmessage() { :; }
f() { echo never; }
settimeout 60000 f
echo before
close
echo after
`), state.New(), port, WithStdio(nil, stdout, nil))
	require.NoError(t, err)

	status, err := w.Step(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
	assert.Equal(t, lifecycle.StateCompleted, w.State())
	// close takes effect after the running job returns.
	assert.Equal(t, []string{"before", "after"}, stdout.Lines())
}

func TestCloseOp_DropsRemainingJobs(t *testing.T) {
	t.Parallel()

	stdout := &testhelp.SyncBuffer{}
	port, parent := channel.NewPair(4)
	w, err := NewNested("a", boot(`
onmessage() { echo "got $1"; close; }
later() { echo later; }
settimeout 0 later
`), state.New(), port, WithStdio(nil, stdout, nil))
	require.NoError(t, err)

	for _, m := range []string{"m1", "m2", "m3"} {
		require.NoError(t, parent.Send([]byte(m)))
	}

	require.NoError(t, awaitResult(t, runAsync(t.Context(), w.Worker)))
	assert.Equal(t, []string{"got m1"}, stdout.Lines())
	assert.Equal(t, lifecycle.StateCompleted, w.State())
}

func TestStep_PanicBecomesFault(t *testing.T) {
	t.Parallel()

	group := ops.Group{
		Name: "boom",
		Build: func(ops.Host) []scriptenv.Op {
			return []scriptenv.Op{namedOp{name: "explode", explode: true}}
		},
	}
	port, parent := channel.NewPair(1)
	w, err := NewVariant("test", []ops.Group{group}, "p", boot("explode"), state.New(), port)
	require.NoError(t, err)

	status, err := w.Step(t.Context())
	assert.Equal(t, StatusReady, status)
	require.ErrorIs(t, err, ErrExecutionFault)
	assert.Equal(t, lifecycle.StateFaulted, w.State())
	assert.False(t, w.cell.Held())
	assert.True(t, w.cell.Discarded())

	_, err = parent.Receive(t.Context())
	require.Error(t, err)
}

func TestTask_DrivesEveryVariant(t *testing.T) {
	t.Parallel()

	shared := state.New()
	newTask := map[string]func(port *channel.Endpoint) (Task, error){
		VariantGeneric: func(port *channel.Endpoint) (Task, error) {
			return New("g", boot("echo generic"), shared, port)
		},
		VariantNested: func(port *channel.Endpoint) (Task, error) {
			return NewNested("n", boot("postmessage nested"), shared, port)
		},
		VariantHost: func(port *channel.Endpoint) (Task, error) {
			return NewHost("h", boot("shared_set seen yes"), shared, port)
		},
	}

	for variant, build := range newTask {
		port, parent := channel.NewPair(4)
		task, err := build(port)
		require.NoError(t, err, variant)

		require.NoError(t, task.Run(context.Background()), variant)
		select {
		case <-task.Done():
		default:
			t.Fatalf("%s: Done not closed after Run", variant)
		}
		require.NoError(t, task.Err(), variant)
		assert.True(t, parent.Closed() || task.Port().Closed(), variant)
	}

	seen, ok := shared.Store(ops.StoreVars).Get("seen")
	require.True(t, ok)
	assert.Equal(t, "yes", seen)
	assert.Equal(t, int64(1), shared.Refs())
}
