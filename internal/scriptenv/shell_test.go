// SPDX-License-Identifier: MPL-2.0

package scriptenv

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/interp"

	"github.com/invowk/vworker/internal/testutil"
)

type recordOp struct {
	name  string
	calls [][]string
}

func (o *recordOp) Name() string { return o.name }

func (o *recordOp) Run(ctx context.Context, args []string) error {
	o.calls = append(o.calls, append([]string(nil), args...))
	hc := interp.HandlerCtx(ctx)
	_, _ = hc.Stdout.Write([]byte("op:" + strings.Join(args[1:], ",") + "\n"))
	return nil
}

type shellHarness struct {
	shell  *Shell
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	clock  *testutil.FakeClock
}

func newShell(t *testing.T, src string, mutate ...func(*Bootstrap)) *shellHarness {
	t.Helper()

	h := &shellHarness{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		clock:  testutil.NewFakeClock(time.Time{}),
	}
	boot := Bootstrap{Source: []byte(src), Filename: "test.sh"}
	for _, m := range mutate {
		m(&boot)
	}
	shell, err := NewShell("test", boot, ShellOptions{
		Stdout: h.stdout,
		Stderr: h.stderr,
		Clock:  h.clock,
	})
	require.NoError(t, err)
	h.shell = shell
	return h
}

func TestNewShell_InvalidBootstrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"whitespace", "  \n\t\n"},
		{"syntax error", "if then fi"},
		{"unterminated quote", "echo 'oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewShell("bad", Bootstrap{Source: []byte(tt.src)}, ShellOptions{})
			require.ErrorIs(t, err, ErrInvalidBootstrap)

			var ibe *InvalidBootstrapError
			require.ErrorAs(t, err, &ibe)
			assert.Equal(t, "bad", ibe.Filename)
		})
	}
}

func TestShell_BootstrapRunsOnFirstRunPending(t *testing.T) {
	t.Parallel()

	h := newShell(t, `echo "hello $1 $GREETING"`, func(b *Bootstrap) {
		b.Args = []string{"-v"}
		b.Env = []string{"GREETING=there"}
	})

	assert.Equal(t, 1, h.shell.Pending().Jobs)
	assert.Empty(t, h.stdout.String(), "bootstrap ran before RunPending")

	require.NoError(t, h.shell.RunPending(context.Background(), nil))
	assert.Equal(t, "hello -v there\n", h.stdout.String())
	assert.Equal(t, 0, h.shell.Pending().Jobs)
}

func TestShell_RegisterOps(t *testing.T) {
	t.Parallel()

	h := newShell(t, `ping one "two words"`)
	ping := &recordOp{name: "ping"}

	require.NoError(t, h.shell.Register(ping))
	require.ErrorIs(t, h.shell.Register(&recordOp{name: "ping"}), ErrDuplicateOp)
	require.ErrorIs(t, h.shell.Register(&recordOp{name: builtinSetTimeout}), ErrDuplicateOp)
	require.Error(t, h.shell.Register(&recordOp{name: " "}))
	assert.Equal(t, []string{"ping"}, h.shell.Ops())

	require.NoError(t, h.shell.RunPending(context.Background(), nil))
	require.Len(t, ping.calls, 1)
	assert.Equal(t, []string{"ping", "one", "two words"}, ping.calls[0])
	assert.Equal(t, "op:one,two words\n", h.stdout.String())

	require.ErrorIs(t, h.shell.Register(&recordOp{name: "late"}), ErrSealed)
}

func TestShell_CallJobsQuoteArguments(t *testing.T) {
	t.Parallel()

	h := newShell(t, `onmessage() { printf '[%s]\n' "$1"; }`)
	ctx := context.Background()
	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.True(t, h.shell.Pending().Listening)

	payload := `it's "quoted" $HOME; rm -rf /`
	h.shell.Enqueue(Job{Kind: JobCall, Func: HandlerMessage, Args: []string{payload}})
	require.NoError(t, h.shell.RunPending(ctx, nil))

	assert.Equal(t, "["+payload+"]\n", h.stdout.String())
}

func TestShell_UndefinedHandler(t *testing.T) {
	t.Parallel()

	h := newShell(t, `true`)
	ctx := context.Background()
	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.False(t, h.shell.Pending().Listening)

	h.shell.Enqueue(Job{Kind: JobCall, Func: HandlerMessage, Args: []string{"x"}, Optional: true})
	require.NoError(t, h.shell.RunPending(ctx, nil))

	h.shell.Enqueue(Job{Kind: JobCall, Func: "missing"})
	err := h.shell.RunPending(ctx, nil)
	require.ErrorIs(t, err, ErrJobFailed)

	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, 127, jobErr.Status)
}

func TestShell_ExitStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		src        string
		wantStatus int
		wantFault  bool
		wantExited bool
	}{
		{"exit zero completes", "echo a; exit 0; echo b", 0, false, true},
		{"exit nonzero faults", "exit 3", 3, true, false},
		{"set -e faults", "set -e; false; echo unreachable", 1, true, false},
		{"failing last command is not a fault", "false", 0, false, false},
		{"unknown command is not a fault", "definitely-not-a-command", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newShell(t, tt.src)
			err := h.shell.RunPending(context.Background(), nil)
			if tt.wantFault {
				var jobErr *JobError
				require.ErrorAs(t, err, &jobErr)
				assert.Equal(t, tt.wantStatus, jobErr.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExited, h.shell.Pending().Exited)
		})
	}
}

func TestShell_ExitDropsLaterWork(t *testing.T) {
	t.Parallel()

	h := newShell(t, `onmessage() { echo "got $1"; exit 0; }; settimeout 5 onmessage late`)
	ctx := context.Background()
	require.NoError(t, h.shell.RunPending(ctx, nil))

	h.shell.Enqueue(Job{Kind: JobCall, Func: HandlerMessage, Args: []string{"first"}})
	h.shell.Enqueue(Job{Kind: JobCall, Func: HandlerMessage, Args: []string{"second"}})
	require.NoError(t, h.shell.RunPending(ctx, nil))

	p := h.shell.Pending()
	assert.True(t, p.Exited)
	assert.Zero(t, p.Jobs)
	assert.Zero(t, p.Timers)
	assert.False(t, p.Listening)
	assert.Equal(t, "got first\n", h.stdout.String())

	h.shell.Enqueue(Job{Kind: JobCall, Func: HandlerMessage, Args: []string{"third"}})
	assert.Zero(t, h.shell.Pending().Jobs)
}

func TestShell_UnknownCommandWithoutExec(t *testing.T) {
	t.Parallel()

	h := newShell(t, `ls /; echo "status=$?"`)
	require.NoError(t, h.shell.RunPending(context.Background(), nil))

	assert.Equal(t, "status=127\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "ls: command not found")
}

func TestShell_LookupCommand(t *testing.T) {
	t.Parallel()

	fallback := &recordOp{name: "ls"}
	shadowed := &recordOp{name: "greet"}
	var stdout bytes.Buffer
	shell, err := NewShell("test", Bootstrap{Source: []byte("ls -l; greet a; missing")}, ShellOptions{
		Stdout: &stdout,
		LookupCommand: func(name string) (Op, bool) {
			switch name {
			case "ls":
				return fallback, true
			case "greet":
				return shadowed, true
			}
			return nil, false
		},
	})
	require.NoError(t, err)

	registered := &recordOp{name: "greet"}
	require.NoError(t, shell.Register(registered))
	require.NoError(t, shell.RunPending(context.Background(), nil))

	assert.Equal(t, [][]string{{"ls", "-l"}}, fallback.calls)
	assert.Empty(t, shadowed.calls, "registered ops take precedence")
	assert.Equal(t, [][]string{{"greet", "a"}}, registered.calls)
	assert.Equal(t, "op:-l\nop:a\n", stdout.String())
}

func TestShell_Timers(t *testing.T) {
	t.Parallel()

	h := newShell(t, `
tick() { echo "tick $1"; }
settimeout 20 tick b
settimeout 10 tick a
settimeout 10 tick a2
`)
	ctx := context.Background()
	start := h.clock.Now()

	require.NoError(t, h.shell.RunPending(ctx, nil))
	p := h.shell.Pending()
	assert.Equal(t, 3, p.Timers)
	assert.Equal(t, start.Add(10*time.Millisecond), p.NextTimer)
	assert.Empty(t, h.stdout.String())

	h.clock.Advance(5 * time.Millisecond)
	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.Empty(t, h.stdout.String())

	h.clock.Advance(5 * time.Millisecond)
	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.Equal(t, "tick a\ntick a2\n", h.stdout.String())
	assert.Equal(t, 1, h.shell.Pending().Timers)

	h.clock.Advance(time.Second)
	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.Equal(t, "tick a\ntick a2\ntick b\n", h.stdout.String())
	assert.Zero(t, h.shell.Pending().Timers)
	assert.True(t, h.shell.Pending().NextTimer.IsZero())
}

func TestShell_SetTimeoutUsage(t *testing.T) {
	t.Parallel()

	h := newShell(t, `settimeout; echo "a=$?"; settimeout soon f; echo "b=$?"`)
	require.NoError(t, h.shell.RunPending(context.Background(), nil))

	assert.Equal(t, "a=2\nb=2\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "usage")
	assert.Contains(t, h.stderr.String(), `invalid delay "soon"`)
	assert.Zero(t, h.shell.Pending().Timers)
}

func TestShell_SetTimeoutRejectsOverflowingDelay(t *testing.T) {
	t.Parallel()

	h := newShell(t, `f() { :; }; settimeout 9223372036854775 f; echo "a=$?"; settimeout 9223372036854 f; echo "b=$?"`)
	require.NoError(t, h.shell.RunPending(context.Background(), nil))

	assert.Equal(t, "a=2\nb=0\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "exceeds")
	p := h.shell.Pending()
	assert.Equal(t, 1, p.Timers)
	assert.True(t, p.NextTimer.After(h.clock.Now()), "accepted delay must not wrap into the past")
}

func TestShell_TimersArmedDuringRunWaitForNextCall(t *testing.T) {
	t.Parallel()

	h := newShell(t, `n=0; tick() { n=$((n+1)); echo "tick $n"; settimeout 0 tick; }; settimeout 0 tick`)
	ctx := context.Background()

	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.Empty(t, h.stdout.String(), "timer armed by the bootstrap waits for the next call")

	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.Equal(t, "tick 1\n", h.stdout.String())

	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.Equal(t, "tick 1\ntick 2\n", h.stdout.String())
	assert.Equal(t, 1, h.shell.Pending().Timers)
}

func TestShell_RunPendingStop(t *testing.T) {
	t.Parallel()

	h := newShell(t, `onmessage() { echo "got $1"; }`)
	ctx := context.Background()
	require.NoError(t, h.shell.RunPending(ctx, nil))

	for _, m := range []string{"m1", "m2", "m3"} {
		h.shell.Enqueue(Job{Kind: JobCall, Func: "onmessage", Args: []string{m}})
	}
	calls := 0
	require.NoError(t, h.shell.RunPending(ctx, func() bool {
		calls++
		return calls == 2
	}))

	assert.Equal(t, "got m1\ngot m2\n", h.stdout.String())
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, h.shell.Pending().Jobs, "jobs after the stop stay queued")

	require.NoError(t, h.shell.RunPending(ctx, nil))
	assert.Equal(t, "got m1\ngot m2\ngot m3\n", h.stdout.String())
}

func TestShell_RunPendingHonorsContext(t *testing.T) {
	t.Parallel()

	h := newShell(t, `echo never`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, h.shell.RunPending(ctx, nil), context.Canceled)
	assert.Empty(t, h.stdout.String())
}

func TestShell_Close(t *testing.T) {
	t.Parallel()

	h := newShell(t, `echo never`)
	require.NoError(t, h.shell.Close())
	require.NoError(t, h.shell.Close())

	require.Error(t, h.shell.RunPending(context.Background(), nil))
	assert.Zero(t, h.shell.Pending().Jobs)
	assert.Empty(t, h.stdout.String())
}

func TestReadBootstrap(t *testing.T) {
	t.Parallel()

	boot, err := ReadBootstrap(strings.NewReader("echo hi\n"), "hi.sh")
	require.NoError(t, err)
	assert.Equal(t, "hi.sh", boot.Filename)
	assert.Equal(t, "echo hi\n", string(boot.Source))
}
