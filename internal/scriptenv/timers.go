// SPDX-License-Identifier: MPL-2.0

package scriptenv

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"mvdan.cc/sh/v3/interp"
)

// builtinSetTimeout schedules a shell function call: settimeout MS FUNC [ARGS...]
const builtinSetTimeout = "settimeout"

// maxDelayMS is the longest delay settimeout accepts; larger ones would
// overflow time.Duration.
const maxDelayMS = int64(math.MaxInt64 / int64(time.Millisecond))

type (
	// Clock supplies the current time to an environment's timers.
	Clock interface {
		Now() time.Time
	}

	systemClock struct{}

	timer struct {
		due time.Time
		seq uint64
		job Job
	}

	// timerQueue is a min-heap ordered by deadline, then insertion order.
	timerQueue []*timer
)

func (systemClock) Now() time.Time { return time.Now() }

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(*timer)) }

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// schedule adds a timer firing job after delay.
func (s *Shell) schedule(delay time.Duration, job Job) {
	s.timerSeq++
	heap.Push(&s.timers, &timer{
		due: s.clock.Now().Add(delay),
		seq: s.timerSeq,
		job: job,
	})
}

// promoteDueTimers moves every expired timer into the run queue in deadline order.
func (s *Shell) promoteDueTimers() {
	now := s.clock.Now()
	for s.timers.Len() > 0 && !s.timers[0].due.After(now) {
		t := heap.Pop(&s.timers).(*timer)
		s.queue = append(s.queue, t.job)
	}
}

// runSetTimeout implements the settimeout builtin.
func (s *Shell) runSetTimeout(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) < 3 {
		fmt.Fprintf(hc.Stderr, "%s: usage: %s MS FUNC [ARGS...]\n", builtinSetTimeout, builtinSetTimeout)
		return interp.NewExitStatus(2)
	}
	ms, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || ms < 0 {
		fmt.Fprintf(hc.Stderr, "%s: invalid delay %q\n", builtinSetTimeout, args[1])
		return interp.NewExitStatus(2)
	}
	if ms > maxDelayMS {
		fmt.Fprintf(hc.Stderr, "%s: delay %s exceeds %d ms\n", builtinSetTimeout, args[1], maxDelayMS)
		return interp.NewExitStatus(2)
	}
	s.schedule(time.Duration(ms)*time.Millisecond, Job{
		Kind: JobCall,
		Func: args[2],
		Args: append([]string(nil), args[3:]...),
	})
	return nil
}
