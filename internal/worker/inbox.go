// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"sync"
	"time"

	"github.com/invowk/vworker/internal/scriptenv"
)

type (
	// inbox collects jobs posted from other goroutines and counts holds that
	// keep the event loop alive. It never touches the environment.
	inbox struct {
		mu     sync.Mutex
		jobs   []scriptenv.Job
		holds  int
		closed bool
		wake   chan struct{}
	}

	systemClock struct{}
)

func (systemClock) Now() time.Time { return time.Now() }

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (in *inbox) post(job scriptenv.Job) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.jobs = append(in.jobs, job)
	in.mu.Unlock()
	in.signal()
}

func (in *inbox) hold() func() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return func() {}
	}
	in.holds++

	var once sync.Once
	return func() {
		once.Do(func() {
			in.mu.Lock()
			in.holds--
			in.mu.Unlock()
			in.signal()
		})
	}
}

func (in *inbox) take() []scriptenv.Job {
	in.mu.Lock()
	defer in.mu.Unlock()
	jobs := in.jobs
	in.jobs = nil
	return jobs
}

// busy reports whether posted jobs or holds are outstanding.
func (in *inbox) busy() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.holds > 0 || len(in.jobs) > 0
}

func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.jobs = nil
	in.mu.Unlock()
	in.signal()
}

func (in *inbox) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}
