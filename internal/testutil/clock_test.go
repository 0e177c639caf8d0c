// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"sync"
	"testing"
	"time"
)

func TestFakeClock_DefaultTime(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(time.Time{})
	want := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := clock.Now(); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	if got := clock.Advance(90 * time.Second); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Advance() = %v, want %v", got, start.Add(90*time.Second))
	}

	clock.Set(start)
	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() after Set = %v, want %v", got, start)
	}
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(time.Time{})
	start := clock.Now()

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			clock.Advance(time.Millisecond)
		})
	}
	wg.Wait()

	if got := clock.Now().Sub(start); got != 50*time.Millisecond {
		t.Errorf("elapsed = %v, want 50ms", got)
	}
}

func TestSyncBuffer_Lines(t *testing.T) {
	t.Parallel()

	var buf SyncBuffer
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_, _ = buf.Write([]byte("line\n"))
		})
	}
	wg.Wait()

	if got := len(buf.Lines()); got != 10 {
		t.Errorf("len(Lines()) = %d, want 10", got)
	}
}
