package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	started []string
	signals []Signal
}

func (r *recorder) onStart(id string) {
	r.mu.Lock()
	r.started = append(r.started, id)
	r.mu.Unlock()
}

func (r *recorder) onSignal(s Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...), append([]Signal(nil), r.signals...)
}

func blockingEntries(rec *recorder, n int) ([]Entry, map[string]chan struct{}) {
	release := make(map[string]chan struct{}, n)
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%d", i)
		ch := make(chan struct{})
		release[id] = ch
		entries = append(entries, Entry{ID: id, Run: func(ctx context.Context) {
			rec.onStart(id)
			select {
			case <-ch:
			case <-ctx.Done():
			}
		}})
	}
	return entries, release
}

func TestScheduler_FiveEntriesLimitThree(t *testing.T) {
	rec := &recorder{}
	s := New(3, nil)
	defer s.Close()
	s.Subscribe(rec.onSignal)

	entries, release := blockingEntries(rec, 5)
	s.AddItems(entries...)
	assert.Equal(t, 0, s.InFlight(), "AddItems does not launch")

	s.Start()

	assert.Equal(t, 3, s.InFlight())
	assert.Equal(t, 2, s.Pending())
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		started, _ := rec.snapshot()
		return len(started) == 3
	}, time.Second, 5*time.Millisecond)

	close(release["e1"])

	require.Eventually(t, func() bool {
		started, _ := rec.snapshot()
		return len(started) == 4
	}, time.Second, 5*time.Millisecond)
	started, _ := rec.snapshot()
	assert.Equal(t, "e3", started[3], "backlog is drained in FIFO order")
	assert.Equal(t, 3, s.InFlight())
	assert.Equal(t, 1, s.Pending())

	close(release["e0"])
	require.Eventually(t, func() bool { return s.Pending() == 0 && s.InFlight() == 3 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"e2", "e3", "e4"} {
		close(release[id])
	}

	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	_, signals := rec.snapshot()
	assert.Equal(t, []Signal{SignalStarted, SignalEmpty}, signals)
	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	rec := &recorder{}
	s := New(2, nil)
	defer s.Close()
	s.Subscribe(rec.onSignal)

	entries, release := blockingEntries(rec, 3)
	s.AddItems(entries...)
	s.Start()
	s.Start()
	s.Start()

	assert.Equal(t, 2, s.InFlight())
	assert.Equal(t, 1, s.Pending())

	for _, ch := range release {
		close(ch)
	}
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)

	_, signals := rec.snapshot()
	assert.Equal(t, []Signal{SignalStarted, SignalEmpty}, signals)
}

func TestScheduler_SignalsAlternateAcrossBursts(t *testing.T) {
	rec := &recorder{}
	s := New(3, nil)
	defer s.Close()
	s.Subscribe(rec.onSignal)

	for round := 0; round < 3; round++ {
		entries, release := blockingEntries(rec, 2)
		s.AddItems(entries...)
		s.Start()
		for _, ch := range release {
			close(ch)
		}
		require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	}

	_, signals := rec.snapshot()
	require.Len(t, signals, 6)
	for i, sig := range signals {
		if i%2 == 0 {
			assert.Equal(t, SignalStarted, sig)
		} else {
			assert.Equal(t, SignalEmpty, sig)
		}
	}
}

func TestScheduler_StartWithEmptyBacklogIsNoop(t *testing.T) {
	rec := &recorder{}
	s := New(3, nil)
	defer s.Close()
	s.Subscribe(rec.onSignal)

	s.Start()

	_, signals := rec.snapshot()
	assert.Empty(t, signals)
	assert.False(t, s.Running())
}

func TestScheduler_RemoveItemByID(t *testing.T) {
	rec := &recorder{}
	s := New(1, nil)
	defer s.Close()

	entries, release := blockingEntries(rec, 3)
	s.AddItems(entries...)
	s.Start()

	assert.False(t, s.RemoveItemByID("e0"), "launched entries cannot be removed")
	assert.True(t, s.RemoveItemByID("e1"))
	assert.False(t, s.RemoveItemByID("e1"))
	assert.False(t, s.RemoveItemByID("missing"))
	assert.Equal(t, 1, s.Pending())

	close(release["e0"])
	close(release["e2"])
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)

	started, _ := rec.snapshot()
	assert.Equal(t, []string{"e0", "e2"}, started)
}

func TestScheduler_LimitBelowOneIsClamped(t *testing.T) {
	rec := &recorder{}
	s := New(0, nil)
	defer s.Close()

	entries, _ := blockingEntries(rec, 2)
	s.AddItems(entries...)
	s.Start()

	assert.Equal(t, 1, s.InFlight())
	assert.Equal(t, 1, s.Pending())
}

func TestScheduler_PanickingEntryFreesSlot(t *testing.T) {
	s := New(1, nil)
	defer s.Close()

	ran := make(chan struct{})
	s.AddItems(
		Entry{ID: "bad", Run: func(context.Context) { panic("boom") }},
		Entry{ID: "good", Run: func(context.Context) { close(ran) }},
	)
	s.Start()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("entry after a panic never ran")
	}
}

func TestScheduler_CloseCancelsInFlight(t *testing.T) {
	rec := &recorder{}
	s := New(2, nil)

	entries, _ := blockingEntries(rec, 4)
	s.AddItems(entries...)
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, 0, s.Pending())
}
