// Package scheduler runs queued work with a fixed concurrency limit.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/heimdex/heimdex-transcriber/internal/events"
	"github.com/heimdex/heimdex-transcriber/internal/logging"
)

const DefaultLimit = 3

type Signal string

const (
	SignalStarted Signal = "started"
	SignalEmpty   Signal = "empty"
)

// Entry is one unit of work. Run must block until the work has fully
// settled, including any cancellation it handles itself.
type Entry struct {
	ID  string
	Run func(ctx context.Context)
}

type Scheduler struct {
	limit  int
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	backlog  []Entry
	inFlight int
	running  bool
	signals  events.Bus[Signal]
	wg       sync.WaitGroup
}

func New(limit int, logger *slog.Logger) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		limit:  limit,
		logger: logging.OrDiscard(logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddItems appends entries to the backlog. Nothing starts until Start.
func (s *Scheduler) AddItems(entries ...Entry) {
	s.mu.Lock()
	s.backlog = append(s.backlog, entries...)
	s.mu.Unlock()
}

// Start launches backlog entries in FIFO order until the limit is reached.
// Calling it while already running only tops up free slots.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if !s.running {
		if len(s.backlog) == 0 {
			return
		}
		s.running = true
		s.logger.Debug("scheduler started", "pending", len(s.backlog))
		s.signals.Emit(SignalStarted)
	}

	for len(s.backlog) > 0 && s.inFlight < s.limit {
		entry := s.backlog[0]
		s.backlog[0] = Entry{}
		s.backlog = s.backlog[1:]
		s.inFlight++
		s.launch(entry)
	}

	if len(s.backlog) == 0 && s.inFlight == 0 {
		s.running = false
		s.logger.Debug("scheduler drained")
		s.signals.Emit(SignalEmpty)
	}
}

func (s *Scheduler) launch(entry Entry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(entry.ID)

		if entry.Run != nil {
			entry.Run(s.ctx)
		}
	}()
}

func (s *Scheduler) finish(id string) {
	if r := recover(); r != nil {
		s.logger.Error("scheduled entry panicked", "entry_id", id, "panic", r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.startLocked()
}

// RemoveItemByID drops a backlog entry that has not been launched yet.
func (s *Scheduler) RemoveItemByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.backlog {
		if e.ID == id {
			s.backlog = append(s.backlog[:i:i], s.backlog[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers fn for started/empty signals. Signals are delivered
// with the scheduler lock held, so fn must not call back into the scheduler
// on the same goroutine.
func (s *Scheduler) Subscribe(fn func(Signal)) func() {
	return s.signals.Subscribe(fn)
}

func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close drops the backlog, cancels the context handed to launched entries
// and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.backlog = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
