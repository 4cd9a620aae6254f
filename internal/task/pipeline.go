// Package task runs an ordered list of steps against one accumulated state,
// with cooperative cancellation that a step can switch off for a critical
// section.
package task

import (
	"context"
	"errors"
	"sync"
)

// Outcome is the terminal result of a pipeline run.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrAlreadyRun is reported when Run is called twice on the same pipeline.
var ErrAlreadyRun = errors.New("pipeline already run")

// Control is handed to every step so it can fence off work that must not be
// abandoned half way.
type Control interface {
	// DisableCancel switches cancellation off. It returns false, leaving
	// cancellation untouched, when a cancel request was already accepted.
	DisableCancel() bool
	EnableCancel()
	CancelEnabled() bool
	// Uncancellable runs fn with cancellation disabled and always re-enables
	// it afterwards, including when fn fails or panics. If the pipeline was
	// already cancelled fn is not run and context.Canceled is returned.
	Uncancellable(fn func() error) error
}

// Step is one stage of a pipeline. Run receives the state accumulated so far
// and returns the state to hand to the next step. ctx is cancelled when the
// pipeline is cancelled while this step is in flight.
type Step[S any] struct {
	Name string
	Run  func(ctx context.Context, state S, ctl Control) (S, error)
}

// Result describes how a run ended. Step names the step that was in flight
// when the run failed or was cancelled.
type Result[S any] struct {
	Outcome Outcome
	State   S
	Err     error
	Step    string
}

// Pipeline executes its steps once, in order.
type Pipeline[S any] struct {
	steps  []Step[S]
	onStep func(index int, name string)

	mu            sync.Mutex
	started       bool
	finished      bool
	cancelled     bool
	cancelEnabled bool
	current       int
	stepCancel    context.CancelFunc
}

// New builds a pipeline from steps. Cancellation starts enabled.
func New[S any](steps ...Step[S]) *Pipeline[S] {
	return &Pipeline[S]{
		steps:         steps,
		cancelEnabled: true,
		current:       -1,
	}
}

// OnStep registers a hook called before each step starts.
func (p *Pipeline[S]) OnStep(fn func(index int, name string)) *Pipeline[S] {
	p.onStep = fn
	return p
}

// Run executes the steps starting from initial and blocks until the pipeline
// reaches exactly one outcome.
func (p *Pipeline[S]) Run(ctx context.Context, initial S) Result[S] {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return Result[S]{Outcome: OutcomeError, State: initial, Err: ErrAlreadyRun}
	}
	p.started = true
	p.mu.Unlock()

	state := initial
	for i, step := range p.steps {
		stepCtx, cancel := context.WithCancel(ctx)

		p.mu.Lock()
		if p.cancelled {
			p.finished = true
			p.mu.Unlock()
			cancel()
			return Result[S]{Outcome: OutcomeCancelled, State: state, Step: step.Name}
		}
		p.current = i
		p.stepCancel = cancel
		p.mu.Unlock()

		if p.onStep != nil {
			p.onStep(i, step.Name)
		}

		next, err := step.Run(stepCtx, state, p)
		cancel()

		p.mu.Lock()
		p.stepCancel = nil
		cancelled := p.cancelled || ctx.Err() != nil
		if cancelled || err != nil {
			p.finished = true
		}
		p.mu.Unlock()

		// A cancelled step's value or error is discarded.
		if cancelled {
			return Result[S]{Outcome: OutcomeCancelled, State: state, Step: step.Name}
		}
		if err != nil {
			return Result[S]{Outcome: OutcomeError, State: state, Err: err, Step: step.Name}
		}
		state = next
	}

	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()

	return Result[S]{Outcome: OutcomeDone, State: state}
}

// Cancel requests cancellation. It returns false and has no effect while
// cancellation is disabled, after the pipeline finished, or when it was
// already cancelled.
func (p *Pipeline[S]) Cancel() bool {
	p.mu.Lock()
	if !p.cancelEnabled || p.cancelled || p.finished {
		p.mu.Unlock()
		return false
	}
	p.cancelled = true
	cancel := p.stepCancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Cancelled reports whether a cancel request was accepted.
func (p *Pipeline[S]) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// CurrentStep returns the index of the step in flight, or -1 before Run.
func (p *Pipeline[S]) CurrentStep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Pipeline[S]) DisableCancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.cancelEnabled = false
	return true
}

func (p *Pipeline[S]) EnableCancel() {
	p.mu.Lock()
	p.cancelEnabled = true
	p.mu.Unlock()
}

func (p *Pipeline[S]) CancelEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelEnabled
}

func (p *Pipeline[S]) Uncancellable(fn func() error) error {
	if !p.DisableCancel() {
		return context.Canceled
	}
	defer p.EnableCancel()
	return fn()
}
