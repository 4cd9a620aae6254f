// Package jobrunner drives a single file through upload, audio extraction,
// transcription job registration and result polling, publishing every
// state change to subscribers.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/heimdex-transcriber/internal/cloud"
	"github.com/heimdex/heimdex-transcriber/internal/events"
	"github.com/heimdex/heimdex-transcriber/internal/history"
	"github.com/heimdex/heimdex-transcriber/internal/logging"
	"github.com/heimdex/heimdex-transcriber/internal/media"
)

const DefaultPollInterval = 5 * time.Second

var (
	ErrCancelled      = errors.New("job cancelled")
	ErrAlreadyRunning = errors.New("job already in progress")
)

type State string

const (
	StateIdle         State = ""
	StateUploading    State = "uploading"
	StateExtracting   State = "extracting"
	StateTranscribing State = "transcribing"
	StateCancelling   State = "cancelling"
	StateCancelled    State = "cancelled"
	StateDone         State = "done"
	StateError        State = "error"
)

type EventKind string

const (
	EventState          EventKind = "state"
	EventCancelDisabled EventKind = "cancel-disabled"
	EventError          EventKind = "error"
	EventDone           EventKind = "done"
	EventCancelling     EventKind = "cancelling"
	EventCancelled      EventKind = "cancelled"
)

type Event struct {
	Kind           EventKind `json:"kind"`
	State          State     `json:"state,omitempty"`
	CancelDisabled bool      `json:"cancel_disabled,omitempty"`
	Result         *Result   `json:"result,omitempty"`
	Err            error     `json:"-"`
}

type Params struct {
	File         media.File
	LanguageCode string
	IsPhoneCall  bool
	PollInterval time.Duration
}

type Result struct {
	JobID      string            `json:"job_id"`
	Transcript *cloud.Transcript `json:"transcript"`
	Raw        json.RawMessage   `json:"-"`
}

// ResultRecorder stores registered jobs and their outcome.
type ResultRecorder interface {
	RecordJob(ctx context.Context, rec history.JobRecord) error
	UpdateJobResult(ctx context.Context, id, state string, result json.RawMessage, errMsg string) error
}

type Options struct {
	Logger       *slog.Logger
	PollInterval time.Duration
	Recorder     ResultRecorder

	// RunRetention is how long a Manager keeps a settled run before
	// forgetting it. Zero means DefaultRunRetention.
	RunRetention time.Duration
}

// Status is a point-in-time view of a runner.
type Status struct {
	State          State     `json:"state"`
	InProgress     bool      `json:"in_progress"`
	CancelDisabled bool      `json:"cancel_disabled"`
	Filename       string    `json:"filename,omitempty"`
	FileUploadID   string    `json:"file_upload_id,omitempty"`
	AudioFileID    string    `json:"audio_file_id,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	Result         *Result   `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

type stage int

const (
	stageNone stage = iota
	stageUpload
	stageExtract
	stageRegister
	stagePoll
)

func (s stage) String() string {
	switch s {
	case stageUpload:
		return "upload"
	case stageExtract:
		return "extract"
	case stageRegister:
		return "register"
	case stagePoll:
		return "poll"
	}
	return "none"
}

type Runner struct {
	svc          cloud.Service
	logger       *slog.Logger
	pollInterval time.Duration
	recorder     ResultRecorder

	// emitMu is held across every transition and its events so subscribers
	// observe them in order. Taken before mu.
	emitMu sync.Mutex

	mu          sync.Mutex
	status      Status
	cancelling  bool
	stage       stage
	stageCancel context.CancelFunc
	halted      chan struct{}
	haltOnce    *sync.Once
	settled     chan struct{}

	bus events.Bus[Event]
}

func New(svc cloud.Service, opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Runner{
		svc:          svc,
		logger:       logging.WithComponent(logging.OrDiscard(opts.Logger), "jobrunner"),
		pollInterval: opts.PollInterval,
		recorder:     opts.Recorder,
	}
}

// Subscribe registers fn for runner events. fn runs synchronously while the
// runner holds its event lock; it may read the runner but must not call
// Cancel on the same goroutine.
func (r *Runner) Subscribe(fn func(Event)) func() {
	return r.bus.Subscribe(fn)
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.State
}

func (r *Runner) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.InProgress
}

func (r *Runner) CancelDisabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.CancelDisabled
}

// Run processes one file and blocks until the job is done, failed or
// cancelled. A cancelled run returns ErrCancelled.
func (r *Runner) Run(ctx context.Context, params Params) (Result, error) {
	if params.PollInterval <= 0 {
		params.PollInterval = r.pollInterval
	}

	r.emitMu.Lock()
	r.mu.Lock()
	if r.status.InProgress {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	r.status = Status{
		State:      StateUploading,
		InProgress: true,
		Filename:   params.File.Name(),
		StartedAt:  time.Now().UTC(),
	}
	r.cancelling = false
	r.stage = stageNone
	r.stageCancel = nil
	r.halted = make(chan struct{})
	r.haltOnce = &sync.Once{}
	r.settled = make(chan struct{})
	r.mu.Unlock()
	r.bus.Emit(Event{Kind: EventState, State: StateUploading})
	r.emitMu.Unlock()

	logger := r.logger.With("filename", params.File.Name())
	logger.Info("job started", "language_code", params.LanguageCode)

	// uploading
	stageCtx, ok := r.enterStage(ctx, stageUpload, StateUploading)
	if !ok {
		return r.awaitCancel()
	}
	locations, err := r.svc.CreateUploads(stageCtx, []string{params.File.Name()})
	if err == nil && len(locations) == 0 {
		err = errors.New("no upload location returned")
	}
	if err == nil {
		err = r.svc.TransferFile(stageCtx, params.File, locations[0].URL, nil)
	}
	if err != nil {
		return r.fail(fmt.Errorf("upload: %w", err))
	}
	fileUploadID := locations[0].FileUploadID
	r.mu.Lock()
	r.status.FileUploadID = fileUploadID
	r.mu.Unlock()

	// extracting
	stageCtx, ok = r.enterStage(ctx, stageExtract, StateExtracting)
	if !ok {
		return r.awaitCancel()
	}
	audioID, err := r.svc.ExtractAudio(stageCtx, fileUploadID)
	if err != nil {
		return r.fail(fmt.Errorf("extract audio: %w", err))
	}
	r.mu.Lock()
	r.status.AudioFileID = audioID
	r.mu.Unlock()

	// transcribing: registration cannot be cancelled
	if !r.enterRegistration() {
		return r.awaitCancel()
	}
	job, err := r.svc.RegisterJob(context.WithoutCancel(ctx), audioID, cloud.JobParams{
		LanguageCode: params.LanguageCode,
		IsPhoneCall:  params.IsPhoneCall,
	})
	if err == nil && job == nil {
		err = errors.New("empty registration response")
	}
	if err != nil {
		r.enableCancel()
		return r.fail(fmt.Errorf("register job: %w", err))
	}
	r.recordJob(ctx, job, params)

	pollCtx := r.enterPolling(ctx, job.ID)
	logger.Info("job registered", "job_id", job.ID, "cost", job.Cost)
	return r.poll(pollCtx, job.ID, params.PollInterval)
}

func (r *Runner) poll(ctx context.Context, jobID string, interval time.Duration) (Result, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		status, err := r.svc.PollJob(ctx, jobID)
		if err == nil && status == nil {
			err = errors.New("empty status response")
		}
		if err != nil {
			return r.fail(fmt.Errorf("poll job: %w", err))
		}

		switch status.State {
		case cloud.JobStateSuccess:
			transcript, err := status.Transcript()
			if err != nil {
				return r.fail(fmt.Errorf("decode result: %w", err))
			}
			return r.succeed(Result{JobID: jobID, Transcript: transcript, Raw: status.Result})
		case cloud.JobStateError:
			return r.fail(&cloud.JobError{JobID: jobID, Message: status.Error})
		}

		r.logger.Debug("job pending", "job_id", jobID)
		timer.Reset(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return r.fail(fmt.Errorf("poll job: %w", ctx.Err()))
		}
	}
}

// enterStage moves to a cancellable stage. It reports false when a cancel
// was accepted in the meantime.
func (r *Runner) enterStage(ctx context.Context, st stage, state State) (context.Context, bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.cancelling {
		r.mu.Unlock()
		return nil, false
	}
	stageCtx, cancel := context.WithCancel(ctx)
	r.clearStageLocked()
	r.stage = st
	r.stageCancel = cancel
	changed := r.status.State != state
	r.status.State = state
	r.mu.Unlock()

	if changed {
		r.bus.Emit(Event{Kind: EventState, State: state})
	}
	return stageCtx, true
}

func (r *Runner) enterRegistration() bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.cancelling {
		r.mu.Unlock()
		return false
	}
	r.clearStageLocked()
	r.stage = stageRegister
	r.status.State = StateTranscribing
	r.status.CancelDisabled = true
	r.mu.Unlock()

	r.bus.Emit(Event{Kind: EventState, State: StateTranscribing})
	r.bus.Emit(Event{Kind: EventCancelDisabled, CancelDisabled: true})
	return true
}

func (r *Runner) enableCancel() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.status.CancelDisabled = false
	r.mu.Unlock()
	r.bus.Emit(Event{Kind: EventCancelDisabled, CancelDisabled: false})
}

// enterPolling re-enables cancellation once the job is registered.
func (r *Runner) enterPolling(ctx context.Context, jobID string) context.Context {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	pollCtx, cancel := context.WithCancel(ctx)
	r.stage = stagePoll
	r.stageCancel = cancel
	r.status.JobID = jobID
	r.status.CancelDisabled = false
	r.mu.Unlock()

	r.bus.Emit(Event{Kind: EventCancelDisabled, CancelDisabled: false})
	return pollCtx
}

func (r *Runner) clearStageLocked() {
	if r.stageCancel != nil {
		r.stageCancel()
		r.stageCancel = nil
	}
}

func (r *Runner) succeed(res Result) (Result, error) {
	r.emitMu.Lock()
	r.mu.Lock()
	if r.cancelling {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return r.awaitCancel()
	}
	r.clearStageLocked()
	r.stage = stageNone
	r.status.State = StateDone
	r.status.InProgress = false
	r.status.Result = &res
	r.mu.Unlock()

	r.bus.Emit(Event{Kind: EventState, State: StateDone})
	r.bus.Emit(Event{Kind: EventDone, Result: &res})
	r.emitMu.Unlock()

	r.logger.Info("job done", "job_id", res.JobID, "words", len(res.Transcript.Words))
	r.updateResult(res.JobID, history.StateSuccess, res.Raw, "")
	return res, nil
}

// fail ends the run with err, unless a cancel was accepted first; the stage
// error is then just the echo of that cancel.
func (r *Runner) fail(err error) (Result, error) {
	r.emitMu.Lock()
	r.mu.Lock()
	if r.cancelling {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return r.awaitCancel()
	}
	r.clearStageLocked()
	r.stage = stageNone
	r.status.State = StateError
	r.status.InProgress = false
	r.status.CancelDisabled = false
	r.status.Error = err.Error()
	jobID := r.status.JobID
	r.mu.Unlock()

	r.bus.Emit(Event{Kind: EventState, State: StateError})
	r.bus.Emit(Event{Kind: EventError, Err: err})
	r.emitMu.Unlock()

	r.logger.Error("job failed", "job_id", jobID, "error", err)
	if jobID != "" {
		r.updateResult(jobID, history.StateError, nil, err.Error())
	}
	return Result{}, err
}

// awaitCancel hands control to Cancel and waits until it has settled.
func (r *Runner) awaitCancel() (Result, error) {
	r.mu.Lock()
	halted, once, settled := r.halted, r.haltOnce, r.settled
	r.mu.Unlock()

	once.Do(func() { close(halted) })
	<-settled
	return Result{}, ErrCancelled
}

// Cancel stops the job. It returns false without side effects while
// cancellation is disabled, when no job is in progress, or when a cancel is
// already under way. Otherwise it blocks until the job is cancelled.
func (r *Runner) Cancel(ctx context.Context) bool {
	r.emitMu.Lock()
	r.mu.Lock()
	if !r.status.InProgress || r.status.CancelDisabled || r.cancelling {
		r.mu.Unlock()
		r.emitMu.Unlock()
		return false
	}
	r.cancelling = true
	r.status.State = StateCancelling
	st, jobID := r.stage, r.status.JobID
	halted, settled := r.halted, r.settled
	r.clearStageLocked()
	r.mu.Unlock()

	r.bus.Emit(Event{Kind: EventState, State: StateCancelling})
	r.bus.Emit(Event{Kind: EventCancelling})
	r.emitMu.Unlock()

	logger := r.logger.With("job_id", jobID)
	logger.Info("cancelling job", "stage", st)

	// the run notices the cancelled stage context and hands over
	<-halted

	if st == stagePoll && jobID != "" {
		if err := r.svc.CancelJob(ctx, jobID); err != nil {
			logger.Warn("remote cancel failed, treating job as cancelled locally", "error", err)
		}
		r.updateResult(jobID, history.StateCancelled, nil, "")
	}

	r.emitMu.Lock()
	r.mu.Lock()
	r.stage = stageNone
	r.status.State = StateCancelled
	r.status.InProgress = false
	r.mu.Unlock()
	r.bus.Emit(Event{Kind: EventState, State: StateCancelled})
	r.bus.Emit(Event{Kind: EventCancelled})
	r.emitMu.Unlock()

	close(settled)
	logger.Info("job cancelled")
	return true
}

func (r *Runner) recordJob(ctx context.Context, job *cloud.Job, params Params) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordJob(context.WithoutCancel(ctx), history.JobRecord{
		ID:           job.ID,
		Filename:     params.File.Name(),
		LanguageCode: params.LanguageCode,
		State:        history.StatePending,
		Cost:         job.Cost,
		CreatedAt:    job.CreatedAt,
	})
	if err != nil {
		r.logger.Warn("failed to record job", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) updateResult(jobID, state string, result json.RawMessage, errMsg string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.UpdateJobResult(context.Background(), jobID, state, result, errMsg); err != nil {
		r.logger.Warn("failed to update job history", "job_id", jobID, "error", err)
	}
}
