// Package upload runs batches of files through transfer, audio extraction and
// transcription job registration, bounded by a shared scheduler.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-transcriber/internal/cloud"
	"github.com/heimdex/heimdex-transcriber/internal/events"
	"github.com/heimdex/heimdex-transcriber/internal/history"
	"github.com/heimdex/heimdex-transcriber/internal/logging"
	"github.com/heimdex/heimdex-transcriber/internal/media"
	"github.com/heimdex/heimdex-transcriber/internal/scheduler"
	"github.com/heimdex/heimdex-transcriber/internal/task"
	"github.com/heimdex/heimdex-transcriber/internal/throttle"
)

const (
	DefaultLanguage         = "en-US"
	DefaultProgressInterval = 500 * time.Millisecond
)

var ErrShortAdmission = errors.New("fewer upload locations than files")

// errSuperseded aborts a step whose record was moved on by someone else.
var errSuperseded = errors.New("record no longer in expected state")

// JobRecorder receives each job registered for an upload.
type JobRecorder interface {
	RecordJob(ctx context.Context, rec history.JobRecord) error
}

type Options struct {
	Logger           *slog.Logger
	LanguageCode     string
	ProgressInterval time.Duration
	MaxFileBytes     int64
	Recorder         JobRecorder
}

// stepState is threaded through the three pipeline steps.
type stepState struct {
	FileUploadID string
	AudioFileID  string
	Job          *cloud.BatchJob
}

type Orchestrator struct {
	svc              cloud.Service
	sched            *scheduler.Scheduler
	logger           *slog.Logger
	language         string
	progressInterval time.Duration
	maxFileBytes     int64
	recorder         JobRecorder

	// mu guards state, admitting and pipelines. It is never held while
	// calling into the scheduler or a pipeline.
	mu        sync.Mutex
	state     State
	admitting map[string]bool
	pipelines map[string]*task.Pipeline[stepState]

	listeners   events.Bus[State]
	unsubscribe func()
}

func New(svc cloud.Service, sched *scheduler.Scheduler, opts Options) *Orchestrator {
	if opts.LanguageCode == "" {
		opts.LanguageCode = DefaultLanguage
	}
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}

	o := &Orchestrator{
		svc:              svc,
		sched:            sched,
		logger:           logging.WithComponent(logging.OrDiscard(opts.Logger), "upload"),
		language:         opts.LanguageCode,
		progressInterval: opts.ProgressInterval,
		maxFileBytes:     opts.MaxFileBytes,
		recorder:         opts.Recorder,
		state:            State{Batches: map[string]Batch{}},
		admitting:        map[string]bool{},
		pipelines:        map[string]*task.Pipeline[stepState]{},
	}

	o.unsubscribe = sched.Subscribe(func(sig scheduler.Signal) {
		o.update(func(s State) State {
			s.Uploading = sig == scheduler.SignalStarted
			return s
		})
	})
	return o
}

// Close detaches the orchestrator from the scheduler.
func (o *Orchestrator) Close() {
	o.unsubscribe()
}

// update replaces the state with fn's result and notifies subscribers.
func (o *Orchestrator) update(fn func(State) State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = fn(o.state)
	o.notifyLocked()
}

// apply is update for updaters that may decline; subscribers only hear about
// applied changes.
func (o *Orchestrator) apply(fn func(State) (State, bool)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applyLocked(fn)
}

func (o *Orchestrator) applyLocked(fn func(State) (State, bool)) bool {
	next, ok := fn(o.state)
	if !ok {
		return false
	}
	o.state = next
	o.notifyLocked()
	return true
}

func (o *Orchestrator) notifyLocked() {
	o.settleBatchesLocked()
	if o.listeners.Len() == 0 {
		return
	}
	o.listeners.Emit(o.state.clone())
}

// settleBatchesLocked recomputes each batch's Uploading flag. A queued
// record only counts once it is admitted or being admitted, so a batch whose
// admission failed stays idle.
func (o *Orchestrator) settleBatchesLocked() {
	for id, b := range o.state.Batches {
		if active := b.anyActive(o.admittedLocked); active != b.Uploading {
			b.Uploading = active
			o.state.Batches[id] = b
		}
	}
}

func (o *Orchestrator) admittedLocked(id string) bool {
	return o.admitting[id] || o.pipelines[id] != nil
}

// Subscribe registers fn to receive a snapshot after every change. fn runs
// with the orchestrator lock held and must not call back into it.
func (o *Orchestrator) Subscribe(fn func(State)) func() {
	return o.listeners.Subscribe(fn)
}

func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

func (o *Orchestrator) Batch(batchID string) (Batch, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.state.Batches[batchID]
	if !ok {
		return Batch{}, false
	}
	return b.clone(), true
}

// AddFiles appends a queued record per file to the batch and admits them.
// Files that fail validation are recorded as failed straight away. The
// returned error is the admission error, if any; the records are returned
// either way.
func (o *Orchestrator) AddFiles(ctx context.Context, batchID string, files []media.File) ([]Record, error) {
	records := make([]Record, 0, len(files))
	for _, f := range files {
		rec := Record{
			ID:       uuid.NewString(),
			BatchID:  batchID,
			File:     f,
			Filename: f.Name(),
			State:    StateQueued,
			Total:    f.Size(),
		}
		if err := media.Validate(f, o.maxFileBytes); err != nil {
			rec.State = StateFailed
			rec.Error = err.Error()
			o.logger.Warn("rejected file", "batch_id", batchID, "filename", f.Name(), "error", err)
		}
		records = append(records, rec)
	}

	o.update(func(s State) State {
		return withBatch(s, batchID, func(b Batch) Batch {
			b.Uploads = append(b.Uploads, records...)
			return b
		})
	})

	return records, o.Upload(ctx, batchID)
}

// Upload admits every queued record of the batch that is not yet admitted.
// One upload location request covers them all; if it fails nothing is
// admitted and the records stay queued.
func (o *Orchestrator) Upload(ctx context.Context, batchID string) error {
	pending := o.reserve(batchID)
	if len(pending) == 0 {
		return nil
	}
	logger := logging.WithBatchID(o.logger, batchID)

	filenames := make([]string, len(pending))
	for i, r := range pending {
		filenames[i] = r.Filename
	}

	locations, err := o.svc.CreateUploads(ctx, filenames)
	if err == nil && len(locations) < len(pending) {
		err = fmt.Errorf("%w: got %d for %d", ErrShortAdmission, len(locations), len(pending))
	}
	if err != nil {
		o.mu.Lock()
		for _, r := range pending {
			delete(o.admitting, r.ID)
		}
		o.state = o.state.clone()
		o.state.Error = err.Error()
		o.notifyLocked()
		o.mu.Unlock()

		logger.Error("upload admission failed", "files", len(pending), "error", err)
		return fmt.Errorf("admit batch %s: %w", batchID, err)
	}

	entries := make([]scheduler.Entry, 0, len(pending))
	o.mu.Lock()
	for i, r := range pending {
		delete(o.admitting, r.ID)
		current, _, ok := o.state.Batches[batchID].find(r.ID)
		if !ok || current.State != StateQueued {
			// cancelled or removed while the locations were requested
			continue
		}
		p := o.newPipeline(batchID, r, locations[i])
		o.pipelines[r.ID] = p
		entries = append(entries, scheduler.Entry{ID: r.ID, Run: o.entry(batchID, r, p)})
	}
	o.state = o.state.clone()
	o.state.Error = ""
	o.notifyLocked()
	o.mu.Unlock()

	logger.Info("admitted uploads", "files", len(entries))
	o.sched.AddItems(entries...)
	o.sched.Start()
	return nil
}

func (o *Orchestrator) reserve(batchID string) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []Record
	for _, r := range o.state.Batches[batchID].Uploads {
		if r.State != StateQueued || o.admitting[r.ID] || o.pipelines[r.ID] != nil {
			continue
		}
		o.admitting[r.ID] = true
		pending = append(pending, r)
	}
	if len(pending) > 0 {
		o.notifyLocked()
	}
	return pending
}

func (o *Orchestrator) entry(batchID string, rec Record, p *task.Pipeline[stepState]) func(context.Context) {
	return func(ctx context.Context) {
		logger := logging.WithUploadID(logging.WithBatchID(o.logger, batchID), rec.ID)

		if !o.apply(func(s State) (State, bool) {
			return transition(s, batchID, rec.ID, StateUploading, nil)
		}) {
			o.release(rec.ID)
			return
		}

		res := p.Run(ctx, stepState{})

		o.mu.Lock()
		delete(o.pipelines, rec.ID)
		switch res.Outcome {
		case task.OutcomeDone:
			o.applyLocked(func(s State) (State, bool) {
				return transition(s, batchID, rec.ID, StateCompleted, func(r *Record) {
					r.JobID = res.State.Job.Job.ID
				})
			})
		case task.OutcomeError:
			o.applyLocked(func(s State) (State, bool) {
				return transition(s, batchID, rec.ID, StateFailed, func(r *Record) {
					r.Error = res.Err.Error()
				})
			})
		case task.OutcomeCancelled:
			// usually already cancelled by CancelFile; this covers shutdown
			o.applyLocked(func(s State) (State, bool) {
				return transition(s, batchID, rec.ID, StateCancelled, nil)
			})
		}
		o.mu.Unlock()

		switch res.Outcome {
		case task.OutcomeDone:
			logger.Info("upload completed", "job_id", res.State.Job.Job.ID)
			o.recordJob(ctx, batchID, rec, res.State.Job)
		case task.OutcomeError:
			logger.Error("upload failed", "step", res.Step, "error", res.Err)
		case task.OutcomeCancelled:
			logger.Info("upload cancelled", "step", res.Step)
		}
	}
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.pipelines, id)
	o.mu.Unlock()
}

func (o *Orchestrator) newPipeline(batchID string, rec Record, loc cloud.UploadLocation) *task.Pipeline[stepState] {
	logger := logging.WithUploadID(logging.WithBatchID(o.logger, batchID), rec.ID)
	params := cloud.JobParams{LanguageCode: o.language}

	transfer := task.Step[stepState]{
		Name: "upload video",
		Run: func(ctx context.Context, st stepState, _ task.Control) (stepState, error) {
			type pos struct{ loaded, total int64 }
			th := throttle.New(o.progressInterval, func(p pos) {
				o.apply(func(s State) (State, bool) {
					return progress(s, batchID, rec.ID, p.loaded, p.total)
				})
			})
			defer th.Stop()

			err := o.svc.TransferFile(ctx, rec.File, loc.URL, func(loaded, total int64) {
				th.Call(pos{loaded, total})
			})
			if err != nil {
				return st, fmt.Errorf("upload video: %w", err)
			}
			th.Flush()
			st.FileUploadID = loc.FileUploadID
			return st, nil
		},
	}

	extract := task.Step[stepState]{
		Name: "extract audio",
		Run: func(ctx context.Context, st stepState, _ task.Control) (stepState, error) {
			if !o.apply(func(s State) (State, bool) {
				return transition(s, batchID, rec.ID, StateExtracting, func(r *Record) {
					r.Loaded = r.Total
					r.FileUploadID = st.FileUploadID
				})
			}) {
				return st, errSuperseded
			}

			audioID, err := o.svc.ExtractAudio(ctx, st.FileUploadID)
			if err != nil {
				return st, fmt.Errorf("extract audio: %w", err)
			}
			st.AudioFileID = audioID
			return st, nil
		},
	}

	register := task.Step[stepState]{
		Name: "add transcription",
		Run: func(ctx context.Context, st stepState, ctl task.Control) (stepState, error) {
			err := ctl.Uncancellable(func() error {
				if !o.apply(func(s State) (State, bool) {
					return transition(s, batchID, rec.ID, StateAdding, func(r *Record) {
						r.AudioFileID = st.AudioFileID
					})
				}) {
					return errSuperseded
				}

				// the job must not be abandoned half created
				job, err := o.svc.AddJobToBatch(context.WithoutCancel(ctx), batchID, st.AudioFileID, params)
				if err != nil {
					return fmt.Errorf("add transcription: %w", err)
				}
				if job == nil {
					return fmt.Errorf("add transcription: empty response")
				}
				st.Job = job
				return nil
			})
			return st, err
		},
	}

	return task.New(transfer, extract, register).OnStep(func(_ int, name string) {
		logger.Debug("upload step started", "step", name)
	})
}

func (o *Orchestrator) recordJob(ctx context.Context, batchID string, rec Record, bj *cloud.BatchJob) {
	if o.recorder == nil || bj == nil {
		return
	}
	err := o.recorder.RecordJob(context.WithoutCancel(ctx), history.JobRecord{
		ID:           bj.Job.ID,
		BatchID:      batchID,
		UploadID:     rec.ID,
		Filename:     rec.Filename,
		LanguageCode: o.language,
		State:        history.StatePending,
		Cost:         bj.Job.Cost,
		CreatedAt:    bj.Job.CreatedAt,
	})
	if err != nil {
		o.logger.Warn("failed to record job", "job_id", bj.Job.ID, "error", err)
	}
}

// CancelFile cancels a queued, uploading or extracting record. It returns
// false when there was nothing to cancel, including while the job is being
// registered.
func (o *Orchestrator) CancelFile(batchID, id string) bool {
	o.mu.Lock()
	rec, _, ok := o.state.Batches[batchID].find(id)
	if !ok || !CanTransition(rec.State, StateCancelled) {
		o.mu.Unlock()
		return false
	}
	p := o.pipelines[id]
	o.mu.Unlock()

	removed := false
	if p != nil {
		// a backlog entry never runs once removed, so its pipeline needs no cancel
		removed = o.sched.RemoveItemByID(id)
		if !removed && !p.Cancel() {
			return false
		}
	}

	o.mu.Lock()
	if removed {
		delete(o.pipelines, id)
	}
	applied := o.applyLocked(func(s State) (State, bool) {
		return transition(s, batchID, id, StateCancelled, nil)
	})
	o.mu.Unlock()
	if applied {
		logging.WithUploadID(logging.WithBatchID(o.logger, batchID), id).Info("upload cancelled by request", "from", rec.State)
	}
	return applied
}

// CancelBatch cancels every record of the batch that can still be cancelled.
func (o *Orchestrator) CancelBatch(batchID string) int {
	o.mu.Lock()
	var ids []string
	for _, r := range o.state.Batches[batchID].Uploads {
		if !r.State.Terminal() {
			ids = append(ids, r.ID)
		}
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if o.CancelFile(batchID, id) {
			n++
		}
	}
	return n
}

// RemoveFile drops a record that is terminal or still waiting in the
// backlog. In-flight records are left alone.
func (o *Orchestrator) RemoveFile(batchID, id string) bool {
	o.mu.Lock()
	rec, _, ok := o.state.Batches[batchID].find(id)
	if !ok || o.admitting[id] {
		o.mu.Unlock()
		return false
	}
	if !rec.State.Terminal() && rec.State != StateQueued {
		o.mu.Unlock()
		return false
	}
	p := o.pipelines[id]
	o.mu.Unlock()

	if rec.State == StateQueued && p != nil && !o.sched.RemoveItemByID(id) {
		// already launched
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pipelines, id)
	return o.applyLocked(func(s State) (State, bool) {
		current, i, ok := s.Batches[batchID].find(id)
		if !ok || current.State != rec.State {
			return s, false
		}
		return withBatch(s, batchID, func(b Batch) Batch {
			b.Uploads = append(b.Uploads[:i:i], b.Uploads[i+1:]...)
			return b
		}), true
	})
}
