package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-transcriber/internal/cloud"
	"github.com/heimdex/heimdex-transcriber/internal/history"
	"github.com/heimdex/heimdex-transcriber/internal/media"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type memFile struct {
	name string
	size int64
}

func (f memFile) Name() string { return f.name }
func (f memFile) Size() int64  { return f.size }
func (f memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(strings.Repeat("x", int(f.size)))), nil
}

var testFile = memFile{name: "call.mp4", size: 64}

// fakeService answers every call successfully unless a hook is set.
type fakeService struct {
	createUploads func(ctx context.Context) ([]cloud.UploadLocation, error)
	extract       func(ctx context.Context, fileUploadID string) (string, error)
	register      func(ctx context.Context, audioFileID string, params cloud.JobParams) (*cloud.Job, error)
	poll          func(ctx context.Context, n int32) (*cloud.JobStatus, error)
	cancelJob     func(ctx context.Context, jobID string) error

	polls   atomic.Int32
	cancels atomic.Int32
}

func (f *fakeService) CreateUploads(ctx context.Context, filenames []string) ([]cloud.UploadLocation, error) {
	if f.createUploads != nil {
		return f.createUploads(ctx)
	}
	return []cloud.UploadLocation{{FileUploadID: "f1", URL: "u1"}}, nil
}

func (f *fakeService) TransferFile(ctx context.Context, file media.File, url string, onProgress func(loaded, total int64)) error {
	return ctx.Err()
}

func (f *fakeService) ExtractAudio(ctx context.Context, fileUploadID string) (string, error) {
	if f.extract != nil {
		return f.extract(ctx, fileUploadID)
	}
	return "a1", nil
}

func (f *fakeService) RegisterJob(ctx context.Context, audioFileID string, params cloud.JobParams) (*cloud.Job, error) {
	if f.register != nil {
		return f.register(ctx, audioFileID, params)
	}
	return &cloud.Job{ID: "j1", Cost: 0.5, State: cloud.JobStatePending}, nil
}

func (f *fakeService) AddJobToBatch(ctx context.Context, batchID, audioFileID string, params cloud.JobParams) (*cloud.BatchJob, error) {
	return nil, errors.New("not used by runners")
}

func (f *fakeService) PollJob(ctx context.Context, jobID string) (*cloud.JobStatus, error) {
	n := f.polls.Add(1)
	if f.poll != nil {
		return f.poll(ctx, n)
	}
	return &cloud.JobStatus{State: cloud.JobStateSuccess, Result: json.RawMessage(`{"words":[]}`)}, nil
}

func (f *fakeService) CancelJob(ctx context.Context, jobID string) error {
	f.cancels.Add(1)
	if f.cancelJob != nil {
		return f.cancelJob(ctx, jobID)
	}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func record(r *Runner) *eventLog {
	l := &eventLog{}
	r.Subscribe(func(e Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

// trace renders events as "state:uploading", "cancel-disabled:true", "done".
func (l *eventLog) trace() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		switch e.Kind {
		case EventState:
			out = append(out, "state:"+string(e.State))
		case EventCancelDisabled:
			out = append(out, fmt.Sprintf("cancel-disabled:%t", e.CancelDisabled))
		default:
			out = append(out, string(e.Kind))
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

type runOutcome struct {
	res Result
	err error
}

func runAsync(r *Runner, params Params) <-chan runOutcome {
	ch := make(chan runOutcome, 1)
	go func() {
		res, err := r.Run(context.Background(), params)
		ch <- runOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(waitFor):
		t.Fatal("run did not settle")
		return runOutcome{}
	}
}

func TestRunner_StagesInOrder(t *testing.T) {
	createGate := make(chan struct{})
	extractGate := make(chan struct{})
	registerGate := make(chan struct{})
	var gotAudio string
	var gotParams cloud.JobParams

	svc := &fakeService{
		createUploads: func(ctx context.Context) ([]cloud.UploadLocation, error) {
			<-createGate
			return []cloud.UploadLocation{{FileUploadID: "f1", URL: "u1"}}, nil
		},
		extract: func(ctx context.Context, id string) (string, error) {
			if id != "f1" {
				return "", fmt.Errorf("unexpected upload id %q", id)
			}
			<-extractGate
			return "a1", nil
		},
		register: func(ctx context.Context, audioID string, params cloud.JobParams) (*cloud.Job, error) {
			gotAudio, gotParams = audioID, params
			<-registerGate
			return &cloud.Job{ID: "j1", State: cloud.JobStatePending}, nil
		},
	}
	r := New(svc, Options{PollInterval: time.Millisecond})
	events := record(r)

	done := runAsync(r, Params{File: testFile, LanguageCode: "en-US"})

	require.Eventually(t, func() bool { return r.State() == StateUploading }, waitFor, tick)
	assert.True(t, r.InProgress())
	assert.Equal(t, []string{"state:uploading"}, events.trace())

	close(createGate)
	require.Eventually(t, func() bool { return r.State() == StateExtracting }, waitFor, tick)

	close(extractGate)
	require.Eventually(t, func() bool { return r.State() == StateTranscribing && r.CancelDisabled() }, waitFor, tick)

	close(registerGate)
	out := await(t, done)
	require.NoError(t, out.err)
	assert.Equal(t, "j1", out.res.JobID)
	assert.Equal(t, "a1", gotAudio)
	assert.Equal(t, "en-US", gotParams.LanguageCode)

	assert.Equal(t, []string{
		"state:uploading",
		"state:extracting",
		"state:transcribing",
		"cancel-disabled:true",
		"cancel-disabled:false",
		"state:done",
		"done",
	}, events.trace())
}

func TestRunner_CancelIgnoredDuringRegistration(t *testing.T) {
	registering := make(chan struct{})
	registerGate := make(chan struct{})
	svc := &fakeService{
		register: func(ctx context.Context, audioID string, params cloud.JobParams) (*cloud.Job, error) {
			close(registering)
			<-registerGate
			return &cloud.Job{ID: "j1"}, nil
		},
	}
	r := New(svc, Options{PollInterval: time.Millisecond})
	events := record(r)
	done := runAsync(r, Params{File: testFile, LanguageCode: "en-US"})

	<-registering
	require.True(t, r.CancelDisabled())
	before := events.trace()

	assert.False(t, r.Cancel(context.Background()))
	assert.Equal(t, before, events.trace())
	assert.Equal(t, StateTranscribing, r.State())

	close(registerGate)
	out := await(t, done)
	require.NoError(t, out.err)
	assert.Zero(t, events.count(EventCancelling))
	assert.Zero(t, events.count(EventCancelled))
	assert.Equal(t, 1, events.count(EventDone))
}

func TestRunner_PollsUntilSuccess(t *testing.T) {
	svc := &fakeService{
		poll: func(ctx context.Context, n int32) (*cloud.JobStatus, error) {
			if n == 1 {
				return &cloud.JobStatus{State: cloud.JobStatePending}, nil
			}
			return &cloud.JobStatus{State: cloud.JobStateSuccess, Result: json.RawMessage(`{"words":[]}`)}, nil
		},
	}
	r := New(svc, Options{})
	events := record(r)

	out := await(t, runAsync(r, Params{File: testFile, LanguageCode: "en-US", PollInterval: 10 * time.Millisecond}))
	require.NoError(t, out.err)

	assert.Equal(t, int32(2), svc.polls.Load())
	assert.False(t, r.InProgress())
	assert.Equal(t, StateDone, r.State())

	last := events.last()
	require.Equal(t, EventDone, last.Kind)
	require.NotNil(t, last.Result)
	require.NotNil(t, last.Result.Transcript)
	assert.Empty(t, last.Result.Transcript.Words)
	assert.Zero(t, events.count(EventError))
}

func TestRunner_CancelDuringExtract(t *testing.T) {
	extracting := make(chan struct{})
	svc := &fakeService{
		extract: func(ctx context.Context, id string) (string, error) {
			close(extracting)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	r := New(svc, Options{})
	events := record(r)
	done := runAsync(r, Params{File: testFile, LanguageCode: "en-US"})

	<-extracting
	require.True(t, r.Cancel(context.Background()))

	assert.False(t, r.InProgress())
	assert.Equal(t, StateCancelled, r.State())

	out := await(t, done)
	assert.ErrorIs(t, out.err, ErrCancelled)
	assert.Equal(t, []string{
		"state:uploading",
		"state:extracting",
		"state:cancelling",
		"cancelling",
		"state:cancelled",
		"cancelled",
	}, events.trace())
	assert.Zero(t, svc.cancels.Load(), "no remote job to cancel yet")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, events.count(EventDone))
	assert.Zero(t, events.count(EventError))
}

func TestRunner_CancelDuringUpload(t *testing.T) {
	creating := make(chan struct{})
	svc := &fakeService{
		createUploads: func(ctx context.Context) ([]cloud.UploadLocation, error) {
			close(creating)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := New(svc, Options{})
	events := record(r)
	done := runAsync(r, Params{File: testFile, LanguageCode: "en-US"})

	<-creating
	require.True(t, r.Cancel(context.Background()))
	assert.False(t, r.Cancel(context.Background()), "already settled")

	out := await(t, done)
	assert.ErrorIs(t, out.err, ErrCancelled)
	assert.Equal(t, 1, events.count(EventCancelled))
}

func TestRunner_CancelDuringPolling(t *testing.T) {
	polled := make(chan struct{}, 1)
	svc := &fakeService{
		poll: func(ctx context.Context, n int32) (*cloud.JobStatus, error) {
			select {
			case polled <- struct{}{}:
			default:
			}
			return &cloud.JobStatus{State: cloud.JobStatePending}, nil
		},
	}
	rec := newMemRecorder()
	r := New(svc, Options{PollInterval: time.Hour, Recorder: rec})
	events := record(r)
	done := runAsync(r, Params{File: testFile, LanguageCode: "en-US"})

	<-polled
	require.True(t, r.Cancel(context.Background()))

	out := await(t, done)
	assert.ErrorIs(t, out.err, ErrCancelled)
	assert.Equal(t, int32(1), svc.cancels.Load())
	assert.Equal(t, int32(1), svc.polls.Load())
	assert.Equal(t, StateCancelled, r.State())
	assert.Zero(t, events.count(EventError))
	assert.Equal(t, history.StateCancelled, rec.state("j1"))
}

func TestRunner_RemoteCancelFailureStillCancels(t *testing.T) {
	polled := make(chan struct{}, 1)
	svc := &fakeService{
		poll: func(ctx context.Context, n int32) (*cloud.JobStatus, error) {
			select {
			case polled <- struct{}{}:
			default:
			}
			return &cloud.JobStatus{State: cloud.JobStatePending}, nil
		},
		cancelJob: func(ctx context.Context, jobID string) error {
			return cloud.ErrUnreachable
		},
	}
	r := New(svc, Options{PollInterval: time.Hour})
	events := record(r)
	done := runAsync(r, Params{File: testFile, LanguageCode: "en-US"})

	<-polled
	require.True(t, r.Cancel(context.Background()))
	out := await(t, done)
	assert.ErrorIs(t, out.err, ErrCancelled)
	assert.Equal(t, 1, events.count(EventCancelled))
	assert.Zero(t, events.count(EventError))
}

func TestRunner_RemoteJobError(t *testing.T) {
	svc := &fakeService{
		poll: func(ctx context.Context, n int32) (*cloud.JobStatus, error) {
			return &cloud.JobStatus{State: cloud.JobStateError, Error: "unsupported codec"}, nil
		},
	}
	rec := newMemRecorder()
	r := New(svc, Options{Recorder: rec})
	events := record(r)

	out := await(t, runAsync(r, Params{File: testFile, LanguageCode: "en-US"}))
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, cloud.ErrJobFailed)
	assert.Contains(t, out.err.Error(), "unsupported codec")

	assert.Equal(t, StateError, r.State())
	assert.False(t, r.InProgress())
	assert.Equal(t, []string{"state:error", "error"}, events.trace()[len(events.trace())-2:])
	assert.Equal(t, history.StateError, rec.state("j1"))
}

func TestRunner_StageFailuresAreTerminal(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
		want string
	}{
		{
			name: "upload locations",
			svc: &fakeService{createUploads: func(ctx context.Context) ([]cloud.UploadLocation, error) {
				return nil, &cloud.APIError{StatusCode: 503, Body: "down"}
			}},
			want: "upload",
		},
		{
			name: "no location",
			svc: &fakeService{createUploads: func(ctx context.Context) ([]cloud.UploadLocation, error) {
				return nil, nil
			}},
			want: "upload",
		},
		{
			name: "extract",
			svc: &fakeService{extract: func(ctx context.Context, id string) (string, error) {
				return "", cloud.ErrTimeout
			}},
			want: "extract audio",
		},
		{
			name: "register",
			svc: &fakeService{register: func(ctx context.Context, audioID string, params cloud.JobParams) (*cloud.Job, error) {
				return nil, &cloud.APIError{StatusCode: 422, Body: "bad language"}
			}},
			want: "register job",
		},
		{
			name: "poll transport",
			svc: &fakeService{poll: func(ctx context.Context, n int32) (*cloud.JobStatus, error) {
				return nil, cloud.ErrUnreachable
			}},
			want: "poll job",
		},
		{
			name: "empty registration",
			svc: &fakeService{register: func(ctx context.Context, audioID string, params cloud.JobParams) (*cloud.Job, error) {
				return nil, nil
			}},
			want: "register job",
		},
		{
			name: "empty poll status",
			svc: &fakeService{poll: func(ctx context.Context, n int32) (*cloud.JobStatus, error) {
				return nil, nil
			}},
			want: "poll job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.svc, Options{})
			events := record(r)

			out := await(t, runAsync(r, Params{File: testFile, LanguageCode: "en-US"}))
			require.Error(t, out.err)
			assert.Contains(t, out.err.Error(), tt.want)
			assert.Equal(t, StateError, r.State())
			assert.False(t, r.InProgress())
			assert.False(t, r.CancelDisabled())
			assert.Equal(t, 1, events.count(EventError))
			assert.Zero(t, events.count(EventDone))
			assert.Equal(t, tt.want+": ", r.Status().Error[:len(tt.want)+2])
		})
	}
}

func TestRunner_AlreadyRunning(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{
		extract: func(ctx context.Context, id string) (string, error) {
			<-gate
			return "a1", nil
		},
	}
	r := New(svc, Options{PollInterval: time.Millisecond})
	done := runAsync(r, Params{File: testFile, LanguageCode: "en-US"})
	require.Eventually(t, func() bool { return r.State() == StateExtracting }, waitFor, tick)

	_, err := r.Run(context.Background(), Params{File: testFile, LanguageCode: "en-US"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	require.NoError(t, await(t, done).err)

	// a settled runner starts over
	events := record(r)
	require.NoError(t, await(t, runAsync(r, Params{File: testFile, LanguageCode: "en-US"})).err)
	assert.Equal(t, "state:uploading", events.trace()[0])
	assert.Equal(t, StateDone, r.State())
}

func TestRunner_CancelWhenIdle(t *testing.T) {
	r := New(&fakeService{}, Options{})
	events := record(r)
	assert.False(t, r.Cancel(context.Background()))
	assert.Empty(t, events.trace())
}

func TestRunner_RecordsHistory(t *testing.T) {
	rec := newMemRecorder()
	r := New(&fakeService{}, Options{Recorder: rec})

	out := await(t, runAsync(r, Params{File: testFile, LanguageCode: "ko-KR"}))
	require.NoError(t, out.err)

	got, ok := rec.get("j1")
	require.True(t, ok)
	assert.Equal(t, history.StateSuccess, got.State)
	assert.Equal(t, "call.mp4", got.Filename)
	assert.Equal(t, "ko-KR", got.LanguageCode)
	assert.JSONEq(t, `{"words":[]}`, string(got.Result))
}

type memRecorder struct {
	mu   sync.Mutex
	jobs map[string]history.JobRecord
}

func newMemRecorder() *memRecorder {
	return &memRecorder{jobs: make(map[string]history.JobRecord)}
}

func (m *memRecorder) RecordJob(ctx context.Context, rec history.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.ID] = rec
	return nil
}

func (m *memRecorder) UpdateJobResult(ctx context.Context, id, state string, result json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return errors.New("unknown job")
	}
	rec.State, rec.Result, rec.Error = state, result, errMsg
	m.jobs[id] = rec
	return nil
}

func (m *memRecorder) get(id string) (history.JobRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	return rec, ok
}

func (m *memRecorder) state(id string) string {
	rec, _ := m.get(id)
	return rec.State
}
