package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/heimdex/heimdex-transcriber/internal/cloud"
	"github.com/heimdex/heimdex-transcriber/internal/logging"
)

// DefaultRunRetention keeps settled runs listed for an hour. Their outcome
// stays in the job history after that.
const DefaultRunRetention = time.Hour

var (
	ErrNotFound        = errors.New("run not found")
	ErrInvalidLanguage = errors.New("invalid language code")
)

// Run is a runner registered with a Manager.
type Run struct {
	ID        string
	Runner    *Runner
	CreatedAt time.Time

	settledAt time.Time // guarded by Manager.mu
}

// Summary is the listing view of a run.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
}

// Manager owns the runners started through the API, each under a local run id.
type Manager struct {
	svc    cloud.Service
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*Run
	retain time.Duration
}

func NewManager(svc cloud.Service, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	opts.Logger = logging.OrDiscard(opts.Logger)
	if opts.RunRetention <= 0 {
		opts.RunRetention = DefaultRunRetention
	}
	return &Manager{
		svc:    svc,
		opts:   opts,
		logger: logging.WithComponent(opts.Logger, "jobmanager"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
		retain: opts.RunRetention,
	}
}

// NormalizeLanguage parses code as a BCP 47 tag and returns its canonical form.
func NormalizeLanguage(code string) (string, error) {
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidLanguage, code, err)
	}
	return tag.String(), nil
}

// Start registers a new runner and runs it in the background. The returned
// runner has already entered the uploading state.
func (m *Manager) Start(params Params) (*Run, error) {
	if params.File == nil {
		return nil, errors.New("file is required")
	}
	code, err := NormalizeLanguage(params.LanguageCode)
	if err != nil {
		return nil, err
	}
	params.LanguageCode = code

	run := &Run{
		ID:        uuid.NewString(),
		Runner:    New(m.svc, m.opts),
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, errors.New("manager closed")
	}
	m.evictLocked(time.Now())
	m.runs[run.ID] = run
	m.wg.Add(1)
	m.mu.Unlock()

	started := make(chan struct{})
	unsubscribe := run.Runner.Subscribe(func(e Event) {
		if e.Kind == EventState && e.State == StateUploading {
			select {
			case <-started:
			default:
				close(started)
			}
		}
	})

	logger := logging.WithJobID(m.logger, run.ID)
	go func() {
		defer m.wg.Done()
		_, err := run.Runner.Run(m.ctx, params)
		m.mu.Lock()
		run.settledAt = time.Now()
		m.mu.Unlock()
		switch {
		case err == nil:
			logger.Info("run finished")
		case errors.Is(err, ErrCancelled):
			logger.Info("run cancelled")
		default:
			logger.Warn("run failed", "error", err)
		}
	}()

	<-started
	unsubscribe()
	return run, nil
}

func (m *Manager) Get(id string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(time.Now())
	run, ok := m.runs[id]
	return run, ok
}

// Cancel cancels run id. It reports false when the runner refused the cancel.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	run, ok := m.Get(id)
	if !ok {
		return false, ErrNotFound
	}
	return run.Runner.Cancel(ctx), nil
}

// List returns all runs, newest first.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	m.evictLocked(time.Now())
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(runs))
	for _, r := range runs {
		out = append(out, Summary{ID: r.ID, CreatedAt: r.CreatedAt, Status: r.Runner.Status()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// evictLocked forgets runs that settled more than the retention ago.
func (m *Manager) evictLocked(now time.Time) {
	for id, r := range m.runs {
		if !r.settledAt.IsZero() && now.Sub(r.settledAt) > m.retain {
			delete(m.runs, id)
		}
	}
}

// Close aborts every run still in progress and waits for them to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}
