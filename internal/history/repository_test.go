package history

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-transcriber/internal/db"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func TestRepository_RecordAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := repo.RecordJob(ctx, JobRecord{
		ID:           "j1",
		BatchID:      "b1",
		UploadID:     "u1",
		Filename:     "interview.mp4",
		LanguageCode: "en-US",
		Cost:         2.5,
		CreatedAt:    created,
	})
	require.NoError(t, err)

	got, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b1", got.BatchID)
	assert.Equal(t, "u1", got.UploadID)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 2.5, got.Cost)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Empty(t, got.Result)

	missing, err := repo.GetJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepository_UpdateJobResult(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "j1", Filename: "a.mp4", LanguageCode: "en-US"}))
	require.NoError(t, repo.UpdateJobResult(ctx, "j1", StateSuccess, json.RawMessage(`{"words":[]}`), ""))

	got, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, got.State)
	assert.JSONEq(t, `{"words":[]}`, string(got.Result))
}

func TestRepository_RecordJobUpserts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "j1", Filename: "a.mp4", LanguageCode: "en-US"}))
	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "j1", Filename: "a.mp4", LanguageCode: "en-US", State: StateError, Error: "bad audio"}))

	jobs, err := repo.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StateError, jobs[0].State)
	assert.Equal(t, "bad audio", jobs[0].Error)
}

func TestRepository_ListBatchJobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "j2", BatchID: "b1", Filename: "b.mp4", LanguageCode: "en-US", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "j1", BatchID: "b1", Filename: "a.mp4", LanguageCode: "en-US", CreatedAt: base}))
	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "j3", BatchID: "b2", Filename: "c.mp4", LanguageCode: "en-US", CreatedAt: base}))

	jobs, err := repo.ListBatchJobs(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, "j2", jobs[1].ID)
}

func TestRepository_Config(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	v, err := repo.GetConfig(ctx, "auth_token")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, repo.SetConfig(ctx, "auth_token", "one"))
	require.NoError(t, repo.SetConfig(ctx, "auth_token", "two"))

	v, err = repo.GetConfig(ctx, "auth_token")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func TestPruner_DeletesOnlySettledOldJobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)

	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "old-done", Filename: "a.mp4", LanguageCode: "en-US", State: StateSuccess, CreatedAt: old, UpdatedAt: old}))
	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "old-pending", Filename: "b.mp4", LanguageCode: "en-US", State: StatePending, CreatedAt: old, UpdatedAt: old}))
	require.NoError(t, repo.RecordJob(ctx, JobRecord{ID: "recent", Filename: "c.mp4", LanguageCode: "en-US", State: StateError, CreatedAt: now, UpdatedAt: now}))

	p := NewPruner(repo, 30*24*time.Hour, "@daily", nil)
	p.now = func() time.Time { return now }

	n, err := p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	jobs, err := repo.ListJobs(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"old-pending", "recent"}, ids)
}

func TestPruner_Schedule(t *testing.T) {
	repo := newTestRepo(t)
	c := cron.New()

	require.NoError(t, NewPruner(repo, time.Hour, "@every 1h", nil).Schedule(context.Background(), c))
	assert.Len(t, c.Entries(), 1)

	assert.Error(t, NewPruner(repo, time.Hour, "not a schedule", nil).Schedule(context.Background(), c))

	require.NoError(t, NewPruner(repo, 0, "@daily", nil).Schedule(context.Background(), c))
	assert.Len(t, c.Entries(), 1, "zero retention schedules nothing")
}
