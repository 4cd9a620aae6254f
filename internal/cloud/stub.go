package cloud

import (
	"context"
	"log/slog"

	"github.com/heimdex/heimdex-transcriber/internal/media"
)

// StubService stands in for the cloud when no base URL is configured.
// Every call is logged and fails with ErrNotConfigured.
type StubService struct {
	logger *slog.Logger
}

func NewStubService(logger *slog.Logger) *StubService {
	return &StubService{logger: logger}
}

func (s *StubService) CreateUploads(ctx context.Context, filenames []string) ([]UploadLocation, error) {
	s.logger.Info("cloud stub: upload locations requested", "count", len(filenames))
	return nil, ErrNotConfigured
}

func (s *StubService) TransferFile(ctx context.Context, file media.File, url string, onProgress func(loaded, total int64)) error {
	s.logger.Info("cloud stub: transfer requested", "filename", file.Name())
	return ErrNotConfigured
}

func (s *StubService) ExtractAudio(ctx context.Context, fileUploadID string) (string, error) {
	s.logger.Info("cloud stub: audio extraction requested", "file_upload_id", fileUploadID)
	return "", ErrNotConfigured
}

func (s *StubService) RegisterJob(ctx context.Context, audioFileID string, params JobParams) (*Job, error) {
	s.logger.Info("cloud stub: job registration requested", "audio_file_id", audioFileID)
	return nil, ErrNotConfigured
}

func (s *StubService) AddJobToBatch(ctx context.Context, batchID, audioFileID string, params JobParams) (*BatchJob, error) {
	s.logger.Info("cloud stub: batch job requested", "batch_id", batchID, "audio_file_id", audioFileID)
	return nil, ErrNotConfigured
}

func (s *StubService) PollJob(ctx context.Context, jobID string) (*JobStatus, error) {
	s.logger.Debug("cloud stub: job poll requested", "job_id", jobID)
	return nil, ErrNotConfigured
}

func (s *StubService) CancelJob(ctx context.Context, jobID string) error {
	s.logger.Info("cloud stub: job cancel requested", "job_id", jobID)
	return ErrNotConfigured
}
