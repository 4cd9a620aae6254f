package cloud

import (
	"context"
	"encoding/json"
	"time"

	"github.com/heimdex/heimdex-transcriber/internal/media"
)

// Service is the remote transcription backend.
type Service interface {
	CreateUploads(ctx context.Context, filenames []string) ([]UploadLocation, error)
	TransferFile(ctx context.Context, file media.File, url string, onProgress func(loaded, total int64)) error
	ExtractAudio(ctx context.Context, fileUploadID string) (string, error)
	RegisterJob(ctx context.Context, audioFileID string, params JobParams) (*Job, error)
	AddJobToBatch(ctx context.Context, batchID, audioFileID string, params JobParams) (*BatchJob, error)
	PollJob(ctx context.Context, jobID string) (*JobStatus, error)
	CancelJob(ctx context.Context, jobID string) error
}

// UploadLocation pairs a remote file upload id with the URL its bytes go to.
type UploadLocation struct {
	FileUploadID string `json:"file_upload_id"`
	URL          string `json:"url"`
}

type JobParams struct {
	LanguageCode string `json:"language_code"`
	IsPhoneCall  bool   `json:"is_phone_call,omitempty"`
}

type Job struct {
	ID        string    `json:"id"`
	Cost      float64   `json:"cost"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

type BatchJob struct {
	BatchID string `json:"batch_id"`
	Job     Job    `json:"job"`
}

const (
	JobStatePending = "pending"
	JobStateSuccess = "success"
	JobStateError   = "error"
)

type JobStatus struct {
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Transcript struct {
	Words []Word `json:"words"`
}

// Transcript decodes the result payload of a successful job. An empty
// payload yields an empty transcript.
func (s *JobStatus) Transcript() (*Transcript, error) {
	t := &Transcript{Words: []Word{}}
	if len(s.Result) == 0 || string(s.Result) == "null" {
		return t, nil
	}
	if err := json.Unmarshal(s.Result, t); err != nil {
		return nil, err
	}
	if t.Words == nil {
		t.Words = []Word{}
	}
	return t, nil
}
