package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-transcriber/internal/media"
)

const DefaultTimeout = 60 * time.Second

// HTTPClient talks to the Heimdex transcription API over JSON/HTTP.
// File bytes are PUT directly to the upload URLs the API hands out.
type HTTPClient struct {
	baseURL    string
	token      string
	orgSlug    string
	deviceID   string
	httpClient *http.Client
	// transfers have no overall timeout; they are bounded by ctx
	transferClient *http.Client
	logger         *slog.Logger
}

func NewHTTPClient(baseURL, token, orgSlug string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		orgSlug: orgSlug,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		transferClient: &http.Client{},
		logger:         logger,
	}
}

func (c *HTTPClient) SetDeviceID(id string) {
	c.deviceID = id
}

type createUploadsResponse struct {
	FileUploads []struct {
		ID string `json:"id"`
	} `json:"file_uploads"`
	UploadURLs []string `json:"upload_urls"`
}

func (c *HTTPClient) CreateUploads(ctx context.Context, filenames []string) ([]UploadLocation, error) {
	var resp createUploadsResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/file-uploads", map[string]any{"filenames": filenames}, &resp); err != nil {
		return nil, fmt.Errorf("create uploads: %w", err)
	}

	n := min(len(resp.FileUploads), len(resp.UploadURLs))
	locations := make([]UploadLocation, 0, n)
	for i := 0; i < n; i++ {
		locations = append(locations, UploadLocation{
			FileUploadID: resp.FileUploads[i].ID,
			URL:          resp.UploadURLs[i],
		})
	}

	c.logger.Info("upload locations created", "requested", len(filenames), "returned", len(locations))
	return locations, nil
}

func (c *HTTPClient) TransferFile(ctx context.Context, file media.File, uploadURL string, onProgress func(loaded, total int64)) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name(), err)
	}
	defer rc.Close()

	body := &progressReader{r: rc, total: file.Size(), onProgress: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = file.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.transferClient.Do(req)
	if err != nil {
		return classify("transfer "+file.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if onProgress != nil {
		onProgress(file.Size(), file.Size())
	}
	return nil
}

func (c *HTTPClient) ExtractAudio(ctx context.Context, fileUploadID string) (string, error) {
	var resp struct {
		AudioFile struct {
			ID string `json:"id"`
		} `json:"audio_file"`
	}
	path := "/api/file-uploads/" + url.PathEscape(fileUploadID) + "/extract-audio"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	if resp.AudioFile.ID == "" {
		return "", fmt.Errorf("extract audio: response missing audio file id")
	}
	return resp.AudioFile.ID, nil
}

type jobRequest struct {
	FileUploadID string `json:"file_upload_id"`
	JobParams
}

func (c *HTTPClient) RegisterJob(ctx context.Context, audioFileID string, params JobParams) (*Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/transcriptions", jobRequest{audioFileID, params}, &resp); err != nil {
		return nil, fmt.Errorf("register job: %w", err)
	}
	if resp.Job.ID == "" {
		return nil, fmt.Errorf("register job: response missing job id")
	}
	return &resp.Job, nil
}

func (c *HTTPClient) AddJobToBatch(ctx context.Context, batchID, audioFileID string, params JobParams) (*BatchJob, error) {
	var resp struct {
		Batch struct {
			ID string `json:"id"`
		} `json:"batch"`
		Job Job `json:"job"`
	}
	path := "/api/batches/" + url.PathEscape(batchID) + "/transcriptions"
	if err := c.doJSON(ctx, http.MethodPost, path, jobRequest{audioFileID, params}, &resp); err != nil {
		return nil, fmt.Errorf("add job to batch: %w", err)
	}
	if resp.Job.ID == "" {
		return nil, fmt.Errorf("add job to batch: response missing job id")
	}
	if resp.Batch.ID == "" {
		resp.Batch.ID = batchID
	}
	return &BatchJob{BatchID: resp.Batch.ID, Job: resp.Job}, nil
}

func (c *HTTPClient) PollJob(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/transcriptions/"+url.PathEscape(jobID), nil, &status); err != nil {
		return nil, fmt.Errorf("poll job: %w", err)
	}
	switch status.State {
	case JobStatePending, JobStateSuccess, JobStateError:
	default:
		return nil, fmt.Errorf("poll job: unknown state %q", status.State)
	}
	return &status, nil
}

func (c *HTTPClient) CancelJob(ctx context.Context, jobID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/transcriptions/"+url.PathEscape(jobID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Heimdex-Request-Id", uuid.NewString())
	if c.deviceID != "" {
		req.Header.Set("X-Heimdex-Device-Id", c.deviceID)
	}
	// The SaaS resolves the org from the Host header subdomain
	if c.orgSlug != "" {
		req.Host = c.orgSlug + ".app.heimdex.local"
	}

	c.logger.Debug("cloud request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

type progressReader struct {
	r          io.Reader
	loaded     int64
	total      int64
	onProgress func(loaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.loaded, p.total)
		}
	}
	return n, err
}
