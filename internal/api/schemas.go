package api

import (
	"time"

	"github.com/heimdex/heimdex-transcriber/internal/history"
	"github.com/heimdex/heimdex-transcriber/internal/jobrunner"
	"github.com/heimdex/heimdex-transcriber/internal/upload"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeS   int64  `json:"uptime_s"`
	DeviceID  string `json:"device_id"`
	Uploading bool   `json:"uploading"`
	InFlight  int    `json:"in_flight"`
	Pending   int    `json:"pending"`
}

type AddFilesRequest struct {
	Paths []string `json:"paths"`
}

type AddFilesResponse struct {
	BatchID string          `json:"batch_id"`
	Uploads []upload.Record `json:"uploads"`
	Error   string          `json:"error,omitempty"`
}

type CancelResponse struct {
	Cancelled int `json:"cancelled"`
}

type StartJobRequest struct {
	Path           string `json:"path"`
	LanguageCode   string `json:"language_code,omitempty"`
	IsPhoneCall    bool   `json:"is_phone_call,omitempty"`
	PollIntervalMS int64  `json:"poll_interval_ms,omitempty"`
}

type RunResponse struct {
	ID        string           `json:"id"`
	CreatedAt string           `json:"created_at"`
	Status    jobrunner.Status `json:"status"`
}

type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// EventResponse is one runner event as sent over SSE.
type EventResponse struct {
	Kind           jobrunner.EventKind `json:"kind"`
	State          jobrunner.State     `json:"state,omitempty"`
	CancelDisabled bool                `json:"cancel_disabled"`
	Result         *jobrunner.Result   `json:"result,omitempty"`
	Error          string              `json:"error,omitempty"`
}

type JobRecordResponse struct {
	ID           string  `json:"id"`
	BatchID      string  `json:"batch_id,omitempty"`
	UploadID     string  `json:"upload_id,omitempty"`
	Filename     string  `json:"filename"`
	LanguageCode string  `json:"language_code"`
	State        string  `json:"state"`
	Cost         float64 `json:"cost"`
	Error        string  `json:"error,omitempty"`
	HasResult    bool    `json:"has_result"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type HistoryResponse struct {
	Jobs []JobRecordResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func RunToResponse(r *jobrunner.Run) RunResponse {
	return RunResponse{
		ID:        r.ID,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		Status:    r.Runner.Status(),
	}
}

func SummaryToResponse(s jobrunner.Summary) RunResponse {
	return RunResponse{
		ID:        s.ID,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		Status:    s.Status,
	}
}

func EventToResponse(e jobrunner.Event) EventResponse {
	resp := EventResponse{
		Kind:           e.Kind,
		State:          e.State,
		CancelDisabled: e.CancelDisabled,
		Result:         e.Result,
	}
	if e.Err != nil {
		resp.Error = e.Err.Error()
	}
	return resp
}

func JobRecordToResponse(j *history.JobRecord) JobRecordResponse {
	return JobRecordResponse{
		ID:           j.ID,
		BatchID:      j.BatchID,
		UploadID:     j.UploadID,
		Filename:     j.Filename,
		LanguageCode: j.LanguageCode,
		State:        j.State,
		Cost:         j.Cost,
		Error:        j.Error,
		HasResult:    len(j.Result) > 0,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
}
