package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-transcriber/internal/history"
	"github.com/heimdex/heimdex-transcriber/internal/jobrunner"
	"github.com/heimdex/heimdex-transcriber/internal/logging"
	"github.com/heimdex/heimdex-transcriber/internal/media"
)

const defaultHistoryLimit = 50

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/uploads", snapshotHandler(cfg))
		r.Get("/uploads/stream", uploadStreamHandler(cfg))

		r.Route("/batches/{batchID}", func(r chi.Router) {
			r.Post("/files", addFilesHandler(cfg))
			r.Post("/upload", uploadBatchHandler(cfg))
			r.Post("/cancel", cancelBatchHandler(cfg))
			r.Post("/files/{id}/cancel", cancelFileHandler(cfg))
			r.Delete("/files/{id}", removeFileHandler(cfg))
		})

		r.Post("/jobs", startJobHandler(cfg))
		r.Get("/jobs", listRunsHandler(cfg))
		r.Get("/jobs/{id}", getRunHandler(cfg))
		r.Post("/jobs/{id}/cancel", cancelRunHandler(cfg))
		r.Get("/jobs/{id}/events", runEventsHandler(cfg))

		r.Get("/history", historyHandler(cfg))
		r.Get("/history/{id}", historyJobHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  int64(time.Since(cfg.StartTime).Seconds()),
			DeviceID: cfg.DeviceID,
		}
		if cfg.Scheduler != nil {
			resp.Uploading = cfg.Scheduler.Running()
			resp.InFlight = cfg.Scheduler.InFlight()
			resp.Pending = cfg.Scheduler.Pending()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func snapshotHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Uploads.Snapshot())
	}
}

func addFilesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchID")

		var req AddFilesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(req.Paths) == 0 {
			WriteError(w, http.StatusBadRequest, "paths is required", "BAD_REQUEST")
			return
		}

		files := make([]media.File, 0, len(req.Paths))
		for _, p := range req.Paths {
			f, err := media.OpenLocal(p)
			if err != nil {
				cfg.Logger.Warn("cannot open upload", "path", logging.SanitizePath(p), "error", err)
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			files = append(files, f)
		}

		records, err := cfg.Uploads.AddFiles(r.Context(), batchID, files)
		resp := AddFilesResponse{BatchID: batchID, Uploads: records}
		if err != nil {
			// records stay queued and can be re-admitted with /upload
			resp.Error = err.Error()
			WriteJSON(w, http.StatusBadGateway, resp)
			return
		}
		WriteJSON(w, http.StatusAccepted, resp)
	}
}

func uploadBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchID")
		if err := cfg.Uploads.Upload(r.Context(), batchID); err != nil {
			WriteError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR")
			return
		}
		b, _ := cfg.Uploads.Batch(batchID)
		WriteJSON(w, http.StatusAccepted, b)
	}
}

func cancelBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := cfg.Uploads.CancelBatch(chi.URLParam(r, "batchID"))
		WriteJSON(w, http.StatusOK, CancelResponse{Cancelled: n})
	}
}

func cancelFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 0
		if cfg.Uploads.CancelFile(chi.URLParam(r, "batchID"), chi.URLParam(r, "id")) {
			n = 1
		}
		WriteJSON(w, http.StatusOK, CancelResponse{Cancelled: n})
	}
}

func removeFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Uploads.RemoveFile(chi.URLParam(r, "batchID"), chi.URLParam(r, "id")) {
			WriteError(w, http.StatusConflict, "upload not found or still in flight", "CONFLICT")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func startJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}
		if req.LanguageCode == "" {
			req.LanguageCode = cfg.Language
		}

		f, err := media.OpenLocal(req.Path)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		interval := cfg.PollInterval
		if req.PollIntervalMS > 0 {
			interval = time.Duration(req.PollIntervalMS) * time.Millisecond
		}

		run, err := cfg.Jobs.Start(jobrunner.Params{
			File:         f,
			LanguageCode: req.LanguageCode,
			IsPhoneCall:  req.IsPhoneCall,
			PollInterval: interval,
		})
		if err != nil {
			if errors.Is(err, jobrunner.ErrInvalidLanguage) {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			WriteError(w, http.StatusServiceUnavailable, err.Error(), "UNAVAILABLE")
			return
		}
		WriteJSON(w, http.StatusAccepted, RunToResponse(run))
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries := cfg.Jobs.List()
		resp := RunsResponse{Runs: make([]RunResponse, len(summaries))}
		for i, s := range summaries {
			resp.Runs[i] = SummaryToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := cfg.Jobs.Get(chi.URLParam(r, "id"))
		if !ok {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func cancelRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, err := cfg.Jobs.Cancel(r.Context(), id)
		if errors.Is(err, jobrunner.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		if !ok {
			WriteError(w, http.StatusConflict, "job cannot be cancelled now", "CONFLICT")
			return
		}
		run, _ := cfg.Jobs.Get(id)
		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func historyHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = n
		}

		var (
			jobs []*history.JobRecord
			err  error
		)
		if batchID := r.URL.Query().Get("batch_id"); batchID != "" {
			jobs, err = cfg.Repository.ListBatchJobs(r.Context(), batchID)
		} else {
			jobs, err = cfg.Repository.ListJobs(r.Context(), limit)
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := HistoryResponse{Jobs: make([]JobRecordResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobRecordToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// historyJobHandler returns the stored record including the raw result.
func historyJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Repository.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}
