package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-transcriber/internal/jobrunner"
	"github.com/heimdex/heimdex-transcriber/internal/upload"
)

const runEventBuffer = 64

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// uploadStreamHandler sends the current snapshot, then one snapshot per
// change. A slow client only ever gets the latest one.
func uploadStreamHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest := make(chan upload.State, 1)
		unsubscribe := cfg.Uploads.Subscribe(func(s upload.State) {
			select {
			case <-latest:
			default:
			}
			latest <- s
		})
		defer unsubscribe()

		flusher, ok := startStream(w)
		if !ok {
			return
		}
		if err := writeEvent(w, flusher, "snapshot", cfg.Uploads.Snapshot()); err != nil {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case s := <-latest:
				if err := writeEvent(w, flusher, "snapshot", s); err != nil {
					return
				}
			}
		}
	}
}

// runEventsHandler sends the run status, then every runner event until the
// run settles.
func runEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := cfg.Jobs.Get(chi.URLParam(r, "id"))
		if !ok {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		events := make(chan jobrunner.Event, runEventBuffer)
		unsubscribe := run.Runner.Subscribe(func(e jobrunner.Event) {
			select {
			case events <- e:
			default:
				cfg.Logger.Warn("dropping runner event for slow client", "run_id", run.ID, "kind", e.Kind)
			}
		})
		defer unsubscribe()

		flusher, ok := startStream(w)
		if !ok {
			return
		}
		status := run.Runner.Status()
		if err := writeEvent(w, flusher, "status", status); err != nil || !status.InProgress {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-events:
				if err := writeEvent(w, flusher, string(e.Kind), EventToResponse(e)); err != nil {
					return
				}
				switch e.Kind {
				case jobrunner.EventDone, jobrunner.EventError, jobrunner.EventCancelled:
					return
				}
			}
		}
	}
}
