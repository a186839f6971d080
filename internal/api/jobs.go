package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storyloom/internal/workflow"
)

// StartJobRequest is the body of POST /jobs.
type StartJobRequest struct {
	SessionID         string `json:"session_id"`
	Concept           string `json:"concept"`
	MultiChapter      bool   `json:"multi_chapter"`
	TotalChaptersHint int    `json:"total_chapters_hint"`
	TotalTargetLength int    `json:"total_target_length"`
}

func handleStartJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req StartJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Concept) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "concept is required")
			return
		}

		ack, err := deps.Jobs.Start(r.Context(), workflow.StartRequest{
			SessionID:         req.SessionID,
			Concept:           req.Concept,
			MultiChapter:      req.MultiChapter,
			TotalChaptersHint: req.TotalChaptersHint,
			TotalTargetLength: req.TotalTargetLength,
		})
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ack)
	}
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := chi.URLParam(r, "session")
		if err := deps.Jobs.Cancel(session); err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
	}
}

func handleJobStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Jobs.Status(chi.URLParam(r, "session"))
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleDocumentation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Jobs.Documentation(chi.URLParam(r, "session"))
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tr, err := deps.Jobs.Transcript(chi.URLParam(r, "session"))
		if err != nil {
			jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	}
}

// handleJobEvents streams progress events as server-sent events until the
// job finishes or the client disconnects. Events published before the
// connection are not replayed; clients poll /status for the latest state.
func handleJobEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sub, unsubscribe, err := deps.Jobs.Subscribe(chi.URLParam(r, "session"))
		if err != nil {
			jobError(w, err)
			return
		}
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					slog.Warn("encoding progress event failed", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
				flusher.Flush()
			}
		}
	}
}

func jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrJobAlreadyRunning):
		httpError(w, http.StatusConflict, "job_already_running", "%v", err)
	case errors.Is(err, workflow.ErrNoJob):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
