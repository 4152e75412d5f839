package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/datasets"
	"github.com/vrsandeep/imdb-etl/internal/jobs"
	"github.com/vrsandeep/imdb-etl/internal/models"
	"github.com/vrsandeep/imdb-etl/internal/queue"
)

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}
	RespondWithJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	failed, err := s.queue.Failed(r.Context(), name, limit)
	if err != nil {
		respondWithQueueError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, failed)
}

func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryFailed(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		respondWithQueueError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		respondWithQueueError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Retry(r.Context(), id); err != nil {
		respondWithQueueError(w, err)
		return
	}
	RespondAccepted(w, id, "")
}

// handleTrigger starts a pipeline run by enqueueing a trigger. An import may
// be restricted to some datasets with {"datasets": [...]}.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !s.queue.Known(name) {
		RespondWithError(w, http.StatusNotFound, "Unknown queue '"+name+"'")
		return
	}
	if !jobs.Triggerable(name) {
		RespondWithError(w, http.StatusBadRequest, "Queue '"+name+"' cannot be triggered")
		return
	}

	trig := models.NewTrigger("api")
	var payload struct {
		Datasets []string `json:"datasets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if len(payload.Datasets) > 0 {
		if name != config.QueueImport {
			RespondWithError(w, http.StatusBadRequest, "Datasets can only be selected for an import")
			return
		}
		if _, err := datasets.Select(payload.Datasets); err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		trig.Datasets = payload.Datasets
	}

	id, err := s.queue.Enqueue(r.Context(), name, trig)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to enqueue trigger")
		return
	}
	RespondAccepted(w, id, "Job '"+name+"' queued successfully.")
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.schedules())
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid job ID")
		return 0, false
	}
	return id, true
}

func respondWithQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrJobNotFound):
		RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotRetryable), errors.Is(err, queue.ErrInFlight):
		RespondWithError(w, http.StatusConflict, err.Error())
	default:
		RespondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
