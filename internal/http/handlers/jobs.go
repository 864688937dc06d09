package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mediajobs/internal/domain"
	"mediajobs/internal/jobs"
)

const maxSubmitBody = 1 << 20

func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		msg := "invalid payload"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		a.error(w, http.StatusBadRequest, "bad_request", msg)
		return
	}
	res, err := a.Jobs.Submit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, res)
}

func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	p, err := a.Jobs.Status(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, p)
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := a.Jobs.Cancel(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := "cancel_requested"
	if job.Status == domain.JobStatusFailed {
		status = string(job.Status)
	}
	a.json(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": status})
}
