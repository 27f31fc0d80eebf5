package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/catalog/internal/job"
)

const (
	maxRequestBody   = 1 << 20
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// jobResponse adds the preview marker to a job. RowErrorsTruncated is set
// when the report holds fewer row errors than its failed count.
type jobResponse struct {
	*job.Job
	RowErrorsTruncated bool `json:"rowErrorsTruncated"`
}

func newJobResponse(j *job.Job) jobResponse {
	return jobResponse{Job: j, RowErrorsTruncated: len(j.Report.RowErrors) < j.Report.Failed}
}

// handleSubmitJob accepts a job.Request as JSON and answers 202 with the
// Pending job.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			badRequest(w, r, "body", "request body is required")
			return
		}
		badRequest(w, r, "body", "invalid JSON: "+err.Error())
		return
	}

	j, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+j.ID)
	writeJSONStatus(w, r, http.StatusAccepted, newJobResponse(j))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, r, "limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobsLimit)
	}

	jobs, err := s.deps.Jobs.List(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = jobResponse{Job: j, RowErrorsTruncated: j.Report.Failed > 0}
	}
	writeJSON(w, r, map[string]any{"jobs": out})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, newJobResponse(j))
}

// handleCancelJob answers 202 while a running job winds down, 200 once the
// job is already Cancelled and 409 for a finished job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if j.Status.Terminal() {
		status = http.StatusOK
	}
	j.Report = j.Report.Preview(s.deps.Jobs.ErrorPreview())
	writeJSONStatus(w, r, status, newJobResponse(j))
}
