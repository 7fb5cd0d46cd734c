package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cv-pipeline/internal/ingest"
	"cv-pipeline/internal/registry"
	"cv-pipeline/internal/storage"
	"cv-pipeline/internal/tracker"
)

// IngestRequest starts an ingestion run for one job.
type IngestRequest struct {
	JobID           string `json:"jobId" validate:"required"`
	ParsingMode     string `json:"parsingMode" validate:"omitempty,oneof=none fullParse llamaparse"`
	RetryFailedOnly bool   `json:"retryFailedOnly"`
	Async           bool   `json:"async"`
}

type conflictBody struct {
	Error                   string `json:"error"`
	Message                 string `json:"message"`
	ExistingProcessingJobID string `json:"existingProcessingJobId"`
}

type acceptedBody struct {
	ProcessingJobID string         `json:"processingJobId"`
	Status          registry.State `json:"status"`
}

// IngestHandler pulls submissions for a job and processes them
// @Summary Ingest applicants for a job
// @Description Fetch new or modified ATS submissions, store applicants and resumes, and optionally parse and embed them. With async=true the run is queued and its id returned.
// @Tags ingestion
// @Accept json
// @Produce json
// @Param request body IngestRequest true "Ingestion request"
// @Success 200 {object} ingest.RunSummary
// @Success 202 {object} acceptedBody
// @Failure 400 {object} errorBody
// @Failure 404 {object} errorBody
// @Failure 409 {object} conflictBody
// @Failure 500 {object} errorBody
// @Router /ingest [post]
func (a *API) IngestHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req IngestRequest
	if !a.decode(w, r, &req) {
		return
	}
	mode, err := ingest.ParseMode(req.ParsingMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.ingester.Start(r.Context(), ingest.Request{
		JobID:           req.JobID,
		Mode:            mode,
		RetryFailedOnly: req.RetryFailedOnly,
	})
	if err != nil {
		a.ingestError(w, err)
		return
	}
	if p.Idle() {
		writeJSON(w, http.StatusOK, p.Summary())
		return
	}

	if req.Async {
		if err := a.enqueue(r.Context(), p, p.Summary().JobID); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Too many runs queued, try again later")
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedBody{ProcessingJobID: p.RunID(), Status: registry.StateRunning})
		return
	}

	a.runs.Register(p.RunID(), p.Summary().JobID)
	// A client disconnect does not cancel the run.
	summary, err := p.Execute(context.WithoutCancel(r.Context()))
	a.runs.Finish(p.RunID(), summary, err)
	if err != nil {
		a.log.WithError(err).WithField("run_id", p.RunID()).Error("ingestion run failed")
		writeError(w, http.StatusInternalServerError, "Failed to process applicants")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) ingestError(w http.ResponseWriter, err error) {
	var running *ingest.AlreadyRunningError
	switch {
	case errors.As(err, &running):
		writeJSON(w, http.StatusConflict, conflictBody{
			Error:                   "Processing already in progress",
			Message:                 fmt.Sprintf("Another user is already processing this job. Started %d minutes ago.", running.Minutes(a.now())),
			ExistingProcessingJobID: running.RunID,
		})
	case errors.Is(err, ingest.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, ingest.ErrNoExternalJobID):
		writeError(w, http.StatusBadRequest, "Job has no ATS job id")
	default:
		a.log.WithError(err).Error("starting ingestion failed")
		writeError(w, http.StatusInternalServerError, "Failed to fetch applicants")
	}
}

type runStatusBody struct {
	*tracker.StatusView
	Background *registry.Entry `json:"background,omitempty"`
}

type historyBody struct {
	*tracker.History
	ActiveRuns []registry.Entry `json:"activeRuns,omitempty"`
}

// ProcessingStatusHandler reports one run or the run history of a job
// @Summary Processing status
// @Description With processingJobId returns the run with its latest logs. With jobId returns paged run history, statistics and failed applicants.
// @Tags ingestion
// @Produce json
// @Param processingJobId query string false "Run id"
// @Param jobId query string false "Job id"
// @Param limit query int false "Page size (default 10, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} runStatusBody
// @Failure 400 {object} errorBody
// @Failure 404 {object} errorBody
// @Failure 500 {object} errorBody
// @Router /processing/status [get]
func (a *API) ProcessingStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()

	if runID := q.Get("processingJobId"); runID != "" {
		view, err := a.status.Status(r.Context(), runID)
		entry, tracked := a.runs.Get(runID)
		var body runStatusBody
		if tracked {
			body.Background = &entry
		}
		switch {
		case errors.Is(err, storage.ErrNotFound) && !tracked:
			writeError(w, http.StatusNotFound, "Processing job not found")
			return
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			a.log.WithError(err).WithField("run_id", runID).Error("loading run status failed")
			writeError(w, http.StatusInternalServerError, "Failed to load processing status")
			return
		}
		body.StatusView = view
		writeJSON(w, http.StatusOK, body)
		return
	}

	jobID := q.Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "processingJobId or jobId is required")
		return
	}
	limit := queryInt(q.Get("limit"), 10)
	if limit < 1 || limit > 100 {
		limit = 10
	}
	offset := max(queryInt(q.Get("offset"), 0), 0)

	if job, err := a.jobs.GetJob(r.Context(), jobID); err == nil {
		jobID = job.ID
	}
	hist, err := a.status.History(r.Context(), jobID, limit, offset)
	if err != nil {
		a.log.WithError(err).WithField("job_id", jobID).Error("loading run history failed")
		writeError(w, http.StatusInternalServerError, "Failed to load processing history")
		return
	}
	writeJSON(w, http.StatusOK, historyBody{History: hist, ActiveRuns: a.runs.Active(jobID)})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
