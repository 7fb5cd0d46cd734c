package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"cv-pipeline/internal/export"
	"cv-pipeline/internal/ranking"
	"cv-pipeline/internal/storage"
)

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RankHandler scores applicants of a job against its description
// @Summary Rank applicants
// @Description Rank the given applicants (or every parsed applicant of the job) with the LLM and store one ranking per applicant. jd and instructions, when set, replace the stored job description and custom instructions first.
// @Tags ranking
// @Accept json
// @Produce json
// @Param request body ranking.Request true "Ranking request"
// @Success 200 {object} ranking.Outcome
// @Failure 400 {object} errorBody
// @Failure 404 {object} errorBody
// @Failure 500 {object} errorBody
// @Router /rank [post]
func (a *API) RankHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req ranking.Request
	if !a.decode(w, r, &req) {
		return
	}

	out, err := a.ranker.RankJob(r.Context(), req)
	switch {
	case errors.Is(err, ranking.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, ranking.ErrNoApplicants):
		writeError(w, http.StatusBadRequest, "No applicants to rank")
	case errors.Is(err, ranking.ErrNoParsedProfiles):
		writeError(w, http.StatusBadRequest, "No parsed profiles found for the selected applicants")
	case err != nil:
		a.log.WithError(err).WithField("job_id", req.JobID).Error("ranking failed")
		writeError(w, http.StatusInternalServerError, "Ranking failed")
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

// RankingsExportHandler downloads the stored rankings of a job
// @Summary Export rankings
// @Description Download the stored rankings of a job as an XLSX workbook, best score first.
// @Tags ranking
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param jobId path string true "Job id"
// @Success 200 {file} file
// @Failure 404 {object} errorBody
// @Failure 500 {object} errorBody
// @Router /jobs/{jobId}/rankings.xlsx [get]
func (a *API) RankingsExportHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	job, err := a.jobs.GetJob(r.Context(), r.PathValue("jobId"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		a.log.WithError(err).Error("loading job failed")
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	rows, err := a.jobs.ListRankings(r.Context(), job.ID)
	if err != nil {
		a.log.WithError(err).WithField("job_id", job.ID).Error("loading rankings failed")
		writeError(w, http.StatusInternalServerError, "Failed to load rankings")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteRankings(&buf, job, rows, a.now()); err != nil {
		a.log.WithError(err).WithField("job_id", job.ID).Error("rendering rankings failed")
		writeError(w, http.StatusInternalServerError, "Failed to export rankings")
		return
	}

	name := unsafeFilename.ReplaceAllString(job.JobCode, "_")
	if name == "" {
		name = job.ID
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="rankings-%s.xlsx"`, name))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
