// Package tracker records the lifecycle, counters and log lines of
// ingestion runs.
package tracker

import (
	"context"
	"fmt"
	"time"

	"cv-pipeline/internal/storage"

	"github.com/sirupsen/logrus"
)

type Tracker struct {
	store storage.RunStore
	log   *logrus.Entry
	now   func() time.Time
}

func New(store storage.RunStore, log *logrus.Entry) *Tracker {
	return &Tracker{store: store, log: log, now: time.Now}
}

// RunSpec describes a run about to start.
type RunSpec struct {
	JobID       string
	JobCode     string
	ParsingMode string
	Total       int
}

// Entry is one log line for a run.
type Entry struct {
	Level         storage.LogLevel
	Message       string
	ApplicantID   string
	ApplicantName string
	Details       map[string]any
}

// Run is the handle the orchestrator writes through.
type Run struct {
	id    string
	jobID string
	t     *Tracker
	log   *logrus.Entry
}

func (r *Run) ID() string { return r.id }

// Start claims the job for a new run. When another fresh run holds the
// job, the returned Run is nil and the result carries the conflict.
func (t *Tracker) Start(ctx context.Context, spec RunSpec, stale func(*storage.ProcessingJob) bool) (*Run, *storage.ClaimResult, error) {
	res, err := t.store.ClaimRun(ctx, &storage.ProcessingJob{
		JobID:            spec.JobID,
		JobCode:          spec.JobCode,
		ParsingMode:      spec.ParsingMode,
		TotalSubmissions: spec.Total,
	}, stale)
	if err != nil {
		return nil, nil, fmt.Errorf("claim run: %w", err)
	}
	if res.Released != nil {
		t.log.WithFields(logrus.Fields{"run_id": res.Released.ID, "job_id": spec.JobID}).Warn("released stale run")
		released := &Run{id: res.Released.ID, jobID: spec.JobID, t: t, log: t.log.WithField("run_id", res.Released.ID)}
		released.Log(ctx, Entry{Level: storage.LevelError, Message: "Marked failed: stale run with no progress"})
	}
	if res.Created == nil {
		return nil, res, nil
	}

	run := &Run{id: res.Created.ID, jobID: spec.JobID, t: t, log: t.log.WithField("run_id", res.Created.ID)}
	label := spec.JobCode
	if label == "" {
		label = spec.JobID
	}
	run.Log(ctx, Entry{
		Level:   storage.LevelInfo,
		Message: fmt.Sprintf("Started processing %d submissions for job %s in %s mode", spec.Total, label, spec.ParsingMode),
	})
	return run, res, nil
}

// Log appends a line. Store failures are reported to the process logger
// and never returned.
func (r *Run) Log(ctx context.Context, e Entry) {
	err := r.t.store.AppendLog(ctx, &storage.ProcessingLog{
		ProcessingJobID: r.id,
		Level:           e.Level,
		Message:         e.Message,
		ApplicantID:     e.ApplicantID,
		ApplicantName:   e.ApplicantName,
		Details:         e.Details,
		Timestamp:       r.t.now(),
	})
	if err != nil {
		r.log.WithError(err).Warn("logging failed")
	}
}

// Update applies a counter delta. Failures are swallowed like Log.
func (r *Run) Update(ctx context.Context, d storage.CounterDelta) {
	if d.TotalCost == 0 {
		d.TotalCost = d.ParsingCost + d.LLMCost + d.EmbeddingCost
	}
	if err := r.t.store.ApplyCounters(ctx, r.id, d); err != nil {
		r.log.WithError(err).Warn("counter update failed")
	}
}

// Complete marks the run completed and logs the summary line.
func (r *Run) Complete(ctx context.Context) (*storage.ProcessingJob, error) {
	job, err := r.t.store.FinishRun(ctx, r.id, storage.RunCompleted, r.t.now())
	if err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}
	r.Log(ctx, Entry{
		Level: storage.LevelSuccess,
		Message: fmt.Sprintf("Processing completed in %.1fs. Processed: %d/%d, Errors: %d, Cost: $%.4f",
			seconds(job.DurationMs), job.ProcessedCount, job.TotalSubmissions, job.ErrorCount, job.TotalCost),
	})
	return job, nil
}

// Fail marks the run failed with reason.
func (r *Run) Fail(ctx context.Context, reason string) (*storage.ProcessingJob, error) {
	job, err := r.t.store.FinishRun(ctx, r.id, storage.RunFailed, r.t.now())
	if err != nil {
		return nil, fmt.Errorf("fail run: %w", err)
	}
	r.Log(ctx, Entry{
		Level:   storage.LevelError,
		Message: fmt.Sprintf("Processing failed after %.1fs: %s", seconds(job.DurationMs), reason),
	})
	return job, nil
}

func (r *Run) Info(ctx context.Context) (*storage.ProcessingJob, error) {
	return r.t.store.GetRun(ctx, r.id)
}

// Logs returns the newest limit lines of this run.
func (r *Run) Logs(ctx context.Context, limit int) ([]*storage.ProcessingLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.t.store.ListLogs(ctx, storage.LogQuery{ProcessingJobID: r.id, Limit: limit})
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000
}
