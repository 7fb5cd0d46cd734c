package tracker

import (
	"context"
	"fmt"
	"math"
	"time"

	"cv-pipeline/internal/storage"
)

type FailedApplicant struct {
	ProcessingJobID string    `json:"processingJobId"`
	ApplicantName   string    `json:"applicantName"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
}

// FailedApplicants lists error lines that name an applicant, across every
// run of the job, newest first.
func (t *Tracker) FailedApplicants(ctx context.Context, jobID string) ([]FailedApplicant, error) {
	logs, err := t.store.ListLogs(ctx, storage.LogQuery{
		JobID:         jobID,
		Level:         storage.LevelError,
		WithApplicant: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]FailedApplicant, 0, len(logs))
	for _, l := range logs {
		out = append(out, FailedApplicant{
			ProcessingJobID: l.ProcessingJobID,
			ApplicantName:   l.ApplicantName,
			Error:           l.Message,
			Timestamp:       l.Timestamp,
		})
	}
	return out, nil
}

type Statistics struct {
	TotalRuns      int        `json:"totalRuns"`
	LastRun        *time.Time `json:"lastRun"`
	TotalProcessed int        `json:"totalProcessed"`
	TotalErrors    int        `json:"totalErrors"`
	TotalCost      float64    `json:"totalCost"`
	SuccessRate    float64    `json:"successRate"`
}

func (t *Tracker) Statistics(ctx context.Context, jobID string) (*Statistics, error) {
	runs, err := t.store.ListRuns(ctx, jobID, 0, 0)
	if err != nil {
		return nil, err
	}
	return statistics(runs), nil
}

func statistics(runs []*storage.ProcessingJob) *Statistics {
	s := &Statistics{TotalRuns: len(runs)}
	for _, r := range runs {
		s.TotalProcessed += r.ProcessedCount
		s.TotalErrors += r.ErrorCount
		s.TotalCost += r.TotalCost
		if s.LastRun == nil || r.StartedAt.After(*s.LastRun) {
			started := r.StartedAt
			s.LastRun = &started
		}
	}
	if s.TotalProcessed > 0 {
		s.SuccessRate = float64(s.TotalProcessed-s.TotalErrors) / float64(s.TotalProcessed) * 100
	}
	return s
}

// Phase names shown while polling a run.
const (
	PhaseInitializing = "initializing"
	PhaseDownloading  = "downloading"
	PhaseParsing      = "parsing"
	PhaseProcessing   = "processing"
	PhaseFinalizing   = "finalizing"
	PhaseCompleted    = "completed"
	PhaseFailed       = "failed"
)

// RunView decorates a ProcessingJob for display.
type RunView struct {
	*storage.ProcessingJob
	Duration            string `json:"duration,omitempty"`
	SuccessRate         string `json:"successRate"`
	ProgressPercentage  int    `json:"progressPercentage"`
	CurrentPhase        string `json:"currentPhase,omitempty"`
	PhaseDescription    string `json:"phaseDescription,omitempty"`
	EstimatedCompletion string `json:"estimatedCompletionTime,omitempty"`
	UserMessage         string `json:"userMessage,omitempty"`
}

type StatusView struct {
	Run  RunView                  `json:"processingJob"`
	Logs []*storage.ProcessingLog `json:"logs"`
}

// Status returns the decorated run with its latest 50 log lines.
func (t *Tracker) Status(ctx context.Context, runID string) (*StatusView, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	logs, err := t.store.ListLogs(ctx, storage.LogQuery{ProcessingJobID: runID, Limit: 50})
	if err != nil {
		return nil, err
	}
	return &StatusView{Run: Describe(run, t.now()), Logs: logs}, nil
}

type History struct {
	Statistics       *Statistics       `json:"statistics"`
	Runs             []RunView         `json:"processingJobs"`
	FailedApplicants []FailedApplicant `json:"failedApplicants"`
	RetryAvailable   bool              `json:"retryAvailable"`
}

// History pages through the runs of a job with the job-wide statistics
// and the 20 most recent failed applicants.
func (t *Tracker) History(ctx context.Context, jobID string, limit, offset int) (*History, error) {
	if limit <= 0 {
		limit = 10
	}
	stats, err := t.Statistics(ctx, jobID)
	if err != nil {
		return nil, err
	}
	runs, err := t.store.ListRuns(ctx, jobID, limit, offset)
	if err != nil {
		return nil, err
	}
	failed, err := t.FailedApplicants(ctx, jobID)
	if err != nil {
		return nil, err
	}

	h := &History{Statistics: stats, Runs: make([]RunView, 0, len(runs)), RetryAvailable: len(failed) > 0}
	now := t.now()
	for _, r := range runs {
		v := Describe(r, now)
		// history rows stay compact
		v.CurrentPhase, v.PhaseDescription, v.EstimatedCompletion, v.UserMessage = "", "", "", ""
		h.Runs = append(h.Runs, v)
	}
	if len(failed) > 20 {
		failed = failed[:20]
	}
	h.FailedApplicants = failed
	return h, nil
}

// Describe derives progress, phase and ETA from run counters.
func Describe(run *storage.ProcessingJob, now time.Time) RunView {
	v := RunView{ProcessingJob: run, SuccessRate: "0%"}
	if run.DurationMs > 0 {
		v.Duration = fmt.Sprintf("%.1fs", seconds(run.DurationMs))
	}
	if run.TotalSubmissions > 0 {
		done := run.ProcessedCount + run.ErrorCount
		v.ProgressPercentage = int(math.Round(float64(done) / float64(run.TotalSubmissions) * 100))
		v.SuccessRate = fmt.Sprintf("%.1f%%", float64(run.ProcessedCount)/float64(run.TotalSubmissions)*100)
	}

	switch run.Status {
	case storage.RunRunning:
		switch p := v.ProgressPercentage; {
		case p == 0:
			v.CurrentPhase, v.PhaseDescription = PhaseDownloading, "Downloading resumes from the ATS..."
		case p < 50:
			v.CurrentPhase, v.PhaseDescription = PhaseParsing, "Parsing resumes and extracting data..."
		case p < 90:
			v.CurrentPhase, v.PhaseDescription = PhaseProcessing, "Processing candidate profiles..."
		default:
			v.CurrentPhase, v.PhaseDescription = PhaseFinalizing, "Finalizing processing and cleanup..."
		}
		v.EstimatedCompletion = estimate(run, now)
	case storage.RunCompleted:
		v.CurrentPhase, v.PhaseDescription = PhaseCompleted, "Processing completed successfully!"
	case storage.RunFailed:
		v.CurrentPhase, v.PhaseDescription = PhaseFailed, "Processing failed. Please check the logs."
	default:
		v.CurrentPhase, v.PhaseDescription = PhaseInitializing, "Preparing to process applicants..."
	}
	v.UserMessage = userMessage(run, v.ProgressPercentage, v.EstimatedCompletion)
	return v
}

// estimate extrapolates the processing rate so far; empty when unknown or
// beyond a day.
func estimate(run *storage.ProcessingJob, now time.Time) string {
	if run.ProcessedCount == 0 {
		return ""
	}
	elapsed := now.Sub(run.StartedAt)
	if elapsed <= 0 {
		return ""
	}
	remaining := run.TotalSubmissions - run.ProcessedCount - run.ErrorCount
	eta := time.Duration(float64(elapsed) / float64(run.ProcessedCount) * float64(remaining))
	if eta <= 0 || eta >= 24*time.Hour {
		return ""
	}
	minutes := int(math.Ceil(eta.Minutes()))
	if minutes < 60 {
		return plural(minutes, "minute")
	}
	return plural(int(math.Ceil(float64(minutes)/60)), "hour")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func userMessage(run *storage.ProcessingJob, progress int, eta string) string {
	switch run.Status {
	case storage.RunCompleted:
		msg := fmt.Sprintf("Processing completed! Successfully processed %d applicants", run.ProcessedCount)
		if run.ErrorCount > 0 {
			msg += fmt.Sprintf(" with %d errors", run.ErrorCount)
		}
		return msg + "."
	case storage.RunFailed:
		return "Processing failed. Please check the logs for details and try again."
	case storage.RunRunning:
		base := fmt.Sprintf("Processing in progress... %d applicants completed (%d%%)", run.ProcessedCount, progress)
		if eta != "" {
			return base + ". Estimated time remaining: " + eta + ". You can safely navigate away and return to check progress."
		}
		return base + ". Processing is ongoing; you can navigate away and return to check progress."
	}
	return "Processing status unknown."
}
