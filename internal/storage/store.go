package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// ApplicantFilter narrows ListApplicants. Empty fields match everything.
type ApplicantFilter struct {
	IDs    []string
	Status ApplicantStatus
}

// ClaimResult reports the outcome of ClaimRun. Exactly one of Created or
// Conflict is set; Released is the stale run that was failed to make room.
type ClaimResult struct {
	Created  *ProcessingJob
	Conflict *ProcessingJob
	Released *ProcessingJob
}

// LogQuery pages through the logs of one run or of every run of a job.
type LogQuery struct {
	ProcessingJobID string
	JobID           string
	Level           LogLevel
	WithApplicant   bool
	Limit           int
}

// Store is the candidate store used by the pipeline.
type Store interface {
	GetJob(ctx context.Context, idOrExternalID string) (*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	UpdateJobBrief(ctx context.Context, jobID string, description, instructions *string) error

	GetApplicant(ctx context.Context, id string) (*Applicant, error)
	GetApplicantByExternalID(ctx context.Context, externalID string) (*Applicant, error)
	// UpsertApplicant creates or updates by ExternalID. Status never
	// moves backwards on update.
	UpsertApplicant(ctx context.Context, a *Applicant) (*Applicant, error)
	AdvanceApplicantStatus(ctx context.Context, id string, status ApplicantStatus) error
	ListApplicants(ctx context.Context, jobID string, f ApplicantFilter) ([]*Applicant, error)

	// LatestSubmissionMark returns the newest stored modified value (or
	// creation time) for the job, empty when none exists.
	LatestSubmissionMark(ctx context.Context, jobID string) (string, error)
	GetSubmissionByExternalID(ctx context.Context, externalID string) (*Submission, error)
	// UpsertSubmission matches on ExternalID first and then on
	// ApplicantID, keeping one submission per applicant.
	UpsertSubmission(ctx context.Context, s *Submission) error
	ListBacklogSubmissions(ctx context.Context, jobID string) ([]BacklogSubmission, error)

	GetParsedProfile(ctx context.Context, applicantID string) (*ParsedProfile, error)
	HasParsedProfile(ctx context.Context, applicantID string) (bool, error)
	UpsertParsedProfile(ctx context.Context, p *ParsedProfile) error
	ListProfilesWithoutEmbedding(ctx context.Context, namespace string, limit int) ([]*ParsedProfile, error)

	HasResume(ctx context.Context, applicantID string) (bool, error)
	SaveResume(ctx context.Context, r *Resume) error

	UpsertRanking(ctx context.Context, r *Ranking) error
	ListRankings(ctx context.Context, jobID string) ([]RankedApplicant, error)

	UpsertEmbedding(ctx context.Context, e *Embedding) error

	RunStore
}

// RunStore persists ProcessingJob and ProcessingLog rows.
type RunStore interface {
	// ClaimRun atomically checks for a running run of run.JobID and
	// creates run if there is none. A running run for which stale
	// returns true is marked failed first.
	ClaimRun(ctx context.Context, run *ProcessingJob, stale func(*ProcessingJob) bool) (*ClaimResult, error)
	GetRun(ctx context.Context, id string) (*ProcessingJob, error)
	GetRunningRun(ctx context.Context, jobID string) (*ProcessingJob, error)
	ListRuns(ctx context.Context, jobID string, limit, offset int) ([]*ProcessingJob, error)
	ApplyCounters(ctx context.Context, runID string, d CounterDelta) error
	FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time) (*ProcessingJob, error)
	AppendLog(ctx context.Context, l *ProcessingLog) error
	ListLogs(ctx context.Context, q LogQuery) ([]*ProcessingLog, error)
}
