// Package ingest pulls ATS submissions for a job and turns them into
// applicants, stored resumes, parsed profiles and embeddings.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cv-pipeline/internal/ats"
	"cv-pipeline/internal/cv"
	"cv-pipeline/internal/lock"
	"cv-pipeline/internal/objectstore"
	"cv-pipeline/internal/retry"
	"cv-pipeline/internal/storage"
	"cv-pipeline/internal/tracker"

	"github.com/sirupsen/logrus"
)

var (
	ErrJobNotFound                 = errors.New("job not found")
	ErrNoExternalJobID             = errors.New("job has no ATS job id")
	ErrProcessingAlreadyInProgress = errors.New("processing already in progress")
	ErrInvalidMode                 = errors.New("parsing mode must be none or fullParse")
)

// AlreadyRunningError carries the run that currently holds the job.
type AlreadyRunningError struct {
	RunID     string
	StartedAt time.Time
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("processing already in progress: run %s started %s", e.RunID, e.StartedAt.Format(time.RFC3339))
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrProcessingAlreadyInProgress
}

// Minutes is how long the conflicting run has been going.
func (e *AlreadyRunningError) Minutes(now time.Time) int {
	if e.StartedAt.IsZero() {
		return 0
	}
	return int(now.Sub(e.StartedAt).Minutes())
}

type Mode string

const (
	ModeNone      Mode = "none"
	ModeFullParse Mode = "fullParse"
)

// ParseMode accepts "llamaparse" as an alias of fullParse. Empty means none.
func ParseMode(s string) (Mode, error) {
	switch strings.TrimSpace(s) {
	case "", "none":
		return ModeNone, nil
	case "fullParse", "llamaparse":
		return ModeFullParse, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ATS is the part of the ATS client the orchestrator needs.
type ATS interface {
	ListSubmissionsModifiedSince(ctx context.Context, jobExternalID, since string) ([]ats.Record, error)
	GetApplicantDetail(ctx context.Context, applicantExternalID string) (ats.Record, error)
	DownloadResume(ctx context.Context, resumeURL string) ([]byte, error)
}

type Extractor interface {
	Extract(ctx context.Context, markdown, jobContext string) *cv.Profile
}

type Embedder interface {
	ForApplicant(ctx context.Context, applicantID, markdown string, skills, titles []string) (int, error)
}

// Locker adds a cross-process claim on top of the store claim.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, bool, error)
	Extend(ctx context.Context, lease *lock.Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *lock.Lease) error
}

// Deps are the collaborators of an Orchestrator. Uploader, Embedder and
// Locker may be nil.
type Deps struct {
	Store     storage.Store
	ATS       ATS
	Uploader  objectstore.Uploader
	Parser    cv.DocumentParser
	Extractor Extractor
	Embedder  Embedder
	Locker    Locker
}

type Options struct {
	StaleAfter       time.Duration
	ParseRetries     int
	ParseBackoff     retry.Backoff
	UploadRetries    int
	UploadBackoff    retry.Backoff
	ParseCostPerPage float64
	RecentLogs       int
}

func DefaultOptions() Options {
	return Options{
		StaleAfter:    30 * time.Minute,
		ParseRetries:  2,
		ParseBackoff:  retry.Linear(2 * time.Second),
		UploadRetries: 2,
		UploadBackoff: retry.Linear(time.Second),
		RecentLogs:    20,
	}
}

type Orchestrator struct {
	Deps
	opts    Options
	tracker *tracker.Tracker
	log     *logrus.Entry
	now     func() time.Time
}

func New(deps Deps, opts Options, t *tracker.Tracker, log *logrus.Entry) *Orchestrator {
	def := DefaultOptions()
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.ParseBackoff == nil {
		opts.ParseBackoff = def.ParseBackoff
	}
	if opts.UploadBackoff == nil {
		opts.UploadBackoff = def.UploadBackoff
	}
	if opts.RecentLogs <= 0 {
		opts.RecentLogs = def.RecentLogs
	}
	return &Orchestrator{Deps: deps, opts: opts, tracker: t, log: log, now: time.Now}
}

// Request starts one run.
type Request struct {
	JobID           string
	Mode            Mode
	RetryFailedOnly bool
}

type CostBreakdown struct {
	Parsing   float64 `json:"parsing"`
	LLM       float64 `json:"openai"`
	Embedding float64 `json:"embedding"`
}

type Costs struct {
	TotalCost float64       `json:"totalCost"`
	Breakdown CostBreakdown `json:"breakdown"`
}

// RunSummary is returned to the caller when a run ends, or immediately
// when there was nothing to do.
type RunSummary struct {
	Success          bool                     `json:"success"`
	JobID            string                   `json:"jobId"`
	JobCode          string                   `json:"jobCode"`
	ParsingMode      Mode                     `json:"parsingMode"`
	TotalSubmissions int                      `json:"totalSubmissions"`
	ProcessedCount   int                      `json:"processedCount"`
	ErrorCount       int                      `json:"errorCount"`
	SkippedCount     int                      `json:"skippedCount"`
	Errors           []string                 `json:"errors"`
	Message          string                   `json:"message,omitempty"`
	Costs            Costs                    `json:"costs"`
	ProcessingJobID  string                   `json:"processingJobId,omitempty"`
	ProcessingJob    *storage.ProcessingJob   `json:"processingJob,omitempty"`
	Logs             []*storage.ProcessingLog `json:"logs,omitempty"`
}

// Pending is a claimed run that has not executed yet. A Pending without a
// run (Idle) already holds its final summary.
type Pending struct {
	o        *Orchestrator
	job      *storage.Job
	mode     Mode
	retrying bool
	records  []ats.Record
	run      *tracker.Run
	lease    *lock.Lease
	summary  *RunSummary
}

func (p *Pending) RunID() string {
	if p.run == nil {
		return ""
	}
	return p.run.ID()
}

// Idle reports that there was nothing to process.
func (p *Pending) Idle() bool { return p.run == nil }

func (p *Pending) Summary() *RunSummary { return p.summary }

// Run resolves, claims and executes a run in one call.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*RunSummary, error) {
	p, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if p.Idle() {
		return p.Summary(), nil
	}
	return p.Execute(ctx)
}

// Start fetches the submissions to process and claims the job. It fails
// with ErrJobNotFound, ErrNoExternalJobID or *AlreadyRunningError.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Pending, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModeNone
	}
	job, err := o.Store.GetJob(ctx, req.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job.ExternalID == "" {
		return nil, ErrNoExternalJobID
	}
	log := o.log.WithFields(logrus.Fields{"job_id": job.ID, "job_code": job.JobCode, "mode": mode})

	since, err := o.Store.LatestSubmissionMark(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("latest submission mark: %w", err)
	}
	records, err := o.ATS.ListSubmissionsModifiedSince(ctx, job.ExternalID, since)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	fetched := len(records)

	if mode == ModeFullParse {
		backlog, err := o.Store.ListBacklogSubmissions(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("list backlog: %w", err)
		}
		records = mergeBacklog(records, backlog)
		log.WithFields(logrus.Fields{"api": fetched, "backlog": len(backlog), "unique": len(records)}).Info("backlog merged")
	}

	p := &Pending{o: o, job: job, mode: mode, retrying: req.RetryFailedOnly, records: records, summary: o.newSummary(job, mode)}

	if req.RetryFailedOnly {
		failed, err := o.tracker.FailedApplicants(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("load failed applicants: %w", err)
		}
		if len(failed) == 0 {
			p.summary.Message = "No failed applicants found for retry"
			return p, nil
		}
		names := make(map[string]bool, len(failed))
		for _, f := range failed {
			names[f.ApplicantName] = true
		}
		kept := records[:0]
		for _, rec := range records {
			if names[submission{rec}.name()] {
				kept = append(kept, rec)
			}
		}
		log.WithFields(logrus.Fields{"before": len(records), "after": len(kept)}).Info("filtered to failed applicants")
		p.records = kept
	}

	if len(p.records) == 0 {
		log.Info("no submissions to process")
		return p, nil
	}

	if o.Locker != nil {
		lease, ok, err := o.Locker.Acquire(ctx, lockName(job.ID), o.opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return nil, o.conflict(ctx, job.ID)
		}
		p.lease = lease
	}

	run, res, err := o.tracker.Start(ctx, tracker.RunSpec{
		JobID:       job.ID,
		JobCode:     job.JobCode,
		ParsingMode: string(mode),
		Total:       len(p.records),
	}, o.stale)
	if err != nil {
		p.releaseLock(ctx)
		return nil, err
	}
	if run == nil {
		p.releaseLock(ctx)
		log.WithField("run_id", res.Conflict.ID).Info("processing already in progress")
		return nil, &AlreadyRunningError{RunID: res.Conflict.ID, StartedAt: res.Conflict.StartedAt}
	}
	p.run = run
	p.summary.TotalSubmissions = len(p.records)
	p.summary.ProcessingJobID = run.ID()
	return p, nil
}

func (o *Orchestrator) newSummary(job *storage.Job, mode Mode) *RunSummary {
	return &RunSummary{
		Success:     true,
		JobID:       job.ID,
		JobCode:     job.JobCode,
		ParsingMode: mode,
		Errors:      []string{},
	}
}

// stale reports whether a running run may be taken over.
func (o *Orchestrator) stale(r *storage.ProcessingJob) bool {
	return o.now().Sub(r.StartedAt) > o.opts.StaleAfter && !r.Progressed()
}

func (o *Orchestrator) conflict(ctx context.Context, jobID string) error {
	running, err := o.Store.GetRunningRun(ctx, jobID)
	if err != nil {
		return &AlreadyRunningError{}
	}
	return &AlreadyRunningError{RunID: running.ID, StartedAt: running.StartedAt}
}

func lockName(jobID string) string {
	return "ingest:" + jobID
}

func (p *Pending) releaseLock(ctx context.Context) {
	if p.lease == nil {
		return
	}
	if err := p.o.Locker.Release(context.WithoutCancel(ctx), p.lease); err != nil {
		p.o.log.WithError(err).WithField("job_id", p.job.ID).Warn("releasing run lock failed")
	}
	p.lease = nil
}

// Execute processes every submission in order. Per-submission failures
// are counted and logged; only cancellation or a panic fails the run.
func (p *Pending) Execute(ctx context.Context) (summary *RunSummary, err error) {
	if p.Idle() {
		return p.summary, nil
	}
	o := p.o
	defer p.releaseLock(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion panicked: %v", r)
			p.fail(ctx, err)
			summary = nil
		}
	}()

	for _, rec := range p.records {
		if err := ctx.Err(); err != nil {
			p.fail(ctx, err)
			return nil, err
		}
		p.processOne(ctx, submission{rec})
		if p.lease != nil {
			if err := o.Locker.Extend(ctx, p.lease, o.opts.StaleAfter); err != nil {
				o.log.WithError(err).WithField("run_id", p.run.ID()).Warn("extending run lock failed")
			}
		}
	}

	s := p.summary
	s.Costs.TotalCost = s.Costs.Breakdown.Parsing + s.Costs.Breakdown.LLM + s.Costs.Breakdown.Embedding

	job, err := p.run.Complete(ctx)
	if err != nil {
		p.fail(ctx, err)
		return nil, err
	}
	s.ProcessingJob = job
	if s.Logs, err = p.run.Logs(ctx, o.opts.RecentLogs); err != nil {
		o.log.WithError(err).WithField("run_id", p.run.ID()).Warn("loading run logs failed")
	}

	o.log.WithFields(logrus.Fields{
		"run_id":    p.run.ID(),
		"processed": s.ProcessedCount,
		"errors":    s.ErrorCount,
		"skipped":   s.SkippedCount,
		"total":     s.TotalSubmissions,
		"cost":      s.Costs.TotalCost,
	}).Info("ingestion completed")
	return s, nil
}

func (p *Pending) fail(ctx context.Context, cause error) {
	if _, err := p.run.Fail(context.WithoutCancel(ctx), cause.Error()); err != nil {
		p.o.log.WithError(err).WithField("run_id", p.run.ID()).Error("marking run failed")
	}
}

// Abort fails a claimed run that will not be executed and releases its
// lock.
func (p *Pending) Abort(ctx context.Context, reason string) {
	if p.Idle() {
		return
	}
	p.fail(ctx, errors.New(reason))
	p.releaseLock(ctx)
}
