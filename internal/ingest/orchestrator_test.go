package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cv-pipeline/internal/ats"
	"cv-pipeline/internal/config"
	"cv-pipeline/internal/cv"
	"cv-pipeline/internal/lock"
	"cv-pipeline/internal/objectstore"
	"cv-pipeline/internal/retry"
	"cv-pipeline/internal/storage"
	"cv-pipeline/internal/tracker"
)

type fakeATS struct {
	mu        sync.Mutex
	records   []ats.Record
	details   map[string]ats.Record
	failURL   map[string]bool
	since     []string
	downloads int
}

func (f *fakeATS) ListSubmissionsModifiedSince(_ context.Context, _, since string) ([]ats.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	out := make([]ats.Record, len(f.records))
	for i, r := range f.records {
		cp := ats.Record{}
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out, nil
}

func (f *fakeATS) GetApplicantDetail(_ context.Context, id string) (ats.Record, error) {
	return f.details[id], nil
}

func (f *fakeATS) DownloadResume(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.failURL[url] {
		return nil, errors.New("download resume: GET " + url + ": status 404")
	}
	return []byte("%PDF resume bytes for " + url), nil
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	fail int
}

func (f *fakeUploader) Put(_ context.Context, obj objectstore.Object) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return "", errors.New("s3 unavailable")
	}
	f.keys = append(f.keys, obj.Key)
	return `"etag"`, nil
}

type fakeParser struct {
	calls     int
	failFor   int
	failPages int
	result    cv.ParseResult
}

func (f *fakeParser) Parse(_ context.Context, _ []byte, _ string) (*cv.ParseResult, error) {
	f.calls++
	if f.calls <= f.failFor {
		return nil, &cv.ParseError{JobID: "job-x", Pages: f.failPages, Err: errors.New("status 503")}
	}
	r := f.result
	return &r, nil
}

type fakeExtractor struct{ jobContext string }

func (f *fakeExtractor) Extract(_ context.Context, _ string, jobContext string) *cv.Profile {
	f.jobContext = jobContext
	return &cv.Profile{
		Extracted:      map[string]any{"fullName": "Ann Lee", "skills": []any{"Go", "SQL"}},
		Skills:         []string{"Go", "SQL"},
		Titles:         []string{"Backend Engineer"},
		Location:       "Austin",
		TotalExpMonths: 48,
		Cost:           0.002,
	}
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) ForApplicant(_ context.Context, _, _ string, _, _ []string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return 1536, nil
}

type fakeLocker struct {
	deny     bool
	acquired int
	released int
}

func (f *fakeLocker) Acquire(_ context.Context, name string, _ time.Duration) (*lock.Lease, bool, error) {
	if f.deny {
		return nil, false, nil
	}
	f.acquired++
	return &lock.Lease{Key: name, Token: "t"}, true, nil
}

func (f *fakeLocker) Extend(context.Context, *lock.Lease, time.Duration) error { return nil }

func (f *fakeLocker) Release(context.Context, *lock.Lease) error {
	f.released++
	return nil
}

type harness struct {
	store    *storage.MemoryStore
	ats      *fakeATS
	uploader *fakeUploader
	parser   *fakeParser
	extract  *fakeExtractor
	embed    *fakeEmbedder
	tracker  *tracker.Tracker
	orch     *Orchestrator
	job      *storage.Job
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		ats:      &fakeATS{details: map[string]ats.Record{}, failURL: map[string]bool{}},
		uploader: &fakeUploader{},
		parser:   &fakeParser{result: cv.ParseResult{Markdown: "# Ann Lee\nGo developer", Pages: 2}},
		extract:  &fakeExtractor{},
		embed:    &fakeEmbedder{},
	}
	log := config.Component(config.DiscardLogger(), "ingest")
	h.tracker = tracker.New(h.store, log)
	h.orch = New(Deps{
		Store:     h.store,
		ATS:       h.ats,
		Uploader:  h.uploader,
		Parser:    h.parser,
		Extractor: h.extract,
		Embedder:  h.embed,
	}, Options{
		ParseRetries:     2,
		ParseBackoff:     retry.Constant(0),
		UploadRetries:    2,
		UploadBackoff:    retry.Constant(0),
		ParseCostPerPage: 0.003,
	}, h.tracker, log)

	h.job = &storage.Job{ExternalID: "J1", JobCode: "JPC-973", Title: "Backend Engineer", Description: "Go services"}
	if err := h.store.SaveJob(context.Background(), h.job); err != nil {
		t.Fatal(err)
	}
	return h
}

func sub(id, applicant, name, modified string) ats.Record {
	return ats.Record{
		"id":            id,
		"submission_id": id,
		"applicant_id":  applicant,
		"applicantName": name,
		"email":         strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@example.com",
		"modified":      modified,
		"resume":        "https://files.example.com/resumes/" + id + ".pdf",
	}
}

func (h *harness) run(t *testing.T, mode Mode, retryFailed bool) *RunSummary {
	t.Helper()
	s, err := h.orch.Run(context.Background(), Request{JobID: h.job.ExternalID, Mode: mode, RetryFailedOnly: retryFailed})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return s
}

func TestBasicRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.ats.records = []ats.Record{
		sub("101", "1", "Ann Lee", "2024-01-01T00:00:00"),
		sub("102", "2", "Bo Chen", "2024-01-02T00:00:00"),
	}

	first := h.run(t, ModeNone, false)
	if first.ProcessedCount != 2 || first.ErrorCount != 0 {
		t.Fatalf("first run = %+v", first)
	}
	if len(h.uploader.keys) != 2 || h.uploader.keys[0] != "resumes/JPC-973/1/Ann_Lee.pdf" {
		t.Errorf("uploads = %v", h.uploader.keys)
	}
	before := h.store.Counts()

	second := h.run(t, ModeNone, false)
	if second.ProcessedCount != 0 || second.ErrorCount != 0 || second.SkippedCount != 2 {
		t.Errorf("second run = %+v", second)
	}
	after := h.store.Counts()
	for _, k := range []string{"applicants", "submissions", "resumes"} {
		if before[k] != after[k] {
			t.Errorf("%s changed: %d -> %d", k, before[k], after[k])
		}
	}
	if got := h.ats.since[1]; got != "2024-01-02 00:00:00" {
		t.Errorf("second fetch since = %q", got)
	}
	if second.ProcessingJob == nil || second.ProcessingJob.SkippedCount != 2 || second.ProcessingJob.Status != storage.RunCompleted {
		t.Errorf("second run job = %+v", second.ProcessingJob)
	}
}

func TestUnchangedSubmissionSkippedNewOneProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.store.UpsertApplicant(ctx, &storage.Applicant{ExternalID: "1", JobID: h.job.ID, Name: "Ann Lee"})
	h.store.UpsertSubmission(ctx, &storage.Submission{ExternalID: "S1", JobID: h.job.ID, ApplicantID: a.ID, Modified: "2024-01-01T00:00:00"})

	s1 := sub("S1", "1", "Ann Lee", "2024-01-01T00:00:00")
	delete(s1, "email")
	h.ats.records = []ats.Record{s1, sub("S2", "2", "Bo Chen", "2024-02-01T00:00:00")}

	before := h.store.Counts()
	s := h.run(t, ModeNone, false)
	if s.ProcessedCount != 1 || s.SkippedCount != 1 || s.ErrorCount != 0 {
		t.Errorf("summary = %+v", s)
	}
	after := h.store.Counts()
	if after["applicants"]-before["applicants"] != 1 || after["submissions"]-before["submissions"] != 1 {
		t.Errorf("counts %v -> %v", before, after)
	}
	if _, err := h.store.GetApplicantByExternalID(ctx, "2"); err != nil {
		t.Errorf("new applicant missing: %v", err)
	}
	if h.ats.since[0] != "2024-01-01 00:00:00" {
		t.Errorf("since = %q", h.ats.since[0])
	}
}

func TestNewerModifiedIsProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.store.UpsertApplicant(ctx, &storage.Applicant{ExternalID: "1", JobID: h.job.ID, Name: "Ann Lee"})
	h.store.UpsertSubmission(ctx, &storage.Submission{ExternalID: "S1", JobID: h.job.ID, ApplicantID: a.ID, Modified: "2024-01-01 00:00:00"})

	newer := sub("S1", "1", "Ann Lee", "2024-01-01T00:00:01")
	s := h.run(t, ModeNone, false)
	if s.TotalSubmissions != 0 {
		t.Fatalf("empty fetch should not start a run: %+v", s)
	}

	h.ats.records = []ats.Record{newer}
	s = h.run(t, ModeNone, false)
	if s.ProcessedCount != 1 || s.SkippedCount != 0 {
		t.Errorf("summary = %+v", s)
	}
	stored, _ := h.store.GetSubmissionByExternalID(ctx, "S1")
	if stored.Modified != "2024-01-01T00:00:01" {
		t.Errorf("stored modified = %q", stored.Modified)
	}
	updated, _ := h.store.GetApplicant(ctx, a.ID)
	if updated.Email != "ann.lee@example.com" {
		t.Errorf("email = %q", updated.Email)
	}
}

func TestOneFailedDownloadDoesNotSinkRun(t *testing.T) {
	h := newHarness(t)
	h.ats.records = []ats.Record{
		sub("101", "1", "Ann Lee", "2024-01-01T00:00:00"),
		sub("102", "2", "Bo Chen", "2024-01-01T00:00:00"),
		sub("103", "3", "Cy Diaz", "2024-01-01T00:00:00"),
	}
	h.ats.failURL["https://files.example.com/resumes/102.pdf"] = true

	s := h.run(t, ModeNone, false)
	if s.ProcessedCount != 2 || s.ErrorCount != 1 || len(s.Errors) != 1 {
		t.Fatalf("summary = %+v", s)
	}
	job := s.ProcessingJob
	if job.Status != storage.RunCompleted || job.ProcessedCount != 2 || job.ErrorCount != 1 || job.UploadCount != 2 {
		t.Errorf("job = %+v", job)
	}
	if len(job.Failed) != 1 || job.Failed[0] != "Bo Chen" {
		t.Errorf("failed = %v", job.Failed)
	}

	failed, _ := h.tracker.FailedApplicants(context.Background(), h.job.ID)
	if len(failed) != 1 || failed[0].ApplicantName != "Bo Chen" || !strings.HasPrefix(failed[0].Error, "Resume download failed") {
		t.Errorf("failed applicants = %+v", failed)
	}

	// Retry only the failed applicant once the file is reachable again.
	delete(h.ats.failURL, "https://files.example.com/resumes/102.pdf")
	retried := h.run(t, ModeNone, true)
	if retried.TotalSubmissions != 1 || retried.ProcessedCount != 1 || retried.ErrorCount != 0 {
		t.Errorf("retry summary = %+v", retried)
	}
}

func TestUploadRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}
	h.uploader.fail = 3

	s := h.run(t, ModeNone, false)
	if s.ErrorCount != 1 || s.ProcessedCount != 0 {
		t.Errorf("summary = %+v", s)
	}
	if !strings.Contains(s.Errors[0], "after 3 attempts") {
		t.Errorf("error = %q", s.Errors[0])
	}

	h2 := newHarness(t)
	h2.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}
	h2.uploader.fail = 2
	if s := h2.run(t, ModeNone, false); s.ProcessedCount != 1 {
		t.Errorf("two failures then success: %+v", s)
	}
}

func TestRetryFailedOnlyWithoutFailures(t *testing.T) {
	h := newHarness(t)
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	s := h.run(t, ModeNone, true)
	if s.Message != "No failed applicants found for retry" || s.TotalSubmissions != 0 || s.ProcessingJobID != "" {
		t.Errorf("summary = %+v", s)
	}
	if n := h.store.Counts()["runs"]; n != 0 {
		t.Errorf("runs created = %d", n)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := t0
	h.store.SetClock(func() time.Time { return clock })
	h.orch.now = func() time.Time { return clock }

	existing, _, _ := h.tracker.Start(ctx, tracker.RunSpec{JobID: h.job.ID, ParsingMode: "none", Total: 5}, nil)
	existing.Update(ctx, storage.CounterDelta{Processed: 1})

	clock = t0.Add(45 * time.Minute)
	_, err := h.orch.Start(ctx, Request{JobID: h.job.ID, Mode: ModeNone})
	var are *AlreadyRunningError
	if !errors.Is(err, ErrProcessingAlreadyInProgress) || !errors.As(err, &are) || are.RunID != existing.ID() {
		t.Fatalf("err = %v", err)
	}
	if are.Minutes(clock) != 45 {
		t.Errorf("minutes = %d", are.Minutes(clock))
	}
}

func TestStaleRunReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := t0
	h.store.SetClock(func() time.Time { return clock })
	h.orch.now = func() time.Time { return clock }

	stuck, _, _ := h.tracker.Start(ctx, tracker.RunSpec{JobID: h.job.ID, ParsingMode: "none", Total: 5}, nil)

	clock = t0.Add(10 * time.Minute)
	if _, err := h.orch.Start(ctx, Request{JobID: h.job.ID}); !errors.Is(err, ErrProcessingAlreadyInProgress) {
		t.Fatalf("young run without progress should still block, err = %v", err)
	}

	clock = t0.Add(31 * time.Minute)
	s, err := h.orch.Run(ctx, Request{JobID: h.job.ID})
	if err != nil {
		t.Fatal(err)
	}
	if s.ProcessedCount != 1 || s.ProcessingJobID == stuck.ID() {
		t.Errorf("summary = %+v", s)
	}
	old, _ := h.store.GetRun(ctx, stuck.ID())
	if old.Status != storage.RunFailed {
		t.Errorf("stale run status = %s", old.Status)
	}
}

func TestFullParseStoresProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.parser.failFor = 1
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	s := h.run(t, ModeFullParse, false)
	if s.ProcessedCount != 1 || s.ErrorCount != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if h.parser.calls != 2 {
		t.Errorf("parser calls = %d", h.parser.calls)
	}
	a, _ := h.store.GetApplicantByExternalID(ctx, "1")
	if a.Status != storage.StatusParsed {
		t.Errorf("status = %s", a.Status)
	}
	p, err := h.store.GetParsedProfile(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	doc := p.Document()
	if doc.Markdown != "# Ann Lee\nGo developer" || p.TotalExpMonths != 48 || len(p.Skills) != 2 || doc.Extracted["fullName"] != "Ann Lee" {
		t.Errorf("profile = %+v doc = %+v", p, doc)
	}
	if h.extract.jobContext != "Job: Backend Engineer\nDescription:\nGo services" {
		t.Errorf("job context = %q", h.extract.jobContext)
	}
	job := s.ProcessingJob
	if job.ParsedCount != 1 || job.EmbeddingCount != 1 || job.UploadCount != 1 {
		t.Errorf("job counters = %+v", job)
	}
	if job.ParsingCost < 0.0059 || job.ParsingCost > 0.0061 || s.Costs.Breakdown.LLM != 0.002 {
		t.Errorf("costs = %+v / %+v", job, s.Costs)
	}

	again := h.run(t, ModeFullParse, false)
	if again.SkippedCount != 1 || again.ProcessedCount != 0 {
		t.Errorf("rerun = %+v", again)
	}
}

func TestFullParseChargesPagesOfFailedParse(t *testing.T) {
	h := newHarness(t)
	h.parser.failFor = 10
	h.parser.failPages = 4
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	s := h.run(t, ModeFullParse, false)
	if s.ErrorCount != 1 || h.parser.calls != 3 {
		t.Fatalf("summary = %+v, calls = %d", s, h.parser.calls)
	}
	if got := s.Costs.Breakdown.Parsing; got < 0.0119 || got > 0.0121 {
		t.Errorf("parsing cost = %v, want 0.012", got)
	}
	if h.store.Counts()["profiles"] != 0 {
		t.Error("no profile expected")
	}
}

func TestFullParseEmptyResultIsError(t *testing.T) {
	h := newHarness(t)
	h.parser.result = cv.ParseResult{}
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	s := h.run(t, ModeFullParse, false)
	if s.ErrorCount != 1 || s.ProcessedCount != 0 || s.ProcessingJob.Status != storage.RunCompleted {
		t.Errorf("summary = %+v", s)
	}
	if h.store.Counts()["profiles"] != 0 {
		t.Error("profile created for empty parse")
	}
	if !strings.Contains(s.Errors[0], cv.ErrEmptyParse.Error()) {
		t.Errorf("error = %q", s.Errors[0])
	}
}

func TestFullParseEmbeddingFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	h.embed.err = errors.New("rate limited")
	h.uploader.fail = 10
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	s := h.run(t, ModeFullParse, false)
	if s.ProcessedCount != 1 || s.ErrorCount != 0 {
		t.Fatalf("summary = %+v", s)
	}
	logs, _ := h.store.ListLogs(context.Background(), storage.LogQuery{ProcessingJobID: s.ProcessingJobID, Level: storage.LevelWarning})
	var msgs []string
	for _, l := range logs {
		msgs = append(msgs, l.Message)
	}
	joined := strings.Join(msgs, "|")
	if !strings.Contains(joined, "Embedding generation failed: rate limited") || !strings.Contains(joined, "Upload failed, parsing anyway") {
		t.Errorf("warnings = %v", msgs)
	}
}

func TestFullParseMergesBacklog(t *testing.T) {
	h := newHarness(t)
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}
	h.run(t, ModeNone, false)

	// Nothing new upstream: the applicant imported above is parsed from
	// the stored submission.
	h.ats.records = nil
	s := h.run(t, ModeFullParse, false)
	if s.TotalSubmissions != 1 || s.ProcessedCount != 1 {
		t.Errorf("summary = %+v", s)
	}
	if h.store.Counts()["profiles"] != 1 {
		t.Error("backlog applicant not parsed")
	}
}

func TestFullParseBacklogKeepsApplicantIdentity(t *testing.T) {
	h := newHarness(t)
	rec := sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")
	rec["job_seeker_id"] = "JS-777"
	h.ats.records = []ats.Record{rec}
	h.run(t, ModeNone, false)

	h.ats.records = nil
	s := h.run(t, ModeFullParse, false)
	if s.ProcessedCount != 1 || s.ErrorCount != 0 {
		t.Fatalf("summary = %+v", s)
	}
	counts := h.store.Counts()
	for k, want := range map[string]int{"applicants": 1, "submissions": 1, "resumes": 1, "profiles": 1} {
		if counts[k] != want {
			t.Errorf("%s = %d, want %d", k, counts[k], want)
		}
	}
	ctx := context.Background()
	a, err := h.store.GetApplicantByExternalID(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.store.HasParsedProfile(ctx, a.ID); !ok {
		t.Error("profile not stored on the original applicant")
	}
	stored, _ := h.store.GetSubmissionByExternalID(ctx, "101")
	if stored.ApplicantID != a.ID || stored.ApplicantExternalID != "JS-777" {
		t.Errorf("submission = %+v", stored)
	}
}

func TestFullParseRequiresResumeURL(t *testing.T) {
	h := newHarness(t)
	rec := sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")
	rec["resume"] = "null"
	h.ats.records = []ats.Record{rec}

	s := h.run(t, ModeFullParse, false)
	if s.ErrorCount != 1 || !strings.Contains(s.Errors[0], "no valid resume URL found for Ann Lee") {
		t.Errorf("summary = %+v", s)
	}
}

func TestBasicResolvesResumeFromDetails(t *testing.T) {
	h := newHarness(t)
	enc := "Zm9vYmFyYmF6cXV4cXV1eDEyMzQ1Njc4OQ=="
	rec := sub("101", "7", "Applicant 7", "2024-01-01T00:00:00")
	delete(rec, "resume")
	delete(rec, "email")
	rec["job_seeker_id"] = enc
	h.ats.records = []ats.Record{rec}
	h.ats.details[enc] = ats.Record{
		"firstname":       "Dana",
		"lastname":        "Fox",
		"email_address_1": "dana@example.com",
		"city":            "Leeds",
		"country":         "UK",
		"documents":       []any{map[string]any{"resume_path": "https://files.example.com/docs/dana.docx"}},
	}

	s := h.run(t, ModeNone, false)
	if s.ProcessedCount != 1 {
		t.Fatalf("summary = %+v", s)
	}
	a, _ := h.store.GetApplicantByExternalID(context.Background(), "7")
	if a.Name != "Dana Fox" || a.Email != "dana@example.com" || a.Location != "Leeds, UK" {
		t.Errorf("applicant = %+v", a)
	}
	if len(h.uploader.keys) != 1 || h.uploader.keys[0] != "resumes/JPC-973/7/Dana.docx" {
		t.Errorf("keys = %v", h.uploader.keys)
	}
	stored, _ := h.store.GetSubmissionByExternalID(context.Background(), "101")
	if stored.ApplicantExternalID != enc {
		t.Errorf("stored seeker id = %q", stored.ApplicantExternalID)
	}
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.orch.Run(ctx, Request{JobID: "nope"}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v", err)
	}
	bare := &storage.Job{JobCode: "X"}
	h.store.SaveJob(ctx, bare)
	if _, err := h.orch.Run(ctx, Request{JobID: bare.ID}); !errors.Is(err, ErrNoExternalJobID) {
		t.Errorf("err = %v", err)
	}
}

func TestLockerGuardsRun(t *testing.T) {
	h := newHarness(t)
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}
	l := &fakeLocker{}
	h.orch.Locker = l

	h.run(t, ModeNone, false)
	if l.acquired != 1 || l.released != 1 {
		t.Errorf("acquired=%d released=%d", l.acquired, l.released)
	}

	l.deny = true
	h.ats.records = []ats.Record{sub("102", "2", "Bo Chen", "2024-01-01T00:00:00")}
	if _, err := h.orch.Run(context.Background(), Request{JobID: h.job.ID}); !errors.Is(err, ErrProcessingAlreadyInProgress) {
		t.Errorf("err = %v", err)
	}
}

func TestCancelledRunIsFailed(t *testing.T) {
	h := newHarness(t)
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}
	ctx, cancel := context.WithCancel(context.Background())
	p, err := h.orch.Start(ctx, Request{JobID: h.job.ID})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := p.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	run, _ := h.store.GetRun(context.Background(), p.RunID())
	if run.Status != storage.RunFailed {
		t.Errorf("status = %s", run.Status)
	}
}

// flakyRuns fails the run writes selected by its flags.
type flakyRuns struct {
	*storage.MemoryStore
	failWrites   bool
	failComplete bool
}

func (f *flakyRuns) AppendLog(ctx context.Context, l *storage.ProcessingLog) error {
	if f.failWrites {
		return errors.New("log table unavailable")
	}
	return f.MemoryStore.AppendLog(ctx, l)
}

func (f *flakyRuns) ApplyCounters(ctx context.Context, runID string, d storage.CounterDelta) error {
	if f.failWrites {
		return errors.New("counter update timed out")
	}
	return f.MemoryStore.ApplyCounters(ctx, runID, d)
}

func (f *flakyRuns) FinishRun(ctx context.Context, runID string, status storage.RunStatus, at time.Time) (*storage.ProcessingJob, error) {
	if f.failComplete && status == storage.RunCompleted {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.FinishRun(ctx, runID, status, at)
}

func (h *harness) useRunStore(runs storage.RunStore) {
	log := config.Component(config.DiscardLogger(), "ingest")
	h.tracker = tracker.New(runs, log)
	h.orch = New(h.orch.Deps, h.orch.opts, h.tracker, log)
}

func TestTrackerWriteFailuresDoNotStopRun(t *testing.T) {
	h := newHarness(t)
	h.useRunStore(&flakyRuns{MemoryStore: h.store, failWrites: true})
	h.ats.records = []ats.Record{
		sub("101", "1", "Ann Lee", "2024-01-01T00:00:00"),
		sub("102", "2", "Bo Chen", "2024-01-02T00:00:00"),
		sub("103", "3", "Cy Diaz", "2024-01-03T00:00:00"),
	}

	s := h.run(t, ModeFullParse, false)
	if s.ProcessedCount != 3 || s.ErrorCount != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if c := h.store.Counts(); c["applicants"] != 3 || c["profiles"] != 3 {
		t.Errorf("counts = %v", c)
	}
	if s.ProcessingJob == nil || s.ProcessingJob.Status != storage.RunCompleted {
		t.Errorf("run = %+v", s.ProcessingJob)
	}
}

func TestCompleteFailureMarksRunFailed(t *testing.T) {
	h := newHarness(t)
	h.useRunStore(&flakyRuns{MemoryStore: h.store, failComplete: true})
	h.ats.records = []ats.Record{sub("101", "1", "Ann Lee", "2024-01-01T00:00:00")}

	p, err := h.orch.Start(context.Background(), Request{JobID: h.job.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Execute(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	run, _ := h.store.GetRun(context.Background(), p.RunID())
	if run.Status != storage.RunFailed {
		t.Errorf("status = %s", run.Status)
	}
	if running, _ := h.store.GetRunningRun(context.Background(), h.job.ID); running != nil {
		t.Errorf("job still held by %s", running.ID)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeNone, "none": ModeNone, "fullParse": ModeFullParse, "llamaparse": ModeFullParse} {
		if got, err := ParseMode(in); err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("landingai"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("err = %v", err)
	}
}
