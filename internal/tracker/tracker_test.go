package tracker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cv-pipeline/internal/config"
	"cv-pipeline/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTracker(t *testing.T) (*Tracker, *storage.MemoryStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	store.SetClock(c.now)
	tr := New(store, config.Component(config.DiscardLogger(), "tracker"))
	tr.now = c.now
	return tr, store, c
}

func TestRunLifecycle(t *testing.T) {
	tr, _, c := newTracker(t)
	ctx := context.Background()

	run, res, err := tr.Start(ctx, RunSpec{JobID: "job-1", JobCode: "JPC-1", ParsingMode: "none", Total: 4}, nil)
	if err != nil || run == nil || res.Created == nil {
		t.Fatalf("Start: run=%v res=%+v err=%v", run, res, err)
	}

	run.Update(ctx, storage.CounterDelta{Processed: 3, Successful: []string{"A", "B", "C"}, ParsingCost: 0.5, LLMCost: 0.25})
	run.Update(ctx, storage.CounterDelta{Errors: 1, Failed: []string{"D"}, ErrorMessages: []string{"boom"}})
	run.Log(ctx, Entry{Level: storage.LevelError, Message: "boom", ApplicantName: "D"})

	c.t = c.t.Add(2500 * time.Millisecond)
	job, err := run.Complete(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != storage.RunCompleted || job.DurationMs != 2500 || job.TotalCost != 0.75 {
		t.Errorf("job = %+v", job)
	}

	logs, err := run.Logs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("logs = %d", len(logs))
	}
	if want := "Processing completed in 2.5s. Processed: 3/4, Errors: 1, Cost: $0.7500"; logs[0].Message != want {
		t.Errorf("newest log = %q, want %q", logs[0].Message, want)
	}
	if want := "Started processing 4 submissions for job JPC-1 in none mode"; logs[2].Message != want {
		t.Errorf("oldest log = %q", logs[2].Message)
	}
}

func TestStartConflictAndStaleRelease(t *testing.T) {
	tr, store, c := newTracker(t)
	ctx := context.Background()

	first, _, _ := tr.Start(ctx, RunSpec{JobID: "job-1", ParsingMode: "none", Total: 1}, nil)

	second, res, err := tr.Start(ctx, RunSpec{JobID: "job-1", ParsingMode: "none"}, func(*storage.ProcessingJob) bool { return false })
	if err != nil || second != nil || res.Conflict == nil || res.Conflict.ID != first.ID() {
		t.Fatalf("expected conflict, got run=%v res=%+v err=%v", second, res, err)
	}

	c.t = c.t.Add(31 * time.Minute)
	third, res, err := tr.Start(ctx, RunSpec{JobID: "job-1", ParsingMode: "none"}, func(r *storage.ProcessingJob) bool {
		return c.t.Sub(r.StartedAt) > 30*time.Minute && !r.Progressed()
	})
	if err != nil || third == nil || res.Released == nil {
		t.Fatalf("expected stale release, got res=%+v err=%v", res, err)
	}
	old, _ := store.GetRun(ctx, first.ID())
	if old.Status != storage.RunFailed || old.CompletedAt == nil {
		t.Errorf("stale run = %+v", old)
	}
}

func TestFailedApplicantsAndStatistics(t *testing.T) {
	tr, _, c := newTracker(t)
	ctx := context.Background()

	r1, _, _ := tr.Start(ctx, RunSpec{JobID: "job-1", ParsingMode: "fullParse", Total: 2}, nil)
	r1.Update(ctx, storage.CounterDelta{Processed: 2, Errors: 1})
	r1.Log(ctx, Entry{Level: storage.LevelError, Message: "parse failed", ApplicantName: "Ada"})
	r1.Log(ctx, Entry{Level: storage.LevelError, Message: "run-level error"})
	r1.Fail(ctx, "crash")

	c.t = c.t.Add(time.Minute)
	r2, _, _ := tr.Start(ctx, RunSpec{JobID: "job-1", ParsingMode: "fullParse", Total: 2}, nil)
	r2.Update(ctx, storage.CounterDelta{Processed: 2})
	r2.Log(ctx, Entry{Level: storage.LevelError, Message: "download failed", ApplicantName: "Bob"})

	failed, err := tr.FailedApplicants(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 || failed[0].ApplicantName != "Bob" || failed[1].ApplicantName != "Ada" {
		t.Errorf("failed = %+v", failed)
	}

	stats, err := tr.Statistics(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRuns != 2 || stats.TotalProcessed != 4 || stats.TotalErrors != 1 || stats.SuccessRate != 75 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastRun == nil || !stats.LastRun.Equal(c.t) {
		t.Errorf("lastRun = %v", stats.LastRun)
	}

	h, err := tr.History(ctx, "job-1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Runs) != 1 || h.Runs[0].ID != r2.ID() || !h.RetryAvailable {
		t.Errorf("history = %+v", h)
	}
}

func TestDescribe(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		run       storage.ProcessingJob
		now       time.Time
		phase     string
		progress  int
		eta       string
		msgPrefix string
	}{
		{"fresh", storage.ProcessingJob{Status: storage.RunRunning, TotalSubmissions: 10, StartedAt: start}, start, PhaseDownloading, 0, "", "Processing in progress"},
		{"early", storage.ProcessingJob{Status: storage.RunRunning, TotalSubmissions: 10, ProcessedCount: 2, StartedAt: start}, start.Add(2 * time.Minute), PhaseParsing, 20, "8 minutes", "Processing in progress"},
		{"late", storage.ProcessingJob{Status: storage.RunRunning, TotalSubmissions: 10, ProcessedCount: 6, ErrorCount: 1, StartedAt: start}, start.Add(6 * time.Minute), PhaseProcessing, 70, "3 minutes", "Processing in progress"},
		{"finishing", storage.ProcessingJob{Status: storage.RunRunning, TotalSubmissions: 10, ProcessedCount: 9, StartedAt: start}, start.Add(9 * time.Minute), PhaseFinalizing, 90, "1 minute", "Processing in progress"},
		{"done", storage.ProcessingJob{Status: storage.RunCompleted, TotalSubmissions: 10, ProcessedCount: 9, ErrorCount: 1, DurationMs: 1500}, start, PhaseCompleted, 100, "", "Processing completed! Successfully processed 9 applicants with 1 errors"},
		{"failed", storage.ProcessingJob{Status: storage.RunFailed}, start, PhaseFailed, 0, "", "Processing failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := tc.run
			v := Describe(&run, tc.now)
			if v.CurrentPhase != tc.phase || v.ProgressPercentage != tc.progress || v.EstimatedCompletion != tc.eta {
				t.Errorf("phase=%s progress=%d eta=%q", v.CurrentPhase, v.ProgressPercentage, v.EstimatedCompletion)
			}
			if !strings.HasPrefix(v.UserMessage, tc.msgPrefix) {
				t.Errorf("message = %q", v.UserMessage)
			}
		})
	}
}

type failingWrites struct {
	*storage.MemoryStore
}

func (failingWrites) AppendLog(context.Context, *storage.ProcessingLog) error {
	return errors.New("insert log: connection refused")
}

func (failingWrites) ApplyCounters(context.Context, string, storage.CounterDelta) error {
	return errors.New("update counters: connection refused")
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := New(failingWrites{store}, config.Component(config.DiscardLogger(), "tracker"))
	ctx := context.Background()

	run, _, err := tr.Start(ctx, RunSpec{JobID: "job-1", ParsingMode: "none", Total: 1}, nil)
	if err != nil || run == nil {
		t.Fatalf("Start: run=%v err=%v", run, err)
	}
	run.Log(ctx, Entry{Level: storage.LevelInfo, Message: "still going"})
	run.Update(ctx, storage.CounterDelta{Processed: 1, Successful: []string{"Ann"}})

	job, err := run.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if job.Status != storage.RunCompleted || job.ProcessedCount != 0 {
		t.Errorf("job = %+v", job)
	}
}
