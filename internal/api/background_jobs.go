package api

import (
	"context"
	"errors"
	"time"

	"cv-pipeline/internal/ingest"

	"github.com/sirupsen/logrus"
)

var errQueueFull = errors.New("run queue full")

// backgroundRun is a claimed ingestion run waiting for a worker.
type backgroundRun struct {
	pending  *ingest.Pending
	jobID    string
	queuedAt time.Time
}

// StartBackgroundWorkers starts n workers draining the run queue.
func (a *API) StartBackgroundWorkers(n int) {
	for i := 0; i < n; i++ {
		a.wg.Add(1)
		go a.runWorker(i)
	}
	a.log.WithField("workers", n).Info("background workers started")
}

func (a *API) runWorker(id int) {
	defer a.wg.Done()
	log := a.log.WithField("worker", id)

	for run := range a.runQueue {
		runID := run.pending.RunID()
		log.WithFields(logrus.Fields{"run_id": runID, "job_id": run.jobID}).Info("ingestion run picked up")

		summary, err := run.pending.Execute(a.baseCtx)
		a.runs.Finish(runID, summary, err)

		entry := log.WithFields(logrus.Fields{"run_id": runID, "took": time.Since(run.queuedAt).String()})
		if err != nil {
			entry.WithError(err).Error("ingestion run failed")
			continue
		}
		entry.WithFields(logrus.Fields{"processed": summary.ProcessedCount, "errors": summary.ErrorCount}).Info("ingestion run finished")
	}
}

// enqueue hands a claimed run to the workers. A run that cannot be
// queued is failed so the job is not left claimed.
func (a *API) enqueue(ctx context.Context, p *ingest.Pending, jobID string) error {
	runID := p.RunID()
	a.runs.Register(runID, jobID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		select {
		case a.runQueue <- backgroundRun{pending: p, jobID: jobID, queuedAt: a.now()}:
			a.log.WithFields(logrus.Fields{"run_id": runID, "job_id": jobID}).Info("queued ingestion run")
			return nil
		default:
		}
	}
	a.log.WithField("run_id", runID).Warn("run queue full, dropping run")
	p.Abort(ctx, "Queue full, run dropped")
	a.runs.Finish(runID, nil, errQueueFull)
	return errQueueFull
}

// Close stops accepting runs and waits for queued ones. Runs still going
// when ctx ends are cancelled and marked failed.
func (a *API) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.runQueue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}
