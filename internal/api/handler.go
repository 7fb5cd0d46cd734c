package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cv-pipeline/internal/ingest"
	"cv-pipeline/internal/ranking"
	"cv-pipeline/internal/registry"
	"cv-pipeline/internal/storage"
	"cv-pipeline/internal/tracker"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type Ingester interface {
	Start(ctx context.Context, req ingest.Request) (*ingest.Pending, error)
}

type JobRanker interface {
	RankJob(ctx context.Context, req ranking.Request) (*ranking.Outcome, error)
}

type StatusReader interface {
	Status(ctx context.Context, runID string) (*tracker.StatusView, error)
	History(ctx context.Context, jobID string, limit, offset int) (*tracker.History, error)
}

// JobStore reads jobs and their stored rankings.
type JobStore interface {
	GetJob(ctx context.Context, idOrExternalID string) (*storage.Job, error)
	ListRankings(ctx context.Context, jobID string) ([]storage.RankedApplicant, error)
}

// Deps wires the API. Workers and QueueSize size the background run
// queue.
type Deps struct {
	Ingester  Ingester
	Ranker    JobRanker
	Status    StatusReader
	Jobs      JobStore
	Runs      *registry.Registry
	Log       *logrus.Entry
	Workers   int
	QueueSize int
}

type API struct {
	ingester Ingester
	ranker   JobRanker
	status   StatusReader
	jobs     JobStore
	runs     *registry.Registry
	validate *validator.Validate
	log      *logrus.Entry
	now      func() time.Time

	runQueue chan backgroundRun // async ingestion runs
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

func NewAPI(d Deps) *API {
	if d.Workers <= 0 {
		d.Workers = 2
	}
	if d.QueueSize <= 0 {
		d.QueueSize = 50
	}
	if d.Runs == nil {
		d.Runs = registry.New(time.Hour)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &API{
		ingester: d.Ingester,
		ranker:   d.Ranker,
		status:   d.Status,
		jobs:     d.Jobs,
		runs:     d.Runs,
		validate: validator.New(),
		log:      d.Log,
		now:      time.Now,
		runQueue: make(chan backgroundRun, d.QueueSize),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	a.StartBackgroundWorkers(d.Workers)
	return a
}

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body into v and validates it. It writes the 400
// itself and reports false on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Details: validationErrors(err)})
		return false
	}
	return true
}

func validationErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("Field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
		}
		out = append(out, msg)
	}
	return out
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
