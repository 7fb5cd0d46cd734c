// Package ranking scores parsed candidates against a job with an LLM.
package ranking

import (
	"context"
	"sync"
	"time"

	"cv-pipeline/internal/llm"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Candidate is the normalized record sent to the model.
type Candidate struct {
	ID                   string           `json:"id"`
	FullName             string           `json:"full_name"`
	FirstName            string           `json:"first_name"`
	LastName             string           `json:"last_name"`
	Headline             string           `json:"headline,omitempty"`
	About                string           `json:"about,omitempty"`
	Email                string           `json:"email,omitempty"`
	Phone                string           `json:"phone,omitempty"`
	CurrentTitle         string           `json:"current_title,omitempty"`
	CurrentCompany       string           `json:"current_company,omitempty"`
	CurrentDurationYears int              `json:"current_duration_years"`
	Location             string           `json:"location,omitempty"`
	Country              string           `json:"country,omitempty"`
	SkillsTop            []string         `json:"skills_top"`
	SkillsAll            []string         `json:"skills_all"`
	CompaniesWorked      []map[string]any `json:"companies_worked"`
	RolesTimeline        []any            `json:"roles_timeline"`
	Educations           []any            `json:"educations"`
	Certificates         []any            `json:"certificates"`
	Projects             []any            `json:"projects"`
	Titles               []string         `json:"titles"`
	TotalExpMonths       int              `json:"totalExpMonths"`
	ResumeMarkdown       string           `json:"resume_markdown,omitempty"`
}

// Item is one ranking request.
type Item struct {
	JD           string
	Instructions string
	Candidate    Candidate
}

// Result is one model answer. JSON is nil when the answer did not parse;
// Err is set when no model answered.
type Result struct {
	CandidateID string         `json:"candidateId"`
	Raw         string         `json:"raw"`
	JSON        map[string]any `json:"json,omitempty"`
	DurationMs  int64          `json:"durationMs"`
	ModelTried  []string       `json:"modelTried"`
	Model       string         `json:"model,omitempty"`
	Err         error          `json:"-"`
}

type TimelinePoint struct {
	T        int64 `json:"t"`
	InFlight int   `json:"inFlight"`
}

// Diag records how many calls were outstanding over time.
type Diag struct {
	MaxConcurrent int             `json:"maxConcurrent"`
	Timeline      []TimelinePoint `json:"timeline"`
}

type Ranker struct {
	llm    llm.Chatter
	models []string
	log    *logrus.Entry
}

// NewRanker tries rankingModel first and falls back to fallbackModel.
func NewRanker(chatter llm.Chatter, rankingModel, fallbackModel string, log *logrus.Entry) *Ranker {
	if rankingModel == "" {
		rankingModel = "gpt-4o"
	}
	if fallbackModel == "" {
		fallbackModel = "gpt-4o-mini"
	}
	return &Ranker{llm: chatter, models: []string{rankingModel, fallbackModel}, log: log}
}

func (r *Ranker) RankOne(ctx context.Context, item Item) Result {
	start := time.Now()
	res := Result{CandidateID: item.Candidate.ID, ModelTried: r.models}

	messages, err := buildMessages(item)
	if err != nil {
		res.Err = err
		return res
	}
	out, err := r.llm.Complete(ctx, messages, r.models)
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Err = err
		return res
	}
	res.Raw = out.Text
	res.Model = out.Model
	res.JSON = llm.ParseJSON(out.Text)
	return res
}

// RankMany runs at most concurrency RankOne calls at a time. Results come
// back in completion order; match them by CandidateID.
func (r *Ranker) RankMany(ctx context.Context, items []Item, concurrency int) ([]Result, Diag) {
	var diag Diag
	if len(items) == 0 {
		return nil, diag
	}
	workers := min(max(concurrency, 1), len(items))

	var (
		mu       sync.Mutex
		inFlight int
		results  = make([]Result, 0, len(items))
	)
	mark := func(delta int) {
		inFlight += delta
		diag.MaxConcurrent = max(diag.MaxConcurrent, inFlight)
		diag.Timeline = append(diag.Timeline, TimelinePoint{T: time.Now().UnixMilli(), InFlight: inFlight})
	}

	queue := make(chan Item)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for item := range queue {
				mu.Lock()
				mark(1)
				mu.Unlock()

				res := r.RankOne(gctx, item)

				mu.Lock()
				mark(-1)
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		})
	}

feed:
	for _, item := range items {
		select {
		case queue <- item:
		case <-gctx.Done():
			break feed
		}
	}
	close(queue)
	_ = g.Wait()

	r.log.WithFields(logrus.Fields{
		"items":          len(items),
		"results":        len(results),
		"workers":        workers,
		"max_concurrent": diag.MaxConcurrent,
	}).Info("ranking batch finished")
	return results, diag
}
