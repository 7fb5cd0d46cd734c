package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"cv-pipeline/internal/storage"

	"github.com/sirupsen/logrus"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrNoApplicants     = errors.New("no applicants found")
	ErrNoParsedProfiles = errors.New("no parsed profiles found")
)

const (
	defaultScore          = 50
	maxConcurrency        = 10
	resumeMarkdownMaxChar = 12000
)

type Store interface {
	GetJob(ctx context.Context, idOrExternalID string) (*storage.Job, error)
	UpdateJobBrief(ctx context.Context, jobID string, description, instructions *string) error
	ListApplicants(ctx context.Context, jobID string, f storage.ApplicantFilter) ([]*storage.Applicant, error)
	GetParsedProfile(ctx context.Context, applicantID string) (*storage.ParsedProfile, error)
	UpsertRanking(ctx context.Context, r *storage.Ranking) error
	AdvanceApplicantStatus(ctx context.Context, id string, status storage.ApplicantStatus) error
}

type Service struct {
	store       Store
	ranker      *Ranker
	concurrency int
	log         *logrus.Entry
}

func NewService(store Store, ranker *Ranker, concurrency int, log *logrus.Entry) *Service {
	return &Service{store: store, ranker: ranker, concurrency: ClampConcurrency(concurrency), log: log}
}

// ClampConcurrency keeps concurrency within 1..10, defaulting to 5.
func ClampConcurrency(n int) int {
	if n <= 0 {
		return 5
	}
	return min(n, maxConcurrency)
}

type Request struct {
	JobID        string   `json:"jobId" validate:"required"`
	ApplicantIDs []string `json:"applicantIds"`
	JD           string   `json:"jd"`
	Instructions string   `json:"instructions"`
	Concurrency  int      `json:"concurrency" validate:"omitempty,min=1,max=10"`
}

type Outcome struct {
	Ranked  int      `json:"ranked"`
	Saved   int      `json:"saved"`
	Failed  []string `json:"failed,omitempty"`
	Diag    Diag     `json:"diag"`
	Results []Result `json:"-"`
}

// RankJob ranks the given applicants (or every parsed applicant of the
// job) and stores one Ranking per applicant.
func (s *Service) RankJob(ctx context.Context, req Request) (*Outcome, error) {
	job, err := s.store.GetJob(ctx, req.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "job_code": job.JobCode})

	if req.JD != "" || req.Instructions != "" {
		var desc, instr *string
		if req.JD != "" {
			desc = &req.JD
			job.Description = req.JD
		}
		if req.Instructions != "" {
			instr = &req.Instructions
			job.CustomInstructions = req.Instructions
		}
		if err := s.store.UpdateJobBrief(ctx, job.ID, desc, instr); err != nil {
			return nil, fmt.Errorf("update job brief: %w", err)
		}
	}

	filter := storage.ApplicantFilter{IDs: req.ApplicantIDs}
	if len(req.ApplicantIDs) == 0 {
		filter.Status = storage.StatusParsed
	}
	applicants, err := s.store.ListApplicants(ctx, job.ID, filter)
	if err != nil {
		return nil, err
	}
	if len(applicants) == 0 {
		return nil, ErrNoApplicants
	}

	items := make([]Item, 0, len(applicants))
	for _, a := range applicants {
		p, err := s.store.GetParsedProfile(ctx, a.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, Item{
			JD:           job.Description,
			Instructions: job.CustomInstructions,
			Candidate:    CandidateFromProfile(a, p),
		})
	}
	if len(items) == 0 {
		return nil, ErrNoParsedProfiles
	}

	concurrency := s.concurrency
	if req.Concurrency > 0 {
		concurrency = ClampConcurrency(req.Concurrency)
	}
	log.WithFields(logrus.Fields{"count": len(items), "concurrency": concurrency}).Info("ranking started")
	results, diag := s.ranker.RankMany(ctx, items, concurrency)

	out := &Outcome{Ranked: len(results), Diag: diag, Results: results}
	for _, res := range results {
		if res.Err != nil {
			log.WithError(res.Err).WithField("applicant", res.CandidateID).Warn("ranking failed")
			out.Failed = append(out.Failed, res.CandidateID)
			continue
		}
		if err := s.save(ctx, job.ID, res); err != nil {
			log.WithError(err).WithField("applicant", res.CandidateID).Error("saving ranking failed")
			out.Failed = append(out.Failed, res.CandidateID)
			continue
		}
		out.Saved++
	}
	return out, nil
}

func (s *Service) save(ctx context.Context, jobID string, res Result) error {
	r := &storage.Ranking{
		JobID:       jobID,
		ApplicantID: res.CandidateID,
		Score:       Score(res.JSON),
		Explanation: res.Raw,
	}
	if j, ok := res.JSON["justification"].(string); ok && j != "" {
		r.Explanation = j
	}
	if res.JSON != nil {
		rubric, err := json.Marshal(res.JSON)
		if err != nil {
			return err
		}
		r.Rubric = rubric
	}
	if err := s.store.UpsertRanking(ctx, r); err != nil {
		return err
	}
	return s.store.AdvanceApplicantStatus(ctx, res.CandidateID, storage.StatusRanked)
}

// Score scales overall_rating (0-10) to 0-100, or 50 when absent.
// Out-of-range ratings are clamped.
func Score(parsed map[string]any) int {
	rating, ok := parsed["overall_rating"].(float64)
	if !ok || math.IsNaN(rating) {
		return defaultScore
	}
	return min(max(int(math.Round(rating*10)), 0), 100)
}

// CandidateFromProfile maps a stored applicant and profile to the model input.
func CandidateFromProfile(a *storage.Applicant, p *storage.ParsedProfile) Candidate {
	doc := p.Document()
	ex := doc.Extracted

	name := a.Name
	if name == "" {
		name = str(ex, "fullName", "name")
	}
	if name == "" {
		name = "Unknown"
	}
	first, last := name, ""
	if i := strings.IndexByte(name, ' '); i > 0 {
		first, last = name[:i], strings.TrimSpace(name[i+1:])
	}

	c := Candidate{
		ID:             a.ID,
		FullName:       name,
		FirstName:      first,
		LastName:       last,
		Headline:       str(ex, "headline", "currentTitle"),
		About:          str(ex, "summary", "about", "objective"),
		Email:          a.Email,
		Phone:          a.Phone,
		CurrentTitle:   str(ex, "currentTitle", "jobTitle", "title"),
		CurrentCompany: str(ex, "currentCompany", "company"),
		Location:       firstNonEmpty(a.Location, p.Location, str(ex, "location")),
		Country:        str(ex, "country"),
		SkillsTop:      nonNil(p.Skills),
		SkillsAll:      strList(ex["skills"]),
		Educations:     list(ex["education"]),
		Certificates:   list(ex["certifications"]),
		Projects:       list(ex["projects"]),
		Titles:         nonNil(p.Titles),
		TotalExpMonths: p.TotalExpMonths,
		ResumeMarkdown: truncate(doc.Markdown, resumeMarkdownMaxChar),
	}
	if c.Email == "" {
		c.Email = firstString(ex["emails"])
	}
	if c.Phone == "" {
		c.Phone = firstString(ex["phones"])
	}
	if p.TotalExpMonths > 0 {
		c.CurrentDurationYears = int(math.Round(float64(p.TotalExpMonths) / 12))
	}
	for _, item := range list(ex["companies"]) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c.CompaniesWorked = append(c.CompaniesWorked, map[string]any{
			"company": m["company"],
			"title":   m["title"],
			"start":   m["start"],
			"end":     m["end"],
		})
		c.RolesTimeline = append(c.RolesTimeline, m)
	}
	if c.CompaniesWorked == nil {
		c.CompaniesWorked = []map[string]any{}
		c.RolesTimeline = []any{}
	}
	return c
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func strList(v any) []string {
	out := []string{}
	for _, item := range list(v) {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func list(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{}
}

func firstString(v any) string {
	if l := strList(v); len(l) > 0 {
		return l[0]
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
