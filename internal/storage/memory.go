package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It backs tests and STORE=memory
// deployments.
type MemoryStore struct {
	mu sync.Mutex

	jobs        map[string]*Job
	applicants  map[string]*Applicant
	submissions map[string]*Submission
	profiles    map[string]*ParsedProfile
	resumes     map[string]*Resume
	rankings    map[string]*Ranking
	embeddings  map[string]*Embedding
	runs        map[string]*ProcessingJob
	logs        []*ProcessingLog

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		applicants:  make(map[string]*Applicant),
		submissions: make(map[string]*Submission),
		profiles:    make(map[string]*ParsedProfile),
		resumes:     make(map[string]*Resume),
		rankings:    make(map[string]*Ranking),
		embeddings:  make(map[string]*Embedding),
		runs:        make(map[string]*ProcessingJob),
		now:         time.Now,
	}
}

// SetClock overrides the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) GetJob(_ context.Context, idOrExternalID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[idOrExternalID]; ok {
		cp := *j
		return &cp, nil
	}
	for _, j := range m.jobs {
		if j.ExternalID != "" && j.ExternalID == idOrExternalID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SaveJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateJobBrief(_ context.Context, jobID string, description, instructions *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if description != nil {
		j.Description = *description
	}
	if instructions != nil {
		j.CustomInstructions = *instructions
	}
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) GetApplicant(_ context.Context, id string) (*Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applicants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetApplicantByExternalID(_ context.Context, externalID string) (*Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.applicantByExternal(externalID); a != nil {
		cp := *a
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) applicantByExternal(externalID string) *Applicant {
	for _, a := range m.applicants {
		if a.ExternalID == externalID {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) UpsertApplicant(_ context.Context, in *Applicant) (*Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if existing := m.applicantByExternal(in.ExternalID); existing != nil {
		existing.Name = in.Name
		existing.Email = in.Email
		existing.Phone = in.Phone
		existing.Location = in.Location
		existing.Status = existing.Status.Advance(in.Status)
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}

	a := *in
	a.ID = uuid.NewString()
	if a.Status == "" {
		a.Status = StatusImported
	}
	a.CreatedAt, a.UpdatedAt = now, now
	m.applicants[a.ID] = &a
	cp := a
	return &cp, nil
}

func (m *MemoryStore) AdvanceApplicantStatus(_ context.Context, id string, status ApplicantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applicants[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = a.Status.Advance(status)
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListApplicants(_ context.Context, jobID string, f ApplicantFilter) ([]*Applicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]bool, len(f.IDs))
	for _, id := range f.IDs {
		ids[id] = true
	}
	var out []*Applicant
	for _, a := range m.applicants {
		if a.JobID != jobID {
			continue
		}
		if len(ids) > 0 && !ids[a.ID] {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) LatestSubmissionMark(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := ""
	for _, s := range m.submissions {
		if s.JobID != jobID {
			continue
		}
		mark := NormalizeModified(s.Modified)
		if mark == "" {
			mark = s.CreatedAt.UTC().Format(ModifiedLayout)
		}
		if mark > latest {
			latest = mark
		}
	}
	return latest, nil
}

func (m *MemoryStore) GetSubmissionByExternalID(_ context.Context, externalID string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.submissions {
		if s.ExternalID == externalID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpsertSubmission(_ context.Context, in *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var target *Submission
	for _, s := range m.submissions {
		if in.ExternalID != "" && s.ExternalID == in.ExternalID {
			target = s
			break
		}
	}
	if target == nil {
		for _, s := range m.submissions {
			if s.ApplicantID == in.ApplicantID {
				target = s
				break
			}
		}
	}
	if target == nil {
		s := *in
		s.ID = uuid.NewString()
		s.CreatedAt, s.UpdatedAt = now, now
		m.submissions[s.ID] = &s
		in.ID = s.ID
		return nil
	}

	id, created := target.ID, target.CreatedAt
	*target = *in
	target.ID, target.CreatedAt, target.UpdatedAt = id, created, now
	in.ID = id
	return nil
}

func (m *MemoryStore) ListBacklogSubmissions(_ context.Context, jobID string) ([]BacklogSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BacklogSubmission
	for _, s := range m.submissions {
		if s.JobID != jobID {
			continue
		}
		if _, parsed := m.profiles[s.ApplicantID]; parsed {
			continue
		}
		b := BacklogSubmission{Submission: *s}
		if a, ok := m.applicants[s.ApplicantID]; ok {
			b.ApplicantName = a.Name
			b.ApplicantKey = a.ExternalID
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetParsedProfile(_ context.Context, applicantID string) (*ParsedProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[applicantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) HasParsedProfile(_ context.Context, applicantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.profiles[applicantID]
	return ok, nil
}

func (m *MemoryStore) UpsertParsedProfile(_ context.Context, p *ParsedProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.ParsedAt.IsZero() {
		cp.ParsedAt = m.now()
	}
	m.profiles[p.ApplicantID] = &cp
	return nil
}

func (m *MemoryStore) ListProfilesWithoutEmbedding(_ context.Context, namespace string, limit int) ([]*ParsedProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ParsedProfile
	for id, p := range m.profiles {
		if _, ok := m.embeddings[namespace+"/"+id]; ok {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParsedAt.Before(out[j].ParsedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) HasResume(_ context.Context, applicantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resumes[applicantID]
	return ok, nil
}

func (m *MemoryStore) SaveResume(_ context.Context, r *Resume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.resumes[r.ApplicantID] = &cp
	return nil
}

func (m *MemoryStore) UpsertRanking(_ context.Context, r *Ranking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.JobID + "/" + r.ApplicantID
	now := m.now()
	if existing, ok := m.rankings[key]; ok {
		existing.Score = r.Score
		existing.Explanation = r.Explanation
		existing.Rubric = r.Rubric
		existing.UpdatedAt = now
		r.ID = existing.ID
		return nil
	}
	cp := *r
	cp.ID = uuid.NewString()
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.rankings[key] = &cp
	r.ID = cp.ID
	return nil
}

func (m *MemoryStore) ListRankings(_ context.Context, jobID string) ([]RankedApplicant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RankedApplicant
	for _, r := range m.rankings {
		if r.JobID != jobID {
			continue
		}
		ra := RankedApplicant{Ranking: *r}
		if a, ok := m.applicants[r.ApplicantID]; ok {
			ra.Name, ra.Email, ra.Phone, ra.Location = a.Name, a.Email, a.Phone, a.Location
		}
		out = append(out, ra)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) UpsertEmbedding(_ context.Context, e *Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Vector = append([]float32(nil), e.Vector...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.embeddings[e.Namespace+"/"+e.RefID] = &cp
	return nil
}

// Embedding returns a stored embedding; used by tests and tools.
func (m *MemoryStore) Embedding(namespace, refID string) (*Embedding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.embeddings[namespace+"/"+refID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Counts reports row counts per entity; used by tests.
func (m *MemoryStore) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"applicants":  len(m.applicants),
		"submissions": len(m.submissions),
		"profiles":    len(m.profiles),
		"resumes":     len(m.resumes),
		"rankings":    len(m.rankings),
		"embeddings":  len(m.embeddings),
		"runs":        len(m.runs),
	}
}

func (m *MemoryStore) ClaimRun(_ context.Context, run *ProcessingJob, stale func(*ProcessingJob) bool) (*ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	res := &ClaimResult{}

	for _, existing := range m.runs {
		if existing.JobID != run.JobID || existing.Status != RunRunning {
			continue
		}
		if stale == nil || !stale(existing) {
			cp := *existing
			res.Conflict = &cp
			return res, nil
		}
		existing.Status = RunFailed
		existing.CompletedAt = &now
		existing.DurationMs = now.Sub(existing.StartedAt).Milliseconds()
		existing.UpdatedAt = now
		cp := *existing
		res.Released = &cp
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	cp := *run
	cp.Status = RunRunning
	cp.UpdatedAt = cp.StartedAt
	m.runs[cp.ID] = &cp
	created := cp
	res.Created = &created
	return res, nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *MemoryStore) GetRunningRun(_ context.Context, jobID string) (*ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.JobID == jobID && r.Status == RunRunning {
			return cloneRun(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListRuns(_ context.Context, jobID string, limit, offset int) ([]*ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcessingJob
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ApplyCounters(_ context.Context, runID string, d CounterDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.ProcessedCount += d.Processed
	r.ErrorCount += d.Errors
	r.SkippedCount += d.Skipped
	r.UploadCount += d.Uploads
	r.ParsedCount += d.Parsed
	r.EmbeddingCount += d.Embeddings
	r.TotalCost += d.TotalCost
	r.ParsingCost += d.ParsingCost
	r.LLMCost += d.LLMCost
	r.EmbeddingCost += d.EmbeddingCost
	r.Errors = append(r.Errors, d.ErrorMessages...)
	r.Successful = append(r.Successful, d.Successful...)
	r.Failed = append(r.Failed, d.Failed...)
	r.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, runID string, status RunStatus, finishedAt time.Time) (*ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	r.Status = status
	r.CompletedAt = &finishedAt
	r.DurationMs = finishedAt.Sub(r.StartedAt).Milliseconds()
	r.UpdatedAt = finishedAt
	return cloneRun(r), nil
}

func (m *MemoryStore) AppendLog(_ context.Context, l *ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[l.ProcessingJobID]; !ok {
		return ErrNotFound
	}
	cp := *l
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = m.now()
	}
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, q LogQuery) ([]*ProcessingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcessingLog
	// Walk backwards so equal timestamps keep newest-first order.
	for i := len(m.logs) - 1; i >= 0; i-- {
		l := m.logs[i]
		if q.ProcessingJobID != "" && l.ProcessingJobID != q.ProcessingJobID {
			continue
		}
		if q.JobID != "" {
			run, ok := m.runs[l.ProcessingJobID]
			if !ok || run.JobID != q.JobID {
				continue
			}
		}
		if q.Level != "" && l.Level != q.Level {
			continue
		}
		if q.WithApplicant && l.ApplicantName == "" {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func cloneRun(r *ProcessingJob) *ProcessingJob {
	cp := *r
	cp.Errors = append([]string(nil), r.Errors...)
	cp.Successful = append([]string(nil), r.Successful...)
	cp.Failed = append([]string(nil), r.Failed...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
