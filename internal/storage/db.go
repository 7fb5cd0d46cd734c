package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL driver
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// DB is the Postgres-backed Store.
type DB struct {
	connection *sql.DB
	log        *logrus.Entry
}

func NewDB(dataSourceName string, log *logrus.Entry) (*DB, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}

	// Connection pool tuning
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &DB{connection: db, log: log}, nil
}

func (db *DB) Close() {
	if err := db.connection.Close(); err != nil {
		db.log.WithError(err).Error("closing the database connection")
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.connection.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---- jobs ----

const jobColumns = `id, COALESCE(external_id, ''), job_code, title, description, custom_instructions, created_at, updated_at`

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.ExternalID, &j.JobCode, &j.Title, &j.Description, &j.CustomInstructions, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (db *DB) GetJob(ctx context.Context, idOrExternalID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id::text = $1 OR external_id = $1 LIMIT 1`
	return scanJob(db.connection.QueryRowContext(ctx, query, idOrExternalID))
}

func (db *DB) SaveJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	query := `INSERT INTO jobs (id, external_id, job_code, title, description, custom_instructions)
              VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
              ON CONFLICT (id) DO UPDATE
                SET external_id = EXCLUDED.external_id,
                    job_code = EXCLUDED.job_code,
                    title = EXCLUDED.title,
                    description = EXCLUDED.description,
                    custom_instructions = EXCLUDED.custom_instructions,
                    updated_at = now()
              RETURNING created_at, updated_at`
	return db.connection.QueryRowContext(ctx, query,
		job.ID, job.ExternalID, job.JobCode, job.Title, job.Description, job.CustomInstructions,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) UpdateJobBrief(ctx context.Context, jobID string, description, instructions *string) error {
	query := `UPDATE jobs
                 SET description = COALESCE($2, description),
                     custom_instructions = COALESCE($3, custom_instructions),
                     updated_at = now()
               WHERE id = $1`
	res, err := db.connection.ExecContext(ctx, query, jobID, description, instructions)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- applicants ----

const applicantColumns = `id, external_id, job_id, name, email, phone, location, status, created_at, updated_at`

func scanApplicant(row rowScanner) (*Applicant, error) {
	a := &Applicant{}
	err := row.Scan(&a.ID, &a.ExternalID, &a.JobID, &a.Name, &a.Email, &a.Phone, &a.Location, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (db *DB) GetApplicant(ctx context.Context, id string) (*Applicant, error) {
	query := `SELECT ` + applicantColumns + ` FROM applicants WHERE id = $1`
	return scanApplicant(db.connection.QueryRowContext(ctx, query, id))
}

func (db *DB) GetApplicantByExternalID(ctx context.Context, externalID string) (*Applicant, error) {
	query := `SELECT ` + applicantColumns + ` FROM applicants WHERE external_id = $1`
	return scanApplicant(db.connection.QueryRowContext(ctx, query, externalID))
}

// statusRankSQL orders statuses so the update below can keep the later one.
const statusRankSQL = `CASE %s WHEN 'imported' THEN 1 WHEN 'parsed' THEN 2 WHEN 'ranked' THEN 3
                       WHEN 'shortlisted' THEN 4 WHEN 'contacted' THEN 5 ELSE 0 END`

func (db *DB) UpsertApplicant(ctx context.Context, a *Applicant) (*Applicant, error) {
	status := a.Status
	if status == "" {
		status = StatusImported
	}
	query := fmt.Sprintf(`INSERT INTO applicants (id, external_id, job_id, name, email, phone, location, status)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
              ON CONFLICT (external_id) DO UPDATE
                SET name = EXCLUDED.name,
                    email = EXCLUDED.email,
                    phone = EXCLUDED.phone,
                    location = EXCLUDED.location,
                    status = CASE WHEN %s > %s THEN EXCLUDED.status ELSE applicants.status END,
                    updated_at = now()
              RETURNING `+applicantColumns,
		fmt.Sprintf(statusRankSQL, "EXCLUDED.status"), fmt.Sprintf(statusRankSQL, "applicants.status"))

	return scanApplicant(db.connection.QueryRowContext(ctx, query,
		uuid.NewString(), a.ExternalID, a.JobID, a.Name, a.Email, a.Phone, a.Location, status))
}

func (db *DB) AdvanceApplicantStatus(ctx context.Context, id string, status ApplicantStatus) error {
	query := fmt.Sprintf(`UPDATE applicants SET status = $2, updated_at = now()
               WHERE id = $1 AND %s > %s`,
		fmt.Sprintf(statusRankSQL, "$2::text"), fmt.Sprintf(statusRankSQL, "status"))
	_, err := db.connection.ExecContext(ctx, query, id, string(status))
	return err
}

func (db *DB) ListApplicants(ctx context.Context, jobID string, f ApplicantFilter) ([]*Applicant, error) {
	where := []string{"job_id = $1"}
	args := []any{jobID}
	if len(f.IDs) > 0 {
		args = append(args, pq.Array(f.IDs))
		where = append(where, fmt.Sprintf("id::text = ANY($%d)", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + applicantColumns + ` FROM applicants WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at`

	rows, err := db.connection.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Applicant
	for rows.Next() {
		a, err := scanApplicant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- submissions ----

const submissionColumns = `s.id, COALESCE(s.external_id, ''), s.job_id, s.applicant_id, s.applicant_external_id, s.resume_url,
       s.modified, s.submitted_on, s.source, s.pipeline_status, s.submission_status, s.created_at, s.updated_at`

func scanSubmission(row rowScanner, extra ...any) (*Submission, error) {
	s := &Submission{}
	dest := []any{&s.ID, &s.ExternalID, &s.JobID, &s.ApplicantID, &s.ApplicantExternalID, &s.ResumeURL,
		&s.Modified, &s.SubmittedOn, &s.Source, &s.PipelineStatus, &s.SubmissionStatus, &s.CreatedAt, &s.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (db *DB) LatestSubmissionMark(ctx context.Context, jobID string) (string, error) {
	query := `SELECT modified, created_at FROM submissions WHERE job_id = $1
               ORDER BY NULLIF(modified, '') DESC NULLS LAST, created_at DESC LIMIT 1`
	var modified string
	var created time.Time
	err := db.connection.QueryRowContext(ctx, query, jobID).Scan(&modified, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if modified != "" {
		return modified, nil
	}
	return created.UTC().Format(ModifiedLayout), nil
}

func (db *DB) GetSubmissionByExternalID(ctx context.Context, externalID string) (*Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions s WHERE s.external_id = $1`
	return scanSubmission(db.connection.QueryRowContext(ctx, query, externalID))
}

// UpsertSubmission tries the external id first; when no row carries it the
// applicant-scoped row is updated (or created) instead.
func (db *DB) UpsertSubmission(ctx context.Context, s *Submission) error {
	tx, err := db.connection.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	set := `job_id = $2, applicant_id = $3, applicant_external_id = $4, resume_url = $5, modified = $6,
            submitted_on = $7, source = $8, pipeline_status = $9, submission_status = $10, updated_at = now()`
	args := []any{s.ExternalID, s.JobID, s.ApplicantID, s.ApplicantExternalID, s.ResumeURL, s.Modified,
		s.SubmittedOn, s.Source, s.PipelineStatus, s.SubmissionStatus}

	var id string
	if s.ExternalID != "" {
		err = tx.QueryRowContext(ctx, `UPDATE submissions SET `+set+` WHERE external_id = $1 RETURNING id`, args...).Scan(&id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update submission by external id: %w", err)
		}
	}
	if id == "" {
		query := `INSERT INTO submissions (id, external_id, job_id, applicant_id, applicant_external_id, resume_url,
                         modified, submitted_on, source, pipeline_status, submission_status)
                  VALUES ($11, NULLIF($1, ''), $2, $3, $4, $5, $6, $7, $8, $9, $10)
                  ON CONFLICT (applicant_id) DO UPDATE
                    SET external_id = COALESCE(EXCLUDED.external_id, submissions.external_id), ` + set + `
                  RETURNING id`
		if err := tx.QueryRowContext(ctx, query, append(args, uuid.NewString())...).Scan(&id); err != nil {
			return fmt.Errorf("upsert submission by applicant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.ID = id
	return nil
}

func (db *DB) ListBacklogSubmissions(ctx context.Context, jobID string) ([]BacklogSubmission, error) {
	query := `SELECT ` + submissionColumns + `, a.name, a.external_id
                FROM submissions s
                JOIN applicants a ON a.id = s.applicant_id
                LEFT JOIN parsed_profiles p ON p.applicant_id = s.applicant_id
               WHERE s.job_id = $1 AND p.applicant_id IS NULL
               ORDER BY s.created_at`
	rows, err := db.connection.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BacklogSubmission
	for rows.Next() {
		var name, applicantExt string
		s, err := scanSubmission(rows, &name, &applicantExt)
		if err != nil {
			return nil, err
		}
		out = append(out, BacklogSubmission{Submission: *s, ApplicantName: name, ApplicantKey: applicantExt})
	}
	return out, rows.Err()
}

// ---- parsed profiles, resumes ----

const profileColumns = `applicant_id, data, skills, titles, location, total_exp_months, parsed_at`

func scanProfile(row rowScanner) (*ParsedProfile, error) {
	p := &ParsedProfile{}
	var data []byte
	err := row.Scan(&p.ApplicantID, &data, pq.Array(&p.Skills), pq.Array(&p.Titles), &p.Location, &p.TotalExpMonths, &p.ParsedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.Data = json.RawMessage(data)
	return p, nil
}

func (db *DB) GetParsedProfile(ctx context.Context, applicantID string) (*ParsedProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM parsed_profiles WHERE applicant_id = $1`
	return scanProfile(db.connection.QueryRowContext(ctx, query, applicantID))
}

func (db *DB) HasParsedProfile(ctx context.Context, applicantID string) (bool, error) {
	var ok bool
	err := db.connection.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM parsed_profiles WHERE applicant_id = $1)`, applicantID).Scan(&ok)
	return ok, err
}

func (db *DB) UpsertParsedProfile(ctx context.Context, p *ParsedProfile) error {
	query := `INSERT INTO parsed_profiles (applicant_id, data, skills, titles, location, total_exp_months)
              VALUES ($1, $2, $3, $4, $5, $6)
              ON CONFLICT (applicant_id) DO UPDATE
                SET data = EXCLUDED.data,
                    skills = EXCLUDED.skills,
                    titles = EXCLUDED.titles,
                    location = EXCLUDED.location,
                    total_exp_months = EXCLUDED.total_exp_months,
                    parsed_at = now()`
	data := []byte(p.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := db.connection.ExecContext(ctx, query,
		p.ApplicantID, data, pq.Array(nonNil(p.Skills)), pq.Array(nonNil(p.Titles)), p.Location, p.TotalExpMonths)
	return err
}

func (db *DB) ListProfilesWithoutEmbedding(ctx context.Context, namespace string, limit int) ([]*ParsedProfile, error) {
	query := `SELECT p.applicant_id, p.data, p.skills, p.titles, p.location, p.total_exp_months, p.parsed_at
                FROM parsed_profiles p
                LEFT JOIN embeddings e ON e.namespace = $1 AND e.ref_id = p.applicant_id::text
               WHERE e.ref_id IS NULL
               ORDER BY p.parsed_at
               LIMIT $2`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.connection.QueryContext(ctx, query, namespace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ParsedProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) HasResume(ctx context.Context, applicantID string) (bool, error) {
	var ok bool
	err := db.connection.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM resumes WHERE applicant_id = $1)`, applicantID).Scan(&ok)
	return ok, err
}

func (db *DB) SaveResume(ctx context.Context, r *Resume) error {
	query := `INSERT INTO resumes (applicant_id, storage_key, mime_type, size_bytes)
              VALUES ($1, $2, $3, $4)
              ON CONFLICT (applicant_id) DO UPDATE
                SET storage_key = EXCLUDED.storage_key,
                    mime_type = EXCLUDED.mime_type,
                    size_bytes = EXCLUDED.size_bytes`
	_, err := db.connection.ExecContext(ctx, query, r.ApplicantID, r.StorageKey, r.MimeType, r.SizeBytes)
	return err
}

// ---- rankings, embeddings ----

func (db *DB) UpsertRanking(ctx context.Context, r *Ranking) error {
	query := `INSERT INTO rankings (id, job_id, applicant_id, score, explanation, rubric)
              VALUES ($1, $2, $3, $4, $5, $6)
              ON CONFLICT (job_id, applicant_id) DO UPDATE
                SET score = EXCLUDED.score,
                    explanation = EXCLUDED.explanation,
                    rubric = EXCLUDED.rubric,
                    updated_at = now()
              RETURNING id`
	var rubric any
	if len(r.Rubric) > 0 {
		rubric = []byte(r.Rubric)
	}
	return db.connection.QueryRowContext(ctx, query,
		uuid.NewString(), r.JobID, r.ApplicantID, r.Score, r.Explanation, rubric).Scan(&r.ID)
}

func (db *DB) ListRankings(ctx context.Context, jobID string) ([]RankedApplicant, error) {
	query := `SELECT r.id, r.job_id, r.applicant_id, r.score, r.explanation, COALESCE(r.rubric, 'null'::jsonb),
                     r.created_at, r.updated_at, a.name, a.email, a.phone, a.location
                FROM rankings r
                JOIN applicants a ON a.id = r.applicant_id
               WHERE r.job_id = $1
               ORDER BY r.score DESC, a.name`
	rows, err := db.connection.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RankedApplicant
	for rows.Next() {
		var ra RankedApplicant
		var rubric []byte
		if err := rows.Scan(&ra.ID, &ra.JobID, &ra.ApplicantID, &ra.Score, &ra.Explanation, &rubric,
			&ra.CreatedAt, &ra.UpdatedAt, &ra.Name, &ra.Email, &ra.Phone, &ra.Location); err != nil {
			return nil, err
		}
		if string(rubric) != "null" {
			ra.Rubric = json.RawMessage(rubric)
		}
		out = append(out, ra)
	}
	return out, rows.Err()
}

func (db *DB) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	query := `INSERT INTO embeddings (namespace, ref_id, model, vector)
              VALUES ($1, $2, $3, $4)
              ON CONFLICT (namespace, ref_id) DO UPDATE
                SET model = EXCLUDED.model,
                    vector = EXCLUDED.vector,
                    created_at = now()`
	_, err := db.connection.ExecContext(ctx, query, e.Namespace, e.RefID, e.Model, pgvector.NewVector(e.Vector))
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*DB)(nil)
