package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const runColumns = `id, job_id, job_code, parsing_mode, status, total_submissions, processed_count, error_count,
       skipped_count, upload_count, parsed_count, embedding_count, total_cost, parsing_cost, llm_cost,
       embedding_cost, errors, successful_applicants, failed_applicants, started_at, updated_at,
       completed_at, COALESCE(duration_ms, 0)`

func scanRun(row rowScanner) (*ProcessingJob, error) {
	r := &ProcessingJob{}
	var completed sql.NullTime
	err := row.Scan(&r.ID, &r.JobID, &r.JobCode, &r.ParsingMode, &r.Status, &r.TotalSubmissions,
		&r.ProcessedCount, &r.ErrorCount, &r.SkippedCount, &r.UploadCount, &r.ParsedCount, &r.EmbeddingCount,
		&r.TotalCost, &r.ParsingCost, &r.LLMCost, &r.EmbeddingCost,
		pq.Array(&r.Errors), pq.Array(&r.Successful), pq.Array(&r.Failed),
		&r.StartedAt, &r.UpdatedAt, &completed, &r.DurationMs)
	if err != nil {
		return nil, notFound(err)
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// ClaimRun locks any running row for the job, fails it if stale, and
// inserts the new run. The partial unique index on running rows turns a
// lost race into a conflict instead of a second running run.
func (db *DB) ClaimRun(ctx context.Context, run *ProcessingJob, stale func(*ProcessingJob) bool) (*ClaimResult, error) {
	tx, err := db.connection.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &ClaimResult{}
	existing, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM processing_jobs WHERE job_id = $1 AND status = 'running' FOR UPDATE`, run.JobID))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("lookup running run: %w", err)
	case stale == nil || !stale(existing):
		res.Conflict = existing
		return res, nil
	default:
		now := time.Now()
		_, err := tx.ExecContext(ctx, `UPDATE processing_jobs
                SET status = 'failed', completed_at = $2, duration_ms = $3, updated_at = $2
              WHERE id = $1`, existing.ID, now, now.Sub(existing.StartedAt).Milliseconds())
		if err != nil {
			return nil, fmt.Errorf("release stale run: %w", err)
		}
		existing.Status = RunFailed
		existing.CompletedAt = &now
		res.Released = existing
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	created, err := scanRun(tx.QueryRowContext(ctx, `INSERT INTO processing_jobs
                (id, job_id, job_code, parsing_mode, status, total_submissions, started_at, updated_at)
              VALUES ($1, $2, $3, $4, 'running', $5, $6, $6)
              RETURNING `+runColumns,
		run.ID, run.JobID, run.JobCode, run.ParsingMode, run.TotalSubmissions, run.StartedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			tx.Rollback()
			winner, lookupErr := db.GetRunningRun(ctx, run.JobID)
			if lookupErr != nil {
				return nil, fmt.Errorf("claim lost and winner lookup failed: %w", lookupErr)
			}
			return &ClaimResult{Conflict: winner}, nil
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	res.Created = created
	return res, nil
}

func (db *DB) GetRun(ctx context.Context, id string) (*ProcessingJob, error) {
	return scanRun(db.connection.QueryRowContext(ctx, `SELECT `+runColumns+` FROM processing_jobs WHERE id = $1`, id))
}

func (db *DB) GetRunningRun(ctx context.Context, jobID string) (*ProcessingJob, error) {
	return scanRun(db.connection.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM processing_jobs WHERE job_id = $1 AND status = 'running'`, jobID))
}

func (db *DB) ListRuns(ctx context.Context, jobID string, limit, offset int) ([]*ProcessingJob, error) {
	// LIMIT NULL means no limit.
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := db.connection.QueryContext(ctx, `SELECT `+runColumns+` FROM processing_jobs
               WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, jobID, lim, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProcessingJob
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyCounters increments and appends in a single UPDATE so concurrent
// writers never lose each other's deltas.
func (db *DB) ApplyCounters(ctx context.Context, runID string, d CounterDelta) error {
	query := `UPDATE processing_jobs
                 SET processed_count = processed_count + $2,
                     error_count = error_count + $3,
                     skipped_count = skipped_count + $4,
                     upload_count = upload_count + $5,
                     parsed_count = parsed_count + $6,
                     embedding_count = embedding_count + $7,
                     total_cost = total_cost + $8,
                     parsing_cost = parsing_cost + $9,
                     llm_cost = llm_cost + $10,
                     embedding_cost = embedding_cost + $11,
                     errors = errors || $12::text[],
                     successful_applicants = successful_applicants || $13::text[],
                     failed_applicants = failed_applicants || $14::text[],
                     updated_at = now()
               WHERE id = $1`
	res, err := db.connection.ExecContext(ctx, query, runID,
		d.Processed, d.Errors, d.Skipped, d.Uploads, d.Parsed, d.Embeddings,
		d.TotalCost, d.ParsingCost, d.LLMCost, d.EmbeddingCost,
		pq.Array(nonNil(d.ErrorMessages)), pq.Array(nonNil(d.Successful)), pq.Array(nonNil(d.Failed)))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time) (*ProcessingJob, error) {
	return scanRun(db.connection.QueryRowContext(ctx, `UPDATE processing_jobs
                SET status = $2, completed_at = $3,
                    duration_ms = (EXTRACT(EPOCH FROM ($3 - started_at)) * 1000)::bigint,
                    updated_at = $3
              WHERE id = $1
              RETURNING `+runColumns, runID, string(status), finishedAt))
}

func (db *DB) AppendLog(ctx context.Context, l *ProcessingLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	var details any
	if len(l.Details) > 0 {
		b, err := json.Marshal(l.Details)
		if err != nil {
			return fmt.Errorf("encode log details: %w", err)
		}
		details = b
	}
	_, err := db.connection.ExecContext(ctx, `INSERT INTO processing_logs
                (id, processing_job_id, level, message, applicant_id, applicant_name, details, ts)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.ProcessingJobID, string(l.Level), l.Message, l.ApplicantID, l.ApplicantName, details, l.Timestamp)
	return err
}

func (db *DB) ListLogs(ctx context.Context, q LogQuery) ([]*ProcessingLog, error) {
	var where []string
	var args []any
	if q.ProcessingJobID != "" {
		args = append(args, q.ProcessingJobID)
		where = append(where, fmt.Sprintf("l.processing_job_id = $%d", len(args)))
	}
	if q.JobID != "" {
		args = append(args, q.JobID)
		where = append(where, fmt.Sprintf("j.job_id = $%d", len(args)))
	}
	if q.Level != "" {
		args = append(args, string(q.Level))
		where = append(where, fmt.Sprintf("l.level = $%d", len(args)))
	}
	if q.WithApplicant {
		where = append(where, "l.applicant_name <> ''")
	}
	query := `SELECT l.id, l.processing_job_id, l.level, l.message, l.applicant_id, l.applicant_name,
                     COALESCE(l.details, 'null'::jsonb), l.ts
                FROM processing_logs l
                JOIN processing_jobs j ON j.id = l.processing_job_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY l.ts DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.connection.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProcessingLog
	for rows.Next() {
		l := &ProcessingLog{}
		var details []byte
		if err := rows.Scan(&l.ID, &l.ProcessingJobID, &l.Level, &l.Message, &l.ApplicantID, &l.ApplicantName, &details, &l.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 && string(details) != "null" {
			_ = json.Unmarshal(details, &l.Details)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
