package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
	"github.com/cuongbtq/paper-loom/shared/database"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ocr_jobs (
	job_id            TEXT PRIMARY KEY,
	original_filename TEXT NOT NULL,
	file_size_bytes   BIGINT NOT NULL,
	uploaded_at       BIGINT NOT NULL,
	status            TEXT NOT NULL,
	progress          INTEGER NOT NULL DEFAULT 0,
	current_step      TEXT NOT NULL DEFAULT '',
	started_at        BIGINT,
	completed_at      BIGINT,
	elapsed_seconds   DOUBLE PRECISION,
	error_message     TEXT,
	stats             TEXT,
	mineru_success    BOOLEAN NOT NULL DEFAULT FALSE,
	fallback_used     BOOLEAN NOT NULL DEFAULT FALSE,
	backend           TEXT NOT NULL DEFAULT '',
	device            TEXT NOT NULL DEFAULT ''
)`

const indexSQL = `CREATE INDEX IF NOT EXISTS idx_ocr_jobs_uploaded_at ON ocr_jobs (uploaded_at, job_id)`

const selectColumns = `
	job_id, original_filename, file_size_bytes, uploaded_at, status, progress,
	current_step, started_at, completed_at, elapsed_seconds, error_message, stats,
	mineru_success, fallback_used, backend, device`

// jobRow is the ocr_jobs row; timestamps are unix microseconds
type jobRow struct {
	JobID            string          `db:"job_id"`
	OriginalFilename string          `db:"original_filename"`
	FileSizeBytes    int64           `db:"file_size_bytes"`
	UploadedAt       int64           `db:"uploaded_at"`
	Status           string          `db:"status"`
	Progress         int             `db:"progress"`
	CurrentStep      string          `db:"current_step"`
	StartedAt        sql.NullInt64   `db:"started_at"`
	CompletedAt      sql.NullInt64   `db:"completed_at"`
	ElapsedSeconds   sql.NullFloat64 `db:"elapsed_seconds"`
	ErrorMessage     sql.NullString  `db:"error_message"`
	Stats            sql.NullString  `db:"stats"`
	MineruSuccess    bool            `db:"mineru_success"`
	FallbackUsed     bool            `db:"fallback_used"`
	Backend          string          `db:"backend"`
	Device           string          `db:"device"`
}

func toRow(job *domain.Job) (*jobRow, error) {
	row := &jobRow{
		JobID:            job.JobID,
		OriginalFilename: job.OriginalFilename,
		FileSizeBytes:    job.FileSizeBytes,
		UploadedAt:       job.UploadedAt.UnixMicro(),
		Status:           job.Status,
		Progress:         job.Progress,
		CurrentStep:      job.CurrentStep,
		MineruSuccess:    job.MineruSuccess,
		FallbackUsed:     job.FallbackUsed,
		Backend:          job.Backend,
		Device:           job.Device,
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullInt64{Int64: job.StartedAt.UnixMicro(), Valid: true}
	}
	if job.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: job.CompletedAt.UnixMicro(), Valid: true}
	}
	if job.ElapsedSeconds != nil {
		row.ElapsedSeconds = sql.NullFloat64{Float64: *job.ElapsedSeconds, Valid: true}
	}
	if job.ErrorMessage != nil {
		row.ErrorMessage = sql.NullString{String: *job.ErrorMessage, Valid: true}
	}
	if job.Stats != nil {
		b, err := json.Marshal(job.Stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		row.Stats = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

func (r *jobRow) toJob() (*domain.Job, error) {
	job := &domain.Job{
		JobID:            r.JobID,
		OriginalFilename: r.OriginalFilename,
		FileSizeBytes:    r.FileSizeBytes,
		UploadedAt:       time.UnixMicro(r.UploadedAt).UTC(),
		Status:           r.Status,
		Progress:         r.Progress,
		CurrentStep:      r.CurrentStep,
		MineruSuccess:    r.MineruSuccess,
		FallbackUsed:     r.FallbackUsed,
		Backend:          r.Backend,
		Device:           r.Device,
	}
	if r.StartedAt.Valid {
		t := time.UnixMicro(r.StartedAt.Int64).UTC()
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := time.UnixMicro(r.CompletedAt.Int64).UTC()
		job.CompletedAt = &t
	}
	if r.ElapsedSeconds.Valid {
		v := r.ElapsedSeconds.Float64
		job.ElapsedSeconds = &v
	}
	if r.ErrorMessage.Valid {
		v := r.ErrorMessage.String
		job.ErrorMessage = &v
	}
	if r.Stats.Valid {
		var stats domain.Stats
		if err := json.Unmarshal([]byte(r.Stats.String), &stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
		job.Stats = &stats
	}
	return job, nil
}

// SQLStore persists jobs in the ocr_jobs table (postgres or sqlite)
type SQLStore struct {
	db     *sqlx.DB
	locks  *keyedMutex
	logger *slog.Logger
}

// NewSQLStore creates the schema if needed and returns the store
func NewSQLStore(ctx context.Context, client *database.Client, logger *slog.Logger) (*SQLStore, error) {
	s := &SQLStore{
		db:     client.GetDB(),
		locks:  newKeyedMutex(),
		logger: logger,
	}

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create ocr_jobs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
		return nil, fmt.Errorf("failed to create ocr_jobs index: %w", err)
	}

	return s, nil
}

func (s *SQLStore) Create(ctx context.Context, meta domain.JobMetadata) (*domain.Job, error) {
	job := domain.NewJob(uuid.NewString(), meta)
	// keep the in-memory copy identical to what a later read returns
	job.UploadedAt = job.UploadedAt.Truncate(time.Microsecond)

	row, err := toRow(job)
	if err != nil {
		return nil, err
	}

	query := s.db.Rebind(`INSERT INTO ocr_jobs (` + selectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		row.JobID, row.OriginalFilename, row.FileSizeBytes, row.UploadedAt, row.Status, row.Progress,
		row.CurrentStep, row.StartedAt, row.CompletedAt, row.ElapsedSeconds, row.ErrorMessage, row.Stats,
		row.MineruSuccess, row.FallbackUsed, row.Backend, row.Device,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job record created", slog.String("job_id", job.JobID))
	return job, nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.get(ctx, s.db, jobID, false)
}

func (s *SQLStore) get(ctx context.Context, q sqlx.QueryerContext, jobID string, forUpdate bool) (*domain.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM ocr_jobs WHERE job_id = ?`
	if forUpdate && s.db.DriverName() == database.DriverPostgres {
		query += ` FOR UPDATE`
	}

	var row jobRow
	if err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(query), jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob()
}

func (s *SQLStore) Update(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, jobID, true)
	if err != nil {
		return nil, err
	}

	next, err := current.Apply(update)
	if err != nil {
		return nil, err
	}

	row, err := toRow(next)
	if err != nil {
		return nil, err
	}

	query := s.db.Rebind(`
		UPDATE ocr_jobs
		SET status = ?,
			progress = ?,
			current_step = ?,
			started_at = ?,
			completed_at = ?,
			elapsed_seconds = ?,
			error_message = ?,
			stats = ?,
			mineru_success = ?,
			fallback_used = ?,
			backend = ?,
			device = ?
		WHERE job_id = ?
	`)

	_, err = tx.ExecContext(ctx, query,
		row.Status, row.Progress, row.CurrentStep, row.StartedAt, row.CompletedAt, row.ElapsedSeconds,
		row.ErrorMessage, row.Stats, row.MineruSuccess, row.FallbackUsed, row.Backend, row.Device,
		row.JobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}

	// return what a later Get would see, including timestamp precision
	return row.toJob()
}

func (s *SQLStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM ocr_jobs WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*domain.Job, error) {
	var rows []jobRow
	query := `SELECT ` + selectColumns + ` FROM ocr_jobs ORDER BY uploaded_at ASC, job_id ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close is a no-op; the database client is owned by the caller
func (s *SQLStore) Close() error {
	return nil
}
