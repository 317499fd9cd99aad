// Package postgres implements the job repository on PostgreSQL. Schema
// changes ship as embedded migrations applied at startup.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations

	"github.com/clipforge/clipforge-api/internal/job"
	"github.com/clipforge/clipforge-api/internal/transcribe"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Repository is a PostgreSQL-backed job.Repository.
type Repository struct {
	pool *pgxpool.Pool
}

// Compile-time check that Repository implements job.Repository.
var _ job.Repository = (*Repository)(nil)

// New connects to the database, applies pending migrations, and returns
// the repository.
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// runMigrations applies the embedded migrations through database/sql.
func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SaveJob upserts a job snapshot.
func (r *Repository) SaveJob(ctx context.Context, j *job.Job) error {
	c := j.Clone()

	options, err := json.Marshal(c.Options)
	if err != nil {
		return fmt.Errorf("postgres: encode options: %w", err)
	}
	progress, err := json.Marshal(c.Progress)
	if err != nil {
		return fmt.Errorf("postgres: encode progress: %w", err)
	}
	var errInfo, results []byte
	if c.Error != nil {
		if errInfo, err = json.Marshal(c.Error); err != nil {
			return fmt.Errorf("postgres: encode error: %w", err)
		}
	}
	if c.Results != nil {
		if results, err = json.Marshal(c.Results); err != nil {
			return fmt.Errorf("postgres: encode results: %w", err)
		}
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, principal_id, type, input_blob_id, options, status, progress,
			error, results, attempts, worker_lease, lease_expires_at,
			created_at, updated_at, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			options = EXCLUDED.options,
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			error = EXCLUDED.error,
			results = EXCLUDED.results,
			attempts = EXCLUDED.attempts,
			worker_lease = EXCLUDED.worker_lease,
			lease_expires_at = EXCLUDED.lease_expires_at,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		c.ID, c.PrincipalID, string(c.Type), c.InputBlobID, options, string(c.Status), progress,
		nullableJSON(errInfo), nullableJSON(results), c.Attempts, c.WorkerLease, nullableTime(c.LeaseExpiresAt),
		c.CreatedAt, c.UpdatedAt, nullableTime(c.StartedAt), nullableTime(c.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: save job: %w", err)
	}
	return nil
}

const jobColumns = `id, principal_id, type, input_blob_id, options, status, progress,
	error, results, attempts, worker_lease, lease_expires_at,
	created_at, updated_at, started_at, finished_at`

// FindJob retrieves a job by ID.
func (r *Repository) FindJob(ctx context.Context, id string) (*job.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (r *Repository) ListJobs(ctx context.Context, filter job.ListFilter) ([]*job.Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.PrincipalID != "" {
		add("principal_id = $%d", filter.PrincipalID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at > $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at < $%d", filter.CreatedBefore)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteJob removes a job; artifacts and transcripts cascade.
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// SaveBlob inserts blob metadata or bumps the refcount of an existing digest.
func (r *Repository) SaveBlob(ctx context.Context, rec job.BlobRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO blobs (digest, size, content_type, owner_id, refcount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (digest) DO UPDATE SET refcount = blobs.refcount + 1`,
		rec.Digest, rec.Size, rec.ContentType, rec.OwnerID, rec.RefCount, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save blob: %w", err)
	}
	return nil
}

// FindBlob retrieves blob metadata by digest.
func (r *Repository) FindBlob(ctx context.Context, digest string) (job.BlobRecord, error) {
	var rec job.BlobRecord
	err := r.pool.QueryRow(ctx,
		`SELECT digest, size, content_type, owner_id, refcount, created_at FROM blobs WHERE digest = $1`,
		digest,
	).Scan(&rec.Digest, &rec.Size, &rec.ContentType, &rec.OwnerID, &rec.RefCount, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.BlobRecord{}, job.ErrBlobNotFound
	}
	if err != nil {
		return job.BlobRecord{}, fmt.Errorf("postgres: find blob: %w", err)
	}
	return rec, nil
}

// AddBlobRef increments a blob's reference count.
func (r *Repository) AddBlobRef(ctx context.Context, digest string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE blobs SET refcount = refcount + 1 WHERE digest = $1`, digest)
	if err != nil {
		return fmt.Errorf("postgres: add blob ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrBlobNotFound
	}
	return nil
}

// ReleaseBlob decrements a blob's reference count and returns the remainder.
func (r *Repository) ReleaseBlob(ctx context.Context, digest string) (int, error) {
	var remaining int
	err := r.pool.QueryRow(ctx,
		`UPDATE blobs SET refcount = GREATEST(refcount - 1, 0) WHERE digest = $1 RETURNING refcount`,
		digest,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, job.ErrBlobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: release blob: %w", err)
	}
	return remaining, nil
}

// SaveTranscript upserts a job's transcript.
func (r *Repository) SaveTranscript(ctx context.Context, jobID string, t transcribe.Transcript) error {
	content, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("postgres: encode transcript: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO transcripts (job_id, content) VALUES ($1,$2)
		ON CONFLICT (job_id) DO UPDATE SET content = EXCLUDED.content`,
		jobID, content,
	)
	if err != nil {
		return fmt.Errorf("postgres: save transcript: %w", err)
	}
	return nil
}

// FindTranscript retrieves a job's persisted transcript.
func (r *Repository) FindTranscript(ctx context.Context, jobID string) (transcribe.Transcript, error) {
	var content []byte
	err := r.pool.QueryRow(ctx, `SELECT content FROM transcripts WHERE job_id = $1`, jobID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return transcribe.Transcript{}, job.ErrTranscriptNotFound
	}
	if err != nil {
		return transcribe.Transcript{}, fmt.Errorf("postgres: find transcript: %w", err)
	}

	var t transcribe.Transcript
	if err := json.Unmarshal(content, &t); err != nil {
		return transcribe.Transcript{}, fmt.Errorf("postgres: decode transcript: %w", err)
	}
	return t, nil
}

// SaveArtifacts replaces a job's artifact set in one transaction.
func (r *Repository) SaveArtifacts(ctx context.Context, jobID string, artifacts []job.Artifact) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save artifacts: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("postgres: save artifacts: %w", err)
	}
	for _, a := range artifacts {
		_, err := tx.Exec(ctx, `
			INSERT INTO artifacts (
				id, job_id, ordinal, blob_id, duration, source_start, source_end,
				aspect_ratio, captions_added, viral_score, caption_track_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			a.ID, jobID, a.Ordinal, a.BlobID, a.Duration, a.SourceStart, a.SourceEnd,
			string(a.AspectRatio), a.CaptionsAdded, a.ViralScore, a.CaptionTrackID,
		)
		if err != nil {
			return fmt.Errorf("postgres: save artifacts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save artifacts: %w", err)
	}
	return nil
}

// ListArtifactsByJob returns a job's artifacts ordered by ordinal.
func (r *Repository) ListArtifactsByJob(ctx context.Context, jobID string) ([]job.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, ordinal, blob_id, duration, source_start, source_end,
			aspect_ratio, captions_added, viral_score, caption_track_id
		FROM artifacts WHERE job_id = $1 ORDER BY ordinal`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []job.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list artifacts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindArtifact retrieves a single artifact by ID.
func (r *Repository) FindArtifact(ctx context.Context, id string) (job.Artifact, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, job_id, ordinal, blob_id, duration, source_start, source_end,
			aspect_ratio, captions_added, viral_score, caption_track_id
		FROM artifacts WHERE id = $1`,
		id,
	)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Artifact{}, job.ErrArtifactNotFound
	}
	if err != nil {
		return job.Artifact{}, fmt.Errorf("postgres: find artifact: %w", err)
	}
	return a, nil
}

// scanJob reconstructs a job aggregate from one row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                 job.Job
		typ, status       string
		options, progress []byte
		errInfo, results  []byte
		leaseExpires      *time.Time
		started, finished *time.Time
	)

	err := row.Scan(
		&j.ID, &j.PrincipalID, &typ, &j.InputBlobID, &options, &status, &progress,
		&errInfo, &results, &j.Attempts, &j.WorkerLease, &leaseExpires,
		&j.CreatedAt, &j.UpdatedAt, &started, &finished,
	)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(typ)
	j.Status = job.Status(status)
	if err := json.Unmarshal(options, &j.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal(progress, &j.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if len(errInfo) > 0 {
		j.Error = &job.ErrorInfo{}
		if err := json.Unmarshal(errInfo, j.Error); err != nil {
			return nil, fmt.Errorf("decode error info: %w", err)
		}
	}
	if len(results) > 0 {
		j.Results = &job.Results{}
		if err := json.Unmarshal(results, j.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if leaseExpires != nil {
		j.LeaseExpiresAt = *leaseExpires
	}
	if started != nil {
		j.StartedAt = *started
	}
	if finished != nil {
		j.FinishedAt = *finished
	}
	return &j, nil
}

// scanArtifact reads one artifact row.
func scanArtifact(row pgx.Row) (job.Artifact, error) {
	var (
		a      job.Artifact
		aspect string
	)
	err := row.Scan(
		&a.ID, &a.JobID, &a.Ordinal, &a.BlobID, &a.Duration, &a.SourceStart, &a.SourceEnd,
		&aspect, &a.CaptionsAdded, &a.ViralScore, &a.CaptionTrackID,
	)
	if err != nil {
		return job.Artifact{}, err
	}
	a.AspectRatio = job.AspectRatio(aspect)
	return a, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullableJSON maps empty payloads to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
