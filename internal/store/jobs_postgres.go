package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/suburbmates/quality-cli/internal/batch"
	"github.com/suburbmates/quality-cli/internal/db"
	"github.com/suburbmates/quality-cli/internal/model"
)

// PostgresJobStore implements batch.JobStore on the batch_jobs table. Jobs
// are stored as JSONB; Update locks the row for the duration of fn.
type PostgresJobStore struct {
	pool db.Pool
}

var _ batch.JobStore = (*PostgresJobStore)(nil)

// NewPostgresJobStore returns a job store sharing pool.
func NewPostgresJobStore(pool db.Pool) *PostgresJobStore {
	return &PostgresJobStore{pool: pool}
}

// Create implements batch.JobStore.
func (s *PostgresJobStore) Create(ctx context.Context, job *model.BatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, status, created_at, data) VALUES ($1, $2, $3, $4)`,
		job.ID, string(job.Status), job.CreatedAt.UTC(), data,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

// Get implements batch.JobStore.
func (s *PostgresJobStore) Get(ctx context.Context, id string) (*model.BatchJob, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM batch_jobs WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Resource: "job", ID: id}
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return decodeJob(data)
}

// Update implements batch.JobStore with SELECT ... FOR UPDATE.
func (s *PostgresJobStore) Update(ctx context.Context, id string, fn func(*model.BatchJob) error) (*model.BatchJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin job update")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM batch_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Resource: "job", ID: id}
		}
		return nil, eris.Wrapf(err, "postgres: lock job %s", id)
	}
	job, err := decodeJob(data)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	next, err := json.Marshal(job)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal job")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE batch_jobs SET status = $1, data = $2 WHERE id = $3`,
		string(job.Status), next, id,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: save job %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit job update")
	}
	return job, nil
}

// List implements batch.JobStore.
func (s *PostgresJobStore) List(ctx context.Context, f batch.ListFilter) ([]*model.BatchJob, error) {
	q := sq.Select("data").
		From("batch_jobs").
		OrderBy("created_at DESC", "id DESC").
		PlaceholderFormat(sq.Dollar)
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build job list query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	out := []*model.BatchJob{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// PurgeCompleted implements batch.JobStore.
func (s *PostgresJobStore) PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM batch_jobs WHERE status = $1 AND created_at < $2`,
		string(model.JobCompleted), cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge jobs")
	}
	return int(tag.RowsAffected()), nil
}

func decodeJob(data []byte) (*model.BatchJob, error) {
	var job model.BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job")
	}
	return &job, nil
}
