package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/story-pipeline/internal/queue"
)

// JobStore persists queue jobs in pipeline_jobs. Claim uses
// FOR UPDATE SKIP LOCKED so any number of processes can share a queue.
type JobStore struct {
	pool *pgxpool.Pool
}

var _ queue.Store = (*JobStore)(nil)

func (db *DB) Jobs() *JobStore {
	return &JobStore{pool: db.Pool}
}

const jobColumns = `id, queue, payload, attempt, max_attempts, state, run_at,
	COALESCE(last_error, ''), created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var j queue.Job
	var state string
	var payload []byte
	err := row.Scan(
		&j.ID, &j.Queue, &payload, &j.Attempt, &j.MaxAttempts, &state, &j.RunAt,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = queue.State(state)
	j.Payload = payload
	return &j, nil
}

func (s *JobStore) Insert(ctx context.Context, job *queue.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_jobs (id, queue, payload, attempt, max_attempts, state, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Queue, []byte(job.Payload), job.Attempt, job.MaxAttempts,
		string(job.State), job.RunAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Claim(ctx context.Context, queueName string, now time.Time) (*queue.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE pipeline_jobs
		SET state = 'active', locked_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM pipeline_jobs
			WHERE queue = $1 AND state = 'waiting' AND run_at <= $2
			ORDER BY run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, queueName, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", queueName, err)
	}
	return job, nil
}

// Complete, Retry and Fail only match the row while it is still active at
// the attempt the caller claimed.
func (s *JobStore) Complete(ctx context.Context, id string, attempt int, at time.Time) error {
	return s.exec(ctx, id, attempt, `
		UPDATE pipeline_jobs
		SET state = 'completed', locked_at = NULL, finished_at = $3, updated_at = $3
		WHERE id = $1 AND state = 'active' AND attempt = $2
	`, id, attempt, at)
}

func (s *JobStore) Retry(ctx context.Context, id string, attempt int, runAt time.Time, errMsg string) error {
	return s.exec(ctx, id, attempt, `
		UPDATE pipeline_jobs
		SET state = 'waiting', attempt = attempt + 1, run_at = $3, last_error = $4,
			locked_at = NULL, updated_at = now()
		WHERE id = $1 AND state = 'active' AND attempt = $2
	`, id, attempt, runAt, errMsg)
}

func (s *JobStore) Fail(ctx context.Context, id string, attempt int, at time.Time, errMsg string) error {
	return s.exec(ctx, id, attempt, `
		UPDATE pipeline_jobs
		SET state = 'failed', last_error = $4, locked_at = NULL, finished_at = $3, updated_at = $3
		WHERE id = $1 AND state = 'active' AND attempt = $2
	`, id, attempt, at, errMsg)
}

func (s *JobStore) exec(ctx context.Context, id string, attempt int, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s attempt %d", queue.ErrClaimLost, id, attempt)
	}
	return nil
}

// RequeueStale treats jobs still active since before activeBefore as a
// failed attempt of a crashed worker.
func (s *JobStore) RequeueStale(ctx context.Context, queueName string, activeBefore, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET state = CASE WHEN attempt >= max_attempts THEN 'failed' ELSE 'waiting' END,
			attempt = CASE WHEN attempt >= max_attempts THEN attempt ELSE attempt + 1 END,
			finished_at = CASE WHEN attempt >= max_attempts THEN $3 ELSE NULL END,
			run_at = $3,
			last_error = 'execution abandoned',
			locked_at = NULL,
			updated_at = $3
		WHERE queue = $1 AND state = 'active' AND locked_at < $2
	`, queueName, activeBefore, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale %s: %w", queueName, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) Counts(ctx context.Context, queueName string) (queue.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, count(*) FROM pipeline_jobs WHERE queue = $1 GROUP BY state
	`, queueName)
	if err != nil {
		return queue.Stats{}, err
	}
	defer rows.Close()

	var st queue.Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return queue.Stats{}, err
		}
		addCount(&st, queue.State(state), n)
	}
	return st, rows.Err()
}

func addCount(st *queue.Stats, state queue.State, n int) {
	switch state {
	case queue.StateWaiting:
		st.Waiting += n
	case queue.StateActive:
		st.Active += n
	case queue.StateCompleted:
		st.Completed += n
	case queue.StateFailed:
		st.Failed += n
	}
}

func (s *JobStore) Purge(ctx context.Context, queueName string, finishedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pipeline_jobs
		WHERE queue = $1 AND state IN ('completed', 'failed') AND finished_at < $2
	`, queueName, finishedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
