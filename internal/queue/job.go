package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State is the lifecycle state of a job record.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of work in a named queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"` // starts at 1
	MaxAttempts int             `json:"max_attempts"`
	State       State           `json:"state"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// FinalAttempt reports whether a failure of this execution is terminal.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handler processes a single job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// Options is the per-queue retry and concurrency policy.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration // base delay; attempt n waits Backoff * 2^(n-1)
	Concurrency int
	Timeout     time.Duration // per-execution deadline, 0 = none
}

// Delay returns the backoff before retrying after the given failed attempt.
func (o Options) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return o.Backoff * time.Duration(1<<uint(attempt-1))
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	return o
}

// Stats reports the number of jobs per state in one queue.
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
}

// Store persists job records. Implementations must make Claim atomic so
// that one waiting job is handed to exactly one worker.
type Store interface {
	// Insert adds a job. Inserting an ID that already exists is a no-op.
	Insert(ctx context.Context, job *Job) error
	// Claim moves the oldest due waiting job of a queue to active.
	// Returns nil, nil when nothing is due.
	Claim(ctx context.Context, queue string, now time.Time) (*Job, error)

	// Complete, Retry and Fail record the outcome of the execution that
	// claimed the job at attempt. They return ErrClaimLost when the job is
	// no longer active at that attempt, e.g. after a stale requeue.
	Complete(ctx context.Context, id string, attempt int, at time.Time) error
	// Retry returns an active job to waiting with attempt+1.
	Retry(ctx context.Context, id string, attempt int, runAt time.Time, errMsg string) error
	Fail(ctx context.Context, id string, attempt int, at time.Time, errMsg string) error
	// RequeueStale recovers jobs left active since before the cutoff,
	// retrying those with attempts left and failing the rest.
	RequeueStale(ctx context.Context, queue string, activeBefore, now time.Time) (int, error)
	Counts(ctx context.Context, queue string) (Stats, error)
	// Purge deletes completed and failed jobs finished before the cutoff.
	Purge(ctx context.Context, queue string, finishedBefore time.Time) (int64, error)
}

var (
	ErrClosed            = errors.New("queue: closed")
	ErrUnknownQueue      = errors.New("queue: unknown queue")
	ErrHandlerRegistered = errors.New("queue: handler already registered")
	ErrClaimLost         = errors.New("queue: job no longer held by this execution")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. The job fails terminally
// regardless of the attempts left.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
