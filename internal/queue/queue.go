package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/metrics"
)

// Config configures a Queue.
type Config struct {
	PollInterval time.Duration // how often idle workers look for due jobs
	// StaleGrace is added to a queue's Timeout before an active job is
	// considered abandoned by a crashed process and redelivered.
	StaleGrace      time.Duration
	JanitorInterval time.Duration
	Log             zerolog.Logger
}

type queueDef struct {
	name    string
	opts    Options
	handler Handler
	paused  atomic.Bool
	wake    chan struct{}
}

// Queue runs named job queues on top of a Store. Each queue has one
// handler and a bounded pool of workers. Delivery is at-least-once.
type Queue struct {
	store Store
	cfg   Config
	log   zerolog.Logger

	mu      sync.RWMutex
	defs    map[string]*queueDef
	started bool
	closed  atomic.Bool

	stop      chan struct{}
	stopOnce  sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup
}

// New creates a Queue backed by store. Call Define for each queue, then
// OnJob, then Start.
func New(store Store, cfg Config) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:     store,
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "queue").Logger(),
		defs:      make(map[string]*queueDef),
		stop:      make(chan struct{}),
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// Define declares a queue with its retry and concurrency policy.
func (q *Queue) Define(name string, opts Options) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue %q: define after start", name)
	}
	if _, ok := q.defs[name]; ok {
		return fmt.Errorf("queue %q: already defined", name)
	}
	q.defs[name] = &queueDef{
		name: name,
		opts: opts.withDefaults(),
		wake: make(chan struct{}, 1),
	}
	return nil
}

// OnJob registers the single consumer of a queue.
func (q *Queue) OnJob(name string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	if d.handler != nil {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, name)
	}
	d.handler = h
	return nil
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay time.Duration
	jobID string
}

// WithDelay postpones the first execution.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithJobID sets the job id. Enqueuing an id that already exists is a no-op,
// which lets callers dedupe work keyed by an entity id.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

// Enqueue stores a new waiting job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	d := q.def(name)
	if d == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	var eo enqueueOptions
	for _, o := range opts {
		o(&eo)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := eo.jobID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	job := &Job{
		ID:          id,
		Queue:       name,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: d.opts.MaxAttempts,
		State:       StateWaiting,
		RunAt:       now.Add(eo.delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(name).Inc()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Start launches the worker pools and the janitor.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	for _, d := range q.defs {
		if d.handler == nil {
			q.log.Warn().Str("queue", d.name).Msg("no handler registered, jobs will accumulate")
			continue
		}
		for i := 0; i < d.opts.Concurrency; i++ {
			q.workers.Add(1)
			go q.worker(d, i)
		}
		q.log.Info().
			Str("queue", d.name).
			Int("workers", d.opts.Concurrency).
			Int("max_attempts", d.opts.MaxAttempts).
			Dur("backoff", d.opts.Backoff).
			Msg("queue started")
	}

	q.workers.Add(1)
	go q.janitor()
}

// Stats returns job counts for a queue.
func (q *Queue) Stats(ctx context.Context, name string) (Stats, error) {
	d := q.def(name)
	if d == nil {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	st, err := q.store.Counts(ctx, name)
	if err != nil {
		return Stats{}, err
	}
	st.Paused = d.paused.Load()
	return st, nil
}

// Names returns the defined queue names in sorted order.
func (q *Queue) Names() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, len(q.defs))
	for name := range q.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pause stops workers of a queue from claiming new jobs. In-flight jobs finish.
func (q *Queue) Pause(name string) error {
	d := q.def(name)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	d.paused.Store(true)
	return nil
}

// Resume re-enables claiming on a paused queue.
func (q *Queue) Resume(name string) error {
	d := q.def(name)
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	d.paused.Store(false)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cleanup deletes completed and failed jobs that finished more than
// retention ago, across all queues.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var total int64
	for _, name := range q.Names() {
		n, err := q.store.Purge(ctx, name, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// DrainAndClose stops accepting jobs, lets in-flight jobs finish and
// releases the workers. If ctx expires first, in-flight handlers are
// cancelled and ctx's error is returned once they exit.
func (q *Queue) DrainAndClose(ctx context.Context) error {
	q.closed.Store(true)
	q.stopOnce.Do(func() { close(q.stop) })

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.runCancel()
		q.log.Info().Msg("queue drained")
		return nil
	case <-ctx.Done():
		q.runCancel()
		<-done
		q.log.Warn().Msg("queue drain timed out, in-flight jobs cancelled")
		return ctx.Err()
	}
}

func (q *Queue) def(name string) *queueDef {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.defs[name]
}

func (q *Queue) worker(d *queueDef, id int) {
	defer q.workers.Done()
	log := q.log.With().Str("queue", d.name).Int("worker", id).Logger()

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		if !d.paused.Load() {
			job, err := q.store.Claim(q.runCtx, d.name, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("claim failed")
			} else if job != nil {
				q.execute(log, d, job)
				continue
			}
		}

		select {
		case <-q.stop:
			return
		case <-d.wake:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) execute(log zerolog.Logger, d *queueDef, job *Job) {
	start := time.Now()
	jlog := log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	ctx, cancel := q.runCtx, context.CancelFunc(func() {})
	if d.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(q.runCtx, d.opts.Timeout)
	}
	err := invoke(ctx, d.handler, job)
	cancel()

	// Outcome is recorded even if the run context was cancelled by a forced close.
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	now := time.Now()
	elapsed := now.Sub(start)
	metrics.JobDuration.WithLabelValues(d.name).Observe(elapsed.Seconds())

	var outcome string
	var serr error
	switch {
	case err == nil:
		outcome = "completed"
		serr = q.store.Complete(sctx, job.ID, job.Attempt, now)
		jlog.Debug().Dur("elapsed", elapsed).Msg("job completed")
	case IsPermanent(err) || job.FinalAttempt():
		outcome = "failed"
		serr = q.store.Fail(sctx, job.ID, job.Attempt, now, err.Error())
		jlog.Error().Err(err).
			Bool("permanent", IsPermanent(err)).
			Int("max_attempts", job.MaxAttempts).
			Msg("job failed")
	default:
		outcome = "retried"
		delay := d.opts.Delay(job.Attempt)
		serr = q.store.Retry(sctx, job.ID, job.Attempt, now.Add(delay), err.Error())
		jlog.Warn().Err(err).Dur("retry_in", delay).Msg("job attempt failed, retrying")
	}
	switch {
	case errors.Is(serr, ErrClaimLost):
		// The janitor already redelivered or failed this attempt.
		jlog.Warn().Str("outcome", outcome).Msg("job ownership lost, outcome discarded")
	case serr != nil:
		metrics.JobsProcessedTotal.WithLabelValues(d.name, outcome).Inc()
		jlog.Error().Err(serr).Str("outcome", outcome).Msg("failed to record job outcome")
	default:
		metrics.JobsProcessedTotal.WithLabelValues(d.name, outcome).Inc()
	}
}

func invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) janitor() {
	defer q.workers.Done()
	ticker := time.NewTicker(q.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.requeueStale()
		}
	}
}

func (q *Queue) requeueStale() {
	ctx, cancel := context.WithTimeout(q.runCtx, 30*time.Second)
	defer cancel()
	now := time.Now()
	for _, name := range q.Names() {
		d := q.def(name)
		if d.opts.Timeout <= 0 {
			continue
		}
		n, err := q.store.RequeueStale(ctx, name, now.Add(-(d.opts.Timeout + q.cfg.StaleGrace)), now)
		if err != nil {
			q.log.Error().Err(err).Str("queue", name).Msg("requeue stale jobs failed")
			continue
		}
		if n > 0 {
			q.log.Warn().Str("queue", name).Int("jobs", n).Msg("recovered abandoned jobs")
		}
	}
}
