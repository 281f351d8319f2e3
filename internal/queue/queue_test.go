package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testPayload struct {
	StoryID string `json:"storyId"`
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	q := New(store, Config{PollInterval: 5 * time.Millisecond, Log: zerolog.Nop()})
	if err := q.Define("audio", opts); err != nil {
		t.Fatalf("Define: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.DrainAndClose(ctx)
	})
	return q, store
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stats(t *testing.T, q *Queue, name string) Stats {
	t.Helper()
	st, err := q.Stats(context.Background(), name)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

func TestOptionsDelay(t *testing.T) {
	o := Options{Backoff: 2 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := o.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("blob missing")
	err := Permanent(base)
	if !IsPermanent(err) {
		t.Error("IsPermanent = false, want true")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent should unwrap to the original error")
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
}

func TestDefineAndRegister(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3})

	if err := q.Define("audio", Options{}); err == nil {
		t.Error("expected error defining a queue twice")
	}
	if err := q.OnJob("missing", func(context.Context, *Job) error { return nil }); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("OnJob unknown queue err = %v, want ErrUnknownQueue", err)
	}
	if err := q.OnJob("audio", func(context.Context, *Job) error { return nil }); err != nil {
		t.Fatalf("OnJob: %v", err)
	}
	if err := q.OnJob("audio", func(context.Context, *Job) error { return nil }); !errors.Is(err, ErrHandlerRegistered) {
		t.Errorf("second OnJob err = %v, want ErrHandlerRegistered", err)
	}
	if _, err := q.Enqueue(context.Background(), "missing", testPayload{}); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("Enqueue unknown queue err = %v, want ErrUnknownQueue", err)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	q, store := newTestQueue(t, Options{MaxAttempts: 3})

	id, err := q.Enqueue(context.Background(), "audio", testPayload{StoryID: "s1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, ok := store.Get(id)
	if !ok {
		t.Fatal("job not stored")
	}
	if job.Attempt != 1 || job.MaxAttempts != 3 || job.State != StateWaiting {
		t.Errorf("job = attempt %d/%d state %s, want 1/3 waiting", job.Attempt, job.MaxAttempts, job.State)
	}
	var p testPayload
	if err := job.Decode(&p); err != nil || p.StoryID != "s1" {
		t.Errorf("Decode = %+v, %v", p, err)
	}
	if st := stats(t, q, "audio"); st.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", st.Waiting)
	}
}

func TestEnqueueDedupeByJobID(t *testing.T) {
	q, store := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "audio", testPayload{StoryID: "s1"}, WithJobID("audio:s1")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if n := len(store.Jobs("audio")); n != 1 {
		t.Errorf("stored jobs = %d, want 1", n)
	}
}

func TestQueueCompletesJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	got := make(chan string, 1)
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		var p testPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		got <- p.StoryID
		return nil
	})
	q.Start()

	if _, err := q.Enqueue(context.Background(), "audio", testPayload{StoryID: "s1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case id := <-got:
		if id != "s1" {
			t.Errorf("handler got %q, want s1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	waitFor(t, "completed", func() bool { return stats(t, q, "audio").Completed == 1 })
}

func TestQueueRetriesUntilExhausted(t *testing.T) {
	q, store := newTestQueue(t, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	var mu sync.Mutex
	var attempts []int
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		mu.Unlock()
		return errors.New("transient")
	})
	q.Start()

	id, _ := q.Enqueue(context.Background(), "audio", testPayload{StoryID: "s1"})
	waitFor(t, "failed", func() bool { return stats(t, q, "audio").Failed == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("handler calls = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("attempt[%d] = %d, want %d", i, a, i+1)
		}
	}
	job, _ := store.Get(id)
	if job.State != StateFailed || job.LastError != "transient" {
		t.Errorf("job state=%s err=%q, want failed/transient", job.State, job.LastError)
	}
}

func TestQueueRetryThenSucceed(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	var calls atomic.Int32
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		if calls.Add(1) == 1 {
			return errors.New("timeout")
		}
		return nil
	})
	q.Start()

	q.Enqueue(context.Background(), "audio", testPayload{})
	waitFor(t, "completed", func() bool { return stats(t, q, "audio").Completed == 1 })
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestQueuePermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3, Backoff: time.Millisecond})

	var calls atomic.Int32
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return Permanent(errors.New("not found"))
	})
	q.Start()

	q.Enqueue(context.Background(), "audio", testPayload{})
	waitFor(t, "failed", func() bool { return stats(t, q, "audio").Failed == 1 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestQueueRecoversHandlerPanic(t *testing.T) {
	q, store := newTestQueue(t, Options{MaxAttempts: 1})

	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		panic("boom")
	})
	q.Start()

	id, _ := q.Enqueue(context.Background(), "audio", testPayload{})
	waitFor(t, "failed", func() bool { return stats(t, q, "audio").Failed == 1 })
	job, _ := store.Get(id)
	if job.LastError != "handler panic: boom" {
		t.Errorf("LastError = %q", job.LastError)
	}
}

func TestQueueTimeoutCancelsHandler(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 1, Timeout: 10 * time.Millisecond})

	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q.Start()

	q.Enqueue(context.Background(), "audio", testPayload{})
	waitFor(t, "failed", func() bool { return stats(t, q, "audio").Failed == 1 })
}

func TestQueuePauseResume(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 1})

	var calls atomic.Int32
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return nil
	})
	if err := q.Pause("audio"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	q.Start()
	q.Enqueue(context.Background(), "audio", testPayload{})

	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("paused queue ran a job")
	}
	if st := stats(t, q, "audio"); !st.Paused || st.Waiting != 1 {
		t.Errorf("stats = %+v, want paused with 1 waiting", st)
	}

	if err := q.Resume("audio"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "completed", func() bool { return stats(t, q, "audio").Completed == 1 })
	if err := q.Pause("missing"); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("Pause unknown err = %v", err)
	}
}

func TestDrainAndCloseWaitsForInflight(t *testing.T) {
	store := NewMemoryStore()
	q := New(store, Config{PollInterval: 5 * time.Millisecond, Log: zerolog.Nop()})
	q.Define("audio", Options{MaxAttempts: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return nil
	})
	q.Start()
	q.Enqueue(context.Background(), "audio", testPayload{})
	<-started

	done := make(chan error, 1)
	go func() { done <- q.DrainAndClose(context.Background()) }()

	if _, err := waitEnqueueClosed(q); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close err = %v, want ErrClosed", err)
	}
	select {
	case <-done:
		t.Fatal("DrainAndClose returned before in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("DrainAndClose: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DrainAndClose did not return")
	}
	if st, _ := q.Stats(context.Background(), "audio"); st.Completed != 1 {
		t.Errorf("Completed = %d, want 1", st.Completed)
	}
}

func waitEnqueueClosed(q *Queue) (string, error) {
	deadline := time.Now().Add(time.Second)
	for {
		id, err := q.Enqueue(context.Background(), "audio", testPayload{})
		if err != nil || time.Now().After(deadline) {
			return id, err
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDrainAndCloseForcedCancel(t *testing.T) {
	store := NewMemoryStore()
	q := New(store, Config{PollInterval: 5 * time.Millisecond, Log: zerolog.Nop()})
	q.Define("audio", Options{MaxAttempts: 1})

	started := make(chan struct{})
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q.Start()
	q.Enqueue(context.Background(), "audio", testPayload{})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.DrainAndClose(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("DrainAndClose err = %v, want DeadlineExceeded", err)
	}
}

func TestCleanup(t *testing.T) {
	q, store := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	store.Insert(ctx, &Job{ID: "old", Queue: "audio", State: StateCompleted, FinishedAt: &old})
	recent := time.Now()
	store.Insert(ctx, &Job{ID: "recent", Queue: "audio", State: StateFailed, FinishedAt: &recent})
	store.Insert(ctx, &Job{ID: "waiting", Queue: "audio", State: StateWaiting})

	n, err := q.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, ok := store.Get("old"); ok {
		t.Error("old job still present")
	}
	if _, ok := store.Get("waiting"); !ok {
		t.Error("waiting job was purged")
	}
}

func TestAbandonedExecutionCannotExceedMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	q := New(store, Config{
		PollInterval:    2 * time.Millisecond,
		StaleGrace:      10 * time.Millisecond,
		JanitorInterval: 5 * time.Millisecond,
		Log:             zerolog.Nop(),
	})
	if err := q.Define("audio", Options{MaxAttempts: 3, Backoff: time.Millisecond, Concurrency: 2, Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	var mu sync.Mutex
	seen := map[int]int{}
	q.OnJob("audio", func(ctx context.Context, job *Job) error {
		mu.Lock()
		seen[job.Attempt]++
		mu.Unlock()
		time.Sleep(60 * time.Millisecond) // ignores ctx, outlives the stale cutoff
		return errors.New("slow failure")
	})
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.DrainAndClose(ctx)
	})

	id, _ := q.Enqueue(context.Background(), "audio", testPayload{StoryID: "s1"})
	waitFor(t, "failed", func() bool { return stats(t, q, "audio").Failed == 1 })
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for attempt, n := range seen {
		if attempt > 3 {
			t.Errorf("executed attempt %d, max is 3", attempt)
		}
		if n != 1 {
			t.Errorf("attempt %d executed %d times", attempt, n)
		}
		total += n
	}
	if total > 3 {
		t.Errorf("executions = %d, want at most 3", total)
	}
	job, _ := store.Get(id)
	if job.State != StateFailed || job.Attempt > 3 {
		t.Errorf("job = %s attempt %d, want failed within 3 attempts", job.State, job.Attempt)
	}
}
