package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Jobs do not survive a restart;
// use it for tests and single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	seq  uint64
}

type memJob struct {
	job      Job
	seq      uint64
	lockedAt time.Time
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memJob)}
}

func (s *MemoryStore) Insert(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return nil
	}
	s.seq++
	s.jobs[job.ID] = &memJob{job: *job, seq: s.seq}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, queue string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *memJob
	for _, mj := range s.jobs {
		if mj.job.Queue != queue || mj.job.State != StateWaiting || mj.job.RunAt.After(now) {
			continue
		}
		if next == nil || mj.job.RunAt.Before(next.job.RunAt) ||
			(mj.job.RunAt.Equal(next.job.RunAt) && mj.seq < next.seq) {
			next = mj
		}
	}
	if next == nil {
		return nil, nil
	}
	next.job.State = StateActive
	next.job.UpdatedAt = now
	next.lockedAt = now
	claimed := next.job
	return &claimed, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, attempt int, at time.Time) error {
	return s.update(id, attempt, func(j *Job) {
		j.State = StateCompleted
		j.UpdatedAt = at
		j.FinishedAt = &at
	})
}

func (s *MemoryStore) Retry(ctx context.Context, id string, attempt int, runAt time.Time, errMsg string) error {
	return s.update(id, attempt, func(j *Job) {
		j.State = StateWaiting
		j.Attempt++
		j.RunAt = runAt
		j.LastError = errMsg
		j.UpdatedAt = time.Now()
	})
}

func (s *MemoryStore) Fail(ctx context.Context, id string, attempt int, at time.Time, errMsg string) error {
	return s.update(id, attempt, func(j *Job) {
		j.State = StateFailed
		j.LastError = errMsg
		j.UpdatedAt = at
		j.FinishedAt = &at
	})
}

func (s *MemoryStore) RequeueStale(ctx context.Context, queue string, activeBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, mj := range s.jobs {
		j := &mj.job
		if j.Queue != queue || j.State != StateActive || !mj.lockedAt.Before(activeBefore) {
			continue
		}
		j.LastError = "execution abandoned"
		j.UpdatedAt = now
		if j.Attempt >= j.MaxAttempts {
			j.State = StateFailed
			finished := now
			j.FinishedAt = &finished
		} else {
			j.State = StateWaiting
			j.Attempt++
			j.RunAt = now
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) Counts(ctx context.Context, queue string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, mj := range s.jobs {
		if mj.job.Queue != queue {
			continue
		}
		switch mj.job.State {
		case StateWaiting:
			st.Waiting++
		case StateActive:
			st.Active++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) Purge(ctx context.Context, queue string, finishedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, mj := range s.jobs {
		j := mj.job
		if j.Queue != queue || j.FinishedAt == nil || !j.FinishedAt.Before(finishedBefore) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}

// Get returns a copy of a job by id.
func (s *MemoryStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return mj.job, true
}

// Jobs returns copies of all jobs in a queue, oldest first.
func (s *MemoryStore) Jobs(queue string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*memJob
	for _, mj := range s.jobs {
		if mj.job.Queue == queue {
			matched = append(matched, mj)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].seq < matched[k].seq })
	out := make([]Job, len(matched))
	for i, mj := range matched {
		out[i] = mj.job
	}
	return out
}

func (s *MemoryStore) update(id string, attempt int, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok || mj.job.State != StateActive || mj.job.Attempt != attempt {
		return fmt.Errorf("%w: %s attempt %d", ErrClaimLost, id, attempt)
	}
	fn(&mj.job)
	return nil
}
