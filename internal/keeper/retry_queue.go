package keeper

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
	"github.com/cfxdevkit/cas-sub000/internal/metrics"
)

const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = time.Hour
)

// retryEntry is a job snapshot waiting for its back-off to elapse. The queue
// owns the snapshot between Enqueue and DrainDue; once drained the entry is
// gone for good and a re-failure produces a fresh one.
type retryEntry struct {
	job   *domain.Job
	dueAt time.Time
}

// RetryQueue holds unexpectedly-failed jobs between discovery and their next
// out-of-band attempt. In-process only; all access goes through the mutex.
type RetryQueue struct {
	mu      sync.Mutex
	entries map[string]retryEntry
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{entries: make(map[string]retryEntry)}
}

// Enqueue schedules job for a later attempt. The back-off is exponential on
// the job's post-increment retry count so repeated failures spread out
// instead of hammering the chain. A second Enqueue for the same job replaces
// the pending entry.
func (q *RetryQueue) Enqueue(job *domain.Job, now time.Time) time.Time {
	dueAt := now.Add(retryDelay(job.Retries))

	q.mu.Lock()
	q.entries[job.ID] = retryEntry{job: job.Clone(), dueAt: dueAt}
	depth := len(q.entries)
	q.mu.Unlock()

	metrics.RetryQueueDepth.Set(float64(depth))
	return dueAt
}

// DrainDue atomically removes and returns every entry whose dueAt has
// elapsed at now, leaving not-yet-due entries queued.
func (q *RetryQueue) DrainDue(now time.Time) []*domain.Job {
	q.mu.Lock()
	var due []*domain.Job
	for id, e := range q.entries {
		if !e.dueAt.After(now) {
			due = append(due, e.job)
			delete(q.entries, id)
		}
	}
	depth := len(q.entries)
	q.mu.Unlock()

	metrics.RetryQueueDepth.Set(float64(depth))
	return due
}

// Remove drops a queued retry before it fires, so a job cancelled elsewhere
// is not resurrected by a stale entry. Returns whether an entry existed.
func (q *RetryQueue) Remove(jobID string) bool {
	q.mu.Lock()
	_, ok := q.entries[jobID]
	delete(q.entries, jobID)
	depth := len(q.entries)
	q.mu.Unlock()

	metrics.RetryQueueDepth.Set(float64(depth))
	return ok
}

// Len reports the number of queued entries, due or not.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// retryDelay doubles per retry from retryBaseDelay, capped at retryMaxDelay,
// with ±25% jitter so a burst of failures does not re-fire in lockstep.
// The cap is applied on the shift count, not the product: doubling 30s past
// ~28 retries overflows int64 and a naive min() would pick the wrapped
// negative value.
func retryDelay(retryCount int) time.Duration {
	delay := retryMaxDelay
	if retryCount < 7 {
		delay = min(retryBaseDelay<<retryCount, retryMaxDelay)
	}
	jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
	return delay + jitter
}
