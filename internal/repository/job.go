package repository

import (
	"context"
	"math/big"
	"time"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

type ListJobsInput struct {
	Owner      string
	Status     domain.Status // empty = all statuses
	CursorTime *time.Time    // nil = first page
	CursorID   string        // used only when CursorTime is non-nil
	Limit      int
}

// JobStore is the persistence contract the engine runs against. The engine
// only ever transitions status; rows are created by the API layer and deleted
// by retention policy, never by the keeper.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)
	Cancel(ctx context.Context, jobID, owner string) error

	// SetOnChainJobID records the correlation key once the owner's
	// registration transaction confirms; until then the engine skips the job.
	SetOnChainJobID(ctx context.Context, jobID, owner, onChainJobID string) error

	// GetActiveJobs returns every pending or active job, the working set of
	// one poll cycle. Failed jobs with retry budget left re-enter through the
	// retry queue, not through this scan.
	GetActiveJobs(ctx context.Context) ([]*domain.Job, error)

	MarkActive(ctx context.Context, jobID string) error
	MarkExecuted(ctx context.Context, jobID, txRef string, amountOut *big.Int) error
	MarkFailed(ctx context.Context, jobID, lastError string) error
	MarkExpired(ctx context.Context, jobID string) error
	MarkCancelled(ctx context.Context, jobID, reason string) error

	// IncrementRetry bumps retry_count, clamped at max_retries so the
	// invariant retries <= maxRetries holds even under concurrent ticks.
	IncrementRetry(ctx context.Context, jobID string) error
	UpdateLastError(ctx context.Context, jobID, msg string) error

	// MarkDCATick records one completed DCA swap: the tx reference, the new
	// swap count, the next eligible timestamp and the realized output.
	MarkDCATick(ctx context.Context, jobID, txRef string, newSwapsCompleted int, nextExecution time.Time, amountOut *big.Int) error

	// TryLease takes a short-TTL in-flight marker on the job, so overlapping
	// poll batches skip rather than double-submit. Returns false when another
	// tick already holds the lease.
	TryLease(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobID string) error
}
