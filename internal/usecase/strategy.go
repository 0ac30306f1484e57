package usecase

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
	"github.com/cfxdevkit/cas-sub000/internal/repository"
)

// OwnerDirectory records notification addresses for strategy owners.
type OwnerDirectory interface {
	Upsert(ctx context.Context, owner string, email *string) error
}

type StrategyUsecase struct {
	jobs   repository.JobStore
	execs  repository.ExecutionStore
	owners OwnerDirectory

	// defaultMaxRetries fills in the retry budget when a request leaves it
	// unset; comes from MAX_RETRIES so API and engine agree on the default.
	defaultMaxRetries int
}

func NewStrategyUsecase(jobs repository.JobStore, execs repository.ExecutionStore, owners OwnerDirectory, defaultMaxRetries int) *StrategyUsecase {
	return &StrategyUsecase{jobs: jobs, execs: execs, owners: owners, defaultMaxRetries: defaultMaxRetries}
}

type CreateLimitOrderInput struct {
	Owner             string
	NotificationEmail *string
	TokenIn           string
	TokenOut          string
	AmountIn          *big.Int
	MinAmountOut      *big.Int
	TargetPrice       *big.Int
	Direction         domain.Direction
	MaxRetries        int
	ExpiresAt         *time.Time
}

func (u *StrategyUsecase) CreateLimitOrder(ctx context.Context, input CreateLimitOrderInput) (*domain.Job, error) {
	if input.MaxRetries == 0 {
		input.MaxRetries = u.defaultMaxRetries
	}
	if err := u.owners.Upsert(ctx, input.Owner, input.NotificationEmail); err != nil {
		return nil, fmt.Errorf("record owner: %w", err)
	}

	job := &domain.Job{
		Owner:      input.Owner,
		Kind:       domain.KindLimitOrder,
		Status:     domain.StatusPending,
		MaxRetries: input.MaxRetries,
		ExpiresAt:  input.ExpiresAt,
		LimitOrder: &domain.LimitOrderParams{
			TokenIn:      input.TokenIn,
			TokenOut:     input.TokenOut,
			AmountIn:     input.AmountIn,
			MinAmountOut: input.MinAmountOut,
			TargetPrice:  input.TargetPrice,
			Direction:    input.Direction,
		},
	}

	created, err := u.jobs.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create limit order: %w", err)
	}
	return created, nil
}

type CreateDCAInput struct {
	Owner             string
	NotificationEmail *string
	TokenIn           string
	TokenOut          string
	AmountPerSwap     *big.Int
	IntervalSeconds   int64
	TotalSwaps        int
	StartAt           *time.Time // nil = first swap eligible immediately
	MaxRetries        int
	ExpiresAt         *time.Time
}

func (u *StrategyUsecase) CreateDCA(ctx context.Context, input CreateDCAInput) (*domain.Job, error) {
	if input.MaxRetries == 0 {
		input.MaxRetries = u.defaultMaxRetries
	}
	if err := u.owners.Upsert(ctx, input.Owner, input.NotificationEmail); err != nil {
		return nil, fmt.Errorf("record owner: %w", err)
	}

	next := time.Now()
	if input.StartAt != nil {
		next = *input.StartAt
	}

	job := &domain.Job{
		Owner:      input.Owner,
		Kind:       domain.KindDCA,
		Status:     domain.StatusPending,
		MaxRetries: input.MaxRetries,
		ExpiresAt:  input.ExpiresAt,
		DCA: &domain.DCAParams{
			TokenIn:         input.TokenIn,
			TokenOut:        input.TokenOut,
			AmountPerSwap:   input.AmountPerSwap,
			IntervalSeconds: input.IntervalSeconds,
			TotalSwaps:      input.TotalSwaps,
			NextExecution:   next,
		},
	}

	created, err := u.jobs.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create dca schedule: %w", err)
	}
	return created, nil
}

func (u *StrategyUsecase) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := u.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	return job, nil
}

func (u *StrategyUsecase) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	if input.Limit <= 0 || input.Limit > 100 {
		input.Limit = 50
	}
	jobs, err := u.jobs.ListJobs(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	return jobs, nil
}

// ConfirmRegistration records the on-chain job id once the owner's
// registration transaction has confirmed. The engine skips the job until
// this lands.
func (u *StrategyUsecase) ConfirmRegistration(ctx context.Context, jobID, owner, onChainJobID string) error {
	if err := u.jobs.SetOnChainJobID(ctx, jobID, owner, onChainJobID); err != nil {
		return fmt.Errorf("confirm registration: %w", err)
	}
	return nil
}

// Cancel is the out-of-band user cancellation path: it writes the terminal
// status directly. The keeper drops any queued retry for the job when it
// re-reads the row, so a stale retry entry cannot resurrect it.
func (u *StrategyUsecase) Cancel(ctx context.Context, jobID, owner string) error {
	if err := u.jobs.Cancel(ctx, jobID, owner); err != nil {
		return fmt.Errorf("cancel strategy: %w", err)
	}
	return nil
}

func (u *StrategyUsecase) ListExecutions(ctx context.Context, jobID, owner string) ([]*domain.ExecutionRecord, error) {
	// Ownership check before exposing history.
	job, err := u.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	if job.Owner != owner {
		return nil, domain.ErrJobNotFound
	}

	recs, err := u.execs.ListByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return recs, nil
}
