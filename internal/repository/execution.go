package repository

import (
	"context"
	"math/big"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

type ExecutionStore interface {
	// CreateAttempt opens an execution record at the moment a submission
	// starts. Returns the persisted record (with its DB-generated ID) so the
	// caller can close it with CompleteAttempt once the chain call returns.
	CreateAttempt(ctx context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, error)

	// CompleteAttempt closes an open execution record with the outcome.
	// txRef is nil when the submission never reached the chain; errMsg is nil
	// on success.
	CompleteAttempt(ctx context.Context, id string, txRef *string, amountOut *big.Int, errMsg *string, durationMS int64) error

	// ListByJobID returns all execution records for a job, started_at ASC.
	ListByJobID(ctx context.Context, jobID string) ([]*domain.ExecutionRecord, error)
}
