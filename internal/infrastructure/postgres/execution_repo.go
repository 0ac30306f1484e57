package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

type ExecutionRepository struct {
	pool *pgxpool.Pool
}

func NewExecutionRepository(pool *pgxpool.Pool) *ExecutionRepository {
	return &ExecutionRepository{pool: pool}
}

func (r *ExecutionRepository) CreateAttempt(ctx context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, error) {
	query := `
		INSERT INTO executions (job_id, attempt_num, started_at)
		VALUES ($1, $2, $3)
		RETURNING id, job_id, attempt_num, started_at, completed_at,
		          tx_ref, amount_out::text, error, duration_ms`

	row := r.pool.QueryRow(ctx, query, rec.JobID, rec.AttemptNum, rec.StartedAt)
	created, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("create execution record: %w", err)
	}
	return created, nil
}

func (r *ExecutionRepository) CompleteAttempt(ctx context.Context, id string, txRef *string, amountOut *big.Int, errMsg *string, durationMS int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE executions
		SET    completed_at = NOW(),
		       tx_ref       = $2,
		       amount_out   = $3::numeric,
		       error        = $4,
		       duration_ms  = $5
		WHERE id = $1`,
		id, txRef, bigString(amountOut), errMsg, durationMS)
	if err != nil {
		return fmt.Errorf("complete execution record: %w", err)
	}
	return nil
}

func (r *ExecutionRepository) ListByJobID(ctx context.Context, jobID string) ([]*domain.ExecutionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, job_id, attempt_num, started_at, completed_at,
		        tx_ref, amount_out::text, error, duration_ms
		FROM executions
		WHERE job_id = $1
		ORDER BY started_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var recs []*domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanExecution(row rowScanner) (*domain.ExecutionRecord, error) {
	var (
		rec       domain.ExecutionRecord
		amountOut *string
	)
	err := row.Scan(
		&rec.ID, &rec.JobID, &rec.AttemptNum, &rec.StartedAt, &rec.CompletedAt,
		&rec.TxRef, &amountOut, &rec.Error, &rec.DurationMS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if rec.AmountOut, err = parseBig(amountOut); err != nil {
		return nil, fmt.Errorf("execution %s amount_out: %w", rec.ID, err)
	}
	return &rec, nil
}
