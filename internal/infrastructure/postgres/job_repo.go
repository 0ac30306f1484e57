package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
	"github.com/cfxdevkit/cas-sub000/internal/repository"
)

// jobColumns is the shared SELECT list; numeric amounts come back as text so
// they round-trip into big.Int without precision loss.
const jobColumns = `id, owner, on_chain_job_id, kind, status, retries, max_retries,
	last_error, token_in, token_out,
	amount_in::text, min_amount_out::text, target_price::text, direction,
	amount_per_swap::text, interval_seconds, total_swaps, swaps_completed,
	next_execution, last_execution,
	expires_at, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO jobs (
			owner, on_chain_job_id, kind, status, max_retries,
			token_in, token_out,
			amount_in, min_amount_out, target_price, direction,
			amount_per_swap, interval_seconds, total_swaps, swaps_completed, next_execution,
			expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11,
			$12::numeric, $13, $14, $15, $16,
			$17
		)
		RETURNING ` + jobColumns

	var (
		tokenIn, tokenOut                   string
		amountIn, minAmountOut, targetPrice *string
		direction                           *string
		amountPerSwap                       *string
		intervalSeconds                     *int64
		totalSwaps, swapsCompleted          *int
		nextExecution                       *time.Time
	)
	switch job.Kind {
	case domain.KindLimitOrder:
		p := job.LimitOrder
		tokenIn, tokenOut = p.TokenIn, p.TokenOut
		amountIn = bigString(p.AmountIn)
		minAmountOut = bigString(p.MinAmountOut)
		targetPrice = bigString(p.TargetPrice)
		d := string(p.Direction)
		direction = &d
	case domain.KindDCA:
		p := job.DCA
		tokenIn, tokenOut = p.TokenIn, p.TokenOut
		amountPerSwap = bigString(p.AmountPerSwap)
		intervalSeconds = &p.IntervalSeconds
		totalSwaps = &p.TotalSwaps
		swapsCompleted = &p.SwapsCompleted
		nextExecution = &p.NextExecution
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}

	row := r.pool.QueryRow(ctx, query,
		job.Owner, job.OnChainJobID, job.Kind, job.Status, job.MaxRetries,
		tokenIn, tokenOut,
		amountIn, minAmountOut, targetPrice, direction,
		amountPerSwap, intervalSeconds, totalSwaps, swapsCompleted, nextExecution,
		job.ExpiresAt,
	)

	created, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateJob
		}
		return nil, err
	}
	return created, nil
}

func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// GetActiveJobs returns the working set of one poll cycle: every pending or
// active job. Failed jobs re-enter through the retry queue instead.
func (r *JobRepository) GetActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'active')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("get active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *JobRepository) MarkActive(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'active', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')`, jobID)
	return err
}

func (r *JobRepository) MarkExecuted(ctx context.Context, jobID, txRef string, amountOut *big.Int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs
		SET    status          = 'executed',
		       executed_tx_ref = COALESCE(NULLIF($2, ''), executed_tx_ref),
		       amount_out      = COALESCE($3::numeric, amount_out),
		       last_error      = NULL,
		       updated_at      = NOW()
		WHERE id = $1`, jobID, txRef, bigString(amountOut))
	return err
}

func (r *JobRepository) MarkFailed(ctx context.Context, jobID, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1`, jobID, lastError)
	return err
}

// MarkExpired collapses expiry into the failed terminal bucket with a
// distinguished marker message.
func (r *JobRepository) MarkExpired(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = 'job expired', updated_at = NOW()
		WHERE id = $1`, jobID)
	return err
}

func (r *JobRepository) MarkCancelled(ctx context.Context, jobID, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', last_error = $2, updated_at = NOW()
		WHERE id = $1`, jobID, reason)
	return err
}

func (r *JobRepository) IncrementRetry(ctx context.Context, jobID string) error {
	// LEAST keeps retries <= max_retries even if two ticks race here.
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET retries = LEAST(retries + 1, max_retries), updated_at = NOW()
		WHERE id = $1`, jobID)
	return err
}

func (r *JobRepository) UpdateLastError(ctx context.Context, jobID, msg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET last_error = $2, updated_at = NOW() WHERE id = $1`, jobID, msg)
	return err
}

func (r *JobRepository) MarkDCATick(ctx context.Context, jobID, txRef string, newSwapsCompleted int, nextExecution time.Time, amountOut *big.Int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs
		SET    swaps_completed = $2,
		       next_execution  = $3,
		       last_execution  = NOW(),
		       last_tx_ref     = $4,
		       amount_out      = COALESCE($5::numeric, amount_out),
		       last_error      = NULL,
		       updated_at      = NOW()
		WHERE id = $1`, jobID, newSwapsCompleted, nextExecution, txRef, bigString(amountOut))
	return err
}

// TryLease takes the short-TTL in-flight marker. One row updated means the
// lease is ours; zero means a concurrent tick holds it.
func (r *JobRepository) TryLease(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs
		SET    leased_until = NOW() + make_interval(secs => $2)
		WHERE  id = $1
		  AND (leased_until IS NULL OR leased_until < NOW())`,
		jobID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("try lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *JobRepository) ReleaseLease(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET leased_until = NULL WHERE id = $1`, jobID)
	return err
}

func (r *JobRepository) Cancel(ctx context.Context, jobID, owner string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs
		SET    status = 'cancelled', last_error = 'cancelled by owner', updated_at = NOW()
		WHERE  id = $1 AND owner = $2 AND status NOT IN ('executed', 'cancelled')`,
		jobID, owner)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish "not yours / not found" from "already terminal".
	var status domain.Status
	err = r.pool.QueryRow(ctx,
		`SELECT status FROM jobs WHERE id = $1 AND owner = $2`, jobID, owner).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("cancel job status check: %w", err)
	}
	return domain.ErrJobTerminal
}

func (r *JobRepository) SetOnChainJobID(ctx context.Context, jobID, owner, onChainJobID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs
		SET    on_chain_job_id = $3, updated_at = NOW()
		WHERE  id = $1 AND owner = $2 AND on_chain_job_id IS NULL`,
		jobID, owner, onChainJobID)
	if err != nil {
		return fmt.Errorf("set on-chain job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) ListJobs(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	args := []any{input.Owner}
	where := []string{"owner = $1"}

	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		jobColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                                   domain.Job
		tokenIn, tokenOut                   string
		amountIn, minAmountOut, targetPrice *string
		direction                           *string
		amountPerSwap                       *string
		intervalSeconds                     *int64
		totalSwaps, swapsCompleted          *int
		nextExecution, lastExecution        *time.Time
	)

	err := row.Scan(
		&j.ID, &j.Owner, &j.OnChainJobID, &j.Kind, &j.Status, &j.Retries, &j.MaxRetries,
		&j.LastError, &tokenIn, &tokenOut,
		&amountIn, &minAmountOut, &targetPrice, &direction,
		&amountPerSwap, &intervalSeconds, &totalSwaps, &swapsCompleted,
		&nextExecution, &lastExecution,
		&j.ExpiresAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	switch j.Kind {
	case domain.KindLimitOrder:
		p := &domain.LimitOrderParams{TokenIn: tokenIn, TokenOut: tokenOut}
		if p.AmountIn, err = parseBig(amountIn); err != nil {
			return nil, fmt.Errorf("job %s amount_in: %w", j.ID, err)
		}
		if p.MinAmountOut, err = parseBig(minAmountOut); err != nil {
			return nil, fmt.Errorf("job %s min_amount_out: %w", j.ID, err)
		}
		if p.TargetPrice, err = parseBig(targetPrice); err != nil {
			return nil, fmt.Errorf("job %s target_price: %w", j.ID, err)
		}
		if direction != nil {
			p.Direction = domain.Direction(*direction)
		}
		j.LimitOrder = p
	case domain.KindDCA:
		p := &domain.DCAParams{TokenIn: tokenIn, TokenOut: tokenOut, LastExecution: lastExecution}
		if p.AmountPerSwap, err = parseBig(amountPerSwap); err != nil {
			return nil, fmt.Errorf("job %s amount_per_swap: %w", j.ID, err)
		}
		if intervalSeconds != nil {
			p.IntervalSeconds = *intervalSeconds
		}
		if totalSwaps != nil {
			p.TotalSwaps = *totalSwaps
		}
		if swapsCompleted != nil {
			p.SwapsCompleted = *swapsCompleted
		}
		if nextExecution != nil {
			p.NextExecution = *nextExecution
		}
		j.DCA = p
	}

	return &j, nil
}

func parseBig(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", *s)
	}
	return v, nil
}

func bigString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
