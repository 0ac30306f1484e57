package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cfxdevkit/cas-sub000/internal/chain"
	"github.com/cfxdevkit/cas-sub000/internal/domain"
	"github.com/cfxdevkit/cas-sub000/internal/metrics"
	"github.com/cfxdevkit/cas-sub000/internal/price"
	"github.com/cfxdevkit/cas-sub000/internal/repository"
)

// leaseTTL bounds how long a tick may hold a job before an overlapping batch
// is allowed to pick it up again. Must comfortably exceed one gateway call.
const leaseTTL = 30 * time.Second

// errAttemptOpenFailed marks a tick aborted before any submission went out.
// Nothing reached the chain, so the error must never enter classification:
// no retry spent, no status change, just a retry on the next scan.
var errAttemptOpenFailed = errors.New("open execution attempt")

// Notifier is told about jobs the engine gives up on.
type Notifier interface {
	PermanentFailure(ctx context.Context, job *domain.Job, reason string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) PermanentFailure(context.Context, *domain.Job, string) {}

// Executor drives one job through its lifecycle tick: expiry, activation,
// condition evaluation, safety check, submission, and error classification.
// It is the only component that writes engine-side status transitions.
type Executor struct {
	store    repository.JobStore
	execs    repository.ExecutionStore
	client   chain.KeeperClient
	prices   price.Source
	retries  *RetryQueue
	guard    SafetyGuard
	notifier Notifier
	safety   func() domain.SafetyConfig
	logger   *slog.Logger
	sem      chan struct{}
}

func NewExecutor(
	store repository.JobStore,
	execs repository.ExecutionStore,
	client chain.KeeperClient,
	prices price.Source,
	retries *RetryQueue,
	notifier Notifier,
	safety func() domain.SafetyConfig,
	logger *slog.Logger,
	concurrency int,
) *Executor {
	return &Executor{
		store:    store,
		execs:    execs,
		client:   client,
		prices:   prices,
		retries:  retries,
		notifier: notifier,
		safety:   safety,
		logger:   logger.With("component", "executor"),
		sem:      make(chan struct{}, concurrency),
	}
}

// RunAllTicks processes the full active-job set plus every due retry entry.
// Jobs fan out onto a bounded set of goroutines; one job's failure is logged
// and never aborts another job in the batch.
func (e *Executor) RunAllTicks(ctx context.Context) error {
	start := time.Now()

	batch, err := e.store.GetActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}

	seen := make(map[string]struct{}, len(batch))
	for _, j := range batch {
		seen[j.ID] = struct{}{}
	}

	for _, snap := range e.retries.DrainDue(start) {
		job, ok := e.refreshRetry(ctx, snap)
		if !ok {
			continue
		}
		if _, dup := seen[job.ID]; dup {
			continue
		}
		seen[job.ID] = struct{}{}
		batch = append(batch, job)
	}

	var wg sync.WaitGroup
	for _, job := range batch {
		e.sem <- struct{}{}
		wg.Add(1)
		go func(j *domain.Job) {
			metrics.JobsInFlight.Inc()
			defer metrics.JobsInFlight.Dec()
			defer wg.Done()
			defer func() { <-e.sem }()
			defer func() {
				// A panicking job must not take the batch down with it.
				if r := recover(); r != nil {
					e.logger.Error("tick panicked", "job_id", j.ID, "panic", r)
				}
			}()

			if err := e.ProcessTick(ctx, j); err != nil {
				e.logger.Error("process tick", "job_id", j.ID, "error", err)
			}
		}(job)
	}
	wg.Wait()

	metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	return nil
}

// refreshRetry re-reads a drained retry snapshot. The API server cancels jobs
// in a separate process, so a stale entry must not resurrect a job that
// reached a terminal status since it was enqueued.
func (e *Executor) refreshRetry(ctx context.Context, snap *domain.Job) (*domain.Job, bool) {
	job, err := e.store.GetByID(ctx, snap.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			e.logger.Warn("retry entry for vanished job dropped", "job_id", snap.ID)
			return nil, false
		}
		e.logger.Error("refresh retry entry", "job_id", snap.ID, "error", err)
		return nil, false
	}
	if job.Status.Terminal() {
		e.logger.Info("retry entry dropped, job reached terminal status", "job_id", job.ID, "status", job.Status)
		return nil, false
	}
	return job, true
}

// ProcessTick runs one job through the per-tick state machine. Steps are
// strictly ordered: lease, expiry, activation, readiness, evaluation, safety,
// submission, classification.
func (e *Executor) ProcessTick(ctx context.Context, job *domain.Job) error {
	leased, err := e.store.TryLease(ctx, job.ID, leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !leased {
		e.logger.Debug("job leased by a concurrent tick, skipping", "job_id", job.ID)
		return nil
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), job.ID); err != nil {
			e.logger.Warn("release lease", "job_id", job.ID, "error", err)
		}
	}()

	now := time.Now()

	if job.Expired(now) {
		e.logger.Info("job expired", "job_id", job.ID, "expires_at", job.ExpiresAt)
		if err := e.store.MarkExpired(ctx, job.ID); err != nil {
			return fmt.Errorf("mark expired: %w", err)
		}
		return nil
	}

	// Lazy activation. Failed jobs arriving through the retry queue are
	// reactivated the same way; their retry budget was already spent when
	// they were enqueued.
	if job.Status == domain.StatusPending || job.Status == domain.StatusFailed {
		if err := e.store.MarkActive(ctx, job.ID); err != nil {
			return fmt.Errorf("mark active: %w", err)
		}
		job.Status = domain.StatusActive
	}

	// Registration not yet confirmed. Not an error: the job simply is not
	// ready, and the next scan will see the id once the API layer records it.
	if job.OnChainJobID == nil {
		e.logger.Debug("job has no on-chain id yet, skipping", "job_id", job.ID)
		return nil
	}

	switch job.Kind {
	case domain.KindLimitOrder:
		return e.tickLimitOrder(ctx, job, now)
	case domain.KindDCA:
		return e.tickDCA(ctx, job, now)
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

func (e *Executor) tickLimitOrder(ctx context.Context, job *domain.Job, now time.Time) error {
	p, err := e.prices.PairPrice(ctx, job.LimitOrder.TokenIn, job.LimitOrder.TokenOut)
	if err != nil {
		return fmt.Errorf("read pair price: %w", err)
	}

	ev := EvaluateLimitOrder(job.LimitOrder, p)
	if !ev.Met {
		e.logger.Debug("limit condition not met",
			"job_id", job.ID, "price", ev.Price, "target", ev.Target, "direction", ev.Direction)
		return nil
	}

	ok, err := e.approve(ctx, job, job.LimitOrder.TokenIn, now)
	if err != nil || !ok {
		return err
	}

	e.logger.Info("submitting limit order",
		"job_id", job.ID, "price", ev.Price, "target", ev.Target, "direction", ev.Direction)

	receipt, err := e.submit(ctx, job, func(ctx context.Context) (*chain.Receipt, error) {
		return e.client.ExecuteLimitOrder(ctx, *job.OnChainJobID, job.Owner, job.LimitOrder)
	})
	if err != nil {
		if errors.Is(err, errAttemptOpenFailed) {
			return err
		}
		metrics.SubmissionsTotal.WithLabelValues(string(job.Kind), "failure").Inc()
		return e.classify(ctx, job, err)
	}
	metrics.SubmissionsTotal.WithLabelValues(string(job.Kind), "success").Inc()

	if err := e.store.MarkExecuted(ctx, job.ID, receipt.TxRef, receipt.AmountOut); err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	e.logger.Info("limit order executed", "job_id", job.ID, "tx_ref", receipt.TxRef)
	return nil
}

func (e *Executor) tickDCA(ctx context.Context, job *domain.Job, now time.Time) error {
	ev := EvaluateDCAInterval(job.DCA, now)
	if !ev.Met {
		e.logger.Debug("dca interval not due",
			"job_id", job.ID, "next_execution", ev.NextExecution)
		return nil
	}

	ok, err := e.approve(ctx, job, job.DCA.TokenIn, now)
	if err != nil || !ok {
		return err
	}

	e.logger.Info("submitting dca tick",
		"job_id", job.ID, "swap", job.DCA.SwapsCompleted+1, "total", job.DCA.TotalSwaps)

	receipt, err := e.submit(ctx, job, func(ctx context.Context) (*chain.Receipt, error) {
		return e.client.ExecuteDCATick(ctx, *job.OnChainJobID, job.Owner, job.DCA)
	})
	if err != nil {
		if errors.Is(err, errAttemptOpenFailed) {
			return err
		}
		metrics.SubmissionsTotal.WithLabelValues(string(job.Kind), "failure").Inc()
		return e.classify(ctx, job, err)
	}
	metrics.SubmissionsTotal.WithLabelValues(string(job.Kind), "success").Inc()

	newCompleted := job.DCA.SwapsCompleted + 1
	nextExecution := now.Add(time.Duration(job.DCA.IntervalSeconds) * time.Second)

	if err := e.store.MarkDCATick(ctx, job.ID, receipt.TxRef, newCompleted, nextExecution, receipt.AmountOut); err != nil {
		return fmt.Errorf("mark dca tick: %w", err)
	}

	if newCompleted >= job.DCA.TotalSwaps {
		if err := e.store.MarkExecuted(ctx, job.ID, receipt.TxRef, receipt.AmountOut); err != nil {
			return fmt.Errorf("mark executed: %w", err)
		}
		e.logger.Info("dca schedule completed", "job_id", job.ID, "swaps", newCompleted)
		return nil
	}

	e.logger.Info("dca tick executed",
		"job_id", job.ID, "tx_ref", receipt.TxRef, "swaps_completed", newCompleted, "next_execution", nextExecution)
	return nil
}

// approve runs the safety guard. A violation is a "not now" for this tick
// only: no state change, no retry increment, no error record.
func (e *Executor) approve(ctx context.Context, job *domain.Job, token string, now time.Time) (bool, error) {
	cfg := e.safety()

	// No point quoting the oracle when the kill switch is on.
	notional := decimal.Zero
	if !cfg.GlobalPause {
		var err error
		notional, err = e.prices.QuoteUSD(ctx, token, job.AmountIn())
		if err != nil {
			return false, fmt.Errorf("estimate usd notional: %w", err)
		}
	}

	v := e.guard.Check(job, SafetyInput{Config: cfg, NotionalUsd: notional, Now: now})
	if v != ViolationNone {
		metrics.SafetyRejectionsTotal.WithLabelValues(string(v)).Inc()
		e.logger.Info("submission blocked by safety guard", "job_id", job.ID, "violation", v)
		return false, nil
	}
	return true, nil
}

// submit wraps a gateway call in an execution record so a keeper crash
// mid-submission leaves a visible open attempt in the history.
func (e *Executor) submit(ctx context.Context, job *domain.Job, call func(context.Context) (*chain.Receipt, error)) (*chain.Receipt, error) {
	startedAt := time.Now()

	rec, err := e.execs.CreateAttempt(ctx, &domain.ExecutionRecord{
		JobID:      job.ID,
		AttemptNum: job.Retries + 1,
		StartedAt:  startedAt,
	})
	if err != nil {
		// If the DB rejects this write it will reject the status writes a
		// classification would make too. Abort the tick; the job is revisited
		// on the next scan.
		return nil, fmt.Errorf("%w: %w", errAttemptOpenFailed, err)
	}

	receipt, callErr := call(ctx)
	durationMS := time.Since(startedAt).Milliseconds()

	var txRef *string
	var amountOut *big.Int
	var errMsg *string
	if receipt != nil {
		txRef = &receipt.TxRef
		amountOut = receipt.AmountOut
	}
	if callErr != nil {
		msg := callErr.Error()
		errMsg = &msg
	}
	if err := e.execs.CompleteAttempt(context.WithoutCancel(ctx), rec.ID, txRef, amountOut, errMsg, durationMS); err != nil {
		e.logger.Error("complete execution record", "job_id", job.ID, "error", err)
	}

	return receipt, callErr
}

// classify applies the submission-error taxonomy. Every error lands in
// exactly one category with its own policy; see the doc comment on each arm.
func (e *Executor) classify(ctx context.Context, job *domain.Job, submitErr error) error {
	switch {
	// Transient re-evaluation signals: the contract re-checked the trigger at
	// submission time and it no longer held. Spend one retry, keep the job
	// active, and let the next full scan revisit it naturally.
	case errors.Is(submitErr, chain.ErrConditionNotMet),
		errors.Is(submitErr, chain.ErrIntervalNotElapsed),
		errors.Is(submitErr, chain.ErrSlippageExceeded):
		metrics.ClassificationsTotal.WithLabelValues("transient").Inc()
		if job.Retries < job.MaxRetries {
			if err := e.store.IncrementRetry(ctx, job.ID); err != nil {
				e.logger.Error("increment retry", "job_id", job.ID, "error", err)
			} else {
				job.Retries++
			}
		}
		if err := e.store.UpdateLastError(ctx, job.ID, submitErr.Error()); err != nil {
			e.logger.Error("update last error", "job_id", job.ID, "error", err)
		}
		e.logger.Warn("transient submission failure, staying active",
			"job_id", job.ID, "retries", job.Retries, "error", submitErr)
		return nil

	// Stale reference: the on-chain id does not exist on the configured
	// contract (e.g. after a redeploy). Permanently invalid; cancel without
	// touching the retry budget.
	case errors.Is(submitErr, chain.ErrUnknownJob):
		metrics.ClassificationsTotal.WithLabelValues("stale_reference").Inc()
		e.logger.Warn("on-chain job id is stale, cancelling", "job_id", job.ID, "error", submitErr)
		e.retries.Remove(job.ID)
		if err := e.store.MarkCancelled(ctx, job.ID, "on-chain job reference no longer exists"); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		return nil

	// Reconciliation: the job exists on-chain but is no longer active there.
	// Resync local state to on-chain truth.
	case errors.Is(submitErr, chain.ErrJobNotActive):
		metrics.ClassificationsTotal.WithLabelValues("reconciliation").Inc()
		return e.reconcile(ctx, job)
	}

	// Unexpected: anything else. Bounded retry through the back-off queue,
	// then permanently failed.
	metrics.ClassificationsTotal.WithLabelValues("unexpected").Inc()

	newRetries := job.Retries
	if newRetries < job.MaxRetries {
		if err := e.store.IncrementRetry(ctx, job.ID); err != nil {
			e.logger.Error("increment retry", "job_id", job.ID, "error", err)
		} else {
			newRetries++
		}
	}
	if err := e.store.MarkFailed(ctx, job.ID, submitErr.Error()); err != nil {
		e.logger.Error("mark failed", "job_id", job.ID, "error", err)
	}

	if newRetries < job.MaxRetries {
		snap := job.Clone()
		snap.Retries = newRetries
		snap.Status = domain.StatusFailed
		dueAt := e.retries.Enqueue(snap, time.Now())
		e.logger.Warn("unexpected submission failure, queued for retry",
			"job_id", job.ID, "error", submitErr, "attempt", newRetries, "max_retries", job.MaxRetries, "retry_at", dueAt)
		return nil
	}

	e.logger.Warn("job permanently failed", "job_id", job.ID, "error", submitErr, "retries", newRetries)
	job.Retries = newRetries // the notification reports how many attempts were actually spent
	e.notifier.PermanentFailure(ctx, job, submitErr.Error())
	return nil
}

// reconcile resolves a local/on-chain disagreement by asking the contract for
// the authoritative terminal status.
func (e *Executor) reconcile(ctx context.Context, job *domain.Job) error {
	status, err := e.client.GetOnChainStatus(ctx, *job.OnChainJobID)
	if err != nil {
		// Conservative default: cancelling beats a job stuck retrying against
		// a contract that already considers it finished.
		e.logger.Warn("on-chain status read failed, cancelling conservatively", "job_id", job.ID, "error", err)
		e.retries.Remove(job.ID)
		if err := e.store.MarkCancelled(ctx, job.ID, "status reconciliation failed"); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		return nil
	}

	switch status {
	case chain.OnChainExecuted:
		// Another actor (or a previous attempt whose result never persisted)
		// already executed this job. Adopt the on-chain outcome.
		e.logger.Info("reconciled to on-chain executed", "job_id", job.ID)
		e.retries.Remove(job.ID)
		if err := e.store.MarkExecuted(ctx, job.ID, "", nil); err != nil {
			return fmt.Errorf("mark executed: %w", err)
		}
		return nil
	case chain.OnChainActive:
		// The contract reported not-active a moment ago and active now; the
		// next scan will retry the submission. Nothing to record.
		e.logger.Info("on-chain job active again after reconciliation signal", "job_id", job.ID)
		return nil
	default: // cancelled, expired, or an unknown status
		e.logger.Info("reconciled to on-chain terminal status", "job_id", job.ID, "on_chain_status", status)
		e.retries.Remove(job.ID)
		if err := e.store.MarkCancelled(ctx, job.ID, "on-chain status: "+string(status)); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		return nil
	}
}
