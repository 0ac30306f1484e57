package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfxdevkit/cas-sub000/internal/chain"
	"github.com/cfxdevkit/cas-sub000/internal/domain"
	"github.com/cfxdevkit/cas-sub000/internal/repository"
)

type executedCall struct {
	jobID     string
	txRef     string
	amountOut *big.Int
}

type markCall struct {
	jobID string
	msg   string
}

type dcaTickCall struct {
	jobID          string
	txRef          string
	swapsCompleted int
	nextExecution  time.Time
	amountOut      *big.Int
}

// fakeJobStore records every engine-side transition and serves GetByID /
// GetActiveJobs from in-memory fixtures.
type fakeJobStore struct {
	mu sync.Mutex

	jobs        map[string]*domain.Job
	active      []*domain.Job
	activeErr   error
	leaseDenied bool

	activated []string
	executed  []executedCall
	failed    []markCall
	expired   []string
	cancelled []markCall
	retried   []string
	lastErrs  []markCall
	dcaTicks  []dcaTickCall
	leases    []string
	releases  []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*domain.Job)}
}

func (s *fakeJobStore) Create(_ context.Context, job *domain.Job) (*domain.Job, error) {
	return job, nil
}

func (s *fakeJobStore) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *fakeJobStore) ListJobs(context.Context, repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, nil
}

func (s *fakeJobStore) Cancel(context.Context, string, string) error { return nil }

func (s *fakeJobStore) SetOnChainJobID(context.Context, string, string, string) error { return nil }

func (s *fakeJobStore) GetActiveJobs(context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeErr != nil {
		return nil, s.activeErr
	}
	out := make([]*domain.Job, 0, len(s.active))
	for _, j := range s.active {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *fakeJobStore) MarkActive(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = append(s.activated, jobID)
	return nil
}

func (s *fakeJobStore) MarkExecuted(_ context.Context, jobID, txRef string, amountOut *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, executedCall{jobID: jobID, txRef: txRef, amountOut: amountOut})
	return nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, jobID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, markCall{jobID: jobID, msg: lastError})
	return nil
}

func (s *fakeJobStore) MarkExpired(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, jobID)
	return nil
}

func (s *fakeJobStore) MarkCancelled(_ context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, markCall{jobID: jobID, msg: reason})
	return nil
}

func (s *fakeJobStore) IncrementRetry(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, jobID)
	return nil
}

func (s *fakeJobStore) UpdateLastError(_ context.Context, jobID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrs = append(s.lastErrs, markCall{jobID: jobID, msg: msg})
	return nil
}

func (s *fakeJobStore) MarkDCATick(_ context.Context, jobID, txRef string, newSwapsCompleted int, nextExecution time.Time, amountOut *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dcaTicks = append(s.dcaTicks, dcaTickCall{
		jobID:          jobID,
		txRef:          txRef,
		swapsCompleted: newSwapsCompleted,
		nextExecution:  nextExecution,
		amountOut:      amountOut,
	})
	return nil
}

func (s *fakeJobStore) TryLease(_ context.Context, jobID string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseDenied {
		return false, nil
	}
	s.leases = append(s.leases, jobID)
	return true, nil
}

func (s *fakeJobStore) ReleaseLease(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, jobID)
	return nil
}

type fakeExecStore struct {
	mu        sync.Mutex
	createErr error
	created   []*domain.ExecutionRecord
	completed []struct {
		id     string
		txRef  *string
		errMsg *string
	}
}

func (s *fakeExecStore) CreateAttempt(_ context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	c := *rec
	c.ID = fmt.Sprintf("att-%d", len(s.created)+1)
	s.created = append(s.created, &c)
	return &c, nil
}

func (s *fakeExecStore) CompleteAttempt(_ context.Context, id string, txRef *string, _ *big.Int, errMsg *string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, struct {
		id     string
		txRef  *string
		errMsg *string
	}{id: id, txRef: txRef, errMsg: errMsg})
	return nil
}

func (s *fakeExecStore) ListByJobID(context.Context, string) ([]*domain.ExecutionRecord, error) {
	return nil, nil
}

type fakeKeeperClient struct {
	mu         sync.Mutex
	limitErr   error
	dcaErr     error
	status     chain.OnChainStatus
	statusErr  error
	receipt    *chain.Receipt
	limitCalls int
	dcaCalls   int
}

func (c *fakeKeeperClient) ExecuteLimitOrder(context.Context, string, string, *domain.LimitOrderParams) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limitCalls++
	if c.limitErr != nil {
		return nil, c.limitErr
	}
	return c.receipt, nil
}

func (c *fakeKeeperClient) ExecuteDCATick(context.Context, string, string, *domain.DCAParams) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dcaCalls++
	if c.dcaErr != nil {
		return nil, c.dcaErr
	}
	return c.receipt, nil
}

func (c *fakeKeeperClient) GetOnChainStatus(context.Context, string) (chain.OnChainStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return "", c.statusErr
	}
	return c.status, nil
}

func (c *fakeKeeperClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limitCalls + c.dcaCalls
}

type fakePriceSource struct {
	mu         sync.Mutex
	pair       *big.Int
	pairErr    error
	quote      decimal.Decimal
	quoteErr   error
	quoteCalls int
}

func (s *fakePriceSource) PairPrice(context.Context, string, string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairErr != nil {
		return nil, s.pairErr
	}
	return new(big.Int).Set(s.pair), nil
}

func (s *fakePriceSource) QuoteUSD(context.Context, string, *big.Int) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteCalls++
	if s.quoteErr != nil {
		return decimal.Zero, s.quoteErr
	}
	return s.quote, nil
}

type notifyCall struct {
	jobID   string
	retries int
	reason  string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) PermanentFailure(_ context.Context, job *domain.Job, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{jobID: job.ID, retries: job.Retries, reason: reason})
}

type execFixture struct {
	store    *fakeJobStore
	execs    *fakeExecStore
	client   *fakeKeeperClient
	prices   *fakePriceSource
	queue    *RetryQueue
	notifier *fakeNotifier
	cfg      domain.SafetyConfig
	exec     *Executor
}

func newExecFixture() *execFixture {
	f := &execFixture{
		store:    newFakeJobStore(),
		execs:    &fakeExecStore{},
		client:   &fakeKeeperClient{receipt: &chain.Receipt{TxRef: "0xtx", AmountOut: big.NewInt(4200)}},
		prices:   &fakePriceSource{pair: big.NewInt(100), quote: decimal.NewFromInt(500)},
		queue:    NewRetryQueue(),
		notifier: &fakeNotifier{},
		cfg: domain.SafetyConfig{
			MaxSwapUsd: decimal.NewFromInt(10_000),
			MaxRetries: 3,
		},
	}
	f.exec = NewExecutor(f.store, f.execs, f.client, f.prices, f.queue, f.notifier,
		func() domain.SafetyConfig { return f.cfg }, testLogger(), 2)
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func limitJob(status domain.Status) *domain.Job {
	oc := "oc-1"
	return &domain.Job{
		ID:           "job-1",
		Owner:        "0xowner",
		OnChainJobID: &oc,
		Kind:         domain.KindLimitOrder,
		LimitOrder: &domain.LimitOrderParams{
			TokenIn:      "WETH",
			TokenOut:     "USDC",
			AmountIn:     big.NewInt(1_000_000),
			MinAmountOut: big.NewInt(1),
			TargetPrice:  big.NewInt(100),
			Direction:    domain.DirectionGTE,
		},
		Status:     status,
		MaxRetries: 3,
	}
}

func dcaJob(status domain.Status, completed int) *domain.Job {
	oc := "oc-2"
	return &domain.Job{
		ID:           "job-2",
		Owner:        "0xowner",
		OnChainJobID: &oc,
		Kind:         domain.KindDCA,
		DCA: &domain.DCAParams{
			TokenIn:         "WETH",
			TokenOut:        "USDC",
			AmountPerSwap:   big.NewInt(500_000),
			IntervalSeconds: 3600,
			TotalSwaps:      3,
			SwapsCompleted:  completed,
			NextExecution:   time.Now().Add(-time.Minute),
		},
		Status:     status,
		MaxRetries: 3,
	}
}

func TestProcessTick_ExpiredJobFailsWithoutSubmission(t *testing.T) {
	f := newExecFixture()
	job := limitJob(domain.StatusActive)
	past := time.Now().Add(-time.Hour)
	job.ExpiresAt = &past

	require.NoError(t, f.exec.ProcessTick(context.Background(), job))

	assert.Equal(t, []string{"job-1"}, f.store.expired)
	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.execs.created, "no execution attempt for an expired job")
}

func TestProcessTick_PendingJobIsActivated(t *testing.T) {
	f := newExecFixture()
	f.prices.pair = big.NewInt(50) // below target, no submission this tick

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusPending)))

	assert.Equal(t, []string{"job-1"}, f.store.activated)
	assert.Zero(t, f.client.calls())
}

func TestProcessTick_SkipsUnregisteredJob(t *testing.T) {
	f := newExecFixture()
	job := limitJob(domain.StatusActive)
	job.OnChainJobID = nil

	require.NoError(t, f.exec.ProcessTick(context.Background(), job))

	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.store.executed)
	assert.Empty(t, f.store.failed)
}

func TestProcessTick_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	f := newExecFixture()
	f.store.leaseDenied = true

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.store.executed)
	assert.Empty(t, f.store.releases, "never held the lease, must not release it")
}

func TestProcessTick_ReleasesLeaseAfterTick(t *testing.T) {
	f := newExecFixture()

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Equal(t, []string{"job-1"}, f.store.leases)
	assert.Equal(t, []string{"job-1"}, f.store.releases)
}

func TestProcessTick_LimitConditionNotMet(t *testing.T) {
	f := newExecFixture()
	f.prices.pair = big.NewInt(99)

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.store.executed)
	assert.Empty(t, f.store.retried, "an unmet condition is not a failure")
	assert.Equal(t, 0, f.prices.quoteCalls, "no notional estimate before the trigger holds")
}

func TestProcessTick_LimitOrderExecutes(t *testing.T) {
	f := newExecFixture()

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Equal(t, 1, f.client.limitCalls)
	require.Len(t, f.store.executed, 1)
	assert.Equal(t, "job-1", f.store.executed[0].jobID)
	assert.Equal(t, "0xtx", f.store.executed[0].txRef)
	assert.Equal(t, int64(4200), f.store.executed[0].amountOut.Int64())

	// The attempt was opened before the call and closed with the tx reference.
	require.Len(t, f.execs.created, 1)
	assert.Equal(t, 1, f.execs.created[0].AttemptNum)
	require.Len(t, f.execs.completed, 1)
	require.NotNil(t, f.execs.completed[0].txRef)
	assert.Equal(t, "0xtx", *f.execs.completed[0].txRef)
	assert.Nil(t, f.execs.completed[0].errMsg)
}

func TestProcessTick_TransientErrorStaysActive(t *testing.T) {
	f := newExecFixture()
	f.client.limitErr = fmt.Errorf("gateway: %w", chain.ErrConditionNotMet)

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Equal(t, []string{"job-1"}, f.store.retried)
	require.Len(t, f.store.lastErrs, 1)
	assert.Empty(t, f.store.failed)
	assert.Empty(t, f.store.cancelled)
	assert.Equal(t, 0, f.queue.Len(), "transient failures wait for the next scan, not the retry queue")

	// The failed attempt is still recorded with the error.
	require.Len(t, f.execs.completed, 1)
	require.NotNil(t, f.execs.completed[0].errMsg)
}

func TestProcessTick_TransientErrorClampsRetries(t *testing.T) {
	f := newExecFixture()
	f.client.limitErr = fmt.Errorf("gateway: %w", chain.ErrSlippageExceeded)
	job := limitJob(domain.StatusActive)
	job.Retries = job.MaxRetries

	require.NoError(t, f.exec.ProcessTick(context.Background(), job))

	assert.Empty(t, f.store.retried, "retry count never exceeds the budget")
	assert.Empty(t, f.store.failed, "transient errors never fail the job, even at the cap")
}

func TestProcessTick_StaleReferenceCancels(t *testing.T) {
	f := newExecFixture()
	f.client.limitErr = fmt.Errorf("gateway: %w", chain.ErrUnknownJob)

	// A stale retry entry must be dropped along with the job.
	f.queue.Enqueue(limitJob(domain.StatusFailed), time.Now())

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	require.Len(t, f.store.cancelled, 1)
	assert.Equal(t, "job-1", f.store.cancelled[0].jobID)
	assert.Empty(t, f.store.retried, "stale references do not consume retry budget")
	assert.Equal(t, 0, f.queue.Len())
}

func TestProcessTick_ReconciliationAdoptsOnChainExecuted(t *testing.T) {
	f := newExecFixture()
	f.client.limitErr = fmt.Errorf("gateway: %w", chain.ErrJobNotActive)
	f.client.status = chain.OnChainExecuted

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	require.Len(t, f.store.executed, 1)
	assert.Equal(t, "", f.store.executed[0].txRef, "no local receipt, executed by another actor")
	assert.Empty(t, f.store.cancelled)
}

func TestProcessTick_ReconciliationCancelsOnChainTerminal(t *testing.T) {
	for _, status := range []chain.OnChainStatus{chain.OnChainCancelled, chain.OnChainExpired} {
		t.Run(string(status), func(t *testing.T) {
			f := newExecFixture()
			f.client.limitErr = fmt.Errorf("gateway: %w", chain.ErrJobNotActive)
			f.client.status = status

			require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

			require.Len(t, f.store.cancelled, 1)
			assert.Empty(t, f.store.executed)
		})
	}
}

func TestProcessTick_ReconciliationStatusReadFailureCancels(t *testing.T) {
	f := newExecFixture()
	f.client.limitErr = fmt.Errorf("gateway: %w", chain.ErrJobNotActive)
	f.client.statusErr = errors.New("gateway unreachable")

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	require.Len(t, f.store.cancelled, 1)
	assert.Equal(t, "status reconciliation failed", f.store.cancelled[0].msg)
}

func TestProcessTick_UnexpectedErrorQueuesRetry(t *testing.T) {
	f := newExecFixture()
	f.client.limitErr = errors.New("rpc timeout")

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Equal(t, []string{"job-1"}, f.store.retried)
	require.Len(t, f.store.failed, 1)
	assert.Equal(t, "rpc timeout", f.store.failed[0].msg)
	assert.Equal(t, 1, f.queue.Len())
	assert.Empty(t, f.notifier.calls)

	// The queued snapshot carries the post-increment count so back-off and a
	// later budget check see the spent attempt.
	drained := f.queue.DrainDue(time.Now().Add(2 * time.Hour))
	require.Len(t, drained, 1)
	assert.Equal(t, 1, drained[0].Retries)
	assert.Equal(t, domain.StatusFailed, drained[0].Status)
}

func TestProcessTick_UnexpectedErrorExhaustsBudget(t *testing.T) {
	f := newExecFixture()
	f.client.limitErr = errors.New("rpc timeout")
	job := limitJob(domain.StatusActive)
	job.Retries = job.MaxRetries - 1

	require.NoError(t, f.exec.ProcessTick(context.Background(), job))

	assert.Equal(t, []string{"job-1"}, f.store.retried, "the final attempt still lands on max_retries exactly")
	require.Len(t, f.store.failed, 1)
	assert.Equal(t, 0, f.queue.Len(), "no re-enqueue past the budget")
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, "job-1", f.notifier.calls[0].jobID)
	assert.Equal(t, job.MaxRetries, f.notifier.calls[0].retries,
		"owner is told the post-increment attempt count, not the stale pre-tick one")
}

func TestProcessTick_GlobalPauseBlocksSubmission(t *testing.T) {
	f := newExecFixture()
	f.cfg.GlobalPause = true

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.execs.created)
	assert.Empty(t, f.store.retried, "a safety block is not a failure")
	assert.Equal(t, 0, f.prices.quoteCalls, "no oracle read while paused")
}

func TestProcessTick_NotionalCapBlocksSubmission(t *testing.T) {
	f := newExecFixture()
	f.prices.quote = decimal.NewFromInt(50_000)

	require.NoError(t, f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive)))

	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.store.failed)
}

func TestProcessTick_DCAIntervalNotDue(t *testing.T) {
	f := newExecFixture()
	job := dcaJob(domain.StatusActive, 0)
	job.DCA.NextExecution = time.Now().Add(time.Hour)

	require.NoError(t, f.exec.ProcessTick(context.Background(), job))

	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.store.dcaTicks)
}

func TestProcessTick_DCATickAdvancesSchedule(t *testing.T) {
	f := newExecFixture()
	before := time.Now()

	require.NoError(t, f.exec.ProcessTick(context.Background(), dcaJob(domain.StatusActive, 0)))

	assert.Equal(t, 1, f.client.dcaCalls)
	require.Len(t, f.store.dcaTicks, 1)
	tick := f.store.dcaTicks[0]
	assert.Equal(t, "job-2", tick.jobID)
	assert.Equal(t, "0xtx", tick.txRef)
	assert.Equal(t, 1, tick.swapsCompleted)
	assert.False(t, tick.nextExecution.Before(before.Add(time.Hour)), "next tick is interval seconds out")
	assert.Empty(t, f.store.executed, "schedule not finished yet")
}

func TestProcessTick_DCAFinalSwapCompletesJob(t *testing.T) {
	f := newExecFixture()

	require.NoError(t, f.exec.ProcessTick(context.Background(), dcaJob(domain.StatusActive, 2)))

	require.Len(t, f.store.dcaTicks, 1)
	assert.Equal(t, 3, f.store.dcaTicks[0].swapsCompleted)
	require.Len(t, f.store.executed, 1)
	assert.Equal(t, "job-2", f.store.executed[0].jobID)
}

func TestProcessTick_AbortsWhenAttemptRecordFails(t *testing.T) {
	f := newExecFixture()
	f.execs.createErr = errors.New("db down")

	err := f.exec.ProcessTick(context.Background(), limitJob(domain.StatusActive))

	require.Error(t, err)
	assert.Zero(t, f.client.calls(), "never submit without an open attempt record")

	// Nothing reached the chain, so nothing may be classified: no failure
	// status, no spent retry, no back-off entry. The next scan retries fresh.
	assert.Empty(t, f.store.failed, "a recording failure must not be classified as a submission failure")
	assert.Empty(t, f.store.retried, "no retry budget spent on a pre-submission error")
	assert.Empty(t, f.store.lastErrs)
	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, f.notifier.calls)
}

func TestProcessTick_AttemptRecordFailureOnDCAAlsoAborts(t *testing.T) {
	f := newExecFixture()
	f.execs.createErr = errors.New("db down")

	err := f.exec.ProcessTick(context.Background(), dcaJob(domain.StatusActive, 0))

	require.Error(t, err)
	assert.Zero(t, f.client.calls())
	assert.Empty(t, f.store.failed)
	assert.Empty(t, f.store.dcaTicks)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRunAllTicks_MergesDueRetries(t *testing.T) {
	f := newExecFixture()

	job := limitJob(domain.StatusFailed)
	job.Retries = 1
	f.store.jobs[job.ID] = job
	f.queue.Enqueue(job, time.Now().Add(-2*time.Hour))

	require.NoError(t, f.exec.RunAllTicks(context.Background()))

	assert.Equal(t, []string{"job-1"}, f.store.activated, "retry re-entry reactivates the failed job")
	assert.Equal(t, 1, f.client.limitCalls)
}

func TestRunAllTicks_DropsTerminalRetrySnapshots(t *testing.T) {
	f := newExecFixture()

	snap := limitJob(domain.StatusFailed)
	cancelled := limitJob(domain.StatusCancelled)
	f.store.jobs[snap.ID] = cancelled
	f.queue.Enqueue(snap, time.Now().Add(-2*time.Hour))

	require.NoError(t, f.exec.RunAllTicks(context.Background()))

	assert.Empty(t, f.store.leases, "a job cancelled elsewhere is never ticked from a stale snapshot")
	assert.Zero(t, f.client.calls())
	assert.Equal(t, 0, f.queue.Len(), "the stale entry is consumed, not requeued")
}

func TestRunAllTicks_DedupesActiveAndRetryEntries(t *testing.T) {
	f := newExecFixture()
	f.prices.pair = big.NewInt(50) // keep the tick side-effect free

	job := limitJob(domain.StatusActive)
	f.store.active = append(f.store.active, job)
	f.store.jobs[job.ID] = job
	f.queue.Enqueue(job, time.Now().Add(-2*time.Hour))

	require.NoError(t, f.exec.RunAllTicks(context.Background()))

	assert.Equal(t, []string{"job-1"}, f.store.leases, "one tick per job per cycle")
}

func TestRunAllTicks_OneFailureDoesNotAbortBatch(t *testing.T) {
	f := newExecFixture()
	f.execs.createErr = errors.New("db down") // every submission attempt errors

	f.store.active = append(f.store.active, limitJob(domain.StatusActive), dcaJob(domain.StatusActive, 0))

	require.NoError(t, f.exec.RunAllTicks(context.Background()))

	assert.Len(t, f.store.leases, 2, "both jobs were ticked despite per-job errors")
}
