package usecase

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
	"github.com/cfxdevkit/cas-sub000/internal/repository"
)

type fakeJobStore struct {
	repository.JobStore

	created   *domain.Job
	createErr error
	byID      *domain.Job
	byIDErr   error
	cancelErr error
	listInput repository.ListJobsInput
}

func (s *fakeJobStore) Create(_ context.Context, job *domain.Job) (*domain.Job, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = job
	return job, nil
}

func (s *fakeJobStore) GetByID(context.Context, string) (*domain.Job, error) {
	return s.byID, s.byIDErr
}

func (s *fakeJobStore) ListJobs(_ context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	s.listInput = input
	return nil, nil
}

func (s *fakeJobStore) Cancel(context.Context, string, string) error { return s.cancelErr }

func (s *fakeJobStore) SetOnChainJobID(context.Context, string, string, string) error { return nil }

type fakeExecStore struct {
	repository.ExecutionStore

	recs []*domain.ExecutionRecord
}

func (s *fakeExecStore) ListByJobID(context.Context, string) ([]*domain.ExecutionRecord, error) {
	return s.recs, nil
}

type fakeOwnerDirectory struct {
	upserts int
	err     error
}

func (d *fakeOwnerDirectory) Upsert(context.Context, string, *string) error {
	d.upserts++
	return d.err
}

func TestCreateLimitOrder_Defaults(t *testing.T) {
	store := &fakeJobStore{}
	owners := &fakeOwnerDirectory{}
	u := NewStrategyUsecase(store, &fakeExecStore{}, owners, 3)

	job, err := u.CreateLimitOrder(context.Background(), CreateLimitOrderInput{
		Owner:       "0xowner",
		TokenIn:     "WETH",
		TokenOut:    "USDC",
		AmountIn:    big.NewInt(1000),
		TargetPrice: big.NewInt(100),
		Direction:   domain.DirectionGTE,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.StatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if job.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", job.MaxRetries)
	}
	if job.OnChainJobID != nil {
		t.Error("a new strategy must not carry an on-chain id")
	}
	if owners.upserts != 1 {
		t.Errorf("expected one owner upsert, got %d", owners.upserts)
	}
}

func TestCreate_MaxRetriesDefaultComesFromConfig(t *testing.T) {
	store := &fakeJobStore{}
	u := NewStrategyUsecase(store, &fakeExecStore{}, &fakeOwnerDirectory{}, 5)

	job, err := u.CreateLimitOrder(context.Background(), CreateLimitOrderInput{
		Owner:       "0xowner",
		TokenIn:     "WETH",
		TokenOut:    "USDC",
		AmountIn:    big.NewInt(1000),
		TargetPrice: big.NewInt(100),
		Direction:   domain.DirectionGTE,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want configured default 5", job.MaxRetries)
	}

	// An explicit request value always wins over the default.
	job, err = u.CreateDCA(context.Background(), CreateDCAInput{
		Owner:           "0xowner",
		TokenIn:         "WETH",
		TokenOut:        "USDC",
		AmountPerSwap:   big.NewInt(500),
		IntervalSeconds: 3600,
		TotalSwaps:      10,
		MaxRetries:      1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want explicit 1", job.MaxRetries)
	}
}

func TestCreateDCA_StartAtControlsFirstTick(t *testing.T) {
	store := &fakeJobStore{}
	u := NewStrategyUsecase(store, &fakeExecStore{}, &fakeOwnerDirectory{}, 3)

	startAt := time.Now().Add(24 * time.Hour)
	job, err := u.CreateDCA(context.Background(), CreateDCAInput{
		Owner:           "0xowner",
		TokenIn:         "WETH",
		TokenOut:        "USDC",
		AmountPerSwap:   big.NewInt(500),
		IntervalSeconds: 3600,
		TotalSwaps:      10,
		StartAt:         &startAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !job.DCA.NextExecution.Equal(startAt) {
		t.Errorf("expected first tick at %v, got %v", startAt, job.DCA.NextExecution)
	}

	// Without StartAt the first swap is eligible immediately.
	before := time.Now()
	job, err = u.CreateDCA(context.Background(), CreateDCAInput{
		Owner:           "0xowner",
		TokenIn:         "WETH",
		TokenOut:        "USDC",
		AmountPerSwap:   big.NewInt(500),
		IntervalSeconds: 3600,
		TotalSwaps:      10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.DCA.NextExecution.Before(before) {
		t.Error("immediate start must not be backdated")
	}
}

func TestCreate_OwnerUpsertFailureAborts(t *testing.T) {
	store := &fakeJobStore{}
	u := NewStrategyUsecase(store, &fakeExecStore{}, &fakeOwnerDirectory{err: errors.New("db down")}, 3)

	_, err := u.CreateLimitOrder(context.Background(), CreateLimitOrderInput{Owner: "0xowner"})
	if err == nil {
		t.Fatal("expected error")
	}
	if store.created != nil {
		t.Error("no job row should exist when the owner write fails")
	}
}

func TestList_ClampsLimit(t *testing.T) {
	store := &fakeJobStore{}
	u := NewStrategyUsecase(store, &fakeExecStore{}, &fakeOwnerDirectory{}, 3)

	if _, err := u.List(context.Background(), repository.ListJobsInput{Owner: "0xowner"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.listInput.Limit != 50 {
		t.Errorf("expected default limit 50, got %d", store.listInput.Limit)
	}

	if _, err := u.List(context.Background(), repository.ListJobsInput{Owner: "0xowner", Limit: 500}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.listInput.Limit != 50 {
		t.Errorf("expected oversized limit clamped to 50, got %d", store.listInput.Limit)
	}
}

func TestCancel_WrapsStoreErrors(t *testing.T) {
	store := &fakeJobStore{cancelErr: domain.ErrJobTerminal}
	u := NewStrategyUsecase(store, &fakeExecStore{}, &fakeOwnerDirectory{}, 3)

	err := u.Cancel(context.Background(), "job-1", "0xowner")
	if !errors.Is(err, domain.ErrJobTerminal) {
		t.Errorf("expected ErrJobTerminal in chain, got %v", err)
	}
}

func TestListExecutions_OwnershipCheck(t *testing.T) {
	rec := &domain.ExecutionRecord{ID: "att-1", JobID: "job-1"}
	store := &fakeJobStore{byID: &domain.Job{ID: "job-1", Owner: "0xowner"}}
	u := NewStrategyUsecase(store, &fakeExecStore{recs: []*domain.ExecutionRecord{rec}}, &fakeOwnerDirectory{}, 3)

	recs, err := u.ListExecutions(context.Background(), "job-1", "0xowner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}

	// Another owner must see not-found, not someone else's history.
	_, err = u.ListExecutions(context.Background(), "job-1", "0xother")
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
