package domain

import (
	"errors"
	"math/big"
	"time"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrDuplicateJob       = errors.New("duplicate job")
	ErrJobTerminal        = errors.New("job is already in a terminal state")
	ErrOwnerNotSubscribed = errors.New("owner has no notification address")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Terminal reports whether s is terminal from the engine's point of view.
// StatusFailed is deliberately not included: a failed job with retry budget
// left may still be revisited by the retry queue or the reconciler.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

type Kind string

const (
	KindLimitOrder Kind = "limit_order"
	KindDCA        Kind = "dca"
)

type Direction string

const (
	DirectionGTE Direction = "gte"
	DirectionLTE Direction = "lte"
)

// LimitOrderParams describes a one-shot swap that fires once the pool price
// crosses TargetPrice. Amounts and prices are fixed-point integers in the
// on-chain scale.
type LimitOrderParams struct {
	TokenIn      string
	TokenOut     string
	AmountIn     *big.Int
	MinAmountOut *big.Int
	TargetPrice  *big.Int
	Direction    Direction
}

// DCAParams describes a recurring fixed-size swap on a fixed interval.
// LastExecution is nil until the first swap lands.
type DCAParams struct {
	TokenIn         string
	TokenOut        string
	AmountPerSwap   *big.Int
	IntervalSeconds int64
	TotalSwaps      int
	SwapsCompleted  int
	NextExecution   time.Time
	LastExecution   *time.Time
}

// Job is the envelope shared by both strategy kinds. Exactly one of
// LimitOrder / DCA is non-nil, matching Kind.
type Job struct {
	ID    string
	Owner string

	// OnChainJobID correlates the row with the keeper contract. It stays nil
	// until the registration transaction confirms; the engine never submits
	// while it is nil.
	OnChainJobID *string

	Kind       Kind
	LimitOrder *LimitOrderParams
	DCA        *DCAParams

	Status     Status
	Retries    int
	MaxRetries int

	// LastError is advisory text for the UI. Control flow never depends on it.
	LastError *string

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the job's deadline has passed at now.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}

// AmountIn returns the input amount of the next submission, whichever
// variant the job carries.
func (j *Job) AmountIn() *big.Int {
	switch j.Kind {
	case KindLimitOrder:
		return j.LimitOrder.AmountIn
	case KindDCA:
		return j.DCA.AmountPerSwap
	}
	return nil
}

// Clone returns a deep copy. Retry-queue entries hold snapshots, so the
// engine must never hand out aliased pointers into live rows.
func (j *Job) Clone() *Job {
	c := *j
	if j.OnChainJobID != nil {
		id := *j.OnChainJobID
		c.OnChainJobID = &id
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		c.ExpiresAt = &t
	}
	if j.LimitOrder != nil {
		p := *j.LimitOrder
		p.AmountIn = cloneBig(j.LimitOrder.AmountIn)
		p.MinAmountOut = cloneBig(j.LimitOrder.MinAmountOut)
		p.TargetPrice = cloneBig(j.LimitOrder.TargetPrice)
		c.LimitOrder = &p
	}
	if j.DCA != nil {
		p := *j.DCA
		p.AmountPerSwap = cloneBig(j.DCA.AmountPerSwap)
		if j.DCA.LastExecution != nil {
			t := *j.DCA.LastExecution
			p.LastExecution = &t
		}
		c.DCA = &p
	}
	return &c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// ExecutionRecord is one submission attempt against the chain, opened before
// the call goes out and closed with the outcome.
type ExecutionRecord struct {
	ID          string
	JobID       string
	AttemptNum  int
	StartedAt   time.Time
	CompletedAt *time.Time
	TxRef       *string
	AmountOut   *big.Int
	Error       *string
	DurationMS  *int64
}
