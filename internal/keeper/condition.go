package keeper

import (
	"math/big"
	"time"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

// PriceEvaluation is the outcome of a limit-order trigger check, carrying the
// inputs used so the decision can be logged and audited.
type PriceEvaluation struct {
	Met       bool
	Price     *big.Int
	Target    *big.Int
	Direction domain.Direction
}

// EvaluateLimitOrder decides whether a limit order's trigger holds at the
// given pool price. Comparison is pure fixed-point integer arithmetic: the
// contract re-validates the same values on-chain, and any float rounding here
// would turn into a spurious transient-error loop there.
func EvaluateLimitOrder(params *domain.LimitOrderParams, price *big.Int) PriceEvaluation {
	ev := PriceEvaluation{
		Price:     price,
		Target:    params.TargetPrice,
		Direction: params.Direction,
	}
	switch params.Direction {
	case domain.DirectionGTE:
		ev.Met = price.Cmp(params.TargetPrice) >= 0
	case domain.DirectionLTE:
		ev.Met = price.Cmp(params.TargetPrice) <= 0
	}
	return ev
}

// IntervalEvaluation is the outcome of a DCA interval check.
type IntervalEvaluation struct {
	Met           bool
	Now           time.Time
	NextExecution time.Time
}

// EvaluateDCAInterval decides whether a DCA job's next tick is due.
func EvaluateDCAInterval(params *domain.DCAParams, now time.Time) IntervalEvaluation {
	return IntervalEvaluation{
		Met:           !now.Before(params.NextExecution),
		Now:           now,
		NextExecution: params.NextExecution,
	}
}
