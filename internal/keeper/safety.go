package keeper

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

// Violation names the first safety check a submission failed. A violation is
// a "not now" signal for the current tick only: it never mutates job state,
// never counts as a retry, and is re-evaluated fresh on the next tick.
type Violation string

const (
	ViolationNone        Violation = ""
	ViolationGlobalPause Violation = "global_pause"
	ViolationNotionalCap Violation = "notional_over_cap"
	ViolationMinInterval Violation = "min_interval_not_elapsed"
)

// SafetyInput is the per-tick context the guard evaluates against. The
// caller estimates NotionalUsd from a fresh oracle quote; Config is re-read
// every tick so a pause takes effect immediately.
type SafetyInput struct {
	Config      domain.SafetyConfig
	NotionalUsd decimal.Decimal
	Now         time.Time
}

// SafetyGuard is the stateless pre-submission circuit breaker.
type SafetyGuard struct{}

// Check runs the checks in fixed order and short-circuits on the first
// failure: global pause, then the USD notional cap, then (DCA only) the
// minimum spacing since the job's last execution.
func (SafetyGuard) Check(job *domain.Job, in SafetyInput) Violation {
	if in.Config.GlobalPause {
		return ViolationGlobalPause
	}

	if in.Config.MaxSwapUsd.IsPositive() && in.NotionalUsd.GreaterThan(in.Config.MaxSwapUsd) {
		return ViolationNotionalCap
	}

	if job.Kind == domain.KindDCA && job.DCA.LastExecution != nil {
		minGap := time.Duration(in.Config.MinExecutionIntervalSeconds) * time.Second
		if in.Now.Sub(*job.DCA.LastExecution) < minGap {
			return ViolationMinInterval
		}
	}

	return ViolationNone
}
