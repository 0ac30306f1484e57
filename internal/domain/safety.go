package domain

import "github.com/shopspring/decimal"

// SafetyConfig is the process-wide circuit-breaker configuration. It is
// supplied by config at startup and read-only to the engine; GlobalPause is
// re-read on every tick so flipping it takes effect without a restart.
type SafetyConfig struct {
	MaxSwapUsd                  decimal.Decimal
	MaxSlippageBps              int
	MaxRetries                  int
	MinExecutionIntervalSeconds int64
	GlobalPause                 bool
}
