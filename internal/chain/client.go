package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

// Sentinel errors the executor's classification switches on. The gateway
// maps contract revert reasons onto these; anything else is unexpected.
var (
	// Transient: the contract re-checked the trigger at submission time and
	// it no longer held. The job stays active and is revisited next scan.
	ErrConditionNotMet    = errors.New("condition not met at submission time")
	ErrIntervalNotElapsed = errors.New("interval not elapsed at submission time")
	ErrSlippageExceeded   = errors.New("slippage exceeded at submission time")

	// The on-chain job id does not exist on the configured contract, e.g.
	// after a redeploy. Permanently invalid.
	ErrUnknownJob = errors.New("unknown on-chain job id")

	// The on-chain job exists but is no longer active; local state must be
	// reconciled against the authoritative on-chain status.
	ErrJobNotActive = errors.New("on-chain job is not active")
)

type OnChainStatus string

const (
	OnChainActive    OnChainStatus = "active"
	OnChainExecuted  OnChainStatus = "executed"
	OnChainCancelled OnChainStatus = "cancelled"
	OnChainExpired   OnChainStatus = "expired"
)

// Receipt is the result of a successful on-chain execution.
type Receipt struct {
	TxRef     string
	AmountOut *big.Int // nil when the gateway could not parse the swap event
}

// KeeperClient submits strategy executions and reads authoritative contract
// state. Transaction construction, pricing and signing live behind this
// boundary.
type KeeperClient interface {
	ExecuteLimitOrder(ctx context.Context, onChainJobID, owner string, params *domain.LimitOrderParams) (*Receipt, error)
	ExecuteDCATick(ctx context.Context, onChainJobID, owner string, params *domain.DCAParams) (*Receipt, error)
	GetOnChainStatus(ctx context.Context, onChainJobID string) (OnChainStatus, error)
}
