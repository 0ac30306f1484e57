package price

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Source reads prices for the engine. PairPrice returns the current AMM pool
// price of tokenIn denominated in tokenOut, as a fixed-point integer in the
// same scale the contract uses, so limit-order comparisons match the on-chain
// re-validation bit for bit. QuoteUSD is a coarse oracle read used only for
// the circuit-breaker notional estimate.
type Source interface {
	PairPrice(ctx context.Context, tokenIn, tokenOut string) (*big.Int, error)
	QuoteUSD(ctx context.Context, token string, amount *big.Int) (decimal.Decimal, error)
}

// HTTPSource reads the price API that fronts the AMM oracle.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type pairPriceResponse struct {
	// Fixed-point integer as a decimal string; on-chain scale.
	Price string `json:"price"`
}

type quoteUSDResponse struct {
	// Human-scale USD value as a decimal string.
	ValueUsd string `json:"value_usd"`
}

func (s *HTTPSource) PairPrice(ctx context.Context, tokenIn, tokenOut string) (*big.Int, error) {
	q := url.Values{}
	q.Set("token_in", tokenIn)
	q.Set("token_out", tokenOut)

	var pr pairPriceResponse
	if err := s.get(ctx, "/v1/pair-price?"+q.Encode(), &pr); err != nil {
		return nil, err
	}

	p, ok := new(big.Int).SetString(pr.Price, 10)
	if !ok {
		return nil, fmt.Errorf("price api returned malformed price %q", pr.Price)
	}
	return p, nil
}

func (s *HTTPSource) QuoteUSD(ctx context.Context, token string, amount *big.Int) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("token", token)
	q.Set("amount", amount.String())

	var qr quoteUSDResponse
	if err := s.get(ctx, "/v1/quote-usd?"+q.Encode(), &qr); err != nil {
		return decimal.Zero, err
	}

	v, err := decimal.NewFromString(qr.ValueUsd)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price api returned malformed usd value %q: %w", qr.ValueUsd, err)
	}
	return v, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build price request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("price request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price api returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode price response: %w", err)
	}
	return nil
}
