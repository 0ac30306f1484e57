package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

// GatewayClient talks to the signer gateway, the sidecar that constructs,
// prices and signs keeper transactions. The keeper itself never holds a key.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	OnChainJobID string `json:"on_chain_job_id"`
	Owner        string `json:"owner"`

	TokenIn      string `json:"token_in"`
	TokenOut     string `json:"token_out"`
	AmountIn     string `json:"amount_in"`
	MinAmountOut string `json:"min_amount_out,omitempty"`
}

type executeResponse struct {
	TxRef     string  `json:"tx_ref"`
	AmountOut *string `json:"amount_out,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	Status OnChainStatus `json:"status"`
}

func (c *GatewayClient) ExecuteLimitOrder(ctx context.Context, onChainJobID, owner string, params *domain.LimitOrderParams) (*Receipt, error) {
	req := executeRequest{
		OnChainJobID: onChainJobID,
		Owner:        owner,
		TokenIn:      params.TokenIn,
		TokenOut:     params.TokenOut,
		AmountIn:     params.AmountIn.String(),
		MinAmountOut: params.MinAmountOut.String(),
	}
	return c.execute(ctx, "/v1/execute/limit-order", req)
}

func (c *GatewayClient) ExecuteDCATick(ctx context.Context, onChainJobID, owner string, params *domain.DCAParams) (*Receipt, error) {
	req := executeRequest{
		OnChainJobID: onChainJobID,
		Owner:        owner,
		TokenIn:      params.TokenIn,
		TokenOut:     params.TokenOut,
		AmountIn:     params.AmountPerSwap.String(),
	}
	return c.execute(ctx, "/v1/execute/dca-tick", req)
}

func (c *GatewayClient) GetOnChainStatus(ctx context.Context, onChainJobID string) (OnChainStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+onChainJobID+"/status", nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("status request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", c.decodeError(resp)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return sr.Status, nil
}

func (c *GatewayClient) execute(ctx context.Context, path string, req executeRequest) (*Receipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var er executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}

	rec := &Receipt{TxRef: er.TxRef}
	if er.AmountOut != nil {
		out, ok := new(big.Int).SetString(*er.AmountOut, 10)
		if !ok {
			return nil, fmt.Errorf("gateway returned malformed amount_out %q", *er.AmountOut)
		}
		rec.AmountOut = out
	}
	return rec, nil
}

// Ping satisfies health.Pinger so readiness can report gateway outages.
func (c *GatewayClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway ping returned status %d", resp.StatusCode)
	}
	return nil
}

// decodeError maps the gateway's structured error codes onto the sentinel
// errors the executor classifies on. Unknown codes surface as plain errors
// and land in the unexpected bucket.
func (c *GatewayClient) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ge gatewayError
	if err := json.Unmarshal(raw, &ge); err != nil || ge.Code == "" {
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	switch ge.Code {
	case "CONDITION_NOT_MET":
		return fmt.Errorf("%s: %w", ge.Message, ErrConditionNotMet)
	case "INTERVAL_NOT_ELAPSED":
		return fmt.Errorf("%s: %w", ge.Message, ErrIntervalNotElapsed)
	case "SLIPPAGE_EXCEEDED":
		return fmt.Errorf("%s: %w", ge.Message, ErrSlippageExceeded)
	case "UNKNOWN_JOB":
		return fmt.Errorf("%s: %w", ge.Message, ErrUnknownJob)
	case "JOB_NOT_ACTIVE":
		return fmt.Errorf("%s: %w", ge.Message, ErrJobNotActive)
	}
	return fmt.Errorf("gateway error %s: %s", ge.Code, ge.Message)
}
