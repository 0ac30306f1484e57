package handler

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
	"github.com/cfxdevkit/cas-sub000/internal/repository"
	"github.com/cfxdevkit/cas-sub000/internal/usecase"
)

type StrategyHandler struct {
	strategies *usecase.StrategyUsecase
	logger     *slog.Logger
}

func NewStrategyHandler(strategies *usecase.StrategyUsecase, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{strategies: strategies, logger: logger.With("component", "strategy_handler")}
}

type createLimitOrderRequest struct {
	Owner             string     `json:"owner"              binding:"required"`
	NotificationEmail *string    `json:"notification_email" binding:"omitempty,email"`
	TokenIn           string     `json:"token_in"           binding:"required"`
	TokenOut          string     `json:"token_out"          binding:"required"`
	AmountIn          string     `json:"amount_in"          binding:"required"`
	MinAmountOut      string     `json:"min_amount_out"     binding:"required"`
	TargetPrice       string     `json:"target_price"       binding:"required"`
	Direction         string     `json:"direction"          binding:"required,oneof=gte lte"`
	MaxRetries        int        `json:"max_retries"        binding:"omitempty,min=0,max=20"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

type createDCARequest struct {
	Owner             string     `json:"owner"              binding:"required"`
	NotificationEmail *string    `json:"notification_email" binding:"omitempty,email"`
	TokenIn           string     `json:"token_in"           binding:"required"`
	TokenOut          string     `json:"token_out"          binding:"required"`
	AmountPerSwap     string     `json:"amount_per_swap"    binding:"required"`
	IntervalSeconds   int64      `json:"interval_seconds"   binding:"required,min=60"`
	TotalSwaps        int        `json:"total_swaps"        binding:"required,min=1"`
	StartAt           *time.Time `json:"start_at"`
	MaxRetries        int        `json:"max_retries"        binding:"omitempty,min=0,max=20"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

type createStrategyResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *StrategyHandler) CreateLimitOrder(ctx *gin.Context) {
	var req createLimitOrderRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amountIn, ok1 := parseAmount(ctx, "amount_in", req.AmountIn)
	minOut, ok2 := parseAmount(ctx, "min_amount_out", req.MinAmountOut)
	target, ok3 := parseAmount(ctx, "target_price", req.TargetPrice)
	if !ok1 || !ok2 || !ok3 {
		return
	}

	job, err := h.strategies.CreateLimitOrder(ctx.Request.Context(), usecase.CreateLimitOrderInput{
		Owner:             req.Owner,
		NotificationEmail: req.NotificationEmail,
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		AmountIn:          amountIn,
		MinAmountOut:      minOut,
		TargetPrice:       target,
		Direction:         domain.Direction(req.Direction),
		MaxRetries:        req.MaxRetries,
		ExpiresAt:         req.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("create limit order", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusCreated, createStrategyResponse{ID: job.ID, CreatedAt: job.CreatedAt})
}

func (h *StrategyHandler) CreateDCA(ctx *gin.Context) {
	var req createDCARequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, ok := parseAmount(ctx, "amount_per_swap", req.AmountPerSwap)
	if !ok {
		return
	}

	job, err := h.strategies.CreateDCA(ctx.Request.Context(), usecase.CreateDCAInput{
		Owner:             req.Owner,
		NotificationEmail: req.NotificationEmail,
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		AmountPerSwap:     amount,
		IntervalSeconds:   req.IntervalSeconds,
		TotalSwaps:        req.TotalSwaps,
		StartAt:           req.StartAt,
		MaxRetries:        req.MaxRetries,
		ExpiresAt:         req.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("create dca schedule", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusCreated, createStrategyResponse{ID: job.ID, CreatedAt: job.CreatedAt})
}

type strategyResponse struct {
	ID           string        `json:"id"`
	Owner        string        `json:"owner"`
	OnChainJobID *string       `json:"on_chain_job_id,omitempty"`
	Kind         domain.Kind   `json:"kind"`
	Status       domain.Status `json:"status"`
	Retries      int           `json:"retries"`
	MaxRetries   int           `json:"max_retries"`
	LastError    *string       `json:"last_error,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	LimitOrder *limitOrderView `json:"limit_order,omitempty"`
	DCA        *dcaView        `json:"dca,omitempty"`
}

type limitOrderView struct {
	TokenIn      string `json:"token_in"`
	TokenOut     string `json:"token_out"`
	AmountIn     string `json:"amount_in"`
	MinAmountOut string `json:"min_amount_out"`
	TargetPrice  string `json:"target_price"`
	Direction    string `json:"direction"`
}

type dcaView struct {
	TokenIn         string     `json:"token_in"`
	TokenOut        string     `json:"token_out"`
	AmountPerSwap   string     `json:"amount_per_swap"`
	IntervalSeconds int64      `json:"interval_seconds"`
	TotalSwaps      int        `json:"total_swaps"`
	SwapsCompleted  int        `json:"swaps_completed"`
	NextExecution   time.Time  `json:"next_execution"`
	LastExecution   *time.Time `json:"last_execution,omitempty"`
}

func toStrategyResponse(job *domain.Job) strategyResponse {
	resp := strategyResponse{
		ID:           job.ID,
		Owner:        job.Owner,
		OnChainJobID: job.OnChainJobID,
		Kind:         job.Kind,
		Status:       job.Status,
		Retries:      job.Retries,
		MaxRetries:   job.MaxRetries,
		LastError:    job.LastError,
		ExpiresAt:    job.ExpiresAt,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.LimitOrder != nil {
		resp.LimitOrder = &limitOrderView{
			TokenIn:      job.LimitOrder.TokenIn,
			TokenOut:     job.LimitOrder.TokenOut,
			AmountIn:     job.LimitOrder.AmountIn.String(),
			MinAmountOut: job.LimitOrder.MinAmountOut.String(),
			TargetPrice:  job.LimitOrder.TargetPrice.String(),
			Direction:    string(job.LimitOrder.Direction),
		}
	}
	if job.DCA != nil {
		resp.DCA = &dcaView{
			TokenIn:         job.DCA.TokenIn,
			TokenOut:        job.DCA.TokenOut,
			AmountPerSwap:   job.DCA.AmountPerSwap.String(),
			IntervalSeconds: job.DCA.IntervalSeconds,
			TotalSwaps:      job.DCA.TotalSwaps,
			SwapsCompleted:  job.DCA.SwapsCompleted,
			NextExecution:   job.DCA.NextExecution,
			LastExecution:   job.DCA.LastExecution,
		}
	}
	return resp
}

func (h *StrategyHandler) GetByID(ctx *gin.Context) {
	jobID := ctx.Param("id")

	job, err := h.strategies.GetByID(ctx.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("get strategy", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toStrategyResponse(job))
}

func (h *StrategyHandler) List(ctx *gin.Context) {
	owner := ctx.Query("owner")
	if owner == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "owner query parameter is required"})
		return
	}

	jobs, err := h.strategies.List(ctx.Request.Context(), repository.ListJobsInput{
		Owner:  owner,
		Status: domain.Status(ctx.Query("status")),
	})
	if err != nil {
		h.logger.Error("list strategies", "owner", owner, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := make([]strategyResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toStrategyResponse(job))
	}
	ctx.JSON(http.StatusOK, gin.H{"strategies": resp})
}

type confirmRegistrationRequest struct {
	Owner        string `json:"owner"           binding:"required"`
	OnChainJobID string `json:"on_chain_job_id" binding:"required"`
}

func (h *StrategyHandler) ConfirmRegistration(ctx *gin.Context) {
	jobID := ctx.Param("id")

	var req confirmRegistrationRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.strategies.ConfirmRegistration(ctx.Request.Context(), jobID, req.Owner, req.OnChainJobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("confirm registration", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.Status(http.StatusNoContent)
}

type cancelRequest struct {
	Owner string `json:"owner" binding:"required"`
}

func (h *StrategyHandler) Cancel(ctx *gin.Context) {
	jobID := ctx.Param("id")

	var req cancelRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.strategies.Cancel(ctx.Request.Context(), jobID, req.Owner)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrJobTerminal):
			ctx.JSON(http.StatusConflict, gin.H{"error": errJobTerminal})
		default:
			h.logger.Error("cancel strategy", "job_id", jobID, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

type executionResponse struct {
	ID          string     `json:"id"`
	AttemptNum  int        `json:"attempt_num"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TxRef       *string    `json:"tx_ref,omitempty"`
	AmountOut   *string    `json:"amount_out,omitempty"`
	Error       *string    `json:"error,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

func (h *StrategyHandler) ListExecutions(ctx *gin.Context) {
	jobID := ctx.Param("id")
	owner := ctx.Query("owner")
	if owner == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "owner query parameter is required"})
		return
	}

	recs, err := h.strategies.ListExecutions(ctx.Request.Context(), jobID, owner)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("list executions", "job_id", jobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	resp := make([]executionResponse, 0, len(recs))
	for _, rec := range recs {
		er := executionResponse{
			ID:          rec.ID,
			AttemptNum:  rec.AttemptNum,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
			TxRef:       rec.TxRef,
			Error:       rec.Error,
			DurationMS:  rec.DurationMS,
		}
		if rec.AmountOut != nil {
			s := rec.AmountOut.String()
			er.AmountOut = &s
		}
		resp = append(resp, er)
	}
	ctx.JSON(http.StatusOK, gin.H{"executions": resp})
}

// parseAmount parses a decimal-string amount into a big.Int, writing a 400
// response on failure.
func parseAmount(ctx *gin.Context, field, value string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok || v.Sign() < 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": field + " must be a non-negative integer string"})
		return nil, false
	}
	return v, true
}
