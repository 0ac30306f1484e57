package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// Signer gateway — constructs, prices and signs keeper transactions.
	GatewayURL        string `env:"GATEWAY_URL,required" validate:"required,url"`
	GatewayTimeoutSec int    `env:"GATEWAY_TIMEOUT_SEC" envDefault:"20" validate:"min=1,max=120"`

	// Price API fronting the AMM oracle.
	PriceAPIURL     string `env:"PRICE_API_URL,required" validate:"required,url"`
	PriceTimeoutSec int    `env:"PRICE_TIMEOUT_SEC" envDefault:"5" validate:"min=1,max=60"`

	PollIntervalSec   int    `env:"POLL_INTERVAL_SEC" envDefault:"10" validate:"min=1,max=300"`
	TickConcurrency   int    `env:"TICK_CONCURRENCY" envDefault:"8" validate:"min=1,max=100"`
	ReconcileSchedule string `env:"RECONCILE_SCHEDULE" envDefault:"@every 10m"`

	// Circuit breaker.
	MaxSwapUsd              string `env:"MAX_SWAP_USD" envDefault:"10000"`
	MaxSlippageBps          int    `env:"MAX_SLIPPAGE_BPS" envDefault:"100" validate:"min=0,max=10000"`
	MaxRetries              int    `env:"MAX_RETRIES" envDefault:"3" validate:"min=0,max=20"`
	MinExecutionIntervalSec int64  `env:"MIN_EXECUTION_INTERVAL_SEC" envDefault:"60" validate:"min=0"`
	GlobalPause             bool   `env:"GLOBAL_PAUSE" envDefault:"false"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_if=Env production,required_if=Env staging"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if _, err := decimal.NewFromString(cfg.MaxSwapUsd); err != nil {
		return nil, fmt.Errorf("invalid MAX_SWAP_USD %q: %w", cfg.MaxSwapUsd, err)
	}

	return cfg, nil
}

// Safety materializes the circuit-breaker view of the config. The engine
// calls this every tick, so a config reload takes effect without a restart.
func (c *Config) Safety() domain.SafetyConfig {
	maxUsd, _ := decimal.NewFromString(c.MaxSwapUsd) // validated in Load
	return domain.SafetyConfig{
		MaxSwapUsd:                  maxUsd,
		MaxSlippageBps:              c.MaxSlippageBps,
		MaxRetries:                  c.MaxRetries,
		MinExecutionIntervalSeconds: c.MinExecutionIntervalSec,
		GlobalPause:                 c.GlobalPause,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
