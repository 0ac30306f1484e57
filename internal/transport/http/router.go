package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"

	"github.com/cfxdevkit/cas-sub000/internal/transport/http/handler"
	"github.com/cfxdevkit/cas-sub000/internal/transport/http/middleware"
)

func NewRouter(logger *slog.Logger, strategyHandler *handler.StrategyHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	strategies := r.Group("/strategies")
	strategies.POST("/limit-orders", strategyHandler.CreateLimitOrder)
	strategies.POST("/dca", strategyHandler.CreateDCA)
	strategies.GET("", strategyHandler.List)
	strategies.GET("/:id", strategyHandler.GetByID)
	strategies.POST("/:id/registration", strategyHandler.ConfirmRegistration)
	strategies.POST("/:id/cancel", strategyHandler.Cancel)
	strategies.GET("/:id/executions", strategyHandler.ListExecutions)

	return r
}
