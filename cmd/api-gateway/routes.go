package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-letter-api/api/swagger"
	"github.com/noah-isme/sma-letter-api/internal/handler"
	"github.com/noah-isme/sma-letter-api/internal/middleware"
	"github.com/noah-isme/sma-letter-api/internal/service"
	"github.com/noah-isme/sma-letter-api/pkg/config"
	"github.com/noah-isme/sma-letter-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-letter-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-letter-api/pkg/middleware/requestid"
)

type routerDeps struct {
	tokens  *service.TokenService
	letters *handler.LetterHandler
	exports *handler.ExportHandler
	metrics *handler.MetricsHandler
	counter *service.MetricsService
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.counter))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", deps.metrics.Health)
	r.GET("/ready", deps.metrics.Ready)
	r.GET("/metrics", deps.metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.GET("/exports/:token", deps.exports.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.tokens))
	secured.GET("/metrics/summary", middleware.RequireRoles(middleware.RoleOperator), deps.metrics.Summary)

	letters := secured.Group("/letters")
	letters.POST("", deps.letters.Submit)
	letters.GET("/mine", deps.letters.Mine)
	letters.GET("/inbox", deps.letters.Inbox)
	letters.GET("/:id", deps.letters.Get)
	letters.GET("/:id/history", deps.letters.History)
	letters.POST("/:id/history/export", deps.exports.ExportHistory)
	letters.POST("/:id/approve", deps.letters.Approve)
	letters.POST("/:id/reject", deps.letters.Reject)
	letters.POST("/:id/revise", deps.letters.Revise)
	letters.POST("/:id/self-revise", deps.letters.SelfRevise)
	letters.POST("/:id/resubmit", deps.letters.Resubmit)
	letters.POST("/:id/cancel", deps.letters.Cancel)
	letters.GET("/:id/number/suggestion", deps.letters.SuggestNumber)
	letters.POST("/:id/number", deps.letters.AssignNumber)

	return r
}
