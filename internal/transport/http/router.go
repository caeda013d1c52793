package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/settlement-service/internal/config"
	"go.uber.org/zap"
)

// NewRouter builds the public API. idem may be nil to disable replay.
func NewRouter(svc Engine, idem IdempotencyStore, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{svc: svc, log: log}
	v1 := r.Group("/v1")
	// gateway callbacks are not rate limited
	v1.POST("/webhooks/gateway/settlement", h.settlementWebhook)

	api := v1.Group("")
	api.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	{
		api.POST("/payments", IdempotencyMiddleware(idem, "payments", log), h.createPayment)
		api.GET("/transactions/:id", h.getTransaction)
		api.POST("/transactions/:id/settle", h.settleTransaction)
		api.GET("/accounts/:id", h.getAccount)
	}
	return r
}
