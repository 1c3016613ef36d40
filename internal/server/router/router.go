package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/server/handlers"
)

// New wires the Gin engine with required routes and middlewares. media and metrics
// may be nil.
func New(webhooks *handlers.WebhookHandler, instances *handlers.InstanceHandler, media *handlers.MediaHandler, metrics http.Handler, logger *zap.Logger) *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLoggerMiddleware(logger))

	hooks := r.Group("/webhooks")
	hooks.POST("/whatsapp", webhooks.WhatsApp)
	hooks.POST("/instagram", webhooks.Instagram)
	hooks.POST("/telegram/:instanceId", webhooks.Telegram)

	api := r.Group("/instances")
	api.POST("", instances.Create)
	api.GET("", instances.List)
	api.GET("/:id", instances.Get)
	api.PATCH("/:id", instances.Update)
	api.DELETE("/:id", instances.Delete)
	api.POST("/:id/connect", instances.Connect)
	api.POST("/:id/disconnect", instances.Disconnect)
	api.GET("/:id/status", instances.Status)
	api.GET("/:id/qrcode", instances.QRCode)
	api.POST("/:id/messages", instances.SendMessage)

	r.PUT("/integrations/:provider", instances.SetAPIKey)

	if media != nil {
		r.GET("/media/telegram/:instanceId/*filePath", media.Telegram)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	if logger != nil {
		logger.Info("router initialized")
	}

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
