package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

// Secret headers presented by the providers.
const (
	HeaderWebhookSecret  = "X-Webhook-Secret"
	HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"
)

const maxWebhookBody = 1 << 20

// WebhookService describes the webhook normalizer operations the HTTP layer uses.
type WebhookService interface {
	HandleWhatsApp(ctx context.Context, secret string, body []byte) error
	HandleInstagram(ctx context.Context, secret string, body []byte) error
	HandleTelegram(ctx context.Context, instanceID, secret string, body []byte) error
}

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	svc    WebhookService
	logger *zap.Logger
}

// NewWebhookHandler constructs the HTTP handler adapter.
func NewWebhookHandler(svc WebhookService, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{svc: svc, logger: logger.Named("handlers.webhooks")}
}

// WhatsApp ingests callbacks from the WhatsApp gateway.
func (h *WebhookHandler) WhatsApp(c *gin.Context) {
	h.receive(c, "whatsapp", func(body []byte) error {
		return h.svc.HandleWhatsApp(c.Request.Context(), c.GetHeader(HeaderWebhookSecret), body)
	})
}

// Instagram ingests callbacks from the Instagram backend.
func (h *WebhookHandler) Instagram(c *gin.Context) {
	h.receive(c, "instagram", func(body []byte) error {
		return h.svc.HandleInstagram(c.Request.Context(), c.GetHeader(HeaderWebhookSecret), body)
	})
}

// Telegram ingests Bot API updates for one instance.
func (h *WebhookHandler) Telegram(c *gin.Context) {
	h.receive(c, "telegram", func(body []byte) error {
		return h.svc.HandleTelegram(c.Request.Context(), c.Param("instanceId"), c.GetHeader(HeaderTelegramSecret), body)
	})
}

// receive acknowledges every delivery that passed the secret check, including
// ones that failed internally.
func (h *WebhookHandler) receive(c *gin.Context, provider string, process func(body []byte) error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed reading webhook body", zap.String("provider", provider), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	err = process(body)
	if errors.Is(err, models.ErrUnauthorized) {
		h.logger.Warn("webhook rejected", zap.String("provider", provider), zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed processing webhook", zap.String("provider", provider), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
