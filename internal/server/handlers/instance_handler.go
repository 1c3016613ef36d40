package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
	"github.com/mamadbah2/chanway/internal/service/instances"
)

// Caller headers set by the upstream auth layer.
const (
	HeaderCompanyID = "X-Company-ID"
	HeaderRole      = "X-Role"
)

// InstanceService describes the registry operations exposed over HTTP.
type InstanceService interface {
	Create(ctx context.Context, caller models.Caller, in instances.CreateInput) (*models.ChannelInstance, error)
	Get(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error)
	List(ctx context.Context, caller models.Caller, filter repository.InstanceFilter) ([]models.ChannelInstance, error)
	Update(ctx context.Context, caller models.Caller, id string, in instances.UpdateInput) (*models.ChannelInstance, error)
	Delete(ctx context.Context, caller models.Caller, id string) error
	Connect(ctx context.Context, caller models.Caller, id string) (*instances.ConnectResult, error)
	Disconnect(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error)
	RefreshStatus(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error)
	QRCode(ctx context.Context, caller models.Caller, id string) (string, error)
}

// MessageSender delivers a message through an instance.
type MessageSender interface {
	Send(ctx context.Context, inst *models.ChannelInstance, msg models.OutboundMessagePayload) (string, error)
}

// InstanceHandler exposes instance management.
type InstanceHandler struct {
	svc          InstanceService
	sender       MessageSender
	integrations repository.IntegrationRepository
	logger       *zap.Logger
}

// NewInstanceHandler constructs the HTTP handler adapter. sender and integrations
// may be nil, which disables their routes.
func NewInstanceHandler(svc InstanceService, sender MessageSender, integrations repository.IntegrationRepository, logger *zap.Logger) *InstanceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceHandler{svc: svc, sender: sender, integrations: integrations, logger: logger.Named("handlers.instances")}
}

// callerFrom builds the caller identity from the auth headers.
func callerFrom(c *gin.Context) models.Caller {
	role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderRole)))
	return models.Caller{
		CompanyID:  strings.TrimSpace(c.GetHeader(HeaderCompanyID)),
		Privileged: role == "admin" || role == "system",
	}
}

// Create provisions a new instance.
func (h *InstanceHandler) Create(c *gin.Context) {
	var req models.CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("invalid create payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	inst, err := h.svc.Create(c.Request.Context(), callerFrom(c), instances.CreateInput{
		CompanyID:        req.CompanyID,
		ChannelType:      req.ChannelType,
		InstanceName:     req.InstanceName,
		TelegramBotToken: req.TelegramBotToken,
	})
	if err != nil {
		respondError(c, h.logger, "create instance", err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// List returns the caller's instances, optionally filtered by channel_type, state
// (comma separated) and, for privileged callers, company_id.
func (h *InstanceHandler) List(c *gin.Context) {
	filter := repository.InstanceFilter{
		CompanyID:   c.Query("company_id"),
		ChannelType: models.ChannelType(c.Query("channel_type")),
	}
	if raw := c.Query("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.States = append(filter.States, models.InstanceState(s))
			}
		}
	}

	items, err := h.svc.List(c.Request.Context(), callerFrom(c), filter)
	if err != nil {
		respondError(c, h.logger, "list instances", err)
		return
	}
	if items == nil {
		items = []models.ChannelInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": items})
}

// Get returns one instance.
func (h *InstanceHandler) Get(c *gin.Context) {
	inst, err := h.svc.Get(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "get instance", err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Update rotates instance credentials.
func (h *InstanceHandler) Update(c *gin.Context) {
	var req models.UpdateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	inst, err := h.svc.Update(c.Request.Context(), callerFrom(c), c.Param("id"), instances.UpdateInput{
		ChannelType:      req.ChannelType,
		InstanceName:     req.InstanceName,
		TelegramBotToken: req.TelegramBotToken,
	})
	if err != nil {
		respondError(c, h.logger, "update instance", err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Delete removes an instance and its provider resources.
func (h *InstanceHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		respondError(c, h.logger, "delete instance", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Connect starts pairing and returns the QR code when one is issued.
func (h *InstanceHandler) Connect(c *gin.Context) {
	res, err := h.svc.Connect(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "connect instance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": res.Instance, "qrcode": res.QRCode})
}

// Disconnect logs the instance out of its provider.
func (h *InstanceHandler) Disconnect(c *gin.Context) {
	inst, err := h.svc.Disconnect(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "disconnect instance", err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Status polls the provider and returns the refreshed instance.
func (h *InstanceHandler) Status(c *gin.Context) {
	inst, err := h.svc.RefreshStatus(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "refresh status", err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// QRCode returns the pending pairing code.
func (h *InstanceHandler) QRCode(c *gin.Context) {
	code, err := h.svc.QRCode(c.Request.Context(), callerFrom(c), c.Param("id"))
	if errors.Is(err, models.ErrNoQRCode) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no qr code pending"})
		return
	}
	if err != nil {
		respondError(c, h.logger, "fetch qr code", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"qrcode": code})
}

// SendMessage delivers a manual message through the instance.
func (h *InstanceHandler) SendMessage(c *gin.Context) {
	if h.sender == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sending disabled"})
		return
	}
	var req models.OutboundMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("invalid outbound payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	inst, err := h.svc.Get(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "send message", err)
		return
	}
	id, err := h.sender.Send(c.Request.Context(), inst, models.OutboundMessagePayload{
		InstanceID: inst.ID,
		To:         req.To,
		Text:       req.Text,
		Media:      req.Media,
	})
	if err != nil {
		respondError(c, h.logger, "send message", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": id})
}

// SetAPIKey stores the caller tenant's own key for a QR provider.
func (h *InstanceHandler) SetAPIKey(c *gin.Context) {
	if h.integrations == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "integrations disabled"})
		return
	}
	caller := callerFrom(c)
	if caller.CompanyID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	channel := models.ChannelType(c.Param("provider"))
	if !channel.UsesQR() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api keys apply to whatsapp and instagram only"})
		return
	}
	var req models.SetAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.integrations.SetAPIKey(c.Request.Context(), caller.CompanyID, channel, req.APIKey); err != nil {
		respondError(c, h.logger, "set api key", err)
		return
	}
	c.Status(http.StatusNoContent)
}
