package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

// MediaInstances resolves the instance and bot token behind a proxied file.
type MediaInstances interface {
	Get(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error)
	BotToken(inst *models.ChannelInstance) (string, error)
}

// FileOpener streams a Telegram file by path.
type FileOpener interface {
	OpenFile(ctx context.Context, token, filePath string) (*models.RemoteFile, error)
}

// MediaHandler proxies provider files whose download URLs carry credentials.
type MediaHandler struct {
	instances MediaInstances
	files     FileOpener
	logger    *zap.Logger
}

// NewMediaHandler constructs the media proxy.
func NewMediaHandler(instances MediaInstances, files FileOpener, logger *zap.Logger) *MediaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{instances: instances, files: files, logger: logger.Named("handlers.media")}
}

// Telegram streams a Telegram file for an instance the caller can read.
func (h *MediaHandler) Telegram(c *gin.Context) {
	filePath := strings.TrimPrefix(c.Param("filePath"), "/")
	if filePath == "" || strings.Contains(filePath, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file path"})
		return
	}

	ctx := c.Request.Context()
	inst, err := h.instances.Get(ctx, callerFrom(c), c.Param("instanceId"))
	if err != nil {
		respondError(c, h.logger, "proxy telegram file", err)
		return
	}
	if inst.ChannelType != models.ChannelTelegram {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	token, err := h.instances.BotToken(inst)
	if err != nil {
		respondError(c, h.logger, "proxy telegram file", err)
		return
	}

	file, err := h.files.OpenFile(ctx, token, filePath)
	if err != nil {
		respondError(c, h.logger, "proxy telegram file", err)
		return
	}
	defer file.Body.Close()

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, file.Size, contentType, file.Body, nil)
}
