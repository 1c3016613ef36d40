// Package telegram is a resty-backed client for the Telegram Bot API. The bot token
// travels in the URL path, so every call takes it explicitly.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/pkg/clients/provider"
)

const providerName = "telegram"

// A revoked or unknown token answers 401 or 404.
var goneStatuses = []int{http.StatusUnauthorized, http.StatusNotFound}

// APIClient calls the Bot API.
type APIClient struct {
	httpClient *resty.Client
}

// NewClient builds a Bot API client.
func NewClient(cfg config.TelegramConfig) *APIClient {
	return &APIClient{
		httpClient: provider.NewRestyClient(cfg.BaseURL, cfg.Timeout),
	}
}

// APIResponse is the generic Bot API response wrapper.
type APIResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
}

// WebhookInfo is the result of getWebhookInfo.
type WebhookInfo struct {
	URL                  string `json:"url"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
}

// File is the result of getFile.
type File struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int    `json:"file_size,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type deleteWebhookRequest struct {
	DropPendingUpdates bool `json:"drop_pending_updates"`
}

type getFileRequest struct {
	FileID string `json:"file_id"`
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func call[T any](ctx context.Context, c *APIClient, token, method string, payload any) (*T, []byte, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("%w: telegram bot token is empty", models.ErrConfiguration)
	}
	req := c.httpClient.R().SetContext(ctx)
	if payload != nil {
		req.SetBody(payload)
	}
	resp, err := req.Post("/bot" + token + "/" + method)
	if err := provider.Check(providerName, method, resp, redact(err), goneStatuses...); err != nil {
		return nil, nil, err
	}
	result := new(APIResponse[T])
	if err := provider.Decode(providerName, method, resp, result); err != nil {
		return nil, nil, err
	}
	if !result.OK {
		return nil, nil, &models.ProviderError{
			Provider:   providerName,
			Op:         method,
			StatusCode: result.ErrorCode,
			Body:       result.Description,
		}
	}
	return &result.Result, resp.Body(), nil
}

// redact strips the token-bearing URL from transport errors.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

// SetWebhook registers url as the update destination, protected by secret.
func (c *APIClient) SetWebhook(ctx context.Context, token, webhookURL, secret string) error {
	_, _, err := call[bool](ctx, c, token, "setWebhook", setWebhookRequest{
		URL:            webhookURL,
		SecretToken:    secret,
		AllowedUpdates: []string{"message", "edited_message", "channel_post"},
	})
	return err
}

// DeleteWebhook removes the registered webhook.
func (c *APIClient) DeleteWebhook(ctx context.Context, token string) error {
	_, _, err := call[bool](ctx, c, token, "deleteWebhook", deleteWebhookRequest{})
	return err
}

// Status reports "connected" while a webhook is registered and "disconnected" once
// the webhook URL is empty.
func (c *APIClient) Status(ctx context.Context, token string) (*models.ProviderStatus, error) {
	info, raw, err := call[WebhookInfo](ctx, c, token, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}
	status := "connected"
	if info.URL == "" {
		status = "disconnected"
	}
	return &models.ProviderStatus{Status: status, Raw: raw}, nil
}

// GetMe returns the bot account behind token.
func (c *APIClient) GetMe(ctx context.Context, token string) (*models.TelegramUser, error) {
	me, _, err := call[models.TelegramUser](ctx, c, token, "getMe", nil)
	return me, err
}

// FilePath resolves a file id into the path the file is served under.
func (c *APIClient) FilePath(ctx context.Context, token, fileID string) (string, error) {
	f, _, err := call[File](ctx, c, token, "getFile", getFileRequest{FileID: fileID})
	if err != nil {
		return "", err
	}
	if f.FilePath == "" {
		return "", &models.ProviderError{Provider: providerName, Op: "getFile", Err: errors.New("file_path missing")}
	}
	return f.FilePath, nil
}

// OpenFile streams a file resolved by FilePath. The caller closes Body.
func (c *APIClient) OpenFile(ctx context.Context, token, filePath string) (*models.RemoteFile, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: telegram bot token is empty", models.ErrConfiguration)
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/file/bot" + token + "/" + filePath)
	if err := provider.Check(providerName, "download file", resp, redact(err), goneStatuses...); err != nil {
		if resp != nil && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		return nil, err
	}
	return &models.RemoteFile{
		Body:        resp.RawBody(),
		ContentType: resp.Header().Get("Content-Type"),
		Size:        resp.RawResponse.ContentLength,
	}, nil
}

// SendText sends a text message to a channel-prefixed chat handle.
func (c *APIClient) SendText(ctx context.Context, token, to, text string) (string, error) {
	msg, _, err := call[sentMessage](ctx, c, token, "sendMessage", sendMessageRequest{
		ChatID: provider.StripHandle(models.ChannelTelegram, to),
		Text:   text,
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// SendMedia sends one attachment by URL using the method matching its type.
func (c *APIClient) SendMedia(ctx context.Context, token, to string, media models.Media) (string, error) {
	method, field := "sendDocument", "document"
	switch media.Type {
	case models.MediaImage:
		method, field = "sendPhoto", "photo"
	case models.MediaAudio:
		method, field = "sendAudio", "audio"
	}
	body := map[string]string{
		"chat_id": provider.StripHandle(models.ChannelTelegram, to),
		field:     media.URL,
	}
	if media.Caption != "" {
		body["caption"] = media.Caption
	}
	msg, _, err := call[sentMessage](ctx, c, token, method, body)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}
