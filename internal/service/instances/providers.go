package instances

import (
	"context"
	"strings"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

// QRProvider is implemented by providers that pair through a scannable code and
// authenticate with a per-tenant API key.
type QRProvider interface {
	CreateInstance(ctx context.Context, companyID, instanceName string) error
	DeleteInstance(ctx context.Context, companyID, instanceName string) error
	Connect(ctx context.Context, companyID, instanceName string) (*string, error)
	Disconnect(ctx context.Context, companyID, instanceName string) error
	Status(ctx context.Context, companyID, instanceName string) (*models.ProviderStatus, error)
	QRCode(ctx context.Context, companyID, instanceName string) (*string, error)
	SendText(ctx context.Context, companyID, instanceName, to, text string) (string, error)
	SendMedia(ctx context.Context, companyID, instanceName, to string, media models.Media) (string, error)
}

// TokenProvider is implemented by providers authenticated by a static bot token
// that push updates to a registered webhook.
type TokenProvider interface {
	GetMe(ctx context.Context, token string) (*models.TelegramUser, error)
	SetWebhook(ctx context.Context, token, webhookURL, secret string) error
	DeleteWebhook(ctx context.Context, token string) error
	Status(ctx context.Context, token string) (*models.ProviderStatus, error)
	SendText(ctx context.Context, token, to, text string) (string, error)
	SendMedia(ctx context.Context, token, to string, media models.Media) (string, error)
}

// Providers groups the adapters by channel. A nil adapter makes every operation on
// that channel fail with a configuration error.
type Providers struct {
	WhatsApp  QRProvider
	Instagram QRProvider
	Telegram  TokenProvider
}

var providerStates = map[string]models.InstanceState{
	"open":         models.StateConnected,
	"connected":    models.StateConnected,
	"online":       models.StateConnected,
	"close":        models.StateDisconnected,
	"closed":       models.StateDisconnected,
	"disconnected": models.StateDisconnected,
	"offline":      models.StateDisconnected,
	"qr":           models.StateQRReady,
	"qrcode":       models.StateQRReady,
	"connecting":   models.StateQRReady,
	"qr_ready":     models.StateQRReady,
	"error":        models.StateError,
	"failed":       models.StateError,
}

// MapProviderStatus maps a raw provider status string to an instance state.
// Unrecognized values map to disconnected.
func MapProviderStatus(raw string) models.InstanceState {
	if state, ok := providerStates[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return state
	}
	return models.StateDisconnected
}
