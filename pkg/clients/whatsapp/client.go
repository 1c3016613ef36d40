package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/pkg/clients/provider"
)

const providerName = "whatsapp"

// APIClient is a resty-backed client for the QR-pairing WhatsApp gateway
// (Evolution API compatible).
type APIClient struct {
	httpClient *resty.Client
	keys       *provider.KeyResolver
}

// NewClient builds a WhatsApp gateway client. keys may be nil, in which case only
// the global API key from cfg is used.
func NewClient(cfg config.ProviderConfig, keys provider.KeyLookup) *APIClient {
	return &APIClient{
		httpClient: provider.NewRestyClient(cfg.BaseURL, cfg.Timeout),
		keys:       provider.NewKeyResolver(models.ChannelWhatsApp, keys, cfg.APIKey),
	}
}

type createInstanceRequest struct {
	InstanceName string `json:"instanceName"`
	QRCode       bool   `json:"qrcode"`
	Integration  string `json:"integration"`
}

// connectResponse covers both shapes of GET /instance/connect: a fresh code while
// pairing, or the instance state once paired.
type connectResponse struct {
	PairingCode string `json:"pairingCode"`
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	Instance    *struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

type sendResponse struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
}

func (c *APIClient) request(ctx context.Context, companyID string) (*resty.Request, error) {
	key, err := c.keys.Resolve(ctx, companyID)
	if err != nil {
		return nil, err
	}
	return c.httpClient.R().SetContext(ctx).SetHeader("apikey", key), nil
}

// CreateInstance provisions a remote instance.
func (c *APIClient) CreateInstance(ctx context.Context, companyID, instanceName string) error {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return err
	}
	resp, err := req.
		SetBody(createInstanceRequest{InstanceName: instanceName, QRCode: true, Integration: "WHATSAPP-BAILEYS"}).
		Post("/instance/create")
	return provider.Check(providerName, "create instance", resp, err)
}

// DeleteInstance removes the remote instance.
func (c *APIClient) DeleteInstance(ctx context.Context, companyID, instanceName string) error {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return err
	}
	resp, err := req.SetPathParam("instance", instanceName).Delete("/instance/delete/{instance}")
	return provider.Check(providerName, "delete instance", resp, err, http.StatusNotFound)
}

// Connect starts pairing and returns the QR code, or nil when the instance is
// already paired.
func (c *APIClient) Connect(ctx context.Context, companyID, instanceName string) (*string, error) {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetPathParam("instance", instanceName).Get("/instance/connect/{instance}")
	if err := provider.Check(providerName, "connect", resp, err); err != nil {
		return nil, err
	}
	result := new(connectResponse)
	if err := provider.Decode(providerName, "connect", resp, result); err != nil {
		return nil, err
	}
	return result.qrCode()
}

// QRCode fetches the current QR code. Evolution issues codes from the connect
// endpoint, so this shares Connect's call.
func (c *APIClient) QRCode(ctx context.Context, companyID, instanceName string) (*string, error) {
	return c.Connect(ctx, companyID, instanceName)
}

// qrCode returns nil only when the gateway reports the session open. A body with
// neither a code nor an open state (for example {"count":0} while the gateway is
// still generating one) is an error so the instance is not marked connected.
func (r *connectResponse) qrCode() (*string, error) {
	if r.Instance != nil && strings.EqualFold(r.Instance.State, "open") {
		return nil, nil
	}
	switch {
	case r.Base64 != "":
		return &r.Base64, nil
	case r.Code != "":
		return &r.Code, nil
	}
	return nil, &models.ProviderError{Provider: providerName, Op: "connect", Err: errors.New("no qr code issued yet")}
}

// Disconnect logs the paired session out.
func (c *APIClient) Disconnect(ctx context.Context, companyID, instanceName string) error {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return err
	}
	resp, err := req.SetPathParam("instance", instanceName).Delete("/instance/logout/{instance}")
	return provider.Check(providerName, "logout", resp, err, http.StatusNotFound)
}

// Status returns the raw connection state reported by the gateway.
func (c *APIClient) Status(ctx context.Context, companyID, instanceName string) (*models.ProviderStatus, error) {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetPathParam("instance", instanceName).Get("/instance/connectionState/{instance}")
	if err := provider.Check(providerName, "connection state", resp, err, http.StatusNotFound); err != nil {
		return nil, err
	}
	result := new(connectionStateResponse)
	if err := provider.Decode(providerName, "connection state", resp, result); err != nil {
		return nil, err
	}
	return &models.ProviderStatus{Status: result.Instance.State, Raw: resp.Body()}, nil
}

// SendText sends a text message to a channel-prefixed recipient handle.
func (c *APIClient) SendText(ctx context.Context, companyID, instanceName, to, text string) (string, error) {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return "", err
	}
	resp, err := req.
		SetPathParam("instance", instanceName).
		SetBody(sendTextRequest{Number: recipientNumber(to), Text: text}).
		Post("/message/sendText/{instance}")
	return sentID(resp, err, "send text")
}

// SendMedia sends one attachment to a channel-prefixed recipient handle.
func (c *APIClient) SendMedia(ctx context.Context, companyID, instanceName, to string, media models.Media) (string, error) {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return "", err
	}
	resp, err := req.
		SetPathParam("instance", instanceName).
		SetBody(sendMediaRequest{
			Number:    recipientNumber(to),
			MediaType: string(media.Type),
			MimeType:  media.MimeType,
			Caption:   media.Caption,
			Media:     media.URL,
			FileName:  media.FileName,
		}).
		Post("/message/sendMedia/{instance}")
	return sentID(resp, err, "send media")
}

func sentID(resp *resty.Response, err error, op string) (string, error) {
	if err := provider.Check(providerName, op, resp, err); err != nil {
		return "", err
	}
	result := new(sendResponse)
	if err := provider.Decode(providerName, op, resp, result); err != nil {
		return "", err
	}
	return result.Key.ID, nil
}

func recipientNumber(handle string) string {
	number := provider.StripHandle(models.ChannelWhatsApp, handle)
	if i := strings.IndexByte(number, '@'); i >= 0 {
		number = number[:i]
	}
	return number
}
