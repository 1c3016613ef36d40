// Package instagram talks to the QR-pairing Instagram automation backend.
package instagram

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/pkg/clients/provider"
)

const providerName = "instagram"

// APIClient is a resty-backed client for the Instagram automation backend.
type APIClient struct {
	httpClient *resty.Client
	keys       *provider.KeyResolver
}

// NewClient builds an Instagram backend client.
func NewClient(cfg config.ProviderConfig, keys provider.KeyLookup) *APIClient {
	return &APIClient{
		httpClient: provider.NewRestyClient(cfg.BaseURL, cfg.Timeout),
		keys:       provider.NewKeyResolver(models.ChannelInstagram, keys, cfg.APIKey),
	}
}

type createRequest struct {
	Name string `json:"name"`
}

type qrResponse struct {
	QRCode    string `json:"qrcode"`
	Connected bool   `json:"connected"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Username string `json:"username"`
}

type messageRequest struct {
	RecipientID string        `json:"recipient_id"`
	Text        string        `json:"text,omitempty"`
	Media       *mediaRequest `json:"media,omitempty"`
}

type mediaRequest struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

type messageResponse struct {
	ID string `json:"id"`
}

func (c *APIClient) request(ctx context.Context, companyID string) (*resty.Request, error) {
	key, err := c.keys.Resolve(ctx, companyID)
	if err != nil {
		return nil, err
	}
	return c.httpClient.R().SetContext(ctx).SetAuthToken(key), nil
}

// CreateInstance provisions a remote instance.
func (c *APIClient) CreateInstance(ctx context.Context, companyID, instanceName string) error {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(createRequest{Name: instanceName}).Post("/instances")
	return provider.Check(providerName, "create instance", resp, err)
}

// DeleteInstance removes the remote instance.
func (c *APIClient) DeleteInstance(ctx context.Context, companyID, instanceName string) error {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return err
	}
	resp, err := req.SetPathParam("name", instanceName).Delete("/instances/{name}")
	return provider.Check(providerName, "delete instance", resp, err, http.StatusNotFound)
}

// Connect starts a login session and returns its QR code, or nil when the
// account is already logged in.
func (c *APIClient) Connect(ctx context.Context, companyID, instanceName string) (*string, error) {
	return c.fetchQR(ctx, companyID, instanceName, "connect")
}

// QRCode returns the pending QR code, or nil when none is pending.
func (c *APIClient) QRCode(ctx context.Context, companyID, instanceName string) (*string, error) {
	return c.fetchQR(ctx, companyID, instanceName, "qrcode")
}

func (c *APIClient) fetchQR(ctx context.Context, companyID, instanceName, op string) (*string, error) {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetPathParam("name", instanceName).
		SetPathParam("op", op).
		Get("/instances/{name}/{op}")
	if err := provider.Check(providerName, op, resp, err); err != nil {
		return nil, err
	}
	result := new(qrResponse)
	if err := provider.Decode(providerName, op, resp, result); err != nil {
		return nil, err
	}
	switch {
	case result.Connected:
		return nil, nil
	case result.QRCode != "":
		return &result.QRCode, nil
	case op == "connect":
		return nil, &models.ProviderError{Provider: providerName, Op: op, Err: errors.New("no qr code issued and not logged in")}
	}
	return nil, nil
}

// Disconnect logs the account session out.
func (c *APIClient) Disconnect(ctx context.Context, companyID, instanceName string) error {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return err
	}
	resp, err := req.SetPathParam("name", instanceName).Delete("/instances/{name}/logout")
	return provider.Check(providerName, "logout", resp, err, http.StatusNotFound)
}

// Status returns the raw session status.
func (c *APIClient) Status(ctx context.Context, companyID, instanceName string) (*models.ProviderStatus, error) {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetPathParam("name", instanceName).Get("/instances/{name}/status")
	if err := provider.Check(providerName, "status", resp, err, http.StatusNotFound); err != nil {
		return nil, err
	}
	result := new(statusResponse)
	if err := provider.Decode(providerName, "status", resp, result); err != nil {
		return nil, err
	}
	return &models.ProviderStatus{Status: result.Status, ProfileName: result.Username, Raw: resp.Body()}, nil
}

// SendText sends a direct message to a channel-prefixed recipient handle.
func (c *APIClient) SendText(ctx context.Context, companyID, instanceName, to, text string) (string, error) {
	return c.send(ctx, companyID, instanceName, "send text", messageRequest{
		RecipientID: provider.StripHandle(models.ChannelInstagram, to),
		Text:        text,
	})
}

// SendMedia sends one attachment as a direct message.
func (c *APIClient) SendMedia(ctx context.Context, companyID, instanceName, to string, media models.Media) (string, error) {
	return c.send(ctx, companyID, instanceName, "send media", messageRequest{
		RecipientID: provider.StripHandle(models.ChannelInstagram, to),
		Media: &mediaRequest{
			Type:     string(media.Type),
			URL:      media.URL,
			MimeType: media.MimeType,
			Caption:  media.Caption,
			FileName: media.FileName,
		},
	})
}

func (c *APIClient) send(ctx context.Context, companyID, instanceName, op string, body messageRequest) (string, error) {
	req, err := c.request(ctx, companyID)
	if err != nil {
		return "", err
	}
	resp, err := req.
		SetPathParam("name", instanceName).
		SetBody(body).
		Post("/instances/{name}/messages")
	if err := provider.Check(providerName, op, resp, err); err != nil {
		return "", err
	}
	result := new(messageResponse)
	if err := provider.Decode(providerName, op, resp, result); err != nil {
		return "", err
	}
	return result.ID, nil
}
