// Package provider holds the plumbing shared by the messaging provider clients:
// resty setup, error classification, API key resolution and handle prefixes.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

const (
	defaultTimeout = 20 * time.Second
	maxErrorBody   = 2048
)

// NewRestyClient returns a resty client bound to baseURL with a bounded timeout.
func NewRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
}

// Check turns a resty outcome into a *models.ProviderError when the call failed at
// the transport level or returned a non-2xx status. goneStatuses lists the statuses
// meaning the remote resource no longer exists.
func Check(name, op string, resp *resty.Response, err error, goneStatuses ...int) error {
	if err != nil {
		return &models.ProviderError{Provider: name, Op: op, Err: err}
	}
	if resp == nil {
		return &models.ProviderError{Provider: name, Op: op, Err: errors.New("empty response")}
	}
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	pe := &models.ProviderError{Provider: name, Op: op, StatusCode: code, Body: snippet(resp.Body())}
	for _, g := range goneStatuses {
		if code == g {
			pe.Gone = true
		}
	}
	return pe
}

// Decode unmarshals a successful response body into out whatever Content-Type the
// provider labelled it with. An empty or malformed body is a provider failure.
func Decode(name, op string, resp *resty.Response, out any) error {
	body := resp.Body()
	if len(body) == 0 {
		return &models.ProviderError{Provider: name, Op: op, Err: errors.New("empty response body")}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &models.ProviderError{
			Provider: name,
			Op:       op,
			Err:      fmt.Errorf("decode response %q: %w", snippet(body), err),
		}
	}
	return nil
}

func snippet(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}

// KeyLookup returns a per-tenant API key override.
type KeyLookup interface {
	APIKey(ctx context.Context, companyID string, provider models.ChannelType) (string, error)
}

// KeyResolver resolves the API key for a tenant: first the tenant override, then
// the global fallback.
type KeyResolver struct {
	channel  models.ChannelType
	lookup   KeyLookup
	fallback string
}

// NewKeyResolver builds a resolver for channel. lookup may be nil.
func NewKeyResolver(channel models.ChannelType, lookup KeyLookup, fallback string) *KeyResolver {
	return &KeyResolver{channel: channel, lookup: lookup, fallback: fallback}
}

// Resolve returns the API key for companyID or a configuration error when neither
// an override nor a fallback exists.
func (r *KeyResolver) Resolve(ctx context.Context, companyID string) (string, error) {
	if r.lookup != nil && companyID != "" {
		key, err := r.lookup.APIKey(ctx, companyID, r.channel)
		switch {
		case err == nil && key != "":
			return key, nil
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return "", fmt.Errorf("resolve %s api key: %w", r.channel, err)
		}
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("%w: no %s api key configured for company %s", models.ErrConfiguration, r.channel, companyID)
}

// Handle builds the channel-prefixed handle used for senders and recipients.
func Handle(channel models.ChannelType, id string) string {
	return string(channel) + ":" + id
}

// StripHandle removes the channel prefix from a handle. Handles without the prefix
// are returned unchanged so raw provider ids are accepted too.
func StripHandle(channel models.ChannelType, handle string) string {
	return strings.TrimPrefix(handle, string(channel)+":")
}
