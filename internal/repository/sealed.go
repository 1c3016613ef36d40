package repository

import (
	"context"
	"fmt"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

// Sealer encrypts secrets at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// SealedIntegrations wraps an IntegrationRepository so API keys are encrypted
// before they reach the backend and decrypted on the way out.
type SealedIntegrations struct {
	inner  IntegrationRepository
	sealer Sealer
}

var _ IntegrationRepository = (*SealedIntegrations)(nil)

// NewSealedIntegrations wraps inner with sealer.
func NewSealedIntegrations(inner IntegrationRepository, sealer Sealer) *SealedIntegrations {
	return &SealedIntegrations{inner: inner, sealer: sealer}
}

// APIKey returns the decrypted tenant override key for provider.
func (s *SealedIntegrations) APIKey(ctx context.Context, companyID string, provider models.ChannelType) (string, error) {
	sealed, err := s.inner.APIKey(ctx, companyID, provider)
	if err != nil {
		return "", err
	}
	key, err := s.sealer.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt %s api key for company %s: %w", provider, companyID, err)
	}
	return key, nil
}

// SetAPIKey encrypts apiKey and stores it.
func (s *SealedIntegrations) SetAPIKey(ctx context.Context, companyID string, provider models.ChannelType, apiKey string) error {
	sealed, err := s.sealer.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypt %s api key: %w", provider, err)
	}
	return s.inner.SetAPIKey(ctx, companyID, provider, sealed)
}
