// Package repository defines the storage contracts of the gateway. Backends live in
// the sqlite and mongodb sub-packages.
package repository

import (
	"context"
	"time"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

// InstanceFilter selects instances in List. Zero fields do not filter.
type InstanceFilter struct {
	CompanyID   string
	ChannelType models.ChannelType
	States      []models.InstanceState
}

// InstancePatch lists the mutable columns of an instance row; nil fields are left
// untouched. An ErrorMessage pointing to "" clears the column. ChannelType and
// InstanceName are intentionally absent.
type InstancePatch struct {
	State               *models.InstanceState
	PhoneNumber         *string
	ProfileName         *string
	LastConnectedAt     *time.Time
	LastDisconnectedAt  *time.Time
	ErrorMessage        *string
	StatusRaw           *string
	TelegramBotTokenEnc *string
}

// InstanceRepository persists channel instances. Implementations return
// models.ErrNotFound for missing rows and models.ErrConflict for duplicate names.
type InstanceRepository interface {
	Insert(ctx context.Context, inst *models.ChannelInstance) error
	Get(ctx context.Context, id string) (*models.ChannelInstance, error)
	GetByName(ctx context.Context, name string) (*models.ChannelInstance, error)
	List(ctx context.Context, filter InstanceFilter) ([]models.ChannelInstance, error)
	Update(ctx context.Context, id string, patch InstancePatch) (*models.ChannelInstance, error)
	Delete(ctx context.Context, id string) error
}

// IntegrationRepository stores per-tenant provider API key overrides.
type IntegrationRepository interface {
	APIKey(ctx context.Context, companyID string, provider models.ChannelType) (string, error)
	SetAPIKey(ctx context.Context, companyID string, provider models.ChannelType, apiKey string) error
}

// Store bundles every repository a backend provides.
type Store interface {
	InstanceRepository
	IntegrationRepository
	Close(ctx context.Context) error
}
