// Package webhooks turns provider callbacks into canonical domain events.
package webhooks

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/eventbus"
)

// Registry is the part of the instance registry the normalizer needs.
type Registry interface {
	Lookup(ctx context.Context, id string) (*models.ChannelInstance, error)
	LookupByName(ctx context.Context, name string) (*models.ChannelInstance, error)
	ApplyConnectionUpdate(ctx context.Context, inst *models.ChannelInstance, upd models.ConnectionUpdate) (*models.ChannelInstance, error)
	BotToken(inst *models.ChannelInstance) (string, error)
}

// FileResolver turns a Telegram file id into its Bot API file path.
type FileResolver interface {
	FilePath(ctx context.Context, token, fileID string) (string, error)
}

// Metrics counts webhook outcomes.
type Metrics interface {
	WebhookReceived(provider, outcome string)
}

// Webhook outcomes.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDropped      = "dropped"
	OutcomeFailed       = "failed"
	OutcomeUnauthorized = "unauthorized"
)

type nopMetrics struct{}

func (nopMetrics) WebhookReceived(string, string) {}

// errDrop marks a payload that is discarded by policy. It never leaves the package.
var errDrop = errors.New("webhook dropped")

// Service normalizes inbound webhooks.
type Service struct {
	cfg      config.WebhookConfig
	registry Registry
	files    FileResolver
	bus      *eventbus.Bus
	metrics  Metrics
	logger   *zap.Logger
}

// NewService wires the normalizer. The webhook secrets are fixed at construction.
func NewService(cfg config.WebhookConfig, registry Registry, files FileResolver, bus *eventbus.Bus, metrics Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		files:    files,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.Named("svc.webhooks"),
	}
}

// HandleWhatsApp processes one WhatsApp gateway callback.
func (s *Service) HandleWhatsApp(ctx context.Context, secret string, body []byte) error {
	return s.handle(ctx, models.ChannelWhatsApp, s.cfg.Secret, secret, func() error {
		return s.whatsApp(ctx, body)
	})
}

// HandleInstagram processes one Instagram backend callback.
func (s *Service) HandleInstagram(ctx context.Context, secret string, body []byte) error {
	return s.handle(ctx, models.ChannelInstagram, s.cfg.Secret, secret, func() error {
		return s.instagram(ctx, body)
	})
}

// HandleTelegram processes one Bot API update delivered for instanceID.
func (s *Service) HandleTelegram(ctx context.Context, instanceID, secret string, body []byte) error {
	return s.handle(ctx, models.ChannelTelegram, s.cfg.TelegramSecret, secret, func() error {
		return s.telegram(ctx, instanceID, body)
	})
}

// handle checks the secret before anything else and classifies the outcome. Only
// an authentication failure or an internal failure is returned; policy drops are not.
func (s *Service) handle(ctx context.Context, channel models.ChannelType, expected, presented string, process func() error) error {
	if !secretMatches(expected, presented) {
		s.metrics.WebhookReceived(string(channel), OutcomeUnauthorized)
		return models.ErrUnauthorized
	}

	err := process()
	switch {
	case err == nil:
		s.metrics.WebhookReceived(string(channel), OutcomeAccepted)
		return nil
	case errors.Is(err, errDrop):
		s.metrics.WebhookReceived(string(channel), OutcomeDropped)
		s.logger.Debug("webhook dropped", zap.String("channel", string(channel)), zap.Error(err))
		return nil
	default:
		s.metrics.WebhookReceived(string(channel), OutcomeFailed)
		return err
	}
}

// secretMatches compares in constant time. An empty expected secret matches nothing.
func secretMatches(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// resolve finds the target instance. Unknown instances and channel mismatches are
// dropped so late webhooks cannot resurrect deleted instances.
func (s *Service) resolve(ctx context.Context, channel models.ChannelType, lookup func(context.Context, string) (*models.ChannelInstance, error), key string) (*models.ChannelInstance, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: no instance reference", errDrop)
	}
	inst, err := lookup(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown instance %q", errDrop, key)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve instance %q: %w", key, err)
	}
	if inst.ChannelType != channel {
		return nil, fmt.Errorf("%w: instance %q is %s, not %s", errDrop, key, inst.ChannelType, channel)
	}
	return inst, nil
}

// applyStatus applies a connection update and announces the resulting state once.
func (s *Service) applyStatus(ctx context.Context, inst *models.ChannelInstance, upd models.ConnectionUpdate) error {
	updated, err := s.registry.ApplyConnectionUpdate(ctx, inst, upd)
	if err != nil {
		return fmt.Errorf("apply connection update: %w", err)
	}

	payload := models.InstanceStatusPayload{
		InstanceID:   updated.ID,
		InstanceName: updated.InstanceName,
		ChannelType:  updated.ChannelType,
		Status:       updated.State,
		PhoneNumber:  updated.PhoneNumber,
	}
	if upd.QRCode != "" {
		qr := upd.QRCode
		payload.QRCode = &qr
	}
	_, err = eventbus.Publish(ctx, s.bus, models.EventInstanceStatus, eventbus.Meta{
		CompanyID:     updated.CompanyID,
		CorrelationID: updated.ID,
	}, payload)
	if err != nil {
		return err
	}
	s.logger.Info("instance status applied",
		zap.String("instance_id", updated.ID),
		zap.String("state", string(updated.State)),
	)
	return nil
}

func (s *Service) publishMessage(ctx context.Context, inst *models.ChannelInstance, msg models.CanonicalInboundMessage) error {
	_, err := eventbus.Publish(ctx, s.bus, models.EventMessageReceived, eventbus.Meta{
		CompanyID:     inst.CompanyID,
		CorrelationID: msg.CorrelationID,
	}, msg)
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
