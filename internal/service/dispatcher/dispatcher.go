// Package dispatcher delivers "message to send" events through the provider
// adapter bound to the target instance.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/eventbus"
	"github.com/mamadbah2/chanway/internal/service/instances"
)

const defaultSendTimeout = 30 * time.Second

// Registry is the part of the instance registry the dispatcher needs.
type Registry interface {
	Lookup(ctx context.Context, id string) (*models.ChannelInstance, error)
	BotToken(inst *models.ChannelInstance) (string, error)
}

// Dispatcher routes outbound messages to provider adapters.
type Dispatcher struct {
	registry  Registry
	providers instances.Providers
	bus       *eventbus.Bus
	timeout   time.Duration
	logger    *zap.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// New wires a dispatcher. It does nothing until Start is called.
func New(registry Registry, providers instances.Providers, bus *eventbus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  registry,
		providers: providers,
		bus:       bus,
		timeout:   defaultSendTimeout,
		logger:    logger.Named("dispatcher"),
	}
}

// Start subscribes to the message.sent channel. Calling it twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := eventbus.Subscribe(ctx, d.bus, models.EventMessageSent, d.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", models.EventMessageSent, err)
	}
	d.unsubscribe = unsubscribe
	d.logger.Info("dispatcher started")
	return nil
}

// Stop removes the subscription.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
		d.logger.Info("dispatcher stopped")
	}
}

func (d *Dispatcher) handle(ctx context.Context, env models.Envelope[models.OutboundMessagePayload]) error {
	log := d.logger.With(
		zap.String("event_id", env.ID),
		zap.String("instance_id", env.Payload.InstanceID),
		zap.String("correlation_id", env.CorrelationID),
	)

	inst, err := d.registry.Lookup(ctx, env.Payload.InstanceID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("outbound message for unknown instance dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup instance: %w", err)
	}
	if inst.CompanyID != env.CompanyID {
		log.Warn("outbound message tenant mismatch, dropped", zap.String("company_id", env.CompanyID))
		return nil
	}

	messageID, err := d.Send(ctx, inst, env.Payload)
	if errors.Is(err, errUnsupportedChannel) {
		log.Debug("outbound message for unsupported channel ignored", zap.String("channel_type", string(inst.ChannelType)))
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("outbound message delivered",
		zap.String("channel_type", string(inst.ChannelType)),
		zap.String("provider_message_id", messageID),
	)
	return nil
}

var errUnsupportedChannel = errors.New("unsupported channel type")

// Send delivers one message through inst and returns the provider message id.
// Media takes precedence over text; the text then becomes the caption when none is set.
func (d *Dispatcher) Send(ctx context.Context, inst *models.ChannelInstance, msg models.OutboundMessagePayload) (string, error) {
	if msg.To == "" || (msg.Text == "" && msg.Media == nil) {
		return "", fmt.Errorf("%w: outbound message needs a recipient and text or media", models.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var media models.Media
	if msg.Media != nil {
		media = *msg.Media
		if media.Caption == "" {
			media.Caption = msg.Text
		}
	}

	switch inst.ChannelType {
	case models.ChannelWhatsApp, models.ChannelInstagram:
		qr := d.providers.WhatsApp
		if inst.ChannelType == models.ChannelInstagram {
			qr = d.providers.Instagram
		}
		if qr == nil {
			return "", fmt.Errorf("%w: no %s provider configured", models.ErrConfiguration, inst.ChannelType)
		}
		if msg.Media != nil {
			return qr.SendMedia(ctx, inst.CompanyID, inst.InstanceName, msg.To, media)
		}
		return qr.SendText(ctx, inst.CompanyID, inst.InstanceName, msg.To, msg.Text)

	case models.ChannelTelegram:
		tg := d.providers.Telegram
		if tg == nil {
			return "", fmt.Errorf("%w: no telegram provider configured", models.ErrConfiguration)
		}
		token, err := d.registry.BotToken(inst)
		if err != nil {
			return "", err
		}
		if msg.Media != nil {
			return tg.SendMedia(ctx, token, msg.To, media)
		}
		return tg.SendText(ctx, token, msg.To, msg.Text)
	}
	return "", fmt.Errorf("%w: %s", errUnsupportedChannel, inst.ChannelType)
}
