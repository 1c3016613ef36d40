package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/domain/models"
)

// Drop reasons reported to Metrics.
const (
	DropChannelMismatch = "channel_mismatch"
	DropDecode          = "decode"
	DropInvalid         = "invalid"
	DropTypeMismatch    = "type_mismatch"
	DropSlowSubscriber  = "slow_subscriber"
)

// Metrics observes what the bus silently discards.
type Metrics interface {
	EventPublished(channel string)
	EventDropped(channel, reason string)
	HandlerFailed(channel string)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(string)       {}
func (nopMetrics) EventDropped(string, string) {}
func (nopMetrics) HandlerFailed(string)        {}

// Meta holds the envelope fields chosen by the publisher.
type Meta struct {
	CompanyID     string
	CorrelationID string
	CausationID   *string
}

// Bus is the typed facade over a Broker.
type Bus struct {
	broker   Broker
	source   string
	validate *validator.Validate
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// New wraps broker. source is stamped on every envelope this process publishes.
func New(broker Broker, source string, metrics Metrics, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Bus{
		broker:   broker,
		source:   source,
		validate: validator.New(),
		metrics:  metrics,
		logger:   logger.Named("bus"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Publish wraps payload in a fresh envelope, validates it and sends it on channel.
func Publish[T any](ctx context.Context, b *Bus, channel string, meta Meta, payload T) (*models.Envelope[T], error) {
	env := &models.Envelope[T]{
		ID:            b.newID(),
		Type:          channel,
		Version:       models.EventVersion,
		OccurredAt:    b.now().UTC(),
		CompanyID:     meta.CompanyID,
		Source:        b.source,
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
		Payload:       payload,
	}
	if err := b.validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %s envelope: %v", models.ErrValidation, channel, err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", channel, err)
	}
	if _, err := b.broker.Publish(ctx, channel, body); err != nil {
		return nil, fmt.Errorf("publish %s: %w", channel, err)
	}
	b.metrics.EventPublished(channel)
	return env, nil
}

// Subscribe delivers envelopes published on channel to handler. Messages that do
// not decode or validate, or that arrive tagged with another channel or type, are
// dropped without calling handler. Handler errors and panics are logged and
// counted; they never end the subscription.
func Subscribe[T any](ctx context.Context, b *Bus, channel string, handler func(context.Context, models.Envelope[T]) error) (func(), error) {
	log := b.logger.With(zap.String("channel", channel))

	return b.broker.Subscribe(ctx, channel, func(ctx context.Context, got string, payload []byte) {
		if got != channel {
			b.drop(log, channel, DropChannelMismatch, zap.String("received_on", got))
			return
		}

		var env models.Envelope[T]
		if err := json.Unmarshal(payload, &env); err != nil {
			b.drop(log, channel, DropDecode, zap.Error(err))
			return
		}
		if err := b.validate.Struct(env); err != nil {
			b.drop(log, channel, DropInvalid, zap.String("event_id", env.ID), zap.Error(err))
			return
		}
		if env.Type != channel {
			b.drop(log, channel, DropTypeMismatch, zap.String("event_id", env.ID), zap.String("type", env.Type))
			return
		}

		if err := invokeHandler(ctx, handler, env); err != nil {
			b.metrics.HandlerFailed(channel)
			log.Error("event handler failed", zap.String("event_id", env.ID), zap.Error(err))
		}
	})
}

func invokeHandler[T any](ctx context.Context, handler func(context.Context, models.Envelope[T]) error, env models.Envelope[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, env)
}

func (b *Bus) drop(log *zap.Logger, channel, reason string, fields ...zap.Field) {
	b.metrics.EventDropped(channel, reason)
	log.Warn("event dropped", append(fields, zap.String("reason", reason))...)
}

// Close closes the underlying broker.
func (b *Bus) Close() error {
	return b.broker.Close()
}
