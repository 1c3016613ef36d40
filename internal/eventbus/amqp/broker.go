// Package amqp implements eventbus.Broker on a RabbitMQ topic exchange. Every
// subscription owns an exclusive auto-delete queue bound with the channel name as
// routing key, and deliveries are auto-acked: the bus is at-most-once.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/eventbus"
)

const publishTimeout = 10 * time.Second

// Broker publishes and consumes over one AMQP connection.
type Broker struct {
	conn     *amqp.Connection
	exchange string
	logger   *zap.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ eventbus.Broker = (*Broker)(nil)

// Dial connects to rawURL and declares exchange as a durable topic exchange.
func Dial(rawURL, exchange string, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rawURL == "" {
		return nil, errors.New("amqp url is required")
	}
	if u, err := url.Parse(rawURL); err == nil {
		logger.Info("connecting to amqp broker", zap.String("host", u.Host), zap.String("exchange", exchange))
	}

	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Broker{
		conn:     conn,
		exchange: exchange,
		logger:   logger.Named("bus.amqp"),
		pubCh:    ch,
	}, nil
}

// Publish sends payload with channel as routing key. It reports 1 once the
// broker has accepted the message; the number of bound queues is not known here.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.pubCh == nil || b.pubCh.IsClosed() {
		ch, err := b.conn.Channel()
		if err != nil {
			return 0, fmt.Errorf("reopen amqp channel: %w", err)
		}
		b.pubCh = ch
	}

	err := b.pubCh.PublishWithContext(ctx, b.exchange, channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Type:         channel,
		Body:         payload,
	})
	if err != nil {
		return 0, fmt.Errorf("amqp publish %s: %w", channel, err)
	}
	return 1, nil
}

// Subscribe binds a fresh exclusive queue to channel and feeds its deliveries to
// handler until unsubscribed or ctx is done.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler eventbus.Handler) (func(), error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue for %s: %w", channel, err)
	}
	if err := ch.QueueBind(q.Name, channel, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue for %s: %w", channel, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", channel, err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() { _ = ch.Close() })
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Info("subscription closed", zap.String("channel", channel))
					return
				}
				handler(ctx, d.RoutingKey, d.Body)
			}
		}
	}()

	return stop, nil
}

// Close closes the connection, which ends every subscription.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
		b.wg.Wait()
	})
	return err
}
