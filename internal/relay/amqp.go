package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/squarejellyfish/ntuber/internal/models"
)

const DefaultExchange = "ride.positions"

func routingKey(rideID uint64) string { return fmt.Sprintf("ride.%d", rideID) }

// AMQPChannel publishes samples to a topic exchange and keeps the latest
// received sample per ride in a local cache that Latest reads from.
type AMQPChannel struct {
	ch       *amqp.Channel
	exchange string
	cache    *MemoryChannel
	logger   *slog.Logger
}

// NewAMQPChannel declares the exchange, binds an exclusive queue to every
// ride and starts consuming until ctx ends.
func NewAMQPChannel(ctx context.Context, conn *amqp.Connection, exchange string, strict bool, logger *slog.Logger) (*AMQPChannel, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "ride.*", exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	a := &AMQPChannel{
		ch:       ch,
		exchange: exchange,
		cache:    NewMemoryChannel(strict, logger),
		logger:   logger.With("component", "relay_amqp"),
	}
	go a.consume(ctx, deliveries)
	return a, nil
}

func (a *AMQPChannel) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				a.logger.Warn("position deliveries closed")
				return
			}
			a.handle(ctx, d.Body)
		}
	}
}

func (a *AMQPChannel) handle(ctx context.Context, body []byte) {
	var s models.Sample
	if err := json.Unmarshal(body, &s); err != nil {
		a.logger.Warn("invalid position message", "error", err)
		return
	}
	if err := a.cache.Publish(ctx, s); err != nil {
		a.logger.Debug("position message dropped", "ride_id", s.RideID, "error", err)
	}
}

func (a *AMQPChannel) Publish(ctx context.Context, s models.Sample) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return a.ch.PublishWithContext(
		ctx,
		a.exchange,
		routingKey(s.RideID),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   s.At,
			Body:        body,
		},
	)
}

func (a *AMQPChannel) Latest(ctx context.Context, rideID uint64) (models.Sample, bool, error) {
	return a.cache.Latest(ctx, rideID)
}

func (a *AMQPChannel) Forget(ctx context.Context, rideID uint64) error {
	return a.cache.Forget(ctx, rideID)
}

func (a *AMQPChannel) Close() error {
	return a.ch.Close()
}
