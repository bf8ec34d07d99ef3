// Package notify publishes committed series changes to a message broker.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/warp/recurrence-engine/recurrence"
)

const publishTimeout = 5 * time.Second

// publisher is the part of *amqp091.Channel the notifier uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPNotifier implements recurrence.Notifier on a topic exchange.
type AMQPNotifier struct {
	conn       *amqp091.Connection
	channel    publisher
	closer     func() error
	exchange   string
	routingKey string
	logger     *slog.Logger
}

// NewAMQPNotifier dials url and declares a durable topic exchange.
func NewAMQPNotifier(url, exchange, routingKey string, logger *slog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	n := newNotifier(ch, exchange, routingKey, logger)
	n.conn = conn
	n.closer = ch.Close
	return n, nil
}

func newNotifier(p publisher, exchange, routingKey string, logger *slog.Logger) *AMQPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{
		channel:    p,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.With("component", "notify"),
	}
}

// Notify publishes ev. The routing key is "<prefix>.<kind>", e.g.
// "recurrence.series.split".
func (n *AMQPNotifier) Notify(ctx context.Context, ev recurrence.ChangeEvent) error {
	msg := NewSeriesChangedMessage(ev)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	key := n.routingKey + "." + msg.Kind
	err = n.channel.PublishWithContext(
		ctx,
		n.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	n.logger.DebugContext(ctx, "published series change",
		"kind", msg.Kind,
		"owner", msg.OwnerID,
		"series", len(msg.SeriesIDs),
		"routing_key", key)
	return nil
}

func (n *AMQPNotifier) Close() error {
	if n.closer != nil {
		n.closer()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

var _ recurrence.Notifier = (*AMQPNotifier)(nil)
