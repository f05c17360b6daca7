package bus

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 16

// AMQPConfig configures the RabbitMQ bus adapter.  Topics map to durable
// queues on the default exchange.
type AMQPConfig struct {
	URL      string `toml:"url"`
	Prefetch int    `toml:"prefetch,omitempty"`
}

// Check validates the configuration.
func (c *AMQPConfig) Check() error {
	if c.URL == "" {
		return errors.New("amqp: url is not set")
	}
	return nil
}

// AMQPBus publishes and consumes messages over one AMQP connection, with
// attributes mapped to message headers.
type AMQPBus struct {
	conn *amqp.Connection
	cfg  AMQPConfig
}

// NewAMQPBus dials the broker.
func NewAMQPBus(cfg AMQPConfig) (*AMQPBus, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "amqp: dial")
	}
	return &AMQPBus{conn: conn, cfg: cfg}, nil
}

// Close releases the connection.
func (b *AMQPBus) Close() error {
	return b.conn.Close()
}

func (b *AMQPBus) declareQueue(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	return errors.Wrap(err, "amqp: declare "+topic)
}

// Publish sends one persistent message to the topic queue.
func (b *AMQPBus) Publish(ctx context.Context, topic string, msg Message) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "amqp: channel")
	}
	defer func() {
		if err := ch.Close(); err != nil {
			slog.Warn("failed to close amqp channel", "error", err)
		}
	}()
	if err := b.declareQueue(ch, topic); err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", topic, false, false, publishingFromMessage(msg)); err != nil {
		return errors.Wrap(err, "amqp: publish to "+topic)
	}
	return nil
}

// Subscribe consumes the topic queue with manual acknowledgement until
// ctx is done.  A handler error nacks the delivery back onto the queue.
func (b *AMQPBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "amqp: channel")
	}
	defer func() {
		if err := ch.Close(); err != nil {
			slog.Warn("failed to close amqp channel", "error", err)
		}
	}()
	if err := b.declareQueue(ch, topic); err != nil {
		return err
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "amqp: qos")
	}
	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "amqp: consume "+topic)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp: delivery channel closed")
			}
			if err := h(ctx, messageFromDelivery(d)); err != nil {
				slog.Error("message handling failed", "topic", topic, "error", err)
				if err := d.Nack(false, true); err != nil {
					slog.Error("amqp nack failed", "topic", topic, "error", err)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				slog.Error("amqp ack failed", "topic", topic, "error", err)
			}
		}
	}
}

func publishingFromMessage(msg Message) amqp.Publishing {
	pub := amqp.Publishing{
		Body:         msg.Payload,
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/octet-stream",
	}
	if len(msg.Attrs) > 0 {
		pub.Headers = make(amqp.Table, len(msg.Attrs))
		for k, v := range msg.Attrs {
			pub.Headers[k] = v
		}
	}
	return pub
}

func messageFromDelivery(d amqp.Delivery) Message {
	msg := Message{Payload: d.Body}
	if len(d.Headers) > 0 {
		msg.Attrs = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				msg.Attrs[k] = s
			}
		}
	}
	return msg
}
