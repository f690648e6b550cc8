package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig holds AMQP publisher configuration.
type AMQPConfig struct {
	URL             string `json:"url" yaml:"url"`
	Exchange        string `json:"exchange" yaml:"exchange"`
	ExchangeType    string `json:"exchange_type" yaml:"exchange_type"`
	RoutingKey      string `json:"routing_key" yaml:"routing_key"`
	ExchangeDeclare bool   `json:"exchange_declare" yaml:"exchange_declare"`
}

// AMQPPublisher publishes usage events to an AMQP exchange.
type AMQPPublisher struct {
	config  *AMQPConfig
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher connects to the broker and optionally declares the
// exchange.
func NewAMQPPublisher(config *AMQPConfig) (*AMQPPublisher, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if config.Exchange == "" {
		return nil, fmt.Errorf("exchange is required")
	}
	if config.ExchangeType == "" {
		config.ExchangeType = "topic"
	}
	if config.RoutingKey == "" {
		config.RoutingKey = "rule.usage"
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if config.ExchangeDeclare {
		if err := channel.ExchangeDeclare(config.Exchange, config.ExchangeType,
			true, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
	}
	return &AMQPPublisher{config: config, conn: conn, channel: channel}, nil
}

func (p *AMQPPublisher) PublishUsage(ctx context.Context, event *UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode usage event: %w", err)
	}
	err = p.channel.PublishWithContext(ctx, p.config.Exchange, p.config.RoutingKey, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   event.Record.UsedAt,
			MessageId:   event.Record.ID,
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish usage event: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
