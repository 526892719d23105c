// Package events publishes token lifecycle notifications to RabbitMQ so the
// host application can react to issuance, revocation, and cleanup without
// polling the database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inkwellcms/inkwell-oauth/internal/oauth"
)

const defaultExchange = "oauth.events"

// Publisher emits oauth events to a fanout exchange. It satisfies
// oauth.EventSink; a nil *Publisher is a valid no-op sink.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisherFromEnv connects using OAUTH_AMQP_URL. It returns (nil, nil)
// when the variable is unset: eventing is optional and the server runs
// without it.
func NewPublisherFromEnv() (*Publisher, error) {
	url := os.Getenv("OAUTH_AMQP_URL")
	if url == "" {
		return nil, nil
	}
	exchange := os.Getenv("OAUTH_AMQP_EXCHANGE")
	if exchange == "" {
		exchange = defaultExchange
	}
	return NewPublisher(url, exchange)
}

// NewPublisher connects to the broker and declares the exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// Emit publishes the event as JSON. Publish failures are logged and dropped;
// eventing must never fail token issuance.
func (p *Publisher) Emit(ctx context.Context, event oauth.Event) {
	if p == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("events: marshal %s: %v", event.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		log.Printf("events: publish %s: %v", event.Type, err)
	}
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
