package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/wudi/swproxy/config"
)

// AMQPNotifier publishes notifications to an AMQP exchange.
type AMQPNotifier struct {
	exchange   string
	routingKey string

	mu   sync.Mutex // channels are not safe for concurrent publishing
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// DialAMQP connects to the broker in cfg.
func DialAMQP(cfg config.AMQPNotifyConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: connect failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: channel failed: %w", err)
	}

	return &AMQPNotifier{
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		conn:       conn,
		ch:         ch,
	}, nil
}

func (a *AMQPNotifier) Notify(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("amqp: encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.ch.PublishWithContext(ctx,
		a.exchange,
		a.routingKey,
		false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.UnixMilli(n.Data.DateOfArrival),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp: publish: %w", err)
	}
	return nil
}

func (a *AMQPNotifier) Name() string { return config.NotifyAMQP }

// Close shuts down the AMQP connection.
func (a *AMQPNotifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
