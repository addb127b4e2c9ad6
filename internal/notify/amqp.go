package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aditya/go-carpool/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// publishChannel is the part of *amqp.Channel the notifier uses.
type publishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type brokerConn interface {
	channel() (publishChannel, error)
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) channel() (publishChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (brokerConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// AMQPNotifier publishes envelopes to a topic exchange consumed by the email/push worker.
// The routing key is the event type.
type AMQPNotifier struct {
	url      string
	exchange string
	log      logrus.FieldLogger
	dial     func(url string) (brokerConn, error)

	mu      sync.Mutex
	conn    brokerConn
	channel publishChannel
}

func NewAMQPNotifier(url, exchange string, log logrus.FieldLogger) (*AMQPNotifier, error) {
	n := &AMQPNotifier{url: url, exchange: exchange, log: log, dial: dialAMQP}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := n.dial(n.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	n.conn = conn
	if err := n.openChannel(); err != nil {
		conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

// openChannel opens a fresh channel on the current connection and declares the exchange.
func (n *AMQPNotifier) openChannel() error {
	ch, err := n.conn.channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", n.exchange, err)
	}
	n.channel = ch
	return nil
}

// ensure repairs whatever the broker closed: the whole connection, or only the channel
// after a channel-level exception.
func (n *AMQPNotifier) ensure() error {
	if n.conn == nil || n.conn.IsClosed() {
		n.log.Warn("amqp connection closed, reconnecting")
		return n.connect()
	}
	if n.channel == nil || n.channel.IsClosed() {
		n.log.Warn("amqp channel closed, reopening")
		return n.openChannel()
	}
	return nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, recipient models.Identity, event Event) error {
	body, err := json.Marshal(Envelope{
		RecipientID:    recipient.ID,
		RecipientEmail: recipient.Email,
		Event:          event,
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// one repair attempt per publish
	if err := n.ensure(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return n.channel.PublishWithContext(ctx, n.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
