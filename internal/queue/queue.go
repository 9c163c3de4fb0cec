// Package queue moves import tasks and their results over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsledger/apps/api/internal/importer"
	"github.com/opsledger/apps/api/internal/rowmap"
)

const (
	HeaderRetryCount  = "x-retry-count"
	DefaultMaxRetries = 5
)

type ImportTask struct {
	TaskID     string       `json:"taskId"`
	RunID      string       `json:"runId"`
	EntityType string       `json:"entityType"`
	DryRun     bool         `json:"dryRun"`
	Rows       []rowmap.Row `json:"rows"`
	RequestID  string       `json:"requestId,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

type ImportOutcome struct {
	TaskID      string          `json:"taskId"`
	EntityType  string          `json:"entityType"`
	Attempts    int             `json:"attempts"`
	Result      importer.Result `json:"result"`
	CompletedAt time.Time       `json:"completedAt"`
}

type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Client wraps one connection and one channel. Publishing is serialized because an
// amqp channel is not safe for concurrent publishes.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
}

func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Client{conn: conn, ch: ch}, nil
}

// Declare creates durable queues if they do not exist yet.
func (c *Client) Declare(queues ...string) error {
	for _, name := range queues {
		if _, err := c.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume sets the prefetch window and starts a manual-ack consumer.
func (c *Client) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	return c.conn.Close()
}

type Producer struct {
	publisher Publisher
	queue     string
}

func NewProducer(publisher Publisher, queue string) *Producer {
	return &Producer{publisher: publisher, queue: queue}
}

func (p *Producer) Enqueue(ctx context.Context, task ImportTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode import task: %w", err)
	}
	return p.publisher.Publish(ctx, p.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.TaskID,
		Timestamp:    task.EnqueuedAt,
		Body:         body,
	})
}

// RetryCount reads the retry header, which arrives as int32 off the wire.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[HeaderRetryCount].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
