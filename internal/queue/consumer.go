package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsledger/apps/api/internal/importer"
)

type Handler func(ctx context.Context, task ImportTask) importer.Result

type Source interface {
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
}

type ConsumerConfig struct {
	Queue       string
	ResultQueue string
	Prefetch    int
	MaxRetries  int
	// RetryDelay is the wait before re-publishing attempt n. Defaults to n seconds.
	RetryDelay func(attempt int) time.Duration
	Logger     *slog.Logger
}

type Consumer struct {
	source    Source
	publisher Publisher
	handler   Handler
	cfg       ConsumerConfig
}

func NewConsumer(source Source, publisher Publisher, handler Handler, cfg ConsumerConfig) *Consumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = func(attempt int) time.Duration { return time.Duration(attempt) * time.Second }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{source: source, publisher: publisher, handler: handler, cfg: cfg}
}

// Run processes deliveries until ctx is done or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.cfg.Queue, c.cfg.Prefetch)
	if err != nil {
		return err
	}
	c.cfg.Logger.Info("worker_consuming", "queue", c.cfg.Queue, "prefetch", c.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	logger := c.cfg.Logger

	var task ImportTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		logger.Error("import_task_invalid", "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}

	result := c.handler(ctx, task)
	retries := RetryCount(d.Headers)

	if isRetryable(result) && retries < c.cfg.MaxRetries {
		next := retries + 1
		logger.Warn("import_task_retry", "task_id", task.TaskID, "attempt", next, "max_retries", c.cfg.MaxRetries)
		if !sleep(ctx, c.cfg.RetryDelay(next)) {
			_ = d.Nack(false, true)
			return
		}

		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[HeaderRetryCount] = int32(next)

		err := c.publisher.Publish(ctx, c.cfg.Queue, amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Priority:     d.Priority,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         d.Body,
		})
		if err != nil {
			logger.Error("import_task_republish_failed", "task_id", task.TaskID, "error", err)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	outcome := ImportOutcome{
		TaskID:      task.TaskID,
		EntityType:  task.EntityType,
		Attempts:    retries + 1,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		logger.Error("import_outcome_encode_failed", "task_id", task.TaskID, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := c.publisher.Publish(ctx, c.cfg.ResultQueue, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: task.TaskID,
		Timestamp:     outcome.CompletedAt,
		Body:          body,
	}); err != nil {
		logger.Error("import_outcome_publish_failed", "task_id", task.TaskID, "error", err)
		_ = d.Nack(false, true)
		return
	}

	logger.Info("import_task_completed",
		"task_id", task.TaskID,
		"run_id", result.RunID,
		"success", result.Success,
		"imported", result.ImportedCount,
		"attempts", outcome.Attempts,
	)
	_ = d.Ack(false)
}

// isRetryable reports whether the import failed on store access rather than on data.
func isRetryable(result importer.Result) bool {
	for _, e := range result.Errors {
		if e.RowIndex == importer.RowIndexInfrastructure {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ConsumeOutcomes hands every ImportOutcome on the result queue to fn until ctx is
// done or the channel closes. Undecodable messages are dropped.
func ConsumeOutcomes(ctx context.Context, source Source, resultQueue string, logger *slog.Logger, fn func(ImportOutcome)) error {
	deliveries, err := source.Consume(resultQueue, 10)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var outcome ImportOutcome
			if err := json.Unmarshal(d.Body, &outcome); err != nil {
				logger.Error("import_outcome_invalid", "correlation_id", d.CorrelationId, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			fn(outcome)
			_ = d.Ack(false)
		}
	}
}
