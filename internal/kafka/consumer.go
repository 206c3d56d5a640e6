package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Consumer wraps a Kafka consumer
type Consumer struct {
	reader  *kafka.Reader
	handler MessageHandler
}

// MessageHandler processes narration requests. Returning an error wrapping
// ErrUnprocessable skips the message; any other error is retried.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *NarrationRequestMessage) error
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // manual commits
		// Requests published before the first worker starts are not lost.
		StartOffset: kafka.FirstOffset,
	})

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Kafka consumer initialized")

	return &Consumer{
		reader:  reader,
		handler: handler,
	}
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().Msg("Starting Kafka consumer")
	return consume(ctx, c.reader, c.processMessage)
}

// consume fetches, processes and commits messages until ctx ends. Failures are
// retried with backoff; unprocessable messages are committed at once.
func consume(ctx context.Context, reader *kafka.Reader, process func(context.Context, kafka.Message) error) error {
	const (
		maxRetries     = 10
		baseDelay      = 1 * time.Second
		maxDelay       = 5 * time.Minute
		maxRetriesSkip = 20 // skip the message after this many attempts
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		var lastErr error
		for attempt := 0; attempt < maxRetriesSkip; attempt++ {
			lastErr = process(ctx, msg)
			if lastErr == nil || errors.Is(lastErr, ErrUnprocessable) {
				break
			}

			log.Error().
				Err(lastErr).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Int("attempt", attempt+1).
				Int("max_retries", maxRetriesSkip).
				Msg("Failed to process message - will retry")

			delay := baseDelay * time.Duration(1<<uint(min(attempt, maxRetries)))
			if delay > maxDelay {
				delay = maxDelay
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if lastErr != nil {
			log.Error().
				Err(lastErr).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("CRITICAL: Message processing failed - SKIPPING MESSAGE")
		}

		// Commit even skipped messages so one bad message cannot block the partition.
		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

// processMessage processes a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	log.Debug().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Processing message")

	var req NarrationRequestMessage
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}

	if err := c.handler.HandleMessage(ctx, &req); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}

	log.Info().
		Str("run_id", req.RunID.String()).
		Msg("Message processed successfully")

	return nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}

// EventHandler receives finished-run events.
type EventHandler interface {
	HandleNarrationEvent(ctx context.Context, ev *NarrationEventMessage) error
}

// EventConsumer follows the events topic. Every API instance uses its own
// group so each one sees every event.
type EventConsumer struct {
	reader  *kafka.Reader
	handler EventHandler
}

// NewEventConsumer creates a consumer that starts at the newest events.
func NewEventConsumer(brokers []string, topic, groupID string, handler EventHandler) *EventConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Kafka event consumer initialized")

	return &EventConsumer{reader: reader, handler: handler}
}

// Start consumes events until ctx ends.
func (c *EventConsumer) Start(ctx context.Context) error {
	log.Info().Msg("Starting Kafka event consumer")
	return consume(ctx, c.reader, c.processEvent)
}

func (c *EventConsumer) processEvent(ctx context.Context, msg kafka.Message) error {
	var ev NarrationEventMessage
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	if err := c.handler.HandleNarrationEvent(ctx, &ev); err != nil {
		return fmt.Errorf("event handler error: %w", err)
	}
	return nil
}

// Close closes the event consumer
func (c *EventConsumer) Close() error {
	log.Info().Msg("Closing Kafka event consumer")
	return c.reader.Close()
}
