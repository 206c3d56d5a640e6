package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/museum-alive/internal/models"
)

// Producer wraps a Kafka producer
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka producer initialized")

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishNarrationRequest queues a run for a worker.
func (p *Producer) PublishNarrationRequest(ctx context.Context, msg NarrationRequestMessage) error {
	if err := p.write(ctx, msg.RunID.String(), msg); err != nil {
		return err
	}

	log.Info().
		Str("run_id", msg.RunID.String()).
		Str("topic", p.topic).
		Msg("Narration request published to Kafka")

	return nil
}

// PublishNarrationEvent announces a finished run.
func (p *Producer) PublishNarrationEvent(ctx context.Context, result *models.NarrationResult) error {
	if err := p.write(ctx, result.ID.String(), NewNarrationEvent(result)); err != nil {
		return err
	}

	log.Info().
		Str("run_id", result.ID.String()).
		Bool("has_audio", result.HasAudio()).
		Str("topic", p.topic).
		Msg("Narration event published to Kafka")

	return nil
}

func (p *Producer) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	log.Info().Str("topic", p.topic).Msg("Closing Kafka producer")
	return p.writer.Close()
}
