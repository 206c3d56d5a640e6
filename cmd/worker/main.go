package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/config"
	"github.com/snappy-loop/museum-alive/internal/database"
	"github.com/snappy-loop/museum-alive/internal/kafka"
	"github.com/snappy-loop/museum-alive/internal/llm"
	"github.com/snappy-loop/museum-alive/internal/persona"
	"github.com/snappy-loop/museum-alive/internal/processor"
	"github.com/snappy-loop/museum-alive/internal/services"
	"github.com/snappy-loop/museum-alive/internal/storage"
	"github.com/snappy-loop/museum-alive/migrations"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("variant", cfg.Variant).Msg("Starting Museum Alive Worker")

	if !cfg.KafkaEnabled() {
		log.Fatal().Msg("KAFKA_BROKERS is required for the worker")
	}

	p, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load persona")
	}
	llmClient := llm.NewClient(cfg, p)

	var sinks processor.Deps
	var svcDeps services.ServiceDeps

	if cfg.DatabaseURL != "" {
		db, err := database.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		if err := migrations.Run(context.Background(), db.DB); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		sinks.Recorder = database.NewNarrationRunRepository(db)
	}

	if cfg.S3Enabled() {
		storageClient, err := storage.NewClient(
			cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket,
			cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3PublicURL,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize storage client")
		}
		sinks.Publisher = storageClient
		svcDeps.Images = storageClient
	} else {
		log.Warn().Msg("S3_BUCKET not set; image requests will be skipped and audio stays on this host")
	}

	eventProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
	defer eventProducer.Close()
	sinks.Events = eventProducer

	narrationService := services.NewNarrationService(processor.NewFromConfig(cfg, llmClient, sinks), cfg, svcDeps)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopicRequests, cfg.KafkaConsumerGroup, narrationService)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Kafka consumer error")
		}
	}()

	log.Info().Msg("Worker started, consuming messages...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	log.Info().Msg("Shutting down worker...")
	cancel()
	<-done

	log.Info().Msg("Worker exited")
}
