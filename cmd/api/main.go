package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/auth"
	"github.com/snappy-loop/museum-alive/internal/config"
	"github.com/snappy-loop/museum-alive/internal/database"
	"github.com/snappy-loop/museum-alive/internal/grpcserver"
	"github.com/snappy-loop/museum-alive/internal/handlers"
	"github.com/snappy-loop/museum-alive/internal/kafka"
	"github.com/snappy-loop/museum-alive/internal/llm"
	"github.com/snappy-loop/museum-alive/internal/mcpserver"
	"github.com/snappy-loop/museum-alive/internal/persona"
	"github.com/snappy-loop/museum-alive/internal/processor"
	"github.com/snappy-loop/museum-alive/internal/quota"
	"github.com/snappy-loop/museum-alive/internal/services"
	"github.com/snappy-loop/museum-alive/internal/storage"
	"github.com/snappy-loop/museum-alive/migrations"
	"google.golang.org/grpc"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("variant", cfg.Variant).Msg("Starting Museum Alive API")

	p, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load persona")
	}
	llmClient := llm.NewClient(cfg, p)
	if !llmClient.NarrationEnabled() {
		log.Warn().Msg("DEEPSEEK_API_KEY is not configured; narration requests will report credential_missing")
	}

	var sinks processor.Deps
	var svcDeps services.ServiceDeps
	var authMW mux.MiddlewareFunc
	var db *database.DB
	var mcpAuth func(http.Handler) http.Handler

	// Database: API keys, quota and run metadata
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		if err := migrations.Run(context.Background(), db.DB); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}

		apiKeyRepo := database.NewAPIKeyRepository(db)
		runRepo := database.NewNarrationRunRepository(db)
		authService := auth.NewService(apiKeyRepo)

		sinks.Recorder = runRepo
		svcDeps.Runs = runRepo
		svcDeps.Quota = quota.NewService(apiKeyRepo)
		authMW = authService.Middleware
		mcpAuth = mcpserver.AuthMiddleware(authService)
	} else {
		log.Warn().Msg("DATABASE_URL not set; API runs without authentication, quota or run history")
	}

	// Object storage: published audio and uploaded images for workers
	if cfg.S3Enabled() {
		storageClient, err := storage.NewClient(
			cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket,
			cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3PublicURL,
		)
		if err != nil {
			log.Warn().Err(err).Msg("S3 not available; audio is served from local disk only")
		} else {
			sinks.Publisher = storageClient
			svcDeps.Images = storageClient
		}
	}

	// Kafka: queued requests and finished-run events
	if cfg.KafkaEnabled() {
		requestProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicRequests)
		defer requestProducer.Close()
		eventProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
		defer eventProducer.Close()

		svcDeps.Requests = requestProducer
		sinks.Events = eventProducer
	}

	narrationProcessor := processor.NewFromConfig(cfg, llmClient, sinks)
	narrationService := services.NewNarrationService(narrationProcessor, cfg, svcDeps)

	// Finished-run events from the workers fill the result cache for queued runs.
	consumeCtx, stopConsuming := context.WithCancel(context.Background())
	defer stopConsuming()
	var eventConsumer *kafka.EventConsumer
	if cfg.KafkaEnabled() {
		group := cfg.EventsGroup()
		eventConsumer = kafka.NewEventConsumer(cfg.KafkaBrokers, cfg.KafkaTopicEvents, group, narrationService)
		go func() {
			log.Info().Str("topic", cfg.KafkaTopicEvents).Str("group", group).Msg("Consuming narration events")
			if err := eventConsumer.Start(consumeCtx); err != nil && consumeCtx.Err() == nil {
				log.Error().Err(err).Msg("Event consumer stopped")
			}
		}()
	}

	r := mux.NewRouter()
	h := handlers.NewHandler(narrationService, cfg.MaxImageSize)
	if db != nil {
		h.AddHealthCheck("database", db)
	}
	h.Register(r, authMW)

	var mcpHandler http.Handler = mcpserver.NewServer(narrationService).Handler()
	if mcpAuth != nil {
		mcpHandler = mcpAuth(mcpHandler)
	}
	r.Handle("/mcp", mcpHandler).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Synchronous narration waits on three remote models.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// gRPC health
	grpcSrv := grpc.NewServer()
	grpcserver.Register(grpcSrv, grpcserver.NewHealthServer(narrationProcessor))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("Failed to listen for gRPC")
	}
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC health server listening")
		if err := grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down API...")

	grpcDone := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(grpcDone)
	}()
	select {
	case <-grpcDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("gRPC graceful stop timed out; stopping")
		grpcSrv.Stop()
		<-grpcDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	stopConsuming()
	if eventConsumer != nil {
		if err := eventConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Event consumer close error")
		}
	}
	log.Info().Msg("API exited")
}
