package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/config"
	"github.com/snappy-loop/museum-alive/internal/database"
	"github.com/snappy-loop/museum-alive/internal/kafka"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/snappy-loop/museum-alive/internal/processor"
)

var (
	// ErrNotFound is returned for unknown or expired run IDs.
	ErrNotFound = errors.New("narration not found")
	// ErrAsyncUnavailable is returned when queued runs are requested but no broker is configured.
	ErrAsyncUnavailable = errors.New("async narration is not configured")
	// ErrQueued is returned for a run that was queued here and has no result yet.
	ErrQueued = errors.New("narration queued")
)

// ServiceDeps are the optional collaborators of NarrationService.
type ServiceDeps struct {
	Quota    QuotaChecker
	Runs     RunReader
	Requests RequestPublisher
	Images   ImageStore
}

// Status describes the configured pipeline.
type Status struct {
	Variant          string `json:"variant"`
	VisionEnabled    bool   `json:"vision_enabled"`
	NarrationEnabled bool   `json:"narration_enabled"`
	AsyncEnabled     bool   `json:"async_enabled"`
}

// NarrationService validates requests, runs the pipeline and keeps recent results.
type NarrationService struct {
	pipeline pipeline
	deps     ServiceDeps
	results  *cache.Cache
	queued   *cache.Cache
	audioDir string
	maxImage int64
}

// NewNarrationService creates a new NarrationService. Results expire after cfg.ResultTTL;
// their per-run audio files are removed with them.
func NewNarrationService(p pipeline, cfg *config.Config, deps ServiceDeps) *NarrationService {
	results := cache.New(cfg.ResultTTL, 2*cfg.ResultTTL)
	audioDir := cfg.AudioDir
	results.OnEvicted(func(id string, v interface{}) {
		r, ok := v.(*models.NarrationResult)
		if !ok || r.AudioPath == nil || filepath.Dir(*r.AudioPath) != filepath.Clean(audioDir) {
			return
		}
		if err := os.Remove(*r.AudioPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("run_id", id).Msg("Failed to remove expired audio")
		}
	})

	return &NarrationService{
		pipeline: p,
		deps:     deps,
		results:  results,
		queued:   cache.New(cfg.ResultTTL, 2*cfg.ResultTTL),
		audioDir: audioDir,
		maxImage: cfg.MaxImageSize,
	}
}

// Status reports the pipeline configuration.
func (s *NarrationService) Status() Status {
	return Status{
		Variant:          s.pipeline.Variant(),
		VisionEnabled:    s.pipeline.VisionEnabled(),
		NarrationEnabled: s.pipeline.NarrationEnabled(),
		AsyncEnabled:     s.deps.Requests != nil,
	}
}

// BuildInput validates a request body. Exactly one of name or image must be present.
func (s *NarrationService) BuildInput(req *models.CreateNarrationRequest) (models.ArtifactInput, error) {
	hasName := strings.TrimSpace(req.Name) != ""
	hasImage := req.ImageBase64 != ""
	switch {
	case hasName && hasImage:
		return models.ArtifactInput{}, fmt.Errorf("%w: provide either name or image, not both", models.ErrInvalidInput)
	case hasName:
		return models.NewNameInput(req.Name)
	case hasImage:
		data, err := decodeImage(req.ImageBase64)
		if err != nil {
			return models.ArtifactInput{}, fmt.Errorf("%w: image_base64: %v", models.ErrInvalidInput, err)
		}
		return s.ImageInput(data, req.MimeType)
	default:
		return models.ArtifactInput{}, fmt.Errorf("%w: name or image is required", models.ErrInvalidInput)
	}
}

// ImageInput validates raw image bytes against the size limit.
func (s *NarrationService) ImageInput(data []byte, mimeType string) (models.ArtifactInput, error) {
	if s.maxImage > 0 && int64(len(data)) > s.maxImage {
		return models.ArtifactInput{}, fmt.Errorf("%w: image exceeds maximum of %d bytes", models.ErrInvalidInput, s.maxImage)
	}
	return models.NewImageInput(data, mimeType)
}

// Narrate runs the pipeline synchronously and keeps the result for later lookup.
// Errors are limited to invalid input and quota; stage failures are in the result.
func (s *NarrationService) Narrate(ctx context.Context, in models.ArtifactInput, apiKeyID *uuid.UUID, obs processor.Observer) (*models.NarrationResult, error) {
	if err := s.consumeQuota(ctx, apiKeyID); err != nil {
		return nil, err
	}

	runID := uuid.New()
	result, err := s.pipeline.Run(ctx, processor.Request{
		ID:        runID,
		Input:     in,
		AudioPath: s.audioPath(runID),
		APIKeyID:  apiKeyID,
		Observer:  obs,
	})
	if err != nil {
		return nil, err
	}

	s.results.Set(runID.String(), result, cache.DefaultExpiration)
	return result, nil
}

// Enqueue publishes a run for a worker and returns its ID. Quota is charged
// before anything is stored and given back if the run cannot be queued.
func (s *NarrationService) Enqueue(ctx context.Context, in models.ArtifactInput, apiKeyID *uuid.UUID) (uuid.UUID, error) {
	if s.deps.Requests == nil {
		return uuid.Nil, ErrAsyncUnavailable
	}
	if in.IsZero() {
		return uuid.Nil, fmt.Errorf("%w: input not constructed", models.ErrInvalidInput)
	}
	if in.Kind() == models.InputKindImage && s.deps.Images == nil {
		return uuid.Nil, fmt.Errorf("%w: image upload storage", ErrAsyncUnavailable)
	}

	if err := s.consumeQuota(ctx, apiKeyID); err != nil {
		return uuid.Nil, err
	}

	runID := uuid.New()
	msg := kafka.NarrationRequestMessage{
		RunID:    runID,
		APIKeyID: apiKeyID,
		TraceID:  uuid.New().String(),
	}

	switch in.Kind() {
	case models.InputKindName:
		msg.Name = in.Name()
	case models.InputKindImage:
		data, mimeType := in.Image()
		key := "uploads/" + runID.String() + extensionForImage(mimeType)
		if err := s.deps.Images.Upload(ctx, key, bytes.NewReader(data), mimeType, int64(len(data))); err != nil {
			s.releaseQuota(ctx, apiKeyID)
			return uuid.Nil, fmt.Errorf("failed to upload image: %w", err)
		}
		msg.ImageKey = key
		msg.MimeType = mimeType
	}

	if err := s.deps.Requests.PublishNarrationRequest(ctx, msg); err != nil {
		s.releaseQuota(ctx, apiKeyID)
		return uuid.Nil, fmt.Errorf("failed to queue narration: %w", err)
	}
	s.queued.Set(runID.String(), struct{}{}, cache.DefaultExpiration)

	log.Info().
		Str("run_id", runID.String()).
		Str("input_kind", string(in.Kind())).
		Msg("Narration queued")

	return runID, nil
}

// HandleMessage runs a queued request. Bad requests are reported as unprocessable so the consumer skips them.
func (s *NarrationService) HandleMessage(ctx context.Context, msg *kafka.NarrationRequestMessage) error {
	if msg.RunID == uuid.Nil {
		return fmt.Errorf("%w: missing run_id", kafka.ErrUnprocessable)
	}

	var in models.ArtifactInput
	var err error
	switch {
	case msg.ImageKey != "":
		if s.deps.Images == nil {
			return fmt.Errorf("%w: no image storage configured", kafka.ErrUnprocessable)
		}
		var data []byte
		data, err = s.deps.Images.ReadObject(ctx, msg.ImageKey, s.maxImage)
		if err != nil {
			// Storage errors are retried.
			return fmt.Errorf("failed to fetch image %s: %w", msg.ImageKey, err)
		}
		in, err = s.ImageInput(data, msg.MimeType)
	default:
		in, err = models.NewNameInput(msg.Name)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", kafka.ErrUnprocessable, err)
	}

	result, err := s.pipeline.Run(ctx, processor.Request{
		ID:        msg.RunID,
		Input:     in,
		AudioPath: s.audioPath(msg.RunID),
		APIKeyID:  msg.APIKeyID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", kafka.ErrUnprocessable, err)
	}

	s.results.Set(msg.RunID.String(), result, cache.DefaultExpiration)
	return nil
}

// HandleNarrationEvent keeps the result of a run finished by another process so
// it can be fetched here. Results of local runs are not replaced.
func (s *NarrationService) HandleNarrationEvent(ctx context.Context, ev *kafka.NarrationEventMessage) error {
	if ev.RunID == uuid.Nil {
		return fmt.Errorf("%w: missing run_id", kafka.ErrUnprocessable)
	}
	result := ev.Result()
	if err := s.results.Add(ev.RunID.String(), result, cache.DefaultExpiration); err != nil {
		return nil
	}
	s.queued.Delete(ev.RunID.String())
	log.Debug().Str("run_id", ev.RunID.String()).Msg("Stored result from narration event")
	return nil
}

// Get returns a kept result, or ErrQueued while a run queued here is still pending.
func (s *NarrationService) Get(id uuid.UUID) (*models.NarrationResult, error) {
	if v, ok := s.results.Get(id.String()); ok {
		return v.(*models.NarrationResult), nil
	}
	if _, ok := s.queued.Get(id.String()); ok {
		return nil, ErrQueued
	}
	return nil, ErrNotFound
}

// GetRun returns recorded metadata for a run whose result is no longer kept.
func (s *NarrationService) GetRun(ctx context.Context, id uuid.UUID) (*models.NarrationRun, error) {
	if s.deps.Runs == nil {
		return nil, ErrNotFound
	}
	run, err := s.deps.Runs.GetByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// charged reports whether runs for apiKeyID count against quota. Credential-missing
// runs do no remote work and are not charged.
func (s *NarrationService) charged(apiKeyID *uuid.UUID) bool {
	return s.deps.Quota != nil && apiKeyID != nil && s.pipeline.NarrationEnabled()
}

func (s *NarrationService) consumeQuota(ctx context.Context, apiKeyID *uuid.UUID) error {
	if !s.charged(apiKeyID) {
		return nil
	}
	return s.deps.Quota.CheckAndConsume(ctx, *apiKeyID, 1)
}

func (s *NarrationService) releaseQuota(ctx context.Context, apiKeyID *uuid.UUID) {
	if !s.charged(apiKeyID) {
		return
	}
	if err := s.deps.Quota.Release(ctx, *apiKeyID, 1); err != nil {
		log.Warn().Err(err).Str("api_key_id", apiKeyID.String()).Msg("Failed to release quota")
	}
}

func (s *NarrationService) audioPath(runID uuid.UUID) string {
	return filepath.Join(s.audioDir, runID.String()+".wav")
}

func decodeImage(encoded string) ([]byte, error) {
	// Accept data URLs as sent by browsers.
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
}

func extensionForImage(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
