package services

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/snappy-loop/museum-alive/internal/kafka"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/snappy-loop/museum-alive/internal/processor"
)

// pipeline is the subset of processor.NarrationProcessor used by NarrationService.
type pipeline interface {
	Run(ctx context.Context, req processor.Request) (*models.NarrationResult, error)
	NarrationEnabled() bool
	VisionEnabled() bool
	Variant() string
}

// QuotaChecker consumes per-key quota. May be nil to skip quota checks.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, apiKeyID uuid.UUID, narrations int64) error
	Release(ctx context.Context, apiKeyID uuid.UUID, narrations int64) error
}

// RunReader reads recorded run metadata. May be nil.
type RunReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.NarrationRun, error)
}

// RequestPublisher queues runs for workers (e.g. to Kafka). May be nil to disable async runs.
type RequestPublisher interface {
	PublishNarrationRequest(ctx context.Context, msg kafka.NarrationRequestMessage) error
}

// ImageStore holds uploaded images for async runs. May be nil to accept name inputs only.
type ImageStore interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) error
	ReadObject(ctx context.Context, key string, maxBytes int64) ([]byte, error)
}
