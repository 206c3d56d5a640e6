package processor

import (
	"context"

	"github.com/snappy-loop/museum-alive/internal/models"
)

// AudioPublisher copies a local audio file to shared storage and returns its URL. May be nil to skip publishing.
type AudioPublisher interface {
	PublishFile(ctx context.Context, key, path, contentType string) (string, error)
}

// RunRecorder stores run metadata. May be nil to skip recording.
type RunRecorder interface {
	Create(ctx context.Context, run *models.NarrationRun) error
}

// EventPublisher announces finished runs (e.g. to Kafka). May be nil to skip publishing.
type EventPublisher interface {
	PublishNarrationEvent(ctx context.Context, result *models.NarrationResult) error
}

// Observer receives stage progress for one run. Calls happen on the run's goroutine.
type Observer interface {
	StageStarted(stage, message string)
	StageFinished(report models.StageReport)
}

type nopObserver struct{}

func (nopObserver) StageStarted(string, string)      {}
func (nopObserver) StageFinished(models.StageReport) {}
