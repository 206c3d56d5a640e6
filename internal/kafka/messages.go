package kafka

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/museum-alive/internal/models"
)

// ErrUnprocessable marks a message that can never succeed. The consumer commits it without retrying.
var ErrUnprocessable = errors.New("unprocessable message")

// NarrationRequestMessage asks a worker to run the pipeline. Exactly one of
// Name or ImageKey is set; ImageKey is an object key in the shared bucket.
type NarrationRequestMessage struct {
	RunID    uuid.UUID  `json:"run_id"`
	Name     string     `json:"name,omitempty"`
	ImageKey string     `json:"image_key,omitempty"`
	MimeType string     `json:"mime_type,omitempty"`
	APIKeyID *uuid.UUID `json:"api_key_id,omitempty"`
	TraceID  string     `json:"trace_id,omitempty"`
}

// NarrationEventMessage announces a finished run. Local file paths are not included.
type NarrationEventMessage struct {
	RunID             uuid.UUID            `json:"run_id"`
	InputKind         models.InputKind     `json:"input_kind"`
	Description       *string              `json:"description,omitempty"`
	Story             string               `json:"story"`
	StoryFallback     bool                 `json:"story_fallback"`
	HasAudio          bool                 `json:"has_audio"`
	AudioURL          string               `json:"audio_url,omitempty"`
	CredentialMissing bool                 `json:"credential_missing"`
	Stages            []models.StageReport `json:"stages"`
	CreatedAt         time.Time            `json:"created_at"`
}

// NewNarrationEvent builds the event for a finished result.
func NewNarrationEvent(r *models.NarrationResult) NarrationEventMessage {
	return NarrationEventMessage{
		RunID:             r.ID,
		InputKind:         r.InputKind,
		Description:       r.Description,
		Story:             r.Story,
		StoryFallback:     r.StoryFallback,
		HasAudio:          r.HasAudio(),
		AudioURL:          r.AudioURL,
		CredentialMissing: r.CredentialMissing,
		Stages:            r.Stages,
		CreatedAt:         r.CreatedAt,
	}
}

// Result rebuilds the result a consumer can serve. It has no local audio path;
// audio is reachable through AudioURL when the run was published.
func (m *NarrationEventMessage) Result() *models.NarrationResult {
	return &models.NarrationResult{
		ID:                m.RunID,
		InputKind:         m.InputKind,
		Description:       m.Description,
		Story:             m.Story,
		StoryFallback:     m.StoryFallback,
		AudioURL:          m.AudioURL,
		CredentialMissing: m.CredentialMissing,
		Stages:            m.Stages,
		CreatedAt:         m.CreatedAt,
	}
}
