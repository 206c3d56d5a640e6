package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey represents an API key for authentication
type APIKey struct {
	ID                     uuid.UUID `json:"id"`
	Label                  string    `json:"label"`
	KeyHash                string    `json:"-"`
	Status                 string    `json:"status"`       // active, disabled
	QuotaPeriod            string    `json:"quota_period"` // daily, weekly, monthly, yearly
	QuotaNarrations        int64     `json:"quota_narrations"`
	UsedNarrationsInPeriod int64     `json:"used_narrations_in_period"`
	PeriodStartedAt        time.Time `json:"period_started_at"`
	CreatedAt              time.Time `json:"created_at"`
}

// Pipeline stages, in execution order.
const (
	StageDescribing   = "describing"
	StageNarrating    = "narrating"
	StageSynthesizing = "synthesizing"
	StagePublishing   = "publishing"
)

// Stage outcomes.
const (
	StageStatusOK       = "ok"
	StageStatusDegraded = "degraded" // stage failed but a fallback value was used
	StageStatusFailed   = "failed"   // stage produced nothing; result omits its output
	StageStatusSkipped  = "skipped"
)

// StageReport records how one pipeline stage ended.
type StageReport struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Story is the narrator's output. Fallback stories carry the error that caused them.
type Story struct {
	Text     string
	Fallback bool
	Error    string
}

// AudioArtifact is a synthesized audio file on local disk.
type AudioArtifact struct {
	Path     string
	MimeType string
	Size     int64
	Duration float64 // estimated seconds
	URL      string  // set after publication to object storage
}

// NarrationResult is what one pipeline invocation returns to the caller.
type NarrationResult struct {
	ID                uuid.UUID     `json:"id"`
	InputKind         InputKind     `json:"input_kind"`
	Description       *string       `json:"description,omitempty"`
	Story             string        `json:"story"`
	StoryFallback     bool          `json:"story_fallback"`
	AudioPath         *string       `json:"audio_path,omitempty"`
	AudioMimeType     string        `json:"audio_mime_type,omitempty"`
	AudioURL          string        `json:"audio_url,omitempty"`
	CredentialMissing bool          `json:"credential_missing"`
	Stages            []StageReport `json:"stages"`
	CreatedAt         time.Time     `json:"created_at"`
}

// HasAudio reports whether synthesis produced a file.
func (r *NarrationResult) HasAudio() bool {
	return r.AudioPath != nil
}

// Stage returns the report for the named stage, or nil if it never ran.
func (r *NarrationResult) Stage(name string) *StageReport {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// NarrationRun is the persisted metadata of one invocation. Description and story text are never stored.
type NarrationRun struct {
	ID                uuid.UUID     `json:"id"`
	APIKeyID          *uuid.UUID    `json:"api_key_id,omitempty"`
	InputKind         InputKind     `json:"input_kind"`
	Variant           string        `json:"variant"`
	StoryFallback     bool          `json:"story_fallback"`
	HasAudio          bool          `json:"has_audio"`
	AudioURL          *string       `json:"audio_url,omitempty"`
	CredentialMissing bool          `json:"credential_missing"`
	Stages            []StageReport `json:"stages"`
	CreatedAt         time.Time     `json:"created_at"`
}

// CreateNarrationRequest is the JSON body of POST /v1/narrations.
// Exactly one of Name or ImageBase64 must be set.
type CreateNarrationRequest struct {
	Name        string `json:"name,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}
