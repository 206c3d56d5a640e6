package agents

import (
	"context"

	"github.com/snappy-loop/museum-alive/internal/llm"
	"github.com/snappy-loop/museum-alive/internal/models"
)

// NarratorImpl wraps llm.Client for persona narration.
type NarratorImpl struct {
	Client *llm.Client
}

// NewNarrator returns a Narrator that delegates to the LLM client.
func NewNarrator(client *llm.Client) Narrator {
	return &NarratorImpl{Client: client}
}

// Narrate delegates to llm.Client.NarrateArtifact.
func (a *NarratorImpl) Narrate(ctx context.Context, ref models.ArtifactRef) models.Story {
	return a.Client.NarrateArtifact(ctx, ref)
}

// SynthesizerImpl wraps llm.Client for TTS.
type SynthesizerImpl struct {
	Client *llm.Client
}

// NewSynthesizer returns a Synthesizer that delegates to the LLM client.
func NewSynthesizer(client *llm.Client) Synthesizer {
	return &SynthesizerImpl{Client: client}
}

// Synthesize delegates to llm.Client.SynthesizeSpeech.
func (a *SynthesizerImpl) Synthesize(ctx context.Context, text, outputPath string) (*models.AudioArtifact, error) {
	return a.Client.SynthesizeSpeech(ctx, text, outputPath)
}
