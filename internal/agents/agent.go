package agents

import (
	"context"
	"fmt"
	"os"

	"github.com/snappy-loop/museum-alive/internal/models"
)

// Describer turns an artifact photo into a short visual description.
type Describer interface {
	Describe(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Narrator speaks as the artifact. It always returns a story; failures yield a placeholder.
type Narrator interface {
	Narrate(ctx context.Context, ref models.ArtifactRef) models.Story
}

// Synthesizer renders text to an audio file at outputPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outputPath string) (*models.AudioArtifact, error)
}

// AudioData reads the full audio bytes of a synthesized artifact (for MCP which needs inline data).
func AudioData(a *models.AudioArtifact) ([]byte, error) {
	if a == nil || a.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	return data, nil
}
