package agents

import (
	"context"

	"github.com/snappy-loop/museum-alive/internal/llm"
)

// DescriberImpl wraps llm.Client for vision descriptions.
type DescriberImpl struct {
	Client *llm.Client
}

// NewDescriber returns a Describer that delegates to the LLM client.
func NewDescriber(client *llm.Client) Describer {
	return &DescriberImpl{Client: client}
}

// Describe delegates to llm.Client.DescribeArtifact.
func (a *DescriberImpl) Describe(ctx context.Context, image []byte, mimeType string) (string, error) {
	return a.Client.DescribeArtifact(ctx, image, mimeType)
}
