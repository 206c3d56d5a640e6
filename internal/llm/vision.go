package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

var (
	// ErrVisionUnavailable is returned when the vision model cannot be loaded.
	ErrVisionUnavailable = errors.New("vision model unavailable")
	// ErrEmptyDescription is returned when the vision model answers with no text.
	ErrEmptyDescription = errors.New("vision model returned empty description")
)

// VisionModel answers a question about an image.
type VisionModel interface {
	Describe(ctx context.Context, image []byte, mimeType, question string) (string, error)
}

// VisionLoader constructs the vision model. It is called again only if a previous call failed.
type VisionLoader func(ctx context.Context) (VisionModel, error)

// VisionHandle is the process-wide vision model, loaded on first use and kept
// for the lifetime of the process. After loading it is read-only.
type VisionHandle struct {
	mu     sync.Mutex
	load   VisionLoader
	loaded atomic.Pointer[visionEntry]
}

type visionEntry struct {
	model VisionModel
}

// NewVisionHandle returns a handle that loads the model with load on first Get.
func NewVisionHandle(load VisionLoader) *VisionHandle {
	return &VisionHandle{load: load}
}

// Get returns the loaded model, loading it if needed. Failed loads are not cached.
func (h *VisionHandle) Get(ctx context.Context) (VisionModel, error) {
	if e := h.loaded.Load(); e != nil {
		return e.model, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if e := h.loaded.Load(); e != nil {
		return e.model, nil
	}
	if h.load == nil {
		return nil, ErrVisionUnavailable
	}
	model, err := h.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load vision model: %w", err)
	}
	h.loaded.Store(&visionEntry{model: model})
	log.Info().Msg("Vision model loaded")
	return model, nil
}

// Loaded reports whether the model has been loaded.
func (h *VisionHandle) Loaded() bool {
	return h.loaded.Load() != nil
}

// DescribeArtifact asks the vision model to describe the artifact in the image.
// Errors propagate to the caller, which decides how to degrade.
func (c *Client) DescribeArtifact(ctx context.Context, image []byte, mimeType string) (string, error) {
	if c.vision == nil {
		return "", ErrVisionUnavailable
	}
	model, err := c.vision.Get(ctx)
	if err != nil {
		return "", err
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	log.Debug().Str("mime_type", mimeType).Int("image_bytes", len(image)).Msg("Describing artifact")
	answer, err := model.Describe(ctx, image, mimeType, c.visionQuestion)
	if err != nil {
		return "", fmt.Errorf("vision inference failed: %w", err)
	}
	logModelResponse("DescribeArtifact", answer)

	description := strings.TrimSpace(answer)
	if description == "" {
		return "", ErrEmptyDescription
	}
	return description, nil
}

// geminiVision sends the image and question to a Gemini multimodal model.
type geminiVision struct {
	model *genai.GenerativeModel
}

func (g *geminiVision) Describe(ctx context.Context, image []byte, mimeType, question string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: image}, genai.Text(question))
	if err != nil {
		return "", err
	}

	var result strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				result.WriteString(string(text))
			}
		}
	}
	return result.String(), nil
}

// geminiVisionLoader returns a loader for the pinned Gemini vision model.
func geminiVisionLoader(apiKey, endpoint, modelID string) VisionLoader {
	return func(ctx context.Context) (VisionModel, error) {
		if apiKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY not set", ErrVisionUnavailable)
		}
		opts := []option.ClientOption{option.WithAPIKey(apiKey)}
		if endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		// The client outlives the first request, so it must not inherit its cancellation.
		client, err := genai.NewClient(context.WithoutCancel(ctx), opts...)
		if err != nil {
			return nil, fmt.Errorf("init genai client: %w", err)
		}
		model := client.GenerativeModel(modelID)
		log.Info().Str("model", modelID).Msg("Gemini vision model ready")
		return &geminiVision{model: model}, nil
	}
}
