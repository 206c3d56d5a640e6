package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/tmc/langchaingo/llms"
)

// FallbackStoryPrefix opens every placeholder story.
const FallbackStoryPrefix = "哎呀，我看不清自己..."

// FallbackStory returns the placeholder story for a failed narration. Same error, same text.
func FallbackStory(err error) string {
	return fmt.Sprintf("%s (%s)", FallbackStoryPrefix, err.Error())
}

// NarrateArtifact asks the chat model to speak as the artifact. It never fails:
// any error is turned into a placeholder story that carries the error text.
func (c *Client) NarrateArtifact(ctx context.Context, ref models.ArtifactRef) models.Story {
	log.Debug().Str("ref_kind", string(ref.Kind)).Msg("Generating artifact narration")

	text, err := c.generateStory(ctx, ref)
	if err != nil {
		log.Warn().Err(err).Str("ref_kind", string(ref.Kind)).Msg("Narration failed, using placeholder story")
		return models.Story{Text: FallbackStory(err), Fallback: true, Error: err.Error()}
	}

	log.Info().Str("model", c.chatModel).Int("story_runes", len([]rune(text))).Msg("Narration generation complete")
	return models.Story{Text: text}
}

// generateStory sends exactly one system and one user message, without streaming or retries.
func (c *Client) generateStory(ctx context.Context, ref models.ArtifactRef) (string, error) {
	if c.chat == nil {
		return "", ErrNarrationDisabled
	}
	if err := c.wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("chat completion timeout: %w", err)
		}
		return "", err
	}

	prompt := c.persona.Build(ref)
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: prompt.System}}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: prompt.User}}},
	}

	resp, err := c.chat.GenerateContent(ctx, messages)
	if errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("chat completion timeout: %w", err)
	}
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	logModelResponse("NarrateArtifact", resp.Choices[0].Content)

	story := strings.TrimSpace(resp.Choices[0].Content)
	if story == "" {
		return "", ErrEmptyResponse
	}
	return story, nil
}
