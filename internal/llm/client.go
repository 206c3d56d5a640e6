package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/config"
	"github.com/snappy-loop/museum-alive/internal/persona"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
	unifiedgenai "google.golang.org/genai"
)

// maxResponseLogBytes is the max length of a model response to log in full.
const maxResponseLogBytes = 4096

var (
	// ErrNarrationDisabled is returned when no chat model is configured.
	ErrNarrationDisabled = errors.New("narration disabled: chat credential missing")
	// ErrEmptyResponse is returned when the chat model answers with no usable text.
	ErrEmptyResponse = errors.New("empty response from chat model")
)

// logModelResponse logs a model response, truncating if over maxResponseLogBytes.
func logModelResponse(caller, raw string) {
	if len(raw) <= maxResponseLogBytes {
		log.Debug().Str("caller", caller).Str("response", raw).Msg("Model response")
		return
	}
	log.Debug().
		Str("caller", caller).
		Str("response", raw[:maxResponseLogBytes]+"... [truncated]").
		Int("response_len", len(raw)).
		Msg("Model response")
}

// Client owns the three remote models: vision, chat and speech.
type Client struct {
	chat           llms.Model // nil when the chat credential is missing
	chatModel      string
	persona        *persona.Persona
	vision         *VisionHandle
	visionQuestion string
	speech         SpeechModel // nil when no Gemini key is set
	modelTTS       string
	ttsVoice       string
	limiter        *rate.Limiter // nil when pacing is disabled
}

// NewClient builds the models from configuration. Missing credentials leave the
// corresponding model unset; calls that need it then fail with a stage error.
func NewClient(cfg *config.Config, p *persona.Persona) *Client {
	if p == nil {
		p = persona.Default()
	}

	var chat llms.Model
	if cfg.NarrationEnabled() {
		m, err := openai.New(
			openai.WithToken(cfg.DeepSeekAPIKey),
			openai.WithBaseURL(cfg.DeepSeekBaseURL),
			openai.WithModel(cfg.DeepSeekModel),
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize chat model")
		} else {
			chat = m
		}
	}

	// Unified genai client for TTS with response_modalities: audio
	var speech SpeechModel
	if cfg.GeminiAPIKey != "" {
		unifiedCfg := &unifiedgenai.ClientConfig{APIKey: cfg.GeminiAPIKey, Backend: unifiedgenai.BackendGeminiAPI}
		if cfg.GeminiAPIEndpoint != "" {
			unifiedCfg.HTTPOptions = unifiedgenai.HTTPOptions{BaseURL: cfg.GeminiAPIEndpoint}
		}
		unifiedClient, err := unifiedgenai.NewClient(context.Background(), unifiedCfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize unified genai client for TTS")
		} else {
			speech = &geminiSpeech{client: unifiedClient, model: cfg.GeminiModelTTS}
		}
	}

	var limiter *rate.Limiter
	if cfg.RemoteCallInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RemoteCallInterval), 1)
	}

	log.Info().
		Str("chat_model", cfg.DeepSeekModel).
		Str("chat_base_url", cfg.DeepSeekBaseURL).
		Str("vision_model", cfg.VisionModelID()).
		Bool("vision_enabled", cfg.VisionEnabled).
		Str("model_tts", cfg.GeminiModelTTS).
		Str("tts_voice", cfg.TTSVoice).
		Str("api_endpoint", cfg.GeminiAPIEndpoint).
		Bool("chat", chat != nil).
		Bool("speech", speech != nil).
		Msg("LLM client initialized")

	return &Client{
		chat:           chat,
		chatModel:      cfg.DeepSeekModel,
		persona:        p,
		vision:         NewVisionHandle(geminiVisionLoader(cfg.GeminiAPIKey, cfg.GeminiAPIEndpoint, cfg.VisionModelID())),
		visionQuestion: cfg.VisionQuestion,
		speech:         speech,
		modelTTS:       cfg.GeminiModelTTS,
		ttsVoice:       cfg.TTSVoice,
		limiter:        limiter,
	}
}

// Models groups injectable model implementations for NewClientWithModels.
type Models struct {
	Chat           llms.Model
	Vision         VisionLoader
	VisionQuestion string
	Speech         SpeechModel
	TTSVoice       string
	CallInterval   time.Duration
}

// NewClientWithModels builds a client around caller-supplied models (used by tests and tools).
func NewClientWithModels(m Models, p *persona.Persona) *Client {
	if p == nil {
		p = persona.Default()
	}
	if m.VisionQuestion == "" {
		m.VisionQuestion = "Describe this artifact in detail."
	}
	c := &Client{
		chat:           m.Chat,
		persona:        p,
		visionQuestion: m.VisionQuestion,
		speech:         m.Speech,
		ttsVoice:       m.TTSVoice,
	}
	if m.Vision != nil {
		c.vision = NewVisionHandle(m.Vision)
	}
	if m.CallInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(m.CallInterval), 1)
	}
	return c
}

// NarrationEnabled reports whether a chat model is available.
func (c *Client) NarrationEnabled() bool {
	return c.chat != nil
}

// wait paces remote calls when a minimum interval is configured.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
