package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Pipeline variants. Only VariantVision runs the describing stage.
const (
	VariantVision = "vision"
	VariantName   = "name"
	VariantCloud  = "cloud"
)

// credentialTemplateMarker is the placeholder value shipped in sample env files.
const credentialTemplateMarker = "your-key-here"

// Config holds application configuration
type Config struct {
	// Server
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	// Variant: vision, name or cloud
	Variant       string
	VisionEnabled bool

	// Chat completion (DeepSeek, OpenAI-compatible)
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	DeepSeekModel   string

	// Gemini API (vision + TTS)
	GeminiAPIKey      string
	GeminiAPIEndpoint string // if set, overrides default Gemini API base URL
	VisionModel       string
	VisionRevision    string // pinned model version, joined to VisionModel
	VisionQuestion    string
	GeminiModelTTS    string
	TTSVoice          string

	// Audio output
	AudioOutputPath string // default path for one-shot invocations (CLI)
	AudioDir        string // per-run files for HTTP and worker invocations

	// Persona override (YAML), optional
	PersonaFile string

	// Stage timeouts; zero means no timeout
	VisionTimeout    time.Duration
	NarrationTimeout time.Duration
	SynthesisTimeout time.Duration

	// Minimum interval between remote model calls; zero disables pacing
	RemoteCallInterval time.Duration

	// Results kept in memory for GET /v1/narrations/{id}
	ResultTTL time.Duration

	// Upload limit for artifact photos
	MaxImageSize int64

	// Database (optional: API keys, run metadata)
	DatabaseURL string

	// Quota per API key
	DefaultQuotaNarrations int64
	DefaultQuotaPeriod     string

	// Kafka (optional)
	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaTopicRequests string
	KafkaTopicEvents   string
	// KafkaEventsGroup is the API's consumer group for finished-run events.
	// Each instance needs its own; empty derives one from the hostname.
	KafkaEventsGroup string

	// S3/Storage (optional)
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PublicURL string
}

// Load loads configuration from environment variables
func Load() *Config {
	variant := parseVariant(getEnv("PIPELINE_VARIANT", VariantVision))

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr: getEnv("GRPC_ADDR", ":9090"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Variant:       variant,
		VisionEnabled: variant == VariantVision,

		DeepSeekAPIKey:  getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL: getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
		DeepSeekModel:   getEnv("DEEPSEEK_MODEL", "deepseek-chat"),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiAPIEndpoint: getEnv("GEMINI_API_ENDPOINT", ""),
		VisionModel:       getEnv("VISION_MODEL", "gemini-2.0-flash"),
		VisionRevision:    getEnv("VISION_MODEL_REVISION", "001"),
		VisionQuestion:    getEnv("VISION_QUESTION", "Describe this artifact in detail."),
		GeminiModelTTS:    getEnv("GEMINI_MODEL_TTS", "gemini-2.5-flash-preview-tts"),
		TTSVoice:          getEnv("TTS_VOICE", "Charon"),

		AudioOutputPath: getEnv("AUDIO_OUTPUT_PATH", "artifact_voice.wav"),
		AudioDir:        getEnv("AUDIO_DIR", "audio"),

		PersonaFile: getEnv("PERSONA_FILE", ""),

		VisionTimeout:    getEnvDuration("VISION_TIMEOUT", 0),
		NarrationTimeout: getEnvDuration("NARRATION_TIMEOUT", 0),
		SynthesisTimeout: getEnvDuration("SYNTHESIS_TIMEOUT", 0),

		RemoteCallInterval: getEnvDuration("REMOTE_CALL_INTERVAL", 0),
		ResultTTL:          getEnvDuration("RESULT_TTL", 30*time.Minute),

		MaxImageSize: getEnvInt64("MAX_IMAGE_SIZE", 10*1024*1024), // 10MB

		DatabaseURL: getEnv("DATABASE_URL", ""),

		DefaultQuotaNarrations: int64(clampMin(getEnvInt("DEFAULT_QUOTA_NARRATIONS", 200), 1)),
		DefaultQuotaPeriod:     getEnv("DEFAULT_QUOTA_PERIOD", "monthly"),

		KafkaBrokers:       splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "museum-alive-worker"),
		KafkaTopicRequests: getEnv("KAFKA_TOPIC_REQUESTS", "museum.narrations.requests.v1"),
		KafkaTopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "museum.narrations.events.v1"),
		KafkaEventsGroup:   getEnv("KAFKA_EVENTS_GROUP", ""),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", false),
		S3PublicURL: getEnv("S3_PUBLIC_URL", ""),
	}
}

// NarrationEnabled reports whether the chat-completion credential is usable.
func (c *Config) NarrationEnabled() bool {
	return CredentialPresent(c.DeepSeekAPIKey)
}

// EventsGroup returns the consumer group the API uses for the events topic.
func (c *Config) EventsGroup() string {
	if c.KafkaEventsGroup != "" {
		return c.KafkaEventsGroup
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = strconv.Itoa(os.Getpid())
	}
	return "museum-alive-api-" + host
}

// KafkaEnabled reports whether at least one broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// S3Enabled reports whether audio publication and image fetch can use object storage.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// VisionModelID joins the vision model name with its pinned revision.
func (c *Config) VisionModelID() string {
	if c.VisionRevision == "" {
		return c.VisionModel
	}
	return c.VisionModel + "-" + c.VisionRevision
}

// CredentialPresent treats empty keys and the sample-file placeholder as missing.
func CredentialPresent(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && !strings.Contains(key, credentialTemplateMarker)
}

func parseVariant(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case VariantName:
		return VariantName
	case VariantCloud:
		return VariantCloud
	default:
		return VariantVision
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// clampMin returns v if v >= min, otherwise min.
func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
