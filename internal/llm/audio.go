package llm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/models"
	unifiedgenai "google.golang.org/genai"
)

var (
	// ErrEmptyText is returned when there is nothing to synthesize.
	ErrEmptyText = errors.New("synthesis text is empty")
	// ErrNoOutputPath is returned when the caller did not say where to write audio.
	ErrNoOutputPath = errors.New("audio output path is empty")
	// ErrSpeechUnavailable is returned when no TTS model is configured.
	ErrSpeechUnavailable = errors.New("speech model unavailable: GEMINI_API_KEY not set")
)

// spokenRunesPerSecond is used to estimate duration when the format gives no exact figure.
const spokenRunesPerSecond = 4.0

var pcmBitsRe = regexp.MustCompile(`audio/L(\d+)`)

// SpeechModel turns text into audio bytes with the given voice.
type SpeechModel interface {
	Synthesize(ctx context.Context, text, voice string) (data []byte, mimeType string, err error)
}

// SynthesizeSpeech renders text with the configured voice and replaces the file
// at outputPath. The file is written to a temp file first and renamed into place.
func (c *Client) SynthesizeSpeech(ctx context.Context, text, outputPath string) (*models.AudioArtifact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if outputPath == "" {
		return nil, ErrNoOutputPath
	}
	if c.speech == nil {
		return nil, ErrSpeechUnavailable
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	log.Debug().
		Str("model", c.modelTTS).
		Str("voice", c.ttsVoice).
		Int("text_runes", utf8.RuneCountInString(text)).
		Msg("Synthesizing speech")

	data, mimeType, err := c.speech.Synthesize(ctx, text, c.ttsVoice)
	if err != nil {
		return nil, fmt.Errorf("tts failed: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("tts returned no audio data")
	}

	duration := float64(utf8.RuneCountInString(text)) / spokenRunesPerSecond
	outMime := mimeType
	if strings.HasPrefix(mimeType, "audio/L") {
		params := parseAudioMimeType(mimeType)
		duration = params.duration(len(data))
		data = convertToWAV(data, mimeType)
		outMime = "audio/wav"
	}
	if outMime == "" {
		outMime = "audio/wav"
	}

	audio := &models.AudioArtifact{
		Path:     outputPath,
		MimeType: outMime,
		Size:     int64(len(data)),
		Duration: duration,
	}
	if err := validateAudio(audio); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(outputPath, data); err != nil {
		return nil, err
	}

	log.Info().
		Str("caller", "SynthesizeSpeech").
		Str("path", outputPath).
		Int64("audio_size_bytes", audio.Size).
		Str("voice", c.ttsVoice).
		Str("mime_type", outMime).
		Msg("TTS audio written")

	return audio, nil
}

// geminiSpeech uses the unified genai SDK with response_modalities: ["audio"].
type geminiSpeech struct {
	client *unifiedgenai.Client
	model  string
}

func (g *geminiSpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	contents := []*unifiedgenai.Content{
		{
			Role:  "user",
			Parts: []*unifiedgenai.Part{unifiedgenai.NewPartFromText(text)},
		},
	}
	config := &unifiedgenai.GenerateContentConfig{
		ResponseModalities: []string{"audio"},
		SpeechConfig: &unifiedgenai.SpeechConfig{
			VoiceConfig: &unifiedgenai.VoiceConfig{
				PrebuiltVoiceConfig: &unifiedgenai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	// Collect audio data from the streaming response
	var audioBuffer bytes.Buffer
	var lastMimeType string
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
		if err != nil {
			return nil, "", fmt.Errorf("TTS stream error: %w", err)
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				audioBuffer.Write(part.InlineData.Data)
				if part.InlineData.MIMEType != "" {
					lastMimeType = part.InlineData.MIMEType
				}
			}
		}
	}
	return audioBuffer.Bytes(), lastMimeType, nil
}

// writeFileAtomic replaces path with data, creating parent directories.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".audio-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp audio file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp audio file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp audio file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp audio file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace audio file: %w", err)
	}
	return nil
}

// convertToWAV converts raw PCM audio data to WAV format.
func convertToWAV(audioData []byte, mimeType string) []byte {
	params := parseAudioMimeType(mimeType)
	bitsPerSample := params.bitsPerSample
	sampleRate := params.rate
	numChannels := 1
	dataSize := len(audioData)
	bytesPerSample := bitsPerSample / 8
	blockAlign := numChannels * bytesPerSample
	byteRate := sampleRate * blockAlign
	chunkSize := 36 + dataSize

	header := new(bytes.Buffer)
	binary.Write(header, binary.LittleEndian, []byte("RIFF"))
	binary.Write(header, binary.LittleEndian, uint32(chunkSize))
	binary.Write(header, binary.LittleEndian, []byte("WAVE"))
	binary.Write(header, binary.LittleEndian, []byte("fmt "))
	binary.Write(header, binary.LittleEndian, uint32(16))
	binary.Write(header, binary.LittleEndian, uint16(1))
	binary.Write(header, binary.LittleEndian, uint16(numChannels))
	binary.Write(header, binary.LittleEndian, uint32(sampleRate))
	binary.Write(header, binary.LittleEndian, uint32(byteRate))
	binary.Write(header, binary.LittleEndian, uint16(blockAlign))
	binary.Write(header, binary.LittleEndian, uint16(bitsPerSample))
	binary.Write(header, binary.LittleEndian, []byte("data"))
	binary.Write(header, binary.LittleEndian, uint32(dataSize))

	return append(header.Bytes(), audioData...)
}

type audioParams struct {
	bitsPerSample int
	rate          int
}

// duration returns the playback length in seconds of n bytes of mono PCM.
func (p audioParams) duration(n int) float64 {
	bytesPerSecond := p.rate * p.bitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return float64(n) / float64(bytesPerSecond)
}

// parseAudioMimeType parses bits per sample and rate from an audio MIME type.
func parseAudioMimeType(mimeType string) audioParams {
	params := audioParams{bitsPerSample: 16, rate: 24000}

	for _, part := range strings.Split(mimeType, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "rate=") {
			if rate, err := strconv.Atoi(strings.SplitN(part, "=", 2)[1]); err == nil && rate > 0 {
				params.rate = rate
			}
		} else if matches := pcmBitsRe.FindStringSubmatch(part); len(matches) > 1 {
			if bits, err := strconv.Atoi(matches[1]); err == nil && bits > 0 {
				params.bitsPerSample = bits
			}
		}
	}
	return params
}

// validateAudio checks that an audio result is usable.
func validateAudio(audio *models.AudioArtifact) error {
	if audio == nil {
		return fmt.Errorf("audio is nil")
	}
	if audio.Size <= 0 {
		return fmt.Errorf("audio size is invalid: %d", audio.Size)
	}
	return nil
}
