package processor

import (
	"github.com/snappy-loop/museum-alive/internal/agents"
	"github.com/snappy-loop/museum-alive/internal/config"
	"github.com/snappy-loop/museum-alive/internal/llm"
)

// NewFromConfig wires the model-backed stages of client into a processor. The
// stage fields of sinks are replaced; its publisher, recorder and events are kept.
func NewFromConfig(cfg *config.Config, client *llm.Client, sinks Deps) *NarrationProcessor {
	sinks.Describer = agents.NewDescriber(client)
	sinks.Narrator = agents.NewNarrator(client)
	sinks.Synthesizer = agents.NewSynthesizer(client)

	return NewNarrationProcessor(sinks, Options{
		Variant:          cfg.Variant,
		VisionEnabled:    cfg.VisionEnabled,
		NarrationEnabled: client.NarrationEnabled(),
		DefaultAudioPath: cfg.AudioOutputPath,
		VisionTimeout:    cfg.VisionTimeout,
		NarrationTimeout: cfg.NarrationTimeout,
		SynthesisTimeout: cfg.SynthesisTimeout,
	})
}
