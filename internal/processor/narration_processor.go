package processor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/agents"
	"github.com/snappy-loop/museum-alive/internal/models"
	"golang.org/x/sync/errgroup"
)

// Progress messages shown while a stage runs.
var stageMessages = map[string]string{
	models.StageDescribing:   "正在观察这个文物 (AI 识图中)...",
	models.StageNarrating:    "正在唤醒沉睡的灵魂...",
	models.StageSynthesizing: "正在为它配上声音...",
	models.StagePublishing:   "正在保存它的声音...",
}

// Deps are the stage implementations and optional sinks.
type Deps struct {
	Describer   agents.Describer // nil disables the describing stage
	Narrator    agents.Narrator
	Synthesizer agents.Synthesizer
	Publisher   AudioPublisher
	Recorder    RunRecorder
	Events      EventPublisher
}

// Options control stage availability and limits.
type Options struct {
	Variant          string
	VisionEnabled    bool
	NarrationEnabled bool   // false when the chat credential is missing
	DefaultAudioPath string // used when a request carries no path

	// Zero means no timeout.
	VisionTimeout    time.Duration
	NarrationTimeout time.Duration
	SynthesisTimeout time.Duration
}

// Request is one narration invocation.
type Request struct {
	ID        uuid.UUID // generated when zero
	Input     models.ArtifactInput
	AudioPath string // defaults to Options.DefaultAudioPath
	APIKeyID  *uuid.UUID
	Observer  Observer
}

// NarrationProcessor runs describing, narrating and synthesizing for one input,
// absorbing expected failures at each stage.
type NarrationProcessor struct {
	describer   agents.Describer
	narrator    agents.Narrator
	synthesizer agents.Synthesizer
	publisher   AudioPublisher
	recorder    RunRecorder
	events      EventPublisher
	opts        Options
	locks       pathLocks
}

// NewNarrationProcessor creates a new narration processor
func NewNarrationProcessor(deps Deps, opts Options) *NarrationProcessor {
	if !opts.VisionEnabled {
		deps.Describer = nil
	}
	return &NarrationProcessor{
		describer:   deps.Describer,
		narrator:    deps.Narrator,
		synthesizer: deps.Synthesizer,
		publisher:   deps.Publisher,
		recorder:    deps.Recorder,
		events:      deps.Events,
		opts:        opts,
	}
}

// VisionEnabled reports whether image inputs are described before narration.
func (p *NarrationProcessor) VisionEnabled() bool {
	return p.describer != nil
}

// NarrationEnabled reports whether the chat credential is present.
func (p *NarrationProcessor) NarrationEnabled() bool {
	return p.opts.NarrationEnabled
}

// Variant returns the configured product variant.
func (p *NarrationProcessor) Variant() string {
	return p.opts.Variant
}

// Run executes the pipeline. The only error is an unconstructed input; every
// stage failure is reported in the result instead.
func (p *NarrationProcessor) Run(ctx context.Context, req Request) (*models.NarrationResult, error) {
	if req.Input.IsZero() {
		return nil, fmt.Errorf("%w: input not constructed", models.ErrInvalidInput)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	obs := req.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	result := &models.NarrationResult{
		ID:        req.ID,
		InputKind: req.Input.Kind(),
		Stages:    []models.StageReport{},
		CreatedAt: time.Now().UTC(),
	}
	logger := log.With().Str("run_id", req.ID.String()).Str("input_kind", string(result.InputKind)).Logger()

	if !p.opts.NarrationEnabled {
		logger.Warn().Msg("Chat credential missing, narration not attempted")
		result.CredentialMissing = true
		p.finishRun(ctx, req, result)
		return result, nil
	}

	logger.Info().Msg("Starting narration run")

	// Step 1: work out what the narrator is told
	ref := p.resolveReference(ctx, req.Input, result, obs)

	// Step 2: narrate; never fails
	story := p.narrate(ctx, ref, result, obs)
	result.Story = story.Text
	result.StoryFallback = story.Fallback

	// Step 3: synthesize (and publish) while holding the output path
	audioPath := req.AudioPath
	if audioPath == "" {
		audioPath = p.opts.DefaultAudioPath
	}
	p.produceAudio(ctx, req.ID, story.Text, audioPath, result, obs)

	p.finishRun(ctx, req, result)

	logger.Info().
		Bool("story_fallback", result.StoryFallback).
		Bool("has_audio", result.HasAudio()).
		Msg("Narration run complete")

	return result, nil
}

// produceAudio holds the path lock for synthesis and publishing; the lock is
// released even if a stage panics.
func (p *NarrationProcessor) produceAudio(ctx context.Context, runID uuid.UUID, text, audioPath string, result *models.NarrationResult, obs Observer) {
	unlock := p.locks.lock(audioPath)
	defer unlock()

	if audio := p.synthesize(ctx, text, audioPath, result, obs); audio != nil {
		result.AudioPath = &audio.Path
		result.AudioMimeType = audio.MimeType
		p.publish(ctx, runID, audio, result, obs)
	}
}

func (p *NarrationProcessor) resolveReference(ctx context.Context, input models.ArtifactInput, result *models.NarrationResult, obs Observer) models.ArtifactRef {
	if input.Kind() == models.InputKindName {
		return models.NameRef(input.Name())
	}

	if p.describer == nil {
		obs.StageStarted(models.StageDescribing, stageMessages[models.StageDescribing])
		p.report(result, obs, models.StageDescribing, models.StageStatusSkipped, nil, time.Now())
		return models.UnknownRef()
	}

	started := p.startStage(obs, models.StageDescribing)
	stageCtx, cancel := withTimeout(ctx, p.opts.VisionTimeout)
	defer cancel()

	image, mimeType := input.Image()
	description, err := p.describer.Describe(stageCtx, image, mimeType)
	if err != nil {
		log.Warn().Err(err).Str("run_id", result.ID.String()).Msg("Vision failed, narrating as unknown artifact")
		p.report(result, obs, models.StageDescribing, models.StageStatusDegraded, err, started)
		return models.UnknownRef()
	}

	result.Description = &description
	p.report(result, obs, models.StageDescribing, models.StageStatusOK, nil, started)
	return models.DescriptionRef(description)
}

func (p *NarrationProcessor) narrate(ctx context.Context, ref models.ArtifactRef, result *models.NarrationResult, obs Observer) models.Story {
	started := p.startStage(obs, models.StageNarrating)
	stageCtx, cancel := withTimeout(ctx, p.opts.NarrationTimeout)
	defer cancel()

	story := p.narrator.Narrate(stageCtx, ref)
	if story.Fallback {
		p.report(result, obs, models.StageNarrating, models.StageStatusDegraded, errors.New(story.Error), started)
	} else {
		p.report(result, obs, models.StageNarrating, models.StageStatusOK, nil, started)
	}
	return story
}

// synthesize runs TTS as a single task and waits for it to finish.
func (p *NarrationProcessor) synthesize(ctx context.Context, text, audioPath string, result *models.NarrationResult, obs Observer) *models.AudioArtifact {
	started := p.startStage(obs, models.StageSynthesizing)
	stageCtx, cancel := withTimeout(ctx, p.opts.SynthesisTimeout)
	defer cancel()

	var audio *models.AudioArtifact
	g, gctx := errgroup.WithContext(stageCtx)
	g.Go(func() (err error) {
		// A panic here would take down the process, not just this run.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("synthesizer panic: %v", r)
			}
		}()
		a, err := p.synthesizer.Synthesize(gctx, text, audioPath)
		if err != nil {
			return err
		}
		audio = a
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("run_id", result.ID.String()).Msg("Synthesis failed, result has no audio")
		p.report(result, obs, models.StageSynthesizing, models.StageStatusFailed, err, started)
		return nil
	}

	p.report(result, obs, models.StageSynthesizing, models.StageStatusOK, nil, started)
	return audio
}

func (p *NarrationProcessor) publish(ctx context.Context, runID uuid.UUID, audio *models.AudioArtifact, result *models.NarrationResult, obs Observer) {
	if p.publisher == nil {
		return
	}
	started := p.startStage(obs, models.StagePublishing)

	key := path.Join("narrations", runID.String()+extensionForMime(audio.MimeType))
	url, err := p.publisher.PublishFile(ctx, key, audio.Path, audio.MimeType)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID.String()).Msg("Audio publication failed")
		p.report(result, obs, models.StagePublishing, models.StageStatusFailed, err, started)
		return
	}
	audio.URL = url
	result.AudioURL = url
	p.report(result, obs, models.StagePublishing, models.StageStatusOK, nil, started)
}

// finishRun records metadata and announces the result. Failures are logged only.
func (p *NarrationProcessor) finishRun(ctx context.Context, req Request, result *models.NarrationResult) {
	if p.recorder != nil {
		run := &models.NarrationRun{
			ID:                result.ID,
			APIKeyID:          req.APIKeyID,
			InputKind:         result.InputKind,
			Variant:           p.opts.Variant,
			StoryFallback:     result.StoryFallback,
			HasAudio:          result.HasAudio(),
			CredentialMissing: result.CredentialMissing,
			Stages:            result.Stages,
			CreatedAt:         result.CreatedAt,
		}
		if result.AudioURL != "" {
			run.AudioURL = &result.AudioURL
		}
		if err := p.recorder.Create(ctx, run); err != nil {
			log.Error().Err(err).Str("run_id", result.ID.String()).Msg("Failed to record narration run")
		}
	}
	if p.events != nil {
		if err := p.events.PublishNarrationEvent(ctx, result); err != nil {
			log.Error().Err(err).Str("run_id", result.ID.String()).Msg("Failed to publish narration event")
		}
	}
}

func (p *NarrationProcessor) startStage(obs Observer, stage string) time.Time {
	obs.StageStarted(stage, stageMessages[stage])
	return time.Now()
}

func (p *NarrationProcessor) report(result *models.NarrationResult, obs Observer, stage, status string, err error, started time.Time) {
	r := models.StageReport{
		Stage:      stage,
		Status:     status,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	result.Stages = append(result.Stages, r)
	obs.StageFinished(r)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".wav"
	}
}
