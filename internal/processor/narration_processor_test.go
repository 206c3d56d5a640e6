package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/museum-alive/internal/agents"
	"github.com/snappy-loop/museum-alive/internal/llm"
	"github.com/snappy-loop/museum-alive/internal/models"
	"github.com/snappy-loop/museum-alive/internal/persona"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// stubChat is a deterministic chat model.
type stubChat struct {
	mu    sync.Mutex
	reply string
	err   error
	hang  bool // wait for the context instead of answering
	users []string
}

func (s *stubChat) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, messages[len(messages)-1].Parts[0].(llms.TextContent).Text)
	if s.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s.reply}}}, nil
}

func (s *stubChat) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func (s *stubChat) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

// stubVision is a deterministic vision model.
type stubVision struct {
	answer string
	err    error
	calls  atomic.Int32
}

func (s *stubVision) Describe(ctx context.Context, image []byte, mimeType, question string) (string, error) {
	s.calls.Add(1)
	return s.answer, s.err
}

// stubSpeech returns fixed PCM audio.
type stubSpeech struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (s *stubSpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, "", s.err
	}
	return bytes.Repeat([]byte{0, 1}, 2400), "audio/L16;codec=pcm;rate=24000", nil
}

func (s *stubSpeech) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type testEnv struct {
	chat      *stubChat
	vision    *stubVision
	speech    *stubSpeech
	loads     atomic.Int32
	processor *NarrationProcessor
	audioPath string
}

func newTestEnv(t *testing.T, opts Options, deps Deps) *testEnv {
	t.Helper()
	env := &testEnv{
		chat:   &stubChat{reply: "我是三星堆的青铜面具..."},
		vision: &stubVision{answer: "A bronze mask with protruding cylindrical eyes."},
		speech: &stubSpeech{},
	}
	client := llm.NewClientWithModels(llm.Models{
		Chat: env.chat,
		Vision: func(ctx context.Context) (llm.VisionModel, error) {
			env.loads.Add(1)
			return env.vision, nil
		},
		Speech: env.speech,
	}, persona.Default())

	if deps.Describer == nil {
		deps.Describer = agents.NewDescriber(client)
	}
	if deps.Narrator == nil {
		deps.Narrator = agents.NewNarrator(client)
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = agents.NewSynthesizer(client)
	}
	env.audioPath = filepath.Join(t.TempDir(), "artifact_voice.wav")
	if opts.DefaultAudioPath == "" {
		opts.DefaultAudioPath = env.audioPath
	}
	env.processor = NewNarrationProcessor(deps, opts)
	return env
}

func enabled() Options {
	return Options{Variant: "vision", VisionEnabled: true, NarrationEnabled: true}
}

func testImage(t *testing.T) models.ArtifactInput {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	in, err := models.NewImageInput(buf.Bytes(), "image/png")
	require.NoError(t, err)
	return in
}

func nameInput(t *testing.T, name string) models.ArtifactInput {
	t.Helper()
	in, err := models.NewNameInput(name)
	require.NoError(t, err)
	return in
}

func TestRun_NameInput(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "三星堆青铜面具")})
	require.NoError(t, err)

	require.Nil(t, result.Description)
	require.Equal(t, "我是三星堆的青铜面具...", result.Story)
	require.False(t, result.StoryFallback)
	require.False(t, result.CredentialMissing)
	require.NotNil(t, result.AudioPath)
	require.Equal(t, env.audioPath, *result.AudioPath)
	_, statErr := os.Stat(*result.AudioPath)
	require.NoError(t, statErr)

	require.Nil(t, result.Stage(models.StageDescribing))
	require.Equal(t, int32(0), env.vision.calls.Load())
	require.Equal(t, int32(0), env.loads.Load())
	require.Equal(t, models.StageStatusOK, result.Stage(models.StageNarrating).Status)
	require.Equal(t, models.StageStatusOK, result.Stage(models.StageSynthesizing).Status)
	require.Equal(t, []string{"我是三星堆的青铜面具..."}, env.speech.received())
}

func TestRun_NarrationTimeout(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})
	env.chat.err = errors.New("Post \"https://api.deepseek.com/chat/completions\": timeout awaiting response headers")

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "三星堆青铜面具")})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(result.Story, llm.FallbackStoryPrefix), result.Story)
	require.Contains(t, result.Story, "timeout")
	require.True(t, result.StoryFallback)
	require.Equal(t, models.StageStatusDegraded, result.Stage(models.StageNarrating).Status)

	// Synthesis still runs on the placeholder.
	require.Equal(t, []string{result.Story}, env.speech.received())
	require.NotNil(t, result.AudioPath)
}

func TestRun_ImageVisionFails(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})
	env.vision.err = errors.New("vision backend crashed")

	result, err := env.processor.Run(context.Background(), Request{Input: testImage(t)})
	require.NoError(t, err)

	require.Nil(t, result.Description)
	require.NotEmpty(t, result.Story)
	describing := result.Stage(models.StageDescribing)
	require.NotNil(t, describing)
	require.Equal(t, models.StageStatusDegraded, describing.Status)
	require.Contains(t, describing.Error, "vision backend crashed")

	want := persona.Default().Build(models.UnknownRef()).User
	require.Equal(t, []string{want}, env.chat.calls())
}

func TestRun_ImageVisionSucceeds(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})

	result, err := env.processor.Run(context.Background(), Request{Input: testImage(t)})
	require.NoError(t, err)

	require.NotNil(t, result.Description)
	require.Equal(t, "A bronze mask with protruding cylindrical eyes.", *result.Description)
	require.Equal(t, models.InputKindImage, result.InputKind)
	calls := env.chat.calls()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0], "A bronze mask with protruding cylindrical eyes.")
}

func TestRun_VisionDisabled(t *testing.T) {
	opts := enabled()
	opts.Variant = "cloud"
	opts.VisionEnabled = false
	env := newTestEnv(t, opts, Deps{})
	require.False(t, env.processor.VisionEnabled())

	result, err := env.processor.Run(context.Background(), Request{Input: testImage(t)})
	require.NoError(t, err)

	require.Nil(t, result.Description)
	require.Equal(t, models.StageStatusSkipped, result.Stage(models.StageDescribing).Status)
	require.Equal(t, int32(0), env.loads.Load())
	require.Equal(t, []string{persona.Default().Build(models.UnknownRef()).User}, env.chat.calls())
}

func TestRun_CredentialMissing(t *testing.T) {
	opts := enabled()
	opts.NarrationEnabled = false
	recorder := &fakeRecorder{}
	env := newTestEnv(t, opts, Deps{Recorder: recorder})

	for _, in := range []models.ArtifactInput{nameInput(t, "越王勾践剑"), testImage(t)} {
		result, err := env.processor.Run(context.Background(), Request{Input: in})
		require.NoError(t, err)
		require.True(t, result.CredentialMissing)
		require.Empty(t, result.Story)
		require.Empty(t, result.Stages)
		require.Nil(t, result.AudioPath)
	}
	require.Empty(t, env.chat.calls())
	require.Empty(t, env.speech.received())
	require.Equal(t, int32(0), env.vision.calls.Load())
	require.Len(t, recorder.runs, 2)
	require.True(t, recorder.runs[0].CredentialMissing)
}

func TestRun_SynthesisFailure(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})
	env.speech.err = errors.New("tts quota exhausted")

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "三星堆青铜面具")})
	require.NoError(t, err)

	require.Equal(t, "我是三星堆的青铜面具...", result.Story)
	require.Nil(t, result.AudioPath)
	require.False(t, result.HasAudio())
	synth := result.Stage(models.StageSynthesizing)
	require.Equal(t, models.StageStatusFailed, synth.Status)
	require.Contains(t, synth.Error, "tts quota exhausted")
}

func TestRun_Idempotent(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})
	in := testImage(t)

	first, err := env.processor.Run(context.Background(), Request{Input: in})
	require.NoError(t, err)
	second, err := env.processor.Run(context.Background(), Request{Input: in})
	require.NoError(t, err)

	normalize := func(r *models.NarrationResult) {
		r.ID = uuid.Nil
		r.CreatedAt = time.Time{}
		for i := range r.Stages {
			r.Stages[i].DurationMs = 0
		}
	}
	normalize(first)
	normalize(second)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), env.loads.Load(), "vision model must be loaded once")
}

func TestRun_ZeroInput(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})
	_, err := env.processor.Run(context.Background(), Request{})
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestRun_CallerSuppliedPath(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})
	custom := filepath.Join(t.TempDir(), "runs", "one.wav")

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "青花瓷瓶"), AudioPath: custom})
	require.NoError(t, err)
	require.Equal(t, custom, *result.AudioPath)
	_, statErr := os.Stat(env.audioPath)
	require.True(t, os.IsNotExist(statErr), "default path must stay untouched")
}

func TestRun_PublishRecordAndEvents(t *testing.T) {
	publisher := &fakePublisher{url: "https://cdn.example.com/narrations/x.wav"}
	recorder := &fakeRecorder{}
	events := &fakeEvents{}
	keyID := uuid.New()
	env := newTestEnv(t, enabled(), Deps{Publisher: publisher, Recorder: recorder, Events: events})

	runID := uuid.New()
	result, err := env.processor.Run(context.Background(), Request{ID: runID, Input: nameInput(t, "青花瓷瓶"), APIKeyID: &keyID})
	require.NoError(t, err)

	require.Equal(t, runID, result.ID)
	require.Equal(t, publisher.url, result.AudioURL)
	require.Equal(t, "narrations/"+runID.String()+".wav", publisher.key)
	require.Equal(t, models.StageStatusOK, result.Stage(models.StagePublishing).Status)

	require.Len(t, recorder.runs, 1)
	run := recorder.runs[0]
	require.Equal(t, runID, run.ID)
	require.Equal(t, &keyID, run.APIKeyID)
	require.True(t, run.HasAudio)
	require.Equal(t, publisher.url, *run.AudioURL)

	require.Len(t, events.results, 1)
	require.Equal(t, runID, events.results[0].ID)
}

func TestRun_SinkFailuresAreNonFatal(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("bucket not found")}
	recorder := &fakeRecorder{err: errors.New("db down")}
	events := &fakeEvents{err: errors.New("broker down")}
	env := newTestEnv(t, enabled(), Deps{Publisher: publisher, Recorder: recorder, Events: events})

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "青花瓷瓶")})
	require.NoError(t, err)
	require.NotNil(t, result.AudioPath)
	require.Empty(t, result.AudioURL)
	require.Equal(t, models.StageStatusFailed, result.Stage(models.StagePublishing).Status)
}

func TestRun_ObserverSeesStagesInOrder(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{})
	obs := &recordingObserver{}

	_, err := env.processor.Run(context.Background(), Request{Input: testImage(t), Observer: obs})
	require.NoError(t, err)

	require.Equal(t, []string{
		"start:" + models.StageDescribing, "done:" + models.StageDescribing,
		"start:" + models.StageNarrating, "done:" + models.StageNarrating,
		"start:" + models.StageSynthesizing, "done:" + models.StageSynthesizing,
	}, obs.events)
	require.Equal(t, "正在唤醒沉睡的灵魂...", obs.messages[models.StageNarrating])
}

func TestRun_SynthesisTimeout(t *testing.T) {
	opts := enabled()
	opts.SynthesisTimeout = 20 * time.Millisecond
	env := newTestEnv(t, opts, Deps{Synthesizer: blockingSynthesizer{}})

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "青花瓷瓶")})
	require.NoError(t, err)
	require.Nil(t, result.AudioPath)
	require.Contains(t, result.Stage(models.StageSynthesizing).Error, context.DeadlineExceeded.Error())
}

func TestRun_SamePathIsSerialized(t *testing.T) {
	synth := &overlapSynthesizer{}
	env := newTestEnv(t, enabled(), Deps{Synthesizer: synth})

	in := nameInput(t, "青花瓷瓶")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.processor.Run(context.Background(), Request{Input: in})
		}()
	}
	wg.Wait()

	require.Equal(t, int32(8), synth.calls.Load())
	require.Equal(t, int32(1), synth.maxActive.Load())
}

type fakePublisher struct {
	url string
	err error
	key string
}

func (f *fakePublisher) PublishFile(ctx context.Context, key, path, contentType string) (string, error) {
	f.key = key
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type fakeRecorder struct {
	err  error
	runs []*models.NarrationRun
}

func (f *fakeRecorder) Create(ctx context.Context, run *models.NarrationRun) error {
	f.runs = append(f.runs, run)
	return f.err
}

type fakeEvents struct {
	err     error
	results []*models.NarrationResult
}

func (f *fakeEvents) PublishNarrationEvent(ctx context.Context, result *models.NarrationResult) error {
	f.results = append(f.results, result)
	return f.err
}

type recordingObserver struct {
	events   []string
	messages map[string]string
}

func (o *recordingObserver) StageStarted(stage, message string) {
	if o.messages == nil {
		o.messages = make(map[string]string)
	}
	o.messages[stage] = message
	o.events = append(o.events, "start:"+stage)
}

func (o *recordingObserver) StageFinished(report models.StageReport) {
	o.events = append(o.events, "done:"+report.Stage)
}

type blockingSynthesizer struct{}

func (blockingSynthesizer) Synthesize(ctx context.Context, text, outputPath string) (*models.AudioArtifact, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// overlapSynthesizer tracks how many calls run at once.
type overlapSynthesizer struct {
	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (s *overlapSynthesizer) Synthesize(ctx context.Context, text, outputPath string) (*models.AudioArtifact, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	s.active.Add(-1)
	return &models.AudioArtifact{Path: outputPath, MimeType: "audio/wav", Size: 1}, nil
}

func TestRun_NarrationDeadline(t *testing.T) {
	opts := enabled()
	opts.NarrationTimeout = 20 * time.Millisecond
	env := newTestEnv(t, opts, Deps{})
	env.chat.hang = true

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "三星堆青铜面具")})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(result.Story, llm.FallbackStoryPrefix), result.Story)
	require.Contains(t, result.Story, "timeout")
	require.True(t, result.StoryFallback)
	require.Equal(t, []string{result.Story}, env.speech.received())
}

type panickingSynthesizer struct{}

func (panickingSynthesizer) Synthesize(ctx context.Context, text, outputPath string) (*models.AudioArtifact, error) {
	panic("tts client bug")
}

func TestRun_SynthesizerPanicIsAbsorbed(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{Synthesizer: panickingSynthesizer{}})

	result, err := env.processor.Run(context.Background(), Request{Input: nameInput(t, "青花瓷瓶")})
	require.NoError(t, err)
	require.Nil(t, result.AudioPath)
	require.Equal(t, models.StageStatusFailed, result.Stage(models.StageSynthesizing).Status)
	require.Contains(t, result.Stage(models.StageSynthesizing).Error, "tts client bug")
}

type panickingPublisher struct{}

func (panickingPublisher) PublishFile(ctx context.Context, key, path, contentType string) (string, error) {
	panic("storage client bug")
}

func TestRun_PathReleasedAfterPanic(t *testing.T) {
	env := newTestEnv(t, enabled(), Deps{Publisher: panickingPublisher{}})
	in := nameInput(t, "青花瓷瓶")

	require.Panics(t, func() {
		_, _ = env.processor.Run(context.Background(), Request{Input: in})
	})

	env.processor.publisher = nil
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.processor.Run(context.Background(), Request{Input: in})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second run on the same path never acquired the lock")
	}
}
